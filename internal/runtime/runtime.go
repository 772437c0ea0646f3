package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-mary/internal/bus"
	"github.com/loqalabs/loqa-mary/internal/capability"
	"github.com/loqalabs/loqa-mary/internal/config"
	"github.com/loqalabs/loqa-mary/internal/httpapi"
	"github.com/loqalabs/loqa-mary/internal/journal"
	"github.com/loqalabs/loqa-mary/internal/mary"
	"github.com/loqalabs/loqa-mary/internal/natsserver"
	"github.com/loqalabs/loqa-mary/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	journal       *journal.Store
	mary          *mary.Client
	tts           *tts.Service
	registry      *capability.Registry
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	mux.Handle("/v1/", httpapi.NewRouter(r.mary, r.newSynth(), r.journal, r.logger, httpapi.WithAuthSecret(r.cfg.HTTP.AuthSecret)))
	if metricsHandler != nil {
		if r.cfg.Telemetry.PrometheusBind == "" {
			mux.Handle("/metrics", metricsHandler)
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{
				Addr:              r.cfg.Telemetry.PrometheusBind,
				Handler:           metricsMux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			r.serve(r.metricsServer, "metrics")
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("mary", fmt.Sprintf("%s:%d", r.mary.Host(), r.mary.Port())))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	if busCfg.Enabled {
		r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
	}

	r.journal, err = journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	r.mary = mary.New(mary.Config{
		Host:    r.cfg.Mary.Host,
		Port:    r.cfg.Mary.Port,
		Locale:  r.cfg.Mary.Locale,
		Voice:   r.cfg.Mary.Voice,
		Timeout: time.Duration(r.cfg.Mary.TimeoutMS) * time.Millisecond,
	}, mary.WithLogger(r.logger))

	if r.cfg.TTS.Enabled && r.bus != nil {
		r.tts = tts.NewService(ctx, r.cfg.TTS, r.bus, r.newSynth(), r.mary, r.journal, r.logger)
		if err := r.tts.Start(); err != nil {
			return fmt.Errorf("start tts service: %w", err)
		}
	}

	if r.bus != nil {
		r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.mary, r.logger)
		if err != nil {
			return fmt.Errorf("start capability registry: %w", err)
		}
	}
	return nil
}

func (r *Runtime) newSynth() tts.Synthesizer {
	if r.cfg.TTS.Mode == "mock" {
		return tts.NewMockSynth(r.cfg.TTS.SampleRate, r.cfg.TTS.Channels, r.cfg.TTS.ChunkDurationMS)
	}
	return tts.NewMarySynth(r.mary, r.cfg.TTS.ChunkDurationMS)
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// shutdown stops components in reverse start order. It tolerates components
// that never started.
func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.registry != nil {
		r.registry.Close()
	}
	if r.tts != nil {
		r.tts.Close()
	}
	if err := r.journal.Close(); err != nil {
		r.logger.Error("journal close error", slog.String("error", err.Error()))
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) && (r.tts == nil || r.tts.Healthy()) &&
		(r.registry == nil || r.registry.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleNodes lists the gateways seen on the bus, optionally narrowed to those
// serving ?voice= or ?locale=.
func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	var nodes []capability.NodeInfo
	if r.registry != nil {
		var filter func(capability.NodeInfo) bool
		switch q := req.URL.Query(); {
		case q.Get("voice") != "":
			filter = capability.WithVoice(q.Get("voice"))
		case q.Get("locale") != "":
			filter = capability.WithLocale(q.Get("locale"))
		}
		nodes = r.registry.Query(filter)
	}
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"nodes": nodes})
}
