// Package httpapi exposes the MaryTTS client over a small JSON and websocket API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-mary/internal/journal"
	"github.com/loqalabs/loqa-mary/internal/mary"
	"github.com/loqalabs/loqa-mary/internal/tts"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

type Router struct {
	mary       *mary.Client
	synth      tts.Synthesizer
	journal    *journal.Store
	logger     *slog.Logger
	authSecret string
	mux        *http.ServeMux
	handler    http.Handler
}

type Option func(*Router)

// WithAuthSecret requires HS256 bearer tokens signed with secret.
func WithAuthSecret(secret string) Option {
	return func(r *Router) { r.authSecret = secret }
}

// NewRouter serves the /v1 API. synth backs the websocket stream; store may be nil.
func NewRouter(client *mary.Client, synth tts.Synthesizer, store *journal.Store, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		mary:    client,
		synth:   synth,
		journal: store,
		logger:  logger.With(slog.String("component", "httpapi")),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.routes()
	r.handler = withRecovery(r.logger, withAuth(r.authSecret, r.mux))
	return r
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /v1/voices", r.handleVoices)
	r.mux.HandleFunc("POST /v1/g2p", r.handleG2P)
	r.mux.HandleFunc("POST /v1/synthesize", r.handleSynthesize)
	r.mux.HandleFunc("GET /v1/journal", r.handleJournal)
	r.mux.HandleFunc("GET /v1/stream", r.handleStream)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) record(e journal.Entry, err error) {
	if _, jerr := r.journal.Record(context.Background(), e.Finish(err)); jerr != nil {
		r.logger.Warn("failed to journal request", slog.String("op", e.Op), slogError(jerr))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		captureError(req, err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps client errors onto gateway status codes.
func statusFor(err error) int {
	var (
		argErr   *mary.InvalidArgumentError
		remote   *mary.RemoteServiceError
		protoErr *mary.ProtocolError
	)
	switch {
	case errors.As(err, &argErr):
		return http.StatusBadRequest
	case errors.As(err, &remote), errors.As(err, &protoErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
