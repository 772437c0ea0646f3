package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mary/internal/bus"
	"github.com/loqalabs/loqa-mary/internal/config"
	"github.com/loqalabs/loqa-mary/internal/journal"
	"github.com/loqalabs/loqa-mary/internal/mary"
	"github.com/loqalabs/loqa-mary/internal/protocol"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 45 * time.Second

// Service answers TTS requests arriving on the bus.
type Service struct {
	cfg     config.TTSConfig
	bus     *bus.Client
	synth   Synthesizer
	mary    *mary.Client
	journal *journal.Store
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	logger  *slog.Logger
}

// NewService wires a synthesizer to the bus. maryClient may be nil, in which
// case g2p and voice listing are not offered. store may be nil.
func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, maryClient *mary.Client, store *journal.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		synth:   synth,
		mary:    maryClient,
		journal: store,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectTTSRequest: s.handleRequest,
	}
	if s.mary != nil {
		handlers[protocol.SubjectG2PRequest] = s.handleG2P
		handlers[protocol.SubjectVoicesRequest] = s.handleVoices
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	s.logger.Info("tts service started", slog.Int("subjects", len(handlers)))
	return nil
}

// Close stops accepting requests and waits for in-flight ones to finish.
// Messages still delivered while the subscriptions drain are dropped.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

// track registers an in-flight request. It reports false once Close has begun.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) unsubscribe() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || (!s.closed && len(s.subs) > 0)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}

	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		start := time.Now()
		total, err := s.stream(ctx, req)
		if err != nil {
			s.logger.Warn("tts synthesis error", slog.String("session_id", req.SessionID), slogError(err))
		}
		s.publishStatus(req, err)
		s.record(journal.Entry{
			SessionID: req.SessionID,
			Op:        journal.OpSynthesize,
			Locale:    s.locale(req.Locale),
			Voice:     s.voice(req.Voice),
			Input:     req.Text,
			Bytes:     total,
			Duration:  time.Since(start),
		}, err)
	}()
}

// stream forwards synthesized chunks to the bus and returns the PCM byte count.
func (s *Service) stream(ctx context.Context, req protocol.TTSRequest) (int, error) {
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
		SessionID: req.SessionID,
		Text:      req.Text,
		Format:    req.Format,
		Locale:    req.Locale,
		Voice:     req.Voice,
	})
	var synthErr error
	sequence, total := 0, 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.Sequence = sequence
			sequence++
			total += len(chunk.PCM)
			s.publishChunk(req, chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			if !ok {
				errs = nil
			}
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
	return total, synthErr
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		s.logger.Warn("failed to marshal tts chunk", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTTSAudio, data); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Service) publishStatus(req protocol.TTSRequest, err error) {
	status := protocol.TTSStatus{SessionID: req.SessionID, Target: req.Target, Completed: err == nil, Timestamp: time.Now().UTC()}
	if err != nil {
		status.Error = err.Error()
	}
	data, merr := json.Marshal(status)
	if merr != nil {
		s.logger.Warn("failed to marshal tts status", slogError(merr))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTTSDone, data); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func (s *Service) handleG2P(msg *nats.Msg) {
	var req protocol.G2PRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.G2PReply{Error: "invalid request: " + err.Error()})
		return
	}

	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		start := time.Now()
		client := s.mary.WithVoice(req.Locale, req.Voice)
		phonemes, err := client.TextToPhonemes(ctx, req.Text)
		reply := protocol.G2PReply{Phonemes: phonemes}
		if err != nil {
			reply.Error = err.Error()
		}
		s.respond(msg, reply)
		s.record(journal.Entry{
			SessionID: req.SessionID,
			Op:        journal.OpG2P,
			Locale:    client.Locale(),
			Voice:     client.Voice(),
			Input:     req.Text,
			Output:    phonemes,
			Duration:  time.Since(start),
		}, err)
	}()
}

func (s *Service) handleVoices(msg *nats.Msg) {
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		start := time.Now()
		voices, err := s.mary.Voices(ctx)
		reply := protocol.VoicesReply{}
		for _, v := range voices {
			reply.Voices = append(reply.Voices, []string(v))
		}
		if err != nil {
			reply.Error = err.Error()
		}
		s.respond(msg, reply)
		s.record(journal.Entry{
			Op:       journal.OpVoices,
			Output:   fmt.Sprintf("%d voices", len(voices)),
			Duration: time.Since(start),
		}, err)
	}()
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrMsgNoReply) {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

func (s *Service) record(e journal.Entry, err error) {
	if _, jerr := s.journal.Record(context.Background(), e.Finish(err)); jerr != nil {
		s.logger.Warn("failed to journal request", slog.String("op", e.Op), slogError(jerr))
	}
}

func (s *Service) locale(requested string) string {
	if requested != "" || s.mary == nil {
		return requested
	}
	return s.mary.Locale()
}

func (s *Service) voice(requested string) string {
	if requested != "" || s.mary == nil {
		return requested
	}
	return s.mary.Voice()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
