package tts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mary/internal/bus"
	"github.com/loqalabs/loqa-mary/internal/config"
	"github.com/loqalabs/loqa-mary/internal/journal"
	"github.com/loqalabs/loqa-mary/internal/mary"
	"github.com/loqalabs/loqa-mary/internal/marytest"
	"github.com/loqalabs/loqa-mary/internal/natsserver"
	"github.com/loqalabs/loqa-mary/internal/protocol"
	"github.com/nats-io/nats.go"
)

type harness struct {
	bus     *bus.Client
	mary    *marytest.Server
	journal *journal.Store
	service *Service
}

func newHarness(t *testing.T, mode string) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Host: "127.0.0.1", Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busClient, err := bus.Connect(context.Background(), "tts-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(busClient.Close)

	store, err := journal.Open(context.Background(), config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "persistent",
	}, log)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fake := marytest.NewServer(t)
	client := mary.New(mary.Config{Host: fake.Host, Port: fake.Port})

	cfg := config.TTSConfig{Enabled: true, Mode: mode, SampleRate: 16000, Channels: 1, ChunkDurationMS: 250}
	var synth Synthesizer
	switch mode {
	case "mock":
		synth = NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS)
	default:
		synth = NewMarySynth(client, cfg.ChunkDurationMS)
	}
	service := NewService(context.Background(), cfg, busClient, synth, client, store, log)
	if err := service.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(service.Close)
	if !service.Healthy() {
		t.Fatalf("expected healthy service")
	}
	return &harness{bus: busClient, mary: fake, journal: store, service: service}
}

// collect subscribes to the audio and status subjects before publishing req.
func (h *harness) collect(t *testing.T, req protocol.TTSRequest) ([]protocol.AudioChunk, protocol.TTSStatus) {
	t.Helper()
	audio := make(chan *nats.Msg, 64)
	done := make(chan *nats.Msg, 1)
	audioSub, err := h.bus.Conn().ChanSubscribe(protocol.SubjectTTSAudio, audio)
	if err != nil {
		t.Fatalf("subscribe audio: %v", err)
	}
	defer audioSub.Unsubscribe()
	doneSub, err := h.bus.Conn().ChanSubscribe(protocol.SubjectTTSDone, done)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}
	defer doneSub.Unsubscribe()

	data, _ := json.Marshal(req)
	if err := h.bus.Conn().Publish(protocol.SubjectTTSRequest, data); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var status protocol.TTSStatus
	select {
	case msg := <-done:
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for tts.done")
	}

	var chunks []protocol.AudioChunk
	for {
		select {
		case msg := <-audio:
			var chunk protocol.AudioChunk
			if err := json.Unmarshal(msg.Data, &chunk); err != nil {
				t.Fatalf("decode chunk: %v", err)
			}
			chunks = append(chunks, chunk)
		default:
			return chunks, status
		}
	}
}

func waitForEntries(t *testing.T, store *journal.Store, op string, n int) []journal.Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := store.List(context.Background(), journal.Filter{Op: op})
		if err != nil {
			t.Fatalf("list journal: %v", err)
		}
		if len(entries) >= n {
			return entries
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d %s entries, got %d", n, op, len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceStreamsMaryAudio(t *testing.T) {
	h := newHarness(t, "mary")

	chunks, status := h.collect(t, protocol.TTSRequest{SessionID: "s1", Text: "Hello World!", Target: "kitchen"})
	if !status.Completed || status.Error != "" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Target != "kitchen" {
		t.Fatalf("expected target to be echoed, got %q", status.Target)
	}
	// One second of audio in 250 ms chunks.
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if c.Sequence != i || c.SampleRate != 16000 || c.Channels != 1 {
			t.Fatalf("unexpected chunk %d: %+v", i, c)
		}
		if c.Final != (i == len(chunks)-1) {
			t.Fatalf("chunk %d final=%v", i, c.Final)
		}
		total += len(c.PCM)
	}
	if total != 32000 {
		t.Fatalf("expected 32000 pcm bytes, got %d", total)
	}

	entries := waitForEntries(t, h.journal, journal.OpSynthesize, 1)
	if entries[0].SessionID != "s1" || entries[0].Bytes != 32000 || entries[0].Status != journal.StatusOK {
		t.Fatalf("unexpected journal entry %+v", entries[0])
	}
	if entries[0].Voice != "cmu-rms-hsmm" || entries[0].Locale != "en_US" {
		t.Fatalf("expected default voice in journal, got %+v", entries[0])
	}
}

func TestServiceReportsSynthesisFailure(t *testing.T) {
	h := newHarness(t, "mary")
	h.mary.SetStatus(500)

	chunks, status := h.collect(t, protocol.TTSRequest{SessionID: "s2", Text: "hello"})
	if status.Completed || status.Error == "" {
		t.Fatalf("expected failed status, got %+v", status)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no audio, got %d chunks", len(chunks))
	}
	entries := waitForEntries(t, h.journal, journal.OpSynthesize, 1)
	if entries[0].Status != journal.StatusError || entries[0].Error == "" {
		t.Fatalf("expected error entry, got %+v", entries[0])
	}
}

func TestServiceMockSynth(t *testing.T) {
	h := newHarness(t, "mock")

	chunks, status := h.collect(t, protocol.TTSRequest{SessionID: "s3", Text: "one two"})
	if !status.Completed {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(chunks) != 2 || !chunks[1].Final {
		t.Fatalf("expected 2 chunks ending final, got %+v", chunks)
	}
	if h.mary.Requests() != 0 {
		t.Fatalf("mock synth must not contact the server")
	}
}

func TestServiceG2PRequestReply(t *testing.T) {
	h := newHarness(t, "mary")

	data, _ := json.Marshal(protocol.G2PRequest{SessionID: "s4", Text: "GELBSEIDENEN", Locale: "de", Voice: "bits3"})
	msg, err := h.bus.Conn().Request(protocol.SubjectG2PRequest, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.G2PReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error != "" || reply.Phonemes != "' g E l - ' b s AI - d i - n @ n" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	form := h.mary.LastForm()
	if form.Get("LOCALE") != "de" || form.Get("VOICE") != "bits3" {
		t.Fatalf("expected per-request overrides, got %q/%q", form.Get("LOCALE"), form.Get("VOICE"))
	}

	entries := waitForEntries(t, h.journal, journal.OpG2P, 1)
	if entries[0].Output != reply.Phonemes || entries[0].Voice != "bits3" {
		t.Fatalf("unexpected journal entry %+v", entries[0])
	}
}

func TestServiceVoicesRequestReply(t *testing.T) {
	h := newHarness(t, "mary")

	msg, err := h.bus.Conn().Request(protocol.SubjectVoicesRequest, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.VoicesReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error != "" || len(reply.Voices) != 2 || reply.Voices[1][0] != "bits3" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	h.mary.SetStatus(503)
	msg, err = h.bus.Conn().Request(protocol.SubjectVoicesRequest, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	reply = protocol.VoicesReply{}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == "" {
		t.Fatalf("expected error reply")
	}
	waitForEntries(t, h.journal, journal.OpVoices, 2)
}

func TestServiceIgnoresRequestsAfterClose(t *testing.T) {
	h := newHarness(t, "mary")
	h.service.Close()
	if h.service.Healthy() {
		t.Fatalf("closed service must not report healthy")
	}

	req, _ := json.Marshal(protocol.TTSRequest{SessionID: "late", Text: "hello"})
	g2p, _ := json.Marshal(protocol.G2PRequest{Text: "hello"})
	h.service.handleRequest(&nats.Msg{Subject: protocol.SubjectTTSRequest, Data: req})
	h.service.handleG2P(&nats.Msg{Subject: protocol.SubjectG2PRequest, Data: g2p})
	h.service.handleVoices(&nats.Msg{Subject: protocol.SubjectVoicesRequest})
	h.service.Close()

	if n := h.mary.Requests(); n != 0 {
		t.Fatalf("expected no server traffic after close, got %d requests", n)
	}
	entries, err := h.journal.List(context.Background(), journal.Filter{})
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no journal entries after close, got %d", len(entries))
	}
}
