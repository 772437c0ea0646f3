package capability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mary/internal/bus"
	"github.com/loqalabs/loqa-mary/internal/config"
	"github.com/loqalabs/loqa-mary/internal/mary"
	"github.com/loqalabs/loqa-mary/internal/natsserver"
)

type staticVoices struct {
	voices []mary.Voice
	err    error
}

func (s staticVoices) Voices(context.Context) ([]mary.Voice, error) { return s.voices, s.err }

func startBus(t *testing.T) (func(name string) *bus.Client, *slog.Logger) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Host: "127.0.0.1", Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return func(name string) *bus.Client {
		c, err := bus.Connect(context.Background(), name, config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(c.Close)
		return c
	}, log
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "tts-gateway", HeartbeatInterval: 50, HeartbeatTimeout: 200}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryDiscoversPeerVoices(t *testing.T) {
	connect, log := startBus(t)

	english := staticVoices{voices: []mary.Voice{{"cmu-rms-hsmm", "en_US", "male", "hmm"}}}
	german := staticVoices{voices: []mary.Voice{{"bits3", "de", "male", "unitselection", "general"}}}

	a, err := NewRegistry(context.Background(), nodeConfig("gw-a"), connect("a"), english, log)
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	t.Cleanup(a.Close)
	b, err := NewRegistry(context.Background(), nodeConfig("gw-b"), connect("b"), german, log)
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	t.Cleanup(b.Close)

	if !a.Healthy() || !b.Healthy() {
		t.Fatalf("expected both registries healthy after announcing")
	}
	eventually(t, func() bool { return len(a.Query(WithVoice("bits3"))) == 1 }, "gw-a never saw bits3")

	nodes := a.Query(WithLocale("de"))
	if nodes[0].ID != "gw-b" || nodes[0].Capabilities[0].Attributes["kind"] != "unitselection" {
		t.Fatalf("unexpected node %+v", nodes[0])
	}
	if all := a.Query(nil); len(all) != 2 || all[0].ID != "gw-a" {
		t.Fatalf("expected both nodes ordered by id, got %+v", all)
	}
}

func TestRegistryMarksSilentPeersUnhealthy(t *testing.T) {
	connect, log := startBus(t)

	a, err := NewRegistry(context.Background(), nodeConfig("gw-a"), connect("a"), staticVoices{}, log)
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	t.Cleanup(a.Close)

	b, err := NewRegistry(context.Background(), nodeConfig("gw-b"), connect("b"), staticVoices{voices: []mary.Voice{{"bits3", "de"}}}, log)
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	eventually(t, func() bool { return len(a.Query(WithVoice("bits3"))) == 1 }, "gw-a never saw gw-b")

	b.Close()
	eventually(t, func() bool { return len(a.Query(WithVoice("bits3"))) == 0 }, "gw-b never expired")
	if !a.Healthy() {
		t.Fatalf("local node must stay healthy while heartbeating")
	}
}

func TestRegistryAnnouncesWhenServerDown(t *testing.T) {
	connect, log := startBus(t)

	r, err := NewRegistry(context.Background(), nodeConfig("gw-a"), connect("a"), staticVoices{err: errors.New("connection refused")}, log)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(r.Close)

	if !r.Healthy() {
		t.Fatalf("node should be announced even without voices")
	}
	if nodes := r.Query(nil); len(nodes) != 1 || len(nodes[0].Capabilities) != 0 {
		t.Fatalf("expected a single node without capabilities, got %+v", nodes)
	}
}
