package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mary/internal/config"
	"github.com/loqalabs/loqa-mary/internal/marytest"
	"github.com/loqalabs/loqa-mary/internal/protocol"
	"github.com/nats-io/nats.go"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitReady(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("runtime never became ready")
}

func TestRuntimeServesAPIAndBus(t *testing.T) {
	fake := marytest.NewServer(t)

	cfg := config.Default()
	cfg.Environment = "test"
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Telemetry.PrometheusBind = ""
	cfg.Mary.Host = fake.Host
	cfg.Mary.Port = fake.Port
	cfg.Bus.Port = freePort(t)
	cfg.Journal.RetentionMode = "ephemeral"
	cfg.TTS.Mode = "mock"

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Errorf("runtime did not stop")
		}
	})

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)
	waitReady(t, base)

	resp, err := http.Get(base + "/v1/voices")
	if err != nil {
		t.Fatalf("voices: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected voices status %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "mary_client_requests") {
		t.Fatalf("expected mary client metrics to be exported")
	}

	resp, err = http.Get(base + "/v1/nodes?voice=bits3")
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	var nodes struct {
		Nodes []struct {
			ID string `json:"id"`
		} `json:"nodes"`
	}
	err = json.NewDecoder(resp.Body).Decode(&nodes)
	resp.Body.Close()
	if err != nil || len(nodes.Nodes) != 1 || nodes.Nodes[0].ID != cfg.Node.ID {
		t.Fatalf("expected local node to advertise bits3, got %+v (%v)", nodes, err)
	}

	nc, err := nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port))
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	defer nc.Close()
	msg, err := nc.Request(protocol.SubjectVoicesRequest, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("voices request: %v", err)
	}
	var reply protocol.VoicesReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(reply.Voices) != 2 {
		t.Fatalf("unexpected voices reply %+v", reply)
	}
}
