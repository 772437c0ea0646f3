package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-mary/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestStartAcceptsConnections(t *testing.T) {
	cfg := config.BusConfig{Enabled: true, Embedded: true, Host: "127.0.0.1", Port: -1}
	srv, err := Start(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if !nc.IsConnected() {
		t.Fatalf("expected connected client")
	}
}

func TestStartRequiresConfiguredCredentials(t *testing.T) {
	cfg := config.BusConfig{Enabled: true, Embedded: true, Host: "127.0.0.1", Port: -1, Username: "gateway", Password: "secret"}
	srv, err := Start(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	if nc, err := nats.Connect(srv.ClientURL(), nats.NoReconnect()); err == nil {
		nc.Close()
		t.Fatalf("expected anonymous connection to be rejected")
	}
	nc, err := nats.Connect(srv.ClientURL(), nats.UserInfo("gateway", "secret"))
	if err != nil {
		t.Fatalf("connect with credentials: %v", err)
	}
	nc.Close()
}
