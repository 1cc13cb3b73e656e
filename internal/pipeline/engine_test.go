package pipeline

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"backstop/internal/config"
)

func engineConfig(relayAddr string) *config.Config {
	cfg := &config.Config{
		Global: config.GlobalConfig{Host: "gw", Prefix: "backstop"},
		HTTP: config.HTTPConfig{
			Listen:            "127.0.0.1:0",
			ReadHeaderTimeout: config.Duration{Duration: time.Second},
			ShutdownTimeout:   config.Duration{Duration: time.Second},
			MaxBody:           1 << 20,
		},
		Publish: config.PublishConfig{Prefixes: []string{"team"}},
	}
	if relayAddr != "" {
		cfg.Relay = []config.RelayConfig{relayConfig("carbon", relayAddr)}
	}
	return cfg
}

func TestEngine_RelaysWebhookToGraphite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	lines := make(chan string, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := NewFromConfig(ctx, engineConfig(ln.Addr().String()), discardLogger(), "test")
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	resp, err := http.Post("http://"+engine.IngestAddr()+"/publish/team", "application/json",
		strings.NewReader(`{"metric":"deploys","value":4,"measure_time":1690000000}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	select {
	case line := <-lines:
		if line != "team.deploys 4 1690000000" {
			t.Fatalf("unexpected relayed line: %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not deliver the event")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngine_GRPCHealthEnabled(t *testing.T) {
	cfg := engineConfig("")
	cfg.GRPC = config.GRPCConfig{Enabled: true, Listen: "127.0.0.1:0"}

	ctx, cancel := context.WithCancel(context.Background())
	engine, err := NewFromConfig(ctx, cfg, discardLogger(), "test")
	if err != nil {
		cancel()
		t.Fatalf("NewFromConfig: %v", err)
	}
	if len(engine.runners) != 2 {
		cancel()
		t.Fatalf("expected http and grpc runners, got %d", len(engine.runners))
	}

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(7 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestNewFromConfig_ReleasesListenerOnFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()

	cfg := engineConfig("")
	cfg.HTTP.Listen = "127.0.0.1:0"
	cfg.GRPC = config.GRPCConfig{Enabled: true, Listen: occupied.Addr().String()}

	if _, err := NewFromConfig(context.Background(), cfg, discardLogger(), "test"); err == nil {
		t.Fatal("expected grpc bind error")
	}

	cfg = engineConfig("")
	cfg.HTTP.Listen = occupied.Addr().String()
	if _, err := NewFromConfig(context.Background(), cfg, discardLogger(), "test"); err == nil {
		t.Fatal("expected http bind error")
	}
}

func TestNewFromConfig_RejectsBadPublishPattern(t *testing.T) {
	cfg := engineConfig("")
	cfg.Publish.Prefixes = []string{""}
	if _, err := NewFromConfig(context.Background(), cfg, discardLogger(), "test"); err == nil {
		t.Fatal("expected publish pattern error")
	}
}
