package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/config"
	"github.com/zhouzirui/z-relay/internal/events/nop"
)

func TestRunServerStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := &http.Server{Addr: addr, Handler: http.NotFoundHandler()}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- runServer(ctx, srv) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewPublisherDefaultsToNop(t *testing.T) {
	pub, err := newPublisher(config.EventsConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("newPublisher: %v", err)
	}
	if _, ok := pub.(*nop.Publisher); !ok {
		t.Fatalf("expected nop publisher, got %T", pub)
	}
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	if cmd.Flags().Lookup("debug") == nil || cmd.Flags().Lookup("env-file") == nil {
		t.Fatal("expected --debug and --env-file flags")
	}
}
