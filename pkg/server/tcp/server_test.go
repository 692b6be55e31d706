// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/metrics"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/ratelimit"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

// echoDispatcher echoes everything back and reports the role restriction it
// was called with.
type echoDispatcher struct {
	roles chan wire.AuthType
}

func (d *echoDispatcher) HandleConn(ctx context.Context, conn net.Conn, only wire.AuthType) error {
	defer conn.Close()
	select {
	case d.roles <- only:
	default:
	}
	_, err := io.Copy(conn, conn)
	return err
}

// blockingDispatcher holds connections until its context is canceled.
type blockingDispatcher struct {
	started chan struct{}
}

func (d *blockingDispatcher) HandleConn(ctx context.Context, conn net.Conn, _ wire.AuthType) error {
	defer conn.Close()
	d.started <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func startServer(t *testing.T, cfg Config, d Dispatcher) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()

	cfg.Address = "localhost:0"
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := New(cfg, d)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Listen(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s, cancel, errCh
}

func waitStopped(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func TestListenDispatches(t *testing.T) {
	d := &echoDispatcher{roles: make(chan wire.AuthType, 1)}
	s, cancel, errCh := startServer(t, Config{Role: wire.AuthProvider}, d)
	defer cancel()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("hello")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q, want %q", buf, msg)
	}

	select {
	case role := <-d.roles:
		if role != wire.AuthProvider {
			t.Errorf("dispatcher role = %v, want %v", role, wire.AuthProvider)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher not called")
	}

	conn.Close()
	cancel()
	if err := waitStopped(t, errCh); err != nil {
		t.Errorf("Listen() error = %v", err)
	}
}

func TestListenRateLimited(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	limiter := ratelimit.NewLimiter(ratelimit.Config{Rate: 0.001, Burst: 1})
	defer limiter.Close()

	d := &echoDispatcher{roles: make(chan wire.AuthType, 4)}
	s, cancel, errCh := startServer(t, Config{Name: "probe", RateLimiter: limiter, Metrics: m}, d)
	defer cancel()

	first, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()

	second, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("rate limited read error = %v, want EOF", err)
	}
	if got := testutil.ToFloat64(m.RateLimitedConnections.WithLabelValues("probe")); got != 1 {
		t.Errorf("rate limited connections = %v, want 1", got)
	}

	first.Close()
	cancel()
	waitStopped(t, errCh)
}

func TestShutdownTimeout(t *testing.T) {
	d := &blockingDispatcher{started: make(chan struct{}, 1)}
	s, cancel, errCh := startServer(t, Config{ShutdownTimeout: 50 * time.Millisecond}, d)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher not called")
	}

	cancel()
	if err := waitStopped(t, errCh); !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Listen() error = %v, want %v", err, ErrShutdownTimeout)
	}
}

func TestListenKeepAlive(t *testing.T) {
	s := New(Config{KeepAlive: KeepAliveConfig{Idle: time.Minute, Interval: 10 * time.Second, Count: 3}}, nil)
	lc := s.listenConfig()
	if !lc.KeepAliveConfig.Enable || lc.KeepAliveConfig.Idle != time.Minute || lc.KeepAliveConfig.Count != 3 {
		t.Errorf("keepalive config = %+v", lc.KeepAliveConfig)
	}

	if lc := New(Config{}, nil).listenConfig(); lc.KeepAliveConfig.Enable {
		t.Error("keepalive enabled without configuration")
	}
}

func TestListenInvalidAddress(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:-1", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, &echoDispatcher{})
	if err := s.Listen(context.Background()); err == nil {
		t.Fatal("Listen() on invalid address succeeded")
	}
}
