// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/metrics"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/ratelimit"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Dispatcher takes over accepted connections. It owns conn from the moment
// HandleConn is called.
type Dispatcher interface {
	HandleConn(ctx context.Context, conn net.Conn, only wire.AuthType) error
}

// KeepAliveConfig holds the TCP keepalive probe settings of accepted connections.
type KeepAliveConfig struct {
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// Config holds the TCP server configuration.
type Config struct {
	// Name labels the listener in logs and metrics, e.g. "probe" or "provider".
	Name string

	// Address is the listen address (host:port)
	Address string

	// Role restricts the listener to one auth type. Zero admits both.
	Role wire.AuthType

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// KeepAlive configures TCP keepalive. A zero value uses the system defaults.
	KeepAlive KeepAliveConfig

	// RateLimiter limits accepted connections per remote IP. Nil disables limiting.
	RateLimiter *ratelimit.Limiter

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts TCP connections and hands them to a Dispatcher.
type Server struct {
	config     Config
	dispatcher Dispatcher
	wg         sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

// New creates a new TCP server with the given configuration and dispatcher.
func New(cfg Config, d Dispatcher) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "tcp"
	}

	return &Server{
		config:     cfg,
		dispatcher: d,
	}
}

// Addr returns the bound address, or nil before Listen has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) listenConfig() net.ListenConfig {
	ka := s.config.KeepAlive
	if ka == (KeepAliveConfig{}) {
		return net.ListenConfig{}
	}
	return net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     ka.Idle,
			Interval: ka.Interval,
			Count:    ka.Count,
		},
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	lc := s.listenConfig()
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	logger := s.config.Logger.With(slog.String("listener", s.config.Name))

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	logger.Info("TCP server started", slog.String("address", listener.Addr().String()))

	// Active connections outlive ctx until the drain timeout.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	// Accept loop
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if !s.admit(conn) {
				logger.Debug("connection rate limited", slog.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				// The dispatcher logs handler errors with session context.
				_ = s.dispatcher.HandleConn(connCtx, conn, s.config.Role)
			}()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutdown signal received, closing listener")

	// Close the listener to stop accepting new connections
	if err := listener.Close(); err != nil {
		logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	// Wait for accept loop to finish
	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded, forcing connection closure")
		// Cancel context to force close remaining connections
		connCancel()
		// Give a little more time for forced closure
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// admit applies the per-IP rate limit to conn.
func (s *Server) admit(conn net.Conn) bool {
	if s.config.RateLimiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	if s.config.RateLimiter.Allow(host) {
		return true
	}
	if s.config.Metrics != nil {
		s.config.Metrics.RateLimitedConnections.WithLabelValues(s.config.Name).Inc()
	}
	return false
}
