// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/metrics"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/queue"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/stream"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

// Config holds the tunnel service configuration.
type Config struct {
	// AuthTimeout bounds the TLS handshake and, separately, the wait for the
	// opening AuthRequest.
	AuthTimeout time.Duration

	// RequestTimeout bounds the wait for a probe's ConnectRequest.
	RequestTimeout time.Duration

	// ProviderTimeout bounds the wait for a provider's ConnectResponse.
	ProviderTimeout time.Duration

	// GCInterval is how often idle queues are collected.
	GCInterval time.Duration

	// MaxIdle is how long a queue may go without a provider loop before its
	// entries are timed out.
	MaxIdle time.Duration

	// HideForbidden reports denied sim requests as NotFound.
	HideForbidden bool

	Store   store.Store
	Auth    handler.AuthHandler
	Queues  *queue.Registry
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service accepts tunnel connections of both roles and matches probes with providers.
type Service struct {
	cfg    Config
	logger *slog.Logger
	queues *queue.Registry

	stopOnce sync.Once
	stopping chan struct{}
}

// New creates a tunnel service. Store and Auth are required.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("tunnel: store is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("tunnel: auth handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.GCInterval == 0 {
		cfg.GCInterval = time.Minute
	}
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = 3 * time.Minute
	}
	if cfg.Queues == nil {
		cfg.Queues = queue.NewRegistry(queue.Config{Metrics: cfg.Metrics})
	}

	return &Service{
		cfg:      cfg,
		logger:   cfg.Logger,
		queues:   cfg.Queues,
		stopping: make(chan struct{}),
	}, nil
}

// Queues returns the registry the service matches requests on.
func (s *Service) Queues() *queue.Registry {
	return s.queues
}

// session is one authenticated connection.
type session struct {
	id     string
	conn   *stream.Conn
	token  []byte
	logger *slog.Logger
}

// HandleConn runs the handshake on conn and hands it to the probe or provider
// handler. With only set to a non-zero AuthType, other roles are refused.
//
// A probe connection that was queued outlives HandleConn; it is owned by the
// provider handler that eventually dequeues it. All other connections are
// closed before HandleConn returns.
func (s *Service) HandleConn(ctx context.Context, conn net.Conn, only wire.AuthType) error {
	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
	}

	if tlsConn, ok := conn.(*tls.Conn); ok {
		hsCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			conn.Close()
			if errors.Is(err, context.DeadlineExceeded) {
				err = terrors.ErrTimeout
			}
			s.connError("unknown", err)
			return terrors.New("handshake", "", hctx.SessionID, hctx.RemoteAddr, fmt.Errorf("TLS handshake failed: %w", err))
		}
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			hctx.Cert = state.PeerCertificates[0]
		}
	}

	c := stream.NewConn(conn)
	req, err := stream.ReadWithin(c, s.cfg.AuthTimeout, wire.ReadAuthRequest)
	if err != nil {
		c.Close()
		s.connError("unknown", err)
		return terrors.New("auth", "", hctx.SessionID, hctx.RemoteAddr, err)
	}

	hctx.Role = req.Type.String()
	sess := &session{
		id:    hctx.SessionID,
		conn:  c,
		token: req.Token,
		logger: s.logger.With(
			slog.String("session", hctx.SessionID),
			slog.String("remote", hctx.RemoteAddr),
			slog.String("role", hctx.Role)),
	}

	if only != 0 && req.Type != only {
		sess.logger.Debug("role not accepted on this listener", slog.String("accepted", only.String()))
		s.authRespond(sess, wire.AuthUnauthorized)
		c.Close()
		return terrors.New("auth", hctx.Role, sess.id, hctx.RemoteAddr, terrors.ErrUnauthorized)
	}

	ctx = handler.WithContext(ctx, hctx)
	var handle func(context.Context, *session) error
	switch req.Type {
	case wire.AuthProbe:
		handle = s.handleProbe
	default:
		handle = s.handleProvider
	}

	err = s.observe(hctx.Role, func() error { return handle(ctx, sess) })
	switch {
	case err == nil:
	case terrors.IsExpected(err):
		sess.logger.Debug("connection closed", slog.Any("reason", err))
	default:
		s.connError(hctx.Role, err)
		sess.logger.Warn("connection failed", slog.Any("error", err))
	}
	return terrors.New("handle", hctx.Role, sess.id, hctx.RemoteAddr, err)
}

// RunGC collects idle queues every GCInterval until ctx is done. Every
// evicted probe is told ProviderTimedOut and closed.
func (s *Service) RunGC(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.CollectIdle()
		}
	}
}

// CollectIdle runs one GC pass and returns the number of evicted requests.
func (s *Service) CollectIdle() int {
	evicted := s.queues.GC(s.cfg.MaxIdle)
	for _, e := range evicted {
		s.reject(e.Conn, wire.ConnectProviderTimedOut)
	}
	if len(evicted) > 0 {
		s.logger.Info("evicted idle queue entries", slog.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Stop releases provider loops that are waiting for work, so listeners can
// drain. Queued probe requests stay queued until Shutdown.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

// Shutdown stops the service and times out every queued probe request.
// Relays in progress are not interrupted.
func (s *Service) Shutdown() {
	s.Stop()
	drained := s.queues.Drain()
	for _, e := range drained {
		s.reject(e.Conn, wire.ConnectProviderTimedOut)
	}
	if len(drained) > 0 {
		s.logger.Info("timed out queued requests on shutdown", slog.Int("count", len(drained)))
	}
}

// authRespond sends an AuthResponse and counts it.
func (s *Service) authRespond(sess *session, status wire.AuthStatus) error {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.AuthResults.WithLabelValues("handshake", status.String()).Inc()
	}
	return wire.WriteMessage(sess.conn, wire.AuthResponse{Status: status})
}

// respond sends a ConnectResponse and counts it.
func (s *Service) respond(c *stream.Conn, status wire.ConnectStatus) error {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectResponses.WithLabelValues(status.String()).Inc()
	}
	return wire.WriteMessage(c, wire.ConnectResponse{Status: status})
}

// reject answers a probe with a terminal status and closes it.
func (s *Service) reject(c *stream.Conn, status wire.ConnectStatus) {
	if err := s.respond(c, status); err != nil {
		s.logger.Debug("failed to send connect response",
			slog.String("remote", c.RemoteAddr().String()),
			slog.String("status", status.String()),
			slog.Any("error", err))
	}
	c.Close()
}

func (s *Service) observe(role string, f func() error) error {
	if s.cfg.Metrics == nil {
		return f()
	}
	return s.cfg.Metrics.ObserveConnection(role, f)
}

func (s *Service) connError(role string, err error) {
	if s.cfg.Metrics == nil {
		return
	}
	var kind string
	switch {
	case errors.Is(err, terrors.ErrTimeout):
		kind = "timeout"
	case errors.Is(err, terrors.ErrMalformed):
		kind = "malformed"
	case errors.Is(err, wire.ErrIncompleteFrame), stream.IsClosed(err):
		kind = "closed"
	default:
		kind = "internal"
	}
	s.cfg.Metrics.ConnectionErrors.WithLabelValues(role, kind).Inc()
}
