// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/queue"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/stream"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

// handleProvider authenticates a provider and serves its queue until one
// request ends in a relay or the provider goes away. The provider connection
// is always closed on return.
func (s *Service) handleProvider(ctx context.Context, sess *session) error {
	defer sess.conn.Close()

	res, err := s.cfg.Auth.AllowedProviderRegistration(ctx, sess.token)
	if err != nil {
		return fmt.Errorf("provider registration: %w", err)
	}
	id, known, err := s.cfg.Auth.Identity(ctx, sess.token)
	if err != nil {
		return fmt.Errorf("provider identity: %w", err)
	}
	if res == handler.Success && !known {
		res = handler.NotRegistered
	}
	status := handler.AuthStatus(res)
	if err := s.authRespond(sess, status); err != nil {
		return err
	}
	if status != wire.AuthSuccess {
		return fmt.Errorf("provider registration %s: %w", res, terrors.ErrUnauthorized)
	}

	q, release := s.queues.Hold(id)
	defer release()
	log := sess.logger.With(slog.String("provider", string(id)))
	log.Debug("provider waiting for work")

	for {
		e, err := s.waitForWork(ctx, sess, id, q)
		if err != nil {
			return err
		}
		if e.Conn.Gone() {
			e.Conn.Close()
			log.Debug("discarded request of departed probe", slog.String("probe_session", e.SessionID))
			continue
		}
		return s.serve(ctx, sess, q, e, log)
	}
}

// waitForWork marks the provider available and races a dequeue against the
// provider disconnecting. The provider is unavailable again once it returns.
func (s *Service) waitForWork(ctx context.Context, sess *session, id sim.Identity, q *queue.Queue) (*queue.Entry, error) {
	if err := s.cfg.Store.ProviderAvailable(ctx, id); err != nil {
		return nil, fmt.Errorf("mark provider available: %w", err)
	}
	defer func() {
		if err := s.cfg.Store.ProviderUnavailable(context.WithoutCancel(ctx), id); err != nil {
			sess.logger.Warn("failed to mark provider unavailable", slog.Any("error", err))
		}
	}()

	watch := sess.conn.Watch()
	getCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-watch:
			cancel()
		case <-s.stopping:
			cancel()
		case <-getCtx.Done():
		}
	}()

	e, err := q.Get(getCtx)
	if err == nil {
		return e, nil
	}
	if errors.Is(err, queue.ErrUnplaced) {
		s.reject(e.Conn, wire.ConnectProviderTimedOut)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	select {
	case <-s.stopping:
		return nil, fmt.Errorf("shutting down: %w", terrors.ErrConnectionClosed)
	default:
	}
	if sess.conn.Gone() {
		return nil, terrors.ErrProviderGone
	}
	return nil, fmt.Errorf("data while waiting for work: %w", terrors.ErrProtocolViolation)
}

// serve drives the handshake of one dequeued request and, if the provider
// accepts, the relay.
func (s *Service) serve(ctx context.Context, sess *session, q *queue.Queue, e *queue.Entry, log *slog.Logger) error {
	log = log.With(slog.String("probe_session", e.SessionID), slog.Uint64("sim_id", e.Sim.ID))

	req := e.Request
	req.Identifier = e.Sim.Identifier()
	if err := wire.WriteMessage(sess.conn, req); err != nil {
		if rerr := q.Requeue(e); rerr != nil {
			s.reject(e.Conn, wire.ConnectProviderTimedOut)
		}
		return fmt.Errorf("forward connect request: %w", err)
	}

	start := time.Now()
	rsp, err := stream.ReadWithin(sess.conn, s.cfg.ProviderTimeout, wire.ReadConnectResponse)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ProviderResponseDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.reject(e.Conn, wire.ConnectProviderTimedOut)
		if errors.Is(err, terrors.ErrTimeout) {
			return terrors.ErrProviderTimeout
		}
		return fmt.Errorf("read connect response: %w", err)
	}

	if err := s.respond(e.Conn, rsp.Status); err != nil {
		e.Conn.Close()
		return fmt.Errorf("forward connect response: %w", err)
	}
	if rsp.Status != wire.ConnectSuccess {
		e.Conn.Close()
		log.Debug("provider declined request", slog.String("status", rsp.Status.String()))
		return nil
	}

	log.Debug("relay started")
	err = s.relay(ctx, sess, q.ID(), e)
	log.Debug("relay finished", slog.Any("reason", err))
	return err
}
