// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/queue"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/stream"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

// handleProbe authenticates a probe, resolves its connect request and queues
// it for the owning provider. On success the connection stays open and is
// owned by the queue entry.
func (s *Service) handleProbe(ctx context.Context, sess *session) error {
	res, err := s.cfg.Auth.AllowedProbeRegistration(ctx, sess.token)
	if err != nil {
		sess.conn.Close()
		return fmt.Errorf("probe registration: %w", err)
	}
	if status := handler.AuthStatus(res); status != wire.AuthSuccess {
		s.authRespond(sess, status)
		sess.conn.Close()
		return fmt.Errorf("probe registration %s: %w", res, terrors.ErrUnauthorized)
	}

	probeID, known, err := s.cfg.Auth.Identity(ctx, sess.token)
	if err != nil {
		sess.conn.Close()
		return fmt.Errorf("probe identity: %w", err)
	}
	if !known {
		s.authRespond(sess, wire.AuthNotRegistered)
		sess.conn.Close()
		return fmt.Errorf("probe without identity: %w", terrors.ErrUnauthorized)
	}
	if err := s.authRespond(sess, wire.AuthSuccess); err != nil {
		sess.conn.Close()
		return err
	}

	req, err := stream.ReadWithin(sess.conn, s.cfg.RequestTimeout, wire.ReadConnectRequest)
	if err != nil {
		sess.conn.Close()
		return fmt.Errorf("read connect request: %w", err)
	}
	log := sess.logger.With(slog.String("sim", req.Identifier.String()))

	target, err := s.cfg.Store.GetSim(ctx, req.Identifier)
	if errors.Is(err, store.ErrNotFound) {
		s.reject(sess.conn, wire.ConnectNotFound)
		return fmt.Errorf("sim %s: %w", req.Identifier, terrors.ErrNotFound)
	}
	if err != nil {
		sess.conn.Close()
		return fmt.Errorf("lookup sim: %w", err)
	}

	res, err = s.cfg.Auth.AllowedSimRequest(ctx, sess.token, target.Provider, target)
	if err != nil {
		sess.conn.Close()
		return fmt.Errorf("sim request: %w", err)
	}
	if res != handler.Success {
		s.reject(sess.conn, handler.ConnectStatus(res, s.cfg.HideForbidden))
		return fmt.Errorf("sim request %s: %w", res, terrors.ErrForbidden)
	}

	if target.Provider == "" {
		s.reject(sess.conn, wire.ConnectNotAvailable)
		return fmt.Errorf("sim %d: %w", target.ID, terrors.ErrNotAvailable)
	}

	e := &queue.Entry{
		SessionID: sess.id,
		Sim:       target,
		Probe:     probeID,
		Token:     sess.token,
		Request:   req,
		Conn:      sess.conn,
		Immediate: req.NoWait(),
	}
	gone := sess.conn.Watch()
	q, err := s.enqueue(ctx, target.Provider, e, gone)
	if errors.Is(err, queue.ErrQueueFull) {
		s.reject(sess.conn, wire.ConnectProviderTimedOut)
		return fmt.Errorf("provider %s: %w", target.Provider, terrors.ErrQueueFull)
	}
	if err != nil {
		sess.conn.Close()
		return fmt.Errorf("enqueue: %w", err)
	}

	log.Debug("request queued",
		slog.String("provider", string(target.Provider)),
		slog.Bool("no_wait", e.Immediate))
	go s.watchQueued(q, e, gone, log)
	return nil
}

// enqueue puts e on the queue of provider. A blocking put is abandoned if the
// probe disconnects while waiting for space.
func (s *Service) enqueue(ctx context.Context, provider sim.Identity, e *queue.Entry, gone <-chan struct{}) (*queue.Queue, error) {
	if e.Immediate {
		return s.queues.PutNoWait(provider, e)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-gone:
			if e.Conn.Gone() {
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	return s.queues.Put(ctx, provider, e)
}

// watchQueued drops e from q and closes its probe if the probe disconnects
// before a provider picks the request up.
func (s *Service) watchQueued(q *queue.Queue, e *queue.Entry, gone <-chan struct{}, log *slog.Logger) {
	<-gone
	if !e.Conn.Gone() {
		return
	}
	if q.Remove(e) {
		e.Conn.Close()
		log.Debug("probe left while queued")
	}
}
