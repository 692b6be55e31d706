// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/queue"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/stream"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// relay forwards APDU packets between the provider of sess and the probe of
// e until either side ends. Both connections are closed on return and the
// SIM is marked unused however the relay ended.
func (s *Service) relay(ctx context.Context, sess *session, provider sim.Identity, e *queue.Entry) error {
	if err := s.cfg.Store.SimUsed(ctx, e.Token, e.Sim.ID); err != nil {
		sess.logger.Warn("failed to mark sim used", slog.Uint64("sim_id", e.Sim.ID), slog.Any("error", err))
	}
	defer func() {
		if err := s.cfg.Store.SimUnused(context.WithoutCancel(ctx), e.Token, e.Sim.ID); err != nil {
			sess.logger.Warn("failed to mark sim unused", slog.Uint64("sim_id", e.Sim.ID), slog.Any("error", err))
		}
	}()

	ps := stream.New(sess.conn)
	qs := stream.New(e.Conn)
	closeAll := func() error {
		return multierr.Append(qs.Close(), ps.Close())
	}
	stop := context.AfterFunc(ctx, func() { closeAll() })
	defer stop()

	rec := sim.ApduRecord{
		ProviderID: provider,
		ProbeID:    e.Probe,
		SimID:      e.Sim.ID,
	}
	pump := func(from, to *stream.Stream, sender sim.Sender) error {
		defer closeAll()
		for {
			p, err := from.Recv()
			if err != nil {
				if stream.IsClosed(err) {
					return nil
				}
				return fmt.Errorf("%s: %w", sender, err)
			}
			s.logApdu(ctx, sess, rec, sender, p)
			if err := to.SendBackground(p); err != nil {
				return nil
			}
		}
	}

	return s.observeRelay(func() error {
		var g errgroup.Group
		g.Go(func() error { return pump(qs, ps, sim.SenderProbe) })
		g.Go(func() error { return pump(ps, qs, sim.SenderProvider) })
		err := g.Wait()
		if cerr := closeAll(); cerr != nil && !stream.IsClosed(cerr) {
			sess.logger.Debug("relay teardown", slog.Any("error", cerr))
		}
		return err
	})
}

func (s *Service) logApdu(ctx context.Context, sess *session, rec sim.ApduRecord, sender sim.Sender, p wire.ApduPacket) {
	rec.Sender = sender
	rec.Op = p.Op
	rec.Payload = p.Payload
	rec.Time = time.Now()
	if err := s.cfg.Store.LogApdu(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
		sess.logger.Warn("failed to log apdu", slog.Any("error", err))
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ApduPackets.WithLabelValues(string(sender), p.Op.String()).Inc()
		s.cfg.Metrics.ApduBytes.WithLabelValues(string(sender)).Add(float64(len(p.Payload)))
	}
}

func (s *Service) observeRelay(f func() error) error {
	if s.cfg.Metrics == nil {
		return f()
	}
	return s.cfg.Metrics.ObserveRelay(f)
}
