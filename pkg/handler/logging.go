// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"log/slog"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
)

var _ AuthHandler = (*Logging)(nil)

// Logging wraps an AuthHandler and logs every decision.
type Logging struct {
	next   AuthHandler
	logger *slog.Logger
}

// NewLogging creates a logging decorator.
func NewLogging(next AuthHandler, logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{
		next:   next,
		logger: logger,
	}
}

func (h *Logging) log(ctx context.Context, method string, r Result, err error, attrs ...slog.Attr) {
	hctx := FromContext(ctx)
	attrs = append(attrs,
		slog.String("session", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("result", r.String()))
	if err != nil {
		h.logger.LogAttrs(ctx, slog.LevelWarn, method, append(attrs, slog.Any("error", err))...)
		return
	}
	h.logger.LogAttrs(ctx, slog.LevelDebug, method, attrs...)
}

// AllowedProviderRegistration authorizes a provider session.
func (h *Logging) AllowedProviderRegistration(ctx context.Context, token []byte) (Result, error) {
	r, err := h.next.AllowedProviderRegistration(ctx, token)
	h.log(ctx, "AllowedProviderRegistration", r, err)
	return r, err
}

// AllowedSimRegistration authorizes a SIM registration.
func (h *Logging) AllowedSimRegistration(ctx context.Context, token []byte, sims []sim.Info) (Result, error) {
	r, err := h.next.AllowedSimRegistration(ctx, token, sims)
	h.log(ctx, "AllowedSimRegistration", r, err, slog.Int("sims", len(sims)))
	return r, err
}

// AllowedProbeRegistration authorizes a probe session.
func (h *Logging) AllowedProbeRegistration(ctx context.Context, token []byte) (Result, error) {
	r, err := h.next.AllowedProbeRegistration(ctx, token)
	h.log(ctx, "AllowedProbeRegistration", r, err)
	return r, err
}

// AllowedSimRequest authorizes a probe's connect request.
func (h *Logging) AllowedSimRequest(ctx context.Context, token []byte, provider sim.Identity, s sim.Sim) (Result, error) {
	r, err := h.next.AllowedSimRequest(ctx, token, provider, s)
	h.log(ctx, "AllowedSimRequest", r, err,
		slog.String("provider", string(provider)),
		slog.Uint64("sim", s.ID))
	return r, err
}

// Identity resolves a token to its owner.
func (h *Logging) Identity(ctx context.Context, token []byte) (sim.Identity, bool, error) {
	id, ok, err := h.next.Identity(ctx, token)
	hctx := FromContext(ctx)
	if err != nil {
		h.logger.Warn("Identity",
			slog.String("session", hctx.SessionID),
			slog.Any("error", err))
		return id, ok, err
	}
	h.logger.Debug("Identity",
		slog.String("session", hctx.SessionID),
		slog.String("identity", string(id)),
		slog.Bool("known", ok))
	return id, ok, err
}
