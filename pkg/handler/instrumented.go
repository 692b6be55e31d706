// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/metrics"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
)

var _ AuthHandler = (*Instrumented)(nil)

// Instrumented wraps an AuthHandler with metrics instrumentation.
type Instrumented struct {
	next    AuthHandler
	metrics *metrics.Metrics
}

// NewInstrumented creates a metrics decorator.
func NewInstrumented(next AuthHandler, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: m}
}

func (h *Instrumented) observe(method string, start time.Time, r Result, err error) {
	result := r.String()
	if err != nil {
		result = "error"
	}
	h.metrics.AuthAttempts.WithLabelValues(method).Inc()
	h.metrics.AuthResults.WithLabelValues(method, result).Inc()
	h.metrics.AuthDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// AllowedProviderRegistration implements AuthHandler with metrics.
func (h *Instrumented) AllowedProviderRegistration(ctx context.Context, token []byte) (Result, error) {
	start := time.Now()
	r, err := h.next.AllowedProviderRegistration(ctx, token)
	h.observe("provider_registration", start, r, err)
	return r, err
}

// AllowedSimRegistration implements AuthHandler with metrics.
func (h *Instrumented) AllowedSimRegistration(ctx context.Context, token []byte, sims []sim.Info) (Result, error) {
	start := time.Now()
	r, err := h.next.AllowedSimRegistration(ctx, token, sims)
	h.observe("sim_registration", start, r, err)
	return r, err
}

// AllowedProbeRegistration implements AuthHandler with metrics.
func (h *Instrumented) AllowedProbeRegistration(ctx context.Context, token []byte) (Result, error) {
	start := time.Now()
	r, err := h.next.AllowedProbeRegistration(ctx, token)
	h.observe("probe_registration", start, r, err)
	return r, err
}

// AllowedSimRequest implements AuthHandler with metrics.
func (h *Instrumented) AllowedSimRequest(ctx context.Context, token []byte, provider sim.Identity, s sim.Sim) (Result, error) {
	start := time.Now()
	r, err := h.next.AllowedSimRequest(ctx, token, provider, s)
	h.observe("sim_request", start, r, err)
	return r, err
}

// Identity implements AuthHandler with metrics.
func (h *Instrumented) Identity(ctx context.Context, token []byte) (sim.Identity, bool, error) {
	start := time.Now()
	id, ok, err := h.next.Identity(ctx, token)
	r := Success
	if !ok {
		r = NotRegistered
	}
	h.observe("identity", start, r, err)
	return id, ok, err
}
