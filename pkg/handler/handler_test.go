// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/metrics"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

func TestAllowAll(t *testing.T) {
	h := AllowAll{}
	ctx := context.Background()
	token := []byte("token")

	tests := []struct {
		name string
		fn   func() (Result, error)
	}{
		{
			name: "AllowedProviderRegistration",
			fn:   func() (Result, error) { return h.AllowedProviderRegistration(ctx, token) },
		},
		{
			name: "AllowedSimRegistration",
			fn: func() (Result, error) {
				return h.AllowedSimRegistration(ctx, token, []sim.Info{{ICCID: "12345"}})
			},
		},
		{
			name: "AllowedProbeRegistration",
			fn:   func() (Result, error) { return h.AllowedProbeRegistration(ctx, token) },
		},
		{
			name: "AllowedSimRequest",
			fn:   func() (Result, error) { return h.AllowedSimRequest(ctx, token, "provider", sim.Sim{ID: 1}) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := tt.fn()
			if err != nil || r != Success {
				t.Errorf("%s() = %v, %v; want success", tt.name, r, err)
			}
		})
	}

	id, ok, err := h.Identity(ctx, token)
	if err != nil || !ok || id != "token" {
		t.Errorf("Identity() = %q, %v, %v", id, ok, err)
	}
	if _, ok, _ := h.Identity(ctx, nil); ok {
		t.Error("empty token must have no identity")
	}
}

func TestAuthStatus(t *testing.T) {
	tests := map[Result]wire.AuthStatus{
		Success:       wire.AuthSuccess,
		InvalidToken:  wire.AuthUnauthorized,
		ExpiredToken:  wire.AuthUnauthorized,
		Forbidden:     wire.AuthUnauthorized,
		NotRegistered: wire.AuthNotRegistered,
	}
	for r, want := range tests {
		if got := AuthStatus(r); got != want {
			t.Errorf("AuthStatus(%v) = %v, want %v", r, got, want)
		}
	}
}

func TestConnectStatus(t *testing.T) {
	tests := []struct {
		result Result
		hide   bool
		want   wire.ConnectStatus
	}{
		{Success, false, wire.ConnectSuccess},
		{Success, true, wire.ConnectSuccess},
		{Forbidden, false, wire.ConnectForbidden},
		{Forbidden, true, wire.ConnectNotFound},
		{InvalidToken, false, wire.ConnectForbidden},
		{NotRegistered, true, wire.ConnectNotFound},
	}
	for _, tt := range tests {
		if got := ConnectStatus(tt.result, tt.hide); got != tt.want {
			t.Errorf("ConnectStatus(%v, %v) = %v, want %v", tt.result, tt.hide, got, tt.want)
		}
	}
}

// MockHandler is a mock implementation for testing.
type MockHandler struct {
	ProviderResult Result
	ProbeResult    Result
	SimResult      Result
	RequestResult  Result
	Err            error
	Identities     map[string]sim.Identity

	ProbeCalls int
}

var _ AuthHandler = (*MockHandler)(nil)

func (m *MockHandler) AllowedProviderRegistration(context.Context, []byte) (Result, error) {
	return m.ProviderResult, m.Err
}

func (m *MockHandler) AllowedSimRegistration(context.Context, []byte, []sim.Info) (Result, error) {
	return m.SimResult, m.Err
}

func (m *MockHandler) AllowedProbeRegistration(context.Context, []byte) (Result, error) {
	m.ProbeCalls++
	return m.ProbeResult, m.Err
}

func (m *MockHandler) AllowedSimRequest(context.Context, []byte, sim.Identity, sim.Sim) (Result, error) {
	return m.RequestResult, m.Err
}

func (m *MockHandler) Identity(_ context.Context, token []byte) (sim.Identity, bool, error) {
	id, ok := m.Identities[string(token)]
	return id, ok, m.Err
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mock := &MockHandler{ProbeResult: ExpiredToken}
	h := NewLogging(mock, logger)

	ctx := WithContext(context.Background(), &Context{SessionID: "sess-1", RemoteAddr: "127.0.0.1:5000"})
	r, err := h.AllowedProbeRegistration(ctx, []byte("t"))
	if err != nil || r != ExpiredToken {
		t.Fatalf("got %v, %v", r, err)
	}
	if mock.ProbeCalls != 1 {
		t.Errorf("inner handler called %d times", mock.ProbeCalls)
	}
	out := buf.String()
	for _, want := range []string{"AllowedProbeRegistration", "session=sess-1", "result=expired_token", "level=DEBUG"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}

	buf.Reset()
	mock.Err = errors.New("backend down")
	h.AllowedProbeRegistration(ctx, []byte("t"))
	if !strings.Contains(buf.String(), "level=WARN") {
		t.Errorf("errors should log at warn: %q", buf.String())
	}
}

func TestInstrumented(t *testing.T) {
	m := metrics.New("test", prometheus.NewRegistry())
	mock := &MockHandler{RequestResult: Forbidden, Identities: map[string]sim.Identity{"a": "probe-a"}}
	h := NewInstrumented(mock, m)
	ctx := context.Background()

	h.AllowedSimRequest(ctx, []byte("a"), "p", sim.Sim{})
	h.AllowedSimRequest(ctx, []byte("a"), "p", sim.Sim{})
	h.Identity(ctx, []byte("missing"))

	if got := testutil.ToFloat64(m.AuthResults.WithLabelValues("sim_request", "forbidden")); got != 2 {
		t.Errorf("forbidden sim requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AuthResults.WithLabelValues("identity", "not_registered")); got != 1 {
		t.Errorf("unknown identities = %v, want 1", got)
	}

	mock.Err = errors.New("backend down")
	h.AllowedProviderRegistration(ctx, nil)
	if got := testutil.ToFloat64(m.AuthResults.WithLabelValues("provider_registration", "error")); got != 1 {
		t.Errorf("errored calls = %v, want 1", got)
	}
}

func TestFromContextDefault(t *testing.T) {
	if hctx := FromContext(context.Background()); hctx == nil || hctx.SessionID != "" {
		t.Errorf("FromContext without value = %+v", hctx)
	}
}
