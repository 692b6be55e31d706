// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package static

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/handler"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
)

const directory = `
providers:
  - token: provider-secret
    identity: provider-a
    sims:
      - iccid: "8944000000000000001"
      - imsi: "001010000000001"
  - token: open-provider
    identity: provider-b
probes:
  - token: probe-secret
    identity: probe-a
    expires: 2030-01-01T00:00:00Z
    providers: [provider-a]
  - token: open-probe
    identity: probe-b
`

func newHandler(t *testing.T, now time.Time) *Handler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	if err := os.WriteFile(path, []byte(directory), 0o600); err != nil {
		t.Fatal(err)
	}
	h, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	h.now = func() time.Time { return now }
	return h
}

func TestRegistration(t *testing.T) {
	h := newHandler(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	tests := []struct {
		name  string
		fn    func(context.Context, []byte) (handler.Result, error)
		token string
		want  handler.Result
	}{
		{"provider ok", h.AllowedProviderRegistration, "provider-secret", handler.Success},
		{"provider with probe token", h.AllowedProviderRegistration, "probe-secret", handler.NotRegistered},
		{"provider unknown", h.AllowedProviderRegistration, "nope", handler.InvalidToken},
		{"probe ok", h.AllowedProbeRegistration, "probe-secret", handler.Success},
		{"probe with provider token", h.AllowedProbeRegistration, "open-provider", handler.NotRegistered},
		{"probe empty token", h.AllowedProbeRegistration, "", handler.InvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(ctx, []byte(tt.token))
			if err != nil || got != tt.want {
				t.Errorf("got %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestExpiry(t *testing.T) {
	h := newHandler(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if r, _ := h.AllowedProbeRegistration(ctx, []byte("probe-secret")); r != handler.ExpiredToken {
		t.Errorf("got %v, want expired", r)
	}
	if _, ok, _ := h.Identity(ctx, []byte("probe-secret")); ok {
		t.Error("expired token must have no identity")
	}
	if r, _ := h.AllowedProbeRegistration(ctx, []byte("open-probe")); r != handler.Success {
		t.Errorf("token without expiry: got %v", r)
	}
}

func TestSimRegistration(t *testing.T) {
	h := newHandler(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	allowed := []sim.Info{{ICCID: "8944000000000000001"}, {IMSI: "001010000000001", ICCID: "8944000000000000002"}}
	if r, _ := h.AllowedSimRegistration(ctx, []byte("provider-secret"), allowed); r != handler.Success {
		t.Errorf("allowed sims: got %v", r)
	}
	other := []sim.Info{{ICCID: "8944000000000000009"}}
	if r, _ := h.AllowedSimRegistration(ctx, []byte("provider-secret"), other); r != handler.Forbidden {
		t.Errorf("unlisted sim: got %v", r)
	}
	if r, _ := h.AllowedSimRegistration(ctx, []byte("open-provider"), other); r != handler.Success {
		t.Errorf("provider without allow-list: got %v", r)
	}
}

func TestSimRequest(t *testing.T) {
	h := newHandler(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if r, _ := h.AllowedSimRequest(ctx, []byte("probe-secret"), "provider-a", sim.Sim{ID: 1}); r != handler.Success {
		t.Errorf("listed provider: got %v", r)
	}
	if r, _ := h.AllowedSimRequest(ctx, []byte("probe-secret"), "provider-b", sim.Sim{ID: 2}); r != handler.Forbidden {
		t.Errorf("unlisted provider: got %v", r)
	}
	if r, _ := h.AllowedSimRequest(ctx, []byte("open-probe"), "provider-b", sim.Sim{ID: 2}); r != handler.Success {
		t.Errorf("probe without allow-list: got %v", r)
	}
	if r, _ := h.AllowedSimRequest(ctx, []byte("provider-secret"), "provider-a", sim.Sim{ID: 1}); r != handler.Forbidden {
		t.Errorf("provider token: got %v", r)
	}
}

func TestIdentity(t *testing.T) {
	h := newHandler(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	id, ok, err := h.Identity(context.Background(), []byte("open-provider"))
	if err != nil || !ok || id != "provider-b" {
		t.Errorf("Identity = %q, %v, %v", id, ok, err)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"missing identity": "probes:\n  - token: x\n",
		"bad sim":          "providers:\n  - token: x\n    identity: p\n    sims:\n      - iccid: \"12\"\n",
		"not yaml":         "providers: [",
	} {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
