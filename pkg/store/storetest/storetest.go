// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storetest holds behaviour tests shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

// Run runs the suite. newStore must return an empty store; Run closes it.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"GetSimByEveryKind", testGetSim},
		{"GetSimNotFound", testGetSimNotFound},
		{"RegisterReassigns", testRegisterReassigns},
		{"RegisterDetachesMissing", testRegisterDetachesMissing},
		{"RegisterRejectsInvalid", testRegisterRejectsInvalid},
		{"ProviderCounter", testProviderCounter},
		{"SimUsage", testSimUsage},
		{"LogApdu", testLogApdu},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func register(t *testing.T, s store.Store, provider sim.Identity, infos ...sim.Info) []sim.Sim {
	t.Helper()
	out, err := s.RegisterSims(context.Background(), provider, infos)
	if err != nil {
		t.Fatalf("RegisterSims: %v", err)
	}
	if len(out) != len(infos) {
		t.Fatalf("RegisterSims returned %d sims, want %d", len(out), len(infos))
	}
	return out
}

func testGetSim(t *testing.T, s store.Store) {
	ctx := context.Background()
	sims := register(t, s, "provider-a",
		sim.Info{ICCID: "8944000000000000001", IMSI: "001010000000001"},
		sim.Info{IMSI: "001010000000002"},
	)
	first, second := sims[0], sims[1]
	if first.ID >= second.ID {
		t.Fatalf("ids not ascending: %d, %d", first.ID, second.ID)
	}

	cases := map[string]struct {
		id   wire.SimIdentifier
		want uint64
	}{
		"id":      {wire.SimID(second.ID), second.ID},
		"iccid":   {wire.ICCID("8944000000000000001"), first.ID},
		"imsi":    {wire.IMSI("001010000000002"), second.ID},
		"index 0": {wire.SimIndex(0), first.ID},
		"index 1": {wire.SimIndex(1), second.ID},
	}
	for name, c := range cases {
		got, err := s.GetSim(ctx, c.id)
		if err != nil {
			t.Errorf("%s: GetSim: %v", name, err)
			continue
		}
		if got.ID != c.want || got.Provider != "provider-a" {
			t.Errorf("%s: got %+v, want id %d owned by provider-a", name, got, c.want)
		}
	}
}

func testGetSimNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	register(t, s, "provider-a", sim.Info{ICCID: "8944000000000000001"})
	for _, id := range []wire.SimIdentifier{
		wire.IMSI("001010000000001"),
		wire.ICCID("12345"),
		wire.SimID(9999),
		wire.SimIndex(1),
	} {
		if _, err := s.GetSim(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetSim(%v): got %v, want ErrNotFound", id, err)
		}
	}
}

func testRegisterReassigns(t *testing.T, s store.Store) {
	ctx := context.Background()
	before := register(t, s, "provider-a", sim.Info{ICCID: "8944000000000000001"})
	after := register(t, s, "provider-b", sim.Info{ICCID: "8944000000000000001", IMSI: "001010000000001"})
	if before[0].ID != after[0].ID {
		t.Fatalf("reassignment created a new sim: %d != %d", before[0].ID, after[0].ID)
	}
	got, err := s.GetSim(ctx, wire.IMSI("001010000000001"))
	if err != nil {
		t.Fatalf("GetSim: %v", err)
	}
	if got.Provider != "provider-b" {
		t.Errorf("provider = %q, want provider-b", got.Provider)
	}

	// Matching falls back to the IMSI.
	again := register(t, s, "provider-c", sim.Info{IMSI: "001010000000001"})
	if again[0].ID != before[0].ID || again[0].ICCID != "8944000000000000001" {
		t.Errorf("imsi match: got %+v", again[0])
	}
}

func testRegisterDetachesMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	register(t, s, "provider-a",
		sim.Info{ICCID: "8944000000000000001"},
		sim.Info{ICCID: "8944000000000000002"},
	)
	register(t, s, "provider-b", sim.Info{ICCID: "8944000000000000003"})
	register(t, s, "provider-a", sim.Info{ICCID: "8944000000000000002"})

	want := map[wire.ICCID]sim.Identity{
		"8944000000000000001": "",
		"8944000000000000002": "provider-a",
		"8944000000000000003": "provider-b",
	}
	for iccid, provider := range want {
		got, err := s.GetSim(ctx, iccid)
		if err != nil {
			t.Fatalf("GetSim(%s): %v", iccid, err)
		}
		if got.Provider != provider {
			t.Errorf("GetSim(%s) provider = %q, want %q", iccid, got.Provider, provider)
		}
	}

	register(t, s, "provider-a")
	got, err := s.GetSim(ctx, wire.ICCID("8944000000000000002"))
	if err != nil {
		t.Fatalf("GetSim: %v", err)
	}
	if got.Provider != "" {
		t.Errorf("empty registration kept provider %q", got.Provider)
	}
}

func testRegisterRejectsInvalid(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.RegisterSims(ctx, "provider-a", []sim.Info{
		{ICCID: "8944000000000000001"},
		{IMSI: "12"},
	})
	if !errors.Is(err, terrors.ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
	if _, err := s.GetSim(ctx, wire.ICCID("8944000000000000001")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("partial registration visible: %v", err)
	}
}

func testProviderCounter(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.Provider(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown provider: got %v, want ErrNotFound", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.ProviderAvailable(ctx, "provider-a"); err != nil {
			t.Fatalf("ProviderAvailable: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := s.ProviderUnavailable(ctx, "provider-a"); err != nil {
			t.Fatalf("ProviderUnavailable: %v", err)
		}
	}
	p, err := s.Provider(ctx, "provider-a")
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	if p.Available != 0 {
		t.Errorf("available = %d, want 0", p.Available)
	}
	if err := s.ProviderAvailable(ctx, "provider-a"); err != nil {
		t.Fatalf("ProviderAvailable: %v", err)
	}
	if p, _ := s.Provider(ctx, "provider-a"); p.Available != 1 {
		t.Errorf("available = %d, want 1", p.Available)
	}
}

func testSimUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := register(t, s, "provider-a", sim.Info{ICCID: "8944000000000000001"})[0].ID
	if err := s.SimUsed(ctx, []byte("token-1"), id); err != nil {
		t.Fatalf("SimUsed: %v", err)
	}
	if err := s.SimUsed(ctx, []byte("token-2"), id); err != nil {
		t.Fatalf("SimUsed: %v", err)
	}
	if err := s.SimUnused(ctx, []byte("token-1"), id); err != nil {
		t.Fatalf("SimUnused: %v", err)
	}
	if used, err := s.SimInUse(ctx, id); err != nil || !used {
		t.Errorf("SimInUse = %v, %v; want true", used, err)
	}
	if err := s.SimUnused(ctx, []byte("token-2"), id); err != nil {
		t.Fatalf("SimUnused: %v", err)
	}
	if used, err := s.SimInUse(ctx, id); err != nil || used {
		t.Errorf("SimInUse = %v, %v; want false", used, err)
	}
}

func testLogApdu(t *testing.T, s store.Store) {
	rec := sim.ApduRecord{
		ProviderID: "provider-a",
		ProbeID:    "probe-a",
		SimID:      1,
		Sender:     sim.SenderProbe,
		Op:         wire.OpApdu,
		Payload:    []byte{0xA0, 0xA4, 0x00, 0x00},
		Time:       time.Now(),
	}
	if err := s.LogApdu(context.Background(), rec); err != nil {
		t.Fatalf("LogApdu: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
