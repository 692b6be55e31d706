// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memstore

import (
	"context"
	"testing"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store/storetest"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

func TestApdusCopied(t *testing.T) {
	s := New()
	payload := []byte{0x00, 0xB0}
	if err := s.LogApdu(context.Background(), sim.ApduRecord{Op: wire.OpApdu, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	payload[0] = 0xFF
	got := s.Apdus()
	if len(got) != 1 || got[0].Payload[0] != 0x00 {
		t.Errorf("audit log aliased caller buffer: %+v", got)
	}
}
