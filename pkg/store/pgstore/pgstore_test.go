// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store/storetest"
)

const dsnEnv = "MOAT_TEST_POSTGRES_DSN"

func TestStore(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := Open(ctx, Config{DSN: dsn})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if _, err := s.pool.ExecEx(ctx, `TRUNCATE apdu_log, sim_sessions, sims, providers RESTART IDENTITY CASCADE`, nil); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
