// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveConnection(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	var during float64
	err := m.ObserveConnection("probe", func() error {
		during = testutil.ToFloat64(m.ActiveConnections.WithLabelValues("probe"))
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error to be returned")
	}
	if during != 1 {
		t.Errorf("active connections during call = %v, want 1", during)
	}
	if got := testutil.ToFloat64(m.ActiveConnections.WithLabelValues("probe")); got != 0 {
		t.Errorf("active connections after call = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.TotalConnections.WithLabelValues("probe", "error")); got != 1 {
		t.Errorf("error connections = %v, want 1", got)
	}
}

func TestObserveRelay(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	if err := m.ObserveRelay(func() error {
		if got := testutil.ToFloat64(m.ActiveRelays); got != 1 {
			t.Errorf("active relays = %v, want 1", got)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.ActiveRelays); got != 0 {
		t.Errorf("active relays after = %v, want 0", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Registering twice on one registry panics; separate registries must not.
	New("test", prometheus.NewRegistry())
	New("test", prometheus.NewRegistry())
}
