// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	now := time.Unix(1700000000, 0)
	l := NewLimiter(cfg)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestBurstThenRefill(t *testing.T) {
	l, now := newTestLimiter(Config{Rate: 1, Burst: 2})
	defer l.Close()

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst should be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("third event within the same instant should be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("other keys must have their own bucket")
	}

	*now = now.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Error("token should refill after one second")
	}
}

func TestDisabled(t *testing.T) {
	l := NewLimiter(Config{})
	defer l.Close()
	for i := 0; i < 100; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatal("zero rate must not limit")
		}
	}
	var nilLimiter *Limiter
	if !nilLimiter.Allow("x") {
		t.Error("nil limiter must allow")
	}
}

func TestMaxClients(t *testing.T) {
	l, _ := newTestLimiter(Config{Rate: 10, Burst: 10, MaxClients: 1})
	defer l.Close()

	if !l.Allow("a") {
		t.Fatal("first key should be tracked")
	}
	if l.Allow("b") {
		t.Error("key beyond MaxClients should be rejected")
	}
	l.Remove("a")
	if !l.Allow("b") {
		t.Error("key should be admitted after Remove")
	}
}

func TestCleanup(t *testing.T) {
	l, now := newTestLimiter(Config{Rate: 1, Burst: 1, IdleTTL: time.Minute})
	defer l.Close()

	l.Allow("a")
	*now = now.Add(30 * time.Second)
	l.Allow("b")
	*now = now.Add(45 * time.Second)
	l.cleanup()

	if got := l.Stats(); got != 1 {
		t.Errorf("tracked keys = %d, want 1", got)
	}
}
