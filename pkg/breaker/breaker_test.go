// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func fail(context.Context) error { return errBackend }
func ok(context.Context) error { return nil }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *time.Time) {
	now := time.Unix(1700000000, 0)
	cb := New(Config{MaxFailures: maxFailures, ResetTimeout: time.Minute, Timeout: time.Second})
	cb.now = func() time.Time { return now }
	cb.lastStateChange = now
	return cb, &now
}

func TestOpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: got %v, want backend error", i, err)
		}
	}
	if s := cb.State(); s != StateOpen {
		t.Fatalf("state = %v, want open", s)
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open circuit: err = %v, called = %v", err, called)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(2)
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, ok)
	cb.Execute(ctx, fail)
	if s := cb.State(); s != StateClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	cb, now := newTestBreaker(1)
	ctx := context.Background()

	var transitions []State
	cb.OnStateChange(func(_, to State) { transitions = append(transitions, to) })

	cb.Execute(ctx, fail)
	*now = now.Add(time.Minute)

	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if s := cb.State(); s != StateClosed {
		t.Errorf("state = %v, want closed", s)
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1)
	ctx := context.Background()

	cb.Execute(ctx, fail)
	*now = now.Add(time.Minute)
	cb.Execute(ctx, fail)
	if s := cb.State(); s != StateOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	cb, now := newTestBreaker(1)
	ctx := context.Background()

	cb.Execute(ctx, fail)
	*now = now.Add(time.Minute)

	err := cb.Execute(ctx, func(ctx context.Context) error {
		if err := cb.Execute(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("concurrent half-open call: got %v, want ErrCircuitOpen", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExecuteEnforcesTimeout(t *testing.T) {
	cb := New(Config{Timeout: 10 * time.Millisecond})
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestIsFailureFilter(t *testing.T) {
	errRejected := errors.New("rejected")
	cb := New(Config{MaxFailures: 1, IsFailure: func(err error) bool {
		return err != nil && !errors.Is(err, errRejected)
	}})
	cb.Execute(context.Background(), func(context.Context) error { return errRejected })
	if s := cb.State(); s != StateClosed {
		t.Errorf("state = %v, want closed", s)
	}
}
