// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/metrics"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/stream"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

// ErrQueueFull is returned by PutNoWait when the entry cannot be placed
// without waiting.
var ErrQueueFull = terrors.ErrQueueFull

// ErrUnplaced is returned with an entry that a cancelled Get could not put
// back.
var ErrUnplaced = errors.New("entry could not be requeued")

// errDead is returned by a queue that GC already removed from its registry.
var errDead = errors.New("queue removed")

// Entry is a probe's pending connect request.
type Entry struct {
	SessionID string
	Sim       sim.Sim
	Probe     sim.Identity
	Token     []byte
	Request   wire.ConnectRequest
	Conn      *stream.Conn

	// Immediate marks requests that must fail rather than wait for an idle provider loop.
	Immediate bool
}

type waiter struct {
	ch chan *Entry
}

// Queue is the FIFO of pending requests for one provider identity. Parked
// Get calls are served in FIFO order as well.
type Queue struct {
	id       sim.Identity
	capacity int
	now      func() time.Time
	metrics  *metrics.Metrics

	mu        sync.Mutex
	entries   []*Entry
	waiters   []*waiter
	leases    int
	idleSince time.Time
	dead      bool
	space     chan struct{}
}

func newQueue(id sim.Identity, capacity int, now func() time.Time, m *metrics.Metrics) *Queue {
	return &Queue{
		id:        id,
		capacity:  capacity,
		now:       now,
		metrics:   m,
		idleSince: now(),
		space:     make(chan struct{}),
	}
}

// ID returns the provider identity the queue belongs to.
func (q *Queue) ID() sim.Identity {
	return q.id
}

func (q *Queue) queued(delta int) {
	if q.metrics != nil {
		q.metrics.QueuedEntries.Add(float64(delta))
	}
}

// handoff gives e to the oldest parked Get. Must hold mu.
func (q *Queue) handoff(e *Entry) bool {
	if len(q.waiters) == 0 {
		return false
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	w.ch <- e
	return true
}

func (q *Queue) full() bool {
	return q.capacity > 0 && len(q.entries) >= q.capacity
}

// signalSpace wakes Put calls blocked on a full queue. Must hold mu.
func (q *Queue) signalSpace() {
	close(q.space)
	q.space = make(chan struct{})
}

// Put appends e, waiting for space if the queue is bounded and full.
func (q *Queue) Put(ctx context.Context, e *Entry) error {
	for {
		q.mu.Lock()
		if q.dead {
			q.mu.Unlock()
			return errDead
		}
		if q.handoff(e) {
			q.mu.Unlock()
			return nil
		}
		if !q.full() {
			q.entries = append(q.entries, e)
			q.queued(1)
			q.mu.Unlock()
			return nil
		}
		space := q.space
		q.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PutNoWait places e without blocking. An Immediate entry is only accepted
// if a Get is parked to take it right away.
func (q *Queue) PutNoWait(e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dead {
		return errDead
	}
	if q.handoff(e) {
		return nil
	}
	if e.Immediate || q.full() {
		return ErrQueueFull
	}
	q.entries = append(q.entries, e)
	q.queued(1)
	return nil
}

// Get removes and returns the oldest entry, blocking until one arrives or
// ctx is done. An entry handed over concurrently with cancellation is put
// back at the head of the queue, so it is never lost. If it cannot be put
// back, Get returns it together with ErrUnplaced and the caller must answer
// its probe.
func (q *Queue) Get(ctx context.Context) (*Entry, error) {
	q.mu.Lock()
	if len(q.entries) > 0 {
		e := q.entries[0]
		q.entries[0] = nil
		q.entries = q.entries[1:]
		q.queued(-1)
		q.signalSpace()
		q.mu.Unlock()
		return e, nil
	}
	w := &waiter{ch: make(chan *Entry, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case e := <-w.ch:
		return e, nil
	case <-ctx.Done():
	}
	return q.abandon(w, ctx.Err())
}

// abandon unparks w after its Get was cancelled with cause. An entry already
// handed to w goes back to the head of the queue, except an Immediate entry
// with no other Get parked: it may not wait, so it is returned with
// ErrUnplaced like an entry of a dead queue.
func (q *Queue) abandon(w *waiter, cause error) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := slices.Index(q.waiters, w); i >= 0 {
		q.waiters = slices.Delete(q.waiters, i, i+1)
		return nil, cause
	}
	e := <-w.ch
	if q.dead || (e.Immediate && len(q.waiters) == 0) {
		return e, fmt.Errorf("%w: %w", ErrUnplaced, cause)
	}
	q.pushFront(e)
	return nil, cause
}

// Requeue puts e back at the head of the queue. It is used when a dequeued
// request could not be delivered to the provider.
func (q *Queue) Requeue(e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dead {
		return errDead
	}
	q.pushFront(e)
	return nil
}

// pushFront must hold mu.
func (q *Queue) pushFront(e *Entry) {
	if q.handoff(e) {
		return
	}
	q.entries = slices.Insert(q.entries, 0, e)
	q.queued(1)
}

// Remove drops e if it is still queued and reports whether it was.
func (q *Queue) Remove(e *Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.Index(q.entries, e)
	if i < 0 {
		return false
	}
	q.entries = slices.Delete(q.entries, i, i+1)
	q.queued(-1)
	q.signalSpace()
	return true
}

// Hold marks the queue active until the returned release func is called.
// Provider handler loops hold their queue for their whole lifetime; the queue
// becomes idle when the last hold is released.
func (q *Queue) Hold() (release func(), err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dead {
		return nil, errDead
	}
	q.leases++

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.leases--
			if q.leases == 0 {
				q.idleSince = q.now()
			}
		})
	}, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Waiting returns the number of parked Get calls.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// collect drains and kills the queue if it has been idle for at least
// maxIdle. Must hold mu.
func (q *Queue) collect(now time.Time, maxIdle time.Duration, force bool) ([]*Entry, bool) {
	if !force && (q.leases > 0 || len(q.waiters) > 0 || now.Sub(q.idleSince) < maxIdle) {
		return nil, false
	}
	drained := q.entries
	q.entries = nil
	q.queued(-len(drained))
	q.dead = true
	q.signalSpace()
	return drained, true
}
