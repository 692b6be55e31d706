// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/metrics"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
)

// Config configures a Registry.
type Config struct {
	// Capacity bounds each queue. Zero means unbounded.
	Capacity int
	// Now is the clock used for idle accounting.
	Now     func() time.Time
	Metrics *metrics.Metrics
}

// Registry maps provider identities to their queues. Queues are created on
// first use and removed by GC.
type Registry struct {
	cfg Config

	mu     sync.Mutex
	queues map[sim.Identity]*Queue
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:    cfg,
		queues: make(map[sim.Identity]*Queue),
	}
}

// Queue returns the queue of id, creating it if needed.
func (r *Registry) Queue(id sim.Identity) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok {
		q = newQueue(id, r.cfg.Capacity, r.cfg.Now, r.cfg.Metrics)
		r.queues[id] = q
		r.gauge()
	}
	return q
}

// retry runs fn on the queue of id until it no longer reports the queue as
// removed by a concurrent GC pass.
func (r *Registry) retry(id sim.Identity, fn func(*Queue) error) (*Queue, error) {
	for {
		q := r.Queue(id)
		if err := fn(q); !errors.Is(err, errDead) {
			return q, err
		}
	}
}

// Put enqueues e on the queue of id, blocking while that queue is full.
func (r *Registry) Put(ctx context.Context, id sim.Identity, e *Entry) (*Queue, error) {
	return r.retry(id, func(q *Queue) error { return q.Put(ctx, e) })
}

// PutNoWait enqueues e on the queue of id without blocking.
func (r *Registry) PutNoWait(id sim.Identity, e *Entry) (*Queue, error) {
	return r.retry(id, func(q *Queue) error { return q.PutNoWait(e) })
}

// Hold returns the queue of id marked active until release is called.
func (r *Registry) Hold(id sim.Identity) (q *Queue, release func()) {
	q, _ = r.retry(id, func(q *Queue) error {
		var err error
		release, err = q.Hold()
		return err
	})
	return q, release
}

// GC removes every queue idle for at least maxIdle and returns the entries
// it drained from them. The caller owns the returned entries.
func (r *Registry) GC(maxIdle time.Duration) []*Entry {
	return r.collect(maxIdle, false)
}

// Drain removes every queue regardless of activity, for shutdown.
func (r *Registry) Drain() []*Entry {
	return r.collect(0, true)
}

func (r *Registry) collect(maxIdle time.Duration, force bool) []*Entry {
	now := r.cfg.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*Entry
	for id, q := range r.queues {
		q.mu.Lock()
		drained, dead := q.collect(now, maxIdle, force)
		q.mu.Unlock()
		if dead {
			delete(r.queues, id)
			evicted = append(evicted, drained...)
		}
	}
	r.gauge()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.GCEvictions.Add(float64(len(evicted)))
	}
	return evicted
}

// Len returns the number of live queues.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// gauge must hold mu.
func (r *Registry) gauge() {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Queues.Set(float64(len(r.queues)))
	}
}
