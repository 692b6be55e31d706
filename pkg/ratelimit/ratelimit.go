// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast a single remote address may open tunnel
// connections.
package ratelimit

import (
	"sync"
	"time"

	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded.
var ErrRateLimitExceeded = terrors.ErrRateLimited

const (
	defaultMaxClients = 10000
	defaultIdleTTL    = 5 * time.Minute
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config holds limiter settings. A zero Rate disables limiting.
type Config struct {
	// Rate is the sustained number of events per second per key.
	Rate float64
	// Burst is the number of events a key may spend at once.
	Burst int
	// MaxClients bounds the number of tracked keys; new keys beyond it are rejected.
	MaxClients int
	// IdleTTL is how long an unused key is remembered.
	IdleTTL time.Duration
}

// Limiter manages one token bucket per key.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*entry
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

// NewLimiter creates a limiter and starts its cleanup loop.
func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxClients == 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	l := &Limiter{
		cfg:      cfg,
		limiters: make(map[string]*entry),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an event for key may happen now.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.cfg.Rate <= 0 {
		return true
	}

	now := l.now()

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.cfg.MaxClients {
			l.mu.Unlock()
			return false
		}
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Remove forgets a key.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup drops keys idle for longer than IdleTTL.
func (l *Limiter) cleanup() {
	cutoff := l.now().Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
		}
	}
}

// Stats returns the number of tracked keys.
func (l *Limiter) Stats() (clients int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
