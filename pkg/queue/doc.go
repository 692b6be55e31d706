// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue matches pending probe requests with provider handler loops.
//
// Every provider identity has one FIFO Queue, created lazily by the Registry.
// Probe handlers enqueue an Entry holding their connection; provider handler
// loops dequeue entries and drive the rest of the handshake.
//
// # Ordering
//
// A queue has a single mutex. Entries are dequeued in enqueue order and
// parked Get calls are served in arrival order. Put hands an entry straight
// to the oldest parked Get when there is one, so a queue never holds entries
// and parked getters at the same time.
//
// # No-wait requests
//
// PutNoWait with an Immediate entry succeeds only if a Get is parked at that
// moment. Otherwise it returns ErrQueueFull and the probe is told that the
// provider timed out.
//
// # Activity and GC
//
// Provider handler loops call Registry.Hold for their whole lifetime. A queue
// without holds is idle from the moment its last hold was released. GC drains
// every queue idle for longer than the configured limit, removes it from the
// registry and returns the drained entries so the caller can answer and close
// the waiting probes. A Put racing with GC on a removed queue retries on a
// fresh queue.
package queue
