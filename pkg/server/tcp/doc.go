// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP listener of the tunnel server.
//
// # Overview
//
// The server accepts connections, applies a per-IP rate limit and TCP
// keepalive settings, optionally terminates TLS, and hands every admitted
// connection to a Dispatcher. The dispatcher owns the connection from then
// on; the server only tracks it for draining.
//
//	┌────────┐          ┌────────┐           ┌────────────┐
//	│ Client │ ←─TCP─→  │ Server │ ─conn──→  │ Dispatcher │
//	└────────┘          └────────┘           └────────────┘
//
// A listener may be restricted to one role, so probes and providers can be
// served on separate ports:
//
//	probes := tcp.New(tcp.Config{Name: "probe", Address: ":5555", Role: wire.AuthProbe}, svc)
//	providers := tcp.New(tcp.Config{Name: "provider", Address: ":6666", Role: wire.AuthProvider}, svc)
//
// # Graceful Shutdown
//
// When the context is canceled:
//
//  1. The listener is closed and no new connections are accepted
//  2. Active connections are given ShutdownTimeout to finish
//  3. The context passed to the dispatcher is then canceled
//  4. Listen returns ErrShutdownTimeout if connections had to be cut
package tcp
