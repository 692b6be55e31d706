// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream wraps tunnel connections.
//
// Conn adds buffering and a disconnect watch to a net.Conn, so a handler that
// is waiting on something else can still notice its peer going away. Stream
// carries APDU packets over a Conn once the tunnel is established, with both
// synchronous and queued sends.
package stream
