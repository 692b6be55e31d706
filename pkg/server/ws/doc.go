// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ws carries the tunnel protocol over WebSocket.
//
// Deployments behind an HTTP reverse proxy cannot expose raw TCP ports. Handler
// upgrades such requests and passes the connection, wrapped as a net.Conn, to
// the same dispatcher the TCP listeners use. Every Write becomes one binary
// message; Read treats the incoming messages as a single byte stream.
package ws
