// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the binary protocol spoken between the tunnel
// server, probes and providers.
//
// # Messages
//
// All integers are big-endian and every message starts with the protocol
// version byte (currently 1):
//
//	AuthRequest      version | auth type | token length (2) | token
//	AuthResponse     version | status
//	ConnectRequest   version | flags | identifier kind | identifier
//	ConnectResponse  version | status
//	ApduPacket       version | op | payload length (4) | payload
//
// ConnectRequest identifiers are an 8-byte id or index, a 20-byte ICCID field
// or a 15-byte IMSI field. Digit fields are ASCII, padded with zero bytes.
// APDU payloads are shorter than 1024 bytes.
//
// # Decoding
//
// Each message type has a Decode function with the same contract: given the
// bytes received so far it either returns the message, returns the number of
// additional bytes it needs, or fails. ReadMessage drives a decoder over an
// io.Reader reading exactly the requested amount each time, so it never
// consumes bytes belonging to the next message:
//
//	req, err := wire.ReadConnectRequest(conn)
//	if errors.Is(err, io.EOF) {
//		// peer closed before sending anything
//	}
//
// A wrong version byte, an unknown tag or a length outside its bound is a
// permanent failure wrapping errors.ErrMalformed.
package wire
