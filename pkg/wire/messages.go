// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// AuthType selects the role a client authenticates as.
type AuthType uint8

const (
	AuthProvider AuthType = 1
	AuthProbe    AuthType = 2
)

func (t AuthType) String() string {
	switch t {
	case AuthProvider:
		return "provider"
	case AuthProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// AuthStatus is the outcome of the authentication handshake.
type AuthStatus uint8

const (
	AuthSuccess       AuthStatus = 0
	AuthUnauthorized  AuthStatus = 1
	AuthNotRegistered AuthStatus = 3
)

func (s AuthStatus) String() string {
	switch s {
	case AuthSuccess:
		return "success"
	case AuthUnauthorized:
		return "unauthorized"
	case AuthNotRegistered:
		return "not_registered"
	default:
		return "unknown"
	}
}

// ConnectStatus is the outcome of a connect request.
type ConnectStatus uint8

const (
	ConnectSuccess          ConnectStatus = 0
	ConnectNotFound         ConnectStatus = 1
	ConnectForbidden        ConnectStatus = 2
	ConnectNotAvailable     ConnectStatus = 3
	ConnectProviderTimedOut ConnectStatus = 4
)

func (s ConnectStatus) String() string {
	switch s {
	case ConnectSuccess:
		return "success"
	case ConnectNotFound:
		return "not_found"
	case ConnectForbidden:
		return "forbidden"
	case ConnectNotAvailable:
		return "not_available"
	case ConnectProviderTimedOut:
		return "provider_timed_out"
	default:
		return "unknown"
	}
}

// ConnectFlags is the flag bitset of a ConnectRequest.
type ConnectFlags uint8

const (
	// FlagNoWait asks for immediate failure when no provider loop is idle.
	FlagNoWait ConnectFlags = 1 << 0

	knownFlags = FlagNoWait
)

// ApduOp distinguishes APDU exchanges from card resets.
type ApduOp uint8

const (
	OpApdu  ApduOp = 0
	OpReset ApduOp = 1
)

func (o ApduOp) String() string {
	switch o {
	case OpApdu:
		return "apdu"
	case OpReset:
		return "reset"
	default:
		return "unknown"
	}
}

var errTokenTooLong = errors.New("token longer than 65535 bytes")

// AuthRequest opens every connection.
type AuthRequest struct {
	Type  AuthType
	Token []byte
}

const authRequestHeaderLen = 4

// MarshalBinary implements encoding.BinaryMarshaler.
func (m AuthRequest) MarshalBinary() ([]byte, error) {
	if len(m.Token) > math.MaxUint16 {
		return nil, errTokenTooLong
	}
	b := make([]byte, 0, authRequestHeaderLen+len(m.Token))
	b = append(b, Version, byte(m.Type))
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Token)))
	return append(b, m.Token...), nil
}

// DecodeAuthRequest implements Decoder for AuthRequest.
func DecodeAuthRequest(b []byte) (AuthRequest, int, error) {
	if err := checkVersion(b); err != nil {
		return AuthRequest{}, 0, err
	}
	if len(b) >= 2 {
		if t := AuthType(b[1]); t != AuthProvider && t != AuthProbe {
			return AuthRequest{}, 0, malformed("auth type %d", t)
		}
	}
	if len(b) < authRequestHeaderLen {
		return AuthRequest{}, authRequestHeaderLen - len(b), nil
	}

	total := authRequestHeaderLen + int(binary.BigEndian.Uint16(b[2:4]))
	missing, err := checkLength(b, total)
	if err != nil || missing > 0 {
		return AuthRequest{}, missing, err
	}

	return AuthRequest{
		Type:  AuthType(b[1]),
		Token: append([]byte(nil), b[authRequestHeaderLen:]...),
	}, 0, nil
}

// AuthResponse answers an AuthRequest.
type AuthResponse struct {
	Status AuthStatus
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m AuthResponse) MarshalBinary() ([]byte, error) {
	return []byte{Version, byte(m.Status)}, nil
}

// DecodeAuthResponse implements Decoder for AuthResponse.
func DecodeAuthResponse(b []byte) (AuthResponse, int, error) {
	if err := checkVersion(b); err != nil {
		return AuthResponse{}, 0, err
	}
	missing, err := checkLength(b, 2)
	if err != nil || missing > 0 {
		return AuthResponse{}, missing, err
	}
	s := AuthStatus(b[1])
	switch s {
	case AuthSuccess, AuthUnauthorized, AuthNotRegistered:
	default:
		return AuthResponse{}, 0, malformed("auth status %d", s)
	}
	return AuthResponse{Status: s}, 0, nil
}

// ConnectRequest asks for a tunnel to one SIM.
type ConnectRequest struct {
	Flags      ConnectFlags
	Identifier SimIdentifier
}

const connectRequestHeaderLen = 3

// NoWait reports whether FlagNoWait is set.
func (m ConnectRequest) NoWait() bool {
	return m.Flags&FlagNoWait != 0
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m ConnectRequest) MarshalBinary() ([]byte, error) {
	if m.Identifier == nil {
		return nil, errors.New("connect request without identifier")
	}
	if m.Flags&^knownFlags != 0 {
		return nil, fmt.Errorf("unknown connect flags 0x%02x", uint8(m.Flags))
	}
	switch id := m.Identifier.(type) {
	case ICCID:
		if _, err := ParseICCID(string(id)); err != nil {
			return nil, err
		}
	case IMSI:
		if _, err := ParseIMSI(string(id)); err != nil {
			return nil, err
		}
	}
	size, _ := m.Identifier.Kind().fieldLen()
	b := make([]byte, 0, connectRequestHeaderLen+size)
	b = append(b, Version, byte(m.Flags), byte(m.Identifier.Kind()))
	return m.Identifier.appendPayload(b), nil
}

// DecodeConnectRequest implements Decoder for ConnectRequest.
func DecodeConnectRequest(b []byte) (ConnectRequest, int, error) {
	if err := checkVersion(b); err != nil {
		return ConnectRequest{}, 0, err
	}
	if len(b) >= 2 {
		if f := ConnectFlags(b[1]); f&^knownFlags != 0 {
			return ConnectRequest{}, 0, malformed("connect flags 0x%02x", uint8(f))
		}
	}
	var size int
	if len(b) >= 3 {
		var ok bool
		if size, ok = IdentifierKind(b[2]).fieldLen(); !ok {
			return ConnectRequest{}, 0, malformed("identifier kind %d", b[2])
		}
	}
	if len(b) < connectRequestHeaderLen {
		return ConnectRequest{}, connectRequestHeaderLen - len(b), nil
	}

	missing, err := checkLength(b, connectRequestHeaderLen+size)
	if err != nil || missing > 0 {
		return ConnectRequest{}, missing, err
	}

	id, err := decodeIdentifier(IdentifierKind(b[2]), b[connectRequestHeaderLen:])
	if err != nil {
		return ConnectRequest{}, 0, err
	}
	return ConnectRequest{Flags: ConnectFlags(b[1]), Identifier: id}, 0, nil
}

// ConnectResponse answers a ConnectRequest.
type ConnectResponse struct {
	Status ConnectStatus
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m ConnectResponse) MarshalBinary() ([]byte, error) {
	return []byte{Version, byte(m.Status)}, nil
}

// DecodeConnectResponse implements Decoder for ConnectResponse.
func DecodeConnectResponse(b []byte) (ConnectResponse, int, error) {
	if err := checkVersion(b); err != nil {
		return ConnectResponse{}, 0, err
	}
	missing, err := checkLength(b, 2)
	if err != nil || missing > 0 {
		return ConnectResponse{}, missing, err
	}
	s := ConnectStatus(b[1])
	if s > ConnectProviderTimedOut {
		return ConnectResponse{}, 0, malformed("connect status %d", s)
	}
	return ConnectResponse{Status: s}, 0, nil
}

// ApduPacket carries one command or response after the tunnel is up.
type ApduPacket struct {
	Op      ApduOp
	Payload []byte
}

const apduHeaderLen = 6

// MarshalBinary implements encoding.BinaryMarshaler.
func (m ApduPacket) MarshalBinary() ([]byte, error) {
	if len(m.Payload) >= MaxApduPayload {
		return nil, fmt.Errorf("apdu payload of %d bytes exceeds limit", len(m.Payload))
	}
	b := make([]byte, 0, apduHeaderLen+len(m.Payload))
	b = append(b, Version, byte(m.Op))
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.Payload)))
	return append(b, m.Payload...), nil
}

// DecodeApduPacket implements Decoder for ApduPacket.
func DecodeApduPacket(b []byte) (ApduPacket, int, error) {
	if err := checkVersion(b); err != nil {
		return ApduPacket{}, 0, err
	}
	if len(b) >= 2 {
		if op := ApduOp(b[1]); op != OpApdu && op != OpReset {
			return ApduPacket{}, 0, malformed("apdu op %d", op)
		}
	}
	if len(b) < apduHeaderLen {
		return ApduPacket{}, apduHeaderLen - len(b), nil
	}

	n := binary.BigEndian.Uint32(b[2:apduHeaderLen])
	if n >= MaxApduPayload {
		return ApduPacket{}, 0, malformed("apdu length %d", n)
	}
	missing, err := checkLength(b, apduHeaderLen+int(n))
	if err != nil || missing > 0 {
		return ApduPacket{}, missing, err
	}

	return ApduPacket{
		Op:      ApduOp(b[1]),
		Payload: append([]byte{}, b[apduHeaderLen:]...),
	}, 0, nil
}
