// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the tunnel server.
package errors

import (
	"errors"
	"fmt"
)

// Malformed input. The offending connection is always closed.
var (
	// ErrMalformed indicates a message that violates the wire format.
	ErrMalformed = errors.New("malformed message")

	// ErrProtocolViolation indicates a well-formed message sent at the wrong time.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Timeouts. A best-effort terminal response is attempted before teardown.
var (
	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrProviderTimeout indicates the provider accepted a connect request but never answered it.
	ErrProviderTimeout = errors.New("provider response timeout")
)

// Authorization outcomes. These are expected and logged at debug level.
var (
	// ErrUnauthorized indicates an authentication failure.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the caller may not perform the request.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the requested SIM does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotAvailable indicates the SIM exists but no provider holds it.
	ErrNotAvailable = errors.New("not available")
)

// Transport and resource errors.
var (
	// ErrConnectionClosed indicates the peer closed the connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProviderGone indicates the provider disconnected while waiting for work.
	ErrProviderGone = errors.New("provider gone")

	// ErrQueueFull indicates a no-wait request found no idle provider loop.
	ErrQueueFull = errors.New("queue full")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBackendUnavailable indicates the authorization backend is unavailable.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// TunnelError wraps an error with the connection it happened on.
type TunnelError struct {
	Op         string // Operation that failed
	Role       string // probe or provider
	SessionID  string // Session identifier
	RemoteAddr string // Peer address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *TunnelError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Role, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Role, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *TunnelError) Unwrap() error {
	return e.Err
}

// New creates a new TunnelError. It returns nil if err is nil.
func New(op, role, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &TunnelError{
		Op:         op,
		Role:       role,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsExpected reports whether err is a normal authorization outcome rather than a fault.
func IsExpected(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotAvailable) ||
		errors.Is(err, ErrConnectionClosed)
}
