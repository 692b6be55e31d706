// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

// Result is the outcome of an authorization decision.
type Result int

const (
	Success Result = iota
	InvalidToken
	ExpiredToken
	Forbidden
	NotRegistered
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case InvalidToken:
		return "invalid_token"
	case ExpiredToken:
		return "expired_token"
	case Forbidden:
		return "forbidden"
	case NotRegistered:
		return "not_registered"
	default:
		return "unknown"
	}
}

// Context contains connection metadata of the session an auth call belongs to.
// Decorators read it from the context.Context passed to AuthHandler methods.
type Context struct {
	// SessionID is a unique identifier for this connection/session
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Role is "probe", "provider" or "api"
	Role string

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate
}

type contextKey struct{}

// WithContext attaches hctx to ctx.
func WithContext(ctx context.Context, hctx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, hctx)
}

// FromContext returns the session metadata attached to ctx, or an empty Context.
func FromContext(ctx context.Context) *Context {
	if hctx, ok := ctx.Value(contextKey{}).(*Context); ok {
		return hctx
	}
	return &Context{}
}

// AuthHandler decides every authorization question the tunnel asks.
// A non-nil error means the decision could not be made; the caller tears the
// connection down instead of answering with a status.
type AuthHandler interface {
	// AllowedProviderRegistration authorizes a provider session token.
	AllowedProviderRegistration(ctx context.Context, token []byte) (Result, error)

	// AllowedSimRegistration authorizes a provider to register sims.
	AllowedSimRegistration(ctx context.Context, token []byte, sims []sim.Info) (Result, error)

	// AllowedProbeRegistration authorizes a probe session token.
	AllowedProbeRegistration(ctx context.Context, token []byte) (Result, error)

	// AllowedSimRequest authorizes a probe to reach s through provider.
	AllowedSimRequest(ctx context.Context, token []byte, provider sim.Identity, s sim.Sim) (Result, error)

	// Identity returns the identity a token belongs to. The boolean is false
	// for unknown tokens.
	Identity(ctx context.Context, token []byte) (sim.Identity, bool, error)
}

// AuthStatus maps a registration result onto the wire.
func AuthStatus(r Result) wire.AuthStatus {
	switch r {
	case Success:
		return wire.AuthSuccess
	case NotRegistered:
		return wire.AuthNotRegistered
	default:
		return wire.AuthUnauthorized
	}
}

// ConnectStatus maps a sim request result onto the wire. With hideForbidden a
// denied request is reported as NotFound so probes cannot probe for SIMs they
// may not use.
func ConnectStatus(r Result, hideForbidden bool) wire.ConnectStatus {
	switch {
	case r == Success:
		return wire.ConnectSuccess
	case hideForbidden:
		return wire.ConnectNotFound
	default:
		return wire.ConnectForbidden
	}
}

// AllowAll is an AuthHandler that authorizes everything and uses the token
// itself as identity. Useful for testing or closed deployments.
type AllowAll struct{}

var _ AuthHandler = AllowAll{}

func (AllowAll) AllowedProviderRegistration(context.Context, []byte) (Result, error) {
	return Success, nil
}

func (AllowAll) AllowedSimRegistration(context.Context, []byte, []sim.Info) (Result, error) {
	return Success, nil
}

func (AllowAll) AllowedProbeRegistration(context.Context, []byte) (Result, error) {
	return Success, nil
}

func (AllowAll) AllowedSimRequest(context.Context, []byte, sim.Identity, sim.Sim) (Result, error) {
	return Success, nil
}

func (AllowAll) Identity(_ context.Context, token []byte) (sim.Identity, bool, error) {
	if len(token) == 0 {
		return "", false, nil
	}
	return sim.Identity(token), true, nil
}
