// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the authorization interface consulted by the tunnel.
//
// # Architecture Overview
//
// The tunnel never decides policy itself. Every question it has about a
// session token is put to an AuthHandler, and the answer is translated to a
// wire status by AuthStatus and ConnectStatus.
//
// # Data Flow
//
//	Probe/Provider → tunnel (reads AuthRequest) → AuthHandler (decides) → tunnel (writes status)
//	Provider → HTTP API (PUT sims) → AuthHandler (decides) → store
//
// # Handler Methods
//
//   - AllowedProviderRegistration: provider session tokens
//   - AllowedSimRegistration: providers registering their SIM cards
//   - AllowedProbeRegistration: probe session tokens
//   - AllowedSimRequest: a probe asking for one SIM held by one provider
//   - Identity: the opaque id a token belongs to
//
// # Results
//
// Success, InvalidToken, ExpiredToken, Forbidden and NotRegistered are normal
// outcomes. An error return is reserved for the case where no decision could
// be made (for example the backend is unreachable) and makes the tunnel drop
// the connection without a status.
//
// # Context
//
// Session metadata travels in the context.Context. The tunnel attaches a
// Context with WithContext, and decorators read it back with FromContext:
//   - SessionID: Unique identifier for this connection/session
//   - RemoteAddr: Client's network address
//   - Role: probe, provider or api
//   - Cert: Client certificate for mTLS connections
//
// # Implementation
//
// The static and remote subpackages provide a YAML token directory and an
// HTTP client for a management service. Logging and Instrumented wrap any
// implementation with logs and Prometheus metrics; AllowAll authorizes
// everything.
//
// # Example
//
//	h := handler.NewLogging(handler.NewInstrumented(static, m), logger)
//	r, err := h.AllowedProbeRegistration(ctx, token)
//	if err != nil {
//		return err
//	}
//	return wire.WriteMessage(conn, wire.AuthResponse{Status: handler.AuthStatus(r)})
package handler
