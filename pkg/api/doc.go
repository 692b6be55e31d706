// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api serves the HTTP side of the tunnel server.
//
// Routes:
//
//	PUT /v1/provider/sims   register the caller's SIMs (Bearer session token)
//	GET /v1/tunnel          websocket transport for probes and providers
//	GET /health             aggregated health checks
//	GET /ready              readiness probe
//	GET /live               liveness probe
//	GET /metrics            Prometheus metrics
package api
