// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tunnel implements the SIM tunnel server.
//
// Every connection opens with an AuthRequest. Probes then send one
// ConnectRequest, which is resolved against the store, authorized and queued
// on the queue of the provider owning the SIM. Provider connections park on
// their queue; the first idle provider loop dequeues the request, forwards it
// to the provider and hands the provider's ConnectResponse back to the probe.
// On success both connections are joined by an APDU relay until either side
// closes.
//
// Service.RunGC periodically times out requests queued for providers that
// have not been connected for longer than Config.MaxIdle.
package tunnel
