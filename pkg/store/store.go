// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store defines the persistence contract of the tunnel server.
//
// The tunnel core only reads SIM records, moves provider availability
// counters and appends APDU audit records. SIM registration is driven by the
// HTTP API. Implementations live in the memstore, boltstore and pgstore
// subpackages and must keep every call inside one short transaction; no call
// may block on network peers.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	terrors "github.com/sbaresearch/mobile-atlas-sub000/pkg/errors"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = terrors.ErrNotFound

// Store is the SIM and provider persistence layer.
type Store interface {
	// GetSim resolves any identifier kind to a stored SIM. An Index n names
	// the n-th SIM in ascending id order, counting from zero.
	GetSim(ctx context.Context, id wire.SimIdentifier) (sim.Sim, error)

	// RegisterSims creates or reassigns the given SIMs to provider in a single
	// transaction. An existing SIM is matched by ICCID, else by IMSI. SIMs
	// of provider missing from sims are detached and have no provider
	// afterwards.
	RegisterSims(ctx context.Context, provider sim.Identity, sims []sim.Info) ([]sim.Sim, error)

	// ProviderAvailable increments the provider's availability counter,
	// creating the provider record if needed.
	ProviderAvailable(ctx context.Context, id sim.Identity) error

	// ProviderUnavailable decrements the availability counter. It never goes
	// below zero.
	ProviderUnavailable(ctx context.Context, id sim.Identity) error

	// Provider returns the availability record of id.
	Provider(ctx context.Context, id sim.Identity) (sim.Provider, error)

	// SimUsed records that the session holding token is relaying to simID.
	SimUsed(ctx context.Context, token []byte, simID uint64) error

	// SimUnused removes the record made by SimUsed.
	SimUnused(ctx context.Context, token []byte, simID uint64) error

	// SimInUse reports whether any session is relaying to simID.
	SimInUse(ctx context.Context, simID uint64) (bool, error)

	// LogApdu appends one relayed packet to the audit log.
	LogApdu(ctx context.Context, rec sim.ApduRecord) error

	Ping(ctx context.Context) error
	Close() error
}

// TokenKey returns the key under which a session token is stored. Raw tokens
// are never persisted.
func TokenKey(token []byte) string {
	sum := sha256.Sum256(token)
	return hex.EncodeToString(sum[:])
}
