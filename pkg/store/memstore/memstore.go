// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memstore implements store.Store in process memory.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

var _ store.Store = (*Store)(nil)

// Store keeps all records in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	nextID    uint64
	sims      map[uint64]sim.Sim
	providers map[sim.Identity]int64
	sessions  map[uint64]map[string]struct{}
	apdus     []sim.ApduRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{
		nextID:    1,
		sims:      make(map[uint64]sim.Sim),
		providers: make(map[sim.Identity]int64),
		sessions:  make(map[uint64]map[string]struct{}),
	}
}

func (s *Store) GetSim(_ context.Context, id wire.SimIdentifier) (sim.Sim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch id := id.(type) {
	case wire.SimID:
		if r, ok := s.sims[uint64(id)]; ok {
			return r, nil
		}
	case wire.SimIndex:
		ids := s.sortedIDs()
		if uint64(id) < uint64(len(ids)) {
			return s.sims[ids[id]], nil
		}
	case wire.ICCID:
		if r, ok := s.find(func(r sim.Sim) bool { return r.ICCID == id }); ok {
			return r, nil
		}
	case wire.IMSI:
		if r, ok := s.find(func(r sim.Sim) bool { return r.IMSI == id }); ok {
			return r, nil
		}
	}
	return sim.Sim{}, store.ErrNotFound
}

func (s *Store) RegisterSims(_ context.Context, provider sim.Identity, infos []sim.Info) ([]sim.Sim, error) {
	for _, info := range infos {
		if err := info.Validate(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.providers[provider]; !ok {
		s.providers[provider] = 0
	}

	out := make([]sim.Sim, 0, len(infos))
	for _, info := range infos {
		r, ok := s.match(info)
		if !ok {
			r = sim.Sim{ID: s.nextID}
			s.nextID++
		}
		if info.ICCID != "" {
			r.ICCID = info.ICCID
		}
		if info.IMSI != "" {
			r.IMSI = info.IMSI
		}
		r.Provider = provider
		s.sims[r.ID] = r
		out = append(out, r)
	}

	for id, r := range s.sims {
		if r.Provider == provider && !slices.ContainsFunc(out, func(o sim.Sim) bool { return o.ID == id }) {
			r.Provider = ""
			s.sims[id] = r
		}
	}
	return out, nil
}

func (s *Store) ProviderAvailable(_ context.Context, id sim.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[id]++
	return nil
}

func (s *Store) ProviderUnavailable(_ context.Context, id sim.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.providers[id]; ok && n > 0 {
		s.providers[id] = n - 1
	}
	return nil
}

func (s *Store) Provider(_ context.Context, id sim.Identity) (sim.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.providers[id]
	if !ok {
		return sim.Provider{}, store.ErrNotFound
	}
	return sim.Provider{ID: id, Available: n}, nil
}

func (s *Store) SimUsed(_ context.Context, token []byte, simID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sims[simID]; !ok {
		return store.ErrNotFound
	}
	set, ok := s.sessions[simID]
	if !ok {
		set = make(map[string]struct{})
		s.sessions[simID] = set
	}
	set[store.TokenKey(token)] = struct{}{}
	return nil
}

func (s *Store) SimUnused(_ context.Context, token []byte, simID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sessions[simID]; ok {
		delete(set, store.TokenKey(token))
		if len(set) == 0 {
			delete(s.sessions, simID)
		}
	}
	return nil
}

func (s *Store) SimInUse(_ context.Context, simID uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[simID]) > 0, nil
}

func (s *Store) LogApdu(_ context.Context, rec sim.ApduRecord) error {
	rec.Payload = slices.Clone(rec.Payload)
	s.mu.Lock()
	s.apdus = append(s.apdus, rec)
	s.mu.Unlock()
	return nil
}

// Apdus returns a copy of the audit log.
func (s *Store) Apdus() []sim.ApduRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.apdus)
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(s.sims))
	for id := range s.sims {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Store) find(pred func(sim.Sim) bool) (sim.Sim, bool) {
	for _, id := range s.sortedIDs() {
		if r := s.sims[id]; pred(r) {
			return r, true
		}
	}
	return sim.Sim{}, false
}

func (s *Store) match(info sim.Info) (sim.Sim, bool) {
	if info.ICCID != "" {
		if r, ok := s.find(func(r sim.Sim) bool { return r.ICCID == info.ICCID }); ok {
			return r, true
		}
	}
	if info.IMSI != "" {
		return s.find(func(r sim.Sim) bool { return r.IMSI == info.IMSI })
	}
	return sim.Sim{}, false
}
