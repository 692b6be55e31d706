// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package boltstore implements store.Store on an embedded bbolt database.
// Records are CBOR encoded; SIM ids are big-endian bucket keys so a cursor
// walks them in ascending id order.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
	bolt "go.etcd.io/bbolt"
)

var (
	simsBucket      = []byte("sims")
	iccidBucket     = []byte("sims_by_iccid")
	imsiBucket      = []byte("sims_by_imsi")
	providersBucket = []byte("providers")
	sessionsBucket  = []byte("sessions")
	apduBucket      = []byte("apdu_log")

	buckets = [][]byte{simsBucket, iccidBucket, imsiBucket, providersBucket, sessionsBucket, apduBucket}
)

var _ store.Store = (*Store)(nil)

// Store is a bbolt backed store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func idKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

func getSim(tx *bolt.Tx, key []byte) (sim.Sim, error) {
	raw := tx.Bucket(simsBucket).Get(key)
	if raw == nil {
		return sim.Sim{}, store.ErrNotFound
	}
	var r sim.Sim
	if err := cbor.Unmarshal(raw, &r); err != nil {
		return sim.Sim{}, fmt.Errorf("decode sim %x: %w", key, err)
	}
	return r, nil
}

func putSim(tx *bolt.Tx, r sim.Sim) error {
	raw, err := cbor.Marshal(r)
	if err != nil {
		return err
	}
	key := idKey(r.ID)
	if err := tx.Bucket(simsBucket).Put(key, raw); err != nil {
		return err
	}
	if r.ICCID != "" {
		if err := tx.Bucket(iccidBucket).Put([]byte(r.ICCID), key); err != nil {
			return err
		}
	}
	if r.IMSI != "" {
		if err := tx.Bucket(imsiBucket).Put([]byte(r.IMSI), key); err != nil {
			return err
		}
	}
	return nil
}

func lookup(tx *bolt.Tx, index []byte, value string) (sim.Sim, error) {
	key := tx.Bucket(index).Get([]byte(value))
	if key == nil {
		return sim.Sim{}, store.ErrNotFound
	}
	return getSim(tx, key)
}

func (s *Store) GetSim(_ context.Context, id wire.SimIdentifier) (sim.Sim, error) {
	var r sim.Sim
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		switch id := id.(type) {
		case wire.SimID:
			r, err = getSim(tx, idKey(uint64(id)))
		case wire.ICCID:
			r, err = lookup(tx, iccidBucket, string(id))
		case wire.IMSI:
			r, err = lookup(tx, imsiBucket, string(id))
		case wire.SimIndex:
			c := tx.Bucket(simsBucket).Cursor()
			k, _ := c.First()
			for n := uint64(0); k != nil && n < uint64(id); n++ {
				k, _ = c.Next()
			}
			if k == nil {
				return store.ErrNotFound
			}
			r, err = getSim(tx, k)
		default:
			err = store.ErrNotFound
		}
		return err
	})
	return r, err
}

func (s *Store) RegisterSims(_ context.Context, provider sim.Identity, infos []sim.Info) ([]sim.Sim, error) {
	for _, info := range infos {
		if err := info.Validate(); err != nil {
			return nil, err
		}
	}

	out := make([]sim.Sim, 0, len(infos))
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := ensureProvider(tx, provider); err != nil {
			return err
		}
		for _, info := range infos {
			r, err := match(tx, info)
			switch {
			case errors.Is(err, store.ErrNotFound):
				seq, err := tx.Bucket(simsBucket).NextSequence()
				if err != nil {
					return err
				}
				r = sim.Sim{ID: seq}
			case err != nil:
				return err
			}
			if info.ICCID != "" {
				r.ICCID = info.ICCID
			}
			if info.IMSI != "" {
				r.IMSI = info.IMSI
			}
			r.Provider = provider
			if err := putSim(tx, r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return release(tx, provider, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// release detaches every SIM of provider that is not in keep.
func release(tx *bolt.Tx, provider sim.Identity, keep []sim.Sim) error {
	var stale []sim.Sim
	err := tx.Bucket(simsBucket).ForEach(func(k, _ []byte) error {
		r, err := getSim(tx, k)
		if err != nil {
			return err
		}
		if r.Provider == provider && !slices.ContainsFunc(keep, func(o sim.Sim) bool { return o.ID == r.ID }) {
			stale = append(stale, r)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range stale {
		r.Provider = ""
		if err := putSim(tx, r); err != nil {
			return err
		}
	}
	return nil
}

func match(tx *bolt.Tx, info sim.Info) (sim.Sim, error) {
	if info.ICCID != "" {
		r, err := lookup(tx, iccidBucket, string(info.ICCID))
		if !errors.Is(err, store.ErrNotFound) {
			return r, err
		}
	}
	if info.IMSI != "" {
		return lookup(tx, imsiBucket, string(info.IMSI))
	}
	return sim.Sim{}, store.ErrNotFound
}

func getProvider(tx *bolt.Tx, id sim.Identity) (sim.Provider, error) {
	raw := tx.Bucket(providersBucket).Get([]byte(id))
	if raw == nil {
		return sim.Provider{}, store.ErrNotFound
	}
	var p sim.Provider
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return sim.Provider{}, fmt.Errorf("decode provider %q: %w", id, err)
	}
	return p, nil
}

func putProvider(tx *bolt.Tx, p sim.Provider) error {
	raw, err := cbor.Marshal(p)
	if err != nil {
		return err
	}
	return tx.Bucket(providersBucket).Put([]byte(p.ID), raw)
}

func ensureProvider(tx *bolt.Tx, id sim.Identity) error {
	_, err := getProvider(tx, id)
	if errors.Is(err, store.ErrNotFound) {
		return putProvider(tx, sim.Provider{ID: id})
	}
	return err
}

func (s *Store) updateProvider(id sim.Identity, fn func(*sim.Provider)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := getProvider(tx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			p = sim.Provider{ID: id}
		case err != nil:
			return err
		}
		fn(&p)
		return putProvider(tx, p)
	})
}

func (s *Store) ProviderAvailable(_ context.Context, id sim.Identity) error {
	return s.updateProvider(id, func(p *sim.Provider) { p.Available++ })
}

func (s *Store) ProviderUnavailable(_ context.Context, id sim.Identity) error {
	return s.updateProvider(id, func(p *sim.Provider) {
		if p.Available > 0 {
			p.Available--
		}
	})
}

func (s *Store) Provider(_ context.Context, id sim.Identity) (sim.Provider, error) {
	var p sim.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = getProvider(tx, id)
		return err
	})
	return p, err
}

func sessionKey(token []byte, simID uint64) []byte {
	return append(idKey(simID), store.TokenKey(token)...)
}

func (s *Store) SimUsed(_ context.Context, token []byte, simID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(simsBucket).Get(idKey(simID)) == nil {
			return store.ErrNotFound
		}
		return tx.Bucket(sessionsBucket).Put(sessionKey(token, simID), nil)
	})
}

func (s *Store) SimUnused(_ context.Context, token []byte, simID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(sessionKey(token, simID))
	})
}

func (s *Store) SimInUse(_ context.Context, simID uint64) (bool, error) {
	var used bool
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := idKey(simID)
		k, _ := tx.Bucket(sessionsBucket).Cursor().Seek(prefix)
		used = k != nil && bytes.HasPrefix(k, prefix)
		return nil
	})
	return used, err
}

func (s *Store) LogApdu(_ context.Context, rec sim.ApduRecord) error {
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(apduBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(idKey(seq), raw)
	})
}

// Apdus returns the audit log in insertion order.
func (s *Store) Apdus() ([]sim.ApduRecord, error) {
	var out []sim.ApduRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(apduBucket).ForEach(func(_, v []byte) error {
			var rec sim.ApduRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *Store) Ping(context.Context) error {
	return s.db.View(func(*bolt.Tx) error { return nil })
}

func (s *Store) Close() error {
	return s.db.Close()
}
