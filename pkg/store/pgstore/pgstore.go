// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pgstore implements store.Store on PostgreSQL through a pgx
// connection pool. The schema is created on Open if missing.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/sim"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/store"
	"github.com/sbaresearch/mobile-atlas-sub000/pkg/wire"
)

// The pool needs at least two connections to serve a transaction while
// another handler logs APDUs.
const minConns = 2

const schema = `
CREATE TABLE IF NOT EXISTS providers (
	id        TEXT PRIMARY KEY,
	available BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0)
);
CREATE TABLE IF NOT EXISTS sims (
	id       BIGSERIAL PRIMARY KEY,
	iccid    TEXT UNIQUE,
	imsi     TEXT UNIQUE,
	provider TEXT REFERENCES providers (id)
);
CREATE TABLE IF NOT EXISTS sim_sessions (
	sim_id BIGINT NOT NULL REFERENCES sims (id) ON DELETE CASCADE,
	token  TEXT NOT NULL,
	PRIMARY KEY (sim_id, token)
);
CREATE TABLE IF NOT EXISTS apdu_log (
	id       BIGSERIAL PRIMARY KEY,
	provider TEXT NOT NULL,
	probe    TEXT NOT NULL,
	sim_id   BIGINT NOT NULL,
	sender   TEXT NOT NULL,
	op       SMALLINT NOT NULL,
	payload  BYTEA NOT NULL,
	at       TIMESTAMPTZ NOT NULL
);`

const simColumns = `id, COALESCE(iccid, ''), COALESCE(imsi, ''), COALESCE(provider, '')`

var _ store.Store = (*Store)(nil)

// Config configures the connection pool.
type Config struct {
	DSN            string
	MaxConnections int
	Logger         *slog.Logger
}

// Store is a PostgreSQL backed store.
type Store struct {
	pool   *pgx.ConnPool
	logger *slog.Logger
}

// Open connects to PostgreSQL and creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConnections < minConns {
		cfg.MaxConnections = minConns
	}

	s := &Store{logger: cfg.Logger}

	connCfg, err := pgx.ParseConnectionString(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	connCfg.Logger = s
	connCfg.LogLevel = pgx.LogLevelWarn

	s.pool, err = pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := s.pool.ExecEx(ctx, schema, nil); err != nil {
		s.pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// Log implements pgx.Logger.
func (s *Store) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	attrs := make([]any, 0, len(data))
	for k, v := range data {
		attrs = append(attrs, slog.Any(k, v))
	}
	switch level {
	case pgx.LogLevelNone:
	case pgx.LogLevelDebug, pgx.LogLevelTrace:
		s.logger.Debug(msg, attrs...)
	case pgx.LogLevelInfo:
		s.logger.Info(msg, attrs...)
	case pgx.LogLevelWarn:
		s.logger.Warn(msg, attrs...)
	default:
		s.logger.Error(msg, attrs...)
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSim(row rowScanner) (sim.Sim, error) {
	var id int64
	var iccid, imsi, provider string
	if err := row.Scan(&id, &iccid, &imsi, &provider); err != nil {
		return sim.Sim{}, notFound(err)
	}
	return sim.Sim{
		ID:       uint64(id),
		ICCID:    wire.ICCID(iccid),
		IMSI:     wire.IMSI(imsi),
		Provider: sim.Identity(provider),
	}, nil
}

func (s *Store) GetSim(ctx context.Context, id wire.SimIdentifier) (sim.Sim, error) {
	var row *pgx.Row
	switch id := id.(type) {
	case wire.SimID:
		row = s.pool.QueryRowEx(ctx, `SELECT `+simColumns+` FROM sims WHERE id = $1`, nil, int64(id))
	case wire.ICCID:
		row = s.pool.QueryRowEx(ctx, `SELECT `+simColumns+` FROM sims WHERE iccid = $1`, nil, string(id))
	case wire.IMSI:
		row = s.pool.QueryRowEx(ctx, `SELECT `+simColumns+` FROM sims WHERE imsi = $1`, nil, string(id))
	case wire.SimIndex:
		row = s.pool.QueryRowEx(ctx, `SELECT `+simColumns+` FROM sims ORDER BY id OFFSET $1 LIMIT 1`, nil, int64(id))
	default:
		return sim.Sim{}, store.ErrNotFound
	}
	return scanSim(row)
}

func (s *Store) RegisterSims(ctx context.Context, provider sim.Identity, infos []sim.Info) (sims []sim.Sim, err error) {
	for _, info := range infos {
		if err := info.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.pool.BeginEx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecEx(ctx, `INSERT INTO providers (id) VALUES ($1) ON CONFLICT DO NOTHING`, nil, string(provider)); err != nil {
		return nil, err
	}

	sims = make([]sim.Sim, 0, len(infos))
	for _, info := range infos {
		var r sim.Sim
		r, err = match(ctx, tx, info)
		switch {
		case errors.Is(err, store.ErrNotFound):
			r, err = scanSim(tx.QueryRowEx(ctx, `
				INSERT INTO sims (iccid, imsi, provider) VALUES (NULLIF($1, ''), NULLIF($2, ''), $3)
				RETURNING `+simColumns, nil, string(info.ICCID), string(info.IMSI), string(provider)))
		case err == nil:
			r, err = scanSim(tx.QueryRowEx(ctx, `
				UPDATE sims SET
					iccid = COALESCE(NULLIF($2, ''), iccid),
					imsi = COALESCE(NULLIF($3, ''), imsi),
					provider = $4
				WHERE id = $1
				RETURNING `+simColumns, nil, int64(r.ID), string(info.ICCID), string(info.IMSI), string(provider)))
		}
		if err != nil {
			return nil, err
		}
		sims = append(sims, r)
	}

	keep := make([]int64, 0, len(sims))
	for _, r := range sims {
		keep = append(keep, int64(r.ID))
	}
	if _, err = tx.ExecEx(ctx, `UPDATE sims SET provider = NULL WHERE provider = $1 AND NOT (id = ANY($2))`, nil, string(provider), keep); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return sims, nil
}

// match locks the stored SIM with the ICCID of info, falling back to its IMSI.
func match(ctx context.Context, tx *pgx.Tx, info sim.Info) (sim.Sim, error) {
	if info.ICCID != "" {
		r, err := scanSim(tx.QueryRowEx(ctx, `SELECT `+simColumns+` FROM sims WHERE iccid = $1 FOR UPDATE`, nil, string(info.ICCID)))
		if !errors.Is(err, store.ErrNotFound) {
			return r, err
		}
	}
	if info.IMSI != "" {
		return scanSim(tx.QueryRowEx(ctx, `SELECT `+simColumns+` FROM sims WHERE imsi = $1 FOR UPDATE`, nil, string(info.IMSI)))
	}
	return sim.Sim{}, store.ErrNotFound
}

func (s *Store) ProviderAvailable(ctx context.Context, id sim.Identity) error {
	_, err := s.pool.ExecEx(ctx, `
		INSERT INTO providers (id, available) VALUES ($1, 1)
		ON CONFLICT (id) DO UPDATE SET available = providers.available + 1`, nil, string(id))
	return err
}

func (s *Store) ProviderUnavailable(ctx context.Context, id sim.Identity) error {
	_, err := s.pool.ExecEx(ctx, `UPDATE providers SET available = available - 1 WHERE id = $1 AND available > 0`, nil, string(id))
	return err
}

func (s *Store) Provider(ctx context.Context, id sim.Identity) (sim.Provider, error) {
	var n int64
	if err := s.pool.QueryRowEx(ctx, `SELECT available FROM providers WHERE id = $1`, nil, string(id)).Scan(&n); err != nil {
		return sim.Provider{}, notFound(err)
	}
	return sim.Provider{ID: id, Available: n}, nil
}

func (s *Store) SimUsed(ctx context.Context, token []byte, simID uint64) error {
	tag, err := s.pool.ExecEx(ctx, `
		INSERT INTO sim_sessions (sim_id, token)
		SELECT id, $2 FROM sims WHERE id = $1
		ON CONFLICT DO NOTHING`, nil, int64(simID), store.TokenKey(token))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRowEx(ctx, `SELECT EXISTS (SELECT 1 FROM sims WHERE id = $1)`, nil, int64(simID)).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) SimUnused(ctx context.Context, token []byte, simID uint64) error {
	_, err := s.pool.ExecEx(ctx, `DELETE FROM sim_sessions WHERE sim_id = $1 AND token = $2`, nil, int64(simID), store.TokenKey(token))
	return err
}

func (s *Store) SimInUse(ctx context.Context, simID uint64) (bool, error) {
	var used bool
	err := s.pool.QueryRowEx(ctx, `SELECT EXISTS (SELECT 1 FROM sim_sessions WHERE sim_id = $1)`, nil, int64(simID)).Scan(&used)
	return used, err
}

func (s *Store) LogApdu(ctx context.Context, rec sim.ApduRecord) error {
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.pool.ExecEx(ctx, `
		INSERT INTO apdu_log (provider, probe, sim_id, sender, op, payload, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, nil,
		string(rec.ProviderID), string(rec.ProbeID), int64(rec.SimID), string(rec.Sender), int16(rec.Op), payload, rec.Time)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.pool.ExecEx(ctx, `SELECT 1`, nil)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
