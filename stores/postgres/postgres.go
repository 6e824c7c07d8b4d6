// Package postgres persists the bridge config document in PostgreSQL, for
// deployments that keep integration state off the local filesystem.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xbridge/xbridge"
)

// DB is the subset of pgx satisfied by *pgx.Conn, *pgxpool.Pool, and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps the whole config as a single jsonb document row, so reads and
// writes stay atomic without a migration-managed schema.
type Store struct {
	db DB
}

var _ xbridge.ConfigStore = (*Store)(nil)

func New(db DB) *Store {
	return &Store{db: db}
}

const schema = `CREATE TABLE IF NOT EXISTS xbridge_config (
	id smallint PRIMARY KEY CHECK (id = 1),
	document jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// Init creates the backing table if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed creating config table: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (*xbridge.Config, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM xbridge_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &xbridge.Config{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed loading config: %w", err)
	}

	var cfg xbridge.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed parsing config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) Save(ctx context.Context, cfg *xbridge.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed encoding config: %w", err)
	}

	_, err = s.db.Exec(ctx, `INSERT INTO xbridge_config (id, document, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`, raw)
	if err != nil {
		return fmt.Errorf("failed saving config: %w", err)
	}
	return nil
}
