package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opspm/opspm/internal/spec"
)

// PostgresStore is the optional multi-host-capable checkpoint backend,
// selected by a "postgres://" DSN scheme (internal/store/factory.go).
type PostgresStore struct {
	pool   *pgxpool.Pool
	prefix string
}

// NewPostgresStore opens a pgx connection pool against dsn.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres checkpoint pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres checkpoint pool: %w", err)
	}
	return &PostgresStore{pool: pool, prefix: cfg.TablePrefix}, nil
}

func (s *PostgresStore) table() string {
	if s.prefix == "" {
		return "checkpoint_entries"
	}
	return s.prefix + "_checkpoint_entries"
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	spec_json JSONB NOT NULL,
	was_online BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table()))
	return err
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, entries []Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", s.table())); err != nil {
		return err
	}
	stmt := fmt.Sprintf("INSERT INTO %s (id, name, spec_json, was_online, updated_at) VALUES ($1, $2, $3, $4, $5)", s.table())
	for _, e := range entries {
		b, err := json.Marshal(e.Spec)
		if err != nil {
			return fmt.Errorf("marshal spec %q: %w", e.Spec.Name, err)
		}
		if _, err := tx.Exec(ctx, stmt, e.ID, e.Spec.Name, b, e.WasOnline, time.Now().UTC()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT id, spec_json, was_online, updated_at FROM %s", s.table()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var specJSON []byte
		if err := rows.Scan(&e.ID, &specJSON, &e.WasOnline, &e.UpdatedAt); err != nil {
			return nil, err
		}
		var sp spec.Spec
		if err := json.Unmarshal(specJSON, &sp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpointed spec: %w", err)
		}
		e.Spec = sp
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
