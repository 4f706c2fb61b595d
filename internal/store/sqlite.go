package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opspm/opspm/internal/spec"
)

// SQLiteStore is the default checkpoint backend: pure Go, no cgo, grounded
// on the teacher's internal/store/sqlite.go connection-pool conventions.
type SQLiteStore struct {
	db     *sql.DB
	prefix string
}

// NewSQLiteStore opens (or creates) the checkpoint database at path. An
// empty path opens an in-memory database, useful for tests.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	path := cfg.DSN
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(cfg.valOr(cfg.MaxOpenConns, 1))
	s := &SQLiteStore{db: db, prefix: cfg.TablePrefix}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite checkpoint db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) table() string {
	if s.prefix == "" {
		return "checkpoint_entries"
	}
	return s.prefix + "_checkpoint_entries"
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	spec_json TEXT NOT NULL,
	was_online INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
)`, s.table()))
	return err
}

// SaveCheckpoint atomically replaces the persisted entry set inside one
// transaction: delete-then-insert gives the "atomic replacement" property
// spec.md §6.3 requires of state.db.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table())); err != nil {
		return err
	}
	stmt := fmt.Sprintf("INSERT INTO %s (id, name, spec_json, was_online, updated_at) VALUES (?, ?, ?, ?, ?)", s.table())
	for _, e := range entries {
		b, err := json.Marshal(e.Spec)
		if err != nil {
			return fmt.Errorf("marshal spec %q: %w", e.Spec.Name, err)
		}
		online := 0
		if e.WasOnline {
			online = 1
		}
		if _, err := tx.ExecContext(ctx, stmt, e.ID, e.Spec.Name, string(b), online, time.Now().UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT id, spec_json, was_online, updated_at FROM %s", s.table()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var specJSON string
		var online int
		if err := rows.Scan(&e.ID, &specJSON, &online, &e.UpdatedAt); err != nil {
			return nil, err
		}
		var sp spec.Spec
		if err := json.Unmarshal([]byte(specJSON), &sp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpointed spec: %w", err)
		}
		e.Spec = sp
		e.WasOnline = online != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
