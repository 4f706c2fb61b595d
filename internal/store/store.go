// Package store persists the registry's checkpoint: a durable record of
// ProcessSpecs used to re-seed the registry after a daemon restart
// (spec.md §6.3, §9 "Checkpoint semantics"). The checkpoint is a hint, not
// a source of truth for runtime state — on daemon start, reality (no live
// children) takes precedence.
package store

import (
	"context"
	"time"

	"github.com/opspm/opspm/internal/spec"
)

// Entry is one persisted registry row: a spec plus whether it was Online
// the last time a checkpoint was written.
type Entry struct {
	ID        int64
	Spec      spec.Spec
	WasOnline bool
	UpdatedAt time.Time
}

// Store is a pluggable persistence interface for the registry checkpoint.
// Implementations must support atomic replacement and be safe for
// concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// SaveCheckpoint atomically replaces the persisted entry set.
	SaveCheckpoint(ctx context.Context, entries []Entry) error
	// LoadCheckpoint returns the last saved entry set.
	LoadCheckpoint(ctx context.Context) ([]Entry, error)
	Close() error
}

// Config selects and tunes a Store backend.
type Config struct {
	Driver       string // "sqlite" (default) or "postgres"
	DSN          string // sqlite path, or postgres connection string
	MaxOpenConns int
	TablePrefix  string
}

func (c Config) valOr(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
