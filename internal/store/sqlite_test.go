package store

import (
	"context"
	"testing"

	"github.com/opspm/opspm/internal/spec"
)

func TestSQLiteCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(Config{})
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	defer s.Close()

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	entries := []Entry{
		{ID: 1, Spec: spec.Spec{Name: "api", Mode: spec.ModeRawCommand, Argv: []string{"sleep", "60"}}, WasOnline: true},
		{ID: 2, Spec: spec.Spec{Name: "worker", Mode: spec.ModeRawCommand, Argv: []string{"sleep", "60"}}, WasOnline: false},
	}
	if err := s.SaveCheckpoint(ctx, entries); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	got, err := s.LoadCheckpoint(ctx)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}

	// SaveCheckpoint must atomically replace the prior set.
	if err := s.SaveCheckpoint(ctx, entries[:1]); err != nil {
		t.Fatalf("save smaller checkpoint: %v", err)
	}
	got, err = s.LoadCheckpoint(ctx)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected checkpoint replacement to drop the old entry, got %d entries", len(got))
	}
}
