// Package store persists grid snapshots. Each strategy instance owns one
// store location; Save replaces the previous snapshot atomically so a crash
// never leaves a half-written document behind.
package store

import (
	"context"
	"fmt"
	"grid_trader/internal/grid"
)

// Store is the snapshot persistence contract used by the engine.
type Store interface {
	// Save atomically replaces the stored snapshot.
	Save(ctx context.Context, snap *grid.Snapshot) error
	// Load returns the stored snapshot, or (nil, nil) when none exists.
	Load(ctx context.Context) (*grid.Snapshot, error)
	// Delete removes the stored snapshot. Used by operator teardown.
	Delete(ctx context.Context) error
	Close() error
}

// New builds a store from its configured backend name.
func New(backend, path string) (Store, error) {
	switch backend {
	case "file":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
