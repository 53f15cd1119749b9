package store

import (
	"context"
	"encoding/json"
	"fmt"
	"grid_trader/internal/grid"
	"os"
	"path/filepath"
)

// FileStore keeps the snapshot as a JSON document. Writes go to a temp file
// in the same directory followed by renames, so the snapshot on disk is
// always either the previous or the new complete document. The previous
// version is kept as a .bak and used as a fallback when the primary file is
// missing or unreadable.
type FileStore struct {
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) bakPath() string { return s.path + ".bak" }
func (s *FileStore) tmpPath() string { return s.path + ".tmp" }

func (s *FileStore) Save(ctx context.Context, snap *grid.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Validate JSON (round-trip test)
	var testSnap grid.Snapshot
	if err := json.Unmarshal(data, &testSnap); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	tmp := s.tmpPath()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	// Keep the previous version as .bak, then move the new document into
	// place. Both steps are single renames; a crash between them leaves the
	// .bak for Load to fall back on.
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.bakPath()); err != nil {
			return fmt.Errorf("failed to retain snapshot backup: %w", err)
		}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (*grid.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap, primaryErr := s.readSnapshot(s.path)
	if primaryErr == nil {
		return snap, nil
	}

	bak, bakErr := s.readSnapshot(s.bakPath())
	if bakErr == nil {
		return bak, nil
	}

	if os.IsNotExist(primaryErr) && os.IsNotExist(bakErr) {
		// No snapshot has ever been written.
		return nil, nil
	}
	return nil, fmt.Errorf("failed to load snapshot from %s: %w", s.path, primaryErr)
}

func (s *FileStore) readSnapshot(path string) (*grid.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap grid.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot document: %w", err)
	}
	return &snap, nil
}

func (s *FileStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range []string{s.path, s.bakPath(), s.tmpPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete snapshot %s: %w", p, err)
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
