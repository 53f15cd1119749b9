package store

import (
	"context"
	"grid_trader/internal/core"
	"grid_trader/internal/grid"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testSnapshot(t *testing.T, version uint64) *grid.Snapshot {
	t.Helper()
	cfg := &grid.Config{
		Symbol:          "SOLUSDT",
		LowerPrice:      d("120"),
		UpperPrice:      d("150"),
		NumGrids:        6,
		TotalInvestment: d("45"),
		SpacingMode:     grid.SpacingArithmetic,
		StopLossPct:     d("0.10"),
		ReserveFraction: d("0.20"),
	}
	rules := core.SymbolRules{
		Symbol:      "SOLUSDT",
		TickSize:    d("0.01"),
		LotStep:     d("0.001"),
		MinNotional: d("5"),
	}
	levels, err := grid.BuildLevels(cfg, rules)
	require.NoError(t, err)

	s := grid.NewState("feedc0de", cfg, levels)
	require.NoError(t, s.BindBuy(0, 1001, "ct-feedc0de-0-B-1"))
	s.Version = version
	s.UpdatedAt = time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	return s.ToSnapshot()
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "grid.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	snap := testSnapshot(t, 3)

	require.NoError(t, s.Save(ctx, snap))
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap, loaded)

	restored, err := loaded.Restore()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), restored.Version)
}

func TestFileStoreLoadEmpty(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "grid.json"))
	require.NoError(t, err)

	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestFileStoreRetainsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testSnapshot(t, 1)))
	require.NoError(t, s.Save(ctx, testSnapshot(t, 2)))

	// Primary holds the latest version, .bak the previous one.
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.MonotoneVersion)

	bak, err := s.readSnapshot(s.bakPath())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bak.MonotoneVersion)
}

func TestFileStoreFallsBackToBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testSnapshot(t, 1)))
	require.NoError(t, s.Save(ctx, testSnapshot(t, 2)))

	// Truncated primary simulates a torn write; Load must serve the backup.
	require.NoError(t, os.WriteFile(path, []byte(`{"version":`), 0o644))
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(1), loaded.MonotoneVersion)

	// A missing primary (crash between the two renames) behaves the same.
	require.NoError(t, os.Remove(path))
	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(1), loaded.MonotoneVersion)
}

func TestFileStoreCorruptWithoutBackupFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testSnapshot(t, 1)))
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err = s.Load(ctx)
	assert.Error(t, err)
}

func TestFileStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testSnapshot(t, 1)))
	require.NoError(t, s.Save(ctx, testSnapshot(t, 2)))
	require.NoError(t, s.Delete(ctx))

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = os.Stat(s.bakPath())
	assert.True(t, os.IsNotExist(err))
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "grid.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	snap := testSnapshot(t, 7)

	require.NoError(t, s.Save(ctx, snap))
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap, loaded)
}

func TestSQLiteStoreLoadEmpty(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSQLiteStoreWALMode(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	defer s.Close()

	var journalMode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
}

func TestSQLiteStoreChecksumValidation(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, testSnapshot(t, 1)))

	_, err = s.db.Exec(`UPDATE snapshot SET data = '{"corrupt": "data"}' WHERE id = 1`)
	require.NoError(t, err)

	_, err = s.Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestSQLiteStoreSingleRow(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, testSnapshot(t, 1)))
	require.NoError(t, s.Save(ctx, testSnapshot(t, 2)))

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM snapshot").Scan(&count))
	assert.Equal(t, 1, count)

	// The id CHECK rejects any second row.
	_, err = s.db.Exec("INSERT INTO snapshot (id, data, checksum, updated_at) VALUES (2, '{}', X'00', 0)")
	assert.Error(t, err)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.MonotoneVersion)
}

func TestSQLiteStoreDelete(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, testSnapshot(t, 1)))
	require.NoError(t, s.Delete(ctx))

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	want := testSnapshot(t, 4)
	require.NoError(t, s.Save(ctx, want))
	snap, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, snap)

	require.NoError(t, s.Delete(ctx))
	snap, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestNewSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	fs, err := New("file", filepath.Join(dir, "grid.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, fs)

	ss, err := New("sqlite", filepath.Join(dir, "grid.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, ss)
	ss.Close()

	ms, err := New("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, ms)

	_, err = New("redis", "")
	assert.Error(t, err)
}
