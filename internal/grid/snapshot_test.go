package grid

import (
	"encoding/json"
	apperrors "grid_trader/pkg/errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotFixture(t *testing.T) *State {
	t.Helper()
	cfg := solConfig(SpacingGeometric)
	tp := d("0.05")
	cfg.TakeProfitPct = &tp

	levels, err := BuildLevels(cfg, solRules())
	require.NoError(t, err)
	s := NewState("deadbeef", cfg, levels)

	// Exercise every persisted field shape: an open buy, held inventory
	// with a bound sell, a completed cycle, and a retry flag.
	_, err = s.NextEpoch(0)
	require.NoError(t, err)
	require.NoError(t, s.BindBuy(0, 1001, "ct-deadbeef-0-B-1"))

	_, err = s.NextEpoch(1)
	require.NoError(t, err)
	require.NoError(t, s.BindBuy(1, 1002, "ct-deadbeef-1-B-1"))
	require.NoError(t, s.RecordBuyFill(1, d("124.55"), d("0.048"), d("0.005")))
	_, err = s.NextEpoch(1)
	require.NoError(t, err)
	require.NoError(t, s.BindSell(1, 1003, "ct-deadbeef-1-S-2"))

	require.NoError(t, s.BindBuy(2, 1004, "ct-deadbeef-2-B-1"))
	require.NoError(t, s.RecordBuyFill(2, d("129.27"), d("0.046"), d("0")))
	require.NoError(t, s.BindSell(2, 1005, "ct-deadbeef-2-S-1"))
	require.NoError(t, s.RecordSellFill(2, d("134.16"), d("0.046"), d("0.006")))

	require.NoError(t, s.MarkNeedsRetry(3, true))
	require.NoError(t, s.SetStatus(StatusRunning))
	s.UpdateLastPrice(d("131.07"))
	s.Version = 17
	s.UpdatedAt = time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := snapshotFixture(t)
	snap := s.ToSnapshot()

	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored, err := decoded.Restore()
	require.NoError(t, err)

	assert.Equal(t, snap, restored.ToSnapshot())
	assert.Equal(t, s.InstanceID, restored.InstanceID)
	assert.Equal(t, s.Status, restored.Status)
	assert.Equal(t, s.Version, restored.Version)
	assert.True(t, restored.LastKnownPrice.Equal(d("131.07")))
	assert.True(t, restored.Stats.TotalProfit.Equal(s.Stats.TotalProfit))
	assert.Equal(t, int64(1), restored.Stats.CompletedCycles)

	require.NotNil(t, restored.Config.TakeProfitPct)
	assert.True(t, restored.Config.TakeProfitPct.Equal(d("0.05")))

	l1 := restored.Levels[1]
	assert.Equal(t, int64(1003), l1.SellOrderID)
	assert.Equal(t, "ct-deadbeef-1-S-2", l1.SellClientID)
	assert.True(t, l1.FilledBuy)
	assert.True(t, l1.LastBuyFillPrice.Equal(d("124.55")))
	assert.True(t, l1.LastBuyFillFee.Equal(d("0.005")))
	assert.True(t, l1.FilledQuantity.Equal(d("0.048")))
	assert.Equal(t, uint64(2), l1.PlacementEpoch)
	assert.True(t, restored.Levels[3].NeedsRetry)

	require.NoError(t, restored.CheckInvariants())
}

func TestSnapshotWithoutTakeProfit(t *testing.T) {
	cfg := solConfig(SpacingArithmetic)
	levels, err := BuildLevels(cfg, solRules())
	require.NoError(t, err)
	s := NewState("deadbeef", cfg, levels)

	restored, err := s.ToSnapshot().Restore()
	require.NoError(t, err)
	assert.Nil(t, restored.Config.TakeProfitPct)
}

func TestSnapshotRefusesOtherSchemaVersions(t *testing.T) {
	s := snapshotFixture(t)

	newer := s.ToSnapshot()
	newer.Version = SchemaVersion + 1
	_, err := newer.Restore()
	assert.ErrorIs(t, err, apperrors.ErrSnapshotVersion)

	zero := s.ToSnapshot()
	zero.Version = 0
	_, err = zero.Restore()
	assert.ErrorIs(t, err, apperrors.ErrSnapshotVersion)
}

func TestSnapshotRejectsCorruptDocuments(t *testing.T) {
	s := snapshotFixture(t)

	bad := s.ToSnapshot()
	bad.GridLevels[0].Price = "not-a-number"
	_, err := bad.Restore()
	assert.Error(t, err)

	bad = s.ToSnapshot()
	bad.Status = "Paused"
	_, err = bad.Restore()
	assert.Error(t, err)

	bad = s.ToSnapshot()
	bad.InstanceID = ""
	_, err = bad.Restore()
	assert.Error(t, err)

	bad = s.ToSnapshot()
	bad.GridLevels = bad.GridLevels[1:] // breaks index contiguity
	_, err = bad.Restore()
	assert.Error(t, err)

	bad = s.ToSnapshot()
	bad.Config.NumGrids = 1 // infeasible config must not load
	_, err = bad.Restore()
	assert.Error(t, err)
}

func TestSnapshotOrdersLevelsByIndex(t *testing.T) {
	s := snapshotFixture(t)
	snap := s.ToSnapshot()

	// Shuffle the persisted array; Restore must rebuild by index.
	snap.GridLevels[0], snap.GridLevels[4] = snap.GridLevels[4], snap.GridLevels[0]

	restored, err := snap.Restore()
	require.NoError(t, err)
	for i, l := range restored.Levels {
		assert.Equal(t, i, l.Index)
	}
}
