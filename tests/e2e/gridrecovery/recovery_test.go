package gridrecovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"grid_trader/internal/core"
	"grid_trader/internal/grid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A buy fills while no engine process is alive. The successor must find the
// filled phantom during startup reconciliation, credit the fill, and place
// the counter-order the dead process never got to.
func TestFillWhileDownPlacesCounterOrder(t *testing.T) {
	ex, st := newWorld(t, "file", filepath.Join(t.TempDir(), "grid_state.json"))

	a := boot(t, ex, st, nil)
	a.waitStatus(grid.StatusRunning)
	inst := a.status().InstanceID
	buy := a.waitLevelSide(0, core.OrderSideBuy)
	a.kill()

	// The venue keeps trading while the process is dead.
	ex.SimulateOrderFill(buy.OrderID, d("120"), d("0.05"), d("0.006"))

	b := boot(t, ex, st, nil)
	b.waitStatus(grid.StatusRunning)
	b.waitLevelSide(0, core.OrderSideSell)

	s := b.status()
	assert.Equal(t, inst, s.InstanceID)
	assert.True(t, s.Levels[0].HoldsFill)

	// The counter-order carries the next placement epoch for the level.
	sell := ex.OrderByClientID(core.FormatClientOrderID(inst, 0, core.OrderSideSell, 2))
	require.NotNil(t, sell)
	assert.True(t, sell.Price.Equal(d("125")), "sell price %s", sell.Price)
	assert.True(t, sell.Quantity.Equal(d("0.05")), "sell qty %s", sell.Quantity)
	assert.Equal(t, core.OrderStatusNew, sell.Status)
}

// The snapshot on disk lags the venue: it predates a fill the dead process
// recorded and the counter-order it placed. Reconciliation must re-credit
// the fill from the venue's order state and adopt the counter-order instead
// of double-placing it.
func TestStaleSnapshotConvergesOnVenueTruth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid_state.json")
	ex, st := newWorld(t, "file", path)

	a := boot(t, ex, st, nil)
	a.waitStatus(grid.StatusRunning)
	inst := a.status().InstanceID
	buy := a.waitLevelSide(0, core.OrderSideBuy)

	// Preserve the snapshot as of "all buys open, nothing filled".
	stale, err := os.ReadFile(path)
	require.NoError(t, err)

	// The fill and its counter-order happen, then the process dies and its
	// last persisted writes are lost.
	ex.SimulateOrderFill(buy.OrderID, d("120"), d("0.05"), d("0.006"))
	a.waitLevelSide(0, core.OrderSideSell)
	a.kill()
	require.NoError(t, os.WriteFile(path, stale, 0o600))

	placeCalls := ex.PlaceCalls()
	b := boot(t, ex, st, nil)
	b.waitStatus(grid.StatusRunning)

	s := b.status()
	assert.Equal(t, inst, s.InstanceID)
	assert.Equal(t, string(core.OrderSideSell), s.Levels[0].Side)
	assert.True(t, s.Levels[0].HoldsFill)
	assert.Equal(t, 3, s.OpenBuys)
	assert.Equal(t, 1, s.OpenSells)

	// Everything was recovered by adoption; nothing was re-placed.
	assert.Equal(t, placeCalls, ex.PlaceCalls())

	// The recovered grid is live: the sell fills and the level re-arms.
	sellID := s.Levels[0].OrderID
	ex.SimulateOrderFill(sellID, d("125"), d("0.05"), d("0.00625"))
	require.Eventually(t, func() bool {
		st := b.status()
		return st.CompletedCycles == 1 && st.Levels[0].Side == string(core.OrderSideBuy)
	}, 5*time.Second, 10*time.Millisecond)

	s = b.status()
	assert.True(t, s.TotalProfit.Equal(d("0.23775")), "profit %s", s.TotalProfit)
	assert.True(t, s.TotalFees.Equal(d("0.01225")), "fees %s", s.TotalFees)

	rebuy := ex.OrderByClientID(core.FormatClientOrderID(inst, 0, core.OrderSideBuy, 3))
	require.NotNil(t, rebuy)
	assert.True(t, rebuy.Price.Equal(d("120")))
}

// Restart after a clean stop with cancel-on-exit disabled: the successor
// adopts its open orders from the snapshot and places nothing new.
func TestRestartAdoptsOpenOrders(t *testing.T) {
	ex, st := newWorld(t, "file", filepath.Join(t.TempDir(), "grid_state.json"))

	a := boot(t, ex, st, nil)
	a.waitStatus(grid.StatusRunning)
	inst := a.status().InstanceID
	a.kill()

	placeCalls := ex.PlaceCalls()
	b := boot(t, ex, st, nil)
	b.waitStatus(grid.StatusRunning)

	s := b.status()
	assert.Equal(t, inst, s.InstanceID)
	assert.Equal(t, 4, s.OpenBuys)
	assert.Equal(t, placeCalls, ex.PlaceCalls())

	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, string(grid.StatusRunning), snap.Status)
}
