package risk

import (
	"grid_trader/internal/grid"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func guardConfig(takeProfitPct string) *grid.Config {
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
	if takeProfitPct != "" {
		tp := d(takeProfitPct)
		cfg.TakeProfitPct = &tp
	}
	return cfg
}

func TestGuardStopLoss(t *testing.T) {
	g := NewGuard(guardConfig(""))

	// Boundary is 120 * 0.90 = 108. Exactly on it does not fire.
	assert.Nil(t, g.Check(d("108")))
	assert.Nil(t, g.Check(d("135")))

	trig := g.Check(d("107.99"))
	require.NotNil(t, trig)
	assert.Equal(t, TriggerStopLoss, trig.Kind)
	assert.True(t, trig.Price.Equal(d("107.99")))
	assert.True(t, trig.Threshold.Equal(d("108")))
}

func TestGuardTakeProfit(t *testing.T) {
	g := NewGuard(guardConfig("0.05"))

	// Boundary is 150 * 1.05 = 157.5. Exactly on it does not fire.
	assert.Nil(t, g.Check(d("157.5")))

	trig := g.Check(d("157.51"))
	require.NotNil(t, trig)
	assert.Equal(t, TriggerTakeProfit, trig.Kind)
	assert.True(t, trig.Threshold.Equal(d("157.5")))
}

func TestGuardTakeProfitDisabled(t *testing.T) {
	g := NewGuard(guardConfig(""))

	assert.Nil(t, g.Check(d("1000000")))
}

func TestGuardStopLossWinsBelowBothBounds(t *testing.T) {
	// A zero-distance take-profit puts both boundaries inside the band; the
	// stop-loss check runs first.
	cfg := guardConfig("0")
	cfg.StopLossPct = d("0")
	g := NewGuard(cfg)

	trig := g.Check(d("100"))
	require.NotNil(t, trig)
	assert.Equal(t, TriggerStopLoss, trig.Kind)
}

func TestTriggerString(t *testing.T) {
	sl := &Trigger{Kind: TriggerStopLoss, Price: d("107.99"), Threshold: d("108")}
	assert.Equal(t, "stop-loss: price 107.99 below 108", sl.String())

	tp := &Trigger{Kind: TriggerTakeProfit, Price: d("157.51"), Threshold: d("157.5")}
	assert.Equal(t, "take-profit: price 157.51 above 157.5", tp.String())
}
