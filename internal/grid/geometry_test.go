package grid

import (
	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func solConfig(mode SpacingMode) *Config {
	return &Config{
		Symbol:          "SOLUSDT",
		LowerPrice:      d("120"),
		UpperPrice:      d("150"),
		NumGrids:        6,
		TotalInvestment: d("45"),
		SpacingMode:     mode,
		StopLossPct:     d("0.10"),
		ReserveFraction: d("0.20"),
	}
}

func solRules() core.SymbolRules {
	return core.SymbolRules{
		Symbol:      "SOLUSDT",
		BaseAsset:   "SOL",
		QuoteAsset:  "USDT",
		TickSize:    d("0.01"),
		LotStep:     d("0.001"),
		MinNotional: d("5"),
	}
}

func TestBuildLevelsArithmetic(t *testing.T) {
	levels, err := BuildLevels(solConfig(SpacingArithmetic), solRules())
	require.NoError(t, err)
	require.Len(t, levels, 7)

	wantPrices := []string{"120", "125", "130", "135", "140", "145", "150"}
	wantQtys := []string{"0.05", "0.048", "0.046", "0.044", "0.042", "0.041", "0.04"}
	for i, l := range levels {
		assert.Equal(t, i, l.Index)
		assert.True(t, l.Price.Equal(d(wantPrices[i])), "level %d price: got %s, want %s", i, l.Price, wantPrices[i])
		assert.True(t, l.Quantity.Equal(d(wantQtys[i])), "level %d quantity: got %s, want %s", i, l.Quantity, wantQtys[i])
		assert.True(t, l.Active, "level %d should be active", i)
	}
}

func TestBuildLevelsGeometric(t *testing.T) {
	levels, err := BuildLevels(solConfig(SpacingGeometric), solRules())
	require.NoError(t, err)
	require.Len(t, levels, 7)

	// 120 * 1.25^(i/6), rounded to the 0.01 tick. Bounds are exact.
	wantPrices := []string{"120", "124.55", "129.27", "134.16", "139.25", "144.52", "150"}
	for i, l := range levels {
		assert.True(t, l.Price.Equal(d(wantPrices[i])), "level %d price: got %s, want %s", i, l.Price, wantPrices[i])
	}
}

func TestBuildLevelsBoundsAreExact(t *testing.T) {
	cfg := solConfig(SpacingGeometric)
	cfg.LowerPrice = d("119.99")
	cfg.UpperPrice = d("150.01")
	levels, err := BuildLevels(cfg, solRules())
	require.NoError(t, err)
	assert.True(t, levels[0].Price.Equal(d("119.99")))
	assert.True(t, levels[len(levels)-1].Price.Equal(d("150.01")))
}

func TestBuildLevelsBankersRounding(t *testing.T) {
	cfg := &Config{
		Symbol:          "TESTUSDT",
		LowerPrice:      d("100"),
		UpperPrice:      d("101"),
		NumGrids:        4,
		TotalInvestment: d("1000"),
		SpacingMode:     SpacingArithmetic,
		ReserveFraction: d("0.20"),
	}
	rules := core.SymbolRules{Symbol: "TESTUSDT", TickSize: d("0.1"), LotStep: d("0.001"), MinNotional: d("1")}

	levels, err := BuildLevels(cfg, rules)
	require.NoError(t, err)

	// Raw prices 100.25 and 100.75 sit on half-tick boundaries: banker's
	// rounding sends them to the even neighbours 100.2 and 100.8.
	wantPrices := []string{"100", "100.2", "100.5", "100.8", "101"}
	for i, l := range levels {
		assert.True(t, l.Price.Equal(d(wantPrices[i])), "level %d price: got %s, want %s", i, l.Price, wantPrices[i])
	}
}

func TestBuildLevelsRejectsCollapsedLevels(t *testing.T) {
	cfg := &Config{
		Symbol:          "TESTUSDT",
		LowerPrice:      d("100"),
		UpperPrice:      d("100.3"),
		NumGrids:        3,
		TotalInvestment: d("1000"),
		SpacingMode:     SpacingArithmetic,
		ReserveFraction: d("0.20"),
	}
	rules := core.SymbolRules{Symbol: "TESTUSDT", TickSize: d("1"), LotStep: d("0.001"), MinNotional: d("1")}

	_, err := BuildLevels(cfg, rules)
	assert.ErrorIs(t, err, apperrors.ErrConfigInfeasible)
}

func TestBuildLevelsMinNotionalMarksInactive(t *testing.T) {
	rules := solRules()
	rules.MinNotional = d("6")

	levels, err := BuildLevels(solConfig(SpacingArithmetic), rules)
	require.NoError(t, err)

	// 6 USDT per level buys exactly the minimum at the bounds; the middle
	// levels lose notional to lot rounding and drop below it.
	wantActive := []bool{true, true, false, false, false, false, true}
	for i, l := range levels {
		assert.Equal(t, wantActive[i], l.Active, "level %d active: price %s qty %s", i, l.Price, l.Quantity)
	}
}

func TestBuildLevelsZeroQuantityInactive(t *testing.T) {
	rules := solRules()
	rules.LotStep = d("0.1") // larger than any affordable quantity

	levels, err := BuildLevels(solConfig(SpacingArithmetic), rules)
	require.NoError(t, err)
	for _, l := range levels {
		assert.True(t, l.Quantity.IsZero())
		assert.False(t, l.Active)
	}
}

func TestBuildLevelsRequiresRules(t *testing.T) {
	_, err := BuildLevels(solConfig(SpacingArithmetic), core.SymbolRules{Symbol: "SOLUSDT"})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := solConfig(SpacingArithmetic)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty symbol", func(c *Config) { c.Symbol = "" }},
		{"inverted bounds", func(c *Config) { c.LowerPrice = d("150"); c.UpperPrice = d("120") }},
		{"equal bounds", func(c *Config) { c.UpperPrice = c.LowerPrice }},
		{"too few grids", func(c *Config) { c.NumGrids = 2 }},
		{"too many grids", func(c *Config) { c.NumGrids = 101 }},
		{"zero investment", func(c *Config) { c.TotalInvestment = decimal.Zero }},
		{"bad spacing", func(c *Config) { c.SpacingMode = "logarithmic" }},
		{"negative stop loss", func(c *Config) { c.StopLossPct = d("-0.1") }},
		{"stop loss at one", func(c *Config) { c.StopLossPct = d("1") }},
		{"reserve at one", func(c *Config) { c.ReserveFraction = d("1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := solConfig(SpacingArithmetic)
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), apperrors.ErrConfigInfeasible)
		})
	}
}

func TestConfigTriggerPrices(t *testing.T) {
	cfg := solConfig(SpacingArithmetic)
	assert.True(t, cfg.StopLossPrice().Equal(d("108")))
	assert.Nil(t, cfg.TakeProfitPrice())

	tp := d("0.05")
	cfg.TakeProfitPct = &tp
	require.NotNil(t, cfg.TakeProfitPrice())
	assert.True(t, cfg.TakeProfitPrice().Equal(d("157.5")))
}
