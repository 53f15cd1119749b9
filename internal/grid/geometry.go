package grid

import (
	"fmt"
	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// powPrecision is the decimal precision used for the geometric spacing
// exponentiation before prices are rounded to the tick size.
const powPrecision = 16

// BuildLevels derives the num_grids+1 price levels of the grid, lowest first.
// Level 0 sits exactly on lower_price and the last level exactly on
// upper_price. Prices are rounded to the symbol tick size with banker's
// rounding; quantities are rounded down to the lot step. A level whose
// notional falls below the exchange minimum is returned inactive. If tick
// rounding collapses two adjacent levels the configuration is rejected.
func BuildLevels(cfg *Config, rules core.SymbolRules) ([]*Level, error) {
	if !rules.TickSize.IsPositive() {
		return nil, fmt.Errorf("symbol rules for %s: tick size must be positive", cfg.Symbol)
	}
	if !rules.LotStep.IsPositive() {
		return nil, fmt.Errorf("symbol rules for %s: lot step must be positive", cfg.Symbol)
	}

	prices, err := levelPrices(cfg)
	if err != nil {
		return nil, err
	}

	perLevelQuote := cfg.InvestableAmount().Div(decimal.NewFromInt(int64(cfg.NumGrids)))

	levels := make([]*Level, 0, len(prices))
	for i, raw := range prices {
		price := roundToTick(raw, rules.TickSize)
		if i > 0 && price.LessThanOrEqual(levels[i-1].Price) {
			return nil, fmt.Errorf("%w: tick rounding collapses levels %d and %d at %s",
				apperrors.ErrConfigInfeasible, i-1, i, price)
		}

		quantity := roundToLot(perLevelQuote.Div(price), rules.LotStep)
		active := quantity.IsPositive() && price.Mul(quantity).GreaterThanOrEqual(rules.MinNotional)

		levels = append(levels, &Level{
			Index:    i,
			Price:    price,
			Quantity: quantity,
			Active:   active,
		})
	}
	return levels, nil
}

func levelPrices(cfg *Config) ([]decimal.Decimal, error) {
	n := int64(cfg.NumGrids)
	prices := make([]decimal.Decimal, 0, n+1)

	for i := int64(0); i <= n; i++ {
		// Bounds are exact regardless of spacing mode.
		if i == 0 {
			prices = append(prices, cfg.LowerPrice)
			continue
		}
		if i == n {
			prices = append(prices, cfg.UpperPrice)
			continue
		}

		var price decimal.Decimal
		switch cfg.SpacingMode {
		case SpacingArithmetic:
			span := cfg.UpperPrice.Sub(cfg.LowerPrice)
			price = cfg.LowerPrice.Add(span.Mul(decimal.NewFromInt(i)).Div(decimal.NewFromInt(n)))
		case SpacingGeometric:
			ratio := cfg.UpperPrice.Div(cfg.LowerPrice)
			exponent := decimal.NewFromInt(i).Div(decimal.NewFromInt(n))
			factor, err := ratio.PowWithPrecision(exponent, powPrecision)
			if err != nil {
				return nil, fmt.Errorf("%w: geometric spacing: %v", apperrors.ErrConfigInfeasible, err)
			}
			price = cfg.LowerPrice.Mul(factor)
		default:
			return nil, fmt.Errorf("%w: unknown spacing_mode %q", apperrors.ErrConfigInfeasible, cfg.SpacingMode)
		}
		prices = append(prices, price)
	}
	return prices, nil
}

// roundToTick snaps a price onto the exchange tick grid using banker's
// rounding, which keeps arithmetic grids symmetric around midpoints.
func roundToTick(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).RoundBank(0).Mul(tick)
}

// roundToLot rounds a quantity down to the exchange lot step. Rounding down
// keeps the committed notional within the per-level budget.
func roundToLot(qty, step decimal.Decimal) decimal.Decimal {
	return qty.Div(step).RoundDown(0).Mul(step)
}
