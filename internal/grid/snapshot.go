package grid

import (
	"fmt"
	apperrors "grid_trader/pkg/errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is the snapshot document version this build reads and
// writes. Loading a snapshot with a different version is refused.
const SchemaVersion = 1

// Snapshot is the persisted form of State. All decimals are serialized as
// strings to preserve exact precision across the round trip.
type Snapshot struct {
	Version         int             `json:"version"`
	InstanceID      string          `json:"instance_id"`
	Config          SnapshotConfig  `json:"config"`
	GridLevels      []SnapshotLevel `json:"grid_levels"`
	Statistics      SnapshotStats   `json:"statistics"`
	Status          string          `json:"status"`
	LastKnownPrice  string          `json:"last_known_price"`
	MonotoneVersion uint64          `json:"monotone_version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SnapshotConfig mirrors Config with string decimals.
type SnapshotConfig struct {
	Symbol          string `json:"symbol"`
	LowerPrice      string `json:"lower_price"`
	UpperPrice      string `json:"upper_price"`
	NumGrids        int    `json:"num_grids"`
	TotalInvestment string `json:"total_investment"`
	SpacingMode     string `json:"spacing_mode"`
	StopLossPct     string `json:"stop_loss_pct"`
	TakeProfitPct   string `json:"take_profit_pct,omitempty"`
	ReserveFraction string `json:"reserve_fraction"`
}

// SnapshotLevel mirrors Level with string decimals.
type SnapshotLevel struct {
	Index            int    `json:"index"`
	Price            string `json:"price"`
	Quantity         string `json:"quantity"`
	Active           bool   `json:"active"`
	BuyOrderID       int64  `json:"buy_order_id,omitempty"`
	BuyClientID      string `json:"buy_client_id,omitempty"`
	SellOrderID      int64  `json:"sell_order_id,omitempty"`
	SellClientID     string `json:"sell_client_id,omitempty"`
	FilledBuy        bool   `json:"filled_buy"`
	LastBuyFillPrice string `json:"last_buy_fill_price,omitempty"`
	LastBuyFillFee   string `json:"last_buy_fill_fee,omitempty"`
	FilledQuantity   string `json:"filled_quantity,omitempty"`
	PlacementEpoch   uint64 `json:"placement_epoch"`
	NeedsRetry       bool   `json:"needs_retry,omitempty"`
}

// SnapshotStats mirrors Statistics with string decimals.
type SnapshotStats struct {
	TotalProfit     string `json:"total_profit"`
	TotalFees       string `json:"total_fees"`
	CompletedCycles int64  `json:"completed_cycles"`
	LastTickPrice   string `json:"last_tick_price"`
}

// ToSnapshot converts the state into its persisted form. The monotone
// version is copied as-is; the engine bumps it before every persist.
func (s *State) ToSnapshot() *Snapshot {
	snap := &Snapshot{
		Version:    SchemaVersion,
		InstanceID: s.InstanceID,
		Config: SnapshotConfig{
			Symbol:          s.Config.Symbol,
			LowerPrice:      s.Config.LowerPrice.String(),
			UpperPrice:      s.Config.UpperPrice.String(),
			NumGrids:        s.Config.NumGrids,
			TotalInvestment: s.Config.TotalInvestment.String(),
			SpacingMode:     string(s.Config.SpacingMode),
			StopLossPct:     s.Config.StopLossPct.String(),
			ReserveFraction: s.Config.ReserveFraction.String(),
		},
		GridLevels: make([]SnapshotLevel, 0, len(s.Levels)),
		Statistics: SnapshotStats{
			TotalProfit:     s.Stats.TotalProfit.String(),
			TotalFees:       s.Stats.TotalFees.String(),
			CompletedCycles: s.Stats.CompletedCycles,
			LastTickPrice:   s.Stats.LastTickPrice.String(),
		},
		Status:          string(s.Status),
		LastKnownPrice:  s.LastKnownPrice.String(),
		MonotoneVersion: s.Version,
		UpdatedAt:       s.UpdatedAt,
	}
	if s.Config.TakeProfitPct != nil {
		snap.Config.TakeProfitPct = s.Config.TakeProfitPct.String()
	}
	for _, l := range s.Levels {
		sl := SnapshotLevel{
			Index:          l.Index,
			Price:          l.Price.String(),
			Quantity:       l.Quantity.String(),
			Active:         l.Active,
			BuyOrderID:     l.BuyOrderID,
			BuyClientID:    l.BuyClientID,
			SellOrderID:    l.SellOrderID,
			SellClientID:   l.SellClientID,
			FilledBuy:      l.FilledBuy,
			PlacementEpoch: l.PlacementEpoch,
			NeedsRetry:     l.NeedsRetry,
		}
		if !l.LastBuyFillPrice.IsZero() {
			sl.LastBuyFillPrice = l.LastBuyFillPrice.String()
		}
		if !l.LastBuyFillFee.IsZero() {
			sl.LastBuyFillFee = l.LastBuyFillFee.String()
		}
		if !l.FilledQuantity.IsZero() {
			sl.FilledQuantity = l.FilledQuantity.String()
		}
		snap.GridLevels = append(snap.GridLevels, sl)
	}
	return snap
}

// Restore rebuilds State from a persisted snapshot. Snapshots written by a
// different schema version are refused so an old build never misreads a
// newer document.
func (snap *Snapshot) Restore() (*State, error) {
	if snap.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: snapshot schema version %d, this build reads %d",
			apperrors.ErrSnapshotVersion, snap.Version, SchemaVersion)
	}
	if snap.InstanceID == "" {
		return nil, fmt.Errorf("snapshot missing instance id")
	}

	cfg := &Config{
		Symbol:      snap.Config.Symbol,
		NumGrids:    snap.Config.NumGrids,
		SpacingMode: SpacingMode(snap.Config.SpacingMode),
	}
	var err error
	if cfg.LowerPrice, err = parseDecimal("config.lower_price", snap.Config.LowerPrice); err != nil {
		return nil, err
	}
	if cfg.UpperPrice, err = parseDecimal("config.upper_price", snap.Config.UpperPrice); err != nil {
		return nil, err
	}
	if cfg.TotalInvestment, err = parseDecimal("config.total_investment", snap.Config.TotalInvestment); err != nil {
		return nil, err
	}
	if cfg.StopLossPct, err = parseDecimal("config.stop_loss_pct", snap.Config.StopLossPct); err != nil {
		return nil, err
	}
	if cfg.ReserveFraction, err = parseDecimal("config.reserve_fraction", snap.Config.ReserveFraction); err != nil {
		return nil, err
	}
	if snap.Config.TakeProfitPct != "" {
		tp, err := parseDecimal("config.take_profit_pct", snap.Config.TakeProfitPct)
		if err != nil {
			return nil, err
		}
		cfg.TakeProfitPct = &tp
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot config: %w", err)
	}

	levels := make([]*Level, 0, len(snap.GridLevels))
	for _, sl := range snap.GridLevels {
		l := &Level{
			Index:          sl.Index,
			Active:         sl.Active,
			BuyOrderID:     sl.BuyOrderID,
			BuyClientID:    sl.BuyClientID,
			SellOrderID:    sl.SellOrderID,
			SellClientID:   sl.SellClientID,
			FilledBuy:      sl.FilledBuy,
			PlacementEpoch: sl.PlacementEpoch,
			NeedsRetry:     sl.NeedsRetry,
		}
		if l.Price, err = parseDecimal(fmt.Sprintf("level %d price", sl.Index), sl.Price); err != nil {
			return nil, err
		}
		if l.Quantity, err = parseDecimal(fmt.Sprintf("level %d quantity", sl.Index), sl.Quantity); err != nil {
			return nil, err
		}
		if l.LastBuyFillPrice, err = parseOptionalDecimal(fmt.Sprintf("level %d last_buy_fill_price", sl.Index), sl.LastBuyFillPrice); err != nil {
			return nil, err
		}
		if l.LastBuyFillFee, err = parseOptionalDecimal(fmt.Sprintf("level %d last_buy_fill_fee", sl.Index), sl.LastBuyFillFee); err != nil {
			return nil, err
		}
		if l.FilledQuantity, err = parseOptionalDecimal(fmt.Sprintf("level %d filled_quantity", sl.Index), sl.FilledQuantity); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Index < levels[j].Index })
	for i, l := range levels {
		if l.Index != i {
			return nil, fmt.Errorf("snapshot levels not contiguous: expected index %d, got %d", i, l.Index)
		}
	}

	status := Status(snap.Status)
	switch status {
	case StatusInitializing, StatusRunning, StatusStoppedByRisk, StatusStoppedByOperator, StatusFailed:
	default:
		return nil, fmt.Errorf("snapshot has unknown status %q", snap.Status)
	}

	st := &State{
		InstanceID: snap.InstanceID,
		Config:     cfg,
		Levels:     levels,
		Status:     status,
		Version:    snap.MonotoneVersion,
		UpdatedAt:  snap.UpdatedAt,
	}
	if st.LastKnownPrice, err = parseOptionalDecimal("last_known_price", snap.LastKnownPrice); err != nil {
		return nil, err
	}
	if st.Stats.TotalProfit, err = parseOptionalDecimal("statistics.total_profit", snap.Statistics.TotalProfit); err != nil {
		return nil, err
	}
	if st.Stats.TotalFees, err = parseOptionalDecimal("statistics.total_fees", snap.Statistics.TotalFees); err != nil {
		return nil, err
	}
	if st.Stats.LastTickPrice, err = parseOptionalDecimal("statistics.last_tick_price", snap.Statistics.LastTickPrice); err != nil {
		return nil, err
	}
	st.Stats.CompletedCycles = snap.Statistics.CompletedCycles

	if err := st.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("snapshot restore: %w", err)
	}
	return st, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("snapshot %s: invalid decimal %q: %w", field, s, err)
	}
	return d, nil
}

func parseOptionalDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return parseDecimal(field, s)
}
