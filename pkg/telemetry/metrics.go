package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names. Counters and histograms are created by the component that
// records them, on its own scope meter; the names live here so dashboards
// have one place to look.
const (
	MetricProfitRealizedTotal     = "grid_trader_profit_realized_total"
	MetricFeesTotal               = "grid_trader_fees_total"
	MetricCyclesCompletedTotal    = "grid_trader_cycles_completed_total"
	MetricOrdersPlacedTotal       = "grid_trader_orders_placed_total"
	MetricOrdersCancelledTotal    = "grid_trader_orders_cancelled_total"
	MetricFillsProcessedTotal     = "grid_trader_fills_processed_total"
	MetricOrdersOpen              = "grid_trader_orders_open"
	MetricLevelsActive            = "grid_trader_levels_active"
	MetricRiskStopped             = "grid_trader_risk_stopped"
	MetricLastPrice               = "grid_trader_last_price"
	MetricEventLatency            = "grid_trader_event_latency_seconds"
	MetricPersistLatency          = "grid_trader_persist_latency_seconds"
	MetricExchangeLatency         = "grid_trader_exchange_latency_ms"
	MetricReconcilePhantomsTotal  = "grid_trader_reconcile_phantoms_total"
	MetricReconcileOrphansAdopted = "grid_trader_reconcile_orphans_adopted_total"
)

// MetricsHolder owns the observable gauges and the per-symbol state they
// report. The engine pushes current values through the setters after every
// processed event; the gauge callbacks read them at scrape time.
type MetricsHolder struct {
	mu             sync.RWMutex
	ordersOpenMap  map[string]int64
	levelsMap      map[string]int64
	riskStoppedMap map[string]int64
	lastPriceMap   map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton holder. Usable before Setup: the
// setters only write state, and the gauges are registered by Setup.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			ordersOpenMap:  make(map[string]int64),
			levelsMap:      make(map[string]int64),
			riskStoppedMap: make(map[string]int64),
			lastPriceMap:   make(map[string]float64),
		}
	})
	return globalMetrics
}

// Register creates the observable gauges on the meter. Called once from
// Setup.
func (m *MetricsHolder) Register(meter metric.Meter) error {
	if _, err := meter.Int64ObservableGauge(MetricOrdersOpen,
		metric.WithDescription("Number of currently bound orders"),
		metric.WithInt64Callback(m.observeInts(m.ordersOpenMap)),
	); err != nil {
		return err
	}
	if _, err := meter.Int64ObservableGauge(MetricLevelsActive,
		metric.WithDescription("Number of active grid levels"),
		metric.WithInt64Callback(m.observeInts(m.levelsMap)),
	); err != nil {
		return err
	}
	if _, err := meter.Int64ObservableGauge(MetricRiskStopped,
		metric.WithDescription("Risk stop state (1=stopped, 0=running)"),
		metric.WithInt64Callback(m.observeInts(m.riskStoppedMap)),
	); err != nil {
		return err
	}
	if _, err := meter.Float64ObservableGauge(MetricLastPrice,
		metric.WithDescription("Last observed ticker price"),
		metric.WithFloat64Callback(m.observeFloats(m.lastPriceMap)),
	); err != nil {
		return err
	}
	return nil
}

func (m *MetricsHolder) observeInts(values map[string]int64) metric.Int64Callback {
	return func(_ context.Context, obs metric.Int64Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for sym, val := range values {
			obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
		}
		return nil
	}
}

func (m *MetricsHolder) observeFloats(values map[string]float64) metric.Float64Callback {
	return func(_ context.Context, obs metric.Float64Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for sym, val := range values {
			obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
		}
		return nil
	}
}

func (m *MetricsHolder) SetOrdersOpen(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersOpenMap[symbol] = count
}

func (m *MetricsHolder) SetLevelsActive(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levelsMap[symbol] = count
}

func (m *MetricsHolder) SetRiskStopped(symbol string, stopped bool) {
	val := int64(0)
	if stopped {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskStoppedMap[symbol] = val
}

func (m *MetricsHolder) SetLastPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPriceMap[symbol] = price
}
