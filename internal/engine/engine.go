// Package engine drives one grid strategy instance: a single-consumer event
// loop that owns the grid state machine, persists every mutation before the
// exchange command that depends on it, and reconciles state with the venue
// on startup and on a timer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"grid_trader/internal/alert"
	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/grid"
	"grid_trader/internal/risk"
	"grid_trader/internal/store"
	"grid_trader/pkg/concurrency"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/retry"
	"grid_trader/pkg/telemetry"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrNotRunning is returned for operator commands sent before the engine
// started or after its loop exited.
var ErrNotRunning = errors.New("engine is not running")

// Engine is the execution core for one strategy instance. All grid state
// mutations happen on the loop goroutine; exchange I/O for placements fans
// out over a worker pool while the loop waits, so completions re-enter
// serially.
type Engine struct {
	cfg      *config.Config
	logger   core.ILogger
	exchange core.IExchange
	executor *Executor
	store    store.Store
	alerts   *alert.AlertManager

	state *grid.State
	guard *risk.Guard
	pool  *concurrency.Pool

	tickerCh chan *core.Ticker
	fillCh   chan *core.Fill
	cmdCh    chan command
	done     chan struct{}

	// levelBackoff schedules per-level placement retries across sweeps. It is
	// deliberately volatile: after a restart every durable intent is retried
	// immediately.
	levelBackoff map[int]*placementBackoff

	tornDown bool
	failing  bool

	// statusAttempts and statusBackoffBase bound the reconciliation loop that
	// waits out Unknown order status before declaring the instance failed.
	statusAttempts    int
	statusBackoffBase time.Duration

	statusReport atomic.Pointer[StatusReport]

	metrics          *telemetry.MetricsHolder
	fillsProcessed   metric.Int64Counter
	cyclesCompleted  metric.Int64Counter
	profitRealized   metric.Float64Counter
	feesAccrued      metric.Float64Counter
	phantomsResolved metric.Int64Counter
	orphansAdopted   metric.Int64Counter
	eventLatency     metric.Float64Histogram
	persistLatency   metric.Float64Histogram
}

type placementBackoff struct {
	notBefore time.Time
	delay     time.Duration
}

// New assembles an engine from its collaborators. Run does the actual
// startup work.
func New(cfg *config.Config, exchange core.IExchange, st store.Store, alerts *alert.AlertManager, logger core.ILogger) *Engine {
	meter := telemetry.GetMeter("grid-engine")
	fillsProcessed, _ := meter.Int64Counter(telemetry.MetricFillsProcessedTotal,
		metric.WithDescription("Total fill events processed"))
	cyclesCompleted, _ := meter.Int64Counter(telemetry.MetricCyclesCompletedTotal,
		metric.WithDescription("Completed buy-sell grid cycles"))
	profitRealized, _ := meter.Float64Counter(telemetry.MetricProfitRealizedTotal,
		metric.WithDescription("Cumulative realized grid profit"))
	feesAccrued, _ := meter.Float64Counter(telemetry.MetricFeesTotal,
		metric.WithDescription("Cumulative trading fees including absorbed dust"))
	phantomsResolved, _ := meter.Int64Counter(telemetry.MetricReconcilePhantomsTotal,
		metric.WithDescription("Phantom orders resolved during reconciliation"))
	orphansAdopted, _ := meter.Int64Counter(telemetry.MetricReconcileOrphansAdopted,
		metric.WithDescription("Orphan orders adopted during reconciliation"))
	eventLatency, _ := meter.Float64Histogram(telemetry.MetricEventLatency,
		metric.WithDescription("Time to fully process one engine event"), metric.WithUnit("s"))
	persistLatency, _ := meter.Float64Histogram(telemetry.MetricPersistLatency,
		metric.WithDescription("Snapshot persistence latency"), metric.WithUnit("s"))

	e := &Engine{
		cfg:      cfg,
		logger:   logger.WithField("component", "grid_engine"),
		exchange: exchange,
		store:    st,
		alerts:   alerts,

		tickerCh: make(chan *core.Ticker, 1),
		fillCh:   make(chan *core.Fill, fillQueueSize),
		cmdCh:    make(chan command),
		done:     make(chan struct{}),

		levelBackoff:      make(map[int]*placementBackoff),
		statusAttempts:    10,
		statusBackoffBase: time.Second,

		metrics:          telemetry.GetGlobalMetrics(),
		fillsProcessed:   fillsProcessed,
		cyclesCompleted:  cyclesCompleted,
		profitRealized:   profitRealized,
		feesAccrued:      feesAccrued,
		phantomsResolved: phantomsResolved,
		orphansAdopted:   orphansAdopted,
		eventLatency:     eventLatency,
		persistLatency:   persistLatency,
	}

	e.executor = NewExecutor(exchange, ExecutorConfig{
		RatePerSec:  cfg.Engine.OrderRatePerSec,
		Burst:       cfg.Engine.OrderBurst,
		Timeout:     time.Duration(cfg.Engine.RequestTimeoutSec) * time.Second,
		MaxAttempts: cfg.Engine.MaxConsecutiveErrors,
	}, logger)
	e.executor.OnErrorStreak(func(op string, attempt int, err error) {
		e.alerts.Alert(context.Background(), "Exchange errors persisting",
			fmt.Sprintf("%s failing after %d consecutive attempts: %v", op, attempt, err),
			alert.AlertLevelWarning, map[string]string{"op": op})
	})
	e.pool = concurrency.NewPool(concurrency.Config{
		Name:    "placements",
		Workers: cfg.Engine.PlacementWorkers,
	}, logger)
	return e
}

// Run starts the instance and consumes events until the context is
// cancelled. It returns an error only when startup fails; a cancelled run
// shuts down gracefully and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer e.pool.Stop()

	if err := e.start(ctx); err != nil {
		return err
	}
	return e.loop(ctx)
}

// Status returns the most recent state snapshot without touching the event
// loop, or nil before startup finished.
func (e *Engine) Status() *StatusReport {
	return e.statusReport.Load()
}

// Stop cancels all open orders and parks the instance in StoppedByOperator.
// The instance stays terminal; resuming requires a new instance.
func (e *Engine) Stop(ctx context.Context, reason string) error {
	return e.send(ctx, command{kind: cmdStop, reason: reason})
}

// Teardown stops the instance and deletes its persisted snapshot.
func (e *Engine) Teardown(ctx context.Context) error {
	return e.send(ctx, command{kind: cmdTeardown})
}

// TriggerReconcile runs a reconciliation pass on the event loop.
func (e *Engine) TriggerReconcile(ctx context.Context) error {
	return e.send(ctx, command{kind: cmdReconcile})
}

func (e *Engine) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case e.cmdCh <- c:
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) start(ctx context.Context) error {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := e.restore(ctx, snap); err != nil {
			return err
		}
	} else {
		if err := e.bootstrapFresh(ctx); err != nil {
			return err
		}
	}
	e.guard = risk.NewGuard(e.state.Config)

	symbol := e.state.Config.Symbol
	// Streams attach before reconciliation so a fill landing during recovery
	// queues up instead of vanishing; the loop drains the queue afterwards.
	if err := e.exchange.StartFillStream(ctx, symbol, e.enqueueFill); err != nil {
		return fmt.Errorf("start fill stream: %w", err)
	}
	if err := e.exchange.StartTickerStream(ctx, symbol, e.enqueueTicker); err != nil {
		return fmt.Errorf("start ticker stream: %w", err)
	}

	if err := e.persist(ctx); err != nil {
		return err
	}
	if err := e.reconcile(ctx); err != nil {
		return err
	}
	e.refreshStatus()
	e.logger.Info("Engine started",
		"instance", e.state.InstanceID,
		"symbol", symbol,
		"status", string(e.state.Status),
		"levels", len(e.state.Levels),
		"active_levels", e.state.ActiveLevelCount())
	return nil
}

// restore rebuilds state from a snapshot. The persisted grid wins over the
// file config: a level set must never silently change shape across restarts.
func (e *Engine) restore(ctx context.Context, snap *grid.Snapshot) error {
	state, err := snap.Restore()
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	e.state = state
	if fileCfg, cfgErr := e.cfg.BuildGridConfig(); cfgErr == nil && !gridConfigEqual(fileCfg, state.Config) {
		e.logger.Warn("Configured grid differs from persisted snapshot, keeping persisted grid",
			"symbol", state.Config.Symbol)
	}
	if ticker, terr := e.executor.Ticker(ctx, state.Config.Symbol); terr == nil {
		e.state.UpdateLastPrice(ticker.Last)
	}
	e.logger.Info("Restored persisted state",
		"instance", state.InstanceID,
		"status", string(state.Status),
		"version", state.Version,
		"cycles", state.Stats.CompletedCycles)
	return nil
}

// bootstrapFresh creates a brand-new instance. An infeasible configuration
// fails here, before anything has been persisted.
func (e *Engine) bootstrapFresh(ctx context.Context) error {
	gridCfg, err := e.cfg.BuildGridConfig()
	if err != nil {
		return err
	}
	rules, err := e.executor.Rules(ctx, gridCfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch symbol rules: %w", err)
	}
	levels, err := grid.BuildLevels(gridCfg, *rules)
	if err != nil {
		return err
	}
	ticker, err := e.executor.Ticker(ctx, gridCfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}
	e.state = grid.NewState(core.NewInstanceID(), gridCfg, levels)
	e.state.UpdateLastPrice(ticker.Last)
	e.logger.Info("Created new grid instance",
		"instance", e.state.InstanceID,
		"symbol", gridCfg.Symbol,
		"levels", len(levels),
		"last_price", ticker.Last.String())
	return nil
}

func (e *Engine) loop(ctx context.Context) error {
	var reconcileCh <-chan time.Time
	if iv := e.cfg.Engine.ReconcileIntervalSec; iv > 0 {
		t := time.NewTicker(time.Duration(iv) * time.Second)
		defer t.Stop()
		reconcileCh = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case tick := <-e.tickerCh:
			start := time.Now()
			e.handleTick(ctx, tick)
			e.eventLatency.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("event", "tick")))
		case fill := <-e.fillCh:
			start := time.Now()
			e.handleFills(ctx, fill)
			e.eventLatency.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("event", "fill")))
		case cmd := <-e.cmdCh:
			e.handleCommand(ctx, cmd)
		case <-reconcileCh:
			if err := e.reconcile(ctx); err != nil {
				e.logger.Error("Periodic reconciliation failed", "error", err.Error())
			}
		}
		e.refreshStatus()
	}
}

// shutdown runs after the run context is cancelled, so exchange calls get a
// fresh short-lived context.
func (e *Engine) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.exchange.StopTickerStream(); err != nil {
		e.logger.Warn("Ticker stream stop failed", "error", err.Error())
	}
	if err := e.exchange.StopFillStream(); err != nil {
		e.logger.Warn("Fill stream stop failed", "error", err.Error())
	}
	if e.state != nil && !e.tornDown {
		if e.cfg.System.CancelOnExit && !e.state.Status.IsTerminal() {
			e.cancelAllOpen(ctx)
		}
		if err := e.persist(ctx); err != nil {
			e.logger.Error("Final persist failed", "error", err.Error())
		}
	}
	e.refreshStatus()
	e.logger.Info("Engine stopped")
	return nil
}

func (e *Engine) handleTick(ctx context.Context, tick *core.Ticker) {
	if tick.Symbol != "" && tick.Symbol != e.state.Config.Symbol {
		return
	}
	e.state.UpdateLastPrice(tick.Last)
	e.metrics.SetLastPrice(e.state.Config.Symbol, tick.Last.InexactFloat64())
	if e.state.Status.IsTerminal() {
		return
	}
	if trigger := e.guard.Check(tick.Last); trigger != nil {
		e.stopByRisk(ctx, trigger)
		return
	}
	if err := e.persist(ctx); err != nil {
		e.fail(ctx, err)
		return
	}
	if e.state.Status == grid.StatusRunning {
		e.sweepPlacements(ctx)
	}
}

// stopByRisk parks the instance in StoppedByRisk. The terminal status is
// durable before any cancel goes out: a crash mid-cancel must not restart
// into a live grid beyond the trigger.
func (e *Engine) stopByRisk(ctx context.Context, trigger *risk.Trigger) {
	e.logger.Warn("Risk trigger fired",
		"kind", string(trigger.Kind),
		"price", trigger.Price.String(),
		"threshold", trigger.Threshold.String())
	if err := e.state.SetStatus(grid.StatusStoppedByRisk); err != nil {
		e.fail(ctx, err)
		return
	}
	if err := e.persist(ctx); err != nil {
		e.fail(ctx, err)
		return
	}
	e.cancelAllOpen(ctx)
	if err := e.persist(ctx); err != nil {
		e.fail(ctx, err)
		return
	}
	e.metrics.SetRiskStopped(e.state.Config.Symbol, true)
	e.alerts.Alert(ctx, "Grid stopped by risk trigger", trigger.String(), alert.AlertLevelCritical,
		map[string]string{"symbol": e.state.Config.Symbol, "instance": e.state.InstanceID})
}

// boundFill is a fill event resolved against the level it belongs to.
type boundFill struct {
	fill *core.Fill
	idx  int
	side core.OrderSide
}

func (e *Engine) handleFills(ctx context.Context, first *core.Fill) {
	fills := e.drainFills(first)

	seen := make(map[int64]bool, len(fills))
	bound := make([]*boundFill, 0, len(fills))
	for _, f := range fills {
		if f.OrderID != 0 && seen[f.OrderID] {
			continue
		}
		if bf := e.resolveFill(f); bf != nil {
			seen[f.OrderID] = true
			bound = append(bound, bf)
		}
	}
	if len(bound) == 0 {
		return
	}
	// Lower levels first, so counter-orders keep the buy-low sell-high order.
	sort.SliceStable(bound, func(i, j int) bool { return bound[i].idx < bound[j].idx })

	for _, bf := range bound {
		if err := e.recordFill(ctx, bf); err != nil {
			e.fail(ctx, err)
			return
		}
	}
	if err := e.persist(ctx); err != nil {
		e.fail(ctx, err)
		return
	}
	if e.state.Status == grid.StatusRunning {
		e.sweepPlacements(ctx)
	}
}

func (e *Engine) drainFills(first *core.Fill) []*core.Fill {
	fills := []*core.Fill{first}
	for {
		select {
		case f := <-e.fillCh:
			fills = append(fills, f)
		default:
			return fills
		}
	}
}

// resolveFill maps a fill event onto its bound level, or nil for replays and
// orders that were never ours.
func (e *Engine) resolveFill(fill *core.Fill) *boundFill {
	l := e.state.FindLevelByOrderID(fill.OrderID)
	if l == nil {
		l = e.state.FindLevelByClientID(fill.ClientOrderID)
	}
	if l == nil {
		e.logger.Debug("Ignoring fill with no bound level",
			"order_id", fill.OrderID, "client_id", fill.ClientOrderID)
		return nil
	}
	side := core.OrderSideBuy
	if l.SellOrderID == fill.OrderID || (l.SellClientID != "" && l.SellClientID == fill.ClientOrderID) {
		side = core.OrderSideSell
	}
	return &boundFill{fill: fill, idx: l.Index, side: side}
}

func (e *Engine) recordFill(ctx context.Context, bf *boundFill) error {
	fee := bf.fill.Fee
	if !fee.IsPositive() {
		// Venue reported no commission; fall back to the configured estimate.
		fee = bf.fill.Price.Mul(bf.fill.Quantity).Mul(e.cfg.FeeEstimate())
	}
	switch bf.side {
	case core.OrderSideBuy:
		if err := e.state.RecordBuyFill(bf.idx, bf.fill.Price, bf.fill.Quantity, fee); err != nil {
			return err
		}
		e.logger.Info("Buy filled",
			"level", bf.idx,
			"price", bf.fill.Price.String(),
			"quantity", bf.fill.Quantity.String())
	case core.OrderSideSell:
		prevProfit := e.state.Stats.TotalProfit
		prevFees := e.state.Stats.TotalFees
		if err := e.state.RecordSellFill(bf.idx, bf.fill.Price, bf.fill.Quantity, fee); err != nil {
			return err
		}
		e.cyclesCompleted.Add(ctx, 1)
		e.profitRealized.Add(ctx, e.state.Stats.TotalProfit.Sub(prevProfit).InexactFloat64())
		e.feesAccrued.Add(ctx, e.state.Stats.TotalFees.Sub(prevFees).InexactFloat64())
		e.logger.Info("Cycle completed",
			"level", bf.idx,
			"sell_price", bf.fill.Price.String(),
			"cycles", e.state.Stats.CompletedCycles,
			"total_profit", e.state.Stats.TotalProfit.String())
	}
	e.fillsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(bf.side))))
	return nil
}

type placementTarget struct {
	idx      int
	side     core.OrderSide
	price    decimal.Decimal
	quantity decimal.Decimal
	clientID string
}

type placementResult struct {
	target placementTarget
	order  *core.Order
	err    error
}

// sweepPlacements issues every order the grid is currently owed: sells for
// held inventory and buys for active levels strictly below the last price,
// within the investable budget. One sweep serves initial placement, tick
// repair, and counter-orders. Level intents (placement epoch, retry flag)
// are durable before the first request goes out, and the acknowledged
// bindings are durable right after.
func (e *Engine) sweepPlacements(ctx context.Context) {
	if e.state.Status != grid.StatusRunning && e.state.Status != grid.StatusInitializing {
		return
	}
	targets := e.collectTargets()
	if len(targets) == 0 {
		return
	}
	if err := e.persist(ctx); err != nil {
		e.fail(ctx, err)
		return
	}

	symbol := e.state.Config.Symbol
	results := make([]placementResult, len(targets))
	var wg sync.WaitGroup
	for i := range targets {
		target := targets[i]
		slot := i
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[slot] = e.placeTarget(ctx, symbol, target)
		}
		if err := e.pool.Submit(task); err != nil {
			results[slot] = placementResult{target: target, err: err}
			wg.Done()
		}
	}
	wg.Wait()

	for _, res := range results {
		e.applyPlacement(ctx, res)
	}
	if err := e.persist(ctx); err != nil {
		e.fail(ctx, err)
	}
}

func (e *Engine) collectTargets() []placementTarget {
	last := e.state.LastKnownPrice
	budget := e.state.Config.InvestableAmount()
	committed := e.state.CommittedNotional()
	now := time.Now()

	var targets []placementTarget
	for _, l := range e.state.Levels {
		if !l.Active || l.HasBuy() || l.HasSell() {
			continue
		}
		if bo := e.levelBackoff[l.Index]; bo != nil && now.Before(bo.notBefore) {
			continue
		}

		var side core.OrderSide
		var price decimal.Decimal
		qty := l.Quantity
		if l.FilledBuy {
			side = core.OrderSideSell
			price = e.sellPriceFor(l.Index)
			if l.FilledQuantity.IsPositive() {
				qty = l.FilledQuantity
			}
		} else {
			// A level exactly at the last price counts as above it.
			if !last.IsPositive() || !l.Price.LessThan(last) {
				continue
			}
			notional := l.Price.Mul(qty)
			if committed.Add(notional).GreaterThan(budget) {
				continue
			}
			committed = committed.Add(notional)
			side = core.OrderSideBuy
			price = l.Price
		}

		epoch := l.PlacementEpoch
		if !l.NeedsRetry {
			next, err := e.state.NextEpoch(l.Index)
			if err != nil {
				e.logger.Error("Epoch bump failed", "level", l.Index, "error", err.Error())
				continue
			}
			if err := e.state.MarkNeedsRetry(l.Index, true); err != nil {
				e.logger.Error("Retry mark failed", "level", l.Index, "error", err.Error())
				continue
			}
			epoch = next
		}
		targets = append(targets, placementTarget{
			idx:      l.Index,
			side:     side,
			price:    price,
			quantity: qty,
			clientID: core.FormatClientOrderID(e.state.InstanceID, l.Index, side, int64(epoch)),
		})
	}
	return targets
}

// sellPriceFor returns the price of the level above, or the level's own
// price at the top of the grid where no higher level exists.
func (e *Engine) sellPriceFor(idx int) decimal.Decimal {
	if idx+1 < len(e.state.Levels) {
		return e.state.Levels[idx+1].Price
	}
	return e.state.Levels[idx].Price
}

func (e *Engine) placeTarget(ctx context.Context, symbol string, t placementTarget) placementResult {
	order, err := e.executor.Place(ctx, &core.PlaceOrderRequest{
		Symbol:        symbol,
		Side:          t.side,
		Type:          core.OrderTypeLimit,
		Price:         t.price,
		Quantity:      t.quantity,
		ClientOrderID: t.clientID,
	})
	return placementResult{target: t, order: order, err: err}
}

func (e *Engine) applyPlacement(ctx context.Context, res placementResult) {
	t := res.target
	if res.err != nil {
		if IsPermanent(res.err) {
			e.logger.Error("Placement rejected, deactivating level",
				"level", t.idx, "side", string(t.side), "error", res.err.Error())
			if err := e.state.Deactivate(t.idx); err != nil {
				e.fail(ctx, err)
				return
			}
			delete(e.levelBackoff, t.idx)
			e.alerts.Alert(ctx, "Grid level deactivated",
				fmt.Sprintf("level %d %s rejected: %v", t.idx, t.side, res.err),
				alert.AlertLevelWarning,
				map[string]string{"symbol": e.state.Config.Symbol, "level": strconv.Itoa(t.idx)})
			return
		}
		// Transient: the intent stays durable and the next sweep retries the
		// same client id once the backoff passes.
		bo := e.levelBackoff[t.idx]
		if bo == nil {
			bo = &placementBackoff{delay: retry.ExchangePolicy.InitialBackoff}
			e.levelBackoff[t.idx] = bo
		} else {
			bo.delay = retry.NextBackoff(bo.delay, retry.ExchangePolicy.MaxBackoff)
		}
		bo.notBefore = time.Now().Add(retry.Jitter(bo.delay))
		e.logger.Warn("Placement failed, will retry",
			"level", t.idx, "side", string(t.side), "retry_in", bo.delay.String(), "error", res.err.Error())
		return
	}

	order := res.order
	switch {
	case order.Status == core.OrderStatusFilled:
		// Acknowledgement raced the fill: bind, then run the fill through
		// the normal queue so the counter-order follows the usual path.
		if err := e.bind(t, order); err != nil {
			e.fail(ctx, err)
			return
		}
		delete(e.levelBackoff, t.idx)
		e.enqueueSyntheticFill(fillFromOrder(order))
	case order.Status.IsTerminal():
		// Placed but already dead. The intent is spent; a rejected order
		// additionally disqualifies the level.
		e.logger.Warn("Order terminal on placement",
			"level", t.idx, "side", string(t.side), "status", string(order.Status))
		if order.Status == core.OrderStatusRejected {
			if err := e.state.Deactivate(t.idx); err != nil {
				e.fail(ctx, err)
				return
			}
		} else if err := e.state.MarkNeedsRetry(t.idx, false); err != nil {
			e.fail(ctx, err)
			return
		}
		delete(e.levelBackoff, t.idx)
	default:
		if err := e.bind(t, order); err != nil {
			e.fail(ctx, err)
			return
		}
		delete(e.levelBackoff, t.idx)
		e.logger.Info("Order placed",
			"level", t.idx,
			"side", string(t.side),
			"price", t.price.String(),
			"quantity", t.quantity.String(),
			"order_id", order.OrderID)
	}
}

func (e *Engine) bind(t placementTarget, order *core.Order) error {
	if t.side == core.OrderSideBuy {
		return e.state.BindBuy(t.idx, order.OrderID, t.clientID)
	}
	return e.state.BindSell(t.idx, order.OrderID, t.clientID)
}

// enqueueSyntheticFill feeds a fill discovered outside the stream back into
// the queue. Non-blocking: the loop itself calls this, and reconciliation
// recovers anything that will not fit.
func (e *Engine) enqueueSyntheticFill(fill *core.Fill) {
	select {
	case e.fillCh <- fill:
	default:
		e.logger.Warn("Fill queue full, reconciliation will recover the fill", "order_id", fill.OrderID)
	}
}

func fillFromOrder(order *core.Order) *core.Fill {
	price := order.AvgPrice
	if !price.IsPositive() {
		price = order.Price
	}
	qty := order.ExecutedQty
	if !qty.IsPositive() {
		qty = order.Quantity
	}
	return &core.Fill{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Price:         price,
		Quantity:      qty,
		Fee:           order.Fee,
		FeeAsset:      order.FeeAsset,
		TradeTime:     order.UpdateTime,
	}
}

// cancelAllOpen cancels every bound order and clears the bindings the venue
// confirmed gone. A cancel that raced a fill keeps its binding so the fill
// event, or reconciliation, can still credit it.
func (e *Engine) cancelAllOpen(ctx context.Context) {
	symbol := e.state.Config.Symbol
	for _, b := range e.state.BoundOrders() {
		result, err := e.executor.Cancel(ctx, symbol, b.ClientID)
		if err != nil {
			e.logger.Error("Cancel failed",
				"level", b.LevelIdx, "side", string(b.Side), "client_id", b.ClientID, "error", err.Error())
			continue
		}
		switch result {
		case core.CancelOK:
			if cerr := e.state.ClearOrder(b.LevelIdx, b.Side); cerr != nil {
				e.fail(ctx, cerr)
				return
			}
		case core.CancelAlreadyGone:
			order, gerr := e.executor.Get(ctx, symbol, b.ClientID)
			if gerr == nil && order.Status == core.OrderStatusFilled {
				continue
			}
			if gerr != nil && !errors.Is(gerr, apperrors.ErrOrderNotFound) {
				continue
			}
			if cerr := e.state.ClearOrder(b.LevelIdx, b.Side); cerr != nil {
				e.fail(ctx, cerr)
				return
			}
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, c command) {
	var err error
	switch c.kind {
	case cmdStop:
		err = e.stopByOperator(ctx, c.reason)
	case cmdTeardown:
		err = e.teardown(ctx)
	case cmdReconcile:
		err = e.reconcile(ctx)
	default:
		err = fmt.Errorf("unknown command kind %d", c.kind)
	}
	if c.reply != nil {
		c.reply <- err
	}
}

func (e *Engine) stopByOperator(ctx context.Context, reason string) error {
	if e.state.Status.IsTerminal() {
		return fmt.Errorf("%w: status %s", apperrors.ErrTerminalStatus, e.state.Status)
	}
	e.logger.Info("Operator stop", "reason", reason)
	if err := e.state.SetStatus(grid.StatusStoppedByOperator); err != nil {
		return err
	}
	if err := e.persist(ctx); err != nil {
		e.fail(ctx, err)
		return err
	}
	e.cancelAllOpen(ctx)
	if err := e.persist(ctx); err != nil {
		e.fail(ctx, err)
		return err
	}
	e.alerts.Alert(ctx, "Grid stopped by operator", reason, alert.AlertLevelInfo,
		map[string]string{"symbol": e.state.Config.Symbol, "instance": e.state.InstanceID})
	return nil
}

// teardown cancels whatever is open and deletes the persisted snapshot. The
// in-memory instance stays terminal; a new instance requires a fresh start.
func (e *Engine) teardown(ctx context.Context) error {
	if !e.state.Status.IsTerminal() {
		if err := e.state.SetStatus(grid.StatusStoppedByOperator); err != nil {
			return err
		}
		if err := e.persist(ctx); err != nil {
			e.fail(ctx, err)
			return err
		}
	}
	e.cancelAllOpen(ctx)
	if err := e.store.Delete(ctx); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	e.tornDown = true
	e.logger.Info("Instance torn down", "instance", e.state.InstanceID)
	return nil
}

// persist makes the current state durable under a fresh monotone version.
func (e *Engine) persist(ctx context.Context) error {
	if e.tornDown {
		return nil
	}
	e.state.Version++
	e.state.UpdatedAt = time.Now().UTC()
	snap := e.state.ToSnapshot()
	start := time.Now()
	err := e.store.Save(ctx, snap)
	e.persistLatency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		e.logger.Error("State persistence failed", "error", err.Error(), "version", e.state.Version)
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// fail drives the instance to Failed: the state can no longer be trusted to
// trade on. Open orders are cancelled best-effort and a human is paged.
func (e *Engine) fail(ctx context.Context, cause error) {
	if e.failing {
		return
	}
	e.failing = true
	defer func() { e.failing = false }()

	e.logger.Error("Fatal engine error", "error", cause.Error(), "instance", e.state.InstanceID)
	if err := e.state.SetStatus(grid.StatusFailed); err != nil && !errors.Is(err, apperrors.ErrTerminalStatus) {
		e.logger.Error("Transition to Failed rejected", "error", err.Error())
	}
	if err := e.persist(ctx); err != nil {
		e.logger.Error("Persisting Failed status failed", "error", err.Error())
	}
	e.cancelAllOpen(ctx)
	e.alerts.Alert(ctx, "Grid instance failed", cause.Error(), alert.AlertLevelCritical,
		map[string]string{"symbol": e.state.Config.Symbol, "instance": e.state.InstanceID})
	e.refreshStatus()
}

func gridConfigEqual(a, b *grid.Config) bool {
	if a.Symbol != b.Symbol ||
		a.NumGrids != b.NumGrids ||
		a.SpacingMode != b.SpacingMode ||
		!a.LowerPrice.Equal(b.LowerPrice) ||
		!a.UpperPrice.Equal(b.UpperPrice) ||
		!a.TotalInvestment.Equal(b.TotalInvestment) ||
		!a.StopLossPct.Equal(b.StopLossPct) ||
		!a.ReserveFraction.Equal(b.ReserveFraction) {
		return false
	}
	if (a.TakeProfitPct == nil) != (b.TakeProfitPct == nil) {
		return false
	}
	if a.TakeProfitPct != nil && !a.TakeProfitPct.Equal(*b.TakeProfitPct) {
		return false
	}
	return true
}
