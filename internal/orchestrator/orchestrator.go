// Package orchestrator drives the per-tick control loop and the startup
// recovery sequence: one pass executes day lifecycle, session
// evaluation, open-protection, symbol subscription diffing, doomsday
// protection, quote batching, strategy invocation, and task scheduling;
// async processors drain the three task queues concurrently with the
// tick.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/autosymbol"
	"github.com/hkwarrants/engine/internal/broker"
	"github.com/hkwarrants/engine/internal/config"
	"github.com/hkwarrants/engine/internal/executor"
	"github.com/hkwarrants/engine/internal/ledger"
	"github.com/hkwarrants/engine/internal/lifecycle"
	"github.com/hkwarrants/engine/internal/metrics"
	"github.com/hkwarrants/engine/internal/ordermonitor"
	"github.com/hkwarrants/engine/internal/registry"
	"github.com/hkwarrants/engine/internal/risk"
	"github.com/hkwarrants/engine/internal/strategy"
	"github.com/hkwarrants/engine/internal/taskqueue"
	"github.com/hkwarrants/engine/internal/tradelog"
	"github.com/hkwarrants/engine/internal/types"
	"github.com/hkwarrants/engine/internal/verifier"
)

// TradingCalendar answers HK session/half-day/trading-day questions;
// the concrete calendar lives outside the control plane.
type TradingCalendar interface {
	IsContinuousHKSession(now time.Time, isHalfDay bool) bool
	IsHalfDay(now time.Time) bool
	DayKey(now time.Time) string
	ElapsedTradingMinutes(from, to time.Time) float64
}

// IndicatorEngine is the capability through which externally computed
// indicator values enter the per-monitor compute step. A nil engine
// yields empty snapshots and therefore no strategy signals.
type IndicatorEngine interface {
	Compute(monitor string, candles []broker.Candle) (map[string]decimal.Decimal, error)
}

// Orchestrator wires every component into the single tick loop.
type Orchestrator struct {
	cfg        *config.Config
	client     broker.Client
	reg        *registry.Registry
	recorder   *ledger.Recorder
	risk       *risk.Checker
	monitor    *ordermonitor.Monitor
	exec       *executor.Executor
	auto       *autosymbol.Manager
	sigproc    *strategy.Processor
	verifier   *verifier.Verifier
	queues     *taskqueue.Queues
	life       *lifecycle.Manager
	calendar   TradingCalendar
	trades     *tradelog.Writer
	gate       *TradeGate
	indicators IndicatorEngine

	mu               sync.RWMutex
	state            types.GlobalLastState
	subscribed       map[string]struct{}
	monitorStates    map[string]*types.MonitorState
	cooldownUntil    map[types.SeatKey]time.Time // liquidation buy cooldowns
	lastBuyAt        map[string]time.Time        // per monitor, buy_interval_seconds gate
	wasInSession     bool
	doomsdayFiredDay string
}

// New assembles an orchestrator from its component dependencies. gate is the
// same TradeGate instance handed to the executor and order monitor at their
// own construction time; the orchestrator is the sole writer of its flags.
func New(cfg *config.Config, client broker.Client, reg *registry.Registry, recorder *ledger.Recorder, riskChecker *risk.Checker,
	monitor *ordermonitor.Monitor, exec *executor.Executor, auto *autosymbol.Manager, sigproc *strategy.Processor,
	v *verifier.Verifier, queues *taskqueue.Queues, life *lifecycle.Manager, calendar TradingCalendar, trades *tradelog.Writer, gate *TradeGate) *Orchestrator {
	o := &Orchestrator{
		cfg: cfg, client: client, reg: reg, recorder: recorder, risk: riskChecker, monitor: monitor,
		exec: exec, auto: auto, sigproc: sigproc, verifier: v, queues: queues, life: life, calendar: calendar, trades: trades, gate: gate,
		state:         types.GlobalLastState{AllTradingSymbols: make(map[string]struct{})},
		subscribed:    make(map[string]struct{}),
		monitorStates: make(map[string]*types.MonitorState),
		cooldownUntil: make(map[types.SeatKey]time.Time),
		lastBuyAt:     make(map[string]time.Time),
	}
	if monitor != nil {
		monitor.SetOnTerminal(o.onOrderTerminal)
	}
	if exec != nil {
		exec.SetOnResult(o.onExecResult)
	}
	if auto != nil && v != nil {
		auto.SetOnSeatCleared(v.CancelBySymbol)
	}
	return o
}

// onExecResult emits the SUBMITTED / FAILED trade-log record for each
// executed signal; FILLED records come later from the fill push via
// onOrderTerminal.
func (o *Orchestrator) onExecResult(sig types.Signal, orderID string, orderType types.OrderType, quantity decimal.Decimal, err error) {
	if o.trades == nil {
		return
	}
	monitor, _, _ := o.resolveOwnership(sig.Symbol)
	rec := tradelog.Record{
		OrderID: orderID, Symbol: sig.Symbol, MonitorSymbol: monitor,
		Action: string(sig.Action), Side: string(types.Buy),
		Quantity: quantity.String(), Price: sig.Price.String(),
		OrderType: string(orderType), Status: tradelog.StatusSubmitted,
		Reason: sig.Reason, SignalTriggerTime: sig.TriggerTime, Timestamp: time.Now(),
		IsProtectiveClearance: sig.IsProtectiveLiquidation,
	}
	if sig.Action.IsSell() {
		rec.Side = string(types.Sell)
	}
	if err != nil {
		rec.Status = tradelog.StatusFailed
		rec.Error = err.Error()
	}
	if werr := o.trades.Append(rec); werr != nil {
		log.Printf("[WARN] trade log append for %s: %v", sig.Symbol, werr)
	}
}

// SetIndicatorEngine plugs in the external indicator computation.
func (o *Orchestrator) SetIndicatorEngine(e IndicatorEngine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.indicators = e
}

// onOrderTerminal runs after the order monitor applies a Filled
// transition: emits the trade-log record, accumulates realized PnL for
// the daily-loss gate, refreshes the unrealized-loss accumulator, and
// records liquidation cooldowns for protective sells.
func (o *Orchestrator) onOrderTerminal(order types.TrackedOrder, evt broker.OrderChanged, realizedPnL decimal.Decimal) {
	now := time.Now()
	if o.trades != nil {
		action := string(types.ActionBuyCall)
		switch {
		case order.Side == types.Buy && !order.IsLongSymbol:
			action = string(types.ActionBuyPut)
		case order.Side == types.Sell && order.IsLongSymbol:
			action = string(types.ActionSellCall)
		case order.Side == types.Sell && !order.IsLongSymbol:
			action = string(types.ActionSellPut)
		}
		if err := o.trades.Append(tradelog.Record{
			OrderID: order.OrderID, Symbol: order.Symbol, MonitorSymbol: order.MonitorSymbol,
			Action: action, Side: string(order.Side),
			Quantity: evt.ExecutedQuantity.String(), Price: evt.ExecutedPrice.String(),
			OrderType: string(order.OrderType), Status: tradelog.StatusFilled,
			SignalTriggerTime: order.SubmittedAt, ExecutedAt: &now, Timestamp: now,
			IsProtectiveClearance: order.IsProtectiveLiquidation,
		}); err != nil {
			log.Printf("[WARN] trade log append %s: %v", order.OrderID, err)
		}
	}

	dir := types.Long
	if !order.IsLongSymbol {
		dir = types.Short
	}
	if order.Side == types.Sell && o.risk != nil {
		o.risk.AddRealizedPnL(order.MonitorSymbol, realizedPnL)
	}
	if o.risk != nil && o.recorder != nil {
		o.risk.RefreshUnrealizedLossData(o.recorder, order.Symbol, order.IsLongSymbol)
	}
	if order.IsProtectiveLiquidation && order.Side == types.Sell {
		cooldown := o.cooldownFor(order.MonitorSymbol)
		until := cooldown.CooldownUntil(now)
		o.mu.Lock()
		o.cooldownUntil[types.SeatKey{Monitor: order.MonitorSymbol, Direction: dir}] = until
		o.mu.Unlock()
		log.Printf("[风控] liquidation cooldown for %s/%s until %s", order.MonitorSymbol, dir, until.Format(time.RFC3339))
	}
}

func (o *Orchestrator) cooldownFor(monitor string) config.LiquidationCooldown {
	for _, m := range o.cfg.Monitors {
		if m.MonitorSymbol == monitor {
			return m.LiquidationCooldown
		}
	}
	return config.LiquidationCooldown{}
}

// buyBlocked reports whether new buys for (monitor, dir) are blocked by a
// liquidation cooldown or the per-monitor buy interval.
func (o *Orchestrator) buyBlocked(monitor string, dir types.Direction, buyIntervalSeconds int, now time.Time) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if until, ok := o.cooldownUntil[types.SeatKey{Monitor: monitor, Direction: dir}]; ok && now.Before(until) {
		return true
	}
	if buyIntervalSeconds > 0 {
		if last, ok := o.lastBuyAt[monitor]; ok && now.Sub(last) < time.Duration(buyIntervalSeconds)*time.Second {
			return true
		}
	}
	return false
}

// ConfigResolver implements ordermonitor.OwnershipResolver directly off the
// loaded config, independent of the rest of the orchestrator, so it can be
// constructed and handed to ordermonitor.New before the Orchestrator itself
// exists (the monitor is a constructor dependency of the orchestrator, not
// the reverse).
type ConfigResolver struct {
	cfg *config.Config
}

// NewConfigResolver returns a resolver bound to cfg's monitor list.
func NewConfigResolver(cfg *config.Config) *ConfigResolver {
	return &ConfigResolver{cfg: cfg}
}

// ResolveOwnership maps a broker symbol to its owning (monitor, direction)
// via each monitor's order_ownership_mapping, falling back to the static
// long_symbol/short_symbol binding for symbols the mapping does not name.
func (r *ConfigResolver) ResolveOwnership(symbol string) (monitor string, isLong bool, ok bool) {
	for _, m := range r.cfg.Monitors {
		if dir, mapped := m.OrderOwnershipMapping[symbol]; mapped {
			return m.MonitorSymbol, dir == string(types.Long), true
		}
	}
	for _, m := range r.cfg.Monitors {
		if m.LongSymbol == symbol {
			return m.MonitorSymbol, true, true
		}
		if m.ShortSymbol == symbol {
			return m.MonitorSymbol, false, true
		}
	}
	return "", false, false
}

// Boot runs the startup/recovery sequence: wait for session (strict
// mode) or proceed immediately (skip mode), then recover order tracking
// from the broker's live snapshot.
func (o *Orchestrator) Boot(ctx context.Context) error {
	if o.cfg.GateMode == "strict" {
		for {
			now := time.Now()
			if o.calendar.IsContinuousHKSession(now, o.calendar.IsHalfDay(now)) {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}
	}

	for _, m := range o.cfg.Monitors {
		o.reg.EnsureSeat(m.MonitorSymbol, types.Long)
		o.reg.EnsureSeat(m.MonitorSymbol, types.Short)
		o.risk.SetThresholds(m.MonitorSymbol, risk.Thresholds{
			HardDistancePct:            m.LiquidationDistancePct,
			MaxPositionNotional:        m.MaxPositionNotional,
			MaxDailyLoss:               m.MaxDailyLoss,
			MaxUnrealizedLossPerSymbol: m.MaxUnrealizedLossPerSymbol,
		})
		if err := o.client.SubscribeCandlesticks(ctx, m.MonitorSymbol); err != nil {
			log.Printf("[WARN] subscribe_candlesticks %s: %v", m.MonitorSymbol, err)
		}
	}
	if err := o.client.SubscribePrivate(ctx); err != nil {
		return fmt.Errorf("[Startup] subscribe private push: %w", err)
	}

	orders, err := o.client.TodayOrders(ctx, "")
	if err != nil {
		metrics.RecoveryOutcomes.WithLabelValues("error").Inc()
		return fmt.Errorf("[Startup] today_orders: %w", err)
	}
	positions, err := o.client.StockPositions(ctx, nil)
	if err != nil {
		return fmt.Errorf("[Startup] stock_positions: %w", err)
	}
	o.prepareSeats(ctx, orders, positions)

	if err := o.monitor.RecoverOrderTrackingFromSnapshot(ctx, orders); err != nil {
		metrics.RecoveryOutcomes.WithLabelValues("fail_fast").Inc()
		return fmt.Errorf("[Startup] recovery: %w", err)
	}
	metrics.RecoveryOutcomes.WithLabelValues("success").Inc()

	// Rebuild the per-symbol unrealized-loss accumulators from whatever the
	// ledger now holds; empty books simply produce zero accumulators.
	for _, p := range positions {
		if _, isLong, ok := o.resolveOwnership(p.Symbol); ok {
			o.risk.RefreshUnrealizedLossData(o.recorder, p.Symbol, isLong)
		}
	}

	now := time.Now()
	o.gate.SetTradingEnabled(true)
	o.gate.SetExecutionAllowed(true)
	o.mu.Lock()
	o.state.IsTradingEnabled = true
	o.state.CurrentDayKey = o.calendar.DayKey(now)
	o.wasInSession = o.calendar.IsContinuousHKSession(now, o.calendar.IsHalfDay(now))
	o.mu.Unlock()
	metrics.SetTradingEnabled(true)
	return nil
}

func (o *Orchestrator) resolveOwnership(symbol string) (string, bool, bool) {
	return NewConfigResolver(o.cfg).ResolveOwnership(symbol)
}

// prepareSeats restores seat bindings from the broker's live orders and
// positions before recovery runs: any symbol the account
// holds or has live orders on is bound back to its owning seat so strict
// recovery's seat-match checks see the pre-restart world. Warrant strike
// info is re-seeded from the broker's warrant list, best effort.
func (o *Orchestrator) prepareSeats(ctx context.Context, orders []broker.TodayOrder, positions []broker.Position) {
	bind := func(symbol string) {
		monitor, isLong, ok := o.resolveOwnership(symbol)
		if !ok {
			return
		}
		dir := types.Long
		if !isLong {
			dir = types.Short
		}
		seat, _ := o.reg.GetSeatState(monitor, dir)
		if seat.Symbol == symbol {
			return
		}
		o.reg.UpdateSeatState(monitor, dir, func(s *types.Seat) {
			s.Symbol = symbol
			s.Status = types.SeatReady
			s.LastSeatReadyAt = time.Now()
		})
		if err := o.risk.RefreshWarrantInfoForSymbol(symbol, func(sym string) (decimal.Decimal, bool, error) {
			list, err := o.client.WarrantList(ctx, monitor, isLong)
			if err != nil {
				return decimal.Zero, false, err
			}
			for _, w := range list {
				if w.Symbol == sym {
					return w.CallPrice, w.IsLong, nil
				}
			}
			return decimal.Zero, false, fmt.Errorf("symbol %s not in warrant list", sym)
		}); err != nil {
			log.Printf("[WARN][Startup] warrant info for restored seat %s: %v", symbol, err)
		}
	}
	for _, p := range positions {
		if p.Quantity.GreaterThan(decimal.Zero) {
			bind(p.Symbol)
		}
	}
	for _, ord := range orders {
		if ord.Status.IsActive() {
			bind(ord.Symbol)
		}
	}
}

// Run drives the tick loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	stopBuy := o.startProcessor(ctx, o.queues.Buy)
	stopSell := o.startProcessor(ctx, o.queues.Sell)
	stopMonitor := o.startProcessor(ctx, o.queues.Monitor)
	defer stopBuy()
	defer stopSell()
	defer stopMonitor()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.Tick(ctx, now)
		}
	}
}

// startProcessor runs a simple drain loop over one task queue's
// subscriber wakeups; every task handler runs to completion before the
// next for the same queue begins.
func (o *Orchestrator) startProcessor(ctx context.Context, q *taskqueue.Queue) func() {
	wake := make(chan struct{}, 1)
	unsub := q.Subscribe(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(time.Second):
			}
			for {
				t := q.Pop()
				if t == nil {
					break
				}
				o.handleTask(ctx, t)
			}
		}
	}()
	return func() { unsub(); <-done }
}

func (o *Orchestrator) handleTask(ctx context.Context, t *taskqueue.Task) {
	switch p := t.Payload.(type) {
	case buyTask:
		if o.isStaleSignal(p.monitor, p.signal) {
			return
		}
		o.runExecuteSignals(ctx, p.monitor, []types.Signal{p.signal}, p.notional)
		o.mu.Lock()
		o.lastBuyAt[p.monitor] = time.Now()
		o.mu.Unlock()
	case sellTask:
		if o.isStaleSignal(p.monitor, p.signal) {
			return
		}
		o.runExecuteSignals(ctx, p.monitor, []types.Signal{p.signal}, decimal.Zero)
	case monitorTask:
		o.monitor.ProcessWithLatestQuotes(ctx, p.quotes)
		for _, sym := range o.monitor.PendingRefreshSymbols() {
			if _, err := o.client.StockPositions(ctx, []string{sym}); err != nil {
				log.Printf("[WARN] post-trade refresh %s: %v", sym, err)
			}
		}
	}
}

// isStaleSignal implements the seat-version staleness rule: a task carrying
// a seat_version snapshot older than the seat's current version is
// skipped by its processor (the seat was rebound while the task queued).
func (o *Orchestrator) isStaleSignal(monitor string, s types.Signal) bool {
	if s.SeatVersion == 0 {
		return false
	}
	dir := s.Action.DirectionOf()
	if dir == "" {
		return false
	}
	current := o.reg.GetSeatVersion(monitor, dir)
	if s.SeatVersion < current {
		log.Printf("[WARN] skipping stale %s task for %s (seat_version %d < %d)", s.Action, monitor, s.SeatVersion, current)
		return true
	}
	return false
}

func (o *Orchestrator) runExecuteSignals(ctx context.Context, monitor string, signals []types.Signal, notional decimal.Decimal) {
	for _, s := range signals {
		metrics.SignalsEmitted.WithLabelValues(monitor, string(s.Action)).Inc()
	}
	o.exec.ExecuteSignals(ctx, signals, monitor, notional)
}

type buyTask struct {
	monitor  string
	signal   types.Signal
	notional decimal.Decimal
}

type sellTask struct {
	monitor string
	signal  types.Signal
}

type monitorTask struct {
	quotes map[string]decimal.Decimal
}

// Tick runs one orchestrator pass.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) {
	dayKey := o.calendar.DayKey(now)
	isHalfDay := o.calendar.IsHalfDay(now)

	// Step 1: advance day lifecycle.
	o.life.Tick(now, lifecycle.Runtime{DayKey: dayKey, IsTradeable: o.calendar.IsContinuousHKSession(now, isHalfDay), Allowed: true})
	state, enabled := o.life.State()
	o.gate.SetTradingEnabled(enabled)
	o.gate.SetExecutionAllowed(enabled)
	o.mu.Lock()
	o.state.LifecycleState = state
	o.state.IsTradingEnabled = enabled
	o.state.IsHalfDay = isHalfDay
	o.state.CurrentDayKey = dayKey
	o.mu.Unlock()
	metrics.SetTradingEnabled(enabled)
	metrics.LifecycleState.Reset()
	metrics.LifecycleState.WithLabelValues(string(state)).Set(1)
	if state == types.LifecycleMidnightCleaning {
		return
	}

	// Step 2: session check. On the in-session -> out-of-session edge,
	// cancel every monitor's delayed signals and return early.
	inSession := o.calendar.IsContinuousHKSession(now, isHalfDay)
	o.mu.Lock()
	leaving := o.wasInSession && !inSession
	o.wasInSession = inSession
	o.state.CanTrade = inSession
	o.mu.Unlock()
	if !inSession {
		o.gate.SetExecutionAllowed(false)
		if leaving {
			o.verifier.CancelAll()
		}
		return
	}

	// Step 3: open-protection flag.
	openProtection := o.computeOpenProtection(now, isHalfDay)
	o.mu.Lock()
	o.state.OpenProtectionActive = openProtection
	o.mu.Unlock()

	// Step 4: subscription diffing over monitors ∪ active seats ∪ held
	// positions ∪ order-hold symbols. Held/on-order symbols stay in the
	// union, so a seat clear alone never unsubscribes a symbol the
	// account still has exposure to.
	positions, err := o.client.StockPositions(ctx, nil)
	if err != nil {
		log.Printf("[WARN] stock_positions failed: %v", err)
	}
	var held []string
	for _, p := range positions {
		if p.Quantity.GreaterThan(decimal.Zero) {
			held = append(held, p.Symbol)
		}
	}
	var orderHolds []string
	if o.monitor != nil {
		orderHolds = o.monitor.OrderHoldSymbols()
	}
	allSymbols := o.allTradingSymbols(held, orderHolds)
	o.mu.Lock()
	o.state.AllTradingSymbols = make(map[string]struct{}, len(allSymbols))
	for _, s := range allSymbols {
		o.state.AllTradingSymbols[s] = struct{}{}
	}
	o.mu.Unlock()
	o.reconcileSubscriptions(ctx, allSymbols)

	// Step 5: doomsday protection. The clearance window short-circuits
	// the rest of the tick.
	if o.runDoomsdayProtection(ctx, now, isHalfDay, dayKey, positions) {
		return
	}

	// Step 6: quotes + per-monitor compute.
	quotes, err := o.client.GetQuotes(ctx, allSymbols)
	if err != nil {
		log.Printf("[WARN] get_quotes failed: %v", err)
		return
	}
	priceMap := make(map[string]decimal.Decimal, len(quotes))
	for sym, q := range quotes {
		priceMap[sym] = q.Price
	}

	// Step 7: delayed-signal promotions, routed back to their owning
	// monitor, then per-monitor strategy/scheduling.
	promotedByMonitor := make(map[string][]types.Signal)
	for _, s := range o.verifier.Tick(now) {
		s.VerificationHistory = append(s.VerificationHistory, "delayed re-check passed at "+now.Format(time.RFC3339))
		promotedByMonitor[s.IndicatorsSnapshot.Monitor] = append(promotedByMonitor[s.IndicatorsSnapshot.Monitor], s)
	}
	for _, m := range o.cfg.Monitors {
		o.tickMonitor(ctx, m, now, priceMap, openProtection, dayKey, promotedByMonitor[m.MonitorSymbol])
	}

	// Step 8: schedule order-monitor price-chase + post-trade refresh.
	o.queues.Monitor.ScheduleLatest("price-chase", monitorTask{quotes: priceMap})
}

// runDoomsdayProtection implements the pre-close safety sweep: within the
// pre-close cancel window, outstanding buys are cancelled; within the
// final clearance window, every held seat position is force-sold at
// market and the remainder of the tick is skipped. Clearance fires at
// most once per trading day.
func (o *Orchestrator) runDoomsdayProtection(ctx context.Context, now time.Time, isHalfDay bool, dayKey string, positions []broker.Position) bool {
	if !o.cfg.Global.DoomsdayProtection {
		return false
	}
	closeAt := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, now.Location())
	if isHalfDay {
		closeAt = time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, now.Location())
	}
	cancelMin, clearMin := o.cfg.DoomsdayWindows()
	untilClose := closeAt.Sub(now)
	if untilClose < 0 || untilClose > time.Duration(cancelMin)*time.Minute {
		return false
	}

	if o.monitor != nil {
		o.monitor.CancelPendingBuys(ctx)
	}
	if untilClose > time.Duration(clearMin)*time.Minute {
		return false
	}
	o.mu.Lock()
	alreadyFired := o.doomsdayFiredDay == dayKey
	o.doomsdayFiredDay = dayKey
	o.mu.Unlock()
	if alreadyFired {
		return true
	}

	log.Printf("[Doomsday] clearance window entered, force-selling held seat positions")
	heldBySymbol := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		heldBySymbol[p.Symbol] = p.Quantity
	}
	for _, seat := range o.reg.All() {
		qty := heldBySymbol[seat.Symbol]
		if seat.Symbol == "" || qty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		action := types.ActionSellCall
		if seat.Direction == types.Short {
			action = types.ActionSellPut
		}
		related, err := o.recorder.AllocateRelatedBuyOrderIDsForRecovery(seat.Symbol, seat.Direction, qty)
		if err != nil {
			log.Printf("[WARN][Doomsday] allocate lots for %s: %v", seat.Symbol, err)
		}
		sig := types.Signal{
			Symbol: seat.Symbol, Action: action, Quantity: qty,
			OrderTypeOverride: types.OrderTypeMO, IsProtectiveLiquidation: true,
			RelatedBuyOrderIDs: related, TriggerTime: now, Reason: "doomsday clearance",
			SeatVersion: seat.Version,
		}
		o.exec.ExecuteSignals(ctx, []types.Signal{sig}, seat.Monitor, decimal.Zero)
	}
	return true
}

func (o *Orchestrator) computeOpenProtection(now time.Time, isHalfDay bool) bool {
	morning := o.cfg.Global.OpenProtection.Morning
	afternoon := o.cfg.Global.OpenProtection.Afternoon
	_ = isHalfDay
	if morning.Enabled {
		open := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, now.Location())
		if now.After(open) && now.Before(open.Add(time.Duration(morning.Minutes)*time.Minute)) {
			return true
		}
	}
	if afternoon.Enabled {
		open := time.Date(now.Year(), now.Month(), now.Day(), 13, 0, 0, 0, now.Location())
		if now.After(open) && now.Before(open.Add(time.Duration(afternoon.Minutes)*time.Minute)) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) allTradingSymbols(held, orderHolds []string) []string {
	set := make(map[string]struct{})
	for _, m := range o.cfg.Monitors {
		set[m.MonitorSymbol] = struct{}{}
	}
	for _, s := range o.reg.All() {
		if s.Symbol != "" {
			set[s.Symbol] = struct{}{}
		}
	}
	for _, s := range held {
		set[s] = struct{}{}
	}
	for _, s := range orderHolds {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (o *Orchestrator) reconcileSubscriptions(ctx context.Context, symbols []string) {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	o.mu.Lock()
	var toAdd, toRemove []string
	for s := range want {
		if _, ok := o.subscribed[s]; !ok {
			toAdd = append(toAdd, s)
		}
	}
	for s := range o.subscribed {
		if _, ok := want[s]; !ok {
			toRemove = append(toRemove, s)
		}
	}
	for _, s := range toAdd {
		o.subscribed[s] = struct{}{}
	}
	for _, s := range toRemove {
		delete(o.subscribed, s)
	}
	o.mu.Unlock()

	if len(toAdd) > 0 {
		if err := o.client.SubscribeSymbols(ctx, toAdd); err != nil {
			log.Printf("[WARN] subscribe_symbols failed: %v", err)
		}
	}
	if len(toRemove) > 0 {
		if err := o.client.UnsubscribeSymbols(ctx, toRemove); err != nil {
			log.Printf("[WARN] unsubscribe_symbols failed: %v", err)
		}
	}
}

// seatSymbols resolves the monitor's live long/short symbols from the
// registry, falling back to the configured statics for seats auto-search
// has not (re)bound.
func (o *Orchestrator) seatSymbols(m config.MonitorConfig) (longSym, shortSym string) {
	longSym, shortSym = m.LongSymbol, m.ShortSymbol
	if seat, ok := o.reg.GetSeatState(m.MonitorSymbol, types.Long); ok && seat.Symbol != "" {
		longSym = seat.Symbol
	}
	if seat, ok := o.reg.GetSeatState(m.MonitorSymbol, types.Short); ok && seat.Symbol != "" {
		shortSym = seat.Symbol
	}
	return longSym, shortSym
}

// computeSnapshot implements candle-fingerprint reuse: if the monitor's
// latest candle fingerprint is unchanged
// since the previous tick, the last snapshot is reused; otherwise
// indicators are recomputed and pushed into the per-monitor cache.
func (o *Orchestrator) computeSnapshot(ctx context.Context, monitor string, now time.Time) types.IndicatorSnapshot {
	candles, err := o.client.GetRealtimeCandlesticks(ctx, monitor, 120)
	if err != nil {
		log.Printf("[WARN] get_realtime_candlesticks %s: %v", monitor, err)
	}
	fingerprint := ""
	if len(candles) > 0 {
		last := candles[len(candles)-1]
		fingerprint = last.Time.UTC().Format(time.RFC3339) + "|" + last.Close.String()
	}

	o.mu.Lock()
	ms, ok := o.monitorStates[monitor]
	if !ok {
		ms = &types.MonitorState{Monitor: monitor}
		o.monitorStates[monitor] = ms
	}
	engine := o.indicators
	if fingerprint != "" && fingerprint == ms.LastCandleFingerprint {
		snap := ms.LastIndicatorSnapshot
		o.mu.Unlock()
		return snap
	}
	o.mu.Unlock()

	values := map[string]decimal.Decimal{}
	if engine != nil && len(candles) > 0 {
		computed, err := engine.Compute(monitor, candles)
		if err != nil {
			log.Printf("[WARN] indicator compute %s: %v", monitor, err)
		} else {
			values = computed
		}
	}
	snap := types.IndicatorSnapshot{Monitor: monitor, CandleFingerprint: fingerprint, ComputedAt: now, Values: values}
	o.mu.Lock()
	ms.LastCandleFingerprint = fingerprint
	ms.LastIndicatorSnapshot = snap
	o.mu.Unlock()
	return snap
}

// latestIndicatorValues returns the most recent snapshot values for a
// monitor, used by the delayed verifier's re-check.
func (o *Orchestrator) latestIndicatorValues(monitor string) map[string]decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if ms, ok := o.monitorStates[monitor]; ok {
		return ms.LastIndicatorSnapshot.Values
	}
	return nil
}

// protectiveSignals runs the per-tick forced-liquidation checks for a
// monitor's held seats: a strike-distance breach or an unrealized-loss
// breach produces a protective market sell of the held quantity.
func (o *Orchestrator) protectiveSignals(m config.MonitorConfig, now time.Time, longSymbol, shortSymbol string, monitorPrice decimal.Decimal, prices map[string]decimal.Decimal, availQty map[bool]decimal.Decimal) []types.Signal {
	var out []types.Signal
	check := func(symbol string, isLong bool) {
		qty := availQty[isLong]
		if symbol == "" || qty.LessThanOrEqual(decimal.Zero) {
			return
		}
		action := types.ActionSellCall
		dir := types.Long
		if !isLong {
			action = types.ActionSellPut
			dir = types.Short
		}
		reason := ""
		if liquidate, r := o.risk.CheckWarrantDistanceLiquidation(m.MonitorSymbol, symbol, isLong, monitorPrice); liquidate {
			reason = r
		} else if liquidate, lossQty := o.risk.CheckUnrealizedLoss(m.MonitorSymbol, symbol, prices[symbol]); liquidate {
			reason = "[风控] unrealized loss cap breached for " + symbol
			if lossQty.LessThan(qty) {
				qty = lossQty
			}
		}
		if reason == "" {
			return
		}
		related, err := o.recorder.AllocateRelatedBuyOrderIDsForRecovery(symbol, dir, qty)
		if err != nil {
			log.Printf("[WARN][风控] allocate lots for protective sell %s: %v", symbol, err)
		}
		out = append(out, types.Signal{
			Symbol: symbol, Action: action, Quantity: qty, Price: prices[symbol],
			OrderTypeOverride: types.OrderTypeMO, IsProtectiveLiquidation: true,
			RelatedBuyOrderIDs: related, Reason: reason, TriggerTime: now,
			SeatVersion: o.reg.GetSeatVersion(m.MonitorSymbol, dir),
		})
		log.Printf("%s -> protective liquidation qty=%s", reason, qty.String())
	}
	check(longSymbol, true)
	check(shortSymbol, false)
	return out
}

func (o *Orchestrator) tickMonitor(ctx context.Context, m config.MonitorConfig, now time.Time, prices map[string]decimal.Decimal, openProtection bool, dayKey string, promoted []types.Signal) {
	longSymbol, shortSymbol := o.seatSymbols(m)
	monitorPrice := prices[m.MonitorSymbol]
	longPrice := prices[longSymbol]
	shortPrice := prices[shortSymbol]

	snapshot := o.computeSnapshot(ctx, m.MonitorSymbol, now)

	sigCfg := toStrategyConfig(m.Signals)
	verifyCfg := toVerificationConfig(m.Verification)
	immediate, delayedSignals := strategy.Decide(m.MonitorSymbol, sigCfg, verifyCfg, snapshot, longPrice, shortPrice)

	symbolFor := func(s types.Signal) string {
		if s.Action.DirectionOf() == types.Short {
			return shortSymbol
		}
		return longSymbol
	}
	stamp := func(s *types.Signal) {
		s.Symbol = symbolFor(*s)
		s.SeatVersion = o.reg.GetSeatVersion(m.MonitorSymbol, s.Action.DirectionOf())
		if s.Action.IsBuy() {
			s.LotSize = m.LotSize
		}
	}
	for i := range immediate {
		stamp(&immediate[i])
	}
	for i := range delayedSignals {
		stamp(&delayedSignals[i])
	}

	for _, s := range delayedSignals {
		dir := s.Action.DirectionOf()
		delay := verifyCfg.Buy.DelaySeconds
		indicators := verifyCfg.Buy.Indicators
		if s.Action.IsSell() {
			delay = verifyCfg.Sell.DelaySeconds
			indicators = verifyCfg.Sell.Indicators
		}
		o.verifier.Schedule(s.Symbol, dir, s, delay, func(sig types.Signal) bool {
			return strategy.EvaluateAction(sigCfg, sig.Action, o.latestIndicatorValues(m.MonitorSymbol), indicators)
		})
	}
	immediate = append(immediate, promoted...)

	o.mu.Lock()
	if ms, ok := o.monitorStates[m.MonitorSymbol]; ok {
		ms.MonitorPrice = monitorPrice
		ms.LongPrice = longPrice
		ms.ShortPrice = shortPrice
		ms.PendingDelayedSignals = o.verifier.Len()
	}
	o.mu.Unlock()

	account, _ := o.client.AccountBalance(ctx)
	positions, _ := o.client.StockPositions(ctx, []string{longSymbol, shortSymbol})
	riskPositions := make([]risk.PositionSnapshot, 0, len(positions))
	availQty := map[bool]decimal.Decimal{true: decimal.Zero, false: decimal.Zero}
	for _, p := range positions {
		riskPositions = append(riskPositions, risk.PositionSnapshot{Symbol: p.Symbol, Quantity: p.Quantity, Notional: p.Notional})
		if p.Symbol == longSymbol {
			availQty[true] = p.Quantity
		}
		if p.Symbol == shortSymbol {
			availQty[false] = p.Quantity
		}
	}

	// Protective liquidation checks: strike-distance breach and
	// unrealized-loss breach both force a full sell of the held quantity.
	immediate = append(immediate, o.protectiveSignals(m, now, longSymbol, shortSymbol, monitorPrice, prices, availQty)...)

	longSells := make([]types.Signal, 0)
	shortSells := make([]types.Signal, 0)
	buys := make([]types.Signal, 0)
	for _, s := range immediate {
		switch {
		case s.Action.IsSell() && s.Action.DirectionOf() == types.Long:
			longSells = append(longSells, s)
		case s.Action.IsSell():
			shortSells = append(shortSells, s)
		case s.Action.IsBuy():
			buys = append(buys, s)
		}
	}

	processedSells := o.sigproc.ProcessSellSignals(longSells, availQty[true], m.SmartCloseEnabled, m.SmartCloseTimeoutMinutes, now, o.calendar)
	processedSells = append(processedSells, o.sigproc.ProcessSellSignals(shortSells, availQty[false], m.SmartCloseEnabled, m.SmartCloseTimeoutMinutes, now, o.calendar)...)
	allowedSells, denied := o.sigproc.ApplyRiskChecks(m.MonitorSymbol, processedSells, risk.AccountSnapshot{AvailableCash: account.AvailableCash}, riskPositions, monitorPrice)
	for reason := range denied {
		metrics.GateRejections.WithLabelValues(m.MonitorSymbol, reason).Inc()
	}
	allowedBuys, denied2 := o.sigproc.ApplyRiskChecks(m.MonitorSymbol, buys, risk.AccountSnapshot{AvailableCash: account.AvailableCash}, riskPositions, monitorPrice)
	for reason := range denied2 {
		metrics.GateRejections.WithLabelValues(m.MonitorSymbol, reason).Inc()
	}

	if !openProtection {
		for _, s := range allowedBuys {
			if o.buyBlocked(m.MonitorSymbol, s.Action.DirectionOf(), m.BuyIntervalSeconds, now) {
				metrics.GateRejections.WithLabelValues(m.MonitorSymbol, "buy_cooldown").Inc()
				continue
			}
			o.queues.Buy.ScheduleLatest(m.MonitorSymbol+":"+string(s.Action), buyTask{monitor: m.MonitorSymbol, signal: s, notional: m.TargetNotional})
		}
	}
	for _, s := range allowedSells {
		o.queues.Sell.ScheduleLatest(m.MonitorSymbol+":"+string(s.Action), sellTask{monitor: m.MonitorSymbol, signal: s})
	}

	if m.AutoSearch.Enabled {
		o.auto.Configure(m.MonitorSymbol, types.Long, autosymbol.SearchConfig{
			Enabled: true, SwitchDistanceRangeLow: m.AutoSearch.SwitchDistanceRangeBull[0], SwitchDistanceRangeHigh: m.AutoSearch.SwitchDistanceRangeBull[1],
			LotSize: m.LotSize,
		})
		o.auto.Configure(m.MonitorSymbol, types.Short, autosymbol.SearchConfig{
			Enabled: true, SwitchDistanceRangeLow: m.AutoSearch.SwitchDistanceRangeBear[0], SwitchDistanceRangeHigh: m.AutoSearch.SwitchDistanceRangeBear[1],
			LotSize: m.LotSize,
		})
		o.auto.MaybeSearchOnTick(ctx, m.MonitorSymbol, types.Long, dayKey, openProtection)
		o.auto.MaybeSearchOnTick(ctx, m.MonitorSymbol, types.Short, dayKey, openProtection)
		o.auto.MaybeSwitchOnDistance(ctx, m.MonitorSymbol, types.Long, monitorPrice, longPrice, availQty[true], dayKey)
		o.auto.MaybeSwitchOnDistance(ctx, m.MonitorSymbol, types.Short, monitorPrice, shortPrice, availQty[false], dayKey)
	}
}

func toStrategyConfig(c config.SignalConfig) strategy.SignalConfig {
	conv := func(groups []config.ConditionGroupConfig) []strategy.ConditionGroup {
		out := make([]strategy.ConditionGroup, 0, len(groups))
		for _, g := range groups {
			conds := make([]strategy.Condition, 0, len(g.Conditions))
			for _, c := range g.Conditions {
				conds = append(conds, strategy.Condition{Indicator: c.Indicator, Op: c.Op, Threshold: c.Threshold})
			}
			out = append(out, strategy.ConditionGroup{Conditions: conds})
		}
		return out
	}
	return strategy.SignalConfig{
		BuyCall: conv(c.BuyCall), SellCall: conv(c.SellCall), BuyPut: conv(c.BuyPut), SellPut: conv(c.SellPut),
	}
}

func toVerificationConfig(c config.VerificationConfig) strategy.VerificationConfig {
	return strategy.VerificationConfig{
		Buy:  strategy.DelayedCheck{DelaySeconds: time.Duration(c.Buy.DelaySeconds) * time.Second, Indicators: c.Buy.Indicators},
		Sell: strategy.DelayedCheck{DelaySeconds: time.Duration(c.Sell.DelaySeconds) * time.Second, Indicators: c.Sell.Indicators},
	}
}
