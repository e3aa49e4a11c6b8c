// Package ordermonitor is the order monitor: tracked-order lifecycle,
// per-tick price chase, timeout handling, push-driven reconciliation,
// and strict startup recovery behind a two-state BOOTSTRAPPING/ACTIVE
// runtime.
package ordermonitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/broker"
	"github.com/hkwarrants/engine/internal/ledger"
	"github.com/hkwarrants/engine/internal/metrics"
	"github.com/hkwarrants/engine/internal/registry"
	"github.com/hkwarrants/engine/internal/types"
)

// statuses the price chase must never attempt to replace.
var nonReplaceable = map[types.OrderStatus]bool{
	types.StatusFilled:   true,
	types.StatusCanceled: true,
	types.StatusRejected: true,
}

// OwnershipResolver maps a broker order to (monitor_symbol, is_long) via
// the per-monitor order-ownership mapping in the config.
type OwnershipResolver interface {
	ResolveOwnership(symbol string) (monitor string, isLong bool, ok bool)
}

// Config carries the monitor's per-order-side tuning knobs.
type Config struct {
	PriceUpdateInterval time.Duration
	PriceTickThreshold   decimal.Decimal
	BuyTimeoutEnabled    bool
	BuyTimeout           time.Duration
	SellTimeoutEnabled   bool
	SellTimeout          time.Duration
	Decimals             int32
}

// Monitor owns tracked orders and drives their lifecycle.
type Monitor struct {
	mu    sync.Mutex
	state types.RuntimeState

	tracked               map[string]*types.TrackedOrder
	pendingRefreshSymbols map[string]struct{}
	bootstrapBuffer       map[string]*bufferedEvent

	cfg      Config
	client   broker.Client
	recorder *ledger.Recorder
	reg      *registry.Registry
	resolver OwnershipResolver

	onTerminal         func(order types.TrackedOrder, evt broker.OrderChanged, realizedPnL decimal.Decimal)
	isExecutionAllowed func() bool
}

type bufferedEvent struct {
	evt       broker.OrderChanged
	seq       int // arrival order, used as the null-vs-null tie-break
}

// New returns a monitor in BOOTSTRAPPING state.
func New(cfg Config, client broker.Client, recorder *ledger.Recorder, reg *registry.Registry, resolver OwnershipResolver, isExecutionAllowed func() bool) *Monitor {
	return &Monitor{
		state:                 types.RuntimeBootstrapping,
		tracked:               make(map[string]*types.TrackedOrder),
		pendingRefreshSymbols: make(map[string]struct{}),
		bootstrapBuffer:       make(map[string]*bufferedEvent),
		cfg:                   cfg,
		client:                client,
		recorder:              recorder,
		reg:                   reg,
		resolver:              resolver,
		isExecutionAllowed:    isExecutionAllowed,
	}
}

// State returns the current runtime state.
func (m *Monitor) State() types.RuntimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TrackOrder registers a newly submitted order. Called by the executor
// immediately before submit (under the provisional client order id) so a
// push arriving during the submit round-trip finds the order tracked.
func (m *Monitor) TrackOrder(o types.TrackedOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[o.OrderID] = &o
}

// Untrack drops an order without side effects, for the executor's
// submit-failure rollback path.
func (m *Monitor) Untrack(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, orderID)
}

// RekeyOrder moves a tracked order from its provisional client id to the
// broker-assigned id. No-op if the provisional id is no longer tracked
// (the fill push may have consumed it during the submit round-trip).
func (m *Monitor) RekeyOrder(oldID, newID string) {
	if oldID == newID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.tracked[oldID]
	if !ok {
		return
	}
	delete(m.tracked, oldID)
	o.OrderID = newID
	m.tracked[newID] = o
}

// OrderHoldSymbols returns the distinct symbols with at least one live
// tracked order, feeding the orchestrator's all_trading_symbols union.
func (m *Monitor) OrderHoldSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]struct{})
	for _, o := range m.tracked {
		set[o.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// CancelBuysForSymbol cancels every live tracked buy on one symbol,
// returning the first cancel error — the switch machine's CANCEL_PENDING
// stage aborts the switch on failure.
func (m *Monitor) CancelBuysForSymbol(ctx context.Context, symbol string) error {
	m.mu.Lock()
	var ids []string
	for id, o := range m.tracked {
		if o.Symbol == symbol && o.Side == types.Buy && o.Status.IsActive() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.client.CancelOrder(ctx, id); err != nil {
			return fmt.Errorf("[订单监控] cancel buy %s on %s: %w", id, symbol, err)
		}
	}
	return nil
}

// CancelPendingBuys cancels every tracked buy order, used by doomsday
// protection's pre-close sweep. Cancel failures are logged and skipped;
// the broker push drives the actual drop from tracking.
func (m *Monitor) CancelPendingBuys(ctx context.Context) {
	m.mu.Lock()
	var ids []string
	for id, o := range m.tracked {
		if o.Side == types.Buy && o.Status.IsActive() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.client.CancelOrder(ctx, id); err != nil {
			log.Printf("[WARN][订单监控] doomsday cancel buy %s failed: %v", id, err)
		}
	}
}

// PendingRefreshSymbols drains and returns the symbols queued for
// post-trade account/position refresh.
func (m *Monitor) PendingRefreshSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pendingRefreshSymbols) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.pendingRefreshSymbols))
	for s := range m.pendingRefreshSymbols {
		out = append(out, s)
	}
	m.pendingRefreshSymbols = make(map[string]struct{})
	return out
}

// OnOrderChanged is the broker push callback, registered via
// client.SetOnOrderChanged. Events are buffered while BOOTSTRAPPING and
// applied while ACTIVE.
func (m *Monitor) OnOrderChanged(evt broker.OrderChanged) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == types.RuntimeBootstrapping {
		m.bufferLocked(evt)
		return
	}
	m.applyLocked(evt)
}

// bufferLocked keeps the latest event per order id with the
// null-updated_at tie-break: non-null overrides null; null-vs-null is
// last-arrived-wins. Caller holds m.mu.
var bootstrapSeq int

func (m *Monitor) bufferLocked(evt broker.OrderChanged) {
	bootstrapSeq++
	existing, ok := m.bootstrapBuffer[evt.OrderID]
	if !ok {
		m.bootstrapBuffer[evt.OrderID] = &bufferedEvent{evt: evt, seq: bootstrapSeq}
		return
	}
	switch {
	case evt.UpdatedAt != nil && existing.evt.UpdatedAt == nil:
		m.bootstrapBuffer[evt.OrderID] = &bufferedEvent{evt: evt, seq: bootstrapSeq}
	case evt.UpdatedAt == nil && existing.evt.UpdatedAt != nil:
		// non-null existing wins; drop incoming null.
	case evt.UpdatedAt != nil && existing.evt.UpdatedAt != nil:
		if evt.UpdatedAt.After(*existing.evt.UpdatedAt) {
			m.bootstrapBuffer[evt.OrderID] = &bufferedEvent{evt: evt, seq: bootstrapSeq}
		}
	default: // both null: last-arrived wins
		m.bootstrapBuffer[evt.OrderID] = &bufferedEvent{evt: evt, seq: bootstrapSeq}
	}
}

// applyLocked is the ACTIVE push handler. Caller holds m.mu.
func (m *Monitor) applyLocked(evt broker.OrderChanged) {
	o, known := m.tracked[evt.OrderID]
	if !known {
		if evt.Status.IsTerminal() {
			// Unknown + terminal: release any pending-sell hold keyed by
			// this order id and nothing more.
			for _, ps := range m.recorder.GetPendingSellSnapshot() {
				if ps.OrderID == evt.OrderID {
					m.recorder.MarkSellCancelled(ps.Symbol, ps.Direction, ps.OrderID)
				}
			}
		}
		return
	}
	o.Status = evt.Status
	o.ExecutedQuantity = evt.ExecutedQuantity

	switch evt.Status {
	case types.StatusFilled:
		m.handleFilledLocked(o, evt)
		delete(m.tracked, o.OrderID)
	case types.StatusCanceled, types.StatusRejected:
		if o.Side == types.Sell {
			dir := types.Long
			if !o.IsLongSymbol {
				dir = types.Short
			}
			m.recorder.MarkSellCancelled(o.Symbol, dir, o.OrderID)
		}
		delete(m.tracked, o.OrderID)
	case types.StatusPartialFilled:
		if o.Side == types.Sell {
			dir := types.Long
			if !o.IsLongSymbol {
				dir = types.Short
			}
			m.recorder.MarkSellPartialFilled(o.Symbol, dir, o.OrderID, o.ExecutedQuantity)
		}
	}
}

func (m *Monitor) handleFilledLocked(o *types.TrackedOrder, evt broker.OrderChanged) {
	dir := types.Long
	if !o.IsLongSymbol {
		dir = types.Short
	}
	realized := decimal.Zero
	if o.Side == types.Buy {
		m.recorder.RecordLocalBuy(o.Symbol, evt.ExecutedPrice, evt.ExecutedQuantity, o.IsLongSymbol, time.Now(), o.OrderID)
	} else {
		m.recorder.MarkSellFilled(o.Symbol, dir, o.OrderID)
		realized = m.recorder.RecordLocalSell(o.Symbol, evt.ExecutedPrice, evt.ExecutedQuantity, o.IsLongSymbol, time.Now(), o.OrderID)
	}
	m.pendingRefreshSymbols[o.Symbol] = struct{}{}
	metrics.OrdersFilled.WithLabelValues(o.MonitorSymbol, string(o.Side)).Inc()
	if m.onTerminal != nil {
		m.onTerminal(*o, evt, realized)
	}
	log.Printf("[订单监控] filled order=%s symbol=%s side=%s qty=%s price=%s", o.OrderID, o.Symbol, o.Side, evt.ExecutedQuantity, evt.ExecutedPrice)
}

// SetOnTerminal registers a callback invoked after a Filled transition is
// applied (used by the orchestrator to emit trade-log entries and
// liquidation cooldowns without the monitor depending on those packages).
// realizedPnL is nonzero only for sells.
func (m *Monitor) SetOnTerminal(cb func(order types.TrackedOrder, evt broker.OrderChanged, realizedPnL decimal.Decimal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = cb
}

// ProcessWithLatestQuotes runs the per-tick price chase over every
// tracked order.
func (m *Monitor) ProcessWithLatestQuotes(ctx context.Context, quotes map[string]decimal.Decimal) {
	m.mu.Lock()
	candidates := make([]*types.TrackedOrder, 0, len(m.tracked))
	for _, o := range m.tracked {
		candidates = append(candidates, o)
	}
	m.mu.Unlock()

	for _, o := range candidates {
		m.processOneOrder(ctx, o, quotes)
	}
}

func (m *Monitor) processOneOrder(ctx context.Context, o *types.TrackedOrder, quotes map[string]decimal.Decimal) {
	m.mu.Lock()
	cur, stillTracked := m.tracked[o.OrderID]
	if !stillTracked {
		m.mu.Unlock()
		return
	}
	if cur.ConvertedToMarket || !cur.OrderType.IsReplaceable() || nonReplaceable[cur.Status] {
		m.mu.Unlock()
		return
	}
	snapshot := *cur
	m.mu.Unlock()

	if snapshot.Side == types.Buy && m.cfg.BuyTimeoutEnabled && time.Since(snapshot.SubmittedAt) >= m.cfg.BuyTimeout {
		m.handleBuyTimeout(ctx, snapshot)
		return
	}
	if snapshot.Side == types.Sell && m.cfg.SellTimeoutEnabled && time.Since(snapshot.SubmittedAt) >= m.cfg.SellTimeout {
		m.handleSellTimeout(ctx, snapshot)
		return
	}

	if snapshot.Status == types.StatusPendingReplace {
		// Skip further replace attempts while the broker reports an
		// extended PendingReplace.
		return
	}

	quote, ok := quotes[snapshot.Symbol]
	if !ok {
		return
	}
	if time.Since(snapshot.LastPriceUpdateAt) < m.cfg.PriceUpdateInterval {
		return
	}
	diff := quote.Sub(snapshot.SubmittedPrice).Abs()
	if diff.LessThan(m.cfg.PriceTickThreshold) {
		return
	}
	newPrice := quote.Round(m.cfg.Decimals)
	if err := m.client.ReplaceOrder(ctx, broker.ReplacePayload{OrderID: snapshot.OrderID, Price: newPrice, Quantity: snapshot.SubmittedQuantity}); err != nil {
		log.Printf("[WARN][订单监控] replace_order %s failed: %v", snapshot.OrderID, err)
		return
	}
	m.mu.Lock()
	if cur, ok := m.tracked[snapshot.OrderID]; ok {
		cur.SubmittedPrice = newPrice
		cur.LastPriceUpdateAt = time.Now()
		cur.Status = types.StatusWaitToReplace
	}
	m.mu.Unlock()
}

// handleBuyTimeout cancels a timed-out buy; never chase upward after a
// miss.
func (m *Monitor) handleBuyTimeout(ctx context.Context, o types.TrackedOrder) {
	metrics.OrdersTimeout.WithLabelValues(o.MonitorSymbol, string(types.Buy)).Inc()
	if err := m.client.CancelOrder(ctx, o.OrderID); err != nil {
		log.Printf("[WARN][订单监控] buy timeout cancel %s failed: %v", o.OrderID, err)
	}
}

// handleSellTimeout cancels a timed-out sell, then (gate permitting)
// submits a market order for the remainder. The
// cancelled sell's occupied buy ids are released first and reused for the
// market conversion; if the gate aborts between cancel and submit, the
// release stands and only the cancel is applied.
func (m *Monitor) handleSellTimeout(ctx context.Context, o types.TrackedOrder) {
	metrics.OrdersTimeout.WithLabelValues(o.MonitorSymbol, string(types.Sell)).Inc()
	if err := m.client.CancelOrder(ctx, o.OrderID); err != nil {
		log.Printf("[WARN][订单监控] sell timeout cancel %s failed: %v", o.OrderID, err)
		return
	}
	dir := types.Long
	if !o.IsLongSymbol {
		dir = types.Short
	}
	related := m.recorder.MarkSellCancelled(o.Symbol, dir, o.OrderID)
	remaining := o.SubmittedQuantity.Sub(o.ExecutedQuantity)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return
	}
	if m.isExecutionAllowed != nil && !m.isExecutionAllowed() {
		log.Printf("[订单监控] sell timeout: cancel retained, market order skipped (execution disallowed) order=%s", o.OrderID)
		return
	}
	placed, err := m.client.SubmitOrder(ctx, broker.OrderPayload{
		Symbol: o.Symbol, Side: types.Sell, Quantity: remaining, OrderType: types.OrderTypeMO,
	})
	if err != nil {
		log.Printf("[WARN][订单监控] sell timeout market submit failed: %v", err)
		return
	}
	if err := m.recorder.SubmitSellOrder(placed.OrderID, o.Symbol, dir, remaining, related, time.Now()); err != nil {
		log.Printf("[WARN][订单监控] re-occupy lots for market conversion %s failed: %v", placed.OrderID, err)
	}
	m.TrackOrder(types.TrackedOrder{
		OrderID: placed.OrderID, Symbol: o.Symbol, Side: types.Sell, IsLongSymbol: o.IsLongSymbol,
		MonitorSymbol: o.MonitorSymbol, IsProtectiveLiquidation: o.IsProtectiveLiquidation,
		OrderType: types.OrderTypeMO, SubmittedQuantity: remaining, Status: placed.Status,
		SubmittedAt: time.Now(), LastPriceUpdateAt: time.Now(), ConvertedToMarket: true,
	})
}

// RecoveryError is a fail-fast error from recover_order_tracking_from_snapshot.
type RecoveryError struct{ Msg string }

func (e *RecoveryError) Error() string { return "[订单监控] " + e.Msg }

// RecoverOrderTrackingFromSnapshot rebuilds order tracking from the
// broker's live-order snapshot, failing fast on any inconsistency.
func (m *Monitor) RecoverOrderTrackingFromSnapshot(ctx context.Context, snapshot []broker.TodayOrder) error {
	m.mu.Lock()
	m.state = types.RuntimeBootstrapping
	m.tracked = make(map[string]*types.TrackedOrder)
	m.mu.Unlock()
	m.recorder.ReleaseAllPendingSellOccupancy()

	snapshotPendingIDs := make(map[string]struct{})
	cancelledDuringRecovery := make(map[string]struct{})

	for _, so := range snapshot {
		if !so.Status.IsActive() {
			continue
		}
		snapshotPendingIDs[so.OrderID] = struct{}{}

		monitor, isLong, resolved := m.resolver.ResolveOwnership(so.Symbol)
		dir := types.Long
		if !isLong {
			dir = types.Short
		}
		seatMatches := false
		if resolved {
			if seat, ok := m.reg.GetSeatState(monitor, dir); ok {
				seatMatches = seat.Symbol == so.Symbol
			}
		}

		if so.Side == types.Sell {
			if !resolved || !seatMatches {
				return &RecoveryError{Msg: fmt.Sprintf("unresolved/mismatched ownership for live sell %s on %s", so.OrderID, so.Symbol)}
			}
			related, err := m.recorder.AllocateRelatedBuyOrderIDsForRecovery(so.Symbol, dir, so.SubmittedQty.Sub(so.ExecutedQty))
			if err != nil {
				return &RecoveryError{Msg: fmt.Sprintf("allocate recovery sell %s: %v", so.OrderID, err)}
			}
			if err := m.recorder.SubmitSellOrder(so.OrderID, so.Symbol, dir, so.SubmittedQty, related, so.SubmittedAt); err != nil {
				return &RecoveryError{Msg: fmt.Sprintf("register recovery sell %s: %v", so.OrderID, err)}
			}
			m.trackRestored(so, isLong, monitor)
			continue
		}

		// Buy.
		if !resolved || !seatMatches {
			if err := m.client.CancelOrder(ctx, so.OrderID); err != nil {
				return &RecoveryError{Msg: fmt.Sprintf("cancel unresolved buy %s: %v", so.OrderID, err)}
			}
			cancelledDuringRecovery[so.OrderID] = struct{}{}
			continue
		}
		m.trackRestored(so, isLong, monitor)
	}

	consumedByReplay := m.replayBootstrapBuffer()

	if err := m.reconcile(snapshotPendingIDs, cancelledDuringRecovery, consumedByReplay); err != nil {
		m.mu.Lock()
		m.tracked = make(map[string]*types.TrackedOrder)
		m.bootstrapBuffer = make(map[string]*bufferedEvent)
		m.mu.Unlock()
		m.recorder.ReleaseAllPendingSellOccupancy()
		return err
	}

	m.mu.Lock()
	m.state = types.RuntimeActive
	m.mu.Unlock()
	return nil
}

func (m *Monitor) trackRestored(so broker.TodayOrder, isLong bool, monitor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[so.OrderID] = &types.TrackedOrder{
		OrderID: so.OrderID, Symbol: so.Symbol, Side: so.Side, IsLongSymbol: isLong,
		MonitorSymbol: monitor, OrderType: so.OrderType,
		SubmittedPrice: so.SubmittedPrice, SubmittedQuantity: so.SubmittedQty,
		ExecutedQuantity: so.ExecutedQty, Status: so.Status, SubmittedAt: so.SubmittedAt,
		LastPriceUpdateAt: so.SubmittedAt,
	}
}

// replayBootstrapBuffer replays buffered push events sorted by
// updated_at; events with a null updated_at sort by
// arrival order after all non-null events, consistent with the buffering
// tie-break. Returns the ids whose replayed event was terminal — those
// orders were legitimately consumed and must not fail reconciliation.
func (m *Monitor) replayBootstrapBuffer() map[string]struct{} {
	m.mu.Lock()
	events := make([]*bufferedEvent, 0, len(m.bootstrapBuffer))
	for _, e := range m.bootstrapBuffer {
		events = append(events, e)
	}
	m.bootstrapBuffer = make(map[string]*bufferedEvent)
	m.mu.Unlock()

	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.evt.UpdatedAt != nil && b.evt.UpdatedAt != nil {
			return a.evt.UpdatedAt.Before(*b.evt.UpdatedAt)
		}
		if a.evt.UpdatedAt == nil && b.evt.UpdatedAt == nil {
			return a.seq < b.seq
		}
		return a.evt.UpdatedAt != nil // non-null sorts before null
	})

	consumed := make(map[string]struct{})
	for _, e := range events {
		m.mu.Lock()
		m.applyLocked(e.evt)
		m.mu.Unlock()
		if e.evt.Status.IsTerminal() {
			consumed[e.evt.OrderID] = struct{}{}
		}
	}
	return consumed
}

// reconcile cross-checks the restored tracking against the snapshot and
// the pending-sell index.
func (m *Monitor) reconcile(snapshotPendingIDs, cancelledDuringRecovery, consumedByReplay map[string]struct{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, o := range m.tracked {
		if !o.Status.IsActive() {
			return &RecoveryError{Msg: fmt.Sprintf("reconciliation: tracked order %s not in a pending status (%s)", id, o.Status)}
		}
	}

	trackedSellIDs := make(map[string]struct{})
	for id, o := range m.tracked {
		if o.Side == types.Sell {
			trackedSellIDs[id] = struct{}{}
		}
	}
	pendingSellIDs := make(map[string]struct{})
	for _, ps := range m.recorder.GetPendingSellSnapshot() {
		pendingSellIDs[ps.OrderID] = struct{}{}
	}
	if len(trackedSellIDs) != len(pendingSellIDs) {
		return &RecoveryError{Msg: "reconciliation: tracked_sell_ids != pending_sell_order_ids (count mismatch)"}
	}
	for id := range trackedSellIDs {
		if _, ok := pendingSellIDs[id]; !ok {
			return &RecoveryError{Msg: fmt.Sprintf("reconciliation: tracked sell %s has no pending-sell index entry", id)}
		}
	}

	for id := range snapshotPendingIDs {
		if _, cancelled := cancelledDuringRecovery[id]; cancelled {
			continue
		}
		if _, tracked := m.tracked[id]; tracked {
			continue
		}
		if _, consumed := consumedByReplay[id]; consumed {
			continue
		}
		return &RecoveryError{Msg: fmt.Sprintf("reconciliation: snapshot-pending order %s neither tracked nor consumed", id)}
	}
	return nil
}
