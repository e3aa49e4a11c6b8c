// Package ledger is the order recorder: the local FIFO buy-sell ledger
// with pending-sell occupancy and smart-close selection, partitioned by
// (symbol, is_long).
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/types"
)

// bookKey identifies one FIFO buy ledger.
type bookKey struct {
	Symbol string
	IsLong bool
}

// TradingCalendar answers elapsed-trading-time questions for stage-2
// smart-close timeouts; it is the only calendar surface the ledger
// consumes.
type TradingCalendar interface {
	// ElapsedTradingMinutes returns the number of trading minutes between
	// from and to per the HK calendar (skipping non-trading periods).
	ElapsedTradingMinutes(from, to time.Time) float64
}

// SellRecord is one filled-sell entry kept for notional lookups (the
// switch machine reads the realized notional of the sell that funded it).
type SellRecord struct {
	OrderID       string
	Symbol        string
	ExecutedPrice decimal.Decimal
	ExecutedQty   decimal.Decimal
	ExecutedTime  time.Time
}

// Recorder owns buy ledgers and pending-sell occupancy for every
// (symbol, is_long) pair.
type Recorder struct {
	mu       sync.Mutex
	books    map[bookKey][]*types.BuyLot // ordered by ExecutedTime ascending
	sells    map[bookKey][]SellRecord
	pending  map[bookKey]map[string]*types.PendingSell
	occupied map[bookKey]map[string]string // buyOrderID -> owning pending sell order_id
}

// New returns an empty order recorder.
func New() *Recorder {
	return &Recorder{
		books:    make(map[bookKey][]*types.BuyLot),
		sells:    make(map[bookKey][]SellRecord),
		pending:  make(map[bookKey]map[string]*types.PendingSell),
		occupied: make(map[bookKey]map[string]string),
	}
}

func key(symbol string, isLong bool) bookKey { return bookKey{Symbol: symbol, IsLong: isLong} }

// RecordLocalBuy appends a filled buy to the ledger. No dedup by
// order_id: the caller is responsible for only calling this once per
// fill event (the order monitor does, on the Filled transition).
func (r *Recorder) RecordLocalBuy(symbol string, price, qty decimal.Decimal, isLong bool, executedAt time.Time, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(symbol, isLong)
	lot := &types.BuyLot{
		OrderID:       orderID,
		Symbol:        symbol,
		ExecutedPrice: price,
		ExecutedQty:   qty,
		ExecutedTime:  executedAt,
		RemainingQty:  qty,
	}
	r.books[k] = append(r.books[k], lot)
	sort.SliceStable(r.books[k], func(i, j int) bool {
		return r.books[k][i].ExecutedTime.Before(r.books[k][j].ExecutedTime)
	})
}

// SubmitSellOrder registers pending-sell occupancy over relatedBuyOrderIDs.
// The caller (executor) must have already resolved relatedBuyOrderIDs via
// SelectSellableOrders or AllocateRelatedBuyOrderIDsForRecovery.
func (r *Recorder) SubmitSellOrder(orderID, symbol string, dir types.Direction, quantity decimal.Decimal, relatedBuyOrderIDs []string, submittedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(symbol, dir == types.Long)
	if r.occupied[k] == nil {
		r.occupied[k] = make(map[string]string)
	}
	for _, id := range relatedBuyOrderIDs {
		if owner, ok := r.occupied[k][id]; ok {
			return fmt.Errorf("ledger: buy %s already occupied by pending sell %s", id, owner)
		}
	}
	ps := &types.PendingSell{
		OrderID:            orderID,
		Symbol:             symbol,
		Direction:          dir,
		SubmittedQuantity:  quantity,
		RelatedBuyOrderIDs: append([]string(nil), relatedBuyOrderIDs...),
		SubmittedAt:        submittedAt,
	}
	if r.pending[k] == nil {
		r.pending[k] = make(map[string]*types.PendingSell)
	}
	r.pending[k][orderID] = ps
	for _, id := range relatedBuyOrderIDs {
		r.occupied[k][id] = orderID
	}
	return nil
}

// releaseOccupancy frees the buy ids held by a pending sell. Caller must
// hold r.mu.
func (r *Recorder) releaseOccupancy(k bookKey, ps *types.PendingSell) {
	for _, id := range ps.RelatedBuyOrderIDs {
		if r.occupied[k] != nil {
			delete(r.occupied[k], id)
		}
	}
}

// MarkSellCancelled releases occupancy for a cancelled/rejected sell and
// returns the buy ids it had owned so the caller can reuse them (e.g. for
// a timeout-market conversion).
func (r *Recorder) MarkSellCancelled(symbol string, dir types.Direction, orderID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(symbol, dir == types.Long)
	ps, ok := r.pending[k][orderID]
	if !ok {
		return nil
	}
	r.releaseOccupancy(k, ps)
	delete(r.pending[k], orderID)
	return append([]string(nil), ps.RelatedBuyOrderIDs...)
}

// MarkSellPartialFilled updates executed quantity tracking for an
// in-flight sell without releasing occupancy.
func (r *Recorder) MarkSellPartialFilled(symbol string, dir types.Direction, orderID string, executedQty decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(symbol, dir == types.Long)
	if ps, ok := r.pending[k][orderID]; ok {
		ps.ExecutedQuantity = executedQty
	}
}

// MarkSellFilled finalizes a sell: releases the pending sell's occupancy
// and removes it from the pending index. It does not change any lot's
// RemainingQty; RecordLocalSell applies the fill to the lots.
func (r *Recorder) MarkSellFilled(symbol string, dir types.Direction, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(symbol, dir == types.Long)
	ps, ok := r.pending[k][orderID]
	if !ok {
		return
	}
	r.releaseOccupancy(k, ps)
	delete(r.pending[k], orderID)
}

// RecordLocalSell applies a filled sell to the ledger and returns the
// realized PnL against FIFO cost basis. If ownerOrderID names a tracked
// pending sell, that sell's related buy ids are consumed directly
// (MarkSellFilled should already have been called by the order monitor on
// the Filled transition); otherwise qty is deducted FIFO from the oldest
// unoccupied buys, covering broker-side sells the recorder never tracked
// as pending (e.g. a manual liquidation).
func (r *Recorder) RecordLocalSell(symbol string, price, qty decimal.Decimal, isLong bool, executedAt time.Time, ownerOrderID string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(symbol, isLong)
	remaining := qty
	cost := decimal.Zero
	sold := decimal.Zero
	for _, lot := range r.books[k] {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if lot.RemainingQty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		take := decimal.Min(remaining, lot.RemainingQty)
		lot.RemainingQty = lot.RemainingQty.Sub(take)
		remaining = remaining.Sub(take)
		cost = cost.Add(lot.ExecutedPrice.Mul(take))
		sold = sold.Add(take)
	}
	r.sells[k] = append(r.sells[k], SellRecord{
		OrderID: ownerOrderID, Symbol: symbol, ExecutedPrice: price, ExecutedQty: qty, ExecutedTime: executedAt,
	})
	return price.Mul(sold).Sub(cost)
}

// LatestSellNotionalSince returns the realized notional of the most
// recent filled sell at or after since, used by the switch machine to
// size its rebuy leg from the sell that funded it.
func (r *Recorder) LatestSellNotionalSince(symbol string, isLong bool, since time.Time) (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.sells[key(symbol, isLong)]
	for i := len(recs) - 1; i >= 0; i-- {
		if !recs[i].ExecutedTime.Before(since) {
			return recs[i].ExecutedPrice.Mul(recs[i].ExecutedQty), true
		}
	}
	return decimal.Zero, false
}

// RekeyPendingSell moves a pending sell's occupancy from a provisional
// (client-side) order id to the broker-assigned id returned on submit.
// No-op if the provisional id is unknown (e.g. the fill push already
// consumed it).
func (r *Recorder) RekeyPendingSell(symbol string, dir types.Direction, oldID, newID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oldID == newID {
		return
	}
	k := key(symbol, dir == types.Long)
	ps, ok := r.pending[k][oldID]
	if !ok {
		return
	}
	delete(r.pending[k], oldID)
	ps.OrderID = newID
	r.pending[k][newID] = ps
	for _, id := range ps.RelatedBuyOrderIDs {
		r.occupied[k][id] = newID
	}
}

// CostAndQuantity returns (Σ price·remaining_qty, Σ remaining_qty) over
// the currently held lots of (symbol, isLong) — the (r1, n1) pair the
// risk checker's unrealized-loss accumulator is built from.
func (r *Recorder) CostAndQuantity(symbol string, isLong bool) (decimal.Decimal, decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r1, n1 := decimal.Zero, decimal.Zero
	for _, lot := range r.books[key(symbol, isLong)] {
		if lot.RemainingQty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		r1 = r1.Add(lot.ExecutedPrice.Mul(lot.RemainingQty))
		n1 = n1.Add(lot.RemainingQty)
	}
	return r1, n1
}

// AllocateRelatedBuyOrderIDsForRecovery deterministically allocates buy
// ids across unoccupied lots (FIFO by ExecutedTime) to back-fill ownership
// for a live broker sell discovered during startup recovery that has no
// local pending-sell record.
func (r *Recorder) AllocateRelatedBuyOrderIDsForRecovery(symbol string, dir types.Direction, quantity decimal.Decimal) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(symbol, dir == types.Long)
	remaining := quantity
	var ids []string
	for _, lot := range r.books[k] {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if r.occupied[k] != nil {
			if _, held := r.occupied[k][lot.OrderID]; held {
				continue
			}
		}
		if lot.RemainingQty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		ids = append(ids, lot.OrderID)
		remaining = remaining.Sub(decimal.Min(remaining, lot.RemainingQty))
	}
	if remaining.GreaterThan(decimal.Zero) {
		return nil, fmt.Errorf("ledger: insufficient unoccupied lots to allocate recovery sell of %s %s (short by %s)", quantity, symbol, remaining)
	}
	return ids, nil
}

// SelectSellableOrdersRequest bundles select_sellable_orders' parameters.
type SelectSellableOrdersRequest struct {
	Symbol                   string
	Direction                types.Direction
	CurrentPrice             decimal.Decimal
	MaxSellQuantity          decimal.Decimal
	SmartCloseEnabled        bool
	SmartCloseTimeoutMinutes float64 // 0 means disabled
	Now                      time.Time
	Calendar                 TradingCalendar
}

// SelectSellableOrdersResult is the FIFO-ordered selection result.
type SelectSellableOrdersResult struct {
	RelatedBuyOrderIDs []string
	Quantity           decimal.Decimal
}

// SelectSellableOrders implements the three-stage smart-close selection:
// profitable lots always qualify, stale lots qualify once the trading-time
// timeout elapses, and occupied lots are never selected.
func (r *Recorder) SelectSellableOrders(req SelectSellableOrdersRequest) SelectSellableOrdersResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(req.Symbol, req.Direction == types.Long)

	isOccupied := func(orderID string) bool {
		if r.occupied[k] == nil {
			return false
		}
		_, ok := r.occupied[k][orderID]
		return ok
	}

	var candidates []*types.BuyLot
	for _, lot := range r.books[k] {
		if lot.RemainingQty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if isOccupied(lot.OrderID) { // stage 3: never select occupied lots
			continue
		}
		if !req.SmartCloseEnabled {
			candidates = append(candidates, lot)
			continue
		}
		profitable := lot.ExecutedPrice.LessThan(req.CurrentPrice) // stage 1
		stage2 := false
		if req.SmartCloseTimeoutMinutes > 0 && req.Calendar != nil {
			elapsed := req.Calendar.ElapsedTradingMinutes(lot.ExecutedTime, req.Now)
			stage2 = elapsed > req.SmartCloseTimeoutMinutes
		}
		if profitable || stage2 {
			candidates = append(candidates, lot)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ExecutedTime.Before(candidates[j].ExecutedTime)
	})

	var ids []string
	remaining := req.MaxSellQuantity
	total := decimal.Zero
	for _, lot := range candidates {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(remaining, lot.RemainingQty)
		if take.LessThanOrEqual(decimal.Zero) {
			continue
		}
		ids = append(ids, lot.OrderID)
		total = total.Add(take)
		remaining = remaining.Sub(take)
	}
	return SelectSellableOrdersResult{RelatedBuyOrderIDs: ids, Quantity: total}
}

// PendingSellSnapshot is used for recovery reconciliation.
type PendingSellSnapshot struct {
	Symbol    string
	Direction types.Direction
	OrderID   string
	Related   []string
}

// GetPendingSellSnapshot returns every live pending sell across all books.
func (r *Recorder) GetPendingSellSnapshot() []PendingSellSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingSellSnapshot
	for k, bySym := range r.pending {
		_ = k
		for _, ps := range bySym {
			out = append(out, PendingSellSnapshot{
				Symbol:    ps.Symbol,
				Direction: ps.Direction,
				OrderID:   ps.OrderID,
				Related:   append([]string(nil), ps.RelatedBuyOrderIDs...),
			})
		}
	}
	return out
}

// Clear drops every buy ledger, sell record, and pending-sell index —
// the recorder's midnight-clear hook: cross-day lots are
// not carried; the open rebuild re-derives holdings from broker truth.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books = make(map[bookKey][]*types.BuyLot)
	r.sells = make(map[bookKey][]SellRecord)
	r.pending = make(map[bookKey]map[string]*types.PendingSell)
	r.occupied = make(map[bookKey]map[string]string)
}

// ReleaseAllPendingSellOccupancy clears every pending sell and occupancy
// index, used as the first step of strict startup recovery.
func (r *Recorder) ReleaseAllPendingSellOccupancy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[bookKey]map[string]*types.PendingSell)
	r.occupied = make(map[bookKey]map[string]string)
}

// LedgerQuantity returns the total remaining (unsold, including occupied)
// quantity in the (symbol, isLong) buy ledger — used by invariant checks.
func (r *Recorder) LedgerQuantity(symbol string, isLong bool) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := decimal.Zero
	for _, lot := range r.books[key(symbol, isLong)] {
		total = total.Add(lot.RemainingQty)
	}
	return total
}

// PendingOccupancyQuantity returns Σ submitted quantity of live
// pending sells for (symbol, isLong), used by invariant checks.
func (r *Recorder) PendingOccupancyQuantity(symbol string, isLong bool) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := decimal.Zero
	for _, ps := range r.pending[key(symbol, isLong)] {
		total = total.Add(ps.SubmittedQuantity)
	}
	return total
}
