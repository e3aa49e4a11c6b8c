// Package autosymbol is the auto-symbol manager: per-direction seat
// search and the multi-stage warrant switch state machine, each in-flight
// switch tracked by a small state struct.
package autosymbol

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/broker"
	"github.com/hkwarrants/engine/internal/executor"
	"github.com/hkwarrants/engine/internal/ledger"
	"github.com/hkwarrants/engine/internal/registry"
	"github.com/hkwarrants/engine/internal/risk"
	"github.com/hkwarrants/engine/internal/types"
)

// WarrantFinder resolves find_best_warrant for a (monitor, direction).
type WarrantFinder interface {
	FindBestWarrant(ctx context.Context, monitor string, dir types.Direction) (broker.WarrantInfo, bool, error)
}

// QuoteFetcher resolves a fresh quote for the newly bound symbol during
// the switch machine's WAIT_QUOTE stage. broker.Client satisfies this
// directly via its embedded QuoteContext.
type QuoteFetcher interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error)
}

// BuyCanceller cancels live buy orders on a symbol; the switch machine's
// CANCEL_PENDING stage aborts the switch if this fails. The order monitor
// satisfies this via CancelBuysForSymbol.
type BuyCanceller interface {
	CancelBuysForSymbol(ctx context.Context, symbol string) error
}

// SearchConfig is the per-(monitor,direction) auto-search tuning.
type SearchConfig struct {
	Enabled                bool
	DailyFailCap           int
	SearchCooldown         time.Duration
	SwitchDistanceRangeLow decimal.Decimal
	SwitchDistanceRangeHigh decimal.Decimal
	LotSize                decimal.Decimal
}

// Manager owns per-(monitor,direction) switch state.
type Manager struct {
	mu           sync.Mutex
	switches     map[types.SeatKey]*types.SwitchState
	suppression  map[types.SeatKey]string // day key a symbol was suppressed on
	configs      map[types.SeatKey]SearchConfig

	reg      *registry.Registry
	risk     *risk.Checker
	recorder *ledger.Recorder
	exec     *executor.Executor
	finder   WarrantFinder
	quotes   QuoteFetcher

	onSeatCleared func(symbol string)
	canceller     BuyCanceller
}

// New returns an empty auto-symbol manager. quotes may be nil, in which
// case the rebuy leg of a switch falls back to the old symbol's last
// traded price (see driveSwitch).
func New(reg *registry.Registry, riskChecker *risk.Checker, recorder *ledger.Recorder, exec *executor.Executor, finder WarrantFinder, quotes QuoteFetcher) *Manager {
	return &Manager{
		switches:    make(map[types.SeatKey]*types.SwitchState),
		suppression: make(map[types.SeatKey]string),
		configs:     make(map[types.SeatKey]SearchConfig),
		reg:         reg, risk: riskChecker, recorder: recorder, exec: exec, finder: finder, quotes: quotes,
	}
}

// SetBuyCanceller wires the CANCEL_PENDING stage to the order monitor's
// live-buy cancellation. A nil canceller skips the stage (no live buys to
// cancel, e.g. unit harnesses).
func (m *Manager) SetBuyCanceller(c BuyCanceller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceller = c
}

// SetOnSeatCleared registers a callback fired with the old symbol
// whenever a seat is unbound (switch start or abort), letting the
// orchestrator cancel that symbol's delayed signals.
func (m *Manager) SetOnSeatCleared(cb func(symbol string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSeatCleared = cb
}

func (m *Manager) notifySeatCleared(symbol string) {
	m.mu.Lock()
	cb := m.onSeatCleared
	m.mu.Unlock()
	if cb != nil && symbol != "" {
		cb(symbol)
	}
}

// Configure registers search/switch tuning for a (monitor, direction).
func (m *Manager) Configure(monitor string, dir types.Direction, cfg SearchConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[types.SeatKey{Monitor: monitor, Direction: dir}] = cfg
}

// HasPendingSwitch reports whether a switch is in flight for the seat.
func (m *Manager) HasPendingSwitch(monitor string, dir types.Direction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.switches[types.SeatKey{Monitor: monitor, Direction: dir}]
	return ok
}

// MaybeSearchOnTick searches a warrant for an EMPTY, unfrozen seat once
// the cooldown has elapsed, freezing the seat for the day after too many
// failures.
func (m *Manager) MaybeSearchOnTick(ctx context.Context, monitor string, dir types.Direction, dayKey string, inOpenProtection bool) {
	m.mu.Lock()
	cfg, ok := m.configs[types.SeatKey{Monitor: monitor, Direction: dir}]
	m.mu.Unlock()
	if !ok || !cfg.Enabled {
		return
	}
	seat, ok := m.reg.GetSeatState(monitor, dir)
	if !ok || seat.Status != types.SeatEmpty {
		return
	}
	if seat.IsFrozen(dayKey) || inOpenProtection {
		return
	}
	if time.Since(seat.LastSearchAt) < cfg.SearchCooldown {
		return
	}

	m.reg.UpdateSeatState(monitor, dir, func(s *types.Seat) { s.Status = types.SeatSearching; s.LastSearchAt = time.Now() })

	info, found, err := m.safeFindBestWarrant(ctx, monitor, dir)
	if err != nil || !found {
		if err != nil {
			log.Printf("[WARN][自动选仓] find_best_warrant %s/%s error: %v", monitor, dir, err)
		}
		m.recordSearchFailure(monitor, dir, cfg, dayKey)
		return
	}

	m.risk.SetWarrantInfoFromCallPrice(info.Symbol, info.CallPrice, dir == types.Long)
	m.reg.UpdateSeatState(monitor, dir, func(s *types.Seat) {
		s.Symbol = info.Symbol
		s.Status = types.SeatReady
		s.CallPrice = info.CallPrice
		s.LastSeatReadyAt = time.Now()
		s.SearchFailCountToday = 0
	})
}

func (m *Manager) safeFindBestWarrant(ctx context.Context, monitor string, dir types.Direction) (info broker.WarrantInfo, found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in find_best_warrant: %v", r)
		}
	}()
	return m.finder.FindBestWarrant(ctx, monitor, dir)
}

// recordSearchFailure counts the miss and, once the daily cap is hit,
// freezes the seat under the caller's trading-day key — the same key
// every IsFrozen check compares against.
func (m *Manager) recordSearchFailure(monitor string, dir types.Direction, cfg SearchConfig, dayKey string) {
	seat := m.reg.UpdateSeatState(monitor, dir, func(s *types.Seat) {
		s.Status = types.SeatEmpty
		s.SearchFailCountToday++
	})
	if cfg.DailyFailCap > 0 && seat.SearchFailCountToday >= cfg.DailyFailCap {
		m.reg.UpdateSeatState(monitor, dir, func(s *types.Seat) {
			s.FrozenTradingDayKey = dayKey
		})
	}
}

// MaybeSwitchOnDistance starts a seat switch when the current warrant's
// strike distance drifts outside the configured range. seatPrice is the
// current quote for the seat's own warrant symbol (as
// opposed to monitorPrice, the underlying index level used for the
// distance calculation) and is what funds the SELL_OUT/REBUY notional
// math.
func (m *Manager) MaybeSwitchOnDistance(ctx context.Context, monitor string, dir types.Direction, monitorPrice, seatPrice decimal.Decimal, heldQty decimal.Decimal, dayKey string) {
	seat, ok := m.reg.GetSeatState(monitor, dir)
	if !ok || seat.Status != types.SeatReady || seat.Symbol == "" {
		return
	}
	m.mu.Lock()
	cfg, configured := m.configs[types.SeatKey{Monitor: monitor, Direction: dir}]
	m.mu.Unlock()
	if !configured {
		return
	}
	dist, err := m.risk.GetWarrantDistanceInfo(dir == types.Long, seat.Symbol, monitorPrice)
	if err != nil {
		return
	}
	inRange := dist.GreaterThanOrEqual(cfg.SwitchDistanceRangeLow) && dist.LessThanOrEqual(cfg.SwitchDistanceRangeHigh)
	if inRange {
		return
	}

	key := types.SeatKey{Monitor: monitor, Direction: dir}
	m.mu.Lock()
	m.suppression[key] = dayKey
	m.mu.Unlock()

	// Clearing the bound symbol here is the first of the switch's two
	// version bumps (the BIND_NEW rebinding is the second), invalidating
	// any in-flight task still carrying the old seat snapshot.
	m.reg.UpdateSeatState(monitor, dir, func(s *types.Seat) { s.Symbol = ""; s.Status = types.SeatSwitching })

	sw := &types.SwitchState{OldSymbol: seat.Symbol, ShouldRebuy: heldQty.GreaterThan(decimal.Zero), Stage: types.SwitchCancelPending, StartedAt: time.Now()}
	m.mu.Lock()
	m.switches[key] = sw
	m.mu.Unlock()
	m.notifySeatCleared(seat.Symbol)

	m.driveSwitch(ctx, monitor, dir, heldQty, seatPrice, cfg)
}

// driveSwitch runs the CANCEL_PENDING -> ... -> COMPLETE sequence
// synchronously. A production deployment would resume this across ticks;
// here it runs to completion (or to an EMPTY/abort state) in one pass,
// so a single invocation observes the whole sequence. seatPrice
// funds the sell notional and (absent a fresh quote on the newly bound
// symbol during WAIT_QUOTE) is reused as the rebuy price approximation.
func (m *Manager) driveSwitch(ctx context.Context, monitor string, dir types.Direction, heldQty, seatPrice decimal.Decimal, cfg SearchConfig) {
	key := types.SeatKey{Monitor: monitor, Direction: dir}
	m.mu.Lock()
	sw := m.switches[key]
	m.mu.Unlock()
	if sw == nil {
		return
	}

	// CANCEL_PENDING: cancel live buys on the old symbol; a cancel
	// failure aborts the switch to EMPTY.
	m.mu.Lock()
	canceller := m.canceller
	m.mu.Unlock()
	if canceller != nil {
		if err := canceller.CancelBuysForSymbol(ctx, sw.OldSymbol); err != nil {
			log.Printf("[WARN][自动选仓] cancel pending buys on %s failed, aborting switch: %v", sw.OldSymbol, err)
			m.abortSwitch(monitor, dir, cfg)
			return
		}
	}
	sw.Stage = types.SwitchSellOut

	sellPrice := seatPrice
	if heldQty.GreaterThan(decimal.Zero) {
		related, _ := m.recorder.AllocateRelatedBuyOrderIDsForRecovery(sw.OldSymbol, dir, heldQty)
		sig := types.Signal{
			Symbol: sw.OldSymbol, Action: sellActionFor(dir), Quantity: heldQty, Price: seatPrice,
			RelatedBuyOrderIDs: related, TriggerTime: time.Now(),
		}
		m.exec.ExecuteSignals(ctx, []types.Signal{sig}, monitor, decimal.Zero)
	} else {
		sellPrice = decimal.Zero
	}
	// Prefer the realized notional of the sell that just filled (present
	// when the broker pushed the fill synchronously, e.g. dry-run); fall
	// back to qty*quoted price when the fill has not landed yet.
	if notional, ok := m.recorder.LatestSellNotionalSince(sw.OldSymbol, dir == types.Long, sw.StartedAt); ok {
		sw.SellNotional = notional
	} else {
		sw.SellNotional = sellPrice.Mul(heldQty)
	}
	sw.Stage = types.SwitchBindNew

	info, found, err := m.safeFindBestWarrant(ctx, monitor, dir)
	if err != nil || !found {
		m.abortSwitch(monitor, dir, cfg)
		return
	}
	m.risk.SetWarrantInfoFromCallPrice(info.Symbol, info.CallPrice, dir == types.Long)
	m.reg.UpdateSeatState(monitor, dir, func(s *types.Seat) {
		s.Symbol = info.Symbol
		s.CallPrice = info.CallPrice
	})
	sw.Stage = types.SwitchWaitQuote

	// rebuyPrice prefers a fresh quote on the newly bound symbol; absent
	// one, it falls back to the old symbol's sell price.
	rebuyPrice := sellPrice
	if m.quotes != nil {
		if qs, err := m.quotes.GetQuotes(ctx, []string{info.Symbol}); err == nil {
			if q, ok := qs[info.Symbol]; ok && q.Price.GreaterThan(decimal.Zero) {
				rebuyPrice = q.Price
			}
		}
	}
	sw.Stage = types.SwitchRebuy

	if sw.ShouldRebuy && cfg.LotSize.GreaterThan(decimal.Zero) {
		// quantity = floor(sell_notional / price / lot) * lot
		if rebuyPrice.GreaterThan(decimal.Zero) {
			lots := sw.SellNotional.Div(rebuyPrice.Mul(cfg.LotSize)).Floor()
			qty := lots.Mul(cfg.LotSize)
			if qty.GreaterThan(decimal.Zero) {
				buySig := types.Signal{Symbol: info.Symbol, Action: buyActionFor(dir), Quantity: qty, Price: rebuyPrice, TriggerTime: time.Now()}
				m.exec.ExecuteSignals(ctx, []types.Signal{buySig}, monitor, decimal.Zero)
			}
		}
	}

	sw.Stage = types.SwitchComplete
	m.reg.UpdateSeatState(monitor, dir, func(s *types.Seat) { s.Status = types.SeatReady; s.LastSwitchAt = time.Now() })
	m.mu.Lock()
	delete(m.switches, key)
	m.mu.Unlock()
}

func (m *Manager) abortSwitch(monitor string, dir types.Direction, cfg SearchConfig) {
	key := types.SeatKey{Monitor: monitor, Direction: dir}
	m.mu.Lock()
	delete(m.switches, key)
	delete(m.suppression, key)
	m.mu.Unlock()
	var old string
	m.reg.UpdateSeatState(monitor, dir, func(s *types.Seat) { old = s.Symbol; s.Symbol = ""; s.Status = types.SeatEmpty })
	m.notifySeatCleared(old)
}

func sellActionFor(dir types.Direction) types.SignalAction {
	if dir == types.Long {
		return types.ActionSellCall
	}
	return types.ActionSellPut
}

func buyActionFor(dir types.Direction) types.SignalAction {
	if dir == types.Long {
		return types.ActionBuyCall
	}
	return types.ActionBuyPut
}
