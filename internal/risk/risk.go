// Package risk is the risk checker: warrant strike-distance caching,
// unrealized-loss accumulation, daily realized-loss tracking, and the
// pre-order gates built on them.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/ledger"
	"github.com/hkwarrants/engine/internal/types"
)

// WarrantInfo caches a symbol's strike/call price and long/short flag.
type WarrantInfo struct {
	Symbol    string
	CallPrice decimal.Decimal
	IsLong    bool
}

// Thresholds configures the risk checker's gates; each field corresponds
// to a per-monitor config value.
type Thresholds struct {
	HardDistancePct            decimal.Decimal // liquidate if distance crosses this
	MaxPositionNotional        decimal.Decimal
	MaxDailyLoss               decimal.Decimal
	MaxUnrealizedLossPerSymbol decimal.Decimal
}

// Account/positions/signal/price snapshots passed into check_before_order.
// These are thin pass-throughs from the broker adapter; the risk checker
// does not own them.
type AccountSnapshot struct {
	AvailableCash decimal.Decimal
}

type PositionSnapshot struct {
	Symbol    string
	Quantity  decimal.Decimal
	Notional  decimal.Decimal
}

// Checker owns warrant info and unrealized-loss state. Safe for concurrent
// use.
type Checker struct {
	mu         sync.RWMutex
	warrants   map[string]WarrantInfo
	thresholds map[string]Thresholds // keyed by monitor symbol
	unrealized map[string]types.UnrealizedLossData
	dailyPnL   map[string]decimal.Decimal // realized PnL per monitor, reset at midnight clear
}

// New returns an empty risk checker.
func New() *Checker {
	return &Checker{
		warrants:   make(map[string]WarrantInfo),
		thresholds: make(map[string]Thresholds),
		unrealized: make(map[string]types.UnrealizedLossData),
		dailyPnL:   make(map[string]decimal.Decimal),
	}
}

// AddRealizedPnL accumulates a filled sell's realized PnL into the
// monitor's daily total for the max_daily_loss gate.
func (c *Checker) AddRealizedPnL(monitor string, pnl decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dailyPnL[monitor] = c.dailyPnL[monitor].Add(pnl)
}

// DailyRealizedPnL returns the monitor's accumulated realized PnL today.
func (c *Checker) DailyRealizedPnL(monitor string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dailyPnL[monitor]
}

// SetThresholds registers per-monitor gate thresholds.
func (c *Checker) SetThresholds(monitor string, t Thresholds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds[monitor] = t
}

// SetWarrantInfoFromCallPrice seeds (or refreshes) a symbol's strike cache
// directly from a known call price, e.g. right after find_best_warrant.
func (c *Checker) SetWarrantInfoFromCallPrice(symbol string, callPrice decimal.Decimal, isLong bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warrants[symbol] = WarrantInfo{Symbol: symbol, CallPrice: callPrice, IsLong: isLong}
}

// RefreshWarrantInfoForSymbol re-derives the cache entry from a broker
// warrant-list lookup. The lookup function is supplied by the caller to
// avoid a direct broker dependency here.
func (c *Checker) RefreshWarrantInfoForSymbol(symbol string, lookup func(symbol string) (callPrice decimal.Decimal, isLong bool, err error)) error {
	callPrice, isLong, err := lookup(symbol)
	if err != nil {
		return fmt.Errorf("risk: refresh warrant info %s: %w", symbol, err)
	}
	c.SetWarrantInfoFromCallPrice(symbol, callPrice, isLong)
	return nil
}

// GetWarrantDistanceInfo returns the signed percent distance from
// monitorPrice to the warrant's call price. For a bull (long) warrant the
// distance shrinks as the monitor falls toward the strike from above; for
// a bear (short) warrant it shrinks as the monitor rises toward the
// strike from below.
func (c *Checker) GetWarrantDistanceInfo(isLong bool, symbol string, monitorPrice decimal.Decimal) (decimal.Decimal, error) {
	c.mu.RLock()
	w, ok := c.warrants[symbol]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("risk: no warrant info cached for %s", symbol)
	}
	if w.CallPrice.IsZero() {
		return decimal.Zero, fmt.Errorf("risk: call price is zero for %s", symbol)
	}
	var diff decimal.Decimal
	if isLong {
		diff = monitorPrice.Sub(w.CallPrice)
	} else {
		diff = w.CallPrice.Sub(monitorPrice)
	}
	return diff.Div(w.CallPrice).Mul(decimal.NewFromInt(100)), nil
}

// CheckWarrantDistanceLiquidation reports whether the distance has
// crossed the hard threshold for forced liquidation.
func (c *Checker) CheckWarrantDistanceLiquidation(monitor string, symbol string, isLong bool, monitorPrice decimal.Decimal) (shouldLiquidate bool, reason string) {
	dist, err := c.GetWarrantDistanceInfo(isLong, symbol, monitorPrice)
	if err != nil {
		return false, ""
	}
	c.mu.RLock()
	th := c.thresholds[monitor]
	c.mu.RUnlock()
	if th.HardDistancePct.IsZero() {
		return false, ""
	}
	if dist.LessThanOrEqual(th.HardDistancePct) {
		return true, fmt.Sprintf("[风控] strike distance %s%% <= hard threshold %s%% for %s", dist.StringFixed(2), th.HardDistancePct.StringFixed(2), symbol)
	}
	return false, ""
}

// CheckWarrantRisk is the in-flight re-check counterpart of
// CheckWarrantDistanceLiquidation, used when re-validating a signal
// immediately before submit.
func (c *Checker) CheckWarrantRisk(monitor, symbol string, signalType types.SignalAction, monitorPrice, warrantPrice decimal.Decimal) (allow bool, reason string) {
	isLong := signalType.DirectionOf() == types.Long
	liquidate, r := c.CheckWarrantDistanceLiquidation(monitor, symbol, isLong, monitorPrice)
	if liquidate && signalType.IsBuy() {
		return false, r
	}
	return true, ""
}

// CheckBeforeOrder is the pre-order gate: daily-loss cap, position cap,
// funds, strike distance, warrant validity.
func (c *Checker) CheckBeforeOrder(monitor string, account AccountSnapshot, positions []PositionSnapshot, signal types.Signal, notional decimal.Decimal, monitorPrice decimal.Decimal) (allow bool, reason string) {
	c.mu.RLock()
	th := c.thresholds[monitor]
	w, hasWarrant := c.warrants[signal.Symbol]
	c.mu.RUnlock()

	if !hasWarrant {
		return false, fmt.Sprintf("[风控] no warrant info cached for %s", signal.Symbol)
	}
	if signal.Action.IsBuy() {
		if !th.MaxDailyLoss.IsZero() {
			c.mu.RLock()
			pnl := c.dailyPnL[monitor]
			c.mu.RUnlock()
			if pnl.Neg().GreaterThanOrEqual(th.MaxDailyLoss) {
				return false, fmt.Sprintf("[风控] daily loss cap reached for %s (realized %s)", monitor, pnl.StringFixed(2))
			}
		}
		if !th.MaxPositionNotional.IsZero() {
			existing := decimal.Zero
			for _, p := range positions {
				if p.Symbol == signal.Symbol {
					existing = existing.Add(p.Notional)
				}
			}
			if existing.Add(notional).GreaterThan(th.MaxPositionNotional) {
				return false, fmt.Sprintf("[风控] position cap exceeded for %s", signal.Symbol)
			}
		}
		if notional.GreaterThan(account.AvailableCash) {
			return false, "[风控] insufficient funds"
		}
		liquidate, r := c.CheckWarrantDistanceLiquidation(monitor, signal.Symbol, w.IsLong, monitorPrice)
		if liquidate {
			return false, r
		}
	}
	return true, ""
}

// RefreshUnrealizedLossData recomputes (r1, n1) from the ledger for the
// currently held lots of (symbol, isLong) and caches it.
func (c *Checker) RefreshUnrealizedLossData(recorder *ledger.Recorder, symbol string, isLong bool) types.UnrealizedLossData {
	r1, n1 := recorder.CostAndQuantity(symbol, isLong)
	data := types.UnrealizedLossData{Symbol: symbol, R1: r1, N1: n1}
	c.mu.Lock()
	c.unrealized[symbol] = data
	c.mu.Unlock()
	return data
}

// RefreshUnrealizedLossDataWithCost lets a caller that already knows the
// weighted buy cost (r1) for the held quantity update the cache directly.
func (c *Checker) RefreshUnrealizedLossDataWithCost(symbol string, r1, n1 decimal.Decimal) types.UnrealizedLossData {
	data := types.UnrealizedLossData{Symbol: symbol, R1: r1, N1: n1}
	c.mu.Lock()
	c.unrealized[symbol] = data
	c.mu.Unlock()
	return data
}

// ClearCaches drops every cached warrant info, unrealized-loss
// accumulator, and daily realized-PnL total at midnight clear;
// thresholds are left intact since they come from config, not from the
// trading day.
func (c *Checker) ClearCaches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warrants = make(map[string]WarrantInfo)
	c.unrealized = make(map[string]types.UnrealizedLossData)
	c.dailyPnL = make(map[string]decimal.Decimal)
}

// CheckUnrealizedLoss reports whether the symbol's unrealized loss
// exceeds max_unrealized_loss_per_symbol, and if so the quantity to
// liquidate (the full held quantity).
func (c *Checker) CheckUnrealizedLoss(monitor, symbol string, currentPrice decimal.Decimal) (shouldLiquidate bool, quantity decimal.Decimal) {
	c.mu.RLock()
	data, ok := c.unrealized[symbol]
	th := c.thresholds[monitor]
	c.mu.RUnlock()
	if !ok || data.N1.IsZero() || th.MaxUnrealizedLossPerSymbol.IsZero() {
		return false, decimal.Zero
	}
	marketValue := currentPrice.Mul(data.N1)
	loss := data.R1.Sub(marketValue)
	if loss.GreaterThan(th.MaxUnrealizedLossPerSymbol) {
		return true, data.N1
	}
	return false, decimal.Zero
}
