// Package strategy is the signal processor and strategy layer.
//
// Indicator formulas themselves (EMA/RSI/KDJ/MACD/MFI/PSY) are computed
// outside this module; this package consumes a pre-computed
// types.IndicatorSnapshot and evaluates configured condition groups
// against it, emitting the four-way BUYCALL/SELLCALL/BUYPUT/SELLPUT
// action set.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/ledger"
	"github.com/hkwarrants/engine/internal/risk"
	"github.com/hkwarrants/engine/internal/types"
)

// ConditionGroup is one clause of a signal_config entry: all Conditions
// must hold (a condition group is an AND of comparisons against named
// indicator values).
type ConditionGroup struct {
	Conditions []Condition
}

// Condition compares a named indicator value against a threshold.
type Condition struct {
	Indicator string
	Op        string // "gt", "lt", "gte", "lte", "eq"
	Threshold decimal.Decimal
}

func (c Condition) eval(values map[string]decimal.Decimal) bool {
	v, ok := values[c.Indicator]
	if !ok {
		return false
	}
	switch c.Op {
	case "gt":
		return v.GreaterThan(c.Threshold)
	case "lt":
		return v.LessThan(c.Threshold)
	case "gte":
		return v.GreaterThanOrEqual(c.Threshold)
	case "lte":
		return v.LessThanOrEqual(c.Threshold)
	case "eq":
		return v.Equal(c.Threshold)
	default:
		return false
	}
}

func (g ConditionGroup) eval(values map[string]decimal.Decimal) bool {
	for _, c := range g.Conditions {
		if !c.eval(values) {
			return false
		}
	}
	return true
}

// SignalConfig is the per-action set of condition groups (OR across
// groups) for one monitor.
type SignalConfig struct {
	BuyCall  []ConditionGroup
	SellCall []ConditionGroup
	BuyPut   []ConditionGroup
	SellPut  []ConditionGroup
}

func anyGroupMatches(groups []ConditionGroup, values map[string]decimal.Decimal) bool {
	for _, g := range groups {
		if g.eval(values) {
			return true
		}
	}
	return false
}

// GroupsFor returns the condition groups configured for an action.
func (c SignalConfig) GroupsFor(action types.SignalAction) []ConditionGroup {
	switch action {
	case types.ActionBuyCall:
		return c.BuyCall
	case types.ActionSellCall:
		return c.SellCall
	case types.ActionBuyPut:
		return c.BuyPut
	case types.ActionSellPut:
		return c.SellPut
	default:
		return nil
	}
}

// EvaluateAction re-runs an action's condition groups against values,
// optionally restricted to the named indicators (the delayed verifier's
// verification_config.indicators list). With a non-empty restriction,
// values outside the list are hidden so the re-check only considers the
// configured indicators.
func EvaluateAction(cfg SignalConfig, action types.SignalAction, values map[string]decimal.Decimal, indicators []string) bool {
	groups := cfg.GroupsFor(action)
	if len(groups) == 0 {
		return false
	}
	if len(indicators) > 0 {
		restricted := make(map[string]decimal.Decimal, len(indicators))
		for _, name := range indicators {
			if v, ok := values[name]; ok {
				restricted[name] = v
			}
		}
		values = restricted
	}
	return anyGroupMatches(groups, values)
}

// VerificationConfig is the per-action delayed-verification setup.
type VerificationConfig struct {
	Buy  DelayedCheck
	Sell DelayedCheck
}

// DelayedCheck names the delay and indicators a delayed signal is
// re-verified against.
type DelayedCheck struct {
	DelaySeconds time.Duration
	Indicators   []string
}

// Decide evaluates cfg against snapshot and monitor/seat prices, emitting
// immediate and delayed signal candidates.
func Decide(monitor string, cfg SignalConfig, verify VerificationConfig, snapshot types.IndicatorSnapshot, longPrice, shortPrice decimal.Decimal) (immediate []types.Signal, delayed []types.Signal) {
	now := snapshot.ComputedAt
	if now.IsZero() {
		now = time.Now()
	}

	consider := func(action types.SignalAction, groups []ConditionGroup, price decimal.Decimal, delay DelayedCheck) {
		if !anyGroupMatches(groups, snapshot.Values) {
			return
		}
		sig := types.Signal{
			Action: action, Price: price, TriggerTime: now,
			IndicatorsSnapshot: snapshot, Reason: string(action) + " condition group matched",
		}
		if delay.DelaySeconds > 0 {
			delayed = append(delayed, sig)
		} else {
			immediate = append(immediate, sig)
		}
	}

	consider(types.ActionBuyCall, cfg.BuyCall, longPrice, verify.Buy)
	consider(types.ActionSellCall, cfg.SellCall, longPrice, verify.Sell)
	consider(types.ActionBuyPut, cfg.BuyPut, shortPrice, verify.Buy)
	consider(types.ActionSellPut, cfg.SellPut, shortPrice, verify.Sell)
	return immediate, delayed
}

// Processor implements the sell-resolution and pre-order risk gating
// passes run over the strategy's raw signals.
type Processor struct {
	recorder *ledger.Recorder
	risk     *risk.Checker
}

// NewProcessor returns a signal processor bound to the shared ledger and
// risk checker.
func NewProcessor(recorder *ledger.Recorder, riskChecker *risk.Checker) *Processor {
	return &Processor{recorder: recorder, risk: riskChecker}
}

// ProcessSellSignals resolves sellable quantity/related-buy-ids for each
// sell signal via select_sellable_orders, dropping signals that would
// sell zero.
func (p *Processor) ProcessSellSignals(signals []types.Signal, availableQty decimal.Decimal, smartCloseEnabled bool, smartCloseTimeoutMinutes float64, now time.Time, calendar ledger.TradingCalendar) []types.Signal {
	var out []types.Signal
	for _, s := range signals {
		if !s.Action.IsSell() {
			out = append(out, s)
			continue
		}
		if s.IsProtectiveLiquidation {
			// Forced liquidations sell the full stated quantity; smart-close
			// selection must not shrink them.
			out = append(out, s)
			continue
		}
		res := p.recorder.SelectSellableOrders(ledger.SelectSellableOrdersRequest{
			Symbol: s.Symbol, Direction: s.Action.DirectionOf(), CurrentPrice: s.Price,
			MaxSellQuantity: availableQty, SmartCloseEnabled: smartCloseEnabled,
			SmartCloseTimeoutMinutes: smartCloseTimeoutMinutes, Now: now, Calendar: calendar,
		})
		if res.Quantity.LessThanOrEqual(decimal.Zero) {
			continue
		}
		s.Quantity = res.Quantity
		s.RelatedBuyOrderIDs = res.RelatedBuyOrderIDs
		out = append(out, s)
	}
	return out
}

// ApplyRiskChecks runs check_before_order for each signal, dropping
// denied ones with a reason.
func (p *Processor) ApplyRiskChecks(monitor string, signals []types.Signal, account risk.AccountSnapshot, positions []risk.PositionSnapshot, monitorPrice decimal.Decimal) (allowed []types.Signal, denied map[string]string) {
	denied = make(map[string]string)
	for _, s := range signals {
		notional := s.Price.Mul(s.Quantity)
		ok, reason := p.risk.CheckBeforeOrder(monitor, account, positions, s, notional, monitorPrice)
		if !ok {
			denied[s.Symbol+":"+string(s.Action)] = reason
			continue
		}
		allowed = append(allowed, s)
	}
	return allowed, denied
}
