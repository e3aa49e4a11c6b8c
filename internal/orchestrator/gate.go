package orchestrator

import "sync/atomic"

// TradeGate is the shared trading-enabled/execution-allowed flag pair
// consumed by executor.Gate and ordermonitor's isExecutionAllowed callback.
// It is constructed independently of the Orchestrator so that components
// built before the orchestrator itself (the executor, the order monitor)
// can be wired against it at construction time; the Orchestrator updates it
// during Boot and every Tick.
type TradeGate struct {
	enabled atomic.Bool
	allowed atomic.Bool
}

// NewTradeGate returns a gate with both flags false.
func NewTradeGate() *TradeGate {
	return &TradeGate{}
}

// IsTradingEnabled implements executor.Gate.
func (g *TradeGate) IsTradingEnabled() bool { return g.enabled.Load() }

// IsExecutionAllowed implements executor.Gate and the order monitor's
// isExecutionAllowed callback shape.
func (g *TradeGate) IsExecutionAllowed() bool { return g.allowed.Load() }

// SetTradingEnabled updates the trading-enabled flag.
func (g *TradeGate) SetTradingEnabled(v bool) { g.enabled.Store(v) }

// SetExecutionAllowed updates the execution-allowed flag.
func (g *TradeGate) SetExecutionAllowed(v bool) { g.allowed.Store(v) }
