// Package executor is the order executor: quantity resolution, payload
// build, submit, cancel, replace, all gated by is_trading_enabled and an
// execution-allowed callback re-checked at every submit point.
package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/broker"
	"github.com/hkwarrants/engine/internal/ledger"
	"github.com/hkwarrants/engine/internal/metrics"
	"github.com/hkwarrants/engine/internal/ordermonitor"
	"github.com/hkwarrants/engine/internal/ratelimiter"
	"github.com/hkwarrants/engine/internal/types"
)

// Gate answers whether order submission is currently allowed. Re-checked
// at every submit point.
type Gate interface {
	IsTradingEnabled() bool
	IsExecutionAllowed() bool
}

// Executor drives signals through the broker.
type Executor struct {
	client   broker.Client
	monitor  *ordermonitor.Monitor
	recorder *ledger.Recorder
	limiter  *ratelimiter.Limiter
	gate     Gate
	decimals int32
	defaultOrderType     types.OrderType
	liquidationOrderType types.OrderType

	onResult func(sig types.Signal, orderID string, orderType types.OrderType, quantity decimal.Decimal, err error)
}

// SetOnResult registers a callback invoked once per executed signal with
// the submit outcome (orderID set on success, err set on failure). The
// orchestrator uses it to emit SUBMITTED/FAILED trade-log records.
func (e *Executor) SetOnResult(cb func(sig types.Signal, orderID string, orderType types.OrderType, quantity decimal.Decimal, err error)) {
	e.onResult = cb
}

// New returns an executor.
func New(client broker.Client, monitor *ordermonitor.Monitor, recorder *ledger.Recorder, limiter *ratelimiter.Limiter, gate Gate, decimals int32, defaultOrderType, liquidationOrderType types.OrderType) *Executor {
	return &Executor{
		client: client, monitor: monitor, recorder: recorder, limiter: limiter, gate: gate,
		decimals: decimals, defaultOrderType: defaultOrderType, liquidationOrderType: liquidationOrderType,
	}
}

func (e *Executor) checkGate() error {
	if !e.gate.IsTradingEnabled() {
		return fmt.Errorf("trading disabled")
	}
	if !e.gate.IsExecutionAllowed() {
		return fmt.Errorf("execution not allowed")
	}
	return nil
}

// ResolveQuantity resolves the final order quantity by signal quantity,
// falling back to notional/lot_size when the signal does not carry an
// explicit quantity.
func (e *Executor) ResolveQuantity(signal types.Signal, notional decimal.Decimal) decimal.Decimal {
	if signal.Quantity.GreaterThan(decimal.Zero) {
		return signal.Quantity
	}
	if signal.LotSize.GreaterThan(decimal.Zero) && signal.Price.GreaterThan(decimal.Zero) {
		lots := notional.Div(signal.Price.Mul(signal.LotSize)).Floor()
		return lots.Mul(signal.LotSize)
	}
	return decimal.Zero
}

func (e *Executor) orderTypeFor(signal types.Signal) types.OrderType {
	if signal.IsProtectiveLiquidation {
		return e.liquidationOrderType
	}
	if signal.OrderTypeOverride != "" {
		return signal.OrderTypeOverride
	}
	return e.defaultOrderType
}

// ExecuteSignals submits every signal in order, tracking each resulting
// order with the order monitor.
func (e *Executor) ExecuteSignals(ctx context.Context, signals []types.Signal, monitorSymbol string, notional decimal.Decimal) {
	for _, s := range signals {
		orderID, orderType, qty, err := e.executeOne(ctx, s, monitorSymbol, notional)
		if err != nil {
			log.Printf("[WARN][订单监控] execute signal %s %s failed: %v", s.Action, s.Symbol, err)
		}
		if e.onResult != nil {
			e.onResult(s, orderID, orderType, qty, err)
		}
	}
}

func (e *Executor) executeOne(ctx context.Context, s types.Signal, monitorSymbol string, notional decimal.Decimal) (string, types.OrderType, decimal.Decimal, error) {
	if err := e.checkGate(); err != nil {
		return "", "", decimal.Zero, fmt.Errorf("gate: %w", err)
	}
	qty := e.ResolveQuantity(s, notional)
	if qty.LessThanOrEqual(decimal.Zero) {
		return "", "", qty, fmt.Errorf("validation: resolved quantity is zero")
	}
	price := s.Price.Round(e.decimals)
	if price.LessThanOrEqual(decimal.Zero) && s.Action.IsSell() == false {
		return "", "", qty, fmt.Errorf("validation: invalid price")
	}
	otype := e.orderTypeFor(s)
	isLong := s.Action.DirectionOf() == types.Long
	side := types.Buy
	clientOrderID := uuid.NewString()
	if s.Action.IsSell() {
		side = types.Sell
		if err := e.recorder.SubmitSellOrder(clientOrderID, s.Symbol, s.Action.DirectionOf(), qty, s.RelatedBuyOrderIDs, time.Now()); err != nil {
			return "", otype, qty, fmt.Errorf("occupy sell lots: %w", err)
		}
	}

	e.limiter.Throttle()
	if err := e.checkGate(); err != nil {
		if side == types.Sell {
			e.recorder.MarkSellCancelled(s.Symbol, s.Action.DirectionOf(), clientOrderID)
		}
		return "", otype, qty, fmt.Errorf("gate re-check before submit: %w", err)
	}

	// Track under the provisional client id before the submit round-trip:
	// a fill push delivered mid-submit must find the order tracked.
	e.monitor.TrackOrder(types.TrackedOrder{
		OrderID: clientOrderID, Symbol: s.Symbol, Side: side, IsLongSymbol: isLong,
		MonitorSymbol: monitorSymbol, IsProtectiveLiquidation: s.IsProtectiveLiquidation,
		OrderType: otype, SubmittedPrice: price, SubmittedQuantity: qty, Status: types.StatusWaitToNew,
		SubmittedAt: time.Now(), LastPriceUpdateAt: time.Now(),
	})
	placed, err := e.client.SubmitOrder(ctx, broker.OrderPayload{
		Symbol: s.Symbol, Side: side, Quantity: qty, Price: price, OrderType: otype, ClientOrderID: clientOrderID,
	})
	if err != nil {
		e.monitor.Untrack(clientOrderID)
		if side == types.Sell {
			e.recorder.MarkSellCancelled(s.Symbol, s.Action.DirectionOf(), clientOrderID)
		}
		return "", otype, qty, fmt.Errorf("submit_order: %w", err)
	}
	if placed.OrderID != clientOrderID {
		e.monitor.RekeyOrder(clientOrderID, placed.OrderID)
		if side == types.Sell {
			e.recorder.RekeyPendingSell(s.Symbol, s.Action.DirectionOf(), clientOrderID, placed.OrderID)
		}
	}
	metrics.OrdersSubmitted.WithLabelValues(monitorSymbol, string(side)).Inc()
	return placed.OrderID, otype, qty, nil
}

// CancelOrder cancels a tracked order, rate-limited.
func (e *Executor) CancelOrder(ctx context.Context, orderID string) error {
	e.limiter.Throttle()
	return e.client.CancelOrder(ctx, orderID)
}

// ReplaceOrderPrice replaces a tracked order's price, rate-limited.
func (e *Executor) ReplaceOrderPrice(ctx context.Context, orderID string, price, quantity decimal.Decimal) error {
	e.limiter.Throttle()
	return e.client.ReplaceOrder(ctx, broker.ReplacePayload{OrderID: orderID, Price: price.Round(e.decimals), Quantity: quantity})
}
