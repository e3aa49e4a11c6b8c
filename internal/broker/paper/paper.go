// Package paper is an in-memory simulated broker used by tests and
// dry-run mode.
//
// Synthetic order ids are uuids; fills are driven either synchronously
// on submit (auto-fill) or manually from tests.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/broker"
	"github.com/hkwarrants/engine/internal/types"
)

// Broker is a simple in-memory broker: submits fill immediately at the
// requested price (or the last quote for market orders) unless told to
// hold orders open via SetAutoFill(false).
type Broker struct {
	mu       sync.Mutex
	quotes   map[string]decimal.Decimal
	orders   map[string]*simOrder
	onChange func(broker.OrderChanged)
	autoFill bool
	warrants map[string][]broker.WarrantInfo
}

type simOrder struct {
	id       string
	symbol   string
	side     types.OrderSide
	otype    types.OrderType
	price    decimal.Decimal
	qty      decimal.Decimal
	status   types.OrderStatus
	executed decimal.Decimal
}

// New returns a paper broker with auto-fill enabled (orders fill
// immediately on submit).
func New() *Broker {
	return &Broker{
		quotes:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*simOrder),
		autoFill: true,
		warrants: make(map[string][]broker.WarrantInfo),
	}
}

// SetQuote seeds/updates the last price for a symbol.
func (b *Broker) SetQuote(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = price
}

// SetAutoFill toggles whether submitted orders fill immediately.
func (b *Broker) SetAutoFill(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoFill = v
}

// SetWarrants seeds the warrant list returned for an underlying.
func (b *Broker) SetWarrants(underlying string, infos []broker.WarrantInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.warrants[underlying] = infos
}

// FillOrder manually fills a held order (used when autoFill is false, to
// drive order-monitor tests deterministically).
func (b *Broker) FillOrder(orderID string, execPrice, execQty decimal.Decimal) {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return
	}
	o.executed = o.executed.Add(execQty)
	o.status = types.StatusFilled
	cb := b.onChange
	evt := broker.OrderChanged{OrderID: o.id, Status: o.status, ExecutedPrice: execPrice, ExecutedQuantity: o.executed}
	b.mu.Unlock()
	if cb != nil {
		cb(evt)
	}
}

func (b *Broker) Name() string { return "paper" }

func (b *Broker) SubscribeSymbols(ctx context.Context, symbols []string) error   { return nil }
func (b *Broker) UnsubscribeSymbols(ctx context.Context, symbols []string) error { return nil }

func (b *Broker) GetQuotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]broker.Quote, len(symbols))
	for _, s := range symbols {
		out[s] = broker.Quote{Symbol: s, Price: b.quotes[s], At: time.Now()}
	}
	return out, nil
}

func (b *Broker) SubscribeCandlesticks(ctx context.Context, symbol string) error { return nil }

func (b *Broker) GetRealtimeCandlesticks(ctx context.Context, symbol string, limit int) ([]broker.Candle, error) {
	return nil, nil
}

func (b *Broker) WarrantList(ctx context.Context, underlying string, isLong bool) ([]broker.WarrantInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.WarrantInfo
	for _, w := range b.warrants[underlying] {
		if w.IsLong == isLong {
			out = append(out, w)
		}
	}
	return out, nil
}

func (b *Broker) IsTradingDay(ctx context.Context, day time.Time) (bool, error) {
	wd := day.Weekday()
	return wd != time.Saturday && wd != time.Sunday, nil
}

func (b *Broker) GetTradingDays(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	var out []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, d)
		}
	}
	return out, nil
}

func (b *Broker) SubmitOrder(ctx context.Context, payload broker.OrderPayload) (broker.PlacedOrder, error) {
	b.mu.Lock()
	id := payload.ClientOrderID
	if id == "" {
		id = uuid.NewString()
	}
	price := payload.Price
	if price.IsZero() {
		price = b.quotes[payload.Symbol]
	}
	o := &simOrder{id: id, symbol: payload.Symbol, side: payload.Side, otype: payload.OrderType, price: price, qty: payload.Quantity, status: types.StatusNew}
	b.orders[id] = o
	autoFill := b.autoFill
	cb := b.onChange
	b.mu.Unlock()

	if autoFill {
		b.mu.Lock()
		o.status = types.StatusFilled
		o.executed = o.qty
		evt := broker.OrderChanged{OrderID: id, Status: o.status, ExecutedPrice: o.price, ExecutedQuantity: o.executed}
		b.mu.Unlock()
		if cb != nil {
			cb(evt)
		}
	}
	return broker.PlacedOrder{OrderID: id, Status: o.status}, nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	if o.status.IsTerminal() {
		b.mu.Unlock()
		return nil
	}
	o.status = types.StatusCanceled
	cb := b.onChange
	evt := broker.OrderChanged{OrderID: orderID, Status: o.status, ExecutedQuantity: o.executed}
	b.mu.Unlock()
	if cb != nil {
		cb(evt)
	}
	return nil
}

func (b *Broker) ReplaceOrder(ctx context.Context, payload broker.ReplacePayload) error {
	b.mu.Lock()
	o, ok := b.orders[payload.OrderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("paper: unknown order %s", payload.OrderID)
	}
	o.price = payload.Price
	o.qty = payload.Quantity
	o.status = types.StatusReplaced
	cb := b.onChange
	evt := broker.OrderChanged{OrderID: o.id, Status: o.status, ExecutedQuantity: o.executed}
	b.mu.Unlock()
	if cb != nil {
		cb(evt)
	}
	return nil
}

func (b *Broker) AccountBalance(ctx context.Context) (broker.AccountBalance, error) {
	return broker.AccountBalance{AvailableCash: decimal.NewFromInt(1_000_000)}, nil
}

func (b *Broker) StockPositions(ctx context.Context, symbols []string) ([]broker.Position, error) {
	return nil, nil
}

func (b *Broker) TodayOrders(ctx context.Context, symbol string) ([]broker.TodayOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.TodayOrder
	for _, o := range b.orders {
		if symbol != "" && o.symbol != symbol {
			continue
		}
		out = append(out, broker.TodayOrder{
			OrderID: o.id, Symbol: o.symbol, Side: o.side, OrderType: o.otype, Status: o.status,
			SubmittedPrice: o.price, SubmittedQty: o.qty, ExecutedQty: o.executed,
		})
	}
	return out, nil
}

func (b *Broker) SubscribePrivate(ctx context.Context) error { return nil }

func (b *Broker) SetOnOrderChanged(cb func(broker.OrderChanged)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = cb
}

var _ broker.Client = (*Broker)(nil)
