// Package broker defines the broker adapter surface consumed by the
// control plane, split into a quote context and a trade context. The
// concrete HK broker SDK lives behind this interface; the rest of the
// engine is built only against it.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/types"
)

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Quote is a single-symbol last-price snapshot.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// WarrantInfo is a broker warrant-list entry.
type WarrantInfo struct {
	Symbol        string
	UnderlyingID  string
	IsLong        bool
	CallPrice     decimal.Decimal
	ExpiryMonths  int
	TurnoverPerMin decimal.Decimal
}

// OrderPayload is the submit_order request shape. ClientOrderID, when
// set, is echoed back as PlacedOrder.OrderID so the caller can register
// ledger occupancy before the round-trip completes (sell occupancy
// acquisition precedes sell submission).
type OrderPayload struct {
	Symbol        string
	Side          types.OrderSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal // zero for market orders
	OrderType     types.OrderType
	ClientOrderID string
}

// ReplacePayload is the replace_order request shape.
type ReplacePayload struct {
	OrderID  string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderChanged is a broker push event.
type OrderChanged struct {
	OrderID          string
	Status           types.OrderStatus
	ExecutedPrice    decimal.Decimal
	ExecutedQuantity decimal.Decimal
	UpdatedAt        *time.Time // nullable; some broker pushes omit it
}

// PlacedOrder is the broker's immediate submit_order acknowledgement.
type PlacedOrder struct {
	OrderID string
	Status  types.OrderStatus
}

// AccountBalance is the trade context's account snapshot.
type AccountBalance struct {
	AvailableCash decimal.Decimal
}

// Position is one stock_positions entry.
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
	Notional decimal.Decimal
}

// TodayOrder is one today_orders entry used during startup recovery.
type TodayOrder struct {
	OrderID        string
	Symbol         string
	Side           types.OrderSide
	OrderType      types.OrderType
	Status         types.OrderStatus
	SubmittedPrice decimal.Decimal
	SubmittedQty   decimal.Decimal
	ExecutedQty    decimal.Decimal
	SubmittedAt    time.Time
}

// QuoteContext is the broker's market-data surface.
type QuoteContext interface {
	SubscribeSymbols(ctx context.Context, symbols []string) error
	UnsubscribeSymbols(ctx context.Context, symbols []string) error
	GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	SubscribeCandlesticks(ctx context.Context, symbol string) error
	GetRealtimeCandlesticks(ctx context.Context, symbol string, limit int) ([]Candle, error)
	WarrantList(ctx context.Context, underlying string, isLong bool) ([]WarrantInfo, error)
	IsTradingDay(ctx context.Context, day time.Time) (bool, error)
	GetTradingDays(ctx context.Context, from, to time.Time) ([]time.Time, error)
}

// TradeContext is the broker's order-management surface.
type TradeContext interface {
	SubmitOrder(ctx context.Context, payload OrderPayload) (PlacedOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	ReplaceOrder(ctx context.Context, payload ReplacePayload) error
	AccountBalance(ctx context.Context) (AccountBalance, error)
	StockPositions(ctx context.Context, symbols []string) ([]Position, error)
	TodayOrders(ctx context.Context, symbol string) ([]TodayOrder, error)
	SubscribePrivate(ctx context.Context) error
	SetOnOrderChanged(cb func(OrderChanged))
}

// Client is the full broker adapter the engine depends on.
type Client interface {
	Name() string
	QuoteContext
	TradeContext
}
