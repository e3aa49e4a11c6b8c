// Package types holds the shared data model: enums and records passed
// between the control-plane components. Kept dependency-free so every
// other internal package can import it without cycles.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is a seat's side: LONG seats hold bull warrants, SHORT seats
// hold bear warrants.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// SeatStatus is a seat's lifecycle state.
type SeatStatus string

const (
	SeatReady     SeatStatus = "READY"
	SeatSearching SeatStatus = "SEARCHING"
	SeatSwitching SeatStatus = "SWITCHING"
	SeatEmpty     SeatStatus = "EMPTY"
)

// OrderSide distinguishes buy and sell legs.
type OrderSide string

const (
	Buy  OrderSide = "Buy"
	Sell OrderSide = "Sell"
)

// OrderType is the broker order type requested on submit.
type OrderType string

const (
	OrderTypeLO  OrderType = "LO"  // limit order
	OrderTypeELO OrderType = "ELO" // enhanced limit order, the trading default
	OrderTypeMO  OrderType = "MO"  // market order, used for liquidations/timeouts
)

// IsReplaceable reports whether the order type carries a price the
// broker can replace. Market orders have none, so the price chase must
// never issue replace_order against them.
func (t OrderType) IsReplaceable() bool {
	switch t {
	case OrderTypeLO, OrderTypeELO:
		return true
	default:
		return false
	}
}

// OrderStatus mirrors the broker's tracked-order status vocabulary.
// New/WaitToNew/PartialFilled/Replaced/WaitToReplace/PendingReplace are
// active (non-terminal); Filled/Canceled/Rejected are terminal.
type OrderStatus string

const (
	StatusNew            OrderStatus = "New"
	StatusWaitToNew      OrderStatus = "WaitToNew"
	StatusPartialFilled  OrderStatus = "PartialFilled"
	StatusReplaced       OrderStatus = "Replaced"
	StatusWaitToReplace  OrderStatus = "WaitToReplace"
	StatusPendingReplace OrderStatus = "PendingReplace"
	StatusFilled         OrderStatus = "Filled"
	StatusCanceled       OrderStatus = "Canceled"
	StatusRejected       OrderStatus = "Rejected"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// IsActive is the complement of IsTerminal; startup recovery treats
// active statuses as pending.
func (s OrderStatus) IsActive() bool { return !s.IsTerminal() }

// SignalAction is the four-way trading action plus HOLD.
type SignalAction string

const (
	ActionBuyCall  SignalAction = "BUYCALL"
	ActionSellCall SignalAction = "SELLCALL"
	ActionBuyPut   SignalAction = "BUYPUT"
	ActionSellPut  SignalAction = "SELLPUT"
	ActionHold     SignalAction = "HOLD"
)

// IsBuy reports whether the action opens a position.
func (a SignalAction) IsBuy() bool {
	return a == ActionBuyCall || a == ActionBuyPut
}

// IsSell reports whether the action closes a position.
func (a SignalAction) IsSell() bool {
	return a == ActionSellCall || a == ActionSellPut
}

// DirectionOf maps a signal action to the seat direction it targets.
func (a SignalAction) DirectionOf() Direction {
	switch a {
	case ActionBuyCall, ActionSellCall:
		return Long
	case ActionBuyPut, ActionSellPut:
		return Short
	default:
		return ""
	}
}

// LifecycleState is the day-lifecycle manager's state.
type LifecycleState string

const (
	LifecycleActive            LifecycleState = "ACTIVE"
	LifecycleMidnightCleaning  LifecycleState = "MIDNIGHT_CLEANING"
	LifecycleMidnightCleaned   LifecycleState = "MIDNIGHT_CLEANED"
	LifecycleOpenRebuildFailed LifecycleState = "OPEN_REBUILD_FAILED"
)

// RuntimeState is the order monitor's two-state recovery machine.
type RuntimeState string

const (
	RuntimeBootstrapping RuntimeState = "BOOTSTRAPPING"
	RuntimeActive        RuntimeState = "ACTIVE"
)

// SeatKey identifies a seat by (monitor_symbol, direction).
type SeatKey struct {
	Monitor   string
	Direction Direction
}

// Seat is the per-(monitor,direction) slot holding one tradeable warrant.
type Seat struct {
	Monitor              string
	Direction            Direction
	Symbol               string // nullable: "" means unbound
	Status               SeatStatus
	LastSwitchAt         time.Time
	LastSearchAt         time.Time
	LastSeatReadyAt      time.Time
	CallPrice            decimal.Decimal
	SearchFailCountToday int
	FrozenTradingDayKey  string // nullable: "" means not frozen
	Version              uint64 // monotonic, bumped only on binding change
}

// IsFrozen reports whether the seat is frozen for the given trading day.
func (s *Seat) IsFrozen(dayKey string) bool {
	return s.FrozenTradingDayKey != "" && s.FrozenTradingDayKey == dayKey
}

// TrackedOrder is the order monitor's live-order bookkeeping record.
type TrackedOrder struct {
	OrderID                string
	Symbol                 string
	Side                   OrderSide
	IsLongSymbol           bool
	MonitorSymbol          string
	IsProtectiveLiquidation bool
	OrderType              OrderType
	SubmittedPrice         decimal.Decimal
	SubmittedQuantity      decimal.Decimal
	ExecutedQuantity       decimal.Decimal
	Status                 OrderStatus
	SubmittedAt            time.Time
	LastPriceUpdateAt      time.Time
	ConvertedToMarket      bool
}

// RelatedBuyOrderIDs is carried by the ledger's pending-sell index
// rather than embedded in the tracked order.

// BuyLot is one filled-buy entry in the order recorder's ledger.
type BuyLot struct {
	OrderID        string
	Symbol         string
	ExecutedPrice  decimal.Decimal
	ExecutedQty    decimal.Decimal
	ExecutedTime   time.Time
	// RemainingQty tracks how much of ExecutedQty is still unsold; pending-sell
	// occupancy is tracked separately and does not reduce it.
	RemainingQty   decimal.Decimal
}

// PendingSell is a live sell order's claim over a set of buy lots.
type PendingSell struct {
	OrderID             string
	Symbol              string
	Direction            Direction
	SubmittedQuantity   decimal.Decimal
	RelatedBuyOrderIDs  []string
	SubmittedAt         time.Time
	ExecutedQuantity    decimal.Decimal
}

// IndicatorSnapshot carries externally computed indicator values into
// the strategy layer; the indicator formulas themselves live outside
// this module.
type IndicatorSnapshot struct {
	Monitor         string
	CandleFingerprint string
	ComputedAt      time.Time
	Values          map[string]decimal.Decimal
}

// Signal is the strategy/signal-processor output record.
type Signal struct {
	Symbol               string
	Action               SignalAction
	Reason               string
	Price                decimal.Decimal
	LotSize              decimal.Decimal
	Quantity             decimal.Decimal
	TriggerTime          time.Time
	SeatVersion          uint64
	OrderTypeOverride    OrderType
	IsProtectiveLiquidation bool
	IndicatorsSnapshot   IndicatorSnapshot
	VerificationHistory  []string
	RelatedBuyOrderIDs   []string // populated by process_sell_signals for sells
}

// MonitorState is the per-monitor live price/indicator cache.
type MonitorState struct {
	Monitor                string
	MonitorPrice           decimal.Decimal
	LongPrice              decimal.Decimal
	ShortPrice             decimal.Decimal
	LastIndicatorSnapshot  IndicatorSnapshot
	LastCandleFingerprint  string
	PendingDelayedSignals  int
}

// UnrealizedLossData is the risk checker's per-symbol accumulator:
// r1 = Σ buy price*qty for held lots, n1 = Σ qty.
type UnrealizedLossData struct {
	Symbol string
	R1     decimal.Decimal
	N1     decimal.Decimal
}

// GlobalLastState is the cross-cutting runtime flags record.
type GlobalLastState struct {
	CanTrade              bool
	IsHalfDay             bool
	OpenProtectionActive  bool
	CurrentDayKey         string
	LifecycleState        LifecycleState
	PendingOpenRebuild    bool
	IsTradingEnabled      bool
	AllTradingSymbols     map[string]struct{}
}

// SwitchStage is the auto-symbol manager's switch state machine stage.
type SwitchStage string

const (
	SwitchCancelPending SwitchStage = "CANCEL_PENDING"
	SwitchSellOut       SwitchStage = "SELL_OUT"
	SwitchBindNew       SwitchStage = "BIND_NEW"
	SwitchWaitQuote     SwitchStage = "WAIT_QUOTE"
	SwitchRebuy         SwitchStage = "REBUY"
	SwitchComplete      SwitchStage = "COMPLETE"
)

// SwitchState tracks an in-flight seat switch.
type SwitchState struct {
	OldSymbol    string
	ShouldRebuy  bool
	SellNotional decimal.Decimal
	Stage        SwitchStage
	StartedAt    time.Time
}
