package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide distinguishes buy and sell flow.
type TradeSide string

const (
	// SideBuy marks buy-side orders and trades.
	SideBuy TradeSide = "buy"
	// SideSell marks sell-side orders and trades.
	SideSell TradeSide = "sell"
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	// OrderTypeLimit identifies limit orders.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeMarket identifies market orders.
	OrderTypeMarket OrderType = "market"
)

// OrderState is the closed set of lifecycle states an order can occupy.
type OrderState string

const (
	// StateSubmitted is assigned when a placement request is issued, before any confirmation.
	StateSubmitted OrderState = "SUBMITTED"
	// StateOpen marks a venue-acknowledged resting order.
	StateOpen OrderState = "OPEN"
	// StatePartiallyFilled marks an order with some executed quantity remaining open.
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	// StateFilled marks a completely executed order. Terminal.
	StateFilled OrderState = "FILLED"
	// StateCanceled marks a canceled or expired order. Terminal.
	StateCanceled OrderState = "CANCELED"
	// StateRejected marks an order the venue refused. Terminal.
	StateRejected OrderState = "REJECTED"
)

// IsTerminal reports whether no further transitions are accepted from the state.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected:
		return true
	default:
		return false
	}
}

// StatusTable maps raw venue status strings to canonical order states.
// Lookups are case-sensitive first, then lowercased, so venue spelling drift
// ("Cancelled" vs "canceled") resolves without table bloat.
type StatusTable map[string]OrderState

// DefaultStatusTable returns the exhaustively reviewed mapping for the venue.
func DefaultStatusTable() StatusTable {
	return StatusTable{
		"new":           StateOpen,
		"active":        StateOpen,
		"partly filled": StatePartiallyFilled,
		"partlyfilled":  StatePartiallyFilled,
		"filled":        StateFilled,
		"cancelled":     StateCanceled,
		"canceled":      StateCanceled,
		"expired":       StateCanceled,
		"rejected":      StateRejected,
		"suspended":     StateSubmitted,
	}
}

// Normalize resolves a raw status string. Unrecognized statuses map to the
// conservative default of OPEN with ok=false so callers can log them.
func (t StatusTable) Normalize(raw string) (OrderState, bool) {
	if state, ok := t[raw]; ok {
		return state, true
	}
	if state, ok := t[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return state, true
	}
	return StateOpen, false
}

// OrderRequest represents an order submission from the outer system.
type OrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          TradeSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
}

// OrderRecord is the reconciled view of one order, owned by the reconciler
// and exposed read-only to the outer system.
type OrderRecord struct {
	ClientOrderID    string           `json:"client_order_id"`
	ExchangeOrderID  string           `json:"exchange_order_id,omitempty"`
	Symbol           string           `json:"symbol"`
	Side             TradeSide        `json:"side"`
	Type             OrderType        `json:"type"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	Quantity         decimal.Decimal  `json:"quantity"`
	ExecutedQuantity decimal.Decimal  `json:"executed_quantity"`
	State            OrderState       `json:"state"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// FillEvent is one incremental trade execution attributed to an order.
// BaseAmount is strictly the delta for this trade, never cumulative.
type FillEvent struct {
	TradeID       string          `json:"trade_id"`
	ClientOrderID string          `json:"client_order_id"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	QuoteAmount   decimal.Decimal `json:"quote_amount"`
	Price         decimal.Decimal `json:"price"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// OrderTransition is the consolidated order-state output event; Fill is set
// when the transition was driven by a trade execution.
type OrderTransition struct {
	Order    OrderRecord `json:"order"`
	Previous OrderState  `json:"previous"`
	Fill     *FillEvent  `json:"fill,omitempty"`
	At       time.Time   `json:"at"`
}

// ExecReport is the single internal representation of an order event after
// per-channel parsing; both the stream and the poller produce this shape.
type ExecReport struct {
	Origin          Origin
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            TradeSide
	RawStatus       string
	Quantity        decimal.Decimal
	// CumulativeFilled is the venue-reported running total, when present.
	CumulativeFilled *decimal.Decimal
	// TradeID/TradeQuantity/TradePrice describe one execution, when present.
	// TradeQuantity is incremental and authoritative over CumulativeFilled.
	TradeID       string
	TradeQuantity *decimal.Decimal
	TradePrice    *decimal.Decimal
	At            time.Time
}
