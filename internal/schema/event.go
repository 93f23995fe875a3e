// Package schema defines the canonical event and payload types shared by the sync core.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marketmirror/errs"
)

// Origin identifies which channel produced an inbound event.
type Origin string

const (
	// OriginStream marks events pushed over the websocket stream.
	OriginStream Origin = "stream"
	// OriginPoll marks events derived from request/response polling.
	OriginPoll Origin = "poll"
)

// PriceLevel is one price point of the book. A zero quantity removes the level.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshot replaces all prior book state for a symbol.
type BookSnapshot struct {
	Symbol     string       `json:"symbol"`
	Sequence   uint64       `json:"sequence"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	CapturedAt time.Time    `json:"captured_at"`
}

// BookDiff carries incremental level changes valid only directly after
// sequence-1 has been applied.
type BookDiff struct {
	Symbol     string       `json:"symbol"`
	Sequence   uint64       `json:"sequence"`
	BidChanges []PriceLevel `json:"bid_changes"`
	AskChanges []PriceLevel `json:"ask_changes"`
}

// BookDelta is the normalized "book updated" notification emitted downstream.
// Reset is true when the delta stems from a snapshot replacing the whole book.
type BookDelta struct {
	Symbol     string       `json:"symbol"`
	Sequence   uint64       `json:"sequence"`
	BidChanges []PriceLevel `json:"bid_changes"`
	AskChanges []PriceLevel `json:"ask_changes"`
	Reset      bool         `json:"reset"`
	At         time.Time    `json:"at"`
}

// BalanceSnapshot mirrors the account balance for one asset.
type BalanceSnapshot struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	At        time.Time       `json:"at"`
}

// ValidateInstrument verifies the canonical instrument representation (BASE-QUOTE).
func ValidateInstrument(symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument requires base-quote"))
	}
	for _, part := range parts {
		if part == "" {
			return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument contains empty leg"))
		}
		if strings.ToUpper(part) != part {
			return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument must be uppercase"))
		}
	}
	return nil
}
