// Package orders reconciles order lifecycle and trade execution events
// arriving from the stream and from polling.
package orders

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marketmirror/internal/observability"
	"github.com/coachpo/marketmirror/internal/schema"
)

// FillDeduplicator folds the two fill-reporting shapes the venue uses (per-trade
// incremental amounts and running cumulative totals) into a single stream of
// incremental fill events, dropping duplicates by trade id.
//
// Trusting a cumulative field as if it were incremental silently multiplies
// fill sizes, so the two shapes are never mixed: an incremental amount is
// authoritative when present, and cumulative values only ever contribute the
// delta above the remembered total.
type FillDeduplicator struct {
	seen       map[string]map[string]struct{}
	cumulative map[string]decimal.Decimal
	metrics    *observability.RuntimeMetrics
}

// NewFillDeduplicator constructs an empty deduplicator.
func NewFillDeduplicator(metrics *observability.RuntimeMetrics) *FillDeduplicator {
	return &FillDeduplicator{
		seen:       make(map[string]map[string]struct{}),
		cumulative: make(map[string]decimal.Decimal),
		metrics:    metrics,
	}
}

// Observe inspects a raw report for fill content and returns the incremental
// fill event it implies, or nil when the report carries no new execution.
// Not safe for concurrent use; the orchestrator serializes per order.
func (d *FillDeduplicator) Observe(clientOrderID string, report schema.ExecReport) *schema.FillEvent {
	if report.TradeID != "" && d.isSeen(clientOrderID, report.TradeID) {
		observability.Log().Debug("duplicate trade id dropped",
			observability.F("client_order_id", clientOrderID),
			observability.F("trade_id", report.TradeID))
		if d.metrics != nil {
			d.metrics.IncrementDuplicateFills(clientOrderID)
		}
		observability.Telemetry().IncCounter(observability.MetricDuplicateFills, 1,
			map[string]string{"origin": string(report.Origin)})
		return nil
	}

	if report.TradeQuantity != nil {
		return d.observeIncremental(clientOrderID, report)
	}
	if report.CumulativeFilled != nil {
		return d.observeCumulative(clientOrderID, report)
	}
	return nil
}

func (d *FillDeduplicator) observeIncremental(clientOrderID string, report schema.ExecReport) *schema.FillEvent {
	qty := *report.TradeQuantity
	if qty.Sign() <= 0 {
		return nil
	}

	tradeID := report.TradeID
	if tradeID == "" {
		// No venue id; derive one from the report's own content so a
		// redelivered frame maps to the same id and drops instead of
		// double-counting. Distinct fills with identical content in the same
		// millisecond collide, which the venue's own ids avoid when present.
		tradeID = syntheticTradeID(clientOrderID, qty, report)
		if d.isSeen(clientOrderID, tradeID) {
			return nil
		}
	}
	d.markSeen(clientOrderID, tradeID)

	newTotal := d.cumulative[clientOrderID].Add(qty)
	if report.CumulativeFilled != nil {
		if !report.CumulativeFilled.Equal(newTotal) {
			observability.Log().Debug("cumulative and incremental fill fields disagree",
				observability.F("client_order_id", clientOrderID),
				observability.F("incremental_total", newTotal.String()),
				observability.F("reported_cumulative", report.CumulativeFilled.String()))
		}
		// Advance to the larger total so a later cumulative-only report
		// cannot re-emit the same execution.
		if report.CumulativeFilled.GreaterThan(newTotal) {
			newTotal = *report.CumulativeFilled
		}
	}
	d.cumulative[clientOrderID] = newTotal

	return d.fillEvent(clientOrderID, tradeID, qty, report)
}

func (d *FillDeduplicator) observeCumulative(clientOrderID string, report schema.ExecReport) *schema.FillEvent {
	total := *report.CumulativeFilled
	delta := total.Sub(d.cumulative[clientOrderID])
	if delta.Sign() <= 0 {
		return nil
	}

	tradeID := report.TradeID
	if tradeID == "" {
		tradeID = derivedTradeID(clientOrderID, total)
	}
	if d.isSeen(clientOrderID, tradeID) {
		return nil
	}
	d.markSeen(clientOrderID, tradeID)
	d.cumulative[clientOrderID] = total

	return d.fillEvent(clientOrderID, tradeID, delta, report)
}

func (d *FillDeduplicator) fillEvent(clientOrderID, tradeID string, qty decimal.Decimal, report schema.ExecReport) *schema.FillEvent {
	price := decimal.Zero
	if report.TradePrice != nil {
		price = *report.TradePrice
	}
	return &schema.FillEvent{
		TradeID:       tradeID,
		ClientOrderID: clientOrderID,
		BaseAmount:    qty,
		QuoteAmount:   qty.Mul(price),
		Price:         price,
		OccurredAt:    report.At,
	}
}

// CumulativeFilled returns the total base amount emitted so far for the order.
func (d *FillDeduplicator) CumulativeFilled(clientOrderID string) decimal.Decimal {
	return d.cumulative[clientOrderID]
}

// Release destroys the per-order state once the order is terminal and its
// events have been drained downstream.
func (d *FillDeduplicator) Release(clientOrderID string) {
	delete(d.seen, clientOrderID)
	delete(d.cumulative, clientOrderID)
}

func (d *FillDeduplicator) isSeen(clientOrderID, tradeID string) bool {
	_, ok := d.seen[clientOrderID][tradeID]
	return ok
}

func (d *FillDeduplicator) markSeen(clientOrderID, tradeID string) {
	set, ok := d.seen[clientOrderID]
	if !ok {
		set = make(map[string]struct{})
		d.seen[clientOrderID] = set
	}
	set[tradeID] = struct{}{}
}

func derivedTradeID(clientOrderID string, total decimal.Decimal) string {
	return fmt.Sprintf("derived:%s:%s", clientOrderID, total.String())
}

func syntheticTradeID(clientOrderID string, qty decimal.Decimal, report schema.ExecReport) string {
	price := ""
	if report.TradePrice != nil {
		price = report.TradePrice.String()
	}
	return fmt.Sprintf("synthetic:%s:%s:%s:%d",
		clientOrderID, qty.String(), price, report.At.UnixMilli())
}
