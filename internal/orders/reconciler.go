package orders

import (
	"sync"
	"time"

	"github.com/coachpo/marketmirror/errs"
	"github.com/coachpo/marketmirror/internal/observability"
	"github.com/coachpo/marketmirror/internal/schema"
)

// DefaultPendingEventBuffer bounds exec reports held per unresolved exchange
// order id before backfill.
const DefaultPendingEventBuffer = 16

// Reconciler owns per-order lifecycle state and merges events from the stream
// and from polling into a single ordered stream of state transitions.
// Mutations for one order are serialized by the orchestrator; the internal
// lock only protects the registry against concurrent reads and placements.
type Reconciler struct {
	mu           sync.RWMutex
	statuses     schema.StatusTable
	dedup        *FillDeduplicator
	metrics      *observability.RuntimeMetrics
	orders       map[string]*schema.OrderRecord
	byExchangeID map[string]string
	pending      map[string][]schema.ExecReport
	pendingLimit int
	now          func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithStatusTable overrides the raw status normalization table.
func WithStatusTable(table schema.StatusTable) ReconcilerOption {
	return func(r *Reconciler) {
		if len(table) > 0 {
			r.statuses = table
		}
	}
}

// WithPendingEventBuffer overrides the per-exchange-id pending buffer bound.
func WithPendingEventBuffer(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.pendingLimit = n
		}
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler constructs a reconciler with the default status table.
func NewReconciler(metrics *observability.RuntimeMetrics, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		statuses:     schema.DefaultStatusTable(),
		dedup:        NewFillDeduplicator(metrics),
		metrics:      metrics,
		orders:       make(map[string]*schema.OrderRecord),
		byExchangeID: make(map[string]string),
		pending:      make(map[string][]schema.ExecReport),
		pendingLimit: DefaultPendingEventBuffer,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Track registers a placement request, creating the SUBMITTED record before
// any venue confirmation exists.
func (r *Reconciler) Track(req schema.OrderRequest) (schema.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[req.ClientOrderID]; exists {
		return schema.OrderRecord{}, errs.New("orders", errs.CodeInvalid,
			errs.WithMessage("client order id already tracked"))
	}
	record := &schema.OrderRecord{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		State:         schema.StateSubmitted,
		UpdatedAt:     r.now(),
	}
	r.orders[req.ClientOrderID] = record
	return *record, nil
}

// Apply merges one normalized report into order state and returns the
// transitions it caused, in order. Unknown raw statuses are logged and mapped
// to OPEN; transitions out of terminal states are ignored. Reports keyed only
// by an exchange id that has not backfilled yet are buffered, not dropped.
func (r *Reconciler) Apply(report schema.ExecReport) []schema.OrderTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(report)
}

func (r *Reconciler) applyLocked(report schema.ExecReport) (transitions []schema.OrderTransition) {
	clientID := report.ClientOrderID
	if clientID == "" && report.ExchangeOrderID != "" {
		clientID = r.byExchangeID[report.ExchangeOrderID]
	}
	if clientID == "" {
		if report.ExchangeOrderID == "" {
			observability.Log().Warn("report carries no order identifiers; dropped")
			return nil
		}
		r.bufferPending(report)
		return nil
	}

	record, ok := r.orders[clientID]
	if !ok {
		observability.Log().Warn("report for untracked order dropped",
			observability.F("client_order_id", clientID))
		return nil
	}

	// Backfill the exchange id exactly once, then replay anything that was
	// waiting on it. The buffered events arrived first, so they apply ahead
	// of this report; a terminal report replayed last would otherwise discard
	// the fills buffered before it.
	if record.ExchangeOrderID == "" && report.ExchangeOrderID != "" {
		record.ExchangeOrderID = report.ExchangeOrderID
		r.byExchangeID[report.ExchangeOrderID] = clientID
		replay := r.pending[report.ExchangeOrderID]
		delete(r.pending, report.ExchangeOrderID)
		for _, buffered := range replay {
			transitions = append(transitions, r.applyLocked(buffered)...)
		}
	}

	if record.State.IsTerminal() {
		observability.Log().Debug("event for terminal order ignored",
			observability.F("client_order_id", clientID),
			observability.F("state", string(record.State)))
		return transitions
	}

	target, known := r.statuses.Normalize(report.RawStatus)
	if !known && report.RawStatus != "" {
		observability.Log().Warn("unrecognized order status; defaulting to OPEN",
			observability.F("client_order_id", clientID),
			observability.F("raw_status", report.RawStatus))
		if r.metrics != nil {
			r.metrics.IncrementUnknownStatuses()
		}
		observability.Telemetry().IncCounter(observability.MetricUnknownStatuses, 1, nil)
	}
	if report.RawStatus == "" {
		// Pure fill reports carry no status; the fill itself decides.
		target = record.State
	}

	fill := r.dedup.Observe(clientID, report)
	if fill != nil {
		record.ExecutedQuantity = record.ExecutedQuantity.Add(fill.BaseAmount)
		if record.ExecutedQuantity.GreaterThan(record.Quantity) {
			observability.Log().Warn("executed quantity exceeds requested",
				observability.F("client_order_id", clientID),
				observability.F("executed", record.ExecutedQuantity.String()),
				observability.F("requested", record.Quantity.String()))
		}
		if !target.IsTerminal() {
			if record.ExecutedQuantity.GreaterThanOrEqual(record.Quantity) {
				target = schema.StateFilled
			} else {
				target = schema.StatePartiallyFilled
			}
		}
	}

	previous := record.State
	if !r.transitionAllowed(previous, target, fill != nil) {
		if fill == nil {
			observability.Log().Debug("stale transition ignored",
				observability.F("client_order_id", clientID),
				observability.F("from", string(previous)),
				observability.F("to", string(target)))
			return transitions
		}
		// A fill always advances state even when the status field is stale.
		target = previous
	}

	record.State = target
	record.UpdatedAt = r.now()

	transitions = append(transitions, schema.OrderTransition{
		Order:    *record,
		Previous: previous,
		Fill:     fill,
		At:       record.UpdatedAt,
	})

	if target.IsTerminal() {
		r.releaseLocked(record)
	}
	return transitions
}

// transitionAllowed validates lifecycle moves. Lifecycle only moves forward:
// SUBMITTED → OPEN → PARTIALLY_FILLED → terminal, with terminal states
// reachable from any live state and repeated PARTIALLY_FILLED for further
// fills.
func (r *Reconciler) transitionAllowed(from, to schema.OrderState, hasFill bool) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	rank := map[schema.OrderState]int{
		schema.StateSubmitted:       0,
		schema.StateOpen:            1,
		schema.StatePartiallyFilled: 2,
	}
	if to == from {
		// Repeated same-state reports only matter when they carry a fill.
		return hasFill
	}
	return rank[to] > rank[from]
}

// MarkRejected forces an order into REJECTED, used when the placement request
// itself fails before the venue ever acknowledges it.
func (r *Reconciler) MarkRejected(clientOrderID string) []schema.OrderTransition {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.orders[clientOrderID]
	if !ok || record.State.IsTerminal() {
		return nil
	}
	previous := record.State
	record.State = schema.StateRejected
	record.UpdatedAt = r.now()
	r.releaseLocked(record)
	return []schema.OrderTransition{{
		Order:    *record,
		Previous: previous,
		At:       record.UpdatedAt,
	}}
}

// ExchangeID resolves the venue-assigned id for a cancel request. It fails
// with unknown_exchange_id until the id has backfilled, so a malformed cancel
// is never sent.
func (r *Reconciler) ExchangeID(clientOrderID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.orders[clientOrderID]
	if !ok {
		return "", errs.New("orders", errs.CodeNotFound,
			errs.WithMessage("unknown client order id"))
	}
	if record.ExchangeOrderID == "" {
		return "", errs.New("orders", errs.CodeUnknownExchangeID,
			errs.WithMessage("exchange order id not yet assigned"))
	}
	return record.ExchangeOrderID, nil
}

// Get returns a read-only copy of the order record.
func (r *Reconciler) Get(clientOrderID string) (schema.OrderRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.orders[clientOrderID]
	if !ok {
		return schema.OrderRecord{}, false
	}
	return *record, true
}

// Open returns copies of all non-terminal order records.
func (r *Reconciler) Open() []schema.OrderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.OrderRecord, 0, len(r.orders))
	for _, record := range r.orders {
		if !record.State.IsTerminal() {
			out = append(out, *record)
		}
	}
	return out
}

// MetricsSnapshot exports the runtime sync counters.
func (r *Reconciler) MetricsSnapshot() observability.SyncMetricsSnapshot {
	if r.metrics == nil {
		return observability.SyncMetricsSnapshot{}
	}
	return r.metrics.Snapshot()
}

func (r *Reconciler) bufferPending(report schema.ExecReport) {
	queue := r.pending[report.ExchangeOrderID]
	if len(queue) >= r.pendingLimit {
		observability.Log().Warn("pending event buffer full; dropping oldest",
			observability.F("exchange_order_id", report.ExchangeOrderID))
		queue = queue[1:]
	}
	r.pending[report.ExchangeOrderID] = append(queue, report)
}

func (r *Reconciler) releaseLocked(record *schema.OrderRecord) {
	r.dedup.Release(record.ClientOrderID)
	if record.ExchangeOrderID != "" {
		delete(r.pending, record.ExchangeOrderID)
	}
}
