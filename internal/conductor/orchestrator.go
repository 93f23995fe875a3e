// Package conductor wires the sequence trackers, ledgers, and the order
// reconciler behind a single routing stage with one serialized lane per key.
package conductor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/marketmirror/config"
	"github.com/coachpo/marketmirror/internal/book"
	"github.com/coachpo/marketmirror/internal/observability"
	"github.com/coachpo/marketmirror/internal/orders"
	"github.com/coachpo/marketmirror/internal/schema"
)

// SnapshotFetcher is the transport capability used to resynchronize a symbol.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (schema.BookSnapshot, error)
}

// Inbound is one normalized message from either channel. Exactly one field is set.
type Inbound struct {
	Snapshot *schema.BookSnapshot
	Diff     *schema.BookDiff
	Report   *schema.ExecReport
	Balance  *schema.BalanceSnapshot
}

// subscriber channel capacity; deltas beyond a stalled consumer are dropped
// with a warning rather than stalling the lane.
const subscriberBuffer = 256

// Orchestrator routes every inbound message to the correct per-symbol or
// per-order state and is the only caller allowed to pair sequence validation
// with ledger application.
type Orchestrator struct {
	cfg     config.SyncSettings
	fetcher SnapshotFetcher
	recon   *orders.Reconciler
	metrics *observability.RuntimeMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu        sync.Mutex
	started   bool
	symbols   map[string]*symbolLane
	orderLane chan schema.ExecReport

	balancesMu sync.RWMutex
	balances   map[string]schema.BalanceSnapshot

	// emitMu spans reconciler apply and subscriber publish for order state.
	// The reconciler's own lock releases before publication, so without this
	// lock a report applied first could be published second.
	emitMu sync.Mutex

	subsMu    sync.Mutex
	nextSubID int
	bookSubs  map[string]map[int]chan schema.BookDelta
	orderSubs map[int]chan schema.OrderTransition
}

// New constructs an orchestrator. The fetcher supplies fresh snapshots on
// resync; the reconciler is shared with the outer placement path.
func New(cfg config.SyncSettings, fetcher SnapshotFetcher, recon *orders.Reconciler, metrics *observability.RuntimeMetrics) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		fetcher:   fetcher,
		recon:     recon,
		metrics:   metrics,
		symbols:   make(map[string]*symbolLane),
		orderLane: make(chan schema.ExecReport, cfg.LaneQueueDepth),
		balances:  make(map[string]schema.BalanceSnapshot),
		bookSubs:  make(map[string]map[int]chan schema.BookDelta),
		orderSubs: make(map[int]chan schema.OrderTransition),
	}
}

// Start launches the order lane and begins accepting messages. It returns
// immediately; Stop tears everything down.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Go(o.runOrderLane)
}

// Stop cancels all lanes and waits for them to drain.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()

	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, subs := range o.bookSubs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
	}
	for id, ch := range o.orderSubs {
		close(ch)
		delete(o.orderSubs, id)
	}
}

// WatchSymbol registers a symbol and starts its serialized lane.
func (o *Orchestrator) WatchSymbol(symbol string) error {
	if err := schema.ValidateInstrument(symbol); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.symbols[symbol]; ok {
		return nil
	}
	lane := newSymbolLane(symbol, o)
	o.symbols[symbol] = lane
	o.wg.Go(lane.run)
	return nil
}

// Submit routes one inbound message to its lane. Messages for unwatched
// symbols are dropped with a warning; a full lane drops the message rather
// than blocking the transport reader.
func (o *Orchestrator) Submit(msg Inbound) {
	switch {
	case msg.Snapshot != nil:
		o.submitToSymbol(msg.Snapshot.Symbol, laneMsg{snapshot: msg.Snapshot})
	case msg.Diff != nil:
		o.submitToSymbol(msg.Diff.Symbol, laneMsg{diff: msg.Diff})
	case msg.Report != nil:
		select {
		case o.orderLane <- *msg.Report:
		default:
			observability.Log().Warn("order lane full; report dropped")
		}
	case msg.Balance != nil:
		o.applyBalance(*msg.Balance)
	}
}

func (o *Orchestrator) submitToSymbol(symbol string, msg laneMsg) {
	o.mu.Lock()
	lane, ok := o.symbols[symbol]
	o.mu.Unlock()
	if !ok {
		observability.Log().Warn("message for unwatched symbol dropped",
			observability.F("symbol", symbol))
		return
	}
	lane.submit(msg)
}

// TopOfBook returns the best bid/ask for a watched, synchronized symbol.
func (o *Orchestrator) TopOfBook(symbol string) (bid, ask *schema.PriceLevel, ok bool) {
	o.mu.Lock()
	lane, found := o.symbols[symbol]
	o.mu.Unlock()
	if !found {
		return nil, nil, false
	}
	return lane.ledger.TopOfBook()
}

// Balances returns a copy of the latest per-asset balance snapshots.
func (o *Orchestrator) Balances() map[string]schema.BalanceSnapshot {
	o.balancesMu.RLock()
	defer o.balancesMu.RUnlock()
	out := make(map[string]schema.BalanceSnapshot, len(o.balances))
	for asset, snap := range o.balances {
		out[asset] = snap
	}
	return out
}

func (o *Orchestrator) applyBalance(snap schema.BalanceSnapshot) {
	o.balancesMu.Lock()
	defer o.balancesMu.Unlock()
	current, ok := o.balances[snap.Asset]
	if ok && current.At.After(snap.At) {
		return
	}
	o.balances[snap.Asset] = snap
}

// SubscribeBookDeltas returns a channel of deltas for the symbol and an
// unsubscribe function. The channel terminates only on unsubscribe or Stop.
func (o *Orchestrator) SubscribeBookDeltas(symbol string) (<-chan schema.BookDelta, func()) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	id := o.nextSubID
	o.nextSubID++
	ch := make(chan schema.BookDelta, subscriberBuffer)
	subs, ok := o.bookSubs[symbol]
	if !ok {
		subs = make(map[int]chan schema.BookDelta)
		o.bookSubs[symbol] = subs
	}
	subs[id] = ch
	return ch, func() {
		o.subsMu.Lock()
		defer o.subsMu.Unlock()
		if current, ok := o.bookSubs[symbol][id]; ok {
			delete(o.bookSubs[symbol], id)
			close(current)
		}
	}
}

// SubscribeOrderTransitions returns the consolidated order-transition stream
// (fills included) and an unsubscribe function.
func (o *Orchestrator) SubscribeOrderTransitions() (<-chan schema.OrderTransition, func()) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	id := o.nextSubID
	o.nextSubID++
	ch := make(chan schema.OrderTransition, subscriberBuffer)
	o.orderSubs[id] = ch
	return ch, func() {
		o.subsMu.Lock()
		defer o.subsMu.Unlock()
		if current, ok := o.orderSubs[id]; ok {
			delete(o.orderSubs, id)
			close(current)
		}
	}
}

func (o *Orchestrator) publishDelta(delta schema.BookDelta) {
	observability.Telemetry().IncCounter(observability.MetricBookUpdates, 1,
		map[string]string{"symbol": delta.Symbol})
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.bookSubs[delta.Symbol] {
		select {
		case ch <- delta:
		default:
			observability.Log().Warn("book delta subscriber stalled; delta dropped",
				observability.F("symbol", delta.Symbol))
		}
	}
}

func (o *Orchestrator) publishTransitions(transitions []schema.OrderTransition) {
	if len(transitions) == 0 {
		return
	}
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, transition := range transitions {
		for _, ch := range o.orderSubs {
			select {
			case ch <- transition:
			default:
				observability.Log().Warn("order transition subscriber stalled; transition dropped",
					observability.F("client_order_id", transition.Order.ClientOrderID))
			}
		}
	}
}

// ApplyReport runs one report through the reconciler and publishes the
// transitions it caused. Every report path, the lane included, goes through
// here, so subscribers see transitions in the order they were applied.
func (o *Orchestrator) ApplyReport(report schema.ExecReport) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.publishTransitions(o.recon.Apply(report))
}

// EmitTransitions invokes fn under the emission lock and publishes what it
// returns, for order-state producers outside the report path (placement
// tracking, rejection on failed submits).
func (o *Orchestrator) EmitTransitions(fn func() []schema.OrderTransition) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.publishTransitions(fn())
}

func (o *Orchestrator) runOrderLane() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case report := <-o.orderLane:
			o.ApplyReport(report)
		}
	}
}

// laneMsg is one unit of work for a symbol lane.
type laneMsg struct {
	snapshot *schema.BookSnapshot
	diff     *schema.BookDiff
	// resync carries a fetched snapshot plus the generation it was requested
	// under; stale generations are discarded.
	resync           *schema.BookSnapshot
	resyncGeneration uint64
}

// symbolLane owns the mutation path for one symbol's tracker/ledger pair.
// All state below is touched only from run().
type symbolLane struct {
	symbol  string
	orch    *Orchestrator
	queue   chan laneMsg
	tracker *book.SequenceTracker
	ledger  *book.Ledger

	pendingResync bool
	// buffered holds diffs that arrived while a resync was pending; bounded,
	// oldest dropped first. After the snapshot applies they are replayed so
	// updates newer than the snapshot are not lost.
	buffered []schema.BookDiff
}

func newSymbolLane(symbol string, orch *Orchestrator) *symbolLane {
	return &symbolLane{
		symbol:  symbol,
		orch:    orch,
		queue:   make(chan laneMsg, orch.cfg.LaneQueueDepth),
		tracker: book.NewSequenceTracker(),
		ledger:  book.NewLedger(symbol),
	}
}

func (l *symbolLane) submit(msg laneMsg) {
	select {
	case l.queue <- msg:
	default:
		observability.Log().Warn("symbol lane full; message dropped",
			observability.F("symbol", l.symbol))
	}
}

func (l *symbolLane) run() {
	for {
		select {
		case <-l.orch.ctx.Done():
			return
		case msg := <-l.queue:
			l.handle(msg)
		}
	}
}

func (l *symbolLane) handle(msg laneMsg) {
	switch {
	case msg.snapshot != nil:
		l.applySnapshot(*msg.snapshot)
	case msg.diff != nil:
		l.applyDiff(*msg.diff)
	case msg.resync != nil:
		if msg.resyncGeneration != l.tracker.Generation() {
			observability.Log().Info("superseded resync discarded",
				observability.F("symbol", l.symbol),
				observability.F("generation", strconv.FormatUint(msg.resyncGeneration, 10)))
			return
		}
		l.applySnapshot(*msg.resync)
		if l.orch.metrics != nil {
			l.orch.metrics.IncrementResyncs(l.symbol)
		}
		observability.Telemetry().IncCounter(observability.MetricResyncs, 1,
			map[string]string{"symbol": l.symbol})
	}
}

func (l *symbolLane) applySnapshot(snap schema.BookSnapshot) {
	l.tracker.AcceptSnapshot(snap.Sequence)
	l.pendingResync = false
	delta := l.ledger.ApplySnapshot(snap)
	l.orch.publishDelta(delta)

	replay := l.buffered
	l.buffered = nil
	for _, diff := range replay {
		l.applyDiff(diff)
	}
}

func (l *symbolLane) applyDiff(diff schema.BookDiff) {
	if l.pendingResync {
		l.bufferDiff(diff)
		return
	}

	outcome, gap := l.tracker.AcceptDiff(diff.Sequence)
	switch outcome {
	case book.DiffAccepted:
		delta, err := l.ledger.ApplyDiff(diff)
		if err != nil {
			// Unreachable when the check-then-apply order is respected.
			observability.Log().Error("ledger rejected tracker-accepted diff",
				observability.F("symbol", l.symbol),
				observability.F("error", err.Error()))
			return
		}
		l.orch.publishDelta(delta)
	case book.DiffDuplicate:
		observability.Telemetry().IncCounter(observability.MetricDuplicateDiffs, 1,
			map[string]string{"symbol": l.symbol})
	case book.DiffGap:
		observability.Log().Warn("sequence gap detected; resyncing",
			observability.F("symbol", l.symbol),
			observability.F("expected", strconv.FormatUint(gap.Expected, 10)),
			observability.F("got", strconv.FormatUint(gap.Got, 10)))
		if l.orch.metrics != nil {
			l.orch.metrics.IncrementSequenceGaps(l.symbol)
		}
		observability.Telemetry().IncCounter(observability.MetricSequenceGaps, 1,
			map[string]string{"symbol": l.symbol})
		l.pendingResync = true
		l.bufferDiff(diff)
		l.requestResync(l.tracker.Generation())
	case book.DiffAwaitingResync:
		l.bufferDiff(diff)
	}
}

func (l *symbolLane) bufferDiff(diff schema.BookDiff) {
	if len(l.buffered) >= l.orch.cfg.ResyncBufferSize {
		l.buffered = l.buffered[1:]
	}
	l.buffered = append(l.buffered, diff)
}

// requestResync fetches a fresh snapshot off-lane and feeds it back tagged
// with the generation that requested it. A second gap detected before the
// fetch completes bumps the generation, so the stale result is discarded.
func (l *symbolLane) requestResync(generation uint64) {
	if l.orch.fetcher == nil {
		observability.Log().Error("gap detected but no snapshot fetcher configured",
			observability.F("symbol", l.symbol))
		return
	}
	l.orch.wg.Go(func() {
		backoffCfg := backoff.NewExponentialBackOff()
		backoffCfg.InitialInterval = 100 * time.Millisecond
		backoffCfg.MaxInterval = 5 * time.Second

		for {
			snap, err := l.orch.fetcher.FetchSnapshot(l.orch.ctx, l.symbol)
			if err == nil {
				l.submit(laneMsg{resync: &snap, resyncGeneration: generation})
				return
			}
			observability.Log().Warn("resync snapshot fetch failed; retrying",
				observability.F("symbol", l.symbol),
				observability.F("error", err.Error()))

			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = backoffCfg.MaxInterval
			}
			select {
			case <-l.orch.ctx.Done():
				return
			case <-time.After(sleep):
			}
		}
	})
}
