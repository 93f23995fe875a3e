// Package mirror exposes the client-facing surface of the sync core: order
// placement and cancellation, book reads, and the consolidated event streams.
package mirror

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/marketmirror/config"
	"github.com/coachpo/marketmirror/errs"
	"github.com/coachpo/marketmirror/internal/conductor"
	"github.com/coachpo/marketmirror/internal/observability"
	"github.com/coachpo/marketmirror/internal/orders"
	"github.com/coachpo/marketmirror/internal/schema"
	"github.com/coachpo/marketmirror/internal/transport"
	"github.com/coachpo/marketmirror/lib/async"
)

// clientOrderIDPrefix marks orders placed by this process. The venue caps
// client ids at 32 characters.
const clientOrderIDPrefix = "mm-"

// clockSkewTolerance is the largest local/venue clock offset accepted without
// a warning; beyond it millisecond nonces may be rejected.
const clockSkewTolerance = 5 * time.Second

// tradePollLookback pads the since cursor so a fill landing exactly on the
// poll boundary is not missed. Duplicates are dropped downstream.
const tradePollLookback = time.Minute

// Venue is the REST capability surface the mirror depends on.
type Venue interface {
	ServerTime(ctx context.Context) (time.Time, error)
	FetchSnapshot(ctx context.Context, symbol string) (schema.BookSnapshot, error)
	CreateOrder(ctx context.Context, req schema.OrderRequest) (schema.ExecReport, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	CancelAll(ctx context.Context, symbol string) ([]schema.ExecReport, error)
	OpenOrders(ctx context.Context) ([]schema.ExecReport, error)
	AccountTrades(ctx context.Context, symbol string, since time.Time) ([]schema.ExecReport, error)
	Balances(ctx context.Context) ([]schema.BalanceSnapshot, error)
}

// PlaceRequest describes one order placement. ClientOrderID is optional; a
// unique id is generated when empty.
type PlaceRequest struct {
	ClientOrderID string
	Symbol        string
	Side          schema.TradeSide
	Type          schema.OrderType
	Price         *decimal.Decimal
	Quantity      decimal.Decimal
}

// Mirror composes the reconciler, the orchestrator, and the venue transport
// behind one synchronous API plus the poll-based reconciliation backup.
type Mirror struct {
	cfg     config.Settings
	venue   Venue
	recon   *orders.Reconciler
	orch    *conductor.Orchestrator
	pool    *async.Pool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	started bool
}

// New assembles a mirror over an already-constructed orchestrator and
// reconciler. The two must share the reconciler instance.
func New(cfg config.Settings, venue Venue, recon *orders.Reconciler, orch *conductor.Orchestrator) (*Mirror, error) {
	if venue == nil {
		return nil, errs.New(cfg.Venue, errs.CodeInvalid, errs.WithMessage("venue client required"))
	}
	pool, err := async.NewPool(4, 16)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		cfg:   cfg,
		venue: venue,
		recon: recon,
		orch:  orch,
		pool:  pool,
	}, nil
}

// Start launches the orchestrator, registers the configured symbols, and
// begins the poll loops. Non-blocking.
func (m *Mirror) Start(ctx context.Context) error {
	if m.started {
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.orch.Start(m.ctx)

	for _, symbol := range m.cfg.Symbols {
		if err := m.orch.WatchSymbol(symbol); err != nil {
			return err
		}
	}

	m.wg.Go(m.verifyClock)
	m.wg.Go(func() { m.pollLoop(m.cfg.Sync.OrderPollInterval, m.pollOrders) })
	m.wg.Go(func() { m.pollLoop(m.cfg.Sync.TradePollInterval, m.pollTrades) })
	m.wg.Go(func() { m.pollLoop(m.cfg.Sync.TradePollInterval, m.pollBalances) })
	return nil
}

// Stop tears down the poll loops and the orchestrator.
func (m *Mirror) Stop() {
	if !m.started {
		return
	}
	m.cancel()
	m.wg.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.pool.Shutdown(shutdownCtx)
	m.orch.Stop()
}

// HandleStream feeds one batch of normalized stream events into the
// orchestrator. Wire it as the websocket manager's handler.
func (m *Mirror) HandleStream(events transport.StreamEvents) {
	if events.Snapshot != nil {
		m.orch.Submit(conductor.Inbound{Snapshot: events.Snapshot})
	}
	if events.Diff != nil {
		m.orch.Submit(conductor.Inbound{Diff: events.Diff})
	}
	for i := range events.Reports {
		m.orch.Submit(conductor.Inbound{Report: &events.Reports[i]})
	}
	for i := range events.Balances {
		m.orch.Submit(conductor.Inbound{Balance: &events.Balances[i]})
	}
}

// PlaceOrder validates, registers, and submits one order. The SUBMITTED
// transition is published before the wire call; a failed submit moves the
// order to REJECTED and returns the failure.
func (m *Mirror) PlaceOrder(ctx context.Context, req PlaceRequest) (schema.OrderRecord, error) {
	orderReq, err := m.buildRequest(req)
	if err != nil {
		return schema.OrderRecord{}, err
	}

	var (
		record   schema.OrderRecord
		trackErr error
	)
	// Track and publish under the emission lock so a racing stream report
	// cannot be published ahead of the creation event. The zero Previous
	// marks the transition as the creation.
	m.orch.EmitTransitions(func() []schema.OrderTransition {
		record, trackErr = m.recon.Track(orderReq)
		if trackErr != nil {
			return nil
		}
		return []schema.OrderTransition{{Order: record, At: record.UpdatedAt}}
	})
	if trackErr != nil {
		return schema.OrderRecord{}, trackErr
	}

	ack, err := m.venue.CreateOrder(ctx, orderReq)
	if err != nil {
		observability.Log().Warn("order placement failed",
			observability.F("client_order_id", orderReq.ClientOrderID),
			observability.F("error", err.Error()))
		m.orch.EmitTransitions(func() []schema.OrderTransition {
			return m.recon.MarkRejected(orderReq.ClientOrderID)
		})
		return schema.OrderRecord{}, err
	}
	m.orch.ApplyReport(ack)

	current, ok := m.recon.Get(orderReq.ClientOrderID)
	if !ok {
		return record, nil
	}
	return current, nil
}

func (m *Mirror) buildRequest(req PlaceRequest) (schema.OrderRequest, error) {
	if err := schema.ValidateInstrument(req.Symbol); err != nil {
		return schema.OrderRequest{}, err
	}
	if req.Side != schema.SideBuy && req.Side != schema.SideSell {
		return schema.OrderRequest{}, errs.New(m.cfg.Venue, errs.CodeInvalid,
			errs.WithMessage("side must be buy or sell"))
	}
	if req.Type != schema.OrderTypeLimit && req.Type != schema.OrderTypeMarket {
		return schema.OrderRequest{}, errs.New(m.cfg.Venue, errs.CodeInvalid,
			errs.WithMessage("type must be limit or market"))
	}
	if req.Quantity.Sign() <= 0 {
		return schema.OrderRequest{}, errs.New(m.cfg.Venue, errs.CodeInvalid,
			errs.WithMessage("quantity must be positive"))
	}
	if req.Type == schema.OrderTypeLimit {
		if req.Price == nil || req.Price.Sign() <= 0 {
			return schema.OrderRequest{}, errs.New(m.cfg.Venue, errs.CodeInvalid,
				errs.WithMessage("limit orders require a positive price"))
		}
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = newClientOrderID()
	}
	return schema.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
	}, nil
}

// newClientOrderID generates a prefixed, venue-length-safe unique id.
func newClientOrderID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return clientOrderIDPrefix + raw[:24]
}

// CancelOrder cancels by client order id. It fails with unknown_exchange_id
// when the venue id has not backfilled yet, never sending a malformed cancel.
func (m *Mirror) CancelOrder(ctx context.Context, clientOrderID string) error {
	exchangeID, err := m.recon.ExchangeID(clientOrderID)
	if err != nil {
		return err
	}
	return m.venue.CancelOrder(ctx, exchangeID)
}

// CancelAll batch-cancels open orders, optionally scoped to one symbol, and
// folds the venue's response into local order state.
func (m *Mirror) CancelAll(ctx context.Context, symbol string) error {
	if symbol != "" {
		if err := schema.ValidateInstrument(symbol); err != nil {
			return err
		}
	}
	cancelled, err := m.venue.CancelAll(ctx, symbol)
	if err != nil {
		return err
	}
	for _, report := range cancelled {
		m.orch.ApplyReport(report)
	}
	return nil
}

// Order returns the current record for the client order id.
func (m *Mirror) Order(clientOrderID string) (schema.OrderRecord, bool) {
	return m.recon.Get(clientOrderID)
}

// OpenOrders returns all locally tracked non-terminal orders.
func (m *Mirror) OpenOrders() []schema.OrderRecord {
	return m.recon.Open()
}

// TopOfBook returns the best bid/ask for a watched symbol.
func (m *Mirror) TopOfBook(symbol string) (bid, ask *schema.PriceLevel, ok bool) {
	return m.orch.TopOfBook(symbol)
}

// SubscribeBookDeltas exposes the per-symbol delta stream.
func (m *Mirror) SubscribeBookDeltas(symbol string) (<-chan schema.BookDelta, func()) {
	return m.orch.SubscribeBookDeltas(symbol)
}

// SubscribeOrderTransitions exposes the consolidated transition stream.
func (m *Mirror) SubscribeOrderTransitions() (<-chan schema.OrderTransition, func()) {
	return m.orch.SubscribeOrderTransitions()
}

// Balances returns the latest per-asset balances.
func (m *Mirror) Balances() map[string]schema.BalanceSnapshot {
	return m.orch.Balances()
}

// Metrics returns the runtime sync counters snapshot.
func (m *Mirror) Metrics() observability.SyncMetricsSnapshot {
	return m.recon.MetricsSnapshot()
}

// verifyClock compares the local clock against the venue's. A skewed clock
// produces nonces the venue rejects opaquely, so it is surfaced loudly here.
func (m *Mirror) verifyClock() {
	venueTime, err := m.venue.ServerTime(m.ctx)
	if err != nil {
		observability.Log().Warn("server time probe failed",
			observability.F("error", err.Error()))
		return
	}
	skew := time.Since(venueTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > clockSkewTolerance {
		observability.Log().Error("local clock skewed against venue; signed requests may fail",
			observability.F("skew", skew.String()))
		return
	}
	observability.Log().Debug("venue clock verified",
		observability.F("skew", skew.String()))
}

// pollLoop runs fn on the interval until shutdown. Each cycle is dispatched
// through the bounded pool so a hung request cannot pile up tickers.
func (m *Mirror) pollLoop(interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.pool.Submit(m.ctx, fn); err != nil {
				observability.Log().Warn("poll cycle skipped",
					observability.F("error", err.Error()))
			}
		}
	}
}

// pollOrders refreshes order statuses from the venue's open-order list. The
// stream remains the primary source; this backfills anything it missed.
func (m *Mirror) pollOrders(ctx context.Context) error {
	reports, err := m.venue.OpenOrders(ctx)
	if err != nil {
		return err
	}
	for i := range reports {
		m.orch.Submit(conductor.Inbound{Report: &reports[i]})
	}
	return nil
}

// pollTrades pulls recent account trades per symbol so fills survive stream
// outages. The since cursor overlaps on purpose; the deduplicator drops the
// repeats.
func (m *Mirror) pollTrades(ctx context.Context) error {
	since := time.Now().Add(-m.cfg.Sync.TradePollInterval - tradePollLookback)
	var firstErr error
	for _, symbol := range m.cfg.Symbols {
		reports, err := m.venue.AccountTrades(ctx, symbol, since)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for i := range reports {
			m.orch.Submit(conductor.Inbound{Report: &reports[i]})
		}
	}
	return firstErr
}

func (m *Mirror) pollBalances(ctx context.Context) error {
	balances, err := m.venue.Balances(ctx)
	if err != nil {
		return err
	}
	for i := range balances {
		m.orch.Submit(conductor.Inbound{Balance: &balances[i]})
	}
	return nil
}
