// Package transport implements the venue-facing REST and websocket plumbing
// and normalizes wire payloads into the canonical event types.
package transport

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/marketmirror/errs"
	"github.com/coachpo/marketmirror/internal/schema"
)

// Websocket method names used by the venue.
const (
	methodSubscribeOrderbook   = "subscribeOrderbook"
	methodUnsubscribeOrderbook = "unsubscribeOrderbook"
	methodSubscribeReports     = "subscribeReports"
	methodSubscribeBalances    = "subscribeBalances"
	methodLogin                = "login"

	eventSnapshotOrderbook = "snapshotOrderbook"
	eventUpdateOrderbook   = "updateOrderbook"
	eventReport            = "report"
	eventBalanceUpdate     = "balanceUpdate"
	eventCurrentBalances   = "currentBalances"
	eventActiveOrders      = "activeOrders"
)

// VenueSymbol converts the canonical BASE-QUOTE form into the venue's
// BASE/QUOTE form.
func VenueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "-", "/")
}

// CanonicalSymbol converts a venue BASE/QUOTE symbol to the canonical form.
func CanonicalSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

type wsError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// wsEnvelope is the venue's json-rpc style frame. Notifications carry method
// and params; command acknowledgements carry result or error.
type wsEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *wsError        `json:"error"`
	ID     int64           `json:"id"`
}

// wireLevel tolerates both string and numeric price/quantity encodings.
type wireLevel struct {
	Price    json.Number `json:"price"`
	Quantity json.Number `json:"quantity"`
}

type wireBookPayload struct {
	Symbol      string      `json:"symbol"`
	Sequence    json.Number `json:"sequence"`
	Bids        []wireLevel `json:"bids"`
	Asks        []wireLevel `json:"asks"`
	TimestampMS int64       `json:"timestampms"`
}

// wireReport is the venue's private order/trade report payload.
type wireReport struct {
	ID             json.Number `json:"id"`
	UserProvidedID string      `json:"userProvidedId"`
	Symbol         string      `json:"symbol"`
	Side           string      `json:"side"`
	Status         string      `json:"status"`
	ReportType     string      `json:"reportType"`
	Quantity       json.Number `json:"quantity"`
	CumQuantity    json.Number `json:"cumQuantity"`
	TradeID        json.Number `json:"tradeId"`
	TradeQuantity  json.Number `json:"tradeQuantity"`
	TradePrice     json.Number `json:"tradePrice"`
	UpdatedAtMS    int64       `json:"updatedAt"`
	CreatedAtMS    int64       `json:"createdAt"`
}

// wireBalance tolerates both key spellings: the stream uses "ticker", REST
// uses "asset".
type wireBalance struct {
	Ticker    string      `json:"ticker"`
	Asset     string      `json:"asset"`
	Available json.Number `json:"available"`
	Held      json.Number `json:"held"`
}

// wireTrade is one row of the account trade history.
type wireTrade struct {
	ID          json.Number `json:"id"`
	OrderID     json.Number `json:"orderid"`
	Symbol      string      `json:"symbol"`
	Side        string      `json:"side"`
	Price       json.Number `json:"price"`
	Quantity    json.Number `json:"quantity"`
	TimestampMS int64       `json:"timestamp"`
}

func parseDecimal(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(n.String())
}

func parseDecimalPtr(n json.Number) (*decimal.Decimal, error) {
	if n == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// parseSequence normalizes the sequence field, which arrives as a number on
// some frames and a string on others, into the uint64 total order.
func parseSequence(n json.Number) (uint64, error) {
	if n == "" {
		return 0, nil
	}
	seq, err := n.Int64()
	if err != nil || seq < 0 {
		return 0, errs.New("transport", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("bad sequence %q", n.String())))
	}
	return uint64(seq), nil
}

func parseLevels(in []wireLevel) ([]schema.PriceLevel, error) {
	out := make([]schema.PriceLevel, 0, len(in))
	for _, level := range in {
		price, err := parseDecimal(level.Price)
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(level.Quantity)
		if err != nil {
			return nil, err
		}
		out = append(out, schema.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

func (p wireBookPayload) snapshot() (schema.BookSnapshot, error) {
	seq, err := parseSequence(p.Sequence)
	if err != nil {
		return schema.BookSnapshot{}, err
	}
	bids, err := parseLevels(p.Bids)
	if err != nil {
		return schema.BookSnapshot{}, err
	}
	asks, err := parseLevels(p.Asks)
	if err != nil {
		return schema.BookSnapshot{}, err
	}
	capturedAt := time.Now()
	if p.TimestampMS > 0 {
		capturedAt = time.UnixMilli(p.TimestampMS)
	}
	return schema.BookSnapshot{
		Symbol:     CanonicalSymbol(p.Symbol),
		Sequence:   seq,
		Bids:       bids,
		Asks:       asks,
		CapturedAt: capturedAt,
	}, nil
}

func (p wireBookPayload) diff() (schema.BookDiff, error) {
	seq, err := parseSequence(p.Sequence)
	if err != nil {
		return schema.BookDiff{}, err
	}
	bids, err := parseLevels(p.Bids)
	if err != nil {
		return schema.BookDiff{}, err
	}
	asks, err := parseLevels(p.Asks)
	if err != nil {
		return schema.BookDiff{}, err
	}
	return schema.BookDiff{
		Symbol:     CanonicalSymbol(p.Symbol),
		Sequence:   seq,
		BidChanges: bids,
		AskChanges: asks,
	}, nil
}

func (r wireReport) execReport(origin schema.Origin) (schema.ExecReport, error) {
	report := schema.ExecReport{
		Origin:          origin,
		ClientOrderID:   r.UserProvidedID,
		ExchangeOrderID: r.ID.String(),
		Symbol:          CanonicalSymbol(r.Symbol),
		Side:            schema.TradeSide(strings.ToLower(r.Side)),
		RawStatus:       r.Status,
		At:              time.UnixMilli(r.UpdatedAtMS),
	}
	if r.UpdatedAtMS == 0 && r.CreatedAtMS > 0 {
		report.At = time.UnixMilli(r.CreatedAtMS)
	}

	var err error
	if report.Quantity, err = parseDecimal(r.Quantity); err != nil {
		return schema.ExecReport{}, err
	}
	if report.CumulativeFilled, err = parseDecimalPtr(r.CumQuantity); err != nil {
		return schema.ExecReport{}, err
	}
	// Trade fields only appear on trade reports; a bare status report must not
	// carry fill content.
	if r.ReportType == "" || r.ReportType == "trade" {
		if r.TradeID != "" {
			report.TradeID = r.TradeID.String()
		}
		if report.TradeQuantity, err = parseDecimalPtr(r.TradeQuantity); err != nil {
			return schema.ExecReport{}, err
		}
		if report.TradePrice, err = parseDecimalPtr(r.TradePrice); err != nil {
			return schema.ExecReport{}, err
		}
	}
	return report, nil
}

func (t wireTrade) execReport(origin schema.Origin) (schema.ExecReport, error) {
	qty, err := parseDecimalPtr(t.Quantity)
	if err != nil {
		return schema.ExecReport{}, err
	}
	price, err := parseDecimalPtr(t.Price)
	if err != nil {
		return schema.ExecReport{}, err
	}
	return schema.ExecReport{
		Origin:          origin,
		ExchangeOrderID: t.OrderID.String(),
		Symbol:          CanonicalSymbol(t.Symbol),
		Side:            schema.TradeSide(strings.ToLower(t.Side)),
		TradeID:         t.ID.String(),
		TradeQuantity:   qty,
		TradePrice:      price,
		At:              time.UnixMilli(t.TimestampMS),
	}, nil
}

func (b wireBalance) snapshot(at time.Time) (schema.BalanceSnapshot, error) {
	asset := b.Ticker
	if asset == "" {
		asset = b.Asset
	}
	available, err := parseDecimal(b.Available)
	if err != nil {
		return schema.BalanceSnapshot{}, err
	}
	held, err := parseDecimal(b.Held)
	if err != nil {
		return schema.BalanceSnapshot{}, err
	}
	return schema.BalanceSnapshot{
		Asset:     asset,
		Available: available,
		Held:      held,
		At:        at,
	}, nil
}

// StreamEvents holds the normalized content of one websocket frame. A single
// frame can expand to several events (balance lists, batched reports).
type StreamEvents struct {
	Snapshot *schema.BookSnapshot
	Diff     *schema.BookDiff
	Reports  []schema.ExecReport
	Balances []schema.BalanceSnapshot
	// Ack is true for command acknowledgement frames that carry no event.
	Ack bool
}

// ParseStreamMessage decodes one raw websocket frame into normalized events.
// Unrecognized notification methods yield an empty, non-ack result.
func ParseStreamMessage(raw []byte) (StreamEvents, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return StreamEvents{}, errs.New("transport", errs.CodeInvalid,
			errs.WithMessage("undecodable stream frame"), errs.WithCause(err))
	}
	if envelope.Error != nil {
		return StreamEvents{}, errs.New("transport", errs.CodeExchange,
			errs.WithRawCode(fmt.Sprintf("%d", envelope.Error.Code)),
			errs.WithRawMessage(envelope.Error.Message))
	}
	if envelope.Method == "" {
		return StreamEvents{Ack: true}, nil
	}

	switch envelope.Method {
	case eventSnapshotOrderbook:
		var payload wireBookPayload
		if err := json.Unmarshal(envelope.Params, &payload); err != nil {
			return StreamEvents{}, err
		}
		snap, err := payload.snapshot()
		if err != nil {
			return StreamEvents{}, err
		}
		return StreamEvents{Snapshot: &snap}, nil

	case eventUpdateOrderbook:
		var payload wireBookPayload
		if err := json.Unmarshal(envelope.Params, &payload); err != nil {
			return StreamEvents{}, err
		}
		diff, err := payload.diff()
		if err != nil {
			return StreamEvents{}, err
		}
		return StreamEvents{Diff: &diff}, nil

	case eventReport:
		var payload wireReport
		if err := json.Unmarshal(envelope.Params, &payload); err != nil {
			return StreamEvents{}, err
		}
		report, err := payload.execReport(schema.OriginStream)
		if err != nil {
			return StreamEvents{}, err
		}
		return StreamEvents{Reports: []schema.ExecReport{report}}, nil

	case eventActiveOrders:
		// Delivered as result after subscribing and as params on refresh.
		payload := envelope.Params
		if len(payload) == 0 {
			payload = envelope.Result
		}
		var reports []wireReport
		if err := json.Unmarshal(payload, &reports); err != nil {
			return StreamEvents{}, err
		}
		events := StreamEvents{}
		for _, r := range reports {
			report, err := r.execReport(schema.OriginStream)
			if err != nil {
				return StreamEvents{}, err
			}
			events.Reports = append(events.Reports, report)
		}
		return events, nil

	case eventBalanceUpdate:
		var payload wireBalance
		if err := json.Unmarshal(envelope.Params, &payload); err != nil {
			return StreamEvents{}, err
		}
		balance, err := payload.snapshot(time.Now())
		if err != nil {
			return StreamEvents{}, err
		}
		return StreamEvents{Balances: []schema.BalanceSnapshot{balance}}, nil

	case eventCurrentBalances:
		payload := envelope.Result
		if len(payload) == 0 {
			payload = envelope.Params
		}
		var entries []wireBalance
		if err := json.Unmarshal(payload, &entries); err != nil {
			return StreamEvents{}, err
		}
		events := StreamEvents{}
		now := time.Now()
		for _, entry := range entries {
			balance, err := entry.snapshot(now)
			if err != nil {
				return StreamEvents{}, err
			}
			events.Balances = append(events.Balances, balance)
		}
		return events, nil
	}

	return StreamEvents{}, nil
}
