package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/marketmirror/config"
	"github.com/coachpo/marketmirror/errs"
	"github.com/coachpo/marketmirror/internal/auth"
	"github.com/coachpo/marketmirror/internal/observability"
	"github.com/coachpo/marketmirror/internal/schema"
)

// REST endpoint paths.
const (
	pathServerTime   = "/time"
	pathOrderbook    = "/market/orderbook"
	pathBalances     = "/balances"
	pathCreateOrder  = "/createorder"
	pathCancelOrder  = "/cancelorder"
	pathCancelAll    = "/cancelallorders"
	pathOpenOrders   = "/account/orders"
	pathOrderInfo    = "/getorder"
	pathAccountTrade = "/account/trades"
)

const snapshotDepthLimit = "1000"

// Headers carrying the request signature.
const (
	headerAPIKey   = "X-API-KEY"
	headerAPINonce = "X-API-NONCE"
	headerAPISign  = "X-API-SIGN"
)

// RESTClient issues signed and public requests against the venue REST API.
// All requests pass the shared rate limiter before hitting the wire.
type RESTClient struct {
	baseURL string
	venue   string
	http    *http.Client
	signer  *auth.Signer
	limiter *rate.Limiter
}

// NewRESTClient constructs a client. The signer may be nil for public-only
// usage; signed calls then fail with auth_unavailable.
func NewRESTClient(cfg config.TransportSettings, venue string, signer *auth.Signer) *RESTClient {
	return &RESTClient{
		baseURL: cfg.RESTURL,
		venue:   venue,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		signer:  signer,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestBurst),
	}
}

type restError struct {
	Error *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do executes one request. Query keys are encoded sorted, which the GET
// signature scheme requires.
func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body any, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New(c.venue, errs.CodeUnavailable,
			errs.WithMessage("rate limiter interrupted"), errs.WithCause(err))
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errs.New(c.venue, errs.CodeInvalid,
				errs.WithMessage("encode request body"), errs.WithCause(err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return errs.New(c.venue, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		if c.signer == nil {
			return errs.New(c.venue, errs.CodeAuthUnavailable,
				errs.WithMessage("no credentials configured"))
		}
		canon := auth.CanonicalGET
		if method == http.MethodPost {
			canon = auth.CanonicalPOST
		}
		signedReq, err := c.signer.SignRequest(canon, target, payload)
		if err != nil {
			return err
		}
		req.Header.Set(headerAPIKey, signedReq.Key)
		req.Header.Set(headerAPINonce, strconv.FormatInt(signedReq.Nonce, 10))
		req.Header.Set(headerAPISign, signedReq.Signature)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(c.venue, errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("%s %s", method, path)), errs.WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.New(c.venue, errs.CodeNetwork,
			errs.WithMessage("read response body"), errs.WithCause(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.New(c.venue, errs.CodeExchange,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("undecodable response body"), errs.WithCause(err))
	}
	return nil
}

func (c *RESTClient) decodeError(status int, raw []byte) error {
	code := errs.CodeExchange
	if status == http.StatusTooManyRequests {
		code = errs.CodeRateLimited
	}
	opts := []errs.Option{errs.WithHTTP(status)}
	var envelope restError
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		opts = append(opts,
			errs.WithRawCode(strconv.FormatInt(envelope.Error.Code, 10)),
			errs.WithRawMessage(envelope.Error.Message))
	}
	return errs.New(c.venue, code, opts...)
}

type wireServerTime struct {
	ServerTime int64 `json:"serverTime"`
	Time       int64 `json:"time"`
}

// ServerTime probes the venue clock. Used at startup to verify the local time
// source produces millisecond nonces the venue will accept.
func (c *RESTClient) ServerTime(ctx context.Context) (time.Time, error) {
	var payload wireServerTime
	if err := c.do(ctx, http.MethodGet, pathServerTime, nil, nil, false, &payload); err != nil {
		return time.Time{}, err
	}
	ms := payload.ServerTime
	if ms == 0 {
		ms = payload.Time
	}
	return time.UnixMilli(ms), nil
}

// FetchSnapshot retrieves the full depth snapshot for the symbol.
func (c *RESTClient) FetchSnapshot(ctx context.Context, symbol string) (schema.BookSnapshot, error) {
	query := url.Values{}
	query.Set("symbol", VenueSymbol(symbol))
	query.Set("limit", snapshotDepthLimit)

	var payload wireBookPayload
	if err := c.do(ctx, http.MethodGet, pathOrderbook, query, nil, false, &payload); err != nil {
		return schema.BookSnapshot{}, err
	}
	snap, err := payload.snapshot()
	if err != nil {
		return schema.BookSnapshot{}, err
	}
	// The snapshot endpoint omits the symbol on some responses.
	if snap.Symbol == "" {
		snap.Symbol = symbol
	}
	return snap, nil
}

type createOrderRequest struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Quantity       string `json:"quantity"`
	Price          string `json:"price,omitempty"`
	UserProvidedID string `json:"userProvidedId"`
}

// CreateOrder submits a placement request and returns the venue's
// acknowledgement normalized as a poll-origin report.
func (c *RESTClient) CreateOrder(ctx context.Context, req schema.OrderRequest) (schema.ExecReport, error) {
	body := createOrderRequest{
		Symbol:         VenueSymbol(req.Symbol),
		Side:           string(req.Side),
		Type:           string(req.Type),
		Quantity:       req.Quantity.String(),
		UserProvidedID: req.ClientOrderID,
	}
	if req.Price != nil {
		body.Price = req.Price.String()
	}

	var payload wireReport
	if err := c.do(ctx, http.MethodPost, pathCreateOrder, nil, body, true, &payload); err != nil {
		return schema.ExecReport{}, err
	}
	if payload.UserProvidedID == "" {
		payload.UserProvidedID = req.ClientOrderID
	}
	return payload.execReport(schema.OriginPoll)
}

type cancelOrderRequest struct {
	ID string `json:"id"`
}

// CancelOrder cancels by the venue-assigned order id.
func (c *RESTClient) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	var payload wireReport
	err := c.do(ctx, http.MethodPost, pathCancelOrder, nil,
		cancelOrderRequest{ID: exchangeOrderID}, true, &payload)
	if err != nil {
		return err
	}
	if payload.ID.String() == "" {
		return errs.New(c.venue, errs.CodeExchange,
			errs.WithMessage("cancel not acknowledged"))
	}
	return nil
}

type cancelAllRequest struct {
	Symbol string `json:"symbol,omitempty"`
}

// CancelAll batch-cancels every open order, optionally scoped to one symbol.
// Returns the venue's view of the cancelled orders.
func (c *RESTClient) CancelAll(ctx context.Context, symbol string) ([]schema.ExecReport, error) {
	body := cancelAllRequest{}
	if symbol != "" {
		body.Symbol = VenueSymbol(symbol)
	}

	var payload []wireReport
	if err := c.do(ctx, http.MethodPost, pathCancelAll, nil, body, true, &payload); err != nil {
		return nil, err
	}
	reports := make([]schema.ExecReport, 0, len(payload))
	for _, entry := range payload {
		report, err := entry.execReport(schema.OriginPoll)
		if err != nil {
			observability.Log().Warn("skipping undecodable cancelled order",
				observability.F("error", err.Error()))
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// OpenOrders lists the venue's active orders as poll-origin reports.
func (c *RESTClient) OpenOrders(ctx context.Context) ([]schema.ExecReport, error) {
	query := url.Values{}
	query.Set("status", "active")

	var payload []wireReport
	if err := c.do(ctx, http.MethodGet, pathOpenOrders, query, nil, true, &payload); err != nil {
		return nil, err
	}
	reports := make([]schema.ExecReport, 0, len(payload))
	for _, entry := range payload {
		report, err := entry.execReport(schema.OriginPoll)
		if err != nil {
			observability.Log().Warn("skipping undecodable order row",
				observability.F("error", err.Error()))
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// OrderStatus fetches one order by venue id or client id.
func (c *RESTClient) OrderStatus(ctx context.Context, orderID string) (schema.ExecReport, error) {
	var payload wireReport
	if err := c.do(ctx, http.MethodGet, pathOrderInfo+"/"+url.PathEscape(orderID), nil, nil, true, &payload); err != nil {
		return schema.ExecReport{}, err
	}
	return payload.execReport(schema.OriginPoll)
}

// AccountTrades lists account trade history for the symbol since the given
// time (zero means the venue default window). Trades are keyed by exchange
// order id only; the reconciler correlates them.
func (c *RESTClient) AccountTrades(ctx context.Context, symbol string, since time.Time) ([]schema.ExecReport, error) {
	query := url.Values{}
	query.Set("symbol", VenueSymbol(symbol))
	if !since.IsZero() {
		query.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}

	var payload []wireTrade
	if err := c.do(ctx, http.MethodGet, pathAccountTrade, query, nil, true, &payload); err != nil {
		return nil, err
	}
	reports := make([]schema.ExecReport, 0, len(payload))
	for _, trade := range payload {
		report, err := trade.execReport(schema.OriginPoll)
		if err != nil {
			observability.Log().Warn("skipping undecodable trade row",
				observability.F("error", err.Error()))
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Balances fetches the per-asset account balances.
func (c *RESTClient) Balances(ctx context.Context) ([]schema.BalanceSnapshot, error) {
	var payload []wireBalance
	if err := c.do(ctx, http.MethodGet, pathBalances, nil, nil, true, &payload); err != nil {
		return nil, err
	}
	now := time.Now()
	balances := make([]schema.BalanceSnapshot, 0, len(payload))
	for _, entry := range payload {
		balance, err := entry.snapshot(now)
		if err != nil {
			observability.Log().Warn("skipping undecodable balance row",
				observability.F("error", err.Error()))
			continue
		}
		balances = append(balances, balance)
	}
	return balances, nil
}
