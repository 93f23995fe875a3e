package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/marketmirror/config"
	"github.com/coachpo/marketmirror/errs"
	"github.com/coachpo/marketmirror/internal/auth"
	"github.com/coachpo/marketmirror/internal/schema"
)

func testTransportSettings(baseURL string) config.TransportSettings {
	cfg := config.Default().Transport
	cfg.RESTURL = baseURL
	cfg.RequestsPerSec = 1000
	cfg.RequestBurst = 100
	return cfg
}

func testSigner(t *testing.T) *auth.Signer {
	t.Helper()
	signer, err := auth.NewSigner(auth.Credential{
		Key:    "testApiKey",
		Secret: []byte("testSecret"),
	}, func() time.Time { return time.UnixMilli(1700000000000) })
	require.NoError(t, err)
	return signer
}

func TestFetchSnapshotPublic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/market/orderbook", r.URL.Path)
		require.Equal(t, "BTC/USDT", r.URL.Query().Get("symbol"))
		require.Empty(t, r.Header.Get(headerAPIKey))
		_, _ = w.Write([]byte(`{
			"symbol": "BTC/USDT",
			"sequence": 1000,
			"bids": [{"price":"49900","quantity":"2"}],
			"asks": [{"price":"50100","quantity":"1.5"}]
		}`))
	}))
	defer server.Close()

	client := NewRESTClient(testTransportSettings(server.URL), "nonkyc", nil)
	snap, err := client.FetchSnapshot(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	require.Equal(t, "BTC-USDT", snap.Symbol)
	require.Equal(t, uint64(1000), snap.Sequence)
	require.Len(t, snap.Bids, 1)
}

func TestCreateOrderSignsRequest(t *testing.T) {
	cred := auth.Credential{Key: "testApiKey", Secret: []byte("testSecret")}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/createorder", r.URL.Path)
		require.Equal(t, "testApiKey", r.Header.Get(headerAPIKey))

		nonce := r.Header.Get(headerAPINonce)
		require.Equal(t, "1700000000000", nonce)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		// The signature must cover key + full url + compact body + nonce.
		canonical, err := auth.CanonicalPOST(cred.Key, "http://"+r.Host+r.URL.String(), body, 1700000000000)
		require.NoError(t, err)
		require.Equal(t, auth.Sign(cred, canonical), r.Header.Get(headerAPISign))

		_, _ = w.Write([]byte(`{
			"id": 987654,
			"userProvidedId": "c-1",
			"symbol": "BTC/USDT",
			"side": "buy",
			"status": "New",
			"quantity": "1",
			"createdAt": 1700000000100
		}`))
	}))
	defer server.Close()

	client := NewRESTClient(testTransportSettings(server.URL), "nonkyc", testSigner(t))
	price := dec("50000")
	report, err := client.CreateOrder(context.Background(), schema.OrderRequest{
		ClientOrderID: "c-1",
		Symbol:        "BTC-USDT",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         &price,
		Quantity:      dec("1"),
	})
	require.NoError(t, err)
	require.Equal(t, "987654", report.ExchangeOrderID)
	require.Equal(t, "c-1", report.ClientOrderID)
	require.Equal(t, "New", report.RawStatus)
}

func TestSignedCallWithoutCredentials(t *testing.T) {
	client := NewRESTClient(testTransportSettings("http://unreachable"), "nonkyc", nil)
	_, err := client.Balances(context.Background())
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeAuthUnavailable))
}

func TestVenueErrorEnvelopeDecoded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":20002,"message":"Order not found"}}`))
	}))
	defer server.Close()

	client := NewRESTClient(testTransportSettings(server.URL), "nonkyc", testSigner(t))
	err := client.CancelOrder(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeExchange))

	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, http.StatusBadRequest, envelope.HTTP)
	require.Equal(t, "20002", envelope.RawCode)
	require.Equal(t, "Order not found", envelope.RawMsg)
}

func TestRateLimitStatusMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewRESTClient(testTransportSettings(server.URL), "nonkyc", testSigner(t))
	_, err := client.OpenOrders(context.Background())
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeRateLimited))
}

func TestAccountTradesQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/account/trades", r.URL.Path)
		require.Equal(t, "BTC/USDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "1699999940000", r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`[
			{"id":777,"orderid":987654,"symbol":"BTC/USDT","side":"buy","price":"50000","quantity":"0.25","timestamp":1700000001000}
		]`))
	}))
	defer server.Close()

	client := NewRESTClient(testTransportSettings(server.URL), "nonkyc", testSigner(t))
	reports, err := client.AccountTrades(context.Background(), "BTC-USDT", time.UnixMilli(1699999940000))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "777", reports[0].TradeID)
	require.Equal(t, "987654", reports[0].ExchangeOrderID)
	require.Equal(t, schema.OriginPoll, reports[0].Origin)
}
