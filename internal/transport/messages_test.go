package transport

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/marketmirror/errs"
	"github.com/coachpo/marketmirror/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseSnapshotOrderbook(t *testing.T) {
	raw := []byte(`{
		"method": "snapshotOrderbook",
		"params": {
			"symbol": "BTC/USDT",
			"sequence": 1000,
			"bids": [{"price": "49900", "quantity": "2.000"}],
			"asks": [{"price": "50100", "quantity": 1.5}],
			"timestampms": 1700000000000
		}
	}`)

	events, err := ParseStreamMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, events.Snapshot)
	snap := events.Snapshot
	require.Equal(t, "BTC-USDT", snap.Symbol)
	require.Equal(t, uint64(1000), snap.Sequence)
	require.Len(t, snap.Bids, 1)
	require.True(t, snap.Bids[0].Price.Equal(dec("49900")))
	require.True(t, snap.Asks[0].Quantity.Equal(dec("1.5")))
	require.Equal(t, int64(1700000000000), snap.CapturedAt.UnixMilli())
}

func TestParseUpdateOrderbookStringSequence(t *testing.T) {
	raw := []byte(`{
		"method": "updateOrderbook",
		"params": {
			"symbol": "BTC/USDT",
			"sequence": "1001",
			"bids": [],
			"asks": [{"price": "50100", "quantity": "0"}]
		}
	}`)

	events, err := ParseStreamMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, events.Diff)
	require.Equal(t, uint64(1001), events.Diff.Sequence)
	require.Empty(t, events.Diff.BidChanges)
	require.True(t, events.Diff.AskChanges[0].Quantity.IsZero())
}

func TestParseTradeReport(t *testing.T) {
	raw := []byte(`{
		"method": "report",
		"params": {
			"id": 987654,
			"userProvidedId": "c-1",
			"symbol": "BTC/USDT",
			"side": "buy",
			"status": "partlyFilled",
			"reportType": "trade",
			"quantity": "2",
			"cumQuantity": "0.5",
			"tradeId": 555,
			"tradeQuantity": "0.5",
			"tradePrice": "50000",
			"updatedAt": 1700000000500
		}
	}`)

	events, err := ParseStreamMessage(raw)
	require.NoError(t, err)
	require.Len(t, events.Reports, 1)
	report := events.Reports[0]
	require.Equal(t, schema.OriginStream, report.Origin)
	require.Equal(t, "c-1", report.ClientOrderID)
	require.Equal(t, "987654", report.ExchangeOrderID)
	require.Equal(t, "partlyFilled", report.RawStatus)
	require.Equal(t, "555", report.TradeID)
	require.NotNil(t, report.TradeQuantity)
	require.True(t, report.TradeQuantity.Equal(dec("0.5")))
	require.NotNil(t, report.CumulativeFilled)
	require.True(t, report.CumulativeFilled.Equal(dec("0.5")))
}

func TestParseStatusReportCarriesNoFill(t *testing.T) {
	raw := []byte(`{
		"method": "report",
		"params": {
			"id": 987654,
			"userProvidedId": "c-1",
			"symbol": "BTC/USDT",
			"status": "new",
			"reportType": "new",
			"quantity": "2",
			"updatedAt": 1700000000000
		}
	}`)

	events, err := ParseStreamMessage(raw)
	require.NoError(t, err)
	require.Len(t, events.Reports, 1)
	report := events.Reports[0]
	require.Empty(t, report.TradeID)
	require.Nil(t, report.TradeQuantity)
	require.True(t, report.Quantity.Equal(dec("2")))
}

func TestParseBalanceFrames(t *testing.T) {
	update := []byte(`{"method":"balanceUpdate","params":{"ticker":"BTC","available":"1.5","held":"0.5"}}`)
	events, err := ParseStreamMessage(update)
	require.NoError(t, err)
	require.Len(t, events.Balances, 1)
	require.Equal(t, "BTC", events.Balances[0].Asset)
	require.True(t, events.Balances[0].Available.Equal(dec("1.5")))

	snapshot := []byte(`{"method":"currentBalances","result":[
		{"ticker":"BTC","available":"1","held":"0"},
		{"ticker":"USDT","available":"1000","held":"250"}
	]}`)
	events, err = ParseStreamMessage(snapshot)
	require.NoError(t, err)
	require.Len(t, events.Balances, 2)
	require.True(t, events.Balances[1].Held.Equal(dec("250")))
}

func TestParseAckAndErrorFrames(t *testing.T) {
	events, err := ParseStreamMessage([]byte(`{"result":true,"id":3}`))
	require.NoError(t, err)
	require.True(t, events.Ack)

	_, err = ParseStreamMessage([]byte(`{"error":{"code":20002,"message":"Order not found"},"id":4}`))
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeExchange))
}

func TestParseUnknownMethodIgnored(t *testing.T) {
	events, err := ParseStreamMessage([]byte(`{"method":"updateTrades","params":{}}`))
	require.NoError(t, err)
	require.False(t, events.Ack)
	require.Nil(t, events.Snapshot)
	require.Nil(t, events.Diff)
	require.Empty(t, events.Reports)
}

func TestParseBadSequenceRejected(t *testing.T) {
	raw := []byte(`{"method":"updateOrderbook","params":{"symbol":"BTC/USDT","sequence":"-5","bids":[],"asks":[]}}`)
	_, err := ParseStreamMessage(raw)
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestTradeRowToExecReport(t *testing.T) {
	trade := wireTrade{
		ID:          "777",
		OrderID:     "987654",
		Symbol:      "BTC/USDT",
		Side:        "SELL",
		Price:       "50000",
		Quantity:    "0.25",
		TimestampMS: 1700000001000,
	}
	report, err := trade.execReport(schema.OriginPoll)
	require.NoError(t, err)
	require.Equal(t, schema.OriginPoll, report.Origin)
	require.Empty(t, report.ClientOrderID)
	require.Equal(t, "987654", report.ExchangeOrderID)
	require.Equal(t, schema.SideSell, report.Side)
	require.Equal(t, "777", report.TradeID)
	require.True(t, report.TradeQuantity.Equal(dec("0.25")))
}

func TestSymbolConversionRoundTrip(t *testing.T) {
	require.Equal(t, "BTC/USDT", VenueSymbol("BTC-USDT"))
	require.Equal(t, "BTC-USDT", CanonicalSymbol("BTC/USDT"))
}
