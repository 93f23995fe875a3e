package orders_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/marketmirror/internal/observability"
	"github.com/coachpo/marketmirror/internal/orders"
	"github.com/coachpo/marketmirror/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestCumulativeStreamEmitsIncrements(t *testing.T) {
	dedup := orders.NewFillDeduplicator(observability.NewRuntimeMetrics())

	var emitted []decimal.Decimal
	for _, total := range []string{"1", "2", "3"} {
		fill := dedup.Observe("ord-1", schema.ExecReport{
			Origin:           schema.OriginPoll,
			ClientOrderID:    "ord-1",
			CumulativeFilled: decPtr(total),
			At:               time.UnixMilli(1700000000000),
		})
		require.NotNil(t, fill)
		emitted = append(emitted, fill.BaseAmount)
	}

	// Deltas, not totals: 1, 1, 1.
	for i, amount := range emitted {
		require.True(t, amount.Equal(dec("1")), "fill %d was %s", i, amount)
	}
	require.True(t, dedup.CumulativeFilled("ord-1").Equal(dec("3")))
}

func TestRedeliveredIncrementalWithoutTradeIDDropped(t *testing.T) {
	dedup := orders.NewFillDeduplicator(nil)
	report := schema.ExecReport{
		Origin:        schema.OriginStream,
		ClientOrderID: "ord-1",
		TradeQuantity: decPtr("1"),
		TradePrice:    decPtr("50000"),
		At:            time.UnixMilli(1700000000000),
	}

	require.NotNil(t, dedup.Observe("ord-1", report))
	require.Nil(t, dedup.Observe("ord-1", report))
	require.True(t, dedup.CumulativeFilled("ord-1").Equal(dec("1")))

	// A genuinely new fill at a later timestamp still counts.
	report.At = time.UnixMilli(1700000000250)
	require.NotNil(t, dedup.Observe("ord-1", report))
	require.True(t, dedup.CumulativeFilled("ord-1").Equal(dec("2")))
}

func TestCumulativeRegressionEmitsNothing(t *testing.T) {
	dedup := orders.NewFillDeduplicator(nil)

	require.NotNil(t, dedup.Observe("ord-1", schema.ExecReport{CumulativeFilled: decPtr("2")}))
	require.Nil(t, dedup.Observe("ord-1", schema.ExecReport{CumulativeFilled: decPtr("2")}))
	require.Nil(t, dedup.Observe("ord-1", schema.ExecReport{CumulativeFilled: decPtr("1")}))
}

func TestDuplicateTradeIDEmitsOnce(t *testing.T) {
	dedup := orders.NewFillDeduplicator(observability.NewRuntimeMetrics())

	report := schema.ExecReport{
		Origin:        schema.OriginStream,
		ClientOrderID: "ord-2",
		TradeID:       "t-77",
		TradeQuantity: decPtr("0.5"),
		TradePrice:    decPtr("50000"),
	}
	first := dedup.Observe("ord-2", report)
	require.NotNil(t, first)
	require.Equal(t, "t-77", first.TradeID)
	require.True(t, first.QuoteAmount.Equal(dec("25000")))

	require.Nil(t, dedup.Observe("ord-2", report))
	require.True(t, dedup.CumulativeFilled("ord-2").Equal(dec("0.5")))
}

func TestIncrementalAuthoritativeOverCumulative(t *testing.T) {
	dedup := orders.NewFillDeduplicator(nil)

	// Both fields present: the incremental amount wins, and the remembered
	// total advances so the cumulative field cannot double-count later.
	fill := dedup.Observe("ord-3", schema.ExecReport{
		TradeID:          "t-1",
		TradeQuantity:    decPtr("0.4"),
		CumulativeFilled: decPtr("0.4"),
	})
	require.NotNil(t, fill)
	require.True(t, fill.BaseAmount.Equal(dec("0.4")))

	// Poll later reports the same total cumulatively: no new fill.
	require.Nil(t, dedup.Observe("ord-3", schema.ExecReport{CumulativeFilled: decPtr("0.4")}))

	// A genuinely newer cumulative still yields the delta.
	next := dedup.Observe("ord-3", schema.ExecReport{CumulativeFilled: decPtr("1.0")})
	require.NotNil(t, next)
	require.True(t, next.BaseAmount.Equal(dec("0.6")))
}

func TestMixedSourcesSumMatchesAtEveryPoint(t *testing.T) {
	dedup := orders.NewFillDeduplicator(nil)

	sum := decimal.Zero
	observe := func(report schema.ExecReport) {
		if fill := dedup.Observe("ord-4", report); fill != nil {
			sum = sum.Add(fill.BaseAmount)
		}
		require.True(t, sum.Equal(dedup.CumulativeFilled("ord-4")),
			"sum %s vs cumulative %s", sum, dedup.CumulativeFilled("ord-4"))
	}

	observe(schema.ExecReport{TradeID: "t-1", TradeQuantity: decPtr("1"), CumulativeFilled: decPtr("1")})
	observe(schema.ExecReport{CumulativeFilled: decPtr("1")})
	observe(schema.ExecReport{TradeID: "t-2", TradeQuantity: decPtr("2"), CumulativeFilled: decPtr("3")})
	observe(schema.ExecReport{TradeID: "t-2", TradeQuantity: decPtr("2"), CumulativeFilled: decPtr("3")})
	observe(schema.ExecReport{CumulativeFilled: decPtr("4")})
	require.True(t, sum.Equal(dec("4")))
}

func TestReleaseForgetsOrderState(t *testing.T) {
	dedup := orders.NewFillDeduplicator(nil)

	require.NotNil(t, dedup.Observe("ord-5", schema.ExecReport{TradeID: "t-9", TradeQuantity: decPtr("1")}))
	dedup.Release("ord-5")
	require.True(t, dedup.CumulativeFilled("ord-5").IsZero())
}
