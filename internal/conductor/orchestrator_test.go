package conductor_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/marketmirror/config"
	"github.com/coachpo/marketmirror/internal/conductor"
	"github.com/coachpo/marketmirror/internal/observability"
	"github.com/coachpo/marketmirror/internal/orders"
	"github.com/coachpo/marketmirror/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func level(price, qty string) schema.PriceLevel {
	return schema.PriceLevel{Price: dec(price), Quantity: dec(qty)}
}

// fakeFetcher serves a configurable snapshot and can hold requests on a gate
// so tests control when a resync completes.
type fakeFetcher struct {
	mu    sync.Mutex
	snap  schema.BookSnapshot
	gate  chan struct{}
	calls int
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, symbol string) (schema.BookSnapshot, error) {
	f.mu.Lock()
	gate := f.gate
	f.calls++
	snap := f.snap
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return schema.BookSnapshot{}, ctx.Err()
		}
	}
	return snap, nil
}

func (f *fakeFetcher) setSnapshot(snap schema.BookSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

func recvDelta(t *testing.T, ch <-chan schema.BookDelta) schema.BookDelta {
	t.Helper()
	select {
	case delta := <-ch:
		return delta
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for book delta")
		return schema.BookDelta{}
	}
}

func recvTransition(t *testing.T, ch <-chan schema.OrderTransition) schema.OrderTransition {
	t.Helper()
	select {
	case transition := <-ch:
		return transition
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order transition")
		return schema.OrderTransition{}
	}
}

func newOrchestrator(t *testing.T, fetcher conductor.SnapshotFetcher) (*conductor.Orchestrator, *orders.Reconciler) {
	t.Helper()
	metrics := observability.NewRuntimeMetrics()
	recon := orders.NewReconciler(metrics)
	orch := conductor.New(config.Default().Sync, fetcher, recon, metrics)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)
	return orch, recon
}

func TestSnapshotThenDiffPublishesDeltas(t *testing.T) {
	orch, _ := newOrchestrator(t, &fakeFetcher{})
	require.NoError(t, orch.WatchSymbol("BTC-USDT"))

	deltas, cancel := orch.SubscribeBookDeltas("BTC-USDT")
	defer cancel()

	orch.Submit(conductor.Inbound{Snapshot: &schema.BookSnapshot{
		Symbol:   "BTC-USDT",
		Sequence: 1000,
		Bids:     []schema.PriceLevel{level("49900", "2")},
		Asks:     []schema.PriceLevel{level("50100", "1.5")},
	}})
	orch.Submit(conductor.Inbound{Diff: &schema.BookDiff{
		Symbol:     "BTC-USDT",
		Sequence:   1001,
		AskChanges: []schema.PriceLevel{level("50100", "0")},
	}})

	first := recvDelta(t, deltas)
	require.True(t, first.Reset)
	require.Equal(t, uint64(1000), first.Sequence)

	second := recvDelta(t, deltas)
	require.False(t, second.Reset)
	require.Equal(t, uint64(1001), second.Sequence)

	bid, ask, ok := orch.TopOfBook("BTC-USDT")
	require.True(t, ok)
	require.NotNil(t, bid)
	require.True(t, bid.Price.Equal(dec("49900")))
	require.Nil(t, ask)
}

func TestGapTriggersResyncAndReplaysBufferedDiffs(t *testing.T) {
	gate := make(chan struct{})
	fetcher := &fakeFetcher{gate: gate}
	fetcher.setSnapshot(schema.BookSnapshot{
		Symbol:   "BTC-USDT",
		Sequence: 1010,
		Bids:     []schema.PriceLevel{level("49950", "1")},
		Asks:     []schema.PriceLevel{level("50050", "1")},
	})

	orch, _ := newOrchestrator(t, fetcher)
	require.NoError(t, orch.WatchSymbol("BTC-USDT"))
	deltas, cancel := orch.SubscribeBookDeltas("BTC-USDT")
	defer cancel()

	orch.Submit(conductor.Inbound{Snapshot: &schema.BookSnapshot{
		Symbol:   "BTC-USDT",
		Sequence: 1000,
		Bids:     []schema.PriceLevel{level("49900", "2")},
	}})
	require.Equal(t, uint64(1000), recvDelta(t, deltas).Sequence)

	// 1002 skips 1001: gap, resync requested but held on the gate.
	orch.Submit(conductor.Inbound{Diff: &schema.BookDiff{
		Symbol:     "BTC-USDT",
		Sequence:   1002,
		BidChanges: []schema.PriceLevel{level("49900", "3")},
	}})
	// Arrives while the resync is pending; newer than the snapshot, so it must
	// survive the resync and apply afterwards.
	orch.Submit(conductor.Inbound{Diff: &schema.BookDiff{
		Symbol:     "BTC-USDT",
		Sequence:   1011,
		AskChanges: []schema.PriceLevel{level("50060", "2")},
	}})
	close(gate)

	reset := recvDelta(t, deltas)
	require.True(t, reset.Reset)
	require.Equal(t, uint64(1010), reset.Sequence)

	replayed := recvDelta(t, deltas)
	require.False(t, replayed.Reset)
	require.Equal(t, uint64(1011), replayed.Sequence)
}

func TestOrderReportsFlowToTransitionStream(t *testing.T) {
	orch, recon := newOrchestrator(t, &fakeFetcher{})
	transitions, cancel := orch.SubscribeOrderTransitions()
	defer cancel()

	_, err := recon.Track(schema.OrderRequest{
		ClientOrderID: "c-1",
		Symbol:        "BTC-USDT",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         decPtr("50000"),
		Quantity:      dec("1"),
	})
	require.NoError(t, err)

	orch.Submit(conductor.Inbound{Report: &schema.ExecReport{
		Origin:          schema.OriginStream,
		ClientOrderID:   "c-1",
		ExchangeOrderID: "x-1",
		RawStatus:       "New",
	}})
	opened := recvTransition(t, transitions)
	require.Equal(t, schema.StateOpen, opened.Order.State)

	orch.Submit(conductor.Inbound{Report: &schema.ExecReport{
		Origin:        schema.OriginStream,
		ClientOrderID: "c-1",
		RawStatus:     "Filled",
		TradeID:       "t-1",
		TradeQuantity: decPtr("1"),
		TradePrice:    decPtr("50000"),
	}})
	filled := recvTransition(t, transitions)
	require.Equal(t, schema.StateFilled, filled.Order.State)
	require.NotNil(t, filled.Fill)
}

func TestDirectReportsPublishInApplyOrder(t *testing.T) {
	orch, recon := newOrchestrator(t, &fakeFetcher{})
	transitions, cancel := orch.SubscribeOrderTransitions()
	defer cancel()

	_, err := recon.Track(schema.OrderRequest{
		ClientOrderID: "c-race",
		Symbol:        "BTC-USDT",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         decPtr("50000"),
		Quantity:      dec("100"),
	})
	require.NoError(t, err)

	// Fills arrive concurrently from the placement path and the stream lane;
	// subscribers must never observe executed quantity going backwards.
	const workers, fills = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < fills; i++ {
				orch.ApplyReport(schema.ExecReport{
					Origin:        schema.OriginStream,
					ClientOrderID: "c-race",
					TradeID:       fmt.Sprintf("t-%d-%d", w, i),
					TradeQuantity: decPtr("1"),
					TradePrice:    decPtr("50000"),
				})
			}
		}(w)
	}
	wg.Wait()

	executed := dec("0")
	for i := 0; i < workers*fills; i++ {
		transition := recvTransition(t, transitions)
		require.True(t, transition.Order.ExecutedQuantity.GreaterThanOrEqual(executed),
			"executed quantity regressed: %s after %s",
			transition.Order.ExecutedQuantity, executed)
		executed = transition.Order.ExecutedQuantity
	}
	require.True(t, executed.Equal(dec("40")))
}

func TestBalanceSnapshotsKeepLatestPerAsset(t *testing.T) {
	orch, _ := newOrchestrator(t, &fakeFetcher{})

	newer := time.UnixMilli(1700000001000)
	older := time.UnixMilli(1700000000000)
	orch.Submit(conductor.Inbound{Balance: &schema.BalanceSnapshot{
		Asset: "BTC", Available: dec("2"), At: newer,
	}})
	orch.Submit(conductor.Inbound{Balance: &schema.BalanceSnapshot{
		Asset: "BTC", Available: dec("1"), At: older,
	}})

	balances := orch.Balances()
	require.Len(t, balances, 1)
	require.True(t, balances["BTC"].Available.Equal(dec("2")))
}

func TestTopOfBookForUnwatchedSymbol(t *testing.T) {
	orch, _ := newOrchestrator(t, &fakeFetcher{})
	_, _, ok := orch.TopOfBook("ETH-USDT")
	require.False(t, ok)

	require.Error(t, orch.WatchSymbol("not-a-pair"))
}
