package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marketmirror/errs"
	"github.com/coachpo/marketmirror/internal/schema"
)

// Ledger owns the authoritative in-memory price-level state for one symbol.
// Writes are serialized by the orchestrator; reads may happen concurrently and
// never observe a half-applied diff.
type Ledger struct {
	mu          sync.RWMutex
	symbol      string
	ready       bool
	lastApplied uint64
	bids        bookSide
	asks        bookSide
}

// NewLedger constructs an empty ledger for the symbol.
func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol: symbol,
		bids:   bookSide{descending: true},
		asks:   bookSide{descending: false},
	}
}

// ApplySnapshot replaces the full level set unconditionally. Idempotent:
// applying the same snapshot twice leaves the ledger state identical.
func (l *Ledger) ApplySnapshot(snap schema.BookSnapshot) schema.BookDelta {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bids = bookSide{descending: true}
	l.asks = bookSide{descending: false}
	for _, level := range snap.Bids {
		l.bids.upsert(level)
	}
	for _, level := range snap.Asks {
		l.asks.upsert(level)
	}
	l.lastApplied = snap.Sequence
	l.ready = true

	return schema.BookDelta{
		Symbol:     l.symbol,
		Sequence:   snap.Sequence,
		BidChanges: l.bids.copyLevels(),
		AskChanges: l.asks.copyLevels(),
		Reset:      true,
		At:         snap.CapturedAt,
	}
}

// ApplyDiff applies level changes on top of the last applied sequence. The
// orchestrator only calls this after the tracker accepted the sequence; a
// caller that skips the tracker gets an out_of_order error.
func (l *Ledger) ApplyDiff(diff schema.BookDiff) (schema.BookDelta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.ready {
		return schema.BookDelta{}, errs.New(l.symbol, errs.CodeOutOfOrder,
			errs.WithMessage("diff applied before snapshot"))
	}
	if diff.Sequence != l.lastApplied+1 {
		return schema.BookDelta{}, errs.New(l.symbol, errs.CodeOutOfOrder,
			errs.WithMessage("diff sequence does not follow last applied"))
	}

	for _, level := range diff.BidChanges {
		l.bids.upsert(level)
	}
	for _, level := range diff.AskChanges {
		l.asks.upsert(level)
	}
	l.lastApplied = diff.Sequence

	return schema.BookDelta{
		Symbol:     l.symbol,
		Sequence:   diff.Sequence,
		BidChanges: append([]schema.PriceLevel(nil), diff.BidChanges...),
		AskChanges: append([]schema.PriceLevel(nil), diff.AskChanges...),
		At:         time.Now(),
	}, nil
}

// TopOfBook returns the best bid and ask. ok is false until the first
// snapshot has been applied. Either side may be nil when empty.
func (l *Ledger) TopOfBook() (bid, ask *schema.PriceLevel, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ready {
		return nil, nil, false
	}
	return l.bids.best(), l.asks.best(), true
}

// LastApplied returns the ledger's last applied sequence.
func (l *Ledger) LastApplied() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastApplied
}

// Depth returns the number of distinct price levels per side.
func (l *Ledger) Depth() (bids, asks int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.bids.levels), len(l.asks.levels)
}

// Levels returns a copy of one side ordered best-first.
func (l *Ledger) Levels(side schema.TradeSide) []schema.PriceLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if side == schema.SideBuy {
		return l.bids.copyLevels()
	}
	return l.asks.copyLevels()
}

// bookSide keeps one side's levels sorted best-first, so the best price is the
// first element and membership is a binary search. Prices are compared by
// value, never by string form, so "2" and "2.0" hit the same level.
type bookSide struct {
	descending bool
	levels     []schema.PriceLevel
}

// search returns the insertion index for price and whether an equal price
// already occupies it.
func (s *bookSide) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		if s.descending {
			return s.levels[i].Price.LessThanOrEqual(price)
		}
		return s.levels[i].Price.GreaterThanOrEqual(price)
	})
	if i < len(s.levels) && s.levels[i].Price.Equal(price) {
		return i, true
	}
	return i, false
}

// upsert sets price→quantity, removing the level when quantity is zero.
func (s *bookSide) upsert(level schema.PriceLevel) {
	i, found := s.search(level.Price)

	if level.Quantity.Sign() <= 0 {
		if found {
			s.levels = append(s.levels[:i], s.levels[i+1:]...)
		}
		return
	}

	if found {
		s.levels[i].Quantity = level.Quantity
		return
	}
	s.levels = append(s.levels, schema.PriceLevel{})
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = level
}

func (s *bookSide) best() *schema.PriceLevel {
	if len(s.levels) == 0 {
		return nil
	}
	level := s.levels[0]
	return &level
}

func (s *bookSide) copyLevels() []schema.PriceLevel {
	return append([]schema.PriceLevel(nil), s.levels...)
}
