// Package book maintains the live order book for a single token.
package book

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// Level is one resting price level.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook tracks bids (descending) and asks (ascending) for one token.
// A zero-size update deletes the level; after applying an update,
// best_bid < best_ask must hold or the book is considered transiently
// inconsistent (§4.1).
type OrderBook struct {
	mu sync.RWMutex

	Token      string
	TickSize   decimal.Decimal
	UpdatedAt  time.Time
	consistent bool

	bids *btree.BTreeG[Level]
	asks *btree.BTreeG[Level]
}

// New creates an empty book for token with the given tick size.
func New(token string, tickSize decimal.Decimal) *OrderBook {
	return &OrderBook{
		Token:      token,
		TickSize:   tickSize,
		consistent: true,
		bids: btree.NewBTreeG[Level](func(a, b Level) bool {
			return a.Price.GreaterThan(b.Price) // descending: best bid = Min()
		}),
		asks: btree.NewBTreeG[Level](func(a, b Level) bool {
			return a.Price.LessThan(b.Price) // ascending: best ask = Min()
		}),
	}
}

// ApplyBidLevel sets or deletes one bid price level. Updates must be applied
// in arrival order per token (§4.1); callers serialize via the owning
// MarketState's lock.
func (b *OrderBook) ApplyBidLevel(price, size decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	applyLevel(b.bids, price, size)
	b.UpdatedAt = time.Now()
	b.recheckConsistency()
}

// ApplyAskLevel sets or deletes one ask price level.
func (b *OrderBook) ApplyAskLevel(price, size decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	applyLevel(b.asks, price, size)
	b.UpdatedAt = time.Now()
	b.recheckConsistency()
}

func applyLevel(tr *btree.BTreeG[Level], price, size decimal.Decimal) {
	if size.IsZero() || size.IsNegative() {
		tr.Delete(Level{Price: price})
		return
	}
	tr.Set(Level{Price: price, Size: size})
}

// ReplaceBook replaces the entire book from a full snapshot (the "book"
// message kind of §4.1/§6).
func (b *OrderBook) ReplaceBook(bids, asks []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()

	newBids := btree.NewBTreeG[Level](func(a, c Level) bool { return a.Price.GreaterThan(c.Price) })
	newAsks := btree.NewBTreeG[Level](func(a, c Level) bool { return a.Price.LessThan(c.Price) })
	for _, l := range bids {
		if l.Size.IsPositive() {
			newBids.Set(l)
		}
	}
	for _, l := range asks {
		if l.Size.IsPositive() {
			newAsks.Set(l)
		}
	}
	b.bids = newBids
	b.asks = newAsks
	b.UpdatedAt = time.Now()
	b.recheckConsistency()
}

// recheckConsistency must be called with mu held. A book is "transiently
// inconsistent" whenever best_bid >= best_ask; the caller keeps using the
// book's prior values via IsConsistent until the next update restores order.
func (b *OrderBook) recheckConsistency() {
	bid, hasBid := b.bids.Min()
	ask, hasAsk := b.asks.Min()
	if !hasBid || !hasAsk {
		b.consistent = true
		return
	}
	b.consistent = bid.Price.LessThan(ask.Price)
}

// IsConsistent reports whether best_bid < best_ask currently holds.
func (b *OrderBook) IsConsistent() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consistent
}

// BestBid returns the highest bid level, or a zero Level if none rests.
func (b *OrderBook) BestBid() Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.bids.Min()
	if !ok {
		return Level{}
	}
	return l
}

// BestAsk returns the lowest ask level, or a zero Level if none rests.
func (b *OrderBook) BestAsk() Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.asks.Min()
	if !ok {
		return Level{}
	}
	return l
}

// Mid returns (best_bid + best_ask) / 2, or zero if either side is empty.
func (b *OrderBook) Mid() decimal.Decimal {
	bid := b.BestBid()
	ask := b.BestAsk()
	if bid.Price.IsZero() || ask.Price.IsZero() {
		return decimal.Zero
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
}

// Spread returns best_ask - best_bid.
func (b *OrderBook) Spread() decimal.Decimal {
	return b.BestAsk().Price.Sub(b.BestBid().Price)
}

// FirstBidAtLeast walks bids from best to worst and returns the first level
// whose size is >= minSize, per §4.5 pricing rule 1. ok is false if no level
// qualifies.
func (b *OrderBook) FirstBidAtLeast(minSize decimal.Decimal) (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var found Level
	ok := false
	b.bids.Scan(func(l Level) bool {
		if l.Size.GreaterThanOrEqual(minSize) {
			found = l
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// FirstAskAtLeast walks asks from best to worst and returns the first level
// whose size is >= minSize.
func (b *OrderBook) FirstAskAtLeast(minSize decimal.Decimal) (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var found Level
	ok := false
	b.asks.Scan(func(l Level) bool {
		if l.Size.GreaterThanOrEqual(minSize) {
			found = l
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// SetTickSize updates the token's minimum price increment (tick_size_change).
func (b *OrderBook) SetTickSize(tick decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.TickSize = tick
}
