// Package inventory tracks per-token position state and the pending-BUY
// reservations the Quote Engine must account for before sizing a new bid
// (§4.4). All arithmetic runs through github.com/shopspring/decimal.
package inventory

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/types"
)

// Tracker owns the authoritative position for every token the engine quotes.
// It is safe for concurrent use; callers do not need to hold any other lock
// to call its methods, though per-token serialization for a given token's
// fill-then-requote sequence is still the caller's responsibility via
// MarketState.Lock.
type Tracker struct {
	mu         sync.RWMutex
	positions  map[string]*types.Position
	pendingBuy map[string]decimal.Decimal // reserved size from unfilled resting BUYs, keyed by token
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{
		positions:  make(map[string]*types.Position),
		pendingBuy: make(map[string]decimal.Decimal),
	}
}

func (t *Tracker) getOrCreateLocked(token string) *types.Position {
	p, ok := t.positions[token]
	if !ok {
		p = &types.Position{Token: token}
		t.positions[token] = p
	}
	return p
}

// ApplyFill folds a fill into the token's position and returns the updated
// snapshot. For BUY fills it also releases the matching amount of
// reservation from PendingBuy, since the reservation existed only to bound
// sizing against orders that had not yet matched.
func (t *Tracker) ApplyFill(f types.Fill) types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.getOrCreateLocked(f.Token)
	before := p.Size
	p.ApplyFill(f)

	if f.Side == types.Buy {
		reserved := t.pendingBuy[f.Token]
		released := reserved.Sub(f.Size)
		if released.IsNegative() {
			released = decimal.Zero
		}
		t.pendingBuy[f.Token] = released
	}

	log.Info().
		Str("token", f.Token).
		Str("side", string(f.Side)).
		Str("fill_size", f.Size.String()).
		Str("position_before", before.String()).
		Str("position_after", p.Size.String()).
		Msg("📊 position updated from fill")

	return *p
}

// Position returns a snapshot of the token's current position.
func (t *Tracker) Position(token string) types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.positions[token]; ok {
		return *p
	}
	return types.Position{Token: token}
}

// ReserveBuy adds size to the token's pending-BUY reservation, called when a
// new BUY order is placed but not yet matched.
func (t *Tracker) ReserveBuy(token string, size decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingBuy[token] = t.pendingBuy[token].Add(size)
}

// ReleaseBuy removes size from the token's pending-BUY reservation, called
// when a resting BUY order is cancelled or expires unfilled.
func (t *Tracker) ReleaseBuy(token string, size decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.pendingBuy[token].Sub(size)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	t.pendingBuy[token] = remaining
}

// PendingBuy returns the token's current pending-BUY reservation.
func (t *Tracker) PendingBuy(token string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pendingBuy[token]
}

// EffectiveExposure returns current position size plus pending-BUY
// reservation: the quantity the Quote Engine must compare against the
// position limit before sizing a new bid (§4.4, §4.5 rule 3).
func (t *Tracker) EffectiveExposure(token string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	size := decimal.Zero
	if p, ok := t.positions[token]; ok {
		size = p.Size
	}
	return size.Add(t.pendingBuy[token])
}

// ResetReservations clears a token's pending-BUY reservation, used during
// reconciliation when the resting-order mirror is rebuilt from the venue's
// open-orders snapshot (§4.3, §4.6).
func (t *Tracker) ResetReservations(token string, size decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingBuy[token] = size
}

// ClearPendingBuys zeroes a token's pending-BUY reservation outright. Called
// right after a positions snapshot sync, since the snapshot already
// reflects filled size and carrying the reservation forward would
// double-count it (§4.4).
func (t *Tracker) ClearPendingBuys(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingBuy[token] = decimal.Zero
}

// SetPosition authoritatively overwrites a token's position from an
// exchange snapshot, leaving realized P&L and fees untouched.
func (t *Tracker) SetPosition(token string, size, avgPrice decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.getOrCreateLocked(token)
	p.Size = size
	p.AvgEntryPrice = avgPrice
}

// ForceReconcileAll zeroes every token's pending-BUY reservation, the
// conservative reset used on user-channel disconnect (§4.4): the engine can
// no longer trust which resting BUYs are still live, so it assumes none are
// reserved until the next snapshot sync proves otherwise.
func (t *Tracker) ForceReconcileAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for token := range t.pendingBuy {
		t.pendingBuy[token] = decimal.Zero
	}
}

// AllPositions returns a snapshot of every tracked token's position, used
// for status reporting and daily summaries.
func (t *Tracker) AllPositions() map[string]types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]types.Position, len(t.positions))
	for k, v := range t.positions {
		out[k] = *v
	}
	return out
}

// ClearPosition removes a token's tracked position and reservation entirely,
// used once a market has been fully wound down and redeemed.
func (t *Tracker) ClearPosition(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, token)
	delete(t.pendingBuy, token)
}

// TotalRealizedPnL sums realized P&L across every tracked token.
func (t *Tracker) TotalRealizedPnL() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, p := range t.positions {
		total = total.Add(p.RealizedPnL)
	}
	return total
}
