// Package quote implements the pricing decision engine of §4.5: given an
// order book, inventory position, risk multiplier and momentum signal, it
// decides whether to place a new quote, keep the resting one, or cancel.
package quote

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/book"
	"github.com/web3guy0/aqengine/aqengine/types"
)

// Decision is the engine's output for one (token, tick).
type Decision string

const (
	PlaceQuote  Decision = "PLACE_QUOTE"
	KeepCurrent Decision = "KEEP_CURRENT"
	CancelAll   Decision = "CANCEL_ALL"
)

// Config carries the tunables the pricing rules read.
type Config struct {
	MinSize              decimal.Decimal
	BaseOrderSize        decimal.Decimal
	MaxPositionPerMarket decimal.Decimal
	MaxSpreadPct         decimal.Decimal // max_spread/100 expressed as a fraction, e.g. 0.02 for 2%
	MinRefreshInterval   time.Duration
	GlobalRefreshCapPerSec int
	MomentumCooldown     time.Duration
}

var (
	priceFloor   = decimal.NewFromFloat(0.1)
	priceCeiling = decimal.NewFromFloat(0.9)
	improveFactor = decimal.NewFromFloat(1.5)
)

// Input bundles everything one pricing decision needs.
type Input struct {
	Token            string
	Book             *book.OrderBook
	Position         types.Position
	EffectiveExposure decimal.Decimal // position.Size + pending BUY reservation
	RiskMultiplier   decimal.Decimal
	LastQuote        types.Quote
	HasLastQuote     bool
	MomentumActive   bool
	Now              time.Time
}

// Result is the engine's full decision for one tick.
type Result struct {
	Decision Decision
	Quote    types.Quote
	Reason   string
}

// tokenBucket is a simple per-second rate limiter shared across all tokens,
// implementing the global refresh cap of §4.5.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func newTokenBucket(perSecond int) *tokenBucket {
	cap := float64(perSecond)
	if cap <= 0 {
		cap = 1
	}
	return &tokenBucket{tokens: cap, capacity: cap, rate: cap, last: time.Now()}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Engine holds the shared rate-limiting state across all tokens; pricing
// itself is stateless given an Input.
type Engine struct {
	cfg Config

	bucket *tokenBucket

	mu              sync.Mutex
	lastRefreshAt   map[string]time.Time
	momentumCooldownUntil map[string]time.Time
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:                   cfg,
		bucket:                newTokenBucket(cfg.GlobalRefreshCapPerSec),
		lastRefreshAt:         make(map[string]time.Time),
		momentumCooldownUntil: make(map[string]time.Time),
	}
}

// NoteMomentum records that the Momentum Detector raised an event for
// token, starting the re-quote suppression cooldown.
func (e *Engine) NoteMomentum(token string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.momentumCooldownUntil[token] = now.Add(e.cfg.MomentumCooldown)
}

func (e *Engine) inMomentumCooldown(token string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.momentumCooldownUntil[token]
	return ok && now.Before(until)
}

// Decide runs the pricing rules of §4.5 against in and returns the
// resulting decision.
func (e *Engine) Decide(in Input) Result {
	if in.MomentumActive {
		e.NoteMomentum(in.Token, in.Now)
		return Result{Decision: CancelAll, Reason: "momentum detected"}
	}
	if e.inMomentumCooldown(in.Token, in.Now) {
		return Result{Decision: KeepCurrent, Reason: "momentum cooldown active"}
	}

	if !in.Book.IsConsistent() {
		return Result{Decision: KeepCurrent, Reason: "book transiently inconsistent"}
	}

	bidLvl, hasBid := in.Book.FirstBidAtLeast(e.cfg.MinSize)
	if !hasBid {
		bidLvl = in.Book.BestBid()
	}
	askLvl, hasAsk := in.Book.FirstAskAtLeast(e.cfg.MinSize)
	if !hasAsk {
		askLvl = in.Book.BestAsk()
	}
	if bidLvl.Price.IsZero() && askLvl.Price.IsZero() {
		return Result{Decision: CancelAll, Reason: "empty book"}
	}

	tick := in.Book.TickSize
	if tick.IsZero() {
		tick = decimal.NewFromFloat(0.01)
	}

	desiredBid := bidLvl.Price
	if bidLvl.Size.GreaterThanOrEqual(e.cfg.MinSize.Mul(improveFactor)) {
		desiredBid = bidLvl.Price.Add(tick)
	}

	desiredAsk := askLvl.Price
	if askLvl.Size.GreaterThanOrEqual(e.cfg.MinSize.Mul(improveFactor)) {
		desiredAsk = askLvl.Price.Sub(tick)
	}
	if in.Position.Size.IsPositive() {
		floor := decimal.Max(desiredAsk, in.Position.AvgEntryPrice)
		desiredAsk = floor
	}

	if desiredBid.GreaterThanOrEqual(desiredAsk) {
		desiredBid = bidLvl.Price
		desiredAsk = askLvl.Price
	}

	mid := in.Book.Mid()
	rebateFloor := decimal.Zero
	if mid.IsPositive() {
		rebateFloor = mid.Sub(mid.Mul(e.cfg.MaxSpreadPct))
	}

	bidOK := desiredBid.GreaterThan(priceFloor) && desiredBid.LessThan(priceCeiling) &&
		(rebateFloor.IsZero() || desiredBid.GreaterThanOrEqual(rebateFloor))
	askOK := desiredAsk.GreaterThan(priceFloor) && desiredAsk.LessThan(priceCeiling) &&
		(rebateFloor.IsZero() || desiredAsk.GreaterThanOrEqual(rebateFloor))

	if !bidOK && !askOK {
		return Result{Decision: CancelAll, Reason: "both sides outside tradeable band"}
	}

	bidSize, askSize := e.sizeQuote(in)

	if bidSize.IsZero() {
		bidOK = false
	}
	if askSize.IsZero() {
		askOK = false
	}
	if !bidOK && !askOK {
		return Result{Decision: CancelAll, Reason: "no side has a viable size"}
	}

	if !e.refreshAllowed(in.Token, in.Now) {
		return Result{Decision: KeepCurrent, Reason: "refresh rate limited"}
	}

	q := types.Quote{Token: in.Token, Timestamp: in.Now}
	if bidOK {
		q.BidPrice = desiredBid
		q.BidSize = bidSize
	}
	if askOK {
		q.AskPrice = desiredAsk
		q.AskSize = askSize
	}

	if in.HasLastQuote && quotesEqual(in.LastQuote, q) {
		return Result{Decision: KeepCurrent, Reason: "unchanged"}
	}

	return Result{Decision: PlaceQuote, Quote: q, Reason: "new quote"}
}

// sizeQuote computes inventory-skewed bid/ask sizes per §4.5 rule 5.
func (e *Engine) sizeQuote(in Input) (bidSize, askSize decimal.Decimal) {
	base := e.cfg.BaseOrderSize.Mul(in.RiskMultiplier)
	if base.IsZero() {
		return decimal.Zero, decimal.Zero
	}

	bidSize = base
	if in.EffectiveExposure.GreaterThanOrEqual(e.cfg.MaxPositionPerMarket) {
		bidSize = decimal.Zero
	}

	askSize = base
	if in.Position.Size.LessThan(base) {
		// Still quote the ask at base size to qualify for the two-sided
		// liquidity rebate even with nothing (or too little) to sell.
		askSize = base
	} else {
		askSize = decimal.Min(in.Position.Size, base)
	}

	return bidSize, askSize
}

func (e *Engine) refreshAllowed(token string, now time.Time) bool {
	e.mu.Lock()
	last, ok := e.lastRefreshAt[token]
	e.mu.Unlock()
	if ok && now.Sub(last) < e.cfg.MinRefreshInterval {
		return false
	}
	if !e.bucket.allow(now) {
		return false
	}
	e.mu.Lock()
	e.lastRefreshAt[token] = now
	e.mu.Unlock()
	return true
}

func quotesEqual(a types.Quote, b types.Quote) bool {
	return a.BidPrice.Equal(b.BidPrice) && a.BidSize.Equal(b.BidSize) &&
		a.AskPrice.Equal(b.AskPrice) && a.AskSize.Equal(b.AskSize)
}
