// Package analytics implements per-fill markout capture and the
// MarketStats/AggregateStats rollups of Part D item 1, grounded on
// fill_analytics.py. Rather than the source's fire-and-forget asyncio tasks,
// pending captures sit in a bounded queue drained by one worker goroutine
// (§9 design note), so a burst of fills cannot spawn unbounded concurrency.
package analytics

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/types"
)

// pendingQueueCapacity bounds the number of outstanding markout captures.
// Once full, new captures are dropped and logged rather than blocking the
// caller that recorded the fill.
const pendingQueueCapacity = 4096

// MarkoutSample is one fill's markout observation at a single horizon.
type MarkoutSample struct {
	FillID        string
	HorizonSecs   int
	MidAtFill     decimal.Decimal
	MidAtHorizon  decimal.Decimal
	Markout       decimal.Decimal
	MarkoutBps    decimal.Decimal
	Captured      bool
	CapturedAt    time.Time
	DueAt         time.Time
}

// FillRecord is a fill plus its in-flight markout samples across all
// configured horizons.
type FillRecord struct {
	Fill         types.Fill
	MidAtFill    decimal.Decimal
	Token        string
	Markouts     map[int]*MarkoutSample // keyed by horizon seconds
}

// MarketStats is the per-token rollup fill_analytics.py calls MarketStats.
type MarketStats struct {
	Token          string
	FillCount      int
	BuyCount       int
	SellCount      int
	VolumeShares   decimal.Decimal
	NotionalUSDC   decimal.Decimal
	FeesPaid       decimal.Decimal
	FeesEarned     decimal.Decimal // negative fee values (rebates), accumulated unsigned
	RealizedPnL    decimal.Decimal

	markoutSums   map[int]decimal.Decimal
	markoutCounts map[int]int
}

func newMarketStats(token string) *MarketStats {
	return &MarketStats{
		Token:         token,
		markoutSums:   make(map[int]decimal.Decimal),
		markoutCounts: make(map[int]int),
	}
}

// AvgMarkout returns the average raw markout at horizon, or zero if no
// samples have been captured yet.
func (s *MarketStats) AvgMarkout(horizon int) decimal.Decimal {
	n := s.markoutCounts[horizon]
	if n == 0 {
		return decimal.Zero
	}
	return s.markoutSums[horizon].Div(decimal.NewFromInt(int64(n)))
}

// AggregateStats is the engine-wide rollup across all tokens.
type AggregateStats struct {
	FillCount    int
	BuyCount     int
	SellCount    int
	VolumeShares decimal.Decimal
	NotionalUSDC decimal.Decimal
	FeesPaid     decimal.Decimal
	FeesEarned   decimal.Decimal
	RealizedPnL  decimal.Decimal

	markoutSums   map[int]decimal.Decimal
	markoutCounts map[int]int
}

// AvgMarkoutBps returns the average markout in basis points at horizon.
func (s *AggregateStats) AvgMarkoutBps(horizon int) decimal.Decimal {
	n := s.markoutCounts[horizon]
	if n == 0 {
		return decimal.Zero
	}
	return s.markoutSums[horizon].Div(decimal.NewFromInt(int64(n)))
}

// MidPriceFunc supplies the current mid price for a token at capture time.
type MidPriceFunc func(token string) (decimal.Decimal, bool)

// Engine owns fill records, per-token/aggregate stats, and the bounded
// markout-capture queue.
type Engine struct {
	horizons []int

	mu       sync.Mutex
	records  map[string]*FillRecord // keyed by fill ID
	market   map[string]*MarketStats
	agg      *AggregateStats

	pending chan *MarkoutSample
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs an Engine for the given markout horizons (seconds).
func New(horizons []int) *Engine {
	return &Engine{
		horizons: horizons,
		records:  make(map[string]*FillRecord),
		market:   make(map[string]*MarketStats),
		agg: &AggregateStats{
			markoutSums:   make(map[int]decimal.Decimal),
			markoutCounts: make(map[int]int),
		},
		pending: make(chan *MarkoutSample, pendingQueueCapacity),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the markout-capture worker, which polls getMid every second
// for samples whose DueAt has arrived.
func (e *Engine) Start(getMid MidPriceFunc) {
	e.wg.Add(1)
	go e.captureLoop(getMid)
}

// Stop signals the capture worker to exit and waits for it.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) captureLoop(getMid MidPriceFunc) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var inFlight []*MarkoutSample
	for {
		select {
		case <-e.stopCh:
			return
		case s := <-e.pending:
			inFlight = append(inFlight, s)
		case <-ticker.C:
			now := time.Now()
			remaining := inFlight[:0]
			for _, s := range inFlight {
				if now.Before(s.DueAt) {
					remaining = append(remaining, s)
					continue
				}
				mid, ok := getMid(recordTokenForFill(e, s.FillID))
				if ok {
					e.captureMarkout(s, mid)
				}
			}
			inFlight = remaining
		}
	}
}

func recordTokenForFill(e *Engine, fillID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.records[fillID]; ok {
		return r.Token
	}
	return ""
}

// RecordFill registers a new fill, snapshots the mid price at fill time, and
// schedules a markout capture at each configured horizon.
func (e *Engine) RecordFill(f types.Fill, midAtFill decimal.Decimal) *FillRecord {
	fillID := fillIDOf(f)
	now := f.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	rec := &FillRecord{Fill: f, MidAtFill: midAtFill, Token: f.Token, Markouts: make(map[int]*MarkoutSample, len(e.horizons))}
	for _, h := range e.horizons {
		s := &MarkoutSample{FillID: fillID, HorizonSecs: h, MidAtFill: midAtFill, DueAt: now.Add(time.Duration(h) * time.Second)}
		rec.Markouts[h] = s
	}

	e.mu.Lock()
	e.records[fillID] = rec
	ms, ok := e.market[f.Token]
	if !ok {
		ms = newMarketStats(f.Token)
		e.market[f.Token] = ms
	}
	updateStatsOnFill(ms, f)
	updateStatsOnFill(aggAsMarketStats(e.agg), f)
	e.mu.Unlock()

	for _, s := range rec.Markouts {
		select {
		case e.pending <- s:
		default:
			log.Warn().Str("fill_id", fillID).Int("horizon", s.HorizonSecs).Msg("📉 markout queue full, dropping capture")
		}
	}

	return rec
}

func fillIDOf(f types.Fill) string {
	if f.TradeID != "" {
		return f.TradeID
	}
	return f.OrderID
}

func updateStatsOnFill(ms *MarketStats, f types.Fill) {
	ms.FillCount++
	if f.Side == types.Buy {
		ms.BuyCount++
	} else {
		ms.SellCount++
	}
	ms.VolumeShares = ms.VolumeShares.Add(f.Size)
	ms.NotionalUSDC = ms.NotionalUSDC.Add(f.Size.Mul(f.Price))
	if f.Fee.IsPositive() {
		ms.FeesPaid = ms.FeesPaid.Add(f.Fee)
	} else {
		ms.FeesEarned = ms.FeesEarned.Add(f.Fee.Abs())
	}
}

// aggAsMarketStats lets updateStatsOnFill operate on the aggregate's fields
// without duplicating the accumulation logic.
func aggAsMarketStats(a *AggregateStats) *MarketStats {
	return &MarketStats{
		FillCount:     a.FillCount,
		BuyCount:      a.BuyCount,
		SellCount:     a.SellCount,
		VolumeShares:  a.VolumeShares,
		NotionalUSDC:  a.NotionalUSDC,
		FeesPaid:      a.FeesPaid,
		FeesEarned:    a.FeesEarned,
		markoutSums:   a.markoutSums,
		markoutCounts: a.markoutCounts,
	}
}

func (e *Engine) captureMarkout(s *MarkoutSample, midNow decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[s.FillID]
	if !ok {
		return
	}

	var markout decimal.Decimal
	if rec.Fill.Side == types.Buy {
		markout = midNow.Sub(s.MidAtFill)
	} else {
		markout = s.MidAtFill.Sub(midNow)
	}
	bps := decimal.Zero
	if s.MidAtFill.IsPositive() {
		bps = markout.Div(s.MidAtFill).Mul(decimal.NewFromInt(10000))
	}

	s.MidAtHorizon = midNow
	s.Markout = markout
	s.MarkoutBps = bps
	s.Captured = true
	s.CapturedAt = time.Now()

	ms, ok := e.market[rec.Token]
	if ok {
		ms.markoutSums[s.HorizonSecs] = ms.markoutSums[s.HorizonSecs].Add(markout)
		ms.markoutCounts[s.HorizonSecs]++
	}
	e.agg.markoutSums[s.HorizonSecs] = e.agg.markoutSums[s.HorizonSecs].Add(markout)
	e.agg.markoutCounts[s.HorizonSecs]++
}

// UpdateRealizedPnL folds a token's latest realized P&L into its stats,
// called from the Inventory Manager each time a fill settles.
func (e *Engine) UpdateRealizedPnL(token string, pnl decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.market[token]
	if !ok {
		ms = newMarketStats(token)
		e.market[token] = ms
	}
	ms.RealizedPnL = pnl
	e.agg.RealizedPnL = decimal.Zero
	for _, m := range e.market {
		e.agg.RealizedPnL = e.agg.RealizedPnL.Add(m.RealizedPnL)
	}
}

// GetToxicityScore returns the 5-second-horizon toxicity score (negative
// average markout, expressed positively in bps; zero if non-negative), for
// one token or engine-wide when token is empty.
func (e *Engine) GetToxicityScore(token string) decimal.Decimal {
	const toxicityHorizon = 5
	e.mu.Lock()
	defer e.mu.Unlock()

	var avg decimal.Decimal
	if token == "" {
		avg = (&AggregateStats{markoutSums: e.agg.markoutSums, markoutCounts: e.agg.markoutCounts}).AvgMarkoutBps(toxicityHorizon)
	} else {
		ms, ok := e.market[token]
		if !ok {
			return decimal.Zero
		}
		avg = ms.AvgMarkout(toxicityHorizon)
	}
	if avg.IsNegative() {
		return avg.Neg().Mul(decimal.NewFromInt(10000))
	}
	return decimal.Zero
}

// MarketStatsFor returns a copy of one token's stats.
func (e *Engine) MarketStatsFor(token string) (MarketStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.market[token]
	if !ok {
		return MarketStats{}, false
	}
	return *ms, true
}

// Summary is the engine-wide snapshot used for daily summaries and alerts.
type Summary struct {
	Aggregate AggregateStats
	PerMarket map[string]MarketStats
}

// GetSummary reports every tracked token's stats plus the aggregate.
func (e *Engine) GetSummary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	per := make(map[string]MarketStats, len(e.market))
	for k, v := range e.market {
		per[k] = *v
	}
	return Summary{Aggregate: *e.agg, PerMarket: per}
}

// Reset clears one token's stats, or everything when token is empty.
func (e *Engine) Reset(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if token == "" {
		e.market = make(map[string]*MarketStats)
		e.records = make(map[string]*FillRecord)
		e.agg = &AggregateStats{markoutSums: make(map[int]decimal.Decimal), markoutCounts: make(map[int]int)}
		return
	}
	delete(e.market, token)
}
