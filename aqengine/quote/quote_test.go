package quote

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/aqengine/aqengine/book"
	"github.com/web3guy0/aqengine/aqengine/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

var fullRisk = decimal.NewFromInt(1)

func baseConfig() Config {
	return Config{
		MinSize:                d("5"),
		BaseOrderSize:          d("5"),
		MaxPositionPerMarket:   d("100"),
		MaxSpreadPct:           d("0.5"), // wide rebate band so it doesn't interfere with unrelated assertions
		MinRefreshInterval:     0,
		GlobalRefreshCapPerSec: 100,
		MomentumCooldown:       10 * time.Second,
	}
}

func TestImprovesWhenTopOfBookIsDeep(t *testing.T) {
	b := book.New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.40"), d("20")) // >= 1.5x min_size(5) -> improve
	b.ApplyAskLevel(d("0.60"), d("20"))

	e := New(baseConfig())
	res := e.Decide(Input{Token: "UP", Book: b, RiskMultiplier: fullRisk, Now: time.Now()})

	assert.Equal(t, PlaceQuote, res.Decision)
	assert.True(t, res.Quote.BidPrice.Equal(d("0.41")), "improve by one tick")
	assert.True(t, res.Quote.AskPrice.Equal(d("0.59")))
}

func TestMatchesTopOfBookWhenThin(t *testing.T) {
	b := book.New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.49"), d("5")) // exactly min_size, below 1.5x threshold
	b.ApplyAskLevel(d("0.51"), d("5"))

	e := New(baseConfig())
	res := e.Decide(Input{Token: "UP", Book: b, RiskMultiplier: fullRisk, Now: time.Now()})

	assert.Equal(t, PlaceQuote, res.Decision)
	assert.True(t, res.Quote.BidPrice.Equal(d("0.49")))
	assert.True(t, res.Quote.AskPrice.Equal(d("0.51")))
}

func TestCrossingCandidatesFallBackToUnimprovedTopOfBook(t *testing.T) {
	b := book.New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.499"), d("20"))
	b.ApplyAskLevel(d("0.501"), d("20"))

	e := New(baseConfig())
	res := e.Decide(Input{Token: "UP", Book: b, RiskMultiplier: fullRisk, Now: time.Now()})

	assert.Equal(t, PlaceQuote, res.Decision)
	assert.True(t, res.Quote.BidPrice.Equal(d("0.499")), "improved candidates would cross, fall back to top-of-book")
	assert.True(t, res.Quote.AskPrice.Equal(d("0.501")))
}

func TestAskFloorNeverSellsBelowAvgEntryOnceLong(t *testing.T) {
	b := book.New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.30"), d("20"))
	b.ApplyAskLevel(d("0.32"), d("20"))

	e := New(baseConfig())
	res := e.Decide(Input{
		Token:          "UP",
		Book:           b,
		Position:       types.Position{Size: d("10"), AvgEntryPrice: d("0.40")},
		RiskMultiplier: fullRisk,
		Now:            time.Now(),
	})

	assert.Equal(t, PlaceQuote, res.Decision)
	assert.True(t, res.Quote.AskPrice.GreaterThanOrEqual(d("0.40")), "never sell below entry as a maker")
}

func TestSkipsWhenOutsideTradeableBand(t *testing.T) {
	b := book.New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.03"), d("20"))
	b.ApplyAskLevel(d("0.05"), d("20"))

	e := New(baseConfig())
	res := e.Decide(Input{Token: "UP", Book: b, RiskMultiplier: fullRisk, Now: time.Now()})

	assert.Equal(t, CancelAll, res.Decision)
}

func TestTwoSidedRebateOverrideStillQuotesSellWithNoPosition(t *testing.T) {
	b := book.New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.49"), d("20"))
	b.ApplyAskLevel(d("0.51"), d("20"))

	e := New(baseConfig())
	res := e.Decide(Input{
		Token:          "UP",
		Book:           b,
		Position:       types.Position{Size: decimal.Zero},
		RiskMultiplier: fullRisk,
		Now:            time.Now(),
	})

	assert.Equal(t, PlaceQuote, res.Decision)
	assert.True(t, res.Quote.AskSize.Equal(d("5")), "quote SELL at trade_size even with nothing to sell")
}

func TestSuppressesBuyAtMaxPosition(t *testing.T) {
	b := book.New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.49"), d("20"))
	b.ApplyAskLevel(d("0.51"), d("20"))

	e := New(baseConfig())
	res := e.Decide(Input{
		Token:             "UP",
		Book:              b,
		Position:          types.Position{Size: d("100"), AvgEntryPrice: d("0.40")},
		EffectiveExposure: d("100"),
		RiskMultiplier:    fullRisk,
		Now:               time.Now(),
	})

	assert.Equal(t, PlaceQuote, res.Decision)
	assert.True(t, res.Quote.BidSize.IsZero(), "BUY suppressed once position >= max_size")
}

func TestMomentumTriggersCancelAllAndCooldown(t *testing.T) {
	b := book.New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.49"), d("20"))
	b.ApplyAskLevel(d("0.51"), d("20"))

	e := New(baseConfig())
	now := time.Now()

	res := e.Decide(Input{Token: "UP", Book: b, RiskMultiplier: fullRisk, MomentumActive: true, Now: now})
	assert.Equal(t, CancelAll, res.Decision)

	res2 := e.Decide(Input{Token: "UP", Book: b, RiskMultiplier: fullRisk, Now: now.Add(time.Second)})
	assert.Equal(t, KeepCurrent, res2.Decision, "re-quoting suppressed during cooldown")
}

func TestRefreshRateLimitKeepsCurrentWithinMinInterval(t *testing.T) {
	b := book.New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.49"), d("20"))
	b.ApplyAskLevel(d("0.51"), d("20"))

	cfg := baseConfig()
	cfg.MinRefreshInterval = time.Minute
	e := New(cfg)
	now := time.Now()

	first := e.Decide(Input{Token: "UP", Book: b, RiskMultiplier: fullRisk, Now: now})
	assert.Equal(t, PlaceQuote, first.Decision)

	// A different desired price (ask level moved) within the refresh window
	// must still be held back by the per-token refresh interval.
	b.ApplyAskLevel(d("0.60"), d("20"))
	second := e.Decide(Input{Token: "UP", Book: b, RiskMultiplier: fullRisk, Now: now.Add(time.Millisecond)})
	assert.Equal(t, KeepCurrent, second.Decision)
}

func TestUnchangedQuoteKeepsCurrentRatherThanReplacing(t *testing.T) {
	b := book.New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.49"), d("20"))
	b.ApplyAskLevel(d("0.51"), d("20"))

	e := New(baseConfig())
	now := time.Now()
	first := e.Decide(Input{Token: "UP", Book: b, RiskMultiplier: fullRisk, Now: now})
	assert.Equal(t, PlaceQuote, first.Decision)

	second := e.Decide(Input{
		Token:          "UP",
		Book:           b,
		RiskMultiplier: fullRisk,
		LastQuote:      first.Quote,
		HasLastQuote:   true,
		Now:            now.Add(time.Hour),
	})
	assert.Equal(t, KeepCurrent, second.Decision)
}
