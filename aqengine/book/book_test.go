package book

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestApplyLevelZeroSizeDeletesLevel(t *testing.T) {
	b := New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.49"), d("100"))
	assert.True(t, b.BestBid().Price.Equal(d("0.49")))

	b.ApplyBidLevel(d("0.49"), d("0"))
	assert.True(t, b.BestBid().Price.IsZero(), "zero-size update must delete the level")
}

func TestBestBidAskAndMid(t *testing.T) {
	b := New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.50"), d("100"))
	b.ApplyBidLevel(d("0.49"), d("200"))
	b.ApplyAskLevel(d("0.52"), d("100"))
	b.ApplyAskLevel(d("0.53"), d("200"))

	assert.True(t, b.BestBid().Price.Equal(d("0.50")))
	assert.True(t, b.BestAsk().Price.Equal(d("0.52")))
	assert.True(t, b.Mid().Equal(d("0.51")))
}

func TestConsistencyInvariant(t *testing.T) {
	b := New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.50"), d("100"))
	b.ApplyAskLevel(d("0.52"), d("100"))
	assert.True(t, b.IsConsistent())

	// A crossed update (bid >= ask) must mark the book transiently inconsistent.
	b.ApplyBidLevel(d("0.55"), d("50"))
	assert.False(t, b.IsConsistent())

	// Restoring order on the next update must recover consistency.
	b.ApplyBidLevel(d("0.55"), d("0"))
	assert.True(t, b.IsConsistent())
}

func TestFirstLevelAtLeastMinSizeFallsBackPastThinTopOfBook(t *testing.T) {
	b := New("UP", d("0.01"))
	b.ApplyBidLevel(d("0.50"), d("1")) // too thin
	b.ApplyBidLevel(d("0.49"), d("50"))

	lvl, ok := b.FirstBidAtLeast(d("10"))
	assert.True(t, ok)
	assert.True(t, lvl.Price.Equal(d("0.49")))
}

func TestFirstLevelAtLeastNoQualifyingLevel(t *testing.T) {
	b := New("UP", d("0.01"))
	b.ApplyAskLevel(d("0.52"), d("1"))
	_, ok := b.FirstAskAtLeast(d("10"))
	assert.False(t, ok)
}

func TestReplaceBookIgnoresNonPositiveSizes(t *testing.T) {
	b := New("UP", d("0.01"))
	b.ReplaceBook(
		[]Level{{Price: d("0.50"), Size: d("10")}, {Price: d("0.48"), Size: d("0")}},
		[]Level{{Price: d("0.52"), Size: d("10")}},
	)
	assert.True(t, b.BestBid().Price.Equal(d("0.50")))
	assert.True(t, b.BestAsk().Price.Equal(d("0.52")))
}
