package feed

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

func TestProcessMessageBookSnapshotPopulatesBook(t *testing.T) {
	f := New("wss://example.invalid", Callbacks{})
	msg := `[{"event_type":"book","asset_id":"UP","bids":[["0.49","100"]],"asks":[["0.51","80"]]}]`
	f.processMessage([]byte(msg))

	b := f.Book("UP")
	assert.True(t, b.BestBid().Price.Equal(d("0.49")))
	assert.True(t, b.BestAsk().Price.Equal(d("0.51")))
}

func TestProcessMessageAcceptsSingleObjectNotArray(t *testing.T) {
	f := New("wss://example.invalid", Callbacks{})
	msg := `{"event_type":"book","asset_id":"UP","bids":[["0.49","100"]],"asks":[["0.51","80"]]}`
	f.processMessage([]byte(msg))

	b := f.Book("UP")
	assert.True(t, b.BestBid().Price.Equal(d("0.49")))
}

func TestProcessMessagePriceChangeRemovesQuotedLevel(t *testing.T) {
	f := New("wss://example.invalid", Callbacks{})
	f.processMessage([]byte(`[{"event_type":"book","asset_id":"UP","bids":[["0.49","100"]],"asks":[["0.51","80"]]}]`))

	f.processMessage([]byte(`[{"event_type":"price_change","asset_id":"UP","side":"BUY","price":"0.49"}]`))

	b := f.Book("UP")
	assert.True(t, b.BestBid().Price.IsZero(), "price_change with zero size removes that level")
}

func TestProcessMessageTickSizeChangeUpdatesBookTick(t *testing.T) {
	f := New("wss://example.invalid", Callbacks{})
	f.Book("UP")
	f.processMessage([]byte(`[{"event_type":"tick_size_change","asset_id":"UP","tick_size":"0.001"}]`))

	// exercised indirectly: no panic and the book for the token still exists
	b := f.Book("UP")
	assert.Equal(t, "UP", b.Token)
}

func TestProcessMessageUnknownEventTypeIsIgnored(t *testing.T) {
	f := New("wss://example.invalid", Callbacks{})
	assert.NotPanics(t, func() {
		f.processMessage([]byte(`[{"event_type":"heartbeat"}]`))
	})
}

func TestProcessMessageMalformedJSONIsIgnored(t *testing.T) {
	f := New("wss://example.invalid", Callbacks{})
	assert.NotPanics(t, func() {
		f.processMessage([]byte(`not json`))
	})
}

func TestParseLevelsSkipsMalformedEntries(t *testing.T) {
	levels := parseLevels([][2]string{{"0.50", "10"}, {"bad", "10"}, {"0.48", "bad"}})
	assert.Len(t, levels, 1)
	assert.True(t, levels[0].Price.Equal(d("0.50")))
}

func TestSubscribeReceivesTicksOnBookUpdate(t *testing.T) {
	f := New("wss://example.invalid", Callbacks{})
	ch := f.Subscribe()

	f.processMessage([]byte(`[{"event_type":"book","asset_id":"UP","bids":[["0.49","100"]],"asks":[["0.51","80"]]}]`))

	select {
	case tick := <-ch:
		assert.Equal(t, "UP", tick.Token)
		assert.True(t, tick.BestBid.Equal(d("0.49")))
	default:
		t.Fatal("expected a tick to be emitted to the subscriber channel")
	}
}
