package userfeed

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/aqengine/aqengine/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

const ownAddr = "0xOWNER"

func TestHandleTradeUsesMakerOrderWhenOwnAddressMatches(t *testing.T) {
	f := New("wss://example.invalid", Credentials{OwnAddress: ownAddr}, Callbacks{})
	ch := f.Subscribe()

	f.processMessage([]byte(`[{"event_type":"trade","asset_id":"UP","side":"BUY","outcome":"UP","price":"0.49","size":"5","trade_id":"t1","sequence":7,
		"maker_orders":[{"maker_address":"0xOWNER","matched_amount":"5","price":"0.49","outcome":"UP"}]}]`))

	ev := <-ch
	fe, ok := ev.(FillEvent)
	if assert.True(t, ok, "expected a FillEvent") {
		assert.Equal(t, "UP", fe.Fill.Token)
		assert.Equal(t, types.Buy, fe.Fill.Side)
		assert.True(t, fe.Fill.Price.Equal(d("0.49")))
		assert.True(t, fe.Fill.Size.Equal(d("5")))
		assert.Equal(t, int64(7), fe.WSSequence)
	}
}

func TestHandleTradeInvertsSideAndTokenForPairedMakerOutcome(t *testing.T) {
	f := New("wss://example.invalid", Credentials{OwnAddress: ownAddr}, Callbacks{
		PairedTokenOf: func(token string) string {
			if token == "UP" {
				return "DOWN"
			}
			return "UP"
		},
	})
	ch := f.Subscribe()

	// Taker bought UP; this account's resting maker order was on DOWN, the
	// complementary outcome, so its own fill is a SELL of DOWN.
	f.processMessage([]byte(`[{"event_type":"trade","asset_id":"UP","side":"BUY","outcome":"UP","price":"0.49","size":"5","trade_id":"t1","sequence":7,
		"maker_orders":[{"maker_address":"0xOWNER","matched_amount":"5","price":"0.51","outcome":"DOWN"}]}]`))

	ev := <-ch
	fe, ok := ev.(FillEvent)
	if assert.True(t, ok, "expected a FillEvent") {
		assert.Equal(t, "DOWN", fe.Fill.Token)
		assert.Equal(t, types.Sell, fe.Fill.Side)
		assert.True(t, fe.Fill.Price.Equal(d("0.51")))
		assert.True(t, fe.Fill.Size.Equal(d("5")))
	}
}

func TestHandleTradeFallsBackToTakerFieldsWhenNoMakerOrderMatches(t *testing.T) {
	f := New("wss://example.invalid", Credentials{OwnAddress: ownAddr}, Callbacks{})
	ch := f.Subscribe()

	f.processMessage([]byte(`[{"event_type":"trade","asset_id":"UP","side":"SELL","outcome":"UP","price":"0.52","size":"10","trade_id":"t2","sequence":8,
		"maker_orders":[{"maker_address":"0xSOMEONEELSE","matched_amount":"10","price":"0.52","outcome":"UP"}]}]`))

	ev := <-ch
	fe, ok := ev.(FillEvent)
	if assert.True(t, ok, "expected a FillEvent") {
		assert.Equal(t, "UP", fe.Fill.Token)
		assert.Equal(t, types.Sell, fe.Fill.Side)
		assert.True(t, fe.Fill.Price.Equal(d("0.52")))
		assert.True(t, fe.Fill.Size.Equal(d("10")))
	}
}

func TestHandleOrderUpdateEmitsOrderUpdateEvent(t *testing.T) {
	f := New("wss://example.invalid", Credentials{}, Callbacks{})
	ch := f.Subscribe()

	f.processMessage([]byte(`[{"event_type":"order","order_id":"o1","status":"CONFIRMED","size_remaining":"3","sequence":11}]`))

	ev := <-ch
	oe, ok := ev.(OrderUpdateEvent)
	if assert.True(t, ok, "expected an OrderUpdateEvent") {
		assert.Equal(t, "o1", oe.OrderID)
		assert.Equal(t, types.OrderConfirmed, oe.Status)
		assert.True(t, oe.RemainingSize.Equal(d("3")))
		assert.Equal(t, int64(11), oe.WSSequence)
	}
}

func TestProcessMessageUnknownEventTypeIgnored(t *testing.T) {
	f := New("wss://example.invalid", Credentials{}, Callbacks{})
	ch := f.Subscribe()
	f.processMessage([]byte(`[{"event_type":"ping"}]`))

	select {
	case <-ch:
		t.Fatal("no event should be emitted for an unrecognized event_type")
	default:
	}
}

func TestBroadcastFansOutToEverySubscriber(t *testing.T) {
	f := New("wss://example.invalid", Credentials{}, Callbacks{})
	a := f.Subscribe()
	b := f.Subscribe()

	f.processMessage([]byte(`[{"event_type":"order","order_id":"o1","status":"LIVE","size_remaining":"1","sequence":1}]`))

	_, okA := (<-a).(OrderUpdateEvent)
	_, okB := (<-b).(OrderUpdateEvent)
	assert.True(t, okA)
	assert.True(t, okB)
}
