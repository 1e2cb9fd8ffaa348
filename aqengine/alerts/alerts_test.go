package alerts

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

func TestNewWithEmptyTokenDisablesDeliveryWithoutError(t *testing.T) {
	n, err := New("", 0)
	assert.NoError(t, err)
	assert.Nil(t, n.api)
}

func TestNotifierMethodsAreNoOpsWithoutAPI(t *testing.T) {
	n, _ := New("", 0)
	assert.NotPanics(t, func() {
		n.Startup(3, true, "dry run")
		n.Shutdown("test", "stats")
		n.CircuitBreaker(types.Normal, types.Halted, "drawdown", "details")
		n.MarketHalt("UP", "stale feed")
		n.Redemption("UP", d("10"), "0xabc", true, "")
		n.DailySummary(5, d("50"), d("25"), d("0.1"), d("1.5"))
		n.Error("test-error", "something broke", "UP")
	})
}

func TestThrottlerFirstObservationIsImmediatelyReady(t *testing.T) {
	th := newFillAlertThrottler()
	batch, ready := th.record("UP", types.Buy, d("0.49"), d("5"), d("10"), false)
	assert.True(t, ready, "zero-value lastSentAt means the throttle window has already elapsed")
	assert.Len(t, batch.fills, 1)
}

func TestThrottlerBatchesWithinWindowUntilSizeThreshold(t *testing.T) {
	th := newFillAlertThrottler()
	th.record("UP", types.Buy, d("0.49"), d("5"), d("10"), false) // flushes immediately (cold start)

	for i := 0; i < 4; i++ {
		_, ready := th.record("UP", types.Buy, d("0.49"), d("1"), d("5"), false)
		assert.False(t, ready, "subsequent fills within the window must batch, not flush")
	}

	batch, ready := th.record("UP", types.Buy, d("0.49"), d("1"), d("5"), false)
	assert.True(t, ready, "fifth fill in the new batch hits fillBatchSize")
	assert.Len(t, batch.fills, 5)
}

func TestThrottlerForceBypassesWindow(t *testing.T) {
	th := newFillAlertThrottler()
	th.record("UP", types.Buy, d("0.49"), d("5"), d("10"), false)

	_, ready := th.record("UP", types.Buy, d("0.49"), d("1"), d("5"), true)
	assert.True(t, ready, "force must flush regardless of window/size")
}

func TestThrottlerTracksMarketsIndependently(t *testing.T) {
	th := newFillAlertThrottler()
	th.record("UP", types.Buy, d("0.49"), d("5"), d("10"), false)

	_, readyDown := th.record("DOWN", types.Sell, d("0.51"), d("5"), d("10"), false)
	assert.True(t, readyDown, "a different market's throttle state must not be shared")
}

func TestFlushAllReturnsAndClearsNonEmptyBatchesOnly(t *testing.T) {
	th := newFillAlertThrottler()
	th.record("UP", types.Buy, d("0.49"), d("5"), d("10"), false)
	th.record("UP", types.Buy, d("0.49"), d("1"), d("5"), false) // now batched, pending

	flushed := th.flushAll()
	assert.Contains(t, flushed, "UP")
	assert.Len(t, flushed["UP"].fills, 1)

	flushedAgain := th.flushAll()
	assert.NotContains(t, flushedAgain, "UP", "a flushed batch with nothing new must not reappear")
}
