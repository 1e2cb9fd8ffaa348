package winddown

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

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

func testPhaseConfig() PhaseConfig {
	return PhaseConfig{
		WindDownStart:           300 * time.Second,
		TakerExitThreshold:      40 * time.Second,
		TakerExitPriceThreshold: d("0.25"),
	}
}

func TestPhaseThresholds(t *testing.T) {
	cfg := testPhaseConfig()
	assert.Equal(t, types.PhaseNormal, PhaseForSecondsRemaining(cfg, 301))
	assert.Equal(t, types.PhaseWindDown, PhaseForSecondsRemaining(cfg, 300))
	assert.Equal(t, types.PhaseWindDown, PhaseForSecondsRemaining(cfg, 41))
	assert.Equal(t, types.PhaseTakerExit, PhaseForSecondsRemaining(cfg, 40))
	assert.Equal(t, types.PhaseTakerExit, PhaseForSecondsRemaining(cfg, 1))
	assert.Equal(t, types.PhaseMarketEnded, PhaseForSecondsRemaining(cfg, 0))
	assert.Equal(t, types.PhaseMarketEnded, PhaseForSecondsRemaining(cfg, -5))
}

func TestShouldTakerExitOnlyInTakerExitPhaseAboveThreshold(t *testing.T) {
	cfg := testPhaseConfig()
	pos := types.Position{Size: d("8"), AvgEntryPrice: d("0.40")}

	assert.True(t, ShouldTakerExit(cfg, types.PhaseTakerExit, pos, d("0.30")), "still worth something, exit it")
	assert.False(t, ShouldTakerExit(cfg, types.PhaseWindDown, pos, d("0.30")), "wrong phase must not taker-exit")
	assert.False(t, ShouldTakerExit(cfg, types.PhaseTakerExit, pos, d("0.10")), "below threshold, not worth exiting")
}

func TestShouldTakerExitTreatsZeroPriceAsWorthExiting(t *testing.T) {
	cfg := testPhaseConfig()
	pos := types.Position{Size: d("8"), AvgEntryPrice: d("0.40")}
	assert.True(t, ShouldTakerExit(cfg, types.PhaseTakerExit, pos, decimal.Zero))
}

func TestShouldTakerExitSkipsFlatPosition(t *testing.T) {
	cfg := testPhaseConfig()
	flat := types.Position{Size: decimal.Zero}
	assert.False(t, ShouldTakerExit(cfg, types.PhaseTakerExit, flat, d("0.10")))
}

// fakeRedeemer is a scripted Redeemer for exercising the retry state machine.
type fakeRedeemer struct {
	calls   int
	results []redeemResult
}

type redeemResult struct {
	txHash string
	err    error
}

func (f *fakeRedeemer) RedeemPositions(ctx context.Context, conditionID [32]byte, indexSets []*big.Int) (string, error) {
	r := f.results[f.calls]
	f.calls++
	return r.txHash, r.err
}

func TestRedemptionRetriesOnNotYetResolvedThenCompletes(t *testing.T) {
	redeemer := &fakeRedeemer{results: []redeemResult{
		{err: errors.New("payoutdenominator is 0")},
		{txHash: "0xabc123"},
	}}

	var completedToken, completedTx string
	disp := New(Config{InitialDelay: 0, RetryInterval: 0, MaxAttempts: 10}, Callbacks{
		OnComplete: func(token, tx string) { completedToken, completedTx = token, tx },
	}, redeemer)

	disp.RegisterMarket("UP", "cond-1", time.Now().Add(-time.Second), decimal.Zero)
	disp.UpdatePositionSize("UP", d("10"))

	disp.AttemptRedemption(context.Background(), "UP")
	state, _ := disp.State("UP")
	assert.Equal(t, types.RedemptionChecking, state, "not-yet-resolved error returns to CHECKING for retry")

	disp.AttemptRedemption(context.Background(), "UP")
	assert.Equal(t, "UP", completedToken)
	assert.Equal(t, "0xabc123", completedTx)

	finalState, _ := disp.State("UP")
	assert.Equal(t, types.RedemptionCompleted, finalState)
	assert.True(t, disp.IsComplete("UP"))
}

func TestRedemptionHardErrorMarksFailed(t *testing.T) {
	redeemer := &fakeRedeemer{results: []redeemResult{
		{err: errors.New("insufficient gas")},
	}}

	var failedToken, failedReason string
	disp := New(Config{InitialDelay: 0, RetryInterval: 0, MaxAttempts: 10}, Callbacks{
		OnError: func(token, reason string) { failedToken, failedReason = token, reason },
	}, redeemer)

	disp.RegisterMarket("DOWN", "cond-2", time.Now().Add(-time.Second), decimal.Zero)
	disp.UpdatePositionSize("DOWN", d("5"))

	disp.AttemptRedemption(context.Background(), "DOWN")

	assert.Equal(t, "DOWN", failedToken)
	assert.NotEmpty(t, failedReason)
	state, _ := disp.State("DOWN")
	assert.Equal(t, types.RedemptionFailed, state)
}

func TestRedemptionSkipsFlatPosition(t *testing.T) {
	redeemer := &fakeRedeemer{}
	disp := New(Config{InitialDelay: 0, RetryInterval: 0, MaxAttempts: 10}, Callbacks{}, redeemer)
	disp.RegisterMarket("UP", "cond-1", time.Now().Add(-time.Second), decimal.Zero)

	disp.AttemptRedemption(context.Background(), "UP")
	state, _ := disp.State("UP")
	assert.Equal(t, types.RedemptionSkipped, state)
	assert.Equal(t, 0, redeemer.calls, "no on-chain call for an already-flat position")
}

func TestMarketsReadyForCheckRespectsInitialDelay(t *testing.T) {
	disp := New(Config{InitialDelay: time.Hour, RetryInterval: 0, MaxAttempts: 10}, Callbacks{}, &fakeRedeemer{})
	disp.RegisterMarket("UP", "cond-1", time.Now(), d("5"))

	ready := disp.MarketsReadyForCheck(time.Now())
	assert.Empty(t, ready, "must wait out InitialDelay before the first check")

	readyLater := disp.MarketsReadyForCheck(time.Now().Add(2 * time.Hour))
	assert.Equal(t, []string{"UP"}, readyLater)
}
