// Package winddown implements the pre-resolution phase machine and the
// post-resolution redemption dispatcher of §4.8 (C8). The phase machine is
// new Go-native bookkeeping; the redemption state machine is a direct port
// of redemption_manager.py's RedemptionManager, with its check_count/
// first_check_time retry accounting and not-yet-resolved substring
// classification (Part D item 4).
package winddown

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/types"
)

// PhaseConfig carries the tunables driving the wind-down phase transitions.
type PhaseConfig struct {
	WindDownStart         time.Duration // seconds-to-resolution threshold entering WIND_DOWN
	TakerExitThreshold    time.Duration // seconds-to-resolution threshold entering TAKER_EXIT
	TakerExitPriceThreshold decimal.Decimal // only taker-exit a side priced below this (near-certain loser)
}

// PhaseForSecondsRemaining maps seconds-to-resolution to the wind-down
// phase, per §4.8's NORMAL -> WIND_DOWN -> TAKER_EXIT -> MARKET_ENDED ladder.
func PhaseForSecondsRemaining(cfg PhaseConfig, secondsRemaining float64) types.WindDownPhase {
	if secondsRemaining <= 0 {
		return types.PhaseMarketEnded
	}
	if secondsRemaining <= cfg.TakerExitThreshold.Seconds() {
		return types.PhaseTakerExit
	}
	if secondsRemaining <= cfg.WindDownStart.Seconds() {
		return types.PhaseWindDown
	}
	return types.PhaseNormal
}

// ShouldTakerExit reports whether a resting position should be exited at the
// taker price given the phase and the position's current best-available
// exit price: only when in TAKER_EXIT phase and the position is worth
// trying to get out of near the money (the source dumps any side that can
// still fetch something above the near-zero threshold).
func ShouldTakerExit(cfg PhaseConfig, phase types.WindDownPhase, position types.Position, bestExitPrice decimal.Decimal) bool {
	if phase != types.PhaseTakerExit {
		return false
	}
	if position.IsFlat() {
		return false
	}
	return bestExitPrice.GreaterThan(cfg.TakerExitPriceThreshold) || bestExitPrice.IsZero()
}

// --- redemption dispatcher, ported from redemption_manager.py ---

// notResolvedSubstrings classifies a redemption error as "try again later"
// rather than a hard failure.
var notResolvedSubstrings = []string{
	"not resolved",
	"condition not resolved",
	"payout not set",
	"payoutdenominator is 0",
}

func isNotResolvedError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range notResolvedSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// marketRedemption tracks one token's progress through the redemption
// state machine, mirroring MarketRedemptionState in redemption_manager.py.
type marketRedemption struct {
	token           string
	conditionID     string
	marketEndTime   time.Time
	positionSize    decimal.Decimal
	state           types.RedemptionState
	firstCheckTime  time.Time
	lastCheckTime   time.Time
	checkCount      int
	txHash          string
	errorMessage    string
}

// Redeemer performs the actual on-chain redemption call. Implemented by
// venue.Client in production; an interface here keeps winddown free of a
// dependency on venue's HTTP/RPC concerns.
type Redeemer interface {
	RedeemPositions(ctx context.Context, conditionID [32]byte, indexSets []*big.Int) (txHash string, err error)
}

// Config carries the retry cadence, grounded on redemption_manager.py's
// constructor defaults (60s initial delay, 30s retry interval, 20 attempts).
type Config struct {
	InitialDelay  time.Duration
	RetryInterval time.Duration
	MaxAttempts   int
}

// Callbacks lets the orchestrator react to redemption completion/failure
// without the dispatcher depending on orchestrator-level types.
type Callbacks struct {
	OnComplete func(token, txHash string)
	OnError    func(token, reason string)
}

// Dispatcher is the redemption state machine for every quoted market, with a
// single global mutex serializing on-chain calls (§5).
type Dispatcher struct {
	cfg      Config
	cb       Callbacks
	redeemer Redeemer

	mu       sync.Mutex // serializes redeem attempts; only one nonce in flight at a time
	stateMu  sync.Mutex // guards the markets map itself
	markets  map[string]*marketRedemption
}

// New constructs a Dispatcher.
func New(cfg Config, cb Callbacks, redeemer Redeemer) *Dispatcher {
	return &Dispatcher{cfg: cfg, cb: cb, redeemer: redeemer, markets: make(map[string]*marketRedemption)}
}

// RegisterMarket begins tracking a token for redemption once its market
// resolves. Markets with no conditionID or already completed are skipped,
// matching redemption_manager.py's register_market guard.
func (d *Dispatcher) RegisterMarket(token, conditionID string, marketEndTime time.Time, positionSize decimal.Decimal) {
	if conditionID == "" {
		return
	}
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if mr, ok := d.markets[token]; ok && mr.state == types.RedemptionCompleted {
		return
	}
	d.markets[token] = &marketRedemption{
		token:         token,
		conditionID:   conditionID,
		marketEndTime: marketEndTime,
		positionSize:  positionSize,
		state:         types.RedemptionPending,
	}
}

// UpdatePositionSize refreshes a tracked market's position size as fills and
// taker exits change it before redemption is attempted.
func (d *Dispatcher) UpdatePositionSize(token string, size decimal.Decimal) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if mr, ok := d.markets[token]; ok {
		mr.positionSize = size
	}
}

// MarketsReadyForCheck returns tokens whose redemption gating window has
// arrived, per redemption_manager.py's get_markets_ready_for_check: skip
// terminal states, wait InitialDelay past market end, mark FAILED once
// MaxAttempts is exhausted, and respect RetryInterval between checks.
func (d *Dispatcher) MarketsReadyForCheck(now time.Time) []string {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	var ready []string
	for token, mr := range d.markets {
		switch mr.state {
		case types.RedemptionCompleted, types.RedemptionFailed, types.RedemptionSkipped:
			continue
		}
		checkAfter := mr.marketEndTime.Add(d.cfg.InitialDelay)
		if now.Before(checkAfter) {
			continue
		}
		if mr.checkCount >= d.cfg.MaxAttempts {
			mr.state = types.RedemptionFailed
			mr.errorMessage = "max resolution check attempts exceeded"
			if d.cb.OnError != nil {
				d.cb.OnError(token, mr.errorMessage)
			}
			continue
		}
		if !mr.lastCheckTime.IsZero() && now.Sub(mr.lastCheckTime) < d.cfg.RetryInterval {
			continue
		}
		ready = append(ready, token)
	}
	return ready
}

// AttemptRedemption drives one redemption try for token: SKIPPED if the
// position is already flat, else REDEEMING followed by the on-chain call.
// The dispatcher-wide mutex ensures only one nonce is ever in flight.
func (d *Dispatcher) AttemptRedemption(ctx context.Context, token string) {
	d.stateMu.Lock()
	mr, ok := d.markets[token]
	if !ok {
		d.stateMu.Unlock()
		return
	}
	if mr.firstCheckTime.IsZero() {
		mr.firstCheckTime = time.Now()
	}
	mr.lastCheckTime = time.Now()
	mr.checkCount++

	if mr.positionSize.IsZero() || mr.positionSize.IsNegative() {
		mr.state = types.RedemptionSkipped
		d.stateMu.Unlock()
		log.Info().Str("token", token).Msg("⏭️  redemption skipped: no position")
		return
	}
	mr.state = types.RedemptionChecking
	conditionID := mr.conditionID
	d.stateMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.stateMu.Lock()
	mr.state = types.RedemptionRedeeming
	d.stateMu.Unlock()

	var condBytes [32]byte
	copy(condBytes[:], []byte(conditionID))
	txHash, err := d.redeemer.RedeemPositions(ctx, condBytes, []*big.Int{big.NewInt(1), big.NewInt(2)})

	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if err != nil {
		d.handleErrorLocked(mr, err.Error())
		return
	}
	mr.state = types.RedemptionCompleted
	mr.txHash = txHash
	log.Info().Str("token", token).Str("tx_hash", txHash).Msg("💰 redemption completed")
	if d.cb.OnComplete != nil {
		d.cb.OnComplete(token, txHash)
	}
}

// handleErrorLocked must be called with stateMu held.
func (d *Dispatcher) handleErrorLocked(mr *marketRedemption, errMsg string) {
	mr.errorMessage = errMsg
	if isNotResolvedError(errMsg) && mr.checkCount < d.cfg.MaxAttempts {
		mr.state = types.RedemptionChecking
		log.Debug().Str("token", mr.token).Str("error", errMsg).Msg("⏳ condition not yet resolved, will retry")
		return
	}
	mr.state = types.RedemptionFailed
	log.Warn().Str("token", mr.token).Str("error", errMsg).Msg("❌ redemption failed")
	if d.cb.OnError != nil {
		d.cb.OnError(mr.token, errMsg)
	}
}

// State returns one token's current redemption state.
func (d *Dispatcher) State(token string) (types.RedemptionState, bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	mr, ok := d.markets[token]
	if !ok {
		return "", false
	}
	return mr.state, true
}

// IsComplete reports whether token's redemption has finished (successfully
// or not).
func (d *Dispatcher) IsComplete(token string) bool {
	state, ok := d.State(token)
	if !ok {
		return false
	}
	return state == types.RedemptionCompleted || state == types.RedemptionFailed || state == types.RedemptionSkipped
}

// Summary is the point-in-time redemption status used for alerting/status.
type Summary struct {
	Token      string
	State      types.RedemptionState
	CheckCount int
	TxHash     string
	Error      string
}

// GetSummary reports every tracked market's redemption status.
func (d *Dispatcher) GetSummary() []Summary {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	out := make([]Summary, 0, len(d.markets))
	for _, mr := range d.markets {
		out = append(out, Summary{Token: mr.token, State: mr.state, CheckCount: mr.checkCount, TxHash: mr.txHash, Error: mr.errorMessage})
	}
	return out
}

// ClearMarket removes a token from redemption tracking entirely.
func (d *Dispatcher) ClearMarket(token string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	delete(d.markets, token)
}
