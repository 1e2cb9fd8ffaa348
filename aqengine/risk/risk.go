// Package risk implements the graduated circuit breaker of §4.7: a
// NORMAL/WARNING/HALTED/RECOVERING state machine driven by per-market and
// global drawdown, stale feeds, consecutive errors and disconnects.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/types"
)

// Callbacks lets the orchestrator react to state transitions without the
// risk manager importing orchestrator-level types.
type Callbacks struct {
	OnStateChange func(old, new types.CircuitState, reason string)
	OnMarketHalt  func(token, reason string)
	OnKillSwitch  func(reason string)
}

type marketRisk struct {
	token            string
	halted           bool
	haltReason       string
	realizedPnL      decimal.Decimal
	unrealizedPnL    decimal.Decimal
	peakPnL          decimal.Decimal
	lastFeedUpdate   time.Time
	consecutiveErrors int
	firstErrorAt     time.Time
	marketStart      time.Time
	marketEnd        time.Time
}

// staleFeedLookahead is how far ahead of a market's scheduled start the
// breaker begins caring about its feed staleness (§4.7).
const staleFeedLookahead = 15 * time.Minute

// shouldMonitorStaleness reports whether token's feed is within the window
// §4.7 monitors: live now, or starting within staleFeedLookahead. Markets
// already resolved (marketEnd in the past) or far in the future are excluded
// so a quiet feed for a market that hasn't started, or one that's already
// settled, never raises a false staleness warning. A token with no
// registered schedule is monitored unconditionally, preserving prior
// behavior for callers that never call RegisterMarket.
func (mr *marketRisk) shouldMonitorStaleness(now time.Time) bool {
	if !mr.marketEnd.IsZero() && !mr.marketEnd.After(now) {
		return false
	}
	if mr.marketStart.IsZero() {
		return true
	}
	return !mr.marketStart.After(now.Add(staleFeedLookahead))
}

func (m *marketRisk) totalPnL() decimal.Decimal {
	return m.realizedPnL.Add(m.unrealizedPnL)
}

// Manager is the risk subsystem's single owner of breaker state. All
// exported methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	cfg Config
	cb  Callbacks

	state            types.CircuitState
	stateEnteredAt   time.Time
	warningReason    string
	haltReason       string
	recoveryStarted  time.Time

	globalPeakPnL    decimal.Decimal
	globalPnL        decimal.Decimal

	markets map[string]*marketRisk
}

// Config carries the tunables drawn from aqengine/config.
type Config struct {
	MaxDrawdownPerMarket decimal.Decimal
	MaxDrawdownGlobal    decimal.Decimal
	StaleFeedTimeout      time.Duration
	MaxConsecutiveErrors  int
	RecoveryDuration      time.Duration
}

// New constructs a Manager starting in the NORMAL state.
func New(cfg Config, cb Callbacks) *Manager {
	return &Manager{
		cfg:            cfg,
		cb:             cb,
		state:          types.Normal,
		stateEnteredAt: time.Now(),
		markets:        make(map[string]*marketRisk),
	}
}

func (m *Manager) getOrCreateLocked(token string) *marketRisk {
	mr, ok := m.markets[token]
	if !ok {
		mr = &marketRisk{token: token, lastFeedUpdate: time.Now()}
		m.markets[token] = mr
	}
	return mr
}

// State returns the current global circuit state.
func (m *Manager) State() types.CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PositionLimitMultiplier returns the sizing multiplier for the current state.
func (m *Manager) PositionLimitMultiplier() decimal.Decimal {
	return types.PositionLimitMultiplier(m.State())
}

// CanPlaceOrders reports whether the engine may place new orders at all:
// false whenever the global state is HALTED.
func (m *Manager) CanPlaceOrders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != types.Halted
}

// CanPlaceOrdersForMarket additionally checks the per-market halt flag and
// feed staleness for token.
func (m *Manager) CanPlaceOrdersForMarket(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == types.Halted {
		return false
	}
	if mr, ok := m.markets[token]; ok {
		if mr.halted {
			return false
		}
		if m.isFeedStaleLocked(mr, time.Now()) {
			return false
		}
	}
	return true
}

func (m *Manager) isFeedStaleLocked(mr *marketRisk, now time.Time) bool {
	if mr.lastFeedUpdate.IsZero() {
		return false
	}
	if !mr.shouldMonitorStaleness(now) {
		return false
	}
	return now.Sub(mr.lastFeedUpdate) > m.cfg.StaleFeedTimeout
}

// RegisterMarket records token's scheduled window so stale-feed monitoring
// can be gated per §4.7 rather than applied forever. Call once per market at
// startup, mirroring winddown.Dispatcher.RegisterMarket.
func (m *Manager) RegisterMarket(token string, start, end time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr := m.getOrCreateLocked(token)
	mr.marketStart = start
	mr.marketEnd = end
}

// UpdateFeedTimestamp records a fresh market-data tick for token, clearing
// any stale-feed condition that may have been building.
func (m *Manager) UpdateFeedTimestamp(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr := m.getOrCreateLocked(token)
	mr.lastFeedUpdate = time.Now()
}

// CheckStaleFeeds scans every tracked market for a feed that has gone quiet
// longer than StaleFeedTimeout and escalates NORMAL -> WARNING when found.
// Call on a periodic tick from the orchestrator's main loop.
func (m *Manager) CheckStaleFeeds() {
	now := time.Now()
	m.mu.Lock()
	var staleTokens []string
	for token, mr := range m.markets {
		if m.isFeedStaleLocked(mr, now) {
			staleTokens = append(staleTokens, token)
		}
	}
	shouldWarn := len(staleTokens) > 0 && m.state == types.Normal
	m.mu.Unlock()

	if shouldWarn {
		m.triggerWarning("stale feed detected for " + joinTokens(staleTokens))
	}
}

func joinTokens(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

// UpdateMarketPnL records the latest realized/unrealized P&L for a token and
// checks both the per-market and global drawdown limits.
func (m *Manager) UpdateMarketPnL(token string, realized, unrealized decimal.Decimal) {
	m.mu.Lock()
	mr := m.getOrCreateLocked(token)
	mr.realizedPnL = realized
	mr.unrealizedPnL = unrealized
	total := mr.totalPnL()
	if total.GreaterThan(mr.peakPnL) {
		mr.peakPnL = total
	}
	drawdown := mr.peakPnL.Sub(total)
	marketBreach := drawdown.GreaterThan(m.cfg.MaxDrawdownPerMarket)

	m.recalculateGlobalPnLLocked()
	globalDrawdown := m.globalPeakPnL.Sub(m.globalPnL)
	globalBreach := globalDrawdown.GreaterThan(m.cfg.MaxDrawdownGlobal)
	m.mu.Unlock()

	if marketBreach {
		m.haltMarket(token, "per-market drawdown limit breached: "+drawdown.String())
	}
	if globalBreach {
		m.triggerHalt("global drawdown limit breached: " + globalDrawdown.String())
	}
}

func (m *Manager) recalculateGlobalPnLLocked() {
	total := decimal.Zero
	for _, mr := range m.markets {
		total = total.Add(mr.totalPnL())
	}
	m.globalPnL = total
	if total.GreaterThan(m.globalPeakPnL) {
		m.globalPeakPnL = total
	}
}

// haltMarket sets a single market's halt flag and fires OnMarketHalt; it
// does not change the global state.
func (m *Manager) haltMarket(token, reason string) {
	m.mu.Lock()
	mr := m.getOrCreateLocked(token)
	alreadyHalted := mr.halted
	mr.halted = true
	mr.haltReason = reason
	m.mu.Unlock()

	if alreadyHalted {
		return
	}

	log.Warn().Str("token", token).Str("reason", reason).Msg("🛑 market halted")
	if m.cb.OnMarketHalt != nil {
		m.cb.OnMarketHalt(token, reason)
	}
}

// RecordError increments token's consecutive-error counter, resetting it if
// the last error was more than 60 seconds ago, and halts globally once the
// configured threshold is reached.
func (m *Manager) RecordError(token string) {
	m.mu.Lock()
	mr := m.getOrCreateLocked(token)
	if !mr.firstErrorAt.IsZero() && time.Since(mr.firstErrorAt) > 60*time.Second {
		mr.consecutiveErrors = 0
	}
	if mr.consecutiveErrors == 0 {
		mr.firstErrorAt = time.Now()
	}
	mr.consecutiveErrors++
	breach := mr.consecutiveErrors >= m.cfg.MaxConsecutiveErrors
	count := mr.consecutiveErrors
	m.mu.Unlock()

	if breach {
		m.triggerHalt(token + " exceeded max consecutive errors (" + itoa(count) + ")")
	}
}

// ClearErrors resets token's consecutive-error counter after a success.
func (m *Manager) ClearErrors(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr := m.getOrCreateLocked(token)
	mr.consecutiveErrors = 0
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// OnMarketDisconnect marks a market halted after its WebSocket feed drops.
func (m *Manager) OnMarketDisconnect(token string) {
	m.haltMarket(token, "market data feed disconnected")
}

// OnUserDisconnect treats loss of the user (fills/orders) channel as
// critical and halts the entire engine: a dark fills channel means the
// engine can no longer trust its own inventory.
func (m *Manager) OnUserDisconnect() {
	m.triggerHalt("user channel disconnected")
}

// TriggerWarning is the exported form of triggerWarning for callers outside
// this file (e.g. momentum detection forcing a defensive posture).
func (m *Manager) TriggerWarning(reason string) {
	m.triggerWarning(reason)
}

func (m *Manager) triggerWarning(reason string) {
	m.transition(types.Warning, reason)
}

// TriggerHalt is the exported form of triggerHalt.
func (m *Manager) TriggerHalt(reason string) {
	m.triggerHalt(reason)
}

func (m *Manager) triggerHalt(reason string) {
	m.transition(types.Halted, reason)
}

// StartRecovery begins the RECOVERING state after manual or automatic
// resumption from HALTED.
func (m *Manager) StartRecovery(reason string) {
	m.transition(types.Recovering, reason)
}

// CheckRecoveryComplete promotes RECOVERING to NORMAL once RecoveryDuration
// has elapsed since entering RECOVERING. Call on a periodic tick.
func (m *Manager) CheckRecoveryComplete() {
	m.mu.Lock()
	ready := m.state == types.Recovering && time.Since(m.stateEnteredAt) >= m.cfg.RecoveryDuration
	m.mu.Unlock()

	if ready {
		m.transition(types.Normal, "recovery period elapsed")
	}
}

// ClearWarning demotes WARNING back to NORMAL once the triggering condition
// (e.g. stale feed) has resolved.
func (m *Manager) ClearWarning(reason string) {
	m.mu.Lock()
	isWarning := m.state == types.Warning
	m.mu.Unlock()
	if isWarning {
		m.transition(types.Normal, reason)
	}
}

// transition moves the global state machine and fires callbacks. HALTED
// entry additionally fires OnKillSwitch since it is the one state that stops
// all order placement outright.
func (m *Manager) transition(newState types.CircuitState, reason string) {
	m.mu.Lock()
	old := m.state
	if old == newState {
		m.mu.Unlock()
		return
	}
	m.state = newState
	m.stateEnteredAt = time.Now()
	switch newState {
	case types.Warning:
		m.warningReason = reason
	case types.Halted:
		m.haltReason = reason
	case types.Recovering:
		m.recoveryStarted = time.Now()
	}
	m.mu.Unlock()

	log.Warn().
		Str("from", string(old)).
		Str("to", string(newState)).
		Str("reason", reason).
		Msg("⚠️  circuit breaker state change")

	if m.cb.OnStateChange != nil {
		m.cb.OnStateChange(old, newState, reason)
	}
	if newState == types.Halted && m.cb.OnKillSwitch != nil {
		m.cb.OnKillSwitch(reason)
	}
}

// ForceResetToNormal is an operator escape hatch: unconditionally resets
// global state to NORMAL and clears every market's halt flag.
func (m *Manager) ForceResetToNormal() {
	m.mu.Lock()
	m.state = types.Normal
	m.stateEnteredAt = time.Now()
	for _, mr := range m.markets {
		mr.halted = false
		mr.haltReason = ""
		mr.consecutiveErrors = 0
		mr.peakPnL = mr.totalPnL()
	}
	m.globalPeakPnL = m.globalPnL
	m.mu.Unlock()

	log.Info().Msg("🔄 risk manager force-reset to NORMAL")
}

// ResetMarket clears one market's halt/error state without touching global
// state, used once a halted market has been wound down and removed.
func (m *Manager) ResetMarket(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markets, token)
}

// Summary is the point-in-time snapshot used for status reporting.
type Summary struct {
	State         types.CircuitState
	HaltReason    string
	WarningReason string
	GlobalPnL     decimal.Decimal
	HaltedMarkets []string
}

// GetSummary reports the manager's current state for alerting/status.
func (m *Manager) GetSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	var halted []string
	for token, mr := range m.markets {
		if mr.halted {
			halted = append(halted, token)
		}
	}
	return Summary{
		State:         m.state,
		HaltReason:    m.haltReason,
		WarningReason: m.warningReason,
		GlobalPnL:     m.globalPnL,
		HaltedMarkets: halted,
	}
}

// IsMarketHalted reports whether token is individually halted.
func (m *Manager) IsMarketHalted(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.markets[token]
	return ok && mr.halted
}
