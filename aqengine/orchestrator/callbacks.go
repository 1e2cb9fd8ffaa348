package orchestrator

import (
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/aqengine/aqengine/types"
)

// onMarketDisconnect escalates a market-data drop to the risk manager,
// which halts that single market until the feed recovers (§4.7).
func (o *Orchestrator) onMarketDisconnect(token string) {
	o.riskMgr.OnMarketDisconnect(token)
}

// onMarketReconnect re-reconciles immediately on reconnect so quoting does
// not resume against a stale order mirror.
func (o *Orchestrator) onMarketReconnect() {
	log.Info().Msg("📡 market feed reconnected, forcing reconciliation")
	o.reconcileOrders()
}

// onUserDisconnect treats the loss of the fills/orders channel as critical:
// the engine can no longer trust which resting BUYs are reserved, so it
// zeroes every reservation and pulls every resting order until the channel
// and a fresh reconciliation restore trust (§4.2, §4.7).
func (o *Orchestrator) onUserDisconnect(reason string) {
	log.Error().Str("reason", reason).Msg("🛑 user channel disconnected")
	o.inv.ForceReconcileAll()
	if err := o.orderMgr.CancelAll(); err != nil {
		log.Error().Err(err).Msg("cancel-all on user channel disconnect failed")
	}
	o.riskMgr.OnUserDisconnect()
}

// onUserReconnect re-reconciles once the fills/orders channel is trustworthy
// again.
func (o *Orchestrator) onUserReconnect() {
	log.Info().Msg("📡 user channel reconnected, forcing reconciliation")
	o.reconcileOrders()
}

func (o *Orchestrator) onCircuitStateChange(old, new types.CircuitState, reason string) {
	o.notifier.CircuitBreaker(old, new, reason, "")
}

func (o *Orchestrator) onMarketHalt(token, reason string) {
	o.notifier.MarketHalt(o.meta[token].MarketName, reason)
}

// onKillSwitch fires when the circuit breaker transitions to HALTED
// globally: every resting order across every market is pulled immediately.
func (o *Orchestrator) onKillSwitch(reason string) {
	log.Error().Str("reason", reason).Msg("🛑 kill switch triggered, cancelling all orders")
	if err := o.orderMgr.CancelAll(); err != nil {
		log.Error().Err(err).Msg("cancel-all on kill switch failed")
	}
}

func (o *Orchestrator) onRedemptionComplete(token, txHash string) {
	position := o.inv.Position(token)
	o.notifier.Redemption(o.meta[token].MarketName, position.Size, txHash, true, "")
	o.inv.ClearPosition(token)
	o.store.ClearPosition(token)
	o.windDown.ClearMarket(token)
}

func (o *Orchestrator) onRedemptionError(token, reason string) {
	position := o.inv.Position(token)
	o.notifier.Redemption(o.meta[token].MarketName, position.Size, "", false, reason)
}
