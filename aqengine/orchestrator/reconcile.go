package orchestrator

import (
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/types"
)

// reconcileOrders pulls the venue's own view of resting orders and rebuilds
// the local mirror and pending-BUY reservations from it, then clears any
// ledger gap once the rebuild has run. Adapted from bot.py's
// _reconcile_orders: the venue's open-orders list is ground truth, and a
// gap that survives HaltOnWSGaps-bounded attempts escalates to a halt
// rather than quoting on a mirror that might be wrong.
func (o *Orchestrator) reconcileOrders() {
	apiOrders, err := o.venueClient.GetOpenOrders()
	if err != nil {
		log.Error().Err(err).Msg("reconciliation: failed to fetch open orders")
		return
	}
	o.orderMgr.ReconcileWithAPIOrders(apiOrders)

	byToken := make(map[string]decimal.Decimal)
	for _, ord := range apiOrders {
		if ord.Side == types.Buy {
			byToken[ord.Token] = byToken[ord.Token].Add(ord.RemainingSize)
		}
	}
	adjusted := make(map[string]string, len(o.tokens))
	for _, token := range o.tokens {
		size := byToken[token]
		o.inv.ResetReservations(token, size)
		adjusted[token] = size.String()
	}

	o.ledger.LogReconciliation(len(apiOrders), adjusted, "orchestrator")

	if o.ledger.HasUnresolvedGaps() {
		o.gapReconcileAttempts++
		if o.gapReconcileAttempts >= o.cfg.WSGapReconcileAttempts {
			if o.cfg.HaltOnWSGaps && !o.haltedForGaps {
				o.haltedForGaps = true
				o.riskMgr.TriggerHalt("WS_GAP_UNRESOLVED: reconciliation could not clear sequence gaps after " +
					strconv.Itoa(o.gapReconcileAttempts) + " attempts")
			}
			return
		}
		log.Warn().Int("attempt", o.gapReconcileAttempts).Msg("ledger gaps persisted through reconciliation")
		return
	}

	o.ledger.ClearGaps()
	o.gapReconcileAttempts = 0
	if o.haltedForGaps {
		o.haltedForGaps = false
		o.riskMgr.StartRecovery("WS gaps cleared by reconciliation")
	}
}

// syncPositionsFromAPI treats the venue's positions snapshot as ground
// truth (bot.py's _sync_positions_from_api), overwriting the local tracker
// whenever the two disagree by more than a dust threshold and persisting
// the corrected snapshot.
func (o *Orchestrator) syncPositionsFromAPI() {
	apiPositions, err := o.venueClient.GetPositions()
	if err != nil {
		log.Error().Err(err).Msg("position sync: failed to fetch positions")
		return
	}

	const dustThreshold = 0.01
	threshold := decimal.NewFromFloat(dustThreshold)

	byToken := make(map[string]decimal.Decimal, len(apiPositions))
	for _, ap := range apiPositions {
		byToken[ap.Token] = ap.Size
		local := o.inv.Position(ap.Token)
		if local.Size.Sub(ap.Size).Abs().GreaterThan(threshold) {
			log.Warn().
				Str("token", ap.Token).
				Str("local", local.Size.String()).
				Str("api", ap.Size.String()).
				Msg("💾 position drift detected, resyncing from venue snapshot")
			o.inv.SetPosition(ap.Token, ap.Size, ap.AvgPrice)
		}
		o.inv.ClearPendingBuys(ap.Token)
		o.store.SavePosition(o.inv.Position(ap.Token), o.meta[ap.Token].MarketName)
	}

	for _, token := range o.tokens {
		if _, ok := byToken[token]; !ok {
			local := o.inv.Position(token)
			if !local.Size.IsZero() {
				o.inv.SetPosition(token, decimal.Zero, decimal.Zero)
				o.store.ClearPosition(token)
			}
		}
	}
}
