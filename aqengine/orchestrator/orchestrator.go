// Package orchestrator wires every component into the running engine (C9,
// §4.9): the ~100ms main loop, periodic position sync and reconciliation,
// wind-down/redemption dispatch, and graceful startup/shutdown. Adapted from
// bot.py's ActiveQuotingBot — _main_loop's periodic-task cadence,
// _sync_positions_from_api's "API is source of truth" merge, and
// _reconcile_orders' gap-triggered safety halt — using gopkg.in/tomb.v2 for
// goroutine lifecycle supervision in place of asyncio task cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/tomb.v2"

	"github.com/web3guy0/aqengine/aqengine/alerts"
	"github.com/web3guy0/aqengine/aqengine/analytics"
	"github.com/web3guy0/aqengine/aqengine/book"
	"github.com/web3guy0/aqengine/aqengine/config"
	"github.com/web3guy0/aqengine/aqengine/feed"
	"github.com/web3guy0/aqengine/aqengine/inventory"
	"github.com/web3guy0/aqengine/aqengine/ledger"
	"github.com/web3guy0/aqengine/aqengine/orders"
	"github.com/web3guy0/aqengine/aqengine/persistence"
	"github.com/web3guy0/aqengine/aqengine/quote"
	"github.com/web3guy0/aqengine/aqengine/risk"
	"github.com/web3guy0/aqengine/aqengine/types"
	"github.com/web3guy0/aqengine/aqengine/userfeed"
	"github.com/web3guy0/aqengine/aqengine/venue"
	"github.com/web3guy0/aqengine/aqengine/winddown"
)

const minOrderSize = 5 // venue minimum order size in shares

// MarketMeta is the static per-market metadata the orchestrator needs at
// registration time, beyond the token ID itself.
type MarketMeta struct {
	Token       string
	PairedToken string
	ConditionID string
	MarketName  string
	MarketStart time.Time
	MarketEnd   time.Time
	TickSize    decimal.Decimal
}

// Orchestrator owns every component and drives the quoting loop. New
// constructs every subsystem itself so that component callbacks (feed
// disconnects, risk transitions, redemption outcomes) can be bound to the
// orchestrator's own methods at construction time.
type Orchestrator struct {
	cfg *config.Config

	venueClient     *venue.Client
	marketFeed      *feed.Feed
	userChannel     *userfeed.Feed
	inv             *inventory.Tracker
	ledger          *ledger.Ledger
	riskMgr         *risk.Manager
	quoteEngine     *quote.Engine
	orderMgr        *orders.Manager
	windDown        *winddown.Dispatcher
	analyticsEngine *analytics.Engine
	store           *persistence.Store
	notifier        *alerts.Notifier
	momentum        *momentumDetector

	markets map[string]*types.MarketState
	meta    map[string]MarketMeta
	tokens  []string

	t tomb.Tomb

	running bool
	paused  bool

	lastPositionSync      time.Time
	lastReconcile         time.Time
	lastGapRecovery       time.Time
	haltedForGaps         bool
	gapReconcileAttempts  int
}

// New constructs the orchestrator and every component it owns around an
// already-authenticated venue client, a persistence store and an alert
// notifier (the three things the caller must build first since their
// lifetimes extend beyond any one orchestrator run).
func New(cfg *config.Config, venueClient *venue.Client, store *persistence.Store, notifier *alerts.Notifier) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		venueClient: venueClient,
		store:       store,
		notifier:    notifier,
		momentum:    newMomentumDetector(),
		markets:     make(map[string]*types.MarketState),
		meta:        make(map[string]MarketMeta),
	}

	o.inv = inventory.New()
	o.ledger = ledger.New(store.DB())
	o.orderMgr = orders.New(venueClient)
	o.analyticsEngine = analytics.New(cfg.MarkoutHorizonsSeconds)

	o.riskMgr = risk.New(risk.Config{
		MaxDrawdownPerMarket: cfg.MaxDrawdownPerMarketUSDC,
		MaxDrawdownGlobal:    cfg.MaxDrawdownGlobalUSDC,
		StaleFeedTimeout:     time.Duration(cfg.StaleFeedTimeoutSeconds) * time.Second,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		RecoveryDuration:     time.Duration(cfg.CircuitBreakerRecoverySeconds) * time.Second,
	}, risk.Callbacks{
		OnStateChange: o.onCircuitStateChange,
		OnMarketHalt:  o.onMarketHalt,
		OnKillSwitch:  o.onKillSwitch,
	})

	o.quoteEngine = quote.New(quote.Config{
		MinSize:                cfg.MinQuoteSize,
		BaseOrderSize:          cfg.OrderSizeUSDC,
		MaxPositionPerMarket:   cfg.MaxPositionPerMarket,
		MaxSpreadPct:           cfg.MaxSpreadPct,
		MinRefreshInterval:     time.Duration(cfg.MinRefreshIntervalMS) * time.Millisecond,
		GlobalRefreshCapPerSec: cfg.GlobalRefreshCapPerSec,
		MomentumCooldown:       time.Duration(cfg.MomentumCooldownSeconds) * time.Second,
	})

	o.windDown = winddown.New(winddown.Config{
		InitialDelay:  time.Duration(cfg.RedemptionInitialDelaySeconds) * time.Second,
		RetryInterval: time.Duration(cfg.RedemptionRetryIntervalSeconds) * time.Second,
		MaxAttempts:   cfg.RedemptionMaxAttempts,
	}, winddown.Callbacks{
		OnComplete: o.onRedemptionComplete,
		OnError:    o.onRedemptionError,
	}, venueClient)

	o.marketFeed = feed.New(cfg.VenueWSURL, feed.Callbacks{
		OnDisconnect: o.onMarketDisconnect,
		OnReconnect:  o.onMarketReconnect,
	})

	o.userChannel = userfeed.New(cfg.VenueUserWSURL, userfeed.Credentials{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		Passphrase: cfg.APIPassphrase,
		OwnAddress: venueClient.Address(),
	}, userfeed.Callbacks{
		OnDisconnect:  o.onUserDisconnect,
		OnReconnect:   o.onUserReconnect,
		PairedTokenOf: o.pairedTokenOf,
	})

	return o
}

// Start registers every market, connects the feeds, performs the initial
// reconciliation, and launches the background loops.
func (o *Orchestrator) Start(metas []MarketMeta) {
	o.tokens = make([]string, 0, len(metas))
	for _, m := range metas {
		ms := &types.MarketState{
			Token:       m.Token,
			PairedToken: m.PairedToken,
			ConditionID: m.ConditionID,
			TickSize:    m.TickSize,
			MarketStart: m.MarketStart,
			MarketEnd:   m.MarketEnd,
		}
		o.markets[m.Token] = ms
		o.meta[m.Token] = m
		o.tokens = append(o.tokens, m.Token)
		o.marketFeed.WatchToken(m.Token)
		o.windDown.RegisterMarket(m.Token, m.ConditionID, m.MarketEnd, decimal.Zero)
		o.riskMgr.RegisterMarket(m.Token, m.MarketStart, m.MarketEnd)
	}

	for token, pos := range o.store.LoadPositions() {
		o.inv.SetPosition(token, pos.Size, pos.AvgEntryPrice)
	}

	configSnapshot := fmt.Sprintf("order_size=%s max_position=%s dry_run=%v",
		o.cfg.OrderSizeUSDC.String(), o.cfg.MaxPositionPerMarket.String(), o.cfg.DryRun)
	o.store.StartSession(o.tokens, configSnapshot)

	o.marketFeed.Start()
	o.userChannel.Start()
	o.analyticsEngine.Start(o.getMidPrice)

	o.reconcileOrders()

	o.running = true
	o.t.Go(o.mainLoop)
	o.t.Go(o.dailySummaryLoop)
	o.t.Go(o.userChannelLoop)

	o.notifier.Startup(len(metas), o.cfg.DryRun, configSnapshot)
	log.Info().Int("markets", len(metas)).Msg("🚀 active quoting engine started")
}

// Stop cancels every resting order, flushes state, and tears down every
// component, mirroring bot.py's stop().
func (o *Orchestrator) Stop(reason string) {
	if !o.running {
		return
	}
	o.running = false
	log.Info().Str("reason", reason).Msg("🛑 stopping active quoting engine")

	o.inv.ForceReconcileAll()
	if err := o.orderMgr.CancelAll(); err != nil {
		log.Error().Err(err).Msg("failed to cancel all orders on shutdown")
	}

	o.t.Kill(nil)
	_ = o.t.Wait()

	o.marketFeed.Stop()
	o.userChannel.Stop()
	o.analyticsEngine.Stop()
	o.notifier.FlushFillBatches()

	summary := o.analyticsEngine.GetSummary()
	o.store.EndSession("STOPPED", persistence.SessionStats{
		TotalFills:    summary.Aggregate.FillCount,
		TotalVolume:   summary.Aggregate.VolumeShares,
		TotalNotional: summary.Aggregate.NotionalUSDC,
		NetFees:       summary.Aggregate.FeesPaid.Sub(summary.Aggregate.FeesEarned),
		RealizedPnL:   summary.Aggregate.RealizedPnL,
	})

	statsSummary := fmt.Sprintf("Fills: %d | Net fees: %s | Realized P&L: %s",
		summary.Aggregate.FillCount,
		summary.Aggregate.FeesPaid.Sub(summary.Aggregate.FeesEarned).StringFixed(2),
		summary.Aggregate.RealizedPnL.StringFixed(2))
	o.notifier.Shutdown(reason, statsSummary)

	if err := o.store.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close persistence store")
	}
	log.Info().Msg("👋 active quoting engine stopped")
}

// Pause cancels all resting orders and halts the quoting loop without
// disconnecting the feeds, so the engine can resume quickly (§4.9).
func (o *Orchestrator) Pause(reason string) {
	o.paused = true
	if err := o.orderMgr.CancelAll(); err != nil {
		log.Error().Err(err).Msg("failed to cancel orders on pause")
	}
	log.Warn().Str("reason", reason).Msg("⏸️  quoting paused")
}

// Resume re-enables the quoting loop.
func (o *Orchestrator) Resume() {
	o.paused = false
	log.Info().Msg("▶️  quoting resumed")
}

func (o *Orchestrator) mainLoop() error {
	log.Info().Msg("starting main loop")
	ticker := time.NewTicker(o.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-o.t.Dying():
			return nil
		case <-ticker.C:
			o.tick()
		}
	}
}

func (o *Orchestrator) tick() {
	now := time.Now()

	if now.Sub(o.lastPositionSync) >= time.Duration(o.cfg.PositionSyncIntervalSec)*time.Second {
		o.syncPositionsFromAPI()
		o.lastPositionSync = now
	}

	if now.Sub(o.lastReconcile) >= time.Duration(o.cfg.ReconcileIntervalSec)*time.Second {
		o.reconcileOrders()
		o.lastReconcile = now
	} else if o.ledger.HasUnresolvedGaps() {
		log.Warn().Int("gaps", len(o.ledger.UnresolvedGaps())).Msg("unresolved gaps detected, triggering immediate reconciliation")
		o.reconcileOrders()
		o.lastReconcile = now
	}

	o.riskMgr.CheckStaleFeeds()
	o.checkRedemptions(now)

	if o.riskMgr.State() == types.Halted {
		if o.haltedForGaps && now.Sub(o.lastGapRecovery) >= time.Duration(o.cfg.WSGapRecoveryIntervalSeconds)*time.Second {
			log.Info().Msg("attempting recovery from WS gap halt via reconciliation")
			o.lastGapRecovery = now
			o.reconcileOrders()
		}
		return
	}

	if o.riskMgr.State() == types.Recovering {
		o.riskMgr.CheckRecoveryComplete()
	}

	if o.paused {
		return
	}

	for _, token := range o.tokens {
		o.processMarket(token, now)
	}
}

func (o *Orchestrator) processMarket(token string, now time.Time) {
	ms, ok := o.markets[token]
	if !ok {
		return
	}
	b := o.marketFeed.Book(token)
	if b == nil {
		return
	}

	ms.Lock()
	defer ms.Unlock()

	secondsRemaining := ms.SecondsToResolution(now)
	phaseCfg := o.phaseConfig()
	phase := winddown.PhaseForSecondsRemaining(phaseCfg, secondsRemaining)
	ms.WindDownPhase = phase

	if phase != types.PhaseNormal {
		if phase == types.PhaseMarketEnded {
			return
		}
		if o.processWindDown(token, ms, b, phase, phaseCfg) {
			return
		}
	}

	if !o.riskMgr.CanPlaceOrdersForMarket(token) {
		return
	}
	if !b.IsConsistent() {
		return
	}

	o.riskMgr.UpdateFeedTimestamp(token)
	mid := b.Mid()
	momentumActive := o.momentum.Observe(token, mid, now)

	position := o.inv.Position(token)
	result := o.quoteEngine.Decide(quote.Input{
		Token:             token,
		Book:              b,
		Position:          position,
		EffectiveExposure: o.inv.EffectiveExposure(token),
		RiskMultiplier:    o.riskMgr.PositionLimitMultiplier(),
		LastQuote:         ms.LastQuote,
		HasLastQuote:      ms.IsQuoting,
		MomentumActive:    momentumActive,
		Now:               now,
	})

	switch result.Decision {
	case quote.CancelAll:
		if ms.IsQuoting {
			o.cancelMarketQuotes(token, ms)
		}
	case quote.PlaceQuote:
		o.placeOrUpdateQuote(token, ms, result.Quote)
	}
}

func (o *Orchestrator) placeOrUpdateQuote(token string, ms *types.MarketState, q types.Quote) {
	multiplier := o.riskMgr.PositionLimitMultiplier()
	if multiplier.IsZero() {
		return
	}

	bidSize := q.BidSize
	askSize := q.AskSize
	minSize := decimal.NewFromInt(minOrderSize)
	if bidSize.LessThan(minSize) {
		bidSize = decimal.Zero
	}
	if askSize.LessThan(minSize) {
		askSize = decimal.Zero
	}
	if bidSize.IsZero() && askSize.IsZero() {
		return
	}

	if ms.IsQuoting {
		if err := o.orderMgr.CancelAllForToken(token); err != nil {
			log.Error().Err(err).Str("token", token).Msg("failed to cancel existing quote before replace")
		}
		time.Sleep(o.cfg.PostCancelSettle())
	}

	var placed bool
	if bidSize.IsPositive() {
		if _, err := o.orderMgr.PlaceOrder(token, types.Buy, q.BidPrice, bidSize, false); err != nil {
			o.handlePlaceError(token, err)
		} else {
			o.inv.ReserveBuy(token, bidSize)
			placed = true
		}
	}
	if askSize.IsPositive() {
		if _, err := o.orderMgr.PlaceOrder(token, types.Sell, q.AskPrice, askSize, false); err != nil {
			o.handlePlaceError(token, err)
		} else {
			placed = true
		}
	}

	if placed {
		ms.LastQuote = q
		ms.IsQuoting = true
		ms.LastRefreshAt = time.Now()
		o.riskMgr.ClearErrors(token)
	}
}

// handlePlaceError counts only hard venue errors toward the circuit
// breaker's consecutive-error threshold (§4.6): soft errors (balance,
// crossing, allowance) are routine conditions of quoting at the edge of the
// tradeable band.
func (o *Orchestrator) handlePlaceError(token string, err error) {
	if ve, ok := err.(*venue.VenueError); ok && ve.Class == venue.ErrorSoft {
		log.Debug().Str("token", token).Err(err).Msg("soft venue error placing order")
		return
	}
	log.Warn().Str("token", token).Err(err).Msg("hard venue error placing order")
	o.riskMgr.RecordError(token)
}

func (o *Orchestrator) cancelMarketQuotes(token string, ms *types.MarketState) {
	if err := o.orderMgr.CancelAllForToken(token); err != nil {
		log.Error().Err(err).Str("token", token).Msg("failed to cancel quotes")
		return
	}
	ms.LastQuote = types.Quote{}
	ms.IsQuoting = false
}

func (o *Orchestrator) phaseConfig() winddown.PhaseConfig {
	return winddown.PhaseConfig{
		WindDownStart:           time.Duration(o.cfg.WindDownStartSeconds) * time.Second,
		TakerExitThreshold:      time.Duration(o.cfg.WindDownTakerThresholdSeconds) * time.Second,
		TakerExitPriceThreshold: o.cfg.WindDownTakerPriceThreshold,
	}
}

// processWindDown handles a single market's pre-resolution phase: it cancels
// maker quotes once WIND_DOWN begins and, in TAKER_EXIT, crosses the spread
// to dump a near-worthless position. Returns true if it fully handled the
// tick (the caller should not also run normal quoting).
func (o *Orchestrator) processWindDown(token string, ms *types.MarketState, b *book.OrderBook, phase types.WindDownPhase, cfg winddown.PhaseConfig) bool {
	if phase == types.PhaseWindDown {
		o.handleWindDownExcessSell(token, ms, b)
		return true
	}

	if ms.IsQuoting {
		o.cancelMarketQuotes(token, ms)
	}
	if phase != types.PhaseTakerExit {
		return true
	}

	position := o.inv.Position(token)
	bestExit := b.BestBid().Price
	if !winddown.ShouldTakerExit(cfg, phase, position, bestExit) {
		return true
	}

	if _, err := o.orderMgr.PlaceTakerExit(token, types.Sell, bestExit, position.Size, false); err != nil {
		log.Warn().Err(err).Str("token", token).Msg("taker exit placement failed")
		return true
	}
	o.notifier.MarketHalt(o.meta[token].MarketName, "taker exit executed in wind-down")
	return true
}

// handleWindDownExcessSell implements §4.8's WIND_DOWN rule: once two-sided
// quoting stops, any size held in this token beyond what's held in its paired
// outcome (position_this - position_paired) is a hedge that will either
// settle worthless or can be sold now above cost. It rests a single
// maker-only SELL at best_bid (bumped by one tick only if best_bid would
// otherwise cross the ask) whenever that's above the token's average entry.
func (o *Orchestrator) handleWindDownExcessSell(token string, ms *types.MarketState, b *book.OrderBook) {
	position := o.inv.Position(token)
	paired := o.inv.Position(ms.PairedToken)
	excess := position.Size.Sub(paired.Size)

	bestBid := b.BestBid().Price
	bestAsk := b.BestAsk().Price
	wantSell := excess.IsPositive() && bestBid.IsPositive() && bestBid.GreaterThan(position.AvgEntryPrice)

	if !wantSell {
		if ms.IsQuoting {
			o.cancelMarketQuotes(token, ms)
		}
		return
	}

	price := bestBid
	if bestAsk.IsPositive() && price.GreaterThanOrEqual(bestAsk) {
		price = price.Add(ms.TickSize)
	}

	if ms.IsQuoting && ms.LastQuote.AskPrice.Equal(price) && ms.LastQuote.AskSize.Equal(excess) {
		return // already resting the right excess sell, leave it alone
	}

	if ms.IsQuoting {
		o.cancelMarketQuotes(token, ms)
		time.Sleep(o.cfg.PostCancelSettle())
	}

	if _, err := o.orderMgr.PlaceOrder(token, types.Sell, price, excess, false); err != nil {
		o.handlePlaceError(token, err)
		return
	}

	ms.LastQuote = types.Quote{Token: token, AskPrice: price, AskSize: excess, Timestamp: time.Now()}
	ms.IsQuoting = true
}

func (o *Orchestrator) checkRedemptions(now time.Time) {
	for _, token := range o.windDown.MarketsReadyForCheck(now) {
		o.windDown.UpdatePositionSize(token, o.inv.Position(token).Size)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		o.windDown.AttemptRedemption(ctx, token)
		cancel()
	}
}

// pairedTokenOf resolves token to its paired outcome token from the static
// market registry, for userfeed's maker-fill token inversion (§4.2).
func (o *Orchestrator) pairedTokenOf(token string) string {
	return o.meta[token].PairedToken
}

func (o *Orchestrator) getMidPrice(token string) (decimal.Decimal, bool) {
	b := o.marketFeed.Book(token)
	if b == nil {
		return decimal.Zero, false
	}
	mid := b.Mid()
	return mid, mid.IsPositive()
}

func (o *Orchestrator) dailySummaryLoop() error {
	interval := time.Duration(o.cfg.DailySummaryIntervalHr) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.t.Dying():
			return nil
		case <-ticker.C:
			o.sendDailySummary()
		}
	}
}

func (o *Orchestrator) sendDailySummary() {
	summary := o.analyticsEngine.GetSummary()
	o.notifier.DailySummary(
		summary.Aggregate.FillCount,
		summary.Aggregate.VolumeShares,
		summary.Aggregate.NotionalUSDC,
		summary.Aggregate.FeesPaid.Sub(summary.Aggregate.FeesEarned),
		summary.Aggregate.RealizedPnL,
	)
}
