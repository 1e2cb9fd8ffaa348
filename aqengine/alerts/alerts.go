// Package alerts is the Telegram alerting external interface (§6, Part D
// item 2): engine-wide lifecycle alerts, circuit-breaker/redemption/halt
// alerts, and a throttled, batched fill-alert stream. Grounded on
// bot/telegram.go for the transport (tgbotapi, Markdown messages, emoji
// prefixes) and alerts.py for the fill throttling/batching shape and the
// "wait for critical sends, fire-and-forget for routine ones" split.
package alerts

import (
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/types"
)

const (
	fillAlertThrottleWindow = 10 * time.Second
	fillBatchSize           = 5
)

// Notifier sends Telegram alerts for the Active Quoting Engine. A nil *api
// (no TELEGRAM_BOT_TOKEN configured) degrades every method to a logged
// no-op, matching the engine's "alerts never block trading" contract.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64

	throttler *fillAlertThrottler
}

// New constructs a Notifier. An empty token disables Telegram delivery
// entirely; callers still get the Notifier's logging side effects.
func New(token string, chatID int64) (*Notifier, error) {
	n := &Notifier{chatID: chatID, throttler: newFillAlertThrottler()}
	if token == "" {
		log.Warn().Msg("🔕 no Telegram token configured, alerts disabled")
		return n, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	n.api = api
	log.Info().Str("username", api.Self.UserName).Msg("🤖 alert notifier initialized")
	return n, nil
}

func (n *Notifier) send(text string, wait bool) {
	if n.api == nil {
		log.Debug().Str("text", text).Msg("🔕 alert suppressed (no telegram)")
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	do := func() {
		if _, err := n.api.Send(msg); err != nil {
			log.Error().Err(err).Msg("failed to send telegram alert")
		}
	}
	if wait {
		do()
		return
	}
	go do()
}

// Startup announces the engine has begun quoting. Waited: operators should
// see this land before moving on.
func (n *Notifier) Startup(marketCount int, dryRun bool, configSummary string) {
	mode := "LIVE"
	if dryRun {
		mode = "DRY RUN"
	}
	msg := fmt.Sprintf(`🟢 *ACTIVE QUOTING STARTED*

📊 Markets: *%d*
⚙️ Mode: *%s*
%s`, marketCount, mode, configSummary)
	n.send(msg, true)
}

// Shutdown announces the engine is stopping, flushing any pending fill
// batches first so nothing is silently dropped on exit.
func (n *Notifier) Shutdown(reason, statsSummary string) {
	n.FlushFillBatches()
	msg := fmt.Sprintf(`🔴 *ACTIVE QUOTING STOPPED*

📝 Reason: %s
%s`, reason, statsSummary)
	n.send(msg, true)
}

// Fill routes a single fill through the throttler, sending a batch alert
// once the throttle window or batch size is reached. force bypasses
// throttling (used for the first fill on a market or other notable events).
func (n *Notifier) Fill(marketName string, side types.Side, price, size, markoutBps decimal.Decimal, force bool) {
	batch, ready := n.throttler.record(marketName, side, price, size, markoutBps, force)
	if !ready {
		return
	}
	n.sendFillBatch(marketName, batch)
}

// FlushFillBatches sends every market's pending fill batch immediately,
// regardless of throttle window state.
func (n *Notifier) FlushFillBatches() {
	for market, batch := range n.throttler.flushAll() {
		n.sendFillBatch(market, batch)
	}
}

func (n *Notifier) sendFillBatch(marketName string, batch fillBatch) {
	if len(batch.fills) == 0 {
		return
	}
	if len(batch.fills) == 1 {
		f := batch.fills[0]
		emoji := "🟢"
		if f.side == types.Sell {
			emoji = "🔴"
		}
		msg := fmt.Sprintf(`%s *FILL* — %s
📊 %s %s @ %s¢ × %s
📉 Markout (5s): %s bps`,
			emoji, marketName, marketName, f.side,
			f.price.Mul(decimal.NewFromInt(100)).StringFixed(2), f.size.StringFixed(2),
			f.markoutBps.StringFixed(1))
		n.send(msg, false)
		return
	}

	buys, sells := 0, 0
	avgMarkout := decimal.Zero
	for _, f := range batch.fills {
		if f.side == types.Buy {
			buys++
		} else {
			sells++
		}
		avgMarkout = avgMarkout.Add(f.markoutBps)
	}
	avgMarkout = avgMarkout.Div(decimal.NewFromInt(int64(len(batch.fills))))

	msg := fmt.Sprintf(`📦 *FILL BATCH* — %s
🟢 Buys: *%d*  🔴 Sells: *%d*
📉 Avg markout (5s): *%s bps*`, marketName, buys, sells, avgMarkout.StringFixed(1))
	n.send(msg, false)
}

// CircuitBreaker alerts a breaker state transition. HALTED is waited since
// it is the one state that stops all order placement.
func (n *Notifier) CircuitBreaker(oldState, newState types.CircuitState, reason, details string) {
	emoji := map[types.CircuitState]string{
		types.Normal:     "✅",
		types.Warning:    "⚠️",
		types.Halted:     "🛑",
		types.Recovering: "🔄",
	}[newState]
	msg := fmt.Sprintf(`%s *CIRCUIT BREAKER: %s → %s*

📝 %s
%s`, emoji, oldState, newState, reason, details)
	n.send(msg, newState == types.Halted)
}

// MarketHalt alerts a single market being individually halted.
func (n *Notifier) MarketHalt(marketName, reason string) {
	msg := fmt.Sprintf("🛑 *MARKET HALTED* — %s\n📝 %s", marketName, reason)
	n.send(msg, false)
}

// Redemption alerts a wind-down redemption attempt's outcome.
func (n *Notifier) Redemption(marketName string, positionSize decimal.Decimal, txHash string, success bool, errMsg string) {
	if success {
		msg := fmt.Sprintf("💰 *REDEEMED* — %s\n📦 Size: %s\n🔗 %s", marketName, positionSize.StringFixed(2), txHash)
		n.send(msg, false)
		return
	}
	msg := fmt.Sprintf("⚠️ *REDEMPTION FAILED* — %s\n📝 %s", marketName, errMsg)
	n.send(msg, false)
}

// DailySummary reports engine-wide stats once per configured interval.
func (n *Notifier) DailySummary(fills int, volume, notional, netFees, realizedPnL decimal.Decimal) {
	emoji := "📈"
	if realizedPnL.IsNegative() {
		emoji = "📉"
	}
	msg := fmt.Sprintf(`%s *DAILY SUMMARY*

📊 Fills: *%d*
📦 Volume: *%s shares*
💵 Notional: *$%s*
🏦 Net fees: *$%s*
💰 Realized P&L: *$%s*`,
		emoji, fills, volume.StringFixed(2), notional.StringFixed(2), netFees.StringFixed(2), realizedPnL.StringFixed(2))
	n.send(msg, false)
}

// Error reports an engine error that does not itself halt trading.
func (n *Notifier) Error(errorType, message, marketName string) {
	msg := fmt.Sprintf("❌ *%s*\n📝 %s", errorType, message)
	if marketName != "" {
		msg += "\n📊 " + marketName
	}
	n.send(msg, false)
}

// --- fill alert throttling (alerts.py's FillAlertThrottler) ---

type fillObservation struct {
	side       types.Side
	price      decimal.Decimal
	size       decimal.Decimal
	markoutBps decimal.Decimal
}

type fillBatch struct {
	fills     []fillObservation
	lastSentAt time.Time
}

type fillAlertThrottler struct {
	mu      sync.Mutex
	batches map[string]*fillBatch
}

func newFillAlertThrottler() *fillAlertThrottler {
	return &fillAlertThrottler{batches: make(map[string]*fillBatch)}
}

// record appends a fill to marketName's pending batch and reports whether
// the batch is ready to send: either the throttle window has elapsed since
// the last send, the batch has grown to fillBatchSize, or force is set.
func (t *fillAlertThrottler) record(marketName string, side types.Side, price, size, markoutBps decimal.Decimal, force bool) (fillBatch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.batches[marketName]
	if !ok {
		b = &fillBatch{}
		t.batches[marketName] = b
	}
	b.fills = append(b.fills, fillObservation{side: side, price: price, size: size, markoutBps: markoutBps})

	ready := force || len(b.fills) >= fillBatchSize || time.Since(b.lastSentAt) >= fillAlertThrottleWindow
	if !ready {
		return fillBatch{}, false
	}
	out := *b
	b.fills = nil
	b.lastSentAt = time.Now()
	return out, true
}

// flushAll returns and clears every market's pending batch, regardless of
// throttle state.
func (t *fillAlertThrottler) flushAll() map[string]fillBatch {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]fillBatch, len(t.batches))
	for market, b := range t.batches {
		if len(b.fills) == 0 {
			continue
		}
		out[market] = *b
		b.fills = nil
		b.lastSentAt = time.Now()
	}
	return out
}
