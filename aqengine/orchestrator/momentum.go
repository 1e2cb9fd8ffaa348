package orchestrator

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// momentumWindow and momentumThreshold bound the velocity check: a mid-price
// move of this fraction within this window counts as momentum (bot.py wires
// a dedicated MomentumDetector whose source was not retained in the pack;
// this is a from-scratch port of the same on_orderbook_update/on_trade shape
// described in bot.py's call sites, not a line-for-line translation).
const (
	momentumWindow    = 3 * time.Second
	momentumThreshold = 0.03 // 3 cents on a [0,1] price
)

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// momentumDetector flags a token as "moving too fast to quote safely" when
// its mid price has shifted by more than momentumThreshold within
// momentumWindow, mirroring the quote engine's CancelAll + cooldown rule.
type momentumDetector struct {
	mu      sync.Mutex
	history map[string][]pricePoint
}

func newMomentumDetector() *momentumDetector {
	return &momentumDetector{history: make(map[string][]pricePoint)}
}

// Observe records a fresh mid price and reports whether the token is
// currently exhibiting momentum.
func (d *momentumDetector) Observe(token string, mid decimal.Decimal, now time.Time) bool {
	if mid.IsZero() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	hist := append(d.history[token], pricePoint{price: mid, at: now})
	cutoff := now.Add(-momentumWindow)
	kept := hist[:0]
	for _, p := range hist {
		if p.at.After(cutoff) {
			kept = append(kept, p)
		}
	}
	d.history[token] = kept

	if len(kept) < 2 {
		return false
	}
	oldest := kept[0].price
	move := mid.Sub(oldest).Abs()
	return move.GreaterThan(decimal.NewFromFloat(momentumThreshold))
}
