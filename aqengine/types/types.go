// Package types holds the value types shared by every quoting-engine
// component. Centralizing them here avoids the import cycles a strategy ->
// risk -> inventory dependency graph would otherwise create.
package types

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Side is which direction an order or fill acted on a token.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderStatus mirrors the venue's order lifecycle states.
type OrderStatus string

const (
	OrderLive      OrderStatus = "LIVE"
	OrderMatched   OrderStatus = "MATCHED"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderMined     OrderStatus = "MINED"
)

// IsTerminal reports whether status ends the order without a fill.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderCancelled, OrderExpired, OrderRejected:
		return true
	default:
		return false
	}
}

// IsFilledTerminal reports whether status is a terminal, fully-matched state.
func (s OrderStatus) IsFilledTerminal() bool {
	return s == OrderConfirmed || s == OrderMined
}

// IsOpen reports whether an order in this status still rests on the book.
func (s OrderStatus) IsOpen() bool {
	return !s.IsTerminal() && !s.IsFilledTerminal()
}

// Order is a single resting or historical order against the venue.
type Order struct {
	OrderID       string
	Token         string
	Side          Side
	Price         decimal.Decimal
	OriginalSize  decimal.Decimal
	RemainingSize decimal.Decimal
	Status        OrderStatus
	PostOnly      bool
	WSSequence    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Fill is one matched trade against an order. Fee is signed: negative is a
// rebate earned, positive is a fee paid.
type Fill struct {
	TradeID    string
	OrderID    string
	Token      string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Fee        decimal.Decimal
	Timestamp  time.Time
	WSSequence int64
}

// Position is per-token inventory state. Size is always >= 0; direction is
// implicit (the engine only ever holds the long side of a token).
type Position struct {
	Token         string
	Size          decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	TotalFeesPaid decimal.Decimal
}

// ApplyFill updates a position per §3/§8: BUYs recompute the volume-weighted
// average entry; SELLs reduce size and accrue realized P&L, leaving
// avg_entry unchanged.
func (p *Position) ApplyFill(f Fill) {
	p.TotalFeesPaid = p.TotalFeesPaid.Add(f.Fee)

	switch f.Side {
	case Buy:
		newSize := p.Size.Add(f.Size)
		if newSize.IsZero() {
			p.AvgEntryPrice = decimal.Zero
			p.Size = decimal.Zero
			return
		}
		numerator := p.Size.Mul(p.AvgEntryPrice).Add(f.Size.Mul(f.Price))
		p.AvgEntryPrice = numerator.Div(newSize)
		p.Size = newSize
	case Sell:
		p.RealizedPnL = p.RealizedPnL.Add(f.Price.Sub(p.AvgEntryPrice).Mul(f.Size))
		p.Size = p.Size.Sub(f.Size)
		if p.Size.IsNegative() {
			p.Size = decimal.Zero
		}
	}
}

// IsFlat reports whether the position holds no shares.
func (p *Position) IsFlat() bool {
	return p.Size.IsZero()
}

// Quote is a one- or two-sided price/size intent for a token.
type Quote struct {
	Token     string
	BidPrice  decimal.Decimal
	BidSize   decimal.Decimal
	AskPrice  decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

// HasBid reports whether the quote carries a bid side.
func (q Quote) HasBid() bool { return q.BidSize.IsPositive() }

// HasAsk reports whether the quote carries an ask side.
func (q Quote) HasAsk() bool { return q.AskSize.IsPositive() }

// CircuitState is the graduated risk state machine of §4.7.
type CircuitState string

const (
	Normal     CircuitState = "NORMAL"
	Warning    CircuitState = "WARNING"
	Halted     CircuitState = "HALTED"
	Recovering CircuitState = "RECOVERING"
)

// PositionLimitMultiplier returns the size scaling factor the Quote Engine
// applies for the given breaker state.
func PositionLimitMultiplier(s CircuitState) decimal.Decimal {
	switch s {
	case Normal:
		return decimal.NewFromInt(1)
	case Warning:
		return decimal.NewFromFloat(0.5)
	case Recovering:
		return decimal.NewFromFloat(0.25)
	case Halted:
		return decimal.Zero
	default:
		return decimal.Zero
	}
}

// EventType enumerates the kinds of entries the event ledger records.
type EventType string

const (
	EventOrderUpdate   EventType = "ORDER_UPDATE"
	EventFill          EventType = "FILL"
	EventReconciliation EventType = "RECONCILIATION"
	EventGapDetected   EventType = "GAP_DETECTED"
)

// WindDownPhase is the per-market pre-resolution phase of §4.8.
type WindDownPhase string

const (
	PhaseNormal     WindDownPhase = "NORMAL"
	PhaseWindDown   WindDownPhase = "WIND_DOWN"
	PhaseTakerExit  WindDownPhase = "TAKER_EXIT"
	PhaseMarketEnded WindDownPhase = "MARKET_ENDED"
)

// RedemptionState is the on-chain redemption state machine of §4.8.
type RedemptionState string

const (
	RedemptionPending   RedemptionState = "PENDING"
	RedemptionChecking  RedemptionState = "CHECKING"
	RedemptionRedeeming RedemptionState = "REDEEMING"
	RedemptionCompleted RedemptionState = "COMPLETED"
	RedemptionFailed    RedemptionState = "FAILED"
	RedemptionSkipped   RedemptionState = "SKIPPED"
)

// MomentumState carries the last momentum-detector observation for a token,
// used by the Quote Engine's cancel-and-cooldown rule.
type MomentumState struct {
	Detected  bool
	Reason    string
	Timestamp time.Time
}

// MarketState is the exclusive per-token state the Orchestrator owns.
// Quote Engine, Inventory, Risk and Order Manager read and mutate it through
// well-defined operations; the embedded mutex is the per-token critical
// section §5 requires for serialised inventory/order-mirror updates.
type MarketState struct {
	mu sync.Mutex

	Token          string
	PairedToken    string
	ConditionID    string
	TickSize       decimal.Decimal
	MarketStart    time.Time
	MarketEnd      time.Time
	IsQuoting      bool
	LastQuote      Quote
	Momentum       MomentumState
	WindDownPhase  WindDownPhase
	PendingBuyTot  decimal.Decimal
	LastRefreshAt  time.Time
}

// Lock acquires the per-token critical section.
func (m *MarketState) Lock() { m.mu.Lock() }

// Unlock releases the per-token critical section.
func (m *MarketState) Unlock() { m.mu.Unlock() }

// SecondsToResolution returns T, the seconds remaining until MarketEnd, as of now.
func (m *MarketState) SecondsToResolution(now time.Time) float64 {
	return m.MarketEnd.Sub(now).Seconds()
}
