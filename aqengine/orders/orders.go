// Package orders is the sole writer to the venue's order endpoints (§4.6).
// It enforces the post-only discipline for maker quotes, keeps a local
// mirror of resting orders synchronized by the user channel, and supports
// periodic reconciliation against the venue's own open-orders list.
package orders

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/types"
	"github.com/web3guy0/aqengine/aqengine/venue"
)

// Manager owns the local order mirror and is the only component that calls
// into venue.Client.
type Manager struct {
	client *venue.Client

	mu     sync.Mutex
	mirror map[string]*types.Order // keyed by orderID
}

// New constructs a Manager around an authenticated venue client.
func New(client *venue.Client) *Manager {
	return &Manager{
		client: client,
		mirror: make(map[string]*types.Order),
	}
}

// PlaceOrder submits a post-only maker order and adds it to the local
// mirror as LIVE. negRisk selects the neg-risk exchange contract.
func (m *Manager) PlaceOrder(token string, side types.Side, price, size decimal.Decimal, negRisk bool) (*types.Order, error) {
	orderID, err := m.client.PlaceOrder(venue.PlaceOrderRequest{
		Token:    token,
		Side:     side,
		Price:    price,
		Size:     size,
		PostOnly: true,
		NegRisk:  negRisk,
	})
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	o := &types.Order{
		OrderID:       orderID,
		Token:         token,
		Side:          side,
		Price:         price,
		OriginalSize:  size,
		RemainingSize: size,
		Status:        types.OrderLive,
		PostOnly:      true,
	}
	m.mu.Lock()
	m.mirror[orderID] = o
	m.mu.Unlock()
	return o, nil
}

// PlaceTakerExit submits the one order type in the system that is not
// post-only: the wind-down taker exit of §4.8.
func (m *Manager) PlaceTakerExit(token string, side types.Side, price, size decimal.Decimal, negRisk bool) (*types.Order, error) {
	orderID, err := m.client.PlaceOrder(venue.PlaceOrderRequest{
		Token:    token,
		Side:     side,
		Price:    price,
		Size:     size,
		PostOnly: false,
		NegRisk:  negRisk,
	})
	if err != nil {
		return nil, fmt.Errorf("place taker exit: %w", err)
	}
	o := &types.Order{
		OrderID:       orderID,
		Token:         token,
		Side:          side,
		Price:         price,
		OriginalSize:  size,
		RemainingSize: size,
		Status:        types.OrderLive,
		PostOnly:      false,
	}
	m.mu.Lock()
	m.mirror[orderID] = o
	m.mu.Unlock()
	return o, nil
}

// PlaceOrdersBatch submits several orders at once (a two-sided quote is
// typically one BUY and one SELL).
func (m *Manager) PlaceOrdersBatch(orders []venue.PlaceOrderRequest) ([]*types.Order, []error) {
	ids, errs := m.client.PlaceOrdersBatch(orders)
	out := make([]*types.Order, len(orders))
	for i, req := range orders {
		if errs[i] != nil {
			continue
		}
		o := &types.Order{
			OrderID:       ids[i],
			Token:         req.Token,
			Side:          req.Side,
			Price:         req.Price,
			OriginalSize:  req.Size,
			RemainingSize: req.Size,
			Status:        types.OrderLive,
			PostOnly:      req.PostOnly,
		}
		m.mu.Lock()
		m.mirror[o.OrderID] = o
		m.mu.Unlock()
		out[i] = o
	}
	return out, errs
}

// CancelAllForToken cancels every resting order on one token at the venue
// and marks the local mirror copies CANCELLED.
func (m *Manager) CancelAllForToken(token string) error {
	if err := m.client.CancelAllForToken(token); err != nil {
		return fmt.Errorf("cancel all for token: %w", err)
	}
	m.mu.Lock()
	for _, o := range m.mirror {
		if o.Token == token && o.Status.IsOpen() {
			o.Status = types.OrderCancelled
		}
	}
	m.mu.Unlock()
	return nil
}

// CancelAll cancels every resting order across all tokens.
func (m *Manager) CancelAll() error {
	if err := m.client.CancelAll(); err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	m.mu.Lock()
	for _, o := range m.mirror {
		if o.Status.IsOpen() {
			o.Status = types.OrderCancelled
		}
	}
	m.mu.Unlock()
	return nil
}

// UpdateOrderState is the user-channel sync point (§4.6): the User-Channel
// Feed is authoritative, and every order_update message routes through this
// method to keep the mirror consistent.
func (m *Manager) UpdateOrderState(orderID string, status types.OrderStatus, remainingSize decimal.Decimal, wsSequence int64) (*types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.mirror[orderID]
	if !ok {
		return nil, false
	}
	if wsSequence != 0 && wsSequence <= o.WSSequence {
		return o, true // stale/duplicate update, ignore
	}
	o.Status = status
	o.RemainingSize = remainingSize
	o.WSSequence = wsSequence
	return o, true
}

// GetOrder returns the mirror's current view of an order.
func (m *Manager) GetOrder(orderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.mirror[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// OpenOrdersForToken returns every still-open order on one token.
func (m *Manager) OpenOrdersForToken(token string) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Order
	for _, o := range m.mirror {
		if o.Token == token && o.Status.IsOpen() {
			out = append(out, *o)
		}
	}
	return out
}

// ReconcileWithAPIOrders replaces the local mirror with the venue's own
// truth, called periodically by the orchestrator and once at startup
// (§4.3, §4.6). Orders the venue no longer reports are marked CANCELLED
// locally rather than dropped, preserving history for the ledger.
func (m *Manager) ReconcileWithAPIOrders(apiOrders []venue.OpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(apiOrders))
	for _, api := range apiOrders {
		seen[api.OrderID] = true
		o, ok := m.mirror[api.OrderID]
		if !ok {
			o = &types.Order{OrderID: api.OrderID, Token: api.Token, Side: api.Side, PostOnly: true}
			m.mirror[api.OrderID] = o
		}
		o.Price = api.Price
		o.OriginalSize = api.OriginalSize
		o.RemainingSize = api.RemainingSize
		o.Status = api.Status
	}
	for id, o := range m.mirror {
		if !seen[id] && o.Status.IsOpen() {
			o.Status = types.OrderCancelled
		}
	}

	log.Info().Int("venue_count", len(apiOrders)).Int("mirror_count", len(m.mirror)).Msg("🔁 reconciled order mirror with venue")
}

// NewClientOrderID generates a client-side correlation ID for tracking an
// order through placement before the venue assigns its own order ID.
func NewClientOrderID() string {
	return uuid.NewString()
}
