package orders

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/aqengine/aqengine/types"
	"github.com/web3guy0/aqengine/aqengine/venue"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestManager() *Manager {
	return &Manager{mirror: make(map[string]*types.Order)}
}

func TestUpdateOrderStateAppliesNewerSequence(t *testing.T) {
	m := newTestManager()
	m.mirror["o1"] = &types.Order{OrderID: "o1", Token: "UP", Status: types.OrderLive, RemainingSize: d("10")}

	o, ok := m.UpdateOrderState("o1", types.OrderConfirmed, d("4"), 5)
	assert.True(t, ok)
	assert.Equal(t, types.OrderConfirmed, o.Status)
	assert.True(t, o.RemainingSize.Equal(d("4")))
}

func TestUpdateOrderStateIgnoresStaleOrDuplicateSequence(t *testing.T) {
	m := newTestManager()
	m.mirror["o1"] = &types.Order{OrderID: "o1", Status: types.OrderLive, RemainingSize: d("10"), WSSequence: 5}

	o, ok := m.UpdateOrderState("o1", types.OrderCancelled, d("0"), 3)
	assert.True(t, ok)
	assert.Equal(t, types.OrderLive, o.Status, "a stale sequence number must not overwrite state")
	assert.True(t, o.RemainingSize.Equal(d("10")))
}

func TestUpdateOrderStateUnknownOrderReturnsFalse(t *testing.T) {
	m := newTestManager()
	_, ok := m.UpdateOrderState("ghost", types.OrderCancelled, d("0"), 1)
	assert.False(t, ok)
}

func TestOpenOrdersForTokenFiltersByTokenAndOpenStatus(t *testing.T) {
	m := newTestManager()
	m.mirror["o1"] = &types.Order{OrderID: "o1", Token: "UP", Status: types.OrderLive}
	m.mirror["o2"] = &types.Order{OrderID: "o2", Token: "UP", Status: types.OrderCancelled}
	m.mirror["o3"] = &types.Order{OrderID: "o3", Token: "DOWN", Status: types.OrderLive}

	open := m.OpenOrdersForToken("UP")
	assert.Len(t, open, 1)
	assert.Equal(t, "o1", open[0].OrderID)
}

func TestReconcileWithAPIOrdersUpdatesKnownAndAddsUnknown(t *testing.T) {
	m := newTestManager()
	m.mirror["o1"] = &types.Order{OrderID: "o1", Token: "UP", Status: types.OrderLive, RemainingSize: d("10")}

	m.ReconcileWithAPIOrders([]venue.OpenOrder{
		{OrderID: "o1", Token: "UP", Side: types.Buy, Price: d("0.49"), OriginalSize: d("10"), RemainingSize: d("6"), Status: types.OrderLive},
		{OrderID: "o2", Token: "UP", Side: types.Sell, Price: d("0.51"), OriginalSize: d("5"), RemainingSize: d("5"), Status: types.OrderLive},
	})

	o1, _ := m.GetOrder("o1")
	assert.True(t, o1.RemainingSize.Equal(d("6")))
	o2, ok := m.GetOrder("o2")
	assert.True(t, ok)
	assert.Equal(t, types.OrderLive, o2.Status)
}

func TestReconcileWithAPIOrdersCancelsOrdersVenueNoLongerReports(t *testing.T) {
	m := newTestManager()
	m.mirror["stale"] = &types.Order{OrderID: "stale", Token: "UP", Status: types.OrderLive}

	m.ReconcileWithAPIOrders(nil)

	o, _ := m.GetOrder("stale")
	assert.Equal(t, types.OrderCancelled, o.Status, "venue no longer reporting it means it's gone")
}

func TestNewClientOrderIDIsUnique(t *testing.T) {
	a := NewClientOrderID()
	b := NewClientOrderID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
