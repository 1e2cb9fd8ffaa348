package orchestrator

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/types"
	"github.com/web3guy0/aqengine/aqengine/userfeed"
)

// userChannelLoop drains the authenticated fills/orders stream for the
// lifetime of the engine, folding every fill into inventory, the ledger and
// the analytics engine, and every order-lifecycle update into the order
// mirror (§4.2, §4.6).
func (o *Orchestrator) userChannelLoop() error {
	events := o.userChannel.Subscribe()
	for {
		select {
		case <-o.t.Dying():
			return nil
		case ev := <-events:
			o.handleUserChannelEvent(ev)
		}
	}
}

func (o *Orchestrator) handleUserChannelEvent(ev userfeed.Event) {
	switch e := ev.(type) {
	case userfeed.FillEvent:
		o.onFill(e.Fill)
	case userfeed.OrderUpdateEvent:
		o.onOrderUpdate(e)
	}
}

func (o *Orchestrator) onFill(f types.Fill) {
	position := o.inv.ApplyFill(f)
	o.ledger.LogFill(f)

	mid, _ := o.getMidPrice(f.Token)
	o.analyticsEngine.RecordFill(f, mid)
	o.store.SaveFill(f, o.meta[f.Token].MarketName, mid)

	o.riskMgr.UpdateMarketPnL(f.Token, position.RealizedPnL, decimal.Zero)
	o.notifier.Fill(o.meta[f.Token].MarketName, f.Side, f.Price, f.Size, decimal.Zero, false)
}

func (o *Orchestrator) onOrderUpdate(e userfeed.OrderUpdateEvent) {
	order, ok := o.orderMgr.UpdateOrderState(e.OrderID, e.Status, e.RemainingSize, e.WSSequence)
	if !ok {
		return
	}
	o.ledger.LogOrderUpdate(*order)

	// Terminal without a fill (§4.2): release whatever BUY reservation is
	// still outstanding for this order so pending_buys(T) doesn't leak.
	if order.Status.IsTerminal() && order.Side == types.Buy && order.RemainingSize.IsPositive() {
		o.inv.ReleaseBuy(order.Token, order.RemainingSize)
	}
}
