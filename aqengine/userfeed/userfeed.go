// Package userfeed implements the User-Channel Feed (C2, §4.2): the
// authenticated WebSocket stream of fills and order-lifecycle updates that
// the Order Manager and Inventory Manager treat as ground truth. It shares
// feed's reconnect-with-backoff shape (feeds/polymarket_ws.go) but carries
// its own message grammar: maker/taker perspective derivation, and a
// disconnect is escalated as critical rather than merely logged, since a
// dark fills channel means the engine can no longer trust its own
// inventory (§4.2, §4.7).
package userfeed

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/types"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// Event is the sum type for everything the user channel can deliver,
// implemented by FillEvent and OrderUpdateEvent (§9 design note: a type
// switch over an interface stands in for the source's tagged union).
type Event interface {
	isUserChannelEvent()
}

// FillEvent carries one matched trade, already reoriented to this engine's
// perspective: if the venue reported the fill from the taker's side of a
// paired-token cross, Side and Token are inverted so the caller always sees
// its own maker fill.
type FillEvent struct {
	Fill       types.Fill
	WSSequence int64
}

func (FillEvent) isUserChannelEvent() {}

// OrderUpdateEvent carries one order-lifecycle transition.
type OrderUpdateEvent struct {
	OrderID       string
	Status        types.OrderStatus
	RemainingSize decimal.Decimal
	WSSequence    int64
}

func (OrderUpdateEvent) isUserChannelEvent() {}

// Callbacks lets the Orchestrator react to channel lifecycle events.
type Callbacks struct {
	OnDisconnect func(reason string)
	OnReconnect  func()

	// PairedTokenOf resolves a token to its paired outcome token, needed to
	// invert Token when this account crossed as the taker on the other side
	// of a binary market (§4.2).
	PairedTokenOf func(token string) string
}

// Feed is the authenticated user-channel WebSocket client.
type Feed struct {
	mu sync.RWMutex

	wsURL      string
	apiKey     string
	apiSecret  string
	passphrase string
	ownAddress string

	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	subscribers []chan Event
	cb          Callbacks
}

// Credentials bundles the API-key material the authenticated handshake needs.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string

	// OwnAddress is this account's on-chain wallet address, used to tell
	// maker fills apart from taker fills in the raw trade event (§4.2).
	OwnAddress string
}

// New constructs a Feed against wsURL with creds for the auth handshake.
func New(wsURL string, creds Credentials, cb Callbacks) *Feed {
	return &Feed{
		wsURL:      wsURL,
		apiKey:     creds.APIKey,
		apiSecret:  creds.APISecret,
		passphrase: creds.Passphrase,
		ownAddress: creds.OwnAddress,
		stopCh:     make(chan struct{}),
		cb:         cb,
	}
}

// Start connects and begins processing in the background.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📡 user-channel feed started")
}

// Stop closes the connection.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("📡 user-channel feed stopped")
}

// Subscribe returns a channel that receives every fill/order-update event.
func (f *Feed) Subscribe() chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Event, 1000)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

func (f *Feed) connectionLoop() {
	first := true
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("📡 user-channel connection failed, retrying")
			f.fireDisconnect("connect failed: " + err.Error())
			time.Sleep(reconnectDelay)
			continue
		}

		if !first && f.cb.OnReconnect != nil {
			f.cb.OnReconnect()
		}
		first = false

		f.readLoop()
		f.fireDisconnect("user channel connection dropped")
		time.Sleep(reconnectDelay)
	}
}

func (f *Feed) fireDisconnect(reason string) {
	if f.cb.OnDisconnect != nil {
		f.cb.OnDisconnect(reason)
	}
}

func (f *Feed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	auth := map[string]any{
		"type":       "auth",
		"apiKey":     f.apiKey,
		"secret":     f.apiSecret,
		"passphrase": f.passphrase,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return err
	}

	log.Info().Msg("🔌 user-channel WebSocket connected")
	go f.pingLoop()
	return nil
}

func (f *Feed) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn, connected := f.conn, f.connected
			f.mu.RUnlock()
			if connected && conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

func (f *Feed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("📡 user-channel read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}
		f.processMessage(message)
	}
}

// makerOrder is one entry of a trade event's maker_orders array (§6): the
// venue reports a trade as a single taker order matched against a set of
// resting maker orders, each possibly belonging to a different account.
type makerOrder struct {
	MakerAddress  string `json:"maker_address"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
	Outcome       string `json:"outcome"`
}

// wsMessage covers both the trade and order-lifecycle shapes the user
// channel emits.
type wsMessage struct {
	EventType     string       `json:"event_type"`
	OrderID       string       `json:"order_id"`
	Asset         string       `json:"asset_id"`
	Side          string       `json:"side"`
	Price         string       `json:"price"`
	Size          string       `json:"size"`
	Fee           string       `json:"fee"`
	Status        string       `json:"status"`
	RemainingSize string       `json:"size_remaining"`
	TradeID       string       `json:"trade_id"`
	Outcome       string       `json:"outcome"`
	MakerOrders   []makerOrder `json:"maker_orders"`
	WSSequence    int64        `json:"sequence"`
}

func (f *Feed) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case "trade":
			f.handleTrade(msg)
		case "order":
			f.handleOrderUpdate(msg)
		}
	}
}

// handleTrade builds a FillEvent from this account's own perspective (§4.2).
// The venue reports every trade as a taker order matched against a set of
// maker_orders entries, each tagged with its own maker_address. If this
// account appears there, it was the maker on this cross: its matched_amount
// and price apply, and since a binary market's two outcome tokens are
// complementary, a maker fill on the *other* outcome is really a fill on
// this token in the opposite direction, so side and token are inverted.
// Otherwise this account placed the taker order itself (the authenticated
// feed only ever carries this account's own orders), and the raw top-level
// fields describe its fill directly — this is the only path the wind-down
// TAKER_EXIT order (orders.go PlaceTakerExit) can be ingested through, since
// it is never a maker order.
func (f *Feed) handleTrade(msg wsMessage) {
	fee, _ := decimal.NewFromString(msg.Fee)

	for _, mo := range msg.MakerOrders {
		if !strings.EqualFold(mo.MakerAddress, f.ownAddress) {
			continue
		}

		price, _ := decimal.NewFromString(mo.Price)
		size, _ := decimal.NewFromString(mo.MatchedAmount)
		token := msg.Asset
		side := types.Side(msg.Side)

		if mo.Outcome != "" && mo.Outcome != msg.Outcome {
			side = invertSide(side)
			if f.cb.PairedTokenOf != nil {
				if paired := f.cb.PairedTokenOf(token); paired != "" {
					token = paired
				}
			}
		}

		fill := types.Fill{
			TradeID:    msg.TradeID,
			OrderID:    msg.OrderID,
			Token:      token,
			Side:       side,
			Price:      price,
			Size:       size,
			Fee:        fee,
			Timestamp:  time.Now(),
			WSSequence: msg.WSSequence,
		}
		f.broadcast(FillEvent{Fill: fill, WSSequence: msg.WSSequence})
		return
	}

	price, _ := decimal.NewFromString(msg.Price)
	size, _ := decimal.NewFromString(msg.Size)
	fill := types.Fill{
		TradeID:    msg.TradeID,
		OrderID:    msg.OrderID,
		Token:      msg.Asset,
		Side:       types.Side(msg.Side),
		Price:      price,
		Size:       size,
		Fee:        fee,
		Timestamp:  time.Now(),
		WSSequence: msg.WSSequence,
	}
	f.broadcast(FillEvent{Fill: fill, WSSequence: msg.WSSequence})
}

func invertSide(s types.Side) types.Side {
	if s == types.Buy {
		return types.Sell
	}
	return types.Buy
}

func (f *Feed) handleOrderUpdate(msg wsMessage) {
	remaining, _ := decimal.NewFromString(msg.RemainingSize)
	f.broadcast(OrderUpdateEvent{
		OrderID:       msg.OrderID,
		Status:        types.OrderStatus(msg.Status),
		RemainingSize: remaining,
		WSSequence:    msg.WSSequence,
	})
}

func (f *Feed) broadcast(ev Event) {
	f.mu.RLock()
	subs := f.subscribers
	f.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Msg("📡 user-channel subscriber backpressure, dropping event")
		}
	}
}
