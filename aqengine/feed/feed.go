// Package feed implements the Market-Data Feed (C1, §4.1): a reconnecting
// WebSocket client that maintains one aqengine/book.OrderBook per token from
// book/price_change/tick_size_change messages. Adapted from
// feeds/polymarket_ws.go's connection-loop/ping-loop/read-loop shape, now
// updating the shared btree-backed OrderBook instead of an ad hoc
// map-based Orderbook, and reporting disconnects to the Risk Manager rather
// than silently reconnecting in the dark.
package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/book"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// Tick is one market-data event delivered to subscribers, carrying enough
// context for the Quote Engine to re-evaluate the affected token.
type Tick struct {
	Token     string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Timestamp time.Time
}

// Callbacks lets the Orchestrator react to feed lifecycle events without the
// feed package depending on risk/orchestrator types.
type Callbacks struct {
	OnDisconnect func(token string) // fired per-token on read failure; empty token means the whole feed dropped
	OnReconnect  func()
}

// Feed manages one WebSocket connection to the market-data channel and owns
// the order book for every subscribed token.
type Feed struct {
	mu sync.RWMutex

	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	subscribers []chan Tick
	books       map[string]*book.OrderBook
	tokens      []string

	cb Callbacks
}

// New constructs a Feed against wsURL, ready to subscribe tokens once started.
func New(wsURL string, cb Callbacks) *Feed {
	return &Feed{
		wsURL:  wsURL,
		stopCh: make(chan struct{}),
		books:  make(map[string]*book.OrderBook),
		cb:     cb,
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
	log.Info().Msg("📡 market-data feed started")
}

// Stop closes the connection and the background goroutines.
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
	log.Info().Msg("📡 market-data feed stopped")
}

// Subscribe returns a channel that receives ticks for every subscribed token.
func (f *Feed) Subscribe() chan Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Tick, 1000)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Book returns (creating if necessary) the order book for token.
func (f *Feed) Book(token string) *book.OrderBook {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getOrCreateBookLocked(token)
}

func (f *Feed) getOrCreateBookLocked(token string) *book.OrderBook {
	b, ok := f.books[token]
	if !ok {
		b = book.New(token, decimal.NewFromFloat(0.01))
		f.books[token] = b
	}
	return b
}

// WatchToken registers a token for subscription, sent on every (re)connect.
func (f *Feed) WatchToken(token string) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	conn := f.conn
	f.mu.Unlock()
	f.Book(token)
	if conn != nil {
		_ = f.subscribeToken(token)
	}
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
			log.Error().Err(err).Msg("📡 feed connection failed, retrying")
			f.fireDisconnect("")
			time.Sleep(reconnectDelay)
			continue
		}

		if !first && f.cb.OnReconnect != nil {
			f.cb.OnReconnect()
		}
		first = false

		f.readLoop()
		f.fireDisconnect("")
		time.Sleep(reconnectDelay)
	}
}

func (f *Feed) fireDisconnect(token string) {
	if f.cb.OnDisconnect != nil {
		f.cb.OnDisconnect(token)
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
	tokens := append([]string(nil), f.tokens...)
	f.mu.Unlock()

	log.Info().Msg("🔌 market-data WebSocket connected")
	go f.pingLoop()

	for _, t := range tokens {
		_ = f.subscribeToken(t)
	}
	return nil
}

func (f *Feed) subscribeToken(token string) error {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return nil
	}
	msg := map[string]any{
		"type":       "subscribe",
		"assets_ids": []string{token},
		"channel":    "market",
	}
	return conn.WriteJSON(msg)
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
			log.Warn().Err(err).Msg("📡 market-data read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}
		f.processMessage(message)
	}
}

// wsMessage covers every shape the market-data channel emits: full book
// snapshots, incremental price changes, and tick-size updates.
type wsMessage struct {
	EventType string          `json:"event_type"`
	Market    string          `json:"market"`
	Asset     string          `json:"asset_id"`
	Price     string          `json:"price"`
	Side      string          `json:"side"`
	Bids      [][2]string     `json:"bids"`
	Asks      [][2]string     `json:"asks"`
	TickSize  string          `json:"tick_size"`
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
		case "book":
			f.handleBook(msg)
		case "price_change":
			f.handlePriceChange(msg)
		case "tick_size_change":
			f.handleTickSizeChange(msg)
		}
	}
}

func (f *Feed) handleBook(msg wsMessage) {
	b := f.Book(msg.Asset)
	bids := parseLevels(msg.Bids)
	asks := parseLevels(msg.Asks)
	b.ReplaceBook(bids, asks)
	f.emitTick(b)
}

func (f *Feed) handlePriceChange(msg wsMessage) {
	b := f.Book(msg.Asset)
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return
	}
	size := decimal.Zero // price_change carries no size in this shape; treated as a best-quote nudge
	switch msg.Side {
	case "BUY":
		b.ApplyBidLevel(price, size)
	case "SELL":
		b.ApplyAskLevel(price, size)
	}
	f.emitTick(b)
}

func (f *Feed) handleTickSizeChange(msg wsMessage) {
	b := f.Book(msg.Asset)
	tick, err := decimal.NewFromString(msg.TickSize)
	if err != nil {
		return
	}
	b.SetTickSize(tick)
	log.Info().Str("token", msg.Asset).Str("tick_size", tick.String()).Msg("📏 tick size changed")
}

func parseLevels(raw [][2]string) []book.Level {
	out := make([]book.Level, 0, len(raw))
	for _, pair := range raw {
		price, err1 := decimal.NewFromString(pair[0])
		size, err2 := decimal.NewFromString(pair[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, book.Level{Price: price, Size: size})
	}
	return out
}

func (f *Feed) emitTick(b *book.OrderBook) {
	tick := Tick{Token: b.Token, BestBid: b.BestBid().Price, BestAsk: b.BestAsk().Price, Timestamp: time.Now()}
	f.mu.RLock()
	subs := f.subscribers
	f.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
		}
	}
}
