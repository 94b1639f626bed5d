// Package feed streams mark prices over a websocket and normalizes them into
// price ticks. It is the only place venue feed payloads are decoded; everyone
// downstream sees types.PriceTick and nothing else.
package feed

import (
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/types"
)

const ProdURL = "wss://api.hyperliquid.xyz/ws"

const defaultTickBuffer = 256

// Config controls reconnect and heartbeat behavior.
type Config struct {
	Reconnect      bool
	ReconnectDelay time.Duration
	ReconnectMax   int // 0 = unlimited
	PingInterval   time.Duration
}

func (c Config) normalize() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// DefaultConfig reconnects forever with a short delay.
func DefaultConfig() Config {
	return Config{Reconnect: true}.normalize()
}

// Feed is a mark-price subscriber. Create with New, consume Ticks, Close when
// done. Safe for concurrent use.
type Feed struct {
	url     string
	cfg     Config
	symbols map[string]struct{}
	ticks   chan types.PriceTick

	mu   sync.Mutex
	conn *websocket.Conn

	markMu sync.RWMutex
	marks  map[string]decimal.Decimal

	done      chan struct{}
	doneOnce  sync.Once
	ticksOnce sync.Once
	closing   atomic.Bool
}

// New builds a feed for the given symbols. Ticks for other symbols are
// dropped at the boundary.
func New(wsURL string, symbols []string, cfg Config) (*Feed, error) {
	if wsURL == "" {
		wsURL = ProdURL
	}
	if err := validateURL(wsURL); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	f := &Feed{
		url:     wsURL,
		cfg:     cfg.normalize(),
		symbols: set,
		ticks:   make(chan types.PriceTick, defaultTickBuffer),
		marks:   make(map[string]decimal.Decimal),
		done:    make(chan struct{}),
	}
	go f.run()
	go f.pingLoop()
	return f, nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return errors.New("feed URL must use ws:// or wss://")
	}
	if parsed.Host == "" {
		return errors.New("feed URL host is required")
	}
	return nil
}

// Ticks delivers normalized price observations. The channel closes when the
// feed shuts down for good.
func (f *Feed) Ticks() <-chan types.PriceTick {
	return f.ticks
}

// Mark returns the last observed mark for symbol.
func (f *Feed) Mark(symbol string) (decimal.Decimal, bool) {
	f.markMu.RLock()
	defer f.markMu.RUnlock()
	px, ok := f.marks[symbol]
	return px, ok
}

// Close stops the feed and closes the tick channel.
func (f *Feed) Close() error {
	f.closing.Store(true)
	f.closeConn()
	f.signalDone()
	return nil
}

func (f *Feed) run() {
	attempts := 0
	for {
		if f.closing.Load() {
			f.finish()
			return
		}
		if err := f.connect(); err != nil {
			if !f.shouldReconnect(attempts) {
				f.finish()
				return
			}
			attempts++
			time.Sleep(f.cfg.ReconnectDelay)
			continue
		}

		attempts = 0
		if err := f.subscribe(); err != nil {
			log.Printf("[feed] subscribe failed: %v", err)
		}
		if err := f.readLoop(); err != nil {
			if f.closing.Load() || !f.shouldReconnect(attempts) {
				f.finish()
				return
			}
			attempts++
			time.Sleep(f.cfg.ReconnectDelay)
		}
	}
}

func (f *Feed) shouldReconnect(attempts int) bool {
	if !f.cfg.Reconnect {
		return false
	}
	if f.cfg.ReconnectMax == 0 {
		return true
	}
	return attempts < f.cfg.ReconnectMax
}

func (f *Feed) connect() error {
	f.closeConn()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	return nil
}

type wsRequest struct {
	Method       string         `json:"method"`
	Subscription map[string]any `json:"subscription,omitempty"`
}

func (f *Feed) subscribe() error {
	return f.writeJSON(wsRequest{
		Method:       "subscribe",
		Subscription: map[string]any{"type": "allMids"},
	})
}

type wsMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Mids map[string]string `json:"mids"`
	} `json:"data"`
}

func (f *Feed) readLoop() error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("connection not established")
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[feed] read error: %v", err)
			return err
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel != "allMids" {
			continue
		}
		now := time.Now()
		for symbol, mid := range msg.Data.Mids {
			if _, ok := f.symbols[symbol]; !ok {
				continue
			}
			price, err := decimal.NewFromString(mid)
			if err != nil || price.LessThanOrEqual(decimal.Zero) {
				continue
			}
			f.markMu.Lock()
			f.marks[symbol] = price
			f.markMu.Unlock()
			select {
			case f.ticks <- types.PriceTick{Symbol: symbol, Price: price, At: now}:
			default:
				// Slow consumer; the next tick supersedes this one anyway.
			}
		}
	}
}

func (f *Feed) pingLoop() {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			if err := f.writeJSON(wsRequest{Method: "ping"}); err != nil && !f.closing.Load() {
				log.Printf("[feed] ping failed: %v", err)
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return errors.New("connection not established")
	}
	return f.conn.WriteJSON(v)
}

func (f *Feed) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

// finish is the terminal state of the run loop: no further reconnects, tick
// consumers observe channel close. Only the run goroutine closes ticks, so a
// concurrent Close can never race a send in readLoop.
func (f *Feed) finish() {
	f.signalDone()
	f.ticksOnce.Do(func() { close(f.ticks) })
}

func (f *Feed) signalDone() {
	f.doneOnce.Do(func() { close(f.done) })
}
