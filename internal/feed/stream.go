package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/safety"
)

const (
	DefaultFuturesStreamURL = "wss://fstream.binance.com/stream"
	DefaultSpotStreamURL    = "wss://stream.binance.com:9443/stream"

	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 20 * time.Second
	writeTimeout            = 10 * time.Second
)

type StreamOptions struct {
	URL          string
	Market       core.MarketType
	Breaker      *safety.Breaker
	Dialer       *websocket.Dialer
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	// PingInterval is how often a ping is written. ReadTimeout defaults to
	// three intervals; a connection silent for that long is dropped.
	PingInterval time.Duration
	ReadTimeout  time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
}

// StreamClient keeps one combined-stream websocket open and subscribes the
// mark price (usdm) or mini ticker (spot) stream of every requested symbol.
type StreamClient struct {
	opts   StreamOptions
	nextID atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}

	writeMu sync.Mutex
}

type streamRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type priceMessage struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	Close     string `json:"c"`
}

func NewStreamClient(opts StreamOptions) *StreamClient {
	if opts.Market == "" {
		opts.Market = core.MarketUSDM
	}
	if opts.URL == "" {
		opts.URL = DefaultFuturesStreamURL
		if opts.Market == core.MarketSpot {
			opts.URL = DefaultSpotStreamURL
		}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 3 * opts.PingInterval
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &StreamClient{opts: opts, symbols: make(map[string]struct{})}
}

func (c *StreamClient) streamName(symbol string) string {
	if c.opts.Market == core.MarketSpot {
		return strings.ToLower(symbol) + "@miniTicker"
	}
	return strings.ToLower(symbol) + "@markPrice"
}

// Subscribe records the symbols and subscribes them now if connected.
// Disconnected subscriptions are sent on the next connect.
func (c *StreamClient) Subscribe(symbols ...string) error {
	c.mu.Lock()
	for _, s := range symbols {
		c.symbols[strings.ToUpper(s)] = struct{}{}
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.send(conn, "SUBSCRIBE", symbols)
}

func (c *StreamClient) Unsubscribe(symbols ...string) error {
	c.mu.Lock()
	for _, s := range symbols {
		delete(c.symbols, strings.ToUpper(s))
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.send(conn, "UNSUBSCRIBE", symbols)
}

func (c *StreamClient) send(conn *websocket.Conn, method string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = c.streamName(s)
	}
	req := streamRequest{Method: method, Params: streams, ID: c.nextID.Add(1)}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%s %v: %w", strings.ToLower(method), streams, err)
	}
	return nil
}

func (c *StreamClient) active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	return out
}

// Run dials, resubscribes and reads until ctx is done. Connection failures are
// reported to the listener and retried with exponential back-off; they never
// end Run.
func (c *StreamClient) Run(ctx context.Context, listener Listener) error {
	backoff := c.opts.MinBackoff
	connectedBefore := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.opts.Breaker.AllowReconnect(); err != nil {
			listener.OnError(err)
			wait := c.opts.Breaker.ReconnectCooldownRemaining()
			if wait <= 0 {
				wait = backoff
			}
			if c.opts.Sleep(ctx, wait) != nil {
				return nil
			}
			continue
		}

		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			_ = c.opts.Breaker.RecordReconnect(err)
			listener.OnError(fmt.Errorf("dial %s: %w", c.opts.URL, err))
			if c.opts.Sleep(ctx, backoff) != nil {
				return nil
			}
			backoff = nextBackoff(backoff, c.opts.MaxBackoff)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		if err := c.send(conn, "SUBSCRIBE", c.active()); err != nil {
			c.drop(conn)
			_ = c.opts.Breaker.RecordReconnect(err)
			listener.OnError(err)
			if c.opts.Sleep(ctx, backoff) != nil {
				return nil
			}
			backoff = nextBackoff(backoff, c.opts.MaxBackoff)
			continue
		}
		_ = c.opts.Breaker.RecordReconnect(nil)
		backoff = c.opts.MinBackoff
		logger.Event("feed_connected").WithFields(logrus.Fields{
			"url":     c.opts.URL,
			"symbols": len(c.active()),
		}).Info("price stream connected")
		if connectedBefore {
			listener.OnReconnected()
		}
		connectedBefore = true

		err = c.readLoop(ctx, conn, listener)
		c.drop(conn)
		if ctx.Err() != nil {
			return nil
		}
		_ = c.opts.Breaker.RecordReconnect(err)
		listener.OnError(fmt.Errorf("price stream disconnected: %w", err))
		if c.opts.Sleep(ctx, backoff) != nil {
			return nil
		}
		backoff = nextBackoff(backoff, c.opts.MaxBackoff)
	}
}

func (c *StreamClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn, listener Listener) error {
	readTimeout := c.opts.ReadTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(data, listener)
	}
}

func (c *StreamClient) handleMessage(data []byte, listener Listener) {
	var msg combinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		listener.OnError(fmt.Errorf("decode stream message: %w", err))
		return
	}
	if msg.Stream == "" || len(msg.Data) == 0 {
		// Subscription acks carry only result and id.
		return
	}
	var p priceMessage
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		listener.OnError(fmt.Errorf("decode %s payload: %w", msg.Stream, err))
		return
	}
	raw := p.MarkPrice
	if c.opts.Market == core.MarketSpot {
		raw = p.Close
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || p.Symbol == "" {
		listener.OnError(fmt.Errorf("bad price %q on %s", raw, msg.Stream))
		return
	}
	if price.Sign() <= 0 {
		return
	}
	listener.OnPriceUpdate(p.Symbol, price)
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
