// Package feed fans one exchange price stream out to many grid engines.
package feed

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/metrics"
)

var ErrDuplicateHandler = errors.New("handler already registered")

// Handler consumes the ticks of one symbol.
type Handler interface {
	ID() string
	Symbol() string
	OnTick(price decimal.Decimal) error
}

// Transport is the subscription side of a price stream.
type Transport interface {
	Subscribe(symbols ...string) error
	Unsubscribe(symbols ...string) error
}

// Listener receives transport callbacks.
type Listener interface {
	OnPriceUpdate(symbol string, price decimal.Decimal)
	OnError(err error)
	OnReconnected()
}

type worker struct {
	handler Handler
	symbol  string
	mailbox chan decimal.Decimal
	done    chan struct{}
	exited  chan struct{}
}

// Multiplexer is the symbol to handlers registry. Each handler gets its own
// goroutine and a one-slot mailbox where the newest price replaces an unread one.
type Multiplexer struct {
	transport     Transport
	onReconnected func()

	mu       sync.RWMutex
	bySymbol map[string]map[string]*worker
	byID     map[string]*worker
	wg       sync.WaitGroup
}

func NewMultiplexer(transport Transport) *Multiplexer {
	return &Multiplexer{
		transport: transport,
		bySymbol:  make(map[string]map[string]*worker),
		byID:      make(map[string]*worker),
	}
}

// SetReconnectHook registers fn to run after the transport has reconnected and resubscribed.
func (m *Multiplexer) SetReconnectHook(fn func()) {
	m.mu.Lock()
	m.onReconnected = fn
	m.mu.Unlock()
}

func (m *Multiplexer) Register(h Handler) error {
	symbol := strings.ToUpper(h.Symbol())
	w := &worker{
		handler: h,
		symbol:  symbol,
		mailbox: make(chan decimal.Decimal, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.byID[h.ID()]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.ID())
	}
	group, ok := m.bySymbol[symbol]
	first := !ok
	if first {
		group = make(map[string]*worker)
		m.bySymbol[symbol] = group
	}
	group[h.ID()] = w
	m.byID[h.ID()] = w
	m.wg.Add(1)
	go m.run(w)
	m.mu.Unlock()

	fields := logrus.Fields{"handler": h.ID(), "symbol": symbol}
	logger.Event("feed_register").WithFields(fields).Info("handler registered")
	if first && m.transport != nil {
		if err := m.transport.Subscribe(symbol); err != nil {
			logger.Event("feed_subscribe_failed").WithFields(fields).WithError(err).Warn("subscribe failed, will retry on reconnect")
		}
	}
	return nil
}

// Deregister returns once the handler's in-flight tick, if any, has finished.
// It must not be called from the handler's own OnTick.
func (m *Multiplexer) Deregister(id string) {
	m.mu.Lock()
	w, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byID, id)
	group := m.bySymbol[w.symbol]
	delete(group, id)
	last := len(group) == 0
	if last {
		delete(m.bySymbol, w.symbol)
	}
	close(w.done)
	m.mu.Unlock()
	<-w.exited

	fields := logrus.Fields{"handler": id, "symbol": w.symbol}
	logger.Event("feed_deregister").WithFields(fields).Info("handler removed")
	if last && m.transport != nil {
		if err := m.transport.Unsubscribe(w.symbol); err != nil {
			logger.Event("feed_unsubscribe_failed").WithFields(fields).WithError(err).Warn("unsubscribe failed")
		}
	}
}

// Symbols lists the symbols with at least one handler.
func (m *Multiplexer) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.bySymbol))
	for s := range m.bySymbol {
		out = append(out, s)
	}
	return out
}

// OnPriceUpdate never blocks the transport read loop.
func (m *Multiplexer) OnPriceUpdate(symbol string, price decimal.Decimal) {
	symbol = strings.ToUpper(symbol)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.bySymbol[symbol] {
		select {
		case w.mailbox <- price:
			continue
		default:
		}
		select {
		case <-w.mailbox:
			metrics.IncTickCoalesced(symbol)
		default:
		}
		select {
		case w.mailbox <- price:
		default:
		}
	}
}

func (m *Multiplexer) OnError(err error) {
	metrics.IncFeedError()
	logger.Event("feed_error").WithError(err).Warn("price feed error")
}

func (m *Multiplexer) OnReconnected() {
	metrics.IncFeedReconnect()
	m.mu.RLock()
	hook := m.onReconnected
	symbols := len(m.bySymbol)
	m.mu.RUnlock()
	logger.Event("feed_reconnected").WithField("symbols", symbols).Info("price feed reconnected")
	if hook != nil {
		hook()
	}
}

// Close stops every worker and waits for in-progress ticks.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	for id, w := range m.byID {
		close(w.done)
		delete(m.byID, id)
	}
	m.bySymbol = make(map[string]map[string]*worker)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Multiplexer) run(w *worker) {
	defer m.wg.Done()
	defer close(w.exited)
	for {
		select {
		case <-w.done:
			return
		case price := <-w.mailbox:
			m.deliver(w, price)
		}
	}
}

func (m *Multiplexer) deliver(w *worker, price decimal.Decimal) {
	fields := logrus.Fields{"handler": w.handler.ID(), "symbol": w.symbol, "price": price.String()}
	defer func() {
		if r := recover(); r != nil {
			metrics.IncTickError(w.symbol, "panic")
			logger.Event("feed_tick_panic").WithFields(fields).Errorf("tick handler panic: %v", r)
		}
	}()
	metrics.IncTick(w.symbol)
	if err := w.handler.OnTick(price); err != nil {
		metrics.IncTickError(w.symbol, "error")
		logger.Event("feed_tick_failed").WithFields(fields).WithError(err).Warn("tick handler failed")
	}
}
