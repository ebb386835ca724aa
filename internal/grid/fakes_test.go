package grid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	c.now = t0.Add(offset)
	c.mu.Unlock()
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// fakeExchange fills every market order at the mark price and moves the
// position accordingly, unless told otherwise.
type fakeExchange struct {
	mu          sync.Mutex
	market      core.MarketType
	side        core.PositionSide
	mark        decimal.Decimal
	position    decimal.Decimal
	entry       decimal.Decimal
	quoteFree   decimal.Decimal
	orderStatus core.OrderStatus
	submitErrs  []error
	getOrderErr error
	accountErr  error
	onSubmit    func()
	submits     []core.OrderRequest
	orders      map[string]decimal.Decimal
	getOrders   int
	accounts    int
	leverage    int
}

func newFakeExchange(market core.MarketType, side core.PositionSide) *fakeExchange {
	return &fakeExchange{
		market:      market,
		side:        side,
		mark:        d("100"),
		orderStatus: core.OrderFilled,
		orders:      make(map[string]decimal.Decimal),
	}
}

func (f *fakeExchange) Name() string            { return "fake" }
func (f *fakeExchange) Market() core.MarketType { return f.market }

func (f *fakeExchange) SetMark(p string) {
	f.mu.Lock()
	f.mark = d(p)
	f.mu.Unlock()
}

func (f *fakeExchange) SetPosition(p string) {
	f.mu.Lock()
	f.position = d(p)
	f.mu.Unlock()
}

func (f *fakeExchange) FailNextSubmit(err error) {
	f.mu.Lock()
	f.submitErrs = append(f.submitErrs, err)
	f.mu.Unlock()
}

func (f *fakeExchange) Submits() []core.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.OrderRequest(nil), f.submits...)
}

func (f *fakeExchange) SubmitMarketOrder(_ context.Context, req core.OrderRequest) (core.OrderAck, error) {
	f.mu.Lock()
	hook := f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return core.OrderAck{}, err
	}
	adding := (f.side == core.Short) == (req.Side == core.Sell)
	if adding {
		f.position = f.position.Add(req.Quantity)
	} else {
		f.position = f.position.Sub(req.Quantity)
	}
	id := fmt.Sprintf("%d", len(f.submits))
	f.orders[id] = req.Quantity
	return core.OrderAck{OrderID: id, ClientOrderID: req.ClientOrderID, Status: core.OrderNew}, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, symbol, orderID string) (core.OrderReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getOrders++
	if f.getOrderErr != nil {
		return core.OrderReport{}, f.getOrderErr
	}
	report := core.OrderReport{OrderID: orderID, Symbol: symbol, Status: f.orderStatus}
	if f.orderStatus == core.OrderFilled {
		report.ExecutedQty = f.orders[orderID]
		report.AvgPrice = f.mark
	}
	return report, nil
}

func (f *fakeExchange) AccountSnapshot(context.Context) (core.AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts++
	if f.accountErr != nil {
		return core.AccountSnapshot{}, f.accountErr
	}
	if f.market == core.MarketSpot {
		return core.AccountSnapshot{Balances: []core.AssetBalance{
			{Asset: "BTC", Free: f.position},
			{Asset: "USDT", Free: f.quoteFree},
		}}, nil
	}
	if f.position.Sign() == 0 {
		return core.AccountSnapshot{}, nil
	}
	return core.AccountSnapshot{Positions: []core.Position{
		{Symbol: "BTCUSDT", Side: f.side, Qty: f.position, EntryPrice: f.entry},
	}}, nil
}

func (f *fakeExchange) ExchangeRules(context.Context) (core.RuleBook, error) {
	return core.RuleBook{
		Exchange: "fake",
		Market:   f.market,
		Rules: map[string]core.RuleSet{
			"BTCUSDT": {
				Symbol:     "BTCUSDT",
				BaseAsset:  "BTC",
				QuoteAsset: "USDT",
				MinQty:     d("0.001"),
				MaxQty:     d("1000"),
				StepSize:   d("0.001"),
				HasLotSize: true,
			},
		},
		FetchedAt: t0,
	}, nil
}

func (f *fakeExchange) TradeHistory(context.Context, string, time.Time) ([]core.Trade, error) {
	return nil, nil
}

func (f *fakeExchange) SetLeverage(_ context.Context, _ string, leverage int) error {
	f.mu.Lock()
	f.leverage = leverage
	f.mu.Unlock()
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) Publish(ev event.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) Kinds() []event.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Kind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *eventLog) Find(kind event.Kind) (event.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return event.Event{}, false
}

type fakeTracker struct {
	mu         sync.Mutex
	position   decimal.Decimal
	refreshed  decimal.Decimal
	refreshErr error
	last       decimal.Decimal
}

func (t *fakeTracker) Position() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

func (t *fakeTracker) Refresh(context.Context) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshed, t.refreshErr
}

func (t *fakeTracker) LastPrice() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
