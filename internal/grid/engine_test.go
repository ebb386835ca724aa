package grid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/precision"
)

type harness struct {
	engine *Engine
	ex     *fakeExchange
	clock  *fakeClock
	events *eventLog
}

func baseConfig() Config {
	return Config{
		ID:                  "g1",
		Symbol:              "btcusdt",
		Market:              core.MarketUSDM,
		PositionSide:        core.Long,
		GridPriceDifference: d("10"),
		TradeQuantity:       d("1"),
	}
}

func newHarness(t *testing.T, cfg Config, ex *fakeExchange) *harness {
	t.Helper()
	clock := newFakeClock()
	events := &eventLog{}
	rules := precision.NewCache(nil, precision.Options{Now: clock.Now, Sleep: noSleep})
	t.Cleanup(rules.Close)
	e, err := New(cfg, Deps{Exchange: ex, Rules: rules, Events: events}, Options{
		Now:   clock.Now,
		Sleep: noSleep,
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return &harness{engine: e, ex: ex, clock: clock, events: events}
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Init(context.Background()))
}

// tick moves the clock, feeds price as both tick and fill price, and waits
// for any order it started.
func (h *harness) tick(t *testing.T, at time.Duration, price string) {
	t.Helper()
	h.clock.Set(at)
	h.ex.SetMark(price)
	require.NoError(t, h.engine.OnTick(d(price)))
	h.engine.WaitIdle()
}

func assertNull(t *testing.T, want string, got decimal.NullDecimal) {
	t.Helper()
	require.True(t, got.Valid, "threshold undefined")
	assert.True(t, got.Decimal.Equal(d(want)), "got %s, want %s", got.Decimal, want)
}

func TestEngineOpenCloseCycle(t *testing.T) {
	h := newHarness(t, baseConfig(), newFakeExchange(core.MarketUSDM, core.Long))
	h.init(t)
	assert.Equal(t, string(StatusTrading), h.engine.Status().Status)

	h.tick(t, 0, "100")
	st := h.engine.Status()
	assert.True(t, st.Position.Equal(d("1")))
	assert.Equal(t, 1, st.HistoryDepth)
	assertNull(t, "110", st.NextRise)
	assertNull(t, "90", st.NextFall)

	h.tick(t, 10*time.Second, "111")
	st = h.engine.Status()
	assert.True(t, st.Position.IsZero())
	assert.Equal(t, 0, st.HistoryDepth)
	assertNull(t, "121", st.NextRise)
	assertNull(t, "101", st.NextFall)

	h.tick(t, 15*time.Second, "95")
	assert.Len(t, h.ex.Submits(), 2)

	h.tick(t, 25*time.Second, "100")
	submits := h.ex.Submits()
	require.Len(t, submits, 3)
	assert.Equal(t, core.Buy, submits[0].Side)
	assert.Equal(t, core.Sell, submits[1].Side)
	assert.Equal(t, core.Buy, submits[2].Side)
	assert.Equal(t, "BTCUSDT", submits[2].Symbol)

	opened, ok := h.events.Find(event.KindOpened)
	require.True(t, ok)
	require.NotNil(t, opened.Fill)
	assert.True(t, opened.Fill.AvgPrice.Equal(d("100")))
	_, ok = h.events.Find(event.KindClosed)
	assert.True(t, ok)
}

func TestEngineShortMirrorsLong(t *testing.T) {
	cfg := baseConfig()
	cfg.PositionSide = core.Short
	h := newHarness(t, cfg, newFakeExchange(core.MarketUSDM, core.Short))
	h.init(t)

	h.tick(t, 0, "100")
	st := h.engine.Status()
	assert.True(t, st.Position.Equal(d("1")))
	assertNull(t, "110", st.NextRise)
	assertNull(t, "90", st.NextFall)

	h.tick(t, 10*time.Second, "105")
	assert.Len(t, h.ex.Submits(), 1)

	h.tick(t, 20*time.Second, "89")
	submits := h.ex.Submits()
	require.Len(t, submits, 2)
	assert.Equal(t, core.Sell, submits[0].Side)
	assert.Equal(t, core.Buy, submits[1].Side)
	assert.Equal(t, core.Short, submits[1].PositionSide)
	assert.True(t, h.engine.Position().IsZero())
}

func TestEnginePreferReduceSkipsInitialOpenOnTrend(t *testing.T) {
	for _, tc := range []struct {
		name   string
		prefer bool
		want   core.Side
	}{
		{name: "disabled", prefer: false, want: core.Buy},
		{name: "enabled", prefer: true, want: core.Sell},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.PreferReduceOnTrend = tc.prefer
			ex := newFakeExchange(core.MarketUSDM, core.Long)
			ex.SetPosition("2")
			ex.entry = d("100")
			h := newHarness(t, cfg, ex)
			h.init(t)

			h.tick(t, 0, "100")
			h.tick(t, 10*time.Second, "111")
			require.Equal(t, 0, h.engine.Status().HistoryDepth)

			h.tick(t, 20*time.Second, "125")
			submits := h.ex.Submits()
			require.Len(t, submits, 3)
			assert.Equal(t, tc.want, submits[2].Side)
		})
	}
}

func TestEngineAddsOnFallAndWidensWithCoefficient(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOpenPositionQuantity = some(d("4"))
	cfg.FallPreventionCoefficient = d("1")
	h := newHarness(t, cfg, newFakeExchange(core.MarketUSDM, core.Long))
	h.init(t)

	h.tick(t, 0, "100")
	st := h.engine.Status()
	// fall = 100 - 10 - 10*(1/4)*1
	assertNull(t, "87.5", st.NextFall)

	h.tick(t, 10*time.Second, "87")
	st = h.engine.Status()
	assert.True(t, st.Position.Equal(d("2")))
	assert.Equal(t, 2, st.HistoryDepth)
	assertNull(t, "97", st.NextRise)
	assertNull(t, "72", st.NextFall)
}

func TestEngineEmitsLimitReached(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOpenPositionQuantity = some(d("1"))
	h := newHarness(t, cfg, newFakeExchange(core.MarketUSDM, core.Long))
	h.init(t)

	h.tick(t, 0, "100")
	h.tick(t, 10*time.Second, "80")
	h.tick(t, 20*time.Second, "79")
	assert.Len(t, h.ex.Submits(), 1)

	count := 0
	for _, k := range h.events.Kinds() {
		if k == event.KindLimitReached {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEnginePausePrecedence(t *testing.T) {
	cfg := baseConfig()
	cfg.LowerPriceLimit = some(d("90"))
	cfg.UpperPriceLimit = some(d("130"))
	h := newHarness(t, cfg, newFakeExchange(core.MarketUSDM, core.Long))
	h.init(t)

	h.tick(t, 0, "100")
	assert.Equal(t, string(StatusTrading), h.engine.Status().Status)
	require.Len(t, h.ex.Submits(), 1)

	h.engine.Pause()
	h.tick(t, 10*time.Second, "80")
	assert.Equal(t, string(StatusPausedManual), h.engine.Status().Status)

	h.engine.Resume()
	assert.Equal(t, string(StatusPausedPriceBand), h.engine.Status().Status)
	h.tick(t, 20*time.Second, "80")
	assert.Equal(t, string(StatusPausedPriceBand), h.engine.Status().Status)

	h.engine.Pause()
	h.engine.Resume()
	assert.Equal(t, string(StatusPausedPriceBand), h.engine.Status().Status)

	h.tick(t, 30*time.Second, "130")
	assert.Equal(t, string(StatusPausedPriceBand), h.engine.Status().Status)
	assert.Len(t, h.ex.Submits(), 1)

	h.tick(t, 40*time.Second, "100")
	assert.Equal(t, string(StatusTrading), h.engine.Status().Status)
}

func TestEnginePausesAboveEntry(t *testing.T) {
	cfg := baseConfig()
	cfg.PauseAboveEntry = true
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	ex.position = d("2")
	ex.entry = d("100")
	h := newHarness(t, cfg, ex)
	h.init(t)

	h.tick(t, 0, "100")
	assert.Equal(t, string(StatusPausedEntryPrice), h.engine.Status().Status)
	assert.Empty(t, ex.Submits())

	h.tick(t, 10*time.Second, "99")
	assert.Equal(t, string(StatusTrading), h.engine.Status().Status)
	assert.Len(t, ex.Submits(), 1)
}

func TestEngineResetsAfterExternalClose(t *testing.T) {
	h := newHarness(t, baseConfig(), newFakeExchange(core.MarketUSDM, core.Long))
	h.init(t)
	h.tick(t, 0, "100")

	h.ex.SetPosition("0")
	h.ex.FailNextSubmit(core.ErrPositionClosed)
	h.tick(t, 10*time.Second, "111")

	st := h.engine.Status()
	assert.True(t, st.Position.IsZero())
	assert.Equal(t, 0, st.HistoryDepth)
	assert.False(t, st.NextRise.Valid)
	assert.False(t, st.NextFall.Valid)
	warn, ok := h.events.Find(event.KindWarn)
	require.True(t, ok)
	assert.Equal(t, core.KindPositionClosed, warn.ErrKind)

	h.tick(t, 20*time.Second, "100")
	submits := h.ex.Submits()
	require.Len(t, submits, 3)
	assert.Equal(t, core.Buy, submits[2].Side)
	assert.True(t, h.engine.Position().Equal(d("1")))
}

func TestEngineBacksOffAfterRateLimit(t *testing.T) {
	h := newHarness(t, baseConfig(), newFakeExchange(core.MarketUSDM, core.Long))
	h.init(t)

	h.ex.FailNextSubmit(core.ErrRateLimited)
	h.tick(t, 0, "100")
	require.Len(t, h.ex.Submits(), 1)

	h.tick(t, 10*time.Second, "100")
	h.tick(t, 20*time.Second, "100")
	assert.Len(t, h.ex.Submits(), 1)

	h.tick(t, 31*time.Second, "100")
	assert.Len(t, h.ex.Submits(), 2)
}

func TestEngineBacksOffAfterRateLimitedPoll(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	h := newHarness(t, baseConfig(), ex)
	h.init(t)

	ex.mu.Lock()
	ex.getOrderErr = core.ErrRateLimited
	ex.mu.Unlock()
	h.tick(t, 0, "100")
	require.Len(t, h.ex.Submits(), 1)
	st := h.engine.Status()
	assert.True(t, st.Position.Equal(d("1")))

	ex.mu.Lock()
	ex.getOrderErr = nil
	ex.mu.Unlock()
	h.tick(t, 10*time.Second, "89")
	h.tick(t, 20*time.Second, "89")
	assert.Len(t, h.ex.Submits(), 1)

	h.tick(t, 31*time.Second, "89")
	assert.Len(t, h.ex.Submits(), 2)
}

func TestEngineSpotRequiresQuoteBalance(t *testing.T) {
	cfg := baseConfig()
	cfg.Market = core.MarketSpot
	cfg.PositionSide = ""
	ex := newFakeExchange(core.MarketSpot, core.Long)
	ex.quoteFree = d("50")
	h := newHarness(t, cfg, ex)
	h.init(t)

	h.tick(t, 0, "100")
	assert.Empty(t, ex.Submits())
	warn, ok := h.events.Find(event.KindWarn)
	require.True(t, ok)
	assert.Equal(t, core.KindInsufficientFunds, warn.ErrKind)
	assert.Equal(t, string(core.KindInsufficientFunds), h.engine.Status().LastError)

	ex.mu.Lock()
	ex.quoteFree = d("500")
	ex.mu.Unlock()
	_, err := h.engine.Refresh(context.Background())
	require.NoError(t, err)
	h.tick(t, 10*time.Second, "100")
	submits := ex.Submits()
	require.Len(t, submits, 1)
	assert.Empty(t, submits[0].PositionSide)
}

func TestEngineInitTopsUpToMinimum(t *testing.T) {
	cfg := baseConfig()
	cfg.MinOpenPositionQuantity = some(d("2"))
	cfg.Leverage = 5
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	h := newHarness(t, cfg, ex)
	h.init(t)

	submits := ex.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, "3", submits[0].Quantity.String())
	assert.Equal(t, 5, ex.leverage)
	assert.True(t, h.engine.Position().Equal(d("3")))
}

func TestEngineLegalizesWithExchangeRules(t *testing.T) {
	cfg := baseConfig()
	cfg.OpenQuantity = d("0.12345")
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	h := newHarness(t, cfg, ex)
	h.init(t)

	h.tick(t, 0, "100")
	submits := ex.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, "0.123", submits[0].Quantity.String())
}

func TestEngineRejectsTicksOutsideLifecycle(t *testing.T) {
	h := newHarness(t, baseConfig(), newFakeExchange(core.MarketUSDM, core.Long))
	assert.ErrorIs(t, h.engine.OnTick(d("100")), core.ErrNotInitialized)
	assert.Equal(t, string(StatusUninitialized), h.engine.Status().Status)

	h.init(t)
	h.engine.Stop()
	assert.ErrorIs(t, h.engine.OnTick(d("100")), ErrStopped)
	assert.Equal(t, string(StatusStopped), h.engine.Status().Status)
	assert.Empty(t, h.ex.Submits())
}

func TestEngineInitFailsWhenAccountUnavailable(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	ex.accountErr = errors.New("connection refused")
	h := newHarness(t, baseConfig(), ex)

	err := h.engine.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, DefaultInitAttempts, ex.accounts)
	assert.ErrorIs(t, h.engine.OnTick(d("100")), core.ErrNotInitialized)
}

func TestEngineResyncPicksUpExternalPositionChange(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	h := newHarness(t, baseConfig(), ex)

	h.engine.Resync()
	h.engine.WaitIdle()
	assert.Equal(t, 0, ex.accounts, "resync before init is ignored")

	h.init(t)
	ex.SetPosition("4")
	h.engine.Resync()
	h.engine.WaitIdle()
	assert.True(t, h.engine.Position().Equal(d("4")))
}
