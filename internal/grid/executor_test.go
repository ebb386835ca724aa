package grid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/safety"
)

func newTestExecutor(ex *fakeExchange, tr *fakeTracker, mutate func(*ExecutorOptions)) *Executor {
	opts := ExecutorOptions{
		StrategyID: "g1",
		Symbol:     "BTCUSDT",
		Side:       core.Long,
		Market:     core.MarketUSDM,
		Sleep:      noSleep,
		Now:        func() time.Time { return t0 },
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewExecutor(ex, tr, opts)
}

func TestExecutorFilledByPolling(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	tr := &fakeTracker{refreshed: d("1"), last: d("100")}
	x := newTestExecutor(ex, tr, nil)

	res := x.Execute(context.Background(), core.ActionOpen, d("1"))
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, res.Fill.ExecutedQty.Equal(d("1")))
	assert.True(t, res.Fill.AvgPrice.Equal(d("100")))
	assert.False(t, res.Fill.Inferred)
	require.True(t, res.PositionAfter.Valid)
	assert.True(t, res.PositionAfter.Decimal.Equal(d("1")))

	submits := ex.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, core.Buy, submits[0].Side)
	assert.Equal(t, core.Long, submits[0].PositionSide)
	assert.Len(t, submits[0].ClientOrderID, 36)
	assert.False(t, x.Busy())
}

func TestExecutorSpotOmitsPositionSide(t *testing.T) {
	ex := newFakeExchange(core.MarketSpot, core.Long)
	x := newTestExecutor(ex, &fakeTracker{refreshed: d("1")}, func(o *ExecutorOptions) {
		o.Market = core.MarketSpot
	})
	res := x.Execute(context.Background(), core.ActionClose, d("1"))
	require.Equal(t, OutcomeFilled, res.Outcome)
	submits := ex.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, core.Sell, submits[0].Side)
	assert.Empty(t, submits[0].PositionSide)
}

func TestExecutorInferenceTolerance(t *testing.T) {
	tests := []struct {
		name    string
		actual  string
		outcome Outcome
	}{
		{name: "within tolerance", actual: "1.001", outcome: OutcomeInferred},
		{name: "exact", actual: "1", outcome: OutcomeInferred},
		{name: "beyond tolerance", actual: "1.0011", outcome: OutcomeFailed},
		{name: "unchanged", actual: "0", outcome: OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchange(core.MarketUSDM, core.Long)
			ex.orderStatus = core.OrderNew
			tr := &fakeTracker{position: decimal.Zero, refreshed: d(tt.actual), last: d("101")}
			x := newTestExecutor(ex, tr, nil)

			res := x.Execute(context.Background(), core.ActionOpen, d("1"))
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, DefaultPollRetries+1, ex.getOrders)
			if tt.outcome == OutcomeInferred {
				assert.True(t, res.Fill.Inferred)
				assert.True(t, res.Fill.AvgPrice.Equal(d("101")))
				assert.True(t, res.Fill.ExecutedQty.Equal(d("1")))
			} else {
				assert.True(t, errors.Is(res.Err, ErrFillUnconfirmed))
			}
		})
	}
}

func TestExecutorInfersCloseFromShrinkingPosition(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	ex.getOrderErr = errors.New("timeout")
	tr := &fakeTracker{position: d("3"), refreshed: d("2"), last: d("100")}
	x := newTestExecutor(ex, tr, nil)

	res := x.Execute(context.Background(), core.ActionClose, d("1"))
	assert.Equal(t, OutcomeInferred, res.Outcome)
}

func TestExecutorRateLimitStopsPolling(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	ex.getOrderErr = core.ErrRateLimited
	tr := &fakeTracker{refreshed: d("1"), last: d("100")}
	var slept []time.Duration
	x := newTestExecutor(ex, tr, func(o *ExecutorOptions) {
		o.SettleDelay = time.Millisecond
		o.PollDelay = 3 * time.Second
		o.Sleep = func(_ context.Context, wait time.Duration) error {
			slept = append(slept, wait)
			return nil
		}
	})

	res := x.Execute(context.Background(), core.ActionOpen, d("1"))
	assert.Equal(t, OutcomeInferred, res.Outcome)
	assert.True(t, res.RateLimited)
	assert.Equal(t, 1, ex.getOrders)
	assert.Equal(t, []time.Duration{time.Millisecond, 3 * time.Second}, slept)
}

func TestExecutorRateLimitedInferenceFailureKeepsKind(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	ex.getOrderErr = core.ErrRateLimited
	tr := &fakeTracker{refreshed: d("0"), last: d("100")}
	x := newTestExecutor(ex, tr, nil)

	res := x.Execute(context.Background(), core.ActionOpen, d("1"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.RateLimited)
	assert.Equal(t, core.KindRateLimit, res.ErrKind)
	assert.ErrorIs(t, res.Err, ErrFillUnconfirmed)
}

func TestExecutorTerminalWithoutFillFails(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	ex.orderStatus = core.OrderExpired
	x := newTestExecutor(ex, &fakeTracker{}, nil)

	res := x.Execute(context.Background(), core.ActionOpen, d("1"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, core.KindRejected, res.ErrKind)
	assert.Equal(t, 1, ex.getOrders)
}

func TestExecutorSubmitErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind core.ErrorKind
	}{
		{err: core.ErrPositionClosed, kind: core.KindPositionClosed},
		{err: core.ErrInsufficientBalance, kind: core.KindInsufficientFunds},
		{err: core.ErrRateLimited, kind: core.KindRateLimit},
		{err: errors.New("connection reset"), kind: core.KindTransient},
	}
	for _, tt := range tests {
		ex := newFakeExchange(core.MarketUSDM, core.Long)
		ex.FailNextSubmit(tt.err)
		x := newTestExecutor(ex, &fakeTracker{}, nil)
		res := x.Execute(context.Background(), core.ActionClose, d("1"))
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.Equal(t, tt.kind, res.ErrKind)
		assert.Zero(t, ex.getOrders)
		assert.False(t, x.Busy())
	}
}

func TestExecutorLegalizesQuantity(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	x := newTestExecutor(ex, &fakeTracker{refreshed: d("1.234")}, func(o *ExecutorOptions) {
		o.Legalize = func(q decimal.Decimal) decimal.Decimal { return q.Truncate(3) }
	})
	res := x.Execute(context.Background(), core.ActionOpen, d("1.23456"))
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, "1.234", ex.Submits()[0].Quantity.String())

	res = x.Execute(context.Background(), core.ActionOpen, d("0.0004"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Len(t, ex.Submits(), 1)
}

func TestExecutorLockIsExclusive(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ex.onSubmit = func() {
		once.Do(func() { close(entered) })
		<-release
	}
	x := newTestExecutor(ex, &fakeTracker{refreshed: d("1")}, nil)

	done := make(chan Result, 1)
	go func() { done <- x.Execute(context.Background(), core.ActionOpen, d("1")) }()
	<-entered

	assert.True(t, x.Busy())
	assert.Equal(t, "opening", x.State())
	skipped := x.Execute(context.Background(), core.ActionClose, d("1"))
	assert.Equal(t, OutcomeSkippedBusy, skipped.Outcome)

	close(release)
	first := <-done
	assert.Equal(t, OutcomeFilled, first.Outcome)
	assert.Len(t, ex.Submits(), 1)
	assert.False(t, x.Busy())
}

func TestExecutorReleasesLockOnPanic(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	ex.onSubmit = func() { panic("boom") }
	x := newTestExecutor(ex, &fakeTracker{refreshed: d("1")}, nil)

	res := x.Execute(context.Background(), core.ActionOpen, d("1"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "boom")
	assert.False(t, x.Busy())

	ex.mu.Lock()
	ex.onSubmit = nil
	ex.mu.Unlock()
	res = x.Execute(context.Background(), core.ActionOpen, d("1"))
	assert.Equal(t, OutcomeFilled, res.Outcome)
}

func TestExecutorRespectsOpenBreaker(t *testing.T) {
	ex := newFakeExchange(core.MarketUSDM, core.Long)
	breaker := safety.NewBreaker(true, 1, 0)
	x := newTestExecutor(ex, &fakeTracker{}, func(o *ExecutorOptions) { o.Breaker = breaker })

	ex.FailNextSubmit(errors.New("connection reset"))
	res := x.Execute(context.Background(), core.ActionOpen, d("1"))
	assert.Equal(t, OutcomeFailed, res.Outcome)

	res = x.Execute(context.Background(), core.ActionOpen, d("1"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Len(t, ex.Submits(), 1)
}
