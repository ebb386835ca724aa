package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

const DefaultCallTimeout = 10 * time.Second

// Limited wraps an Exchange with a shared request rate limit and a per-call deadline.
type Limited struct {
	inner   Exchange
	limiter *rate.Limiter
	timeout time.Duration
}

type LimitOptions struct {
	RequestsPerSecond float64
	Burst             int
	CallTimeout       time.Duration
}

func NewLimited(inner Exchange, opts LimitOptions) *Limited {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		timeout: opts.CallTimeout,
	}
}

func (l *Limited) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	return callCtx, cancel, nil
}

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) Market() core.MarketType { return l.inner.Market() }

func (l *Limited) SubmitMarketOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	callCtx, cancel, err := l.begin(ctx)
	if err != nil {
		return core.OrderAck{}, err
	}
	defer cancel()
	return l.inner.SubmitMarketOrder(callCtx, req)
}

func (l *Limited) GetOrder(ctx context.Context, symbol, orderID string) (core.OrderReport, error) {
	callCtx, cancel, err := l.begin(ctx)
	if err != nil {
		return core.OrderReport{}, err
	}
	defer cancel()
	return l.inner.GetOrder(callCtx, symbol, orderID)
}

func (l *Limited) AccountSnapshot(ctx context.Context) (core.AccountSnapshot, error) {
	callCtx, cancel, err := l.begin(ctx)
	if err != nil {
		return core.AccountSnapshot{}, err
	}
	defer cancel()
	return l.inner.AccountSnapshot(callCtx)
}

func (l *Limited) ExchangeRules(ctx context.Context) (core.RuleBook, error) {
	callCtx, cancel, err := l.begin(ctx)
	if err != nil {
		return core.RuleBook{}, err
	}
	defer cancel()
	return l.inner.ExchangeRules(callCtx)
}

func (l *Limited) TradeHistory(ctx context.Context, symbol string, since time.Time) ([]core.Trade, error) {
	callCtx, cancel, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return l.inner.TradeHistory(callCtx, symbol, since)
}

func (l *Limited) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	callCtx, cancel, err := l.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return l.inner.SetLeverage(callCtx, symbol, leverage)
}
