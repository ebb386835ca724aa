package grid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/exchange"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/safety"
)

const (
	DefaultPollRetries = 3
	DefaultPollDelay   = 2 * time.Second
	DefaultSettleDelay = time.Second
)

// DefaultInferenceTolerance is the share of the order quantity a position delta
// may drift by and still count as filled.
var DefaultInferenceTolerance = decimal.RequireFromString("0.001")

var ErrFillUnconfirmed = errors.New("fill unconfirmed")

type lockState int32

const (
	lockIdle lockState = iota
	lockOpening
	lockClosing
)

func (s lockState) String() string {
	switch s {
	case lockOpening:
		return "opening"
	case lockClosing:
		return "closing"
	default:
		return "idle"
	}
}

type Outcome string

const (
	OutcomeFilled      Outcome = "filled"
	OutcomeInferred    Outcome = "inferred"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkippedBusy Outcome = "skipped_busy"
)

func (o Outcome) Succeeded() bool {
	return o == OutcomeFilled || o == OutcomeInferred
}

type Result struct {
	Outcome Outcome
	Action  core.Action
	Fill    core.Fill
	Err     error
	ErrKind core.ErrorKind

	// PositionAfter is the exchange position read back after the fill, when available.
	PositionAfter decimal.NullDecimal
	// RateLimited marks a result resolved after the exchange throttled status queries.
	RateLimited   bool
}

// Tracker is the executor's view of the position it trades.
type Tracker interface {
	Position() decimal.Decimal
	Refresh(ctx context.Context) (decimal.Decimal, error)
	LastPrice() decimal.Decimal
}

type ExecutorOptions struct {
	StrategyID  string
	Symbol      string
	Side        core.PositionSide
	Market      core.MarketType
	PollRetries int
	PollDelay   time.Duration
	SettleDelay time.Duration
	Tolerance   decimal.Decimal
	Legalize    func(decimal.Decimal) decimal.Decimal
	Breaker     *safety.Breaker
	Sleep       func(ctx context.Context, d time.Duration) error
	Now         func() time.Time
	NewClientID func() string
}

// Executor serializes market orders for one grid instance and resolves each one
// to a fill, polling the order first and inferring from the position delta last.
type Executor struct {
	ex      exchange.Exchange
	tracker Tracker
	opts    ExecutorOptions
	state   atomic.Int32
}

func NewExecutor(ex exchange.Exchange, tracker Tracker, opts ExecutorOptions) *Executor {
	if opts.PollRetries < 0 {
		opts.PollRetries = 0
	} else if opts.PollRetries == 0 {
		opts.PollRetries = DefaultPollRetries
	}
	if opts.PollDelay <= 0 {
		opts.PollDelay = DefaultPollDelay
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Tolerance.Sign() <= 0 {
		opts.Tolerance = DefaultInferenceTolerance
	}
	if opts.Legalize == nil {
		opts.Legalize = func(q decimal.Decimal) decimal.Decimal { return q.Truncate(core.DefaultPlaces) }
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewClientID == nil {
		opts.NewClientID = newClientOrderID
	}
	return &Executor{ex: ex, tracker: tracker, opts: opts}
}

// newClientOrderID fits the exchange's 36 character client id limit.
func newClientOrderID() string {
	return "grid" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (x *Executor) Busy() bool {
	return lockState(x.state.Load()) != lockIdle
}

func (x *Executor) State() string {
	return lockState(x.state.Load()).String()
}

func (x *Executor) acquire(action core.Action) bool {
	busy := lockOpening
	if action == core.ActionClose {
		busy = lockClosing
	}
	return x.state.CompareAndSwap(int32(lockIdle), int32(busy))
}

func (x *Executor) release() {
	x.state.Store(int32(lockIdle))
}

// Execute runs one action end to end. A busy executor returns OutcomeSkippedBusy
// without touching the exchange.
func (x *Executor) Execute(ctx context.Context, action core.Action, qty decimal.Decimal) Result {
	if !x.acquire(action) {
		return Result{Outcome: OutcomeSkippedBusy, Action: action}
	}
	return x.run(ctx, action, qty)
}

// run expects the lock to be held and always releases it.
func (x *Executor) run(ctx context.Context, action core.Action, qty decimal.Decimal) (res Result) {
	defer x.release()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("execution panic: %v", r)
			logger.Event("order_execution_panic").WithFields(x.fields(action)).Error(err.Error())
			res = Result{Outcome: OutcomeFailed, Action: action, Err: err, ErrKind: core.KindTransient}
		}
	}()

	if err := x.opts.Breaker.AllowPlace(); err != nil {
		return failed(action, err)
	}

	pre := x.tracker.Position()
	legal := x.opts.Legalize(qty)
	if legal.Sign() <= 0 {
		return failed(action, fmt.Errorf("%w: quantity %s legalizes to zero", core.ErrOrderRejected, qty))
	}

	req := core.OrderRequest{
		Symbol:        x.opts.Symbol,
		Side:          core.OrderSide(action, x.opts.Side),
		Quantity:      legal,
		ClientOrderID: x.opts.NewClientID(),
	}
	if x.opts.Market == core.MarketUSDM {
		req.PositionSide = x.opts.Side
	}
	fields := x.fields(action)
	fields["qty"] = legal.String()
	fields["client_order_id"] = req.ClientOrderID

	ack, err := x.ex.SubmitMarketOrder(ctx, req)
	kind := core.Classify(err)
	if kind == core.KindTransient || kind == core.KindRateLimit {
		_ = x.opts.Breaker.RecordPlace(err)
	} else {
		_ = x.opts.Breaker.RecordPlace(nil)
	}
	if err != nil {
		logger.Event("order_submit_failed").WithFields(fields).WithField("err_kind", kind).WithError(err).Warn("market order rejected")
		return failed(action, err)
	}
	fields["order_id"] = ack.OrderID
	logger.Event("order_submitted").WithFields(fields).Info("market order accepted")

	// A submitted order is always resolved, even if the caller goes away.
	vctx := context.WithoutCancel(ctx)
	_ = x.opts.Sleep(vctx, x.opts.SettleDelay)

	report, definitive, throttled, pollErr := x.poll(vctx, ack.OrderID, fields)
	if definitive {
		if pollErr != nil {
			return failed(action, pollErr)
		}
		fill := x.fill(action, ack.OrderID, legal, report.ExecutedQty, report.AvgPrice, false)
		res := Result{Outcome: OutcomeFilled, Action: action, Fill: fill}
		if after, err := x.tracker.Refresh(vctx); err == nil {
			res.PositionAfter = some(after)
		} else {
			logger.Event("position_refresh_failed").WithFields(fields).WithError(err).Warn("post-fill refresh failed")
		}
		return res
	}
	if throttled {
		// Give the weight window a moment before hitting the position endpoint.
		_ = x.opts.Sleep(vctx, x.opts.PollDelay)
	}
	res = x.infer(vctx, action, ack.OrderID, pre, legal, fields)
	res.RateLimited = throttled
	if throttled && res.Outcome == OutcomeFailed {
		res.ErrKind = core.KindRateLimit
	}
	return res
}

// poll reports definitive=true once the exchange gave a terminal answer and
// throttled=true when it stopped early because of a rate limit.
func (x *Executor) poll(ctx context.Context, orderID string, fields logrus.Fields) (report core.OrderReport, definitive, throttled bool, err error) {
	attempts := x.opts.PollRetries + 1
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := x.opts.Sleep(ctx, x.opts.PollDelay); err != nil {
				return core.OrderReport{}, false, false, nil
			}
		}
		report, err := x.ex.GetOrder(ctx, x.opts.Symbol, orderID)
		if err != nil {
			logger.Event("order_query_failed").WithFields(fields).WithField("attempt", i+1).WithError(err).Warn("order status unavailable")
			if core.Classify(err) == core.KindRateLimit {
				return core.OrderReport{}, false, true, nil
			}
			continue
		}
		if report.Status == core.OrderFilled || (report.Status.Terminal() && report.ExecutedQty.Sign() > 0) {
			return report, true, false, nil
		}
		if report.Status.Terminal() {
			return report, true, false, fmt.Errorf("%w: order %s ended %s", core.ErrOrderRejected, orderID, report.Status)
		}
	}
	return core.OrderReport{}, false, false, nil
}

func (x *Executor) infer(ctx context.Context, action core.Action, orderID string, pre, qty decimal.Decimal, fields logrus.Fields) Result {
	actual, err := x.tracker.Refresh(ctx)
	if err != nil {
		logger.Event("fill_inference_failed").WithFields(fields).WithError(err).Warn("position refresh failed during inference")
		return failed(action, fmt.Errorf("%w: order %s: %v", ErrFillUnconfirmed, orderID, err))
	}
	expected := pre.Add(qty)
	if action == core.ActionClose {
		expected = pre.Sub(qty)
	}
	drift := actual.Sub(expected).Abs()
	tolerance := qty.Mul(x.opts.Tolerance)
	fields["pre"] = pre.String()
	fields["expected"] = expected.String()
	fields["actual"] = actual.String()
	if drift.GreaterThan(tolerance) {
		logger.Event("fill_inference_failed").WithFields(fields).Warn("position delta does not match order")
		return failed(action, fmt.Errorf("%w: order %s position %s, expected %s", ErrFillUnconfirmed, orderID, actual, expected))
	}
	logger.Event("fill_inferred").WithFields(fields).Warn("order status unknown, fill inferred from position")
	fill := x.fill(action, orderID, qty, qty, x.tracker.LastPrice(), true)
	return Result{Outcome: OutcomeInferred, Action: action, Fill: fill, PositionAfter: some(actual)}
}

func (x *Executor) fill(action core.Action, orderID string, requested, executed, avg decimal.Decimal, inferred bool) core.Fill {
	if executed.Sign() <= 0 {
		executed = requested
	}
	if avg.Sign() <= 0 {
		avg = x.tracker.LastPrice()
	}
	return core.Fill{
		StrategyID:   x.opts.StrategyID,
		Symbol:       x.opts.Symbol,
		Action:       action,
		Side:         x.opts.Side,
		OrderID:      orderID,
		RequestedQty: requested,
		ExecutedQty:  executed,
		AvgPrice:     avg,
		Inferred:     inferred,
		Time:         x.opts.Now(),
	}
}

func (x *Executor) fields(action core.Action) logrus.Fields {
	return logrus.Fields{
		"strategy": x.opts.StrategyID,
		"symbol":   x.opts.Symbol,
		"side":     x.opts.Side,
		"action":   action,
	}
}

func failed(action core.Action, err error) Result {
	return Result{Outcome: OutcomeFailed, Action: action, Err: err, ErrKind: core.Classify(err)}
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
