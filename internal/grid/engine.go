package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/exchange"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/precision"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/safety"
)

type Status string

const (
	StatusUninitialized    Status = "uninitialized"
	StatusInitializing     Status = "initializing"
	StatusTrading          Status = "trading"
	StatusPausedManual     Status = "paused_manual"
	StatusPausedPriceBand  Status = "paused_price_band"
	StatusPausedEntryPrice Status = "paused_entry_price"
	StatusStopped          Status = "stopped"
)

type pauseReason string

const (
	pauseNone         pauseReason = ""
	pauseInitializing pauseReason = "initializing"
	pausePriceBand    pauseReason = "price_band"
	pauseEntryPrice   pauseReason = "entry_price"
)

const (
	DefaultResyncEvery      = 100
	DefaultResyncInterval   = 5 * time.Minute
	DefaultRateLimitBackoff = 30 * time.Second
	DefaultInitAttempts     = 3
	DefaultInitRetryDelay   = time.Second
	DefaultTradeLookback    = 30 * 24 * time.Hour
)

// gridFeeRate is the per-leg fee assumed by the expected-profit estimate in logs.
var gridFeeRate = decimal.RequireFromString("0.001")

var ErrStopped = errors.New("grid engine stopped")

type Options struct {
	PollRetries      int
	PollDelay        time.Duration
	SettleDelay      time.Duration
	ResyncEvery      int
	ResyncInterval   time.Duration
	RateLimitBackoff time.Duration
	InitAttempts     int
	InitRetryDelay   time.Duration
	TradeLookback    time.Duration
	Now              func() time.Time
	Sleep            func(ctx context.Context, d time.Duration) error
}

type Deps struct {
	Exchange exchange.Exchange
	Rules    *precision.Cache
	Events   event.Publisher
	Breaker  *safety.Breaker
}

type accountState struct {
	position  decimal.Decimal
	entry     decimal.Decimal
	breakEven decimal.Decimal
	quoteFree decimal.Decimal
	spot      bool
}

// Engine runs one grid on one symbol and side. Ticks are evaluated under the
// engine mutex; orders run on their own goroutine behind the executor lock.
type Engine struct {
	cfg    Config
	ex     exchange.Exchange
	rules  *precision.Cache
	events event.Publisher
	opts   Options
	exec   *Executor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	book          core.RuleBook
	initialized   bool
	stopped       bool
	manualPause   bool
	autoPause     pauseReason
	status        Status
	reason        string
	lastErr       string
	position      decimal.Decimal
	entryPrice    decimal.Decimal
	breakEven     decimal.Decimal
	quoteFree     decimal.Decimal
	history       []core.Fill
	thresholds    Thresholds
	lastPrice     decimal.Decimal
	lastActed     time.Time
	lastRefresh   time.Time
	backoffUntil  time.Time
	tickCount     uint64
	fillSeq       uint64
	refreshing    bool
	limitNotified bool
}

func New(cfg Config, deps Deps, opts Options) (*Engine, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Exchange == nil {
		return nil, fmt.Errorf("%w: grid %s has no exchange", core.ErrInvalidConfig, cfg.ID)
	}
	if deps.Events == nil {
		deps.Events = event.Discard
	}
	if opts.ResyncEvery <= 0 {
		opts.ResyncEvery = DefaultResyncEvery
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = DefaultResyncInterval
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if opts.InitAttempts <= 0 {
		opts.InitAttempts = DefaultInitAttempts
	}
	if opts.InitRetryDelay <= 0 {
		opts.InitRetryDelay = DefaultInitRetryDelay
	}
	if opts.TradeLookback <= 0 {
		opts.TradeLookback = DefaultTradeLookback
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		ex:     deps.Exchange,
		rules:  deps.Rules,
		events: deps.Events,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		status: StatusUninitialized,
	}
	e.exec = NewExecutor(deps.Exchange, e, ExecutorOptions{
		StrategyID:  cfg.ID,
		Symbol:      cfg.Symbol,
		Side:        cfg.PositionSide,
		Market:      cfg.Market,
		PollRetries: opts.PollRetries,
		PollDelay:   opts.PollDelay,
		SettleDelay: opts.SettleDelay,
		Legalize:    e.legalize,
		Breaker:     deps.Breaker,
		Sleep:       opts.Sleep,
		Now:         opts.Now,
	})
	return e, nil
}

func (e *Engine) ID() string     { return e.cfg.ID }
func (e *Engine) Symbol() string { return e.cfg.Symbol }
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Market() core.MarketType { return e.cfg.Market }

func (e *Engine) Position() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *Engine) LastPrice() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrice
}

func (e *Engine) Status() core.ExecutionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) legalize(qty decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	book := e.book
	e.mu.Unlock()
	if e.rules == nil {
		return core.LegalizeQuantity(core.RuleSet{Symbol: e.cfg.Symbol}, qty)
	}
	return e.rules.Legalize(book, e.cfg.Symbol, qty)
}

// Init loads rules and the account, tops the position up to the configured
// minimum and then admits ticks. An account failure is returned after
// InitAttempts tries so the caller can back off and retry.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.autoPause = pauseInitializing
	e.setStatusLocked(StatusInitializing, "")
	e.mu.Unlock()

	fields := e.fields()
	book := core.RuleBook{}
	if e.rules != nil {
		book = e.rules.Resolve(ctx, e.ex, false)
	}
	if _, ok := book.Lookup(e.cfg.Symbol); !ok {
		logger.Event("grid_rules_missing").WithFields(fields).Warn("symbol has no trading rules, using default precision")
	}
	e.mu.Lock()
	e.book = book
	e.mu.Unlock()

	if e.cfg.Market == core.MarketUSDM && e.cfg.Leverage > 0 {
		if err := e.ex.SetLeverage(ctx, e.cfg.Symbol, e.cfg.Leverage); err != nil {
			logger.Event("grid_leverage_failed").WithFields(fields).WithError(err).Warn("set leverage failed")
		}
	}

	var err error
	for attempt := 1; attempt <= e.opts.InitAttempts; attempt++ {
		if _, err = e.Refresh(ctx); err == nil {
			break
		}
		logger.Event("grid_init_account_failed").WithFields(fields).WithField("attempt", attempt).WithError(err).Warn("account refresh failed")
		if attempt < e.opts.InitAttempts {
			if serr := e.opts.Sleep(ctx, e.opts.InitRetryDelay); serr != nil {
				return serr
			}
		}
	}
	if err != nil {
		e.mu.Lock()
		e.lastErr = err.Error()
		e.publishLocked(e.warnLocked(core.Classify(err), err))
		e.mu.Unlock()
		return fmt.Errorf("grid %s init: %w", e.cfg.ID, err)
	}

	e.mu.Lock()
	pos := e.position
	e.mu.Unlock()
	if minQty := e.cfg.MinOpenPositionQuantity; minQty.Valid && pos.LessThan(minQty.Decimal) {
		qty := minQty.Decimal.Sub(pos).Add(e.cfg.OpenQty())
		logger.Event("grid_min_topup").WithFields(fields).WithFields(logrus.Fields{
			"position": pos.String(),
			"min":      minQty.Decimal.String(),
			"qty":      qty.String(),
		}).Info("opening to minimum position")
		e.handleResult(e.exec.Execute(ctx, core.ActionOpen, qty))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	e.initialized = true
	e.autoPause = pauseNone
	if e.manualPause {
		e.setStatusLocked(StatusPausedManual, "")
	} else {
		e.setStatusLocked(StatusTrading, "")
	}
	logger.Event("grid_initialized").WithFields(fields).WithFields(logrus.Fields{
		"position": e.position.String(),
		"entry":    e.entryPrice.String(),
	}).Info("grid ready")
	return nil
}

// Refresh reads the account and applies it. It is the synchronous path used
// during Init and by the executor, so it always applies.
func (e *Engine) Refresh(ctx context.Context) (decimal.Decimal, error) {
	st, err := e.fetchAccount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyAccountLocked(st)
	return e.position, nil
}

func (e *Engine) fetchAccount(ctx context.Context) (accountState, error) {
	snap, err := e.ex.AccountSnapshot(ctx)
	if err != nil {
		return accountState{}, err
	}
	var st accountState
	if e.cfg.Market == core.MarketSpot {
		base, quote := e.assets()
		st.spot = true
		st.position = snap.Balance(base).Free
		st.quoteFree = snap.Balance(quote).Free
		trades, err := e.ex.TradeHistory(ctx, e.cfg.Symbol, e.opts.Now().Add(-e.opts.TradeLookback))
		if err != nil {
			logger.Event("grid_trade_history_failed").WithFields(e.fields()).WithError(err).Warn("entry price unavailable")
		} else {
			st.entry = exchange.AverageBuyPrice(trades)
		}
		return st, nil
	}
	if p, ok := snap.Position(e.cfg.Symbol, e.cfg.PositionSide); ok {
		st.position = p.Qty.Abs()
		st.entry = p.EntryPrice
		st.breakEven = p.BreakEvenPrice
	}
	return st, nil
}

func (e *Engine) assets() (string, string) {
	e.mu.Lock()
	book := e.book
	e.mu.Unlock()
	if rs, ok := book.Lookup(e.cfg.Symbol); ok && rs.BaseAsset != "" && rs.QuoteAsset != "" {
		return rs.BaseAsset, rs.QuoteAsset
	}
	base, quote, _ := core.SplitSymbol(e.cfg.Symbol)
	return base, quote
}

func (e *Engine) applyAccountLocked(st accountState) {
	e.position = st.position
	if st.entry.Sign() > 0 {
		e.entryPrice = st.entry
	} else if e.position.Sign() == 0 {
		e.entryPrice = decimal.Zero
	}
	e.breakEven = st.breakEven
	if st.spot {
		e.quoteFree = st.quoteFree
	}
	e.lastRefresh = e.opts.Now()
	if e.position.Sign() == 0 && len(e.history) > 0 && !e.exec.Busy() {
		logger.Event("grid_history_reset").WithFields(e.fields()).WithField("depth", len(e.history)).Warn("position is flat, dropping open layers")
		e.history = nil
	}
}

// Resync schedules a background account refresh, e.g. after the price feed
// was down. It is a no-op before Init completes.
func (e *Engine) Resync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return
	}
	e.resyncAsyncLocked()
}

// resyncAsyncLocked refreshes the account in the background. The snapshot is
// dropped if an order was in flight or a fill landed while it was fetched.
func (e *Engine) resyncAsyncLocked() {
	if e.refreshing || e.stopped {
		return
	}
	e.refreshing = true
	seq := e.fillSeq
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		st, err := e.fetchAccount(e.ctx)
		e.mu.Lock()
		defer e.mu.Unlock()
		e.refreshing = false
		if err != nil {
			logger.Event("grid_resync_failed").WithFields(e.fields()).WithError(err).Warn("account resync failed")
			return
		}
		if e.exec.Busy() || seq != e.fillSeq {
			logger.Event("grid_resync_discarded").WithFields(e.fields()).Debug("stale account snapshot")
			return
		}
		e.applyAccountLocked(st)
	}()
}

// OnTick evaluates one price. At most one action is started per tick.
func (e *Engine) OnTick(price decimal.Decimal) error {
	if price.Sign() <= 0 {
		return fmt.Errorf("grid %s: invalid tick price %s", e.cfg.ID, price)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if !e.initialized {
		return core.ErrNotInitialized
	}
	e.lastPrice = price

	if e.manualPause {
		e.setStatusLocked(StatusPausedManual, "")
		return nil
	}
	if e.bandPausedLocked(price) {
		e.autoPause = pausePriceBand
		e.setStatusLocked(StatusPausedPriceBand, "price outside band")
		return nil
	}
	if e.entryPausedLocked(price) {
		e.autoPause = pauseEntryPrice
		e.setStatusLocked(StatusPausedEntryPrice, "price crossed entry")
		return nil
	}
	e.autoPause = pauseNone
	e.setStatusLocked(StatusTrading, "")

	now := e.opts.Now()
	if !e.lastActed.IsZero() && now.Sub(e.lastActed) < e.cfg.PollingInterval {
		return nil
	}
	e.lastActed = now
	if now.Before(e.backoffUntil) {
		logger.Event("grid_rate_limit_backoff").WithFields(e.fields()).WithField("until", e.backoffUntil).Debug("skipping tick")
		return nil
	}

	e.tickCount++
	if e.tickCount%uint64(e.opts.ResyncEvery) == 0 ||
		now.Sub(e.lastRefresh) > e.opts.ResyncInterval ||
		e.position.Sign() == 0 ||
		len(e.history) == 0 {
		e.resyncAsyncLocked()
	}

	e.decideLocked(price)
	return nil
}

func (e *Engine) bandPausedLocked(price decimal.Decimal) bool {
	if lo := e.cfg.LowerPriceLimit; lo.Valid && price.LessThanOrEqual(lo.Decimal) {
		return true
	}
	if hi := e.cfg.UpperPriceLimit; hi.Valid && price.GreaterThanOrEqual(hi.Decimal) {
		return true
	}
	return false
}

func (e *Engine) entryPausedLocked(price decimal.Decimal) bool {
	if e.entryPrice.Sign() <= 0 {
		return false
	}
	if e.cfg.PauseAboveEntry && price.GreaterThanOrEqual(e.entryPrice) {
		return true
	}
	return e.cfg.PauseBelowEntry && price.LessThanOrEqual(e.entryPrice)
}

func (e *Engine) preferReduceLocked(price decimal.Decimal) bool {
	if !e.cfg.PreferReduceOnTrend || e.entryPrice.Sign() <= 0 || e.position.LessThan(e.cfg.CloseQty()) {
		return false
	}
	if e.cfg.PositionSide == core.Short {
		return e.thresholds.Fall.Valid &&
			price.LessThanOrEqual(e.thresholds.Fall.Decimal) &&
			price.LessThanOrEqual(e.entryPrice)
	}
	return e.thresholds.Rise.Valid &&
		price.GreaterThanOrEqual(e.thresholds.Rise.Decimal) &&
		price.GreaterThanOrEqual(e.entryPrice)
}

func (e *Engine) decideLocked(price decimal.Decimal) {
	pos := e.position
	maxQty := e.cfg.MaxOpenPositionQuantity
	minQty := e.cfg.MinOpenPositionQuantity
	belowMax := !maxQty.Valid || pos.LessThan(maxQty.Decimal)
	if belowMax {
		e.limitNotified = false
	}

	if len(e.history) == 0 && belowMax && !e.preferReduceLocked(price) {
		e.openLocked(price, e.cfg.OpenQty(), "initial")
		return
	}

	if !e.thresholds.Defined() && len(e.history) > 0 {
		last := e.history[len(e.history)-1]
		e.thresholds = nextThresholds(e.cfg.PositionSide, last.AvgPrice, e.cfg.GridPriceDifference, pos, maxQty, e.cfg.FallPreventionCoefficient)
	}
	th := e.thresholds
	canClose := pos.GreaterThanOrEqual(e.cfg.CloseQty()) && (!minQty.Valid || pos.GreaterThanOrEqual(minQty.Decimal))

	var closeHit, openHit bool
	if e.cfg.PositionSide == core.Short {
		closeHit = th.Fall.Valid && price.LessThan(th.Fall.Decimal)
		openHit = th.Rise.Valid && price.GreaterThan(th.Rise.Decimal)
	} else {
		closeHit = th.Rise.Valid && price.GreaterThan(th.Rise.Decimal)
		openHit = th.Fall.Valid && price.LessThan(th.Fall.Decimal)
	}

	switch {
	case closeHit && canClose:
		e.triggerLocked(core.ActionClose, e.cfg.CloseQty(), price, "threshold")
	case openHit && belowMax:
		e.openLocked(price, e.cfg.OpenQty(), "threshold")
	case minQty.Valid && pos.LessThan(minQty.Decimal):
		e.openLocked(price, e.cfg.OpenQty(), "minimum")
	case !belowMax && !e.limitNotified:
		e.limitNotified = true
		ev := e.eventLocked(event.KindLimitReached)
		ev.Reason = "max_open_position_quantity reached"
		e.publishLocked(ev)
		logger.Event("grid_limit_reached").WithFields(e.fields()).WithField("position", pos.String()).Info("maximum position reached")
	}
}

func (e *Engine) openLocked(price, qty decimal.Decimal, why string) {
	if e.cfg.Market == core.MarketSpot {
		need := price.Mul(qty)
		if e.quoteFree.LessThan(need) {
			err := fmt.Errorf("%w: quote free %s below %s", core.ErrInsufficientBalance, e.quoteFree, need)
			e.lastErr = string(core.KindInsufficientFunds)
			e.publishLocked(e.warnLocked(core.KindInsufficientFunds, err))
			logger.Event("grid_insufficient_funds").WithFields(e.fields()).WithError(err).Warn("open skipped")
			return
		}
	}
	e.triggerLocked(core.ActionOpen, qty, price, why)
}

func (e *Engine) triggerLocked(action core.Action, qty, price decimal.Decimal, why string) {
	fields := e.fields()
	fields["action"] = action
	fields["qty"] = qty.String()
	fields["price"] = price.String()
	fields["trigger"] = why
	if !e.exec.acquire(action) {
		logger.Event("grid_executor_busy").WithFields(fields).WithField("state", e.exec.State()).Warn("action skipped")
		return
	}
	fields["expected_profit"] = e.expectedProfitLocked(price).String()
	logger.Event("grid_action").WithFields(fields).Info("executing")
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.handleResult(e.exec.run(e.ctx, action, qty))
	}()
}

// expectedProfitLocked estimates the profit of one full grid cycle at price,
// net of taker fees on both legs.
func (e *Engine) expectedProfitLocked(price decimal.Decimal) decimal.Decimal {
	qty := e.cfg.CloseQty()
	gross := e.cfg.GridPriceDifference.Mul(qty)
	fees := price.Mul(qty).Mul(gridFeeRate).Mul(decimal.NewFromInt(2))
	return gross.Sub(fees)
}

func (e *Engine) handleResult(res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch res.Outcome {
	case OutcomeFilled, OutcomeInferred:
		e.applyFillLocked(res)
		if res.RateLimited {
			e.backoffUntil = e.opts.Now().Add(e.opts.RateLimitBackoff)
		}
	case OutcomeFailed:
		e.applyFailureLocked(res)
	case OutcomeSkippedBusy:
		logger.Event("grid_executor_busy").WithFields(e.fields()).WithField("action", res.Action).Warn("action skipped")
	}
}

func (e *Engine) applyFillLocked(res Result) {
	fill := res.Fill
	qty := fill.ExecutedQty
	if res.PositionAfter.Valid {
		e.position = res.PositionAfter.Decimal
	} else if res.Action == core.ActionOpen {
		total := e.position.Add(qty)
		if total.Sign() > 0 && fill.AvgPrice.Sign() > 0 {
			e.entryPrice = e.entryPrice.Mul(e.position).Add(fill.AvgPrice.Mul(qty)).Div(total)
		}
		e.position = total
	} else {
		e.position = e.position.Sub(qty)
	}
	if e.position.Sign() <= 0 {
		e.position = decimal.Zero
		e.entryPrice = decimal.Zero
	}

	kind := event.KindOpened
	if res.Action == core.ActionOpen {
		e.history = append(e.history, fill)
	} else {
		kind = event.KindClosed
		if n := len(e.history); n > 0 {
			e.history = e.history[:n-1]
		}
	}

	p := fill.AvgPrice
	if p.Sign() <= 0 {
		p = e.lastPrice
	}
	e.thresholds = nextThresholds(e.cfg.PositionSide, p, e.cfg.GridPriceDifference, e.position, e.cfg.MaxOpenPositionQuantity, e.cfg.FallPreventionCoefficient)
	e.fillSeq++
	e.lastErr = ""

	logger.Event("grid_fill").WithFields(e.fields()).WithFields(logrus.Fields{
		"action":    res.Action,
		"outcome":   res.Outcome,
		"order_id":  fill.OrderID,
		"qty":       qty.String(),
		"avg_price": fill.AvgPrice.String(),
		"position":  e.position.String(),
		"next_rise": e.thresholds.Rise.Decimal.String(),
		"next_fall": e.thresholds.Fall.Decimal.String(),
		"depth":     len(e.history),
	}).Info("grid fill")

	ev := e.eventLocked(kind)
	ev.Fill = &fill
	e.publishLocked(ev)
}

func (e *Engine) applyFailureLocked(res Result) {
	switch res.ErrKind {
	case core.KindPositionClosed:
		logger.Event("grid_position_closed").WithFields(e.fields()).WithField("depth", len(e.history)).Warn("position closed outside the grid, resetting")
		e.history = nil
		e.position = decimal.Zero
		e.entryPrice = decimal.Zero
		e.thresholds = Thresholds{}
	case core.KindRateLimit:
		e.backoffUntil = e.opts.Now().Add(e.opts.RateLimitBackoff)
	}
	kind := res.ErrKind
	if kind == core.KindNone {
		kind = core.KindTransient
	}
	e.lastErr = string(kind)
	logger.Event("grid_action_failed").WithFields(e.fields()).WithFields(logrus.Fields{
		"action":   res.Action,
		"err_kind": kind,
	}).WithError(res.Err).Warn("action failed")
	e.publishLocked(e.warnLocked(kind, res.Err))
	e.resyncAsyncLocked()
}

// Pause stops trading until Resume. It does not cancel an order in flight.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.manualPause = true
	e.setStatusLocked(StatusPausedManual, "")
}

// Resume clears the manual pause. An automatic pause still in force keeps its status.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.manualPause = false
	if e.initialized && e.autoPause != pauseInitializing && e.lastPrice.Sign() > 0 {
		// Ticks seen while manually paused skipped the automatic guards.
		switch {
		case e.bandPausedLocked(e.lastPrice):
			e.autoPause = pausePriceBand
		case e.entryPausedLocked(e.lastPrice):
			e.autoPause = pauseEntryPrice
		default:
			e.autoPause = pauseNone
		}
	}
	switch {
	case e.autoPause == pausePriceBand:
		e.setStatusLocked(StatusPausedPriceBand, "price outside band")
	case e.autoPause == pauseEntryPrice:
		e.setStatusLocked(StatusPausedEntryPrice, "price crossed entry")
	case e.autoPause == pauseInitializing:
		e.setStatusLocked(StatusInitializing, "")
	case e.initialized:
		e.setStatusLocked(StatusTrading, "")
	default:
		e.setStatusLocked(StatusUninitialized, "")
	}
}

// Stop rejects further ticks and waits for in-flight work to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.setStatusLocked(StatusStopped, "")
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// WaitIdle blocks until no order or background refresh is running.
func (e *Engine) WaitIdle() {
	e.wg.Wait()
}

func (e *Engine) setStatusLocked(status Status, reason string) {
	if e.status == status && e.reason == reason {
		return
	}
	prev := e.status
	e.status = status
	e.reason = reason
	logger.Event("grid_status").WithFields(e.fields()).WithFields(logrus.Fields{
		"from":   prev,
		"to":     status,
		"reason": reason,
	}).Info("status changed")
	ev := e.eventLocked(event.KindStatus)
	ev.Reason = reason
	e.publishLocked(ev)
}

func (e *Engine) snapshotLocked() core.ExecutionStatus {
	return core.ExecutionStatus{
		StrategyID:   e.cfg.ID,
		Symbol:       e.cfg.Symbol,
		Side:         e.cfg.PositionSide,
		Status:       string(e.status),
		Reason:       e.reason,
		Position:     e.position,
		EntryPrice:   e.entryPrice,
		NextRise:     e.thresholds.Rise,
		NextFall:     e.thresholds.Fall,
		HistoryDepth: len(e.history),
		LastError:    e.lastErr,
		UpdatedAt:    e.opts.Now(),
	}
}

func (e *Engine) eventLocked(kind event.Kind) event.Event {
	st := e.snapshotLocked()
	return event.Event{
		Kind:       kind,
		StrategyID: e.cfg.ID,
		Symbol:     e.cfg.Symbol,
		Side:       e.cfg.PositionSide,
		Status:     string(e.status),
		State:      &st,
		Time:       st.UpdatedAt,
	}
}

func (e *Engine) warnLocked(kind core.ErrorKind, err error) event.Event {
	ev := e.eventLocked(event.KindWarn)
	ev.ErrKind = kind
	ev.Reason = string(kind)
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}

func (e *Engine) publishLocked(ev event.Event) {
	e.events.Publish(ev)
}

func (e *Engine) fields() logrus.Fields {
	return logrus.Fields{
		"strategy": e.cfg.ID,
		"symbol":   e.cfg.Symbol,
		"side":     e.cfg.PositionSide,
		"market":   e.cfg.Market,
	}
}
