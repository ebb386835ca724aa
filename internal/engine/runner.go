// Package engine runs a set of grid engines against live price streams.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/alert"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/feed"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/grid"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/store"
)

const (
	DefaultInitRetry = time.Minute
	maxInitRetry     = 10 * time.Minute
)

var (
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrDuplicateStrategy = errors.New("duplicate strategy")
	ErrNoStream          = errors.New("no price stream for market")
	ErrRunning           = errors.New("runner already started")
)

// Stream is a price transport that runs until its context ends.
type Stream interface {
	feed.Transport
	Run(ctx context.Context, listener feed.Listener) error
}

type Options struct {
	InstanceID string
	State      *store.StateDir
	Alerts     alert.Alerter
	Stagger    feed.StaggerOptions
	InitRetry  time.Duration
	Heartbeat  time.Duration
	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Runner is the strategy registry. It starts engines with a stagger, routes
// ticks to them through one multiplexer per market and keeps the runtime
// status file current.
type Runner struct {
	opts    Options
	streams map[core.MarketType]Stream
	muxes   map[core.MarketType]*feed.Multiplexer
	engines []*grid.Engine
	byID    map[string]*grid.Engine

	mu         sync.Mutex
	started    bool
	startedAt  time.Time
	attached   map[string]bool
	initErrs   map[string]string
	reconnects int
	downSince  time.Time
	lastErr    string
}

func NewRunner(streams map[core.MarketType]Stream, opts Options) *Runner {
	if opts.InstanceID == "" {
		opts.InstanceID = "gridbot"
	}
	if opts.InitRetry <= 0 {
		opts.InitRetry = DefaultInitRetry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Runner{
		opts:     opts,
		streams:  streams,
		muxes:    make(map[core.MarketType]*feed.Multiplexer),
		byID:     make(map[string]*grid.Engine),
		attached: make(map[string]bool),
		initErrs: make(map[string]string),
	}
}

// Add registers an engine. Engines are started by Run in the order they were added.
func (r *Runner) Add(e *grid.Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrRunning
	}
	if _, ok := r.byID[e.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, e.ID())
	}
	if _, ok := r.streams[e.Market()]; !ok {
		return fmt.Errorf("%w: %s", ErrNoStream, e.Market())
	}
	r.byID[e.ID()] = e
	r.engines = append(r.engines, e)
	return nil
}

func (r *Runner) Engine(id string) (*grid.Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	return e, ok
}

func (r *Runner) Pause(id string) error {
	e, ok := r.Engine(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	e.Pause()
	return nil
}

func (r *Runner) Resume(id string) error {
	e, ok := r.Engine(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	e.Resume()
	return nil
}

// Statuses returns every strategy's status sorted by id.
func (r *Runner) Statuses() []core.ExecutionStatus {
	r.mu.Lock()
	engines := append([]*grid.Engine(nil), r.engines...)
	r.mu.Unlock()
	out := make([]core.ExecutionStatus, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// Run starts the streams and engines and blocks until ctx is done, then stops
// everything. A cancelled context is a clean shutdown and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrRunning
	}
	r.started = true
	r.startedAt = r.opts.Now().UTC()
	engines := append([]*grid.Engine(nil), r.engines...)
	r.mu.Unlock()

	r.persist("starting")
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var streams sync.WaitGroup
	for _, market := range r.markets(engines) {
		market := market
		stream := r.streams[market]
		mux := feed.NewMultiplexer(stream)
		mux.SetReconnectHook(func() { r.resyncMarket(market) })
		r.mu.Lock()
		r.muxes[market] = mux
		r.mu.Unlock()
		streams.Add(1)
		go func() {
			defer streams.Done()
			if err := stream.Run(runCtx, &statusListener{runner: r, mux: mux}); err != nil {
				logger.Event("feed_stream_stopped").WithField("market", market).WithError(err).Error("price stream stopped")
			}
		}()
	}

	pending := r.starters(engines)
	failed := r.startBatch(runCtx, pending)
	r.persist("running")

	var heartbeat <-chan time.Time
	if r.opts.Heartbeat > 0 {
		ticker := time.NewTicker(r.opts.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	var retry sync.WaitGroup
	if len(failed) > 0 {
		retry.Add(1)
		go func() {
			defer retry.Done()
			r.retryInit(runCtx, failed)
		}()
	}

	for {
		select {
		case <-heartbeat:
			r.persist("running")
		case <-ctx.Done():
			cancel()
			retry.Wait()
			r.shutdown(engines)
			streams.Wait()
			r.persist("stopped")
			return nil
		}
	}
}

func (r *Runner) markets(engines []*grid.Engine) []core.MarketType {
	seen := make(map[core.MarketType]bool)
	var out []core.MarketType
	for _, e := range engines {
		if !seen[e.Market()] {
			seen[e.Market()] = true
			out = append(out, e.Market())
		}
	}
	return out
}

func (r *Runner) starters(engines []*grid.Engine) []feed.Starter {
	out := make([]feed.Starter, 0, len(engines))
	for _, e := range engines {
		out = append(out, starter{runner: r, engine: e})
	}
	return out
}

// startBatch starts the given starters and returns those that did not come up.
func (r *Runner) startBatch(ctx context.Context, starters []feed.Starter) []feed.Starter {
	reports, err := feed.StartBatch(ctx, starters, r.opts.Stagger)
	ok := make(map[string]bool, len(reports))
	for _, rep := range reports {
		if rep.Err == nil {
			ok[rep.ID] = true
		}
	}
	var failed []feed.Starter
	for _, s := range starters {
		if !ok[s.ID()] {
			failed = append(failed, s)
		}
	}
	if err != nil && ctx.Err() == nil {
		r.setLastErr(err)
		for _, rep := range reports {
			if rep.Err != nil {
				r.alert("strategy_init_failed", map[string]string{
					"strategy": rep.ID,
					"error":    rep.Err.Error(),
				})
			}
		}
	}
	return failed
}

// retryInit keeps starting failed engines with a doubling delay.
func (r *Runner) retryInit(ctx context.Context, failed []feed.Starter) {
	wait := r.opts.InitRetry
	for len(failed) > 0 {
		logger.Event("strategy_init_retry").WithFields(logrus.Fields{
			"pending": len(failed),
			"wait":    wait.String(),
		}).Info("retrying failed strategies")
		if r.opts.Sleep(ctx, wait) != nil {
			return
		}
		failed = r.startBatch(ctx, failed)
		if ctx.Err() != nil {
			return
		}
		wait *= 2
		if wait > maxInitRetry {
			wait = maxInitRetry
		}
	}
	r.persist("running")
}

func (r *Runner) attach(e *grid.Engine) error {
	r.mu.Lock()
	mux := r.muxes[e.Market()]
	delete(r.initErrs, e.ID())
	r.mu.Unlock()
	if mux == nil {
		return fmt.Errorf("%w: %s", ErrNoStream, e.Market())
	}
	if err := mux.Register(e); err != nil {
		return err
	}
	r.mu.Lock()
	r.attached[e.ID()] = true
	r.mu.Unlock()
	return nil
}

func (r *Runner) resyncMarket(market core.MarketType) {
	r.mu.Lock()
	engines := append([]*grid.Engine(nil), r.engines...)
	r.mu.Unlock()
	for _, e := range engines {
		if e.Market() == market {
			e.Resync()
		}
	}
}

func (r *Runner) shutdown(engines []*grid.Engine) {
	for _, e := range engines {
		r.mu.Lock()
		mux := r.muxes[e.Market()]
		attached := r.attached[e.ID()]
		r.mu.Unlock()
		if attached && mux != nil {
			mux.Deregister(e.ID())
		}
		e.Stop()
	}
	for _, mux := range r.muxes {
		mux.Close()
	}
	logger.Event("runner_stopped").WithField("strategies", len(engines)).Info("all strategies stopped")
}

func (r *Runner) setLastErr(err error) {
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
}

func (r *Runner) alert(event string, fields map[string]string) {
	if r.opts.Alerts == nil {
		return
	}
	r.opts.Alerts.Important(event, fields)
}

func (r *Runner) persist(state string) {
	if r.opts.State == nil {
		return
	}
	r.mu.Lock()
	status := store.RuntimeStatus{
		InstanceID:     r.opts.InstanceID,
		PID:            os.Getpid(),
		State:          state,
		StartedAt:      r.startedAt,
		UpdatedAt:      r.opts.Now().UTC(),
		LastError:      r.lastErr,
		FeedReconnects: r.reconnects,
	}
	if !r.downSince.IsZero() {
		t := r.downSince
		status.DisconnectedAt = &t
		if state == "running" {
			status.State = "degraded"
		}
	}
	initErrs := make(map[string]string, len(r.initErrs))
	for id, msg := range r.initErrs {
		initErrs[id] = msg
	}
	r.mu.Unlock()

	for _, st := range r.Statuses() {
		status.Strategies = append(status.Strategies, store.StrategyState{
			ID:     st.StrategyID,
			Symbol: st.Symbol,
			Status: st.Status,
			Error:  initErrs[st.StrategyID],
		})
	}
	if err := r.opts.State.SaveRuntimeStatus(status); err != nil {
		logger.Event("runtime_status_write_failed").WithError(err).Warn("runtime status not saved")
	}
}

// starter brings an engine up and, once it is initialized, attaches it to its market's feed.
type starter struct {
	runner *Runner
	engine *grid.Engine
}

func (s starter) ID() string { return s.engine.ID() }

func (s starter) Init(ctx context.Context) error {
	if err := s.engine.Init(ctx); err != nil {
		s.runner.mu.Lock()
		s.runner.initErrs[s.engine.ID()] = err.Error()
		s.runner.mu.Unlock()
		return err
	}
	return s.runner.attach(s.engine)
}

// statusListener records feed health for the runtime status and forwards to the multiplexer.
type statusListener struct {
	runner *Runner
	mux    *feed.Multiplexer
}

func (l *statusListener) OnPriceUpdate(symbol string, price decimal.Decimal) {
	l.mux.OnPriceUpdate(symbol, price)
}

func (l *statusListener) OnError(err error) {
	r := l.runner
	r.mu.Lock()
	first := r.downSince.IsZero()
	if first {
		r.downSince = r.opts.Now().UTC()
	}
	r.lastErr = err.Error()
	r.mu.Unlock()
	if first {
		r.alert("feed_disconnected", map[string]string{"reason": err.Error()})
	}
	l.mux.OnError(err)
}

func (l *statusListener) OnReconnected() {
	r := l.runner
	r.mu.Lock()
	r.reconnects++
	down := time.Duration(0)
	if !r.downSince.IsZero() {
		down = r.opts.Now().Sub(r.downSince).Round(time.Second)
	}
	attempts := r.reconnects
	r.downSince = time.Time{}
	r.mu.Unlock()
	r.alert("feed_reconnected", map[string]string{
		"reconnects":    strconv.Itoa(attempts),
		"down_duration": down.String(),
	})
	r.persist("running")
	l.mux.OnReconnected()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
