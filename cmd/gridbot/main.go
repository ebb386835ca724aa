package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/alert"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/config"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/engine"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/exchange"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/exchange/binance"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/feed"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/grid"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/metrics"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/precision"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/pubsub"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/safety"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/store"
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with API credentials")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger.Init(logger.Config{Level: cfg.Observability.Log.Level, Format: cfg.Observability.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logger.Event("gridbot_failed").WithError(err).Error("gridbot exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	state, err := store.NewStateDir(cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	lock, err := store.AcquireInstanceLock(state.Root(), store.LockOptions{
		InstanceID:      cfg.InstanceID,
		TakeoverEnabled: *cfg.Storage.LockTakeover,
		StaleAfter:      time.Duration(cfg.Storage.LockStaleSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Event("instance_lock_release_failed").WithError(err).Warn("release instance lock failed")
		}
	}()

	db, err := store.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				logger.Event("alert_close_failed").WithError(err).Warn("close alert manager failed")
			}
		}()
	}

	breaker := buildBreaker(cfg)
	if alerts != nil {
		breaker.SetAlerter(alerts)
	}

	sinks := []event.Sink{event.LogSink{}, db, metrics.Sink{}}
	if alerts != nil {
		sinks = append(sinks, alert.EventSink{Alerter: alerts})
	}
	if rc := cfg.Observability.Redis; rc.Enabled {
		publisher := pubsub.NewPublisher(pubsub.NewClient(pubsub.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}), rc.ChannelPrefix)
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}
	bus := event.NewBus(0, sinks...)
	defer bus.Shutdown()

	rules := precision.NewCache(db, precision.Options{
		TTL:           time.Duration(cfg.Precision.TTLSec) * time.Second,
		FetchAttempts: cfg.Precision.FetchAttempts,
		RetryDelay:    time.Duration(cfg.Precision.RetryDelayMs) * time.Millisecond,
	})
	defer rules.Close()

	var runnerAlerts alert.Alerter
	if alerts != nil {
		runnerAlerts = alerts
	}
	runner := engine.NewRunner(buildStreams(cfg, breaker), engine.Options{
		InstanceID: cfg.InstanceID,
		State:      state,
		Alerts:     runnerAlerts,
		Stagger: feed.StaggerOptions{
			Base:   time.Duration(cfg.Feed.StaggerBaseMs) * time.Millisecond,
			Jitter: time.Duration(cfg.Feed.StaggerJitterMs) * time.Millisecond,
		},
		InitRetry: time.Duration(cfg.Feed.InitRetrySec) * time.Second,
		Heartbeat: time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
	})

	exchanges := newExchangeSet(cfg)
	opts := engineOptions(cfg)
	for _, sc := range cfg.Strategies {
		gc := sc.Grid()
		gc.Normalize()
		if err := db.SaveStrategyConfig(ctx, gc); err != nil {
			return fmt.Errorf("save strategy %s: %w", gc.ID, err)
		}
		ex, err := exchanges.get(gc.Account, gc.Market)
		if err != nil {
			return err
		}
		e, err := grid.New(gc, grid.Deps{Exchange: ex, Rules: rules, Events: bus, Breaker: breaker}, opts)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", gc.ID, err)
		}
		if sc.Paused {
			e.Pause()
		}
		if err := runner.Add(e); err != nil {
			return err
		}
	}

	srv := serveMetrics(cfg.Observability.MetricsAddr)
	if srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Event("gridbot_started").WithFields(logrus.Fields{
		"instance":   cfg.InstanceID,
		"mode":       cfg.Mode,
		"strategies": len(cfg.Strategies),
	}).Info("starting strategies")
	return runner.Run(ctx)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(alert.TelegramOptions{
		BotToken: tg.BotToken,
		ChatID:   tg.ChatID,
		BaseURL:  tg.APIBaseURL,
		Timeout:  time.Duration(tg.TimeoutSec) * time.Second,
	})
	return alert.NewManagerWithOptions(cfg.InstanceID, notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
	})
}

func buildBreaker(cfg config.Config) *safety.Breaker {
	cb := cfg.CircuitBreaker
	breaker := safety.NewBreaker(cb.Enabled, cb.MaxPlaceFailures, cb.MaxReconnectFailures)
	cooldown := time.Duration(cb.CooldownSec) * time.Second
	breaker.SetPlaceRecovery(cooldown, cb.ProbePasses)
	breaker.SetReconnectRecovery(cooldown, cb.ProbePasses)
	return breaker
}

func engineOptions(cfg config.Config) grid.Options {
	ec := cfg.Executor
	return grid.Options{
		PollRetries:      *ec.PollRetries,
		PollDelay:        time.Duration(ec.PollDelayMs) * time.Millisecond,
		SettleDelay:      time.Duration(ec.SettleDelayMs) * time.Millisecond,
		ResyncEvery:      ec.ResyncEvery,
		ResyncInterval:   time.Duration(ec.ResyncIntervalSec) * time.Second,
		RateLimitBackoff: time.Duration(ec.RateLimitBackoffSec) * time.Second,
		InitAttempts:     ec.InitAttempts,
	}
}

// buildStreams creates one price stream per market that has strategies.
func buildStreams(cfg config.Config, breaker *safety.Breaker) map[core.MarketType]engine.Stream {
	streams := make(map[core.MarketType]engine.Stream)
	for _, sc := range cfg.Strategies {
		gc := sc.Grid()
		gc.Normalize()
		if _, ok := streams[gc.Market]; ok {
			continue
		}
		url := cfg.Feed.FuturesStreamURL
		if gc.Market == core.MarketSpot {
			url = cfg.Feed.SpotStreamURL
		}
		streams[gc.Market] = feed.NewStreamClient(feed.StreamOptions{
			URL:        url,
			Market:     gc.Market,
			Breaker:    breaker,
			MinBackoff: time.Duration(cfg.Feed.ReconnectMinSec) * time.Second,
			MaxBackoff: time.Duration(cfg.Feed.ReconnectMaxSec) * time.Second,
		})
	}
	return streams
}

type exchangeKey struct {
	account string
	market  core.MarketType
}

// exchangeSet shares one rate-limited client per account and market.
type exchangeSet struct {
	cfg     config.Config
	clients map[exchangeKey]exchange.Exchange
}

func newExchangeSet(cfg config.Config) *exchangeSet {
	return &exchangeSet{cfg: cfg, clients: make(map[exchangeKey]exchange.Exchange)}
}

func (s *exchangeSet) get(account string, market core.MarketType) (exchange.Exchange, error) {
	key := exchangeKey{account: account, market: market}
	if ex, ok := s.clients[key]; ok {
		return ex, nil
	}
	acct, ok := s.cfg.Account(account)
	if !ok {
		return nil, fmt.Errorf("unknown account %q", account)
	}
	xc := s.cfg.Exchange
	var inner exchange.Exchange
	switch market {
	case core.MarketUSDM:
		inner = binance.NewFuturesClient(binance.FuturesOptions{
			APIKey:      acct.APIKey,
			APISecret:   acct.APISecret,
			RestBaseURL: xc.FuturesRestURL,
			HTTPClient:  &http.Client{Timeout: time.Duration(xc.HTTPTimeoutSec) * time.Second},
		})
	case core.MarketSpot:
		inner = binance.NewSpotClient(binance.Options{
			APIKey:         acct.APIKey,
			APISecret:      acct.APISecret,
			RestBaseURL:    xc.SpotRestURL,
			RecvWindowMs:   xc.RecvWindowMs,
			HTTPTimeoutSec: xc.HTTPTimeoutSec,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported market %q", core.ErrInvalidConfig, market)
	}
	ex := exchange.NewLimited(inner, exchange.LimitOptions{
		RequestsPerSecond: xc.RequestsPerSecond,
		Burst:             xc.Burst,
		CallTimeout:       time.Duration(xc.CallTimeoutSec) * time.Second,
	})
	s.clients[key] = ex
	return ex, nil
}

func serveMetrics(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Event("metrics_server_failed").WithField("addr", addr).WithError(err).Error("metrics server stopped")
		}
	}()
	logger.Event("metrics_server_started").WithField("addr", addr).Info("serving /metrics")
	return srv
}
