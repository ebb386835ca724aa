package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/config"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/exchange/binance"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/grid"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/precision"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/store"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Strategy    string       `json:"strategy"`
	Symbol      string       `json:"symbol"`
	Market      string       `json:"market"`
	Status      checkStatus  `json:"status"`
	DurationMs  int64        `json:"duration_ms"`
	StepSize    string       `json:"step_size,omitempty"`
	TickSize    string       `json:"tick_size,omitempty"`
	MinQty      string       `json:"min_qty,omitempty"`
	MinNotional string       `json:"min_notional,omitempty"`
	RawQty      string       `json:"raw_qty,omitempty"`
	LegalQty    string       `json:"legal_qty,omitempty"`
	RawPrice    string       `json:"raw_price,omitempty"`
	LegalPrice  string       `json:"legal_price,omitempty"`
	BookFetched time.Time    `json:"book_fetched_at,omitempty"`
	Error       string       `json:"error,omitempty"`
	State       *stateReport `json:"state,omitempty"`
}

// stateReport is what the bot last persisted for a strategy.
type stateReport struct {
	Status  *core.ExecutionStatus `json:"status,omitempty"`
	History []core.Fill           `json:"history,omitempty"`
	Events  []event.Event         `json:"events,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Checks     []checkResult `json:"checks"`
}

// rulecheck resolves the trading rules for every configured strategy and
// prints how its order size and a sample price would be legalized.
func main() {
	var (
		configPath  string
		strategyID  string
		priceFlag   string
		outJSONPath string
		force       bool
		showState   bool
		stateLimit  int
		timeoutSec  int
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&strategyID, "strategy", "", "only check this strategy id; its last persisted config wins over the file")
	flag.StringVar(&priceFlag, "price", "", "optional sample price to legalize")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&force, "force", false, "skip cached tiers and fetch rules from the exchange")
	flag.BoolVar(&showState, "state", false, "also print the persisted status, fills and events")
	flag.IntVar(&stateLimit, "state-limit", 10, "fills and events shown with -state")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger.Init(logger.Config{Level: "warn", Format: cfg.Observability.Log.Format})

	var samplePrice decimal.Decimal
	if priceFlag != "" {
		samplePrice, err = decimal.NewFromString(priceFlag)
		if err != nil {
			fatal(fmt.Sprintf("invalid -price: %v", err))
		}
	}
	if timeoutSec < 5 {
		timeoutSec = 5
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	db, err := store.Open(cfg.Storage.SQLitePath)
	if err != nil {
		fatal(err.Error())
	}
	defer db.Close()
	cache := precision.NewCache(db, precision.Options{
		TTL:           time.Duration(cfg.Precision.TTLSec) * time.Second,
		FetchAttempts: cfg.Precision.FetchAttempts,
		RetryDelay:    time.Duration(cfg.Precision.RetryDelayMs) * time.Millisecond,
	})
	defer cache.Close()

	strategies, err := selectStrategies(ctx, cfg, db, strategyID)
	if err != nil {
		fatal(err.Error())
	}
	r := report{StartedAt: time.Now().UTC(), Mode: cfg.Mode}
	for _, gc := range strategies {
		start := time.Now()
		cr := check(ctx, cfg, cache, gc, samplePrice, force)
		if showState {
			state, err := loadState(ctx, db, gc.ID, stateLimit)
			if err != nil {
				cr = failed(cr, err)
			}
			cr.State = state
		}
		cr.DurationMs = time.Since(start).Milliseconds()
		r.Checks = append(r.Checks, cr)
		printResult(cr)
	}
	r.FinishedAt = time.Now().UTC()

	if outJSONPath != "" {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			fatal(err.Error())
		}
		if err := os.WriteFile(outJSONPath, data, 0o644); err != nil {
			fatal(err.Error())
		}
	}
	for _, cr := range r.Checks {
		if cr.Status == statusFail {
			os.Exit(1)
		}
	}
}

// selectStrategies returns every strategy in the file, or only id. For a single
// id the config the bot last persisted is preferred, so strategies removed from
// the file can still be inspected.
func selectStrategies(ctx context.Context, cfg config.Config, db *store.DB, id string) ([]grid.Config, error) {
	if id == "" {
		out := make([]grid.Config, 0, len(cfg.Strategies))
		for _, sc := range cfg.Strategies {
			gc := sc.Grid()
			gc.Normalize()
			out = append(out, gc)
		}
		if len(out) == 0 {
			return nil, errors.New("no strategies configured")
		}
		return out, nil
	}
	gc, ok, err := db.LoadStrategyConfig(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load strategy %s: %w", id, err)
	}
	if ok {
		gc.Normalize()
		return []grid.Config{gc}, nil
	}
	for _, sc := range cfg.Strategies {
		gc := sc.Grid()
		gc.Normalize()
		if gc.ID == id {
			return []grid.Config{gc}, nil
		}
	}
	return nil, fmt.Errorf("strategy %q not found in config or store", id)
}

func loadState(ctx context.Context, db *store.DB, id string, limit int) (*stateReport, error) {
	st := &stateReport{}
	status, ok, err := db.LoadExecutionStatus(ctx, id)
	if err != nil {
		return st, fmt.Errorf("load status %s: %w", id, err)
	}
	if ok {
		st.Status = &status
	}
	if st.History, err = db.ListHistory(ctx, id, limit); err != nil {
		return st, fmt.Errorf("list history %s: %w", id, err)
	}
	if st.Events, err = db.ListEvents(ctx, id, limit); err != nil {
		return st, fmt.Errorf("list events %s: %w", id, err)
	}
	return st, nil
}

func check(ctx context.Context, cfg config.Config, cache *precision.Cache, gc grid.Config, price decimal.Decimal, force bool) checkResult {
	cr := checkResult{Strategy: gc.ID, Symbol: gc.Symbol, Market: string(gc.Market)}
	src, err := newSource(cfg, gc)
	if err != nil {
		return failed(cr, err)
	}
	book := cache.Resolve(ctx, src, force)
	rs, ok := cache.Lookup(src.Name(), src.Market(), gc.Symbol)
	if !ok {
		return failed(cr, fmt.Errorf("no rules for %s in %s %s book", gc.Symbol, book.Exchange, book.Market))
	}
	cr.BookFetched = book.FetchedAt
	cr.StepSize = rs.StepSize.String()
	cr.TickSize = rs.TickSize.String()
	cr.MinQty = rs.MinQty.String()
	cr.MinNotional = rs.MinNotional.String()
	cr.RawQty = gc.TradeQuantity.String()
	cr.LegalQty = cache.Legalize(book, gc.Symbol, gc.TradeQuantity).String()
	if price.Sign() > 0 {
		cr.RawPrice = price.String()
		cr.LegalPrice = cache.LegalizePrice(book, gc.Symbol, price).String()
	}
	cr.Status = statusPass
	return cr
}

func newSource(cfg config.Config, gc grid.Config) (precision.Source, error) {
	acct, ok := cfg.Account(gc.Account)
	if !ok {
		return nil, fmt.Errorf("unknown account %q", gc.Account)
	}
	xc := cfg.Exchange
	switch gc.Market {
	case core.MarketUSDM:
		return binance.NewFuturesClient(binance.FuturesOptions{
			APIKey:      acct.APIKey,
			APISecret:   acct.APISecret,
			RestBaseURL: xc.FuturesRestURL,
			HTTPClient:  &http.Client{Timeout: time.Duration(xc.HTTPTimeoutSec) * time.Second},
		}), nil
	case core.MarketSpot:
		return binance.NewSpotClient(binance.Options{
			APIKey:         acct.APIKey,
			APISecret:      acct.APISecret,
			RestBaseURL:    xc.SpotRestURL,
			RecvWindowMs:   xc.RecvWindowMs,
			HTTPTimeoutSec: xc.HTTPTimeoutSec,
		}), nil
	}
	return nil, fmt.Errorf("%w: unsupported market %q", core.ErrInvalidConfig, gc.Market)
}

func failed(cr checkResult, err error) checkResult {
	cr.Status = statusFail
	cr.Error = err.Error()
	return cr
}

func printResult(cr checkResult) {
	if cr.Status == statusFail {
		fmt.Printf("[FAIL] %s %s/%s (%dms) - %s\n", cr.Strategy, cr.Market, cr.Symbol, cr.DurationMs, cr.Error)
		return
	}
	fmt.Printf("[PASS] %s %s/%s (%dms) - step=%s tick=%s minQty=%s minNotional=%s qty %s -> %s",
		cr.Strategy, cr.Market, cr.Symbol, cr.DurationMs, cr.StepSize, cr.TickSize, cr.MinQty, cr.MinNotional, cr.RawQty, cr.LegalQty)
	if cr.LegalPrice != "" {
		fmt.Printf(" price %s -> %s", cr.RawPrice, cr.LegalPrice)
	}
	fmt.Println()
	printState(cr.State)
}

func printState(st *stateReport) {
	if st == nil {
		return
	}
	if s := st.Status; s != nil {
		fmt.Printf("  status=%s position=%s entry=%s next_rise=%s next_fall=%s depth=%d updated=%s\n",
			s.Status, s.Position, s.EntryPrice, nullString(s.NextRise), nullString(s.NextFall), s.HistoryDepth, s.UpdatedAt.Format(time.RFC3339))
	} else {
		fmt.Println("  status=none")
	}
	for _, f := range st.History {
		fmt.Printf("  fill %s %s qty=%s/%s price=%s inferred=%v\n",
			f.Time.Format(time.RFC3339), f.Action, f.ExecutedQty, f.RequestedQty, f.AvgPrice, f.Inferred)
	}
	for _, ev := range st.Events {
		fmt.Printf("  event %s %s %s %s\n", ev.Time.Format(time.RFC3339), ev.Kind, ev.Status, ev.Reason)
	}
}

func nullString(v decimal.NullDecimal) string {
	if !v.Valid {
		return "-"
	}
	return v.Decimal.String()
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
