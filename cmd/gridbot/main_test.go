package main

import (
	"testing"
	"time"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/config"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/safety"
)

const twoMarkets = `
strategies:
  - id: btc-long
    symbol: btcusdt
    position_side: long
    grid_price_difference: "10"
    grid_trade_quantity: "0.01"
  - id: eth-long
    symbol: ethusdt
    position_side: long
    grid_price_difference: "5"
    grid_trade_quantity: "0.1"
  - id: btc-spot
    symbol: btcusdt
    market: spot
    position_side: long
    grid_price_difference: "10"
    grid_trade_quantity: "0.001"
executor:
  poll_retries: 0
  poll_delay_ms: 250
`

func parseTestConfig(t *testing.T, content string) config.Config {
	t.Helper()
	t.Setenv(config.EnvAPIKey, "k")
	t.Setenv(config.EnvAPISecret, "s")
	cfg, err := config.Parse([]byte(content))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cfg
}

func TestBuildStreamsOnePerMarket(t *testing.T) {
	cfg := parseTestConfig(t, twoMarkets)
	streams := buildStreams(cfg, safety.NewBreaker(false, 0, 0))
	if len(streams) != 2 {
		t.Fatalf("len(streams) = %d, want 2", len(streams))
	}
	if streams[core.MarketUSDM] == nil || streams[core.MarketSpot] == nil {
		t.Fatalf("streams = %v, want usdm and spot", streams)
	}
}

func TestEngineOptionsKeepsZeroPollRetries(t *testing.T) {
	cfg := parseTestConfig(t, twoMarkets)
	opts := engineOptions(cfg)
	if opts.PollRetries != 0 {
		t.Fatalf("PollRetries = %d, want 0", opts.PollRetries)
	}
	if opts.PollDelay != 250*time.Millisecond {
		t.Fatalf("PollDelay = %v, want 250ms", opts.PollDelay)
	}
}

func TestExchangeSetSharesClientPerAccountAndMarket(t *testing.T) {
	cfg := parseTestConfig(t, twoMarkets)
	set := newExchangeSet(cfg)

	a, err := set.get("default", core.MarketUSDM)
	if err != nil {
		t.Fatalf("get() error = %v", err)
	}
	b, err := set.get("default", core.MarketUSDM)
	if err != nil {
		t.Fatalf("get() error = %v", err)
	}
	if a != b {
		t.Fatalf("get() returned distinct clients for the same account and market")
	}
	spot, err := set.get("default", core.MarketSpot)
	if err != nil {
		t.Fatalf("get() error = %v", err)
	}
	if spot.Market() != core.MarketSpot {
		t.Fatalf("Market() = %q, want spot", spot.Market())
	}
	if _, err := set.get("missing", core.MarketUSDM); err == nil {
		t.Fatalf("get() expected error for unknown account")
	}
}

func TestBuildAlertManagerDisabled(t *testing.T) {
	cfg := parseTestConfig(t, twoMarkets)
	if m := buildAlertManager(cfg); m != nil {
		t.Fatalf("buildAlertManager() = %v, want nil when telegram is disabled", m)
	}
}
