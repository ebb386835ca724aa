package grid

import (
	"errors"
	"testing"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

func TestConfigNormalizeDefaults(t *testing.T) {
	cfg := Config{ID: " g1 ", Symbol: " ethusdt ", Market: "SPOT"}
	cfg.Normalize()
	if cfg.ID != "g1" || cfg.Symbol != "ETHUSDT" {
		t.Fatalf("Normalize() id=%q symbol=%q", cfg.ID, cfg.Symbol)
	}
	if cfg.Market != core.MarketSpot {
		t.Fatalf("Normalize() market = %q, want spot", cfg.Market)
	}
	if cfg.PositionSide != core.Long {
		t.Fatalf("Normalize() side = %q, want LONG", cfg.PositionSide)
	}
	if cfg.PollingInterval != DefaultPollingInterval {
		t.Fatalf("Normalize() polling = %v, want %v", cfg.PollingInterval, DefaultPollingInterval)
	}

	usdm := Config{PositionSide: "short"}
	usdm.Normalize()
	if usdm.Market != core.MarketUSDM || usdm.PositionSide != core.Short {
		t.Fatalf("Normalize() market=%q side=%q", usdm.Market, usdm.PositionSide)
	}
}

func TestConfigQuantityFallback(t *testing.T) {
	cfg := Config{TradeQuantity: d("2")}
	if got := cfg.OpenQty(); !got.Equal(d("2")) {
		t.Fatalf("OpenQty() = %s, want 2", got)
	}
	cfg.OpenQuantity = d("1")
	cfg.CloseQuantity = d("3")
	if got := cfg.OpenQty(); !got.Equal(d("1")) {
		t.Fatalf("OpenQty() = %s, want 1", got)
	}
	if got := cfg.CloseQty(); !got.Equal(d("3")) {
		t.Fatalf("CloseQty() = %s, want 3", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "missing id", mutate: func(c *Config) { c.ID = "" }},
		{name: "missing symbol", mutate: func(c *Config) { c.Symbol = "" }},
		{name: "bad market", mutate: func(c *Config) { c.Market = "margin" }},
		{name: "spot short", mutate: func(c *Config) { c.Market = core.MarketSpot; c.PositionSide = core.Short }},
		{name: "both side", mutate: func(c *Config) { c.PositionSide = core.Both }},
		{name: "zero spacing", mutate: func(c *Config) { c.GridPriceDifference = d("0") }},
		{name: "zero quantity", mutate: func(c *Config) { c.TradeQuantity = d("0") }},
		{name: "negative coefficient", mutate: func(c *Config) { c.FallPreventionCoefficient = d("-1") }},
		{name: "min above max", mutate: func(c *Config) {
			c.MinOpenPositionQuantity = some(d("5"))
			c.MaxOpenPositionQuantity = some(d("2"))
		}},
		{name: "inverted band", mutate: func(c *Config) {
			c.LowerPriceLimit = some(d("200"))
			c.UpperPriceLimit = some(d("100"))
		}},
		{name: "leverage", mutate: func(c *Config) { c.Leverage = 200 }},
	}
	for _, tt := range tests {
		cfg := baseConfig()
		cfg.Normalize()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if tt.ok {
			if err != nil {
				t.Fatalf("%s: Validate() error = %v", tt.name, err)
			}
			continue
		}
		if !errors.Is(err, core.ErrInvalidConfig) {
			t.Fatalf("%s: Validate() error = %v, want ErrInvalidConfig", tt.name, err)
		}
	}
}
