package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/config"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/store"
)

const twoStrategies = `
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
`

func setup(t *testing.T) (config.Config, *store.DB) {
	t.Helper()
	t.Setenv(config.EnvAPIKey, "k")
	t.Setenv(config.EnvAPISecret, "s")
	cfg, err := config.Parse([]byte(twoStrategies))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	db, err := store.Open(filepath.Join(t.TempDir(), "grid.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return cfg, db
}

func TestSelectStrategiesFromFile(t *testing.T) {
	cfg, db := setup(t)
	got, err := selectStrategies(context.Background(), cfg, db, "")
	if err != nil {
		t.Fatalf("selectStrategies() error = %v", err)
	}
	if len(got) != 2 || got[0].Symbol != "BTCUSDT" || got[1].ID != "eth-long" {
		t.Fatalf("selectStrategies() = %+v, want both file strategies", got)
	}
}

func TestSelectStrategiesPrefersPersistedConfig(t *testing.T) {
	cfg, db := setup(t)
	ctx := context.Background()
	persisted := cfg.Strategies[0].Grid()
	persisted.Normalize()
	persisted.TradeQuantity = decimal.RequireFromString("0.05")
	if err := db.SaveStrategyConfig(ctx, persisted); err != nil {
		t.Fatalf("SaveStrategyConfig() error = %v", err)
	}

	got, err := selectStrategies(ctx, cfg, db, "btc-long")
	if err != nil {
		t.Fatalf("selectStrategies() error = %v", err)
	}
	if len(got) != 1 || !got[0].TradeQuantity.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("selectStrategies() = %+v, want persisted quantity 0.05", got)
	}

	got, err = selectStrategies(ctx, cfg, db, "eth-long")
	if err != nil {
		t.Fatalf("selectStrategies() error = %v", err)
	}
	if len(got) != 1 || !got[0].TradeQuantity.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("selectStrategies() = %+v, want file quantity 0.1", got)
	}

	if _, err := selectStrategies(ctx, cfg, db, "missing"); err == nil {
		t.Fatalf("selectStrategies(missing) expected error")
	}
}

func TestLoadStateReadsPersistedRecords(t *testing.T) {
	_, db := setup(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	st, err := loadState(ctx, db, "btc-long", 10)
	if err != nil {
		t.Fatalf("loadState() error = %v", err)
	}
	if st.Status != nil || len(st.History) != 0 || len(st.Events) != 0 {
		t.Fatalf("loadState() = %+v, want empty state", st)
	}

	fill := core.Fill{
		StrategyID:   "btc-long",
		Symbol:       "BTCUSDT",
		Action:       core.ActionOpen,
		Side:         core.Long,
		OrderID:      "7",
		RequestedQty: decimal.RequireFromString("0.01"),
		ExecutedQty:  decimal.RequireFromString("0.01"),
		AvgPrice:     decimal.RequireFromString("100"),
		Time:         at,
	}
	status := core.ExecutionStatus{
		StrategyID: "btc-long",
		Symbol:     "BTCUSDT",
		Side:       core.Long,
		Status:     "trading",
		Position:   decimal.RequireFromString("0.01"),
		NextRise:   decimal.NewNullDecimal(decimal.RequireFromString("110")),
		UpdatedAt:  at,
	}
	ev := event.Event{
		ID:         "ev-1",
		Kind:       event.KindOpened,
		StrategyID: "btc-long",
		Symbol:     "BTCUSDT",
		Fill:       &fill,
		State:      &status,
		Time:       at,
	}
	if err := db.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	st, err = loadState(ctx, db, "btc-long", 10)
	if err != nil {
		t.Fatalf("loadState() error = %v", err)
	}
	if st.Status == nil || st.Status.Status != "trading" || !st.Status.NextRise.Decimal.Equal(decimal.RequireFromString("110")) {
		t.Fatalf("loadState().Status = %+v, want trading with next_rise 110", st.Status)
	}
	if len(st.History) != 1 || st.History[0].OrderID != "7" {
		t.Fatalf("loadState().History = %+v, want one fill", st.History)
	}
	if len(st.Events) != 1 || st.Events[0].Kind != event.KindOpened {
		t.Fatalf("loadState().Events = %+v, want one opened event", st.Events)
	}
}
