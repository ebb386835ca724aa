package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
)

type published struct {
	channel string
	payload []byte
}

type fakeRedis struct {
	sent   []published
	err    error
	closed bool
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

var _ event.Sink = (*Publisher)(nil)

func TestPublisherSendsFillOnStrategyChannel(t *testing.T) {
	rdb := &fakeRedis{}
	p := NewPublisher(rdb, "")
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	err := p.HandleEvent(context.Background(), event.Event{
		ID:         "e1",
		Kind:       event.KindOpened,
		StrategyID: "btc-long",
		Symbol:     "BTCUSDT",
		Side:       core.Long,
		Fill: &core.Fill{
			Action:       core.ActionOpen,
			OrderID:      "77",
			RequestedQty: decimal.RequireFromString("0.01"),
			ExecutedQty:  decimal.RequireFromString("0.01"),
			AvgPrice:     decimal.RequireFromString("100.5"),
		},
		State: &core.ExecutionStatus{
			Position: decimal.RequireFromString("0.02"),
			NextRise: decimal.NewNullDecimal(decimal.RequireFromString("110.5")),
		},
		Time: at,
	})
	require.NoError(t, err)
	require.Len(t, rdb.sent, 1)
	assert.Equal(t, "grid.events.btc-long", rdb.sent[0].channel)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rdb.sent[0].payload, &got))
	assert.Equal(t, "open_position", got["event"])
	assert.Equal(t, "0.02", got["position"])
	assert.Equal(t, "110.5", got["next_rise"])
	assert.NotContains(t, got, "next_fall")
	fill := got["fill"].(map[string]any)
	assert.Equal(t, "100.5", fill["avg_price"])
	assert.Equal(t, "77", fill["order_id"])
}

func TestPublisherCustomPrefixAndErrors(t *testing.T) {
	rdb := &fakeRedis{err: errors.New("connection refused")}
	p := NewPublisher(rdb, "bots.")
	assert.Equal(t, "bots.eth", p.Channel("eth"))

	err := p.HandleEvent(context.Background(), event.Event{Kind: event.KindWarn, StrategyID: "eth"})
	assert.EqualError(t, err, "connection refused")

	require.NoError(t, p.Close())
	assert.True(t, rdb.closed)
}
