package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/event"
)

type alerterSpy struct {
	mu     sync.Mutex
	events []string
	fields []map[string]string
}

func (a *alerterSpy) Important(ev string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	a.fields = append(a.fields, fields)
}

func TestEventSinkForwardsOnlyActionableEvents(t *testing.T) {
	spy := &alerterSpy{}
	sink := EventSink{Alerter: spy}
	ctx := context.Background()

	require.NoError(t, sink.HandleEvent(ctx, event.Event{Kind: event.KindOpened, StrategyID: "s1"}))
	require.NoError(t, sink.HandleEvent(ctx, event.Event{Kind: event.KindWarn, ErrKind: core.KindTransient}))
	require.NoError(t, sink.HandleEvent(ctx, event.Event{
		Kind:       event.KindWarn,
		StrategyID: "s1",
		Symbol:     "BTCUSDT",
		Side:       core.Long,
		ErrKind:    core.KindPositionClosed,
		Err:        "reduce only rejected",
	}))
	require.NoError(t, sink.HandleEvent(ctx, event.Event{Kind: event.KindStatus, Status: "paused_price_band"}))

	assert.Equal(t, []string{"grid_warn", "grid_status"}, spy.events)
	assert.Equal(t, "position_closed", spy.fields[0]["err_kind"])
	assert.Equal(t, "BTCUSDT", spy.fields[0]["symbol"])
}

func TestTelegramNotifierPostsMessage(t *testing.T) {
	var got telegramSendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(TelegramOptions{BotToken: "tok", ChatID: "42", BaseURL: srv.URL})
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got.ChatID)
	assert.Equal(t, "hello", got.Text)
}

func TestTelegramNotifierReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(TelegramOptions{BotToken: "tok", ChatID: "1", BaseURL: srv.URL})
	err := n.Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}
