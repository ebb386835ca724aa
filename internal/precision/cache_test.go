package precision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

type fakeSource struct {
	calls atomic.Int32
	fail  int32
	book  core.RuleBook
}

func (s *fakeSource) Name() string            { return "binance" }
func (s *fakeSource) Market() core.MarketType { return core.MarketUSDM }

func (s *fakeSource) ExchangeRules(context.Context) (core.RuleBook, error) {
	n := s.calls.Add(1)
	if n <= s.fail {
		return core.RuleBook{}, errors.New("exchange unavailable")
	}
	return s.book, nil
}

type memStore struct {
	mu    sync.Mutex
	book  core.RuleBook
	has   bool
	saves int
}

func (m *memStore) LoadLatestRuleBook(context.Context, string, core.MarketType) (core.RuleBook, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book, m.has, nil
}

func (m *memStore) SaveRuleBook(_ context.Context, book core.RuleBook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.book = book
	m.has = true
	m.saves++
	return nil
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func testBook(fetched time.Time) core.RuleBook {
	return core.RuleBook{
		Exchange: "binance",
		Market:   core.MarketUSDM,
		Rules: map[string]core.RuleSet{
			"BTCUSDT": {
				Symbol:     "BTCUSDT",
				MinQty:     decimal.RequireFromString("0.001"),
				MaxQty:     decimal.RequireFromString("1000"),
				StepSize:   decimal.RequireFromString("0.001"),
				HasLotSize: true,
			},
		},
		FetchedAt: fetched,
	}
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.slept = append(r.slept, d)
	r.mu.Unlock()
	return nil
}

func TestResolveFetchesRemoteOnceThenServesMemory(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{book: testBook(now)}
	store := &memStore{}
	rec := &sleepRecorder{}
	c := NewCache(store, Options{Now: func() time.Time { return now }, Sleep: rec.sleep})

	book := c.Resolve(context.Background(), src, false)
	require.False(t, book.Empty())
	again := c.Resolve(context.Background(), src, false)
	require.False(t, again.Empty())
	c.Close()

	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 1, store.saveCount())
}

func TestResolveUsesFreshDurableBookWithoutRemote(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{book: testBook(now)}
	store := &memStore{book: testBook(now.Add(-time.Hour)), has: true}
	c := NewCache(store, Options{Now: func() time.Time { return now }, Sleep: (&sleepRecorder{}).sleep})
	defer c.Close()

	book := c.Resolve(context.Background(), src, false)
	require.False(t, book.Empty())
	assert.Equal(t, int32(0), src.calls.Load())

	rs, ok := c.Lookup("binance", core.MarketUSDM, "btcusdt")
	require.True(t, ok)
	assert.True(t, rs.StepSize.Equal(decimal.RequireFromString("0.001")))
}

func TestResolveStaleDurableSchedulesOneBackgroundRefresh(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{book: testBook(now)}
	store := &memStore{book: testBook(now.Add(-48 * time.Hour)), has: true}

	release := make(chan struct{})
	var delays []time.Duration
	var mu sync.Mutex
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		<-release
		return nil
	}
	c := NewCache(store, Options{Now: func() time.Time { return now }, Sleep: sleep})

	first := c.Resolve(context.Background(), src, false)
	second := c.Resolve(context.Background(), src, false)
	assert.False(t, first.Empty())
	assert.False(t, second.Empty())
	assert.Equal(t, int32(0), src.calls.Load())

	close(release)
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	c.Close()

	mu.Lock()
	assert.Equal(t, []time.Duration{5 * time.Second}, delays)
	mu.Unlock()
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 1, store.saveCount())
}

func TestResolveRemoteExhaustionReturnsEmptyAndCachesNothing(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{book: testBook(now), fail: 3}
	rec := &sleepRecorder{}
	c := NewCache(nil, Options{Now: func() time.Time { return now }, Sleep: rec.sleep})
	defer c.Close()

	book := c.Resolve(context.Background(), src, false)
	assert.True(t, book.Empty())
	assert.Equal(t, int32(3), src.calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, rec.slept)

	book = c.Resolve(context.Background(), src, false)
	assert.False(t, book.Empty())
	assert.Equal(t, int32(4), src.calls.Load())
}

func TestResolveForceBypassesMemory(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{book: testBook(now)}
	c := NewCache(nil, Options{Now: func() time.Time { return now }, Sleep: (&sleepRecorder{}).sleep})
	defer c.Close()

	c.Resolve(context.Background(), src, false)
	c.Resolve(context.Background(), src, true)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestLegalizeUsesRulesOrDefaultPrecision(t *testing.T) {
	c := NewCache(nil, Options{})
	defer c.Close()
	book := testBook(time.Now())

	assert.Equal(t, "0.123", c.Legalize(book, "BTCUSDT", decimal.RequireFromString("0.12399")).String())
	assert.Equal(t, "0.001", c.Legalize(book, "BTCUSDT", decimal.RequireFromString("0.0001")).String())
	assert.Equal(t, "0.12345678", c.Legalize(book, "DOGEUSDT", decimal.RequireFromString("0.123456789")).String())
	assert.Equal(t, "0.12345678", c.Legalize(core.RuleBook{}, "BTCUSDT", decimal.RequireFromString("0.123456789")).String())
}

func TestClearDropsMemoryTier(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{book: testBook(now)}
	c := NewCache(nil, Options{Now: func() time.Time { return now }, Sleep: (&sleepRecorder{}).sleep})
	defer c.Close()

	c.Resolve(context.Background(), src, false)
	c.Clear()
	_, ok := c.Lookup("binance", core.MarketUSDM, "BTCUSDT")
	assert.False(t, ok)
	c.Resolve(context.Background(), src, false)
	assert.Equal(t, int32(2), src.calls.Load())
}
