// Package precision keeps exchange trading rules in a tiered cache
// (memory, durable store, exchange API) and legalizes order quantities.
package precision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
)

const (
	defaultFetchAttempts = 3
	defaultRetryDelay    = 2 * time.Second
	defaultRefreshDelay  = 5 * time.Second
)

// Source fetches the full rule book of one exchange market.
type Source interface {
	Name() string
	Market() core.MarketType
	ExchangeRules(ctx context.Context) (core.RuleBook, error)
}

// Store is the durable tier.
type Store interface {
	LoadLatestRuleBook(ctx context.Context, exchange string, market core.MarketType) (core.RuleBook, bool, error)
	SaveRuleBook(ctx context.Context, book core.RuleBook) error
}

type Options struct {
	TTL           time.Duration
	FetchAttempts int
	RetryDelay    time.Duration
	RefreshDelay  time.Duration
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

type bookKey struct {
	exchange string
	market   core.MarketType
}

// Cache is the process-wide rule registry. Construct one and share it.
type Cache struct {
	store Store
	opts  Options

	mu    sync.RWMutex
	books map[bookKey]core.RuleBook

	refreshMu sync.Mutex
	inflight  map[bookKey]struct{}

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

func NewCache(store Store, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = core.RuleBookTTL
	}
	if opts.FetchAttempts <= 0 {
		opts.FetchAttempts = defaultFetchAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = defaultRefreshDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		store:    store,
		opts:     opts,
		books:    make(map[bookKey]core.RuleBook),
		inflight: make(map[bookKey]struct{}),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

func (c *Cache) stale(book core.RuleBook) bool {
	return book.Stale(c.opts.Now(), c.opts.TTL)
}

// Resolve returns the rule book for src. A failed remote fetch yields an empty
// book which is never cached, so callers degrade to default precision.
func (c *Cache) Resolve(ctx context.Context, src Source, force bool) core.RuleBook {
	key := bookKey{exchange: src.Name(), market: src.Market()}
	if !force {
		c.mu.RLock()
		book, ok := c.books[key]
		c.mu.RUnlock()
		if ok && !book.Empty() && !c.stale(book) {
			return book
		}
		if book, ok := c.loadDurable(ctx, key); ok {
			c.remember(key, book)
			if c.stale(book) {
				c.scheduleRefresh(key, src)
			}
			return book
		}
	}
	book, err := c.fetchRemote(ctx, src)
	if err != nil {
		logger.Event("rules_fetch_failed").WithFields(logrus.Fields{
			"exchange": key.exchange,
			"market":   key.market,
		}).WithError(err).Error("exchange rules unavailable, using default precision")
		return core.RuleBook{Exchange: key.exchange, Market: key.market}
	}
	c.remember(key, book)
	c.persistAsync(book)
	return book
}

// Lookup returns the cached rule set for a symbol without touching the network.
func (c *Cache) Lookup(exchange string, market core.MarketType, symbol string) (core.RuleSet, bool) {
	c.mu.RLock()
	book, ok := c.books[bookKey{exchange: exchange, market: market}]
	c.mu.RUnlock()
	if !ok {
		return core.RuleSet{}, false
	}
	return book.Lookup(symbol)
}

// Legalize fits raw to the symbol's lot-size rule. Unknown symbols get 8 decimals.
func (c *Cache) Legalize(book core.RuleBook, symbol string, raw decimal.Decimal) decimal.Decimal {
	rules, ok := book.Lookup(symbol)
	if !ok {
		return core.LegalizeQuantity(core.RuleSet{Symbol: symbol}, raw)
	}
	return core.LegalizeQuantity(rules, raw)
}

func (c *Cache) LegalizePrice(book core.RuleBook, symbol string, raw decimal.Decimal) decimal.Decimal {
	rules, ok := book.Lookup(symbol)
	if !ok {
		return core.LegalizePrice(core.RuleSet{Symbol: symbol}, raw)
	}
	return core.LegalizePrice(rules, raw)
}

// Clear drops the memory tier.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.books = make(map[bookKey]core.RuleBook)
	c.mu.Unlock()
}

// Close cancels pending background refreshes and waits for in-flight writes.
func (c *Cache) Close() {
	c.bgCancel()
	c.wg.Wait()
}

func (c *Cache) remember(key bookKey, book core.RuleBook) {
	c.mu.Lock()
	c.books[key] = book
	c.mu.Unlock()
}

func (c *Cache) loadDurable(ctx context.Context, key bookKey) (core.RuleBook, bool) {
	if c.store == nil {
		return core.RuleBook{}, false
	}
	book, ok, err := c.store.LoadLatestRuleBook(ctx, key.exchange, key.market)
	if err != nil {
		logger.Event("rules_load_failed").WithField("exchange", key.exchange).WithError(err).Warn("durable rule load failed")
		return core.RuleBook{}, false
	}
	if !ok || book.Empty() {
		return core.RuleBook{}, false
	}
	return book, true
}

func (c *Cache) fetchRemote(ctx context.Context, src Source) (core.RuleBook, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.FetchAttempts; attempt++ {
		book, err := src.ExchangeRules(ctx)
		if err == nil && !book.Empty() {
			if book.FetchedAt.IsZero() {
				book.FetchedAt = c.opts.Now()
			}
			return book, nil
		}
		if err == nil {
			err = fmt.Errorf("empty rule book")
		}
		lastErr = err
		logger.Event("rules_fetch_retry").WithFields(logrus.Fields{
			"exchange": src.Name(),
			"attempt":  attempt,
		}).WithError(err).Warn("exchange rules fetch failed")
		if attempt == c.opts.FetchAttempts {
			break
		}
		if err := c.opts.Sleep(ctx, c.opts.RetryDelay); err != nil {
			return core.RuleBook{}, err
		}
	}
	return core.RuleBook{}, fmt.Errorf("fetch exchange rules after %d attempts: %w", c.opts.FetchAttempts, lastErr)
}

func (c *Cache) persistAsync(book core.RuleBook) {
	if c.store == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.store.SaveRuleBook(context.Background(), book); err != nil {
			logger.Event("rules_save_failed").WithField("exchange", book.Exchange).WithError(err).Warn("durable rule save failed")
		}
	}()
}

func (c *Cache) scheduleRefresh(key bookKey, src Source) {
	c.refreshMu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.refreshMu.Unlock()
		return
	}
	c.inflight[key] = struct{}{}
	c.refreshMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.refreshMu.Lock()
			delete(c.inflight, key)
			c.refreshMu.Unlock()
		}()
		if err := c.opts.Sleep(c.bgCtx, c.opts.RefreshDelay); err != nil {
			return
		}
		book, err := c.fetchRemote(c.bgCtx, src)
		if err != nil {
			logger.Event("rules_refresh_failed").WithField("exchange", key.exchange).WithError(err).Warn("background rule refresh failed")
			return
		}
		c.remember(key, book)
		if c.store != nil {
			if err := c.store.SaveRuleBook(c.bgCtx, book); err != nil {
				logger.Event("rules_save_failed").WithField("exchange", key.exchange).WithError(err).Warn("durable rule save failed")
			}
		}
		logger.Event("rules_refreshed").WithFields(logrus.Fields{
			"exchange": key.exchange,
			"market":   key.market,
			"symbols":  len(book.Rules),
		}).Info("exchange rules refreshed")
	}()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
