package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
	"github.com/gpboyer2/ppll-native-client-sub002/internal/grid"
)

type Mode string

const (
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	EnvAPIKey    = "GRID_API_KEY"
	EnvAPISecret = "GRID_API_SECRET"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	Accounts       []AccountConfig      `yaml:"accounts"`
	Strategies     []StrategyConfig     `yaml:"strategies"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Feed           FeedConfig           `yaml:"feed"`
	Executor       ExecutorConfig       `yaml:"executor"`
	Precision      PrecisionConfig      `yaml:"precision"`
	Storage        StorageConfig        `yaml:"storage"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

// AccountConfig names a set of API credentials. Keys left empty in YAML are
// read from <NAME>_API_KEY / <NAME>_API_SECRET, then GRID_API_KEY / GRID_API_SECRET.
type AccountConfig struct {
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

type StrategyConfig struct {
	ID                        string          `yaml:"id"`
	Account                   string          `yaml:"account"`
	Symbol                    string          `yaml:"symbol"`
	Market                    core.MarketType `yaml:"market"`
	PositionSide              string          `yaml:"position_side"`
	GridPriceDifference       Decimal         `yaml:"grid_price_difference"`
	TradeQuantity             Decimal         `yaml:"grid_trade_quantity"`
	OpenQuantity              Decimal         `yaml:"open_quantity"`
	CloseQuantity             Decimal         `yaml:"close_quantity"`
	MaxOpenPositionQuantity   *Decimal        `yaml:"max_open_position_quantity"`
	MinOpenPositionQuantity   *Decimal        `yaml:"min_open_position_quantity"`
	FallPreventionCoefficient Decimal         `yaml:"fall_prevention_coefficient"`
	LowerPriceLimit           *Decimal        `yaml:"lt_limitation_price"`
	UpperPriceLimit           *Decimal        `yaml:"gt_limitation_price"`
	PauseAboveEntry           bool            `yaml:"is_above_open_price"`
	PauseBelowEntry           bool            `yaml:"is_below_open_price"`
	PreferReduceOnTrend       bool            `yaml:"priority_close_on_trend"`
	PollingIntervalSec        int64           `yaml:"polling_interval_sec"`
	Leverage                  int             `yaml:"leverage"`
	Paused                    bool            `yaml:"paused"`
}

type ExchangeConfig struct {
	FuturesRestURL    string  `yaml:"futures_rest_url"`
	SpotRestURL       string  `yaml:"spot_rest_url"`
	RecvWindowMs      int64   `yaml:"recv_window_ms"`
	HTTPTimeoutSec    int64   `yaml:"http_timeout_sec"`
	CallTimeoutSec    int64   `yaml:"call_timeout_sec"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type FeedConfig struct {
	FuturesStreamURL string `yaml:"futures_stream_url"`
	SpotStreamURL    string `yaml:"spot_stream_url"`
	StaggerBaseMs    int64  `yaml:"stagger_base_ms"`
	StaggerJitterMs  int64  `yaml:"stagger_jitter_ms"`
	ReconnectMinSec  int64  `yaml:"reconnect_min_sec"`
	ReconnectMaxSec  int64  `yaml:"reconnect_max_sec"`
	InitRetrySec     int64  `yaml:"init_retry_sec"`
}

type ExecutorConfig struct {
	PollRetries         *int  `yaml:"poll_retries"`
	PollDelayMs         int64 `yaml:"poll_delay_ms"`
	SettleDelayMs       int64 `yaml:"settle_delay_ms"`
	ResyncEvery         int   `yaml:"resync_every"`
	ResyncIntervalSec   int64 `yaml:"resync_interval_sec"`
	RateLimitBackoffSec int64 `yaml:"rate_limit_backoff_sec"`
	InitAttempts        int   `yaml:"init_attempts"`
}

type PrecisionConfig struct {
	TTLSec        int64 `yaml:"ttl_sec"`
	FetchAttempts int   `yaml:"fetch_attempts"`
	RetryDelayMs  int64 `yaml:"retry_delay_ms"`
}

type StorageConfig struct {
	SQLitePath   string `yaml:"sqlite_path"`
	StateDir     string `yaml:"state_dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	CooldownSec          int64 `yaml:"cooldown_sec"`
	ProbePasses          int   `yaml:"probe_passes"`
}

type ObservabilityConfig struct {
	Log         LogConfig      `yaml:"log"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Telegram    TelegramConfig `yaml:"telegram"`
	Redis       RedisConfig    `yaml:"redis"`
	Runtime     RuntimeConfig  `yaml:"runtime"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

// LoadDotEnv loads each existing file into the environment. Variables that are
// already set are left alone.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Name = strings.ToLower(strings.TrimSpace(a.Name))
		a.APIKey = strings.TrimSpace(a.APIKey)
		a.APISecret = strings.TrimSpace(a.APISecret)
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Account = strings.ToLower(strings.TrimSpace(s.Account))
	}
	c.Exchange.FuturesRestURL = strings.TrimSpace(c.Exchange.FuturesRestURL)
	c.Exchange.SpotRestURL = strings.TrimSpace(c.Exchange.SpotRestURL)
	c.Feed.FuturesStreamURL = strings.TrimSpace(c.Feed.FuturesStreamURL)
	c.Feed.SpotStreamURL = strings.TrimSpace(c.Feed.SpotStreamURL)
	c.Storage.SQLitePath = strings.TrimSpace(c.Storage.SQLitePath)
	c.Storage.StateDir = strings.TrimSpace(c.Storage.StateDir)
	c.Observability.MetricsAddr = strings.TrimSpace(c.Observability.MetricsAddr)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Redis.Addr = strings.TrimSpace(c.Observability.Redis.Addr)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTestnet
	}
	if c.InstanceID == "" {
		c.InstanceID = "gridbot"
	}
	if len(c.Accounts) == 0 {
		c.Accounts = []AccountConfig{{Name: "default"}}
	}
	for i := range c.Strategies {
		if c.Strategies[i].Account == "" {
			c.Strategies[i].Account = c.Accounts[0].Name
		}
	}
	if c.Exchange.FuturesRestURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.FuturesRestURL = "https://testnet.binancefuture.com"
		case ModeLive:
			c.Exchange.FuturesRestURL = "https://fapi.binance.com"
		}
	}
	if c.Exchange.SpotRestURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.SpotRestURL = "https://testnet.binance.vision"
		case ModeLive:
			c.Exchange.SpotRestURL = "https://api.binance.com"
		}
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.CallTimeoutSec == 0 {
		c.Exchange.CallTimeoutSec = 10
	}
	if c.Exchange.RequestsPerSecond == 0 {
		c.Exchange.RequestsPerSecond = 10
	}
	if c.Exchange.Burst == 0 {
		c.Exchange.Burst = 5
	}
	if c.Feed.FuturesStreamURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Feed.FuturesStreamURL = "wss://stream.binancefuture.com/stream"
		case ModeLive:
			c.Feed.FuturesStreamURL = "wss://fstream.binance.com/stream"
		}
	}
	if c.Feed.SpotStreamURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Feed.SpotStreamURL = "wss://stream.testnet.binance.vision/stream"
		case ModeLive:
			c.Feed.SpotStreamURL = "wss://stream.binance.com:9443/stream"
		}
	}
	if c.Feed.StaggerBaseMs == 0 {
		c.Feed.StaggerBaseMs = 1000
	}
	if c.Feed.ReconnectMinSec == 0 {
		c.Feed.ReconnectMinSec = 1
	}
	if c.Feed.ReconnectMaxSec == 0 {
		c.Feed.ReconnectMaxSec = 30
	}
	if c.Feed.InitRetrySec == 0 {
		c.Feed.InitRetrySec = 60
	}
	if c.Executor.PollRetries == nil {
		retries := grid.DefaultPollRetries
		c.Executor.PollRetries = &retries
	}
	if c.Executor.PollDelayMs == 0 {
		c.Executor.PollDelayMs = grid.DefaultPollDelay.Milliseconds()
	}
	if c.Executor.SettleDelayMs == 0 {
		c.Executor.SettleDelayMs = grid.DefaultSettleDelay.Milliseconds()
	}
	if c.Executor.ResyncEvery == 0 {
		c.Executor.ResyncEvery = grid.DefaultResyncEvery
	}
	if c.Executor.ResyncIntervalSec == 0 {
		c.Executor.ResyncIntervalSec = int64(grid.DefaultResyncInterval / time.Second)
	}
	if c.Executor.RateLimitBackoffSec == 0 {
		c.Executor.RateLimitBackoffSec = int64(grid.DefaultRateLimitBackoff / time.Second)
	}
	if c.Executor.InitAttempts == 0 {
		c.Executor.InitAttempts = grid.DefaultInitAttempts
	}
	if c.Precision.TTLSec == 0 {
		c.Precision.TTLSec = int64(core.RuleBookTTL / time.Second)
	}
	if c.Precision.FetchAttempts == 0 {
		c.Precision.FetchAttempts = 3
	}
	if c.Precision.RetryDelayMs == 0 {
		c.Precision.RetryDelayMs = 1000
	}
	if c.Storage.StateDir == "" {
		c.Storage.StateDir = "state"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = c.Storage.StateDir + "/gridbot.db"
	}
	if c.Storage.LockTakeover == nil {
		enabled := true
		c.Storage.LockTakeover = &enabled
	}
	if c.Storage.LockStaleSec == 0 {
		c.Storage.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.CircuitBreaker.ProbePasses == 0 {
		c.CircuitBreaker.ProbePasses = 1
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.Format == "" {
		c.Observability.Log.Format = "text"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Redis.Addr == "" {
		c.Observability.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Observability.Redis.ChannelPrefix == "" {
		c.Observability.Redis.ChannelPrefix = "grid.events."
	}
	if c.Observability.Runtime.HeartbeatSec == 0 {
		c.Observability.Runtime.HeartbeatSec = 30
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

// applyEnv fills credentials that the YAML left empty.
func (c *Config) applyEnv(getenv func(string) string) {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		prefix := envPrefix(a.Name)
		if a.APIKey == "" {
			a.APIKey = firstNonEmpty(getenv(prefix+"_API_KEY"), getenv(EnvAPIKey))
		}
		if a.APISecret == "" {
			a.APISecret = firstNonEmpty(getenv(prefix+"_API_SECRET"), getenv(EnvAPISecret))
		}
	}
	if c.Observability.Telegram.BotToken == "" {
		c.Observability.Telegram.BotToken = getenv("GRID_TELEGRAM_BOT_TOKEN")
	}
	if c.Observability.Redis.Password == "" {
		c.Observability.Redis.Password = getenv("GRID_REDIS_PASSWORD")
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be testnet or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	accounts := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if !isValidInstanceID(a.Name) {
			return fmt.Errorf("account name %q must match [a-z0-9_-], length 1..24", a.Name)
		}
		if accounts[a.Name] {
			return fmt.Errorf("duplicate account %q", a.Name)
		}
		if a.APIKey == "" || a.APISecret == "" {
			return fmt.Errorf("account %q: api key/secret are required (yaml or %s_API_KEY/%s_API_SECRET)", a.Name, envPrefix(a.Name), envPrefix(a.Name))
		}
		accounts[a.Name] = true
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	ids := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if ids[s.ID] {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		ids[s.ID] = true
		if !accounts[s.Account] {
			return fmt.Errorf("strategy %q: unknown account %q", s.ID, s.Account)
		}
		if s.PollingIntervalSec < 0 {
			return fmt.Errorf("strategy %q: polling_interval_sec must be >= 0", s.ID)
		}
		g := s.Grid()
		g.Normalize()
		if err := g.Validate(); err != nil {
			return fmt.Errorf("strategy %q: %w", s.ID, err)
		}
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.CallTimeoutSec < 1 || c.Exchange.CallTimeoutSec > 120 {
		return fmt.Errorf("exchange call_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.RequestsPerSecond <= 0 || c.Exchange.Burst < 1 {
		return fmt.Errorf("exchange requests_per_second must be > 0 and burst >= 1")
	}
	if err := validateURL(c.Exchange.FuturesRestURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange futures_rest_url %v", err)
	}
	if err := validateURL(c.Exchange.SpotRestURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange spot_rest_url %v", err)
	}
	if err := validateURL(c.Feed.FuturesStreamURL, "ws", "wss"); err != nil {
		return fmt.Errorf("feed futures_stream_url %v", err)
	}
	if err := validateURL(c.Feed.SpotStreamURL, "ws", "wss"); err != nil {
		return fmt.Errorf("feed spot_stream_url %v", err)
	}
	if c.Feed.StaggerBaseMs < 0 || c.Feed.StaggerJitterMs < 0 {
		return fmt.Errorf("feed stagger_base_ms/stagger_jitter_ms must be >= 0")
	}
	if c.Feed.ReconnectMinSec < 1 || c.Feed.ReconnectMaxSec < c.Feed.ReconnectMinSec {
		return fmt.Errorf("feed reconnect_min_sec must be >= 1 and <= reconnect_max_sec")
	}
	if c.Feed.InitRetrySec < 1 || c.Feed.InitRetrySec > 3600 {
		return fmt.Errorf("feed init_retry_sec must be between 1 and 3600")
	}
	if r := c.Executor.PollRetries; r != nil && (*r < 0 || *r > 20) {
		return fmt.Errorf("executor poll_retries must be between 0 and 20")
	}
	if c.Executor.PollDelayMs < 0 || c.Executor.SettleDelayMs < 0 {
		return fmt.Errorf("executor poll_delay_ms/settle_delay_ms must be >= 0")
	}
	if c.Executor.ResyncEvery < 1 {
		return fmt.Errorf("executor resync_every must be >= 1")
	}
	if c.Executor.ResyncIntervalSec < 1 || c.Executor.RateLimitBackoffSec < 1 {
		return fmt.Errorf("executor resync_interval_sec/rate_limit_backoff_sec must be >= 1")
	}
	if c.Executor.InitAttempts < 1 || c.Executor.InitAttempts > 10 {
		return fmt.Errorf("executor init_attempts must be between 1 and 10")
	}
	if c.Precision.TTLSec < 60 {
		return fmt.Errorf("precision ttl_sec must be >= 60")
	}
	if c.Precision.FetchAttempts < 1 || c.Precision.FetchAttempts > 10 {
		return fmt.Errorf("precision fetch_attempts must be between 1 and 10")
	}
	if c.Precision.RetryDelayMs < 0 {
		return fmt.Errorf("precision retry_delay_ms must be >= 0")
	}
	if c.Storage.LockStaleSec < 0 || c.Storage.LockStaleSec > 86400 {
		return fmt.Errorf("storage lock_stale_sec must be between 0 and 86400")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ProbePasses < 1 || c.CircuitBreaker.ProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.probe_passes must be between 1 and 20")
		}
	}
	if c.Observability.Runtime.HeartbeatSec < 0 || c.Observability.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.Observability.Redis.Enabled && c.Observability.Redis.DB < 0 {
		return fmt.Errorf("observability.redis.db must be >= 0")
	}
	return nil
}

// Grid converts the YAML strategy into the engine's config.
func (s StrategyConfig) Grid() grid.Config {
	return grid.Config{
		ID:                        s.ID,
		Account:                   s.Account,
		Symbol:                    s.Symbol,
		Market:                    s.Market,
		PositionSide:              core.PositionSide(s.PositionSide),
		GridPriceDifference:       s.GridPriceDifference.Decimal,
		TradeQuantity:             s.TradeQuantity.Decimal,
		OpenQuantity:              s.OpenQuantity.Decimal,
		CloseQuantity:             s.CloseQuantity.Decimal,
		MaxOpenPositionQuantity:   s.MaxOpenPositionQuantity.Null(),
		MinOpenPositionQuantity:   s.MinOpenPositionQuantity.Null(),
		FallPreventionCoefficient: s.FallPreventionCoefficient.Decimal,
		LowerPriceLimit:           s.LowerPriceLimit.Null(),
		UpperPriceLimit:           s.UpperPriceLimit.Null(),
		PauseAboveEntry:           s.PauseAboveEntry,
		PauseBelowEntry:           s.PauseBelowEntry,
		PreferReduceOnTrend:       s.PreferReduceOnTrend,
		PollingInterval:           time.Duration(s.PollingIntervalSec) * time.Second,
		Leverage:                  s.Leverage,
	}
}

func (c Config) Account(name string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return AccountConfig{}, false
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
