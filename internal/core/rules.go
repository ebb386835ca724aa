package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultPlaces is used when a symbol carries no lot-size or price rule.
const DefaultPlaces int32 = 8

// RuleBookTTL is how long a fetched rule book is considered fresh.
const RuleBookTTL = 24 * time.Hour

var quoteSuffixes = []string{"USDT", "BUSD", "USDC", "BTC", "ETH", "BNB"}

// RuleSet holds the trading filters of one symbol.
type RuleSet struct {
	Symbol         string          `json:"symbol"`
	BaseAsset      string          `json:"base_asset,omitempty"`
	QuoteAsset     string          `json:"quote_asset,omitempty"`
	MinQty         decimal.Decimal `json:"min_qty"`
	MaxQty         decimal.Decimal `json:"max_qty"`
	StepSize       decimal.Decimal `json:"step_size"`
	MinPrice       decimal.Decimal `json:"min_price"`
	MaxPrice       decimal.Decimal `json:"max_price"`
	TickSize       decimal.Decimal `json:"tick_size"`
	MinNotional    decimal.Decimal `json:"min_notional"`
	HasLotSize     bool            `json:"has_lot_size"`
	HasPriceFilter bool            `json:"has_price_filter"`
}

// RuleBook is the set of rules for every symbol of one exchange market.
type RuleBook struct {
	Exchange  string             `json:"exchange"`
	Market    MarketType         `json:"market"`
	Rules     map[string]RuleSet `json:"rules"`
	FetchedAt time.Time          `json:"fetched_at"`
}

func (b RuleBook) Empty() bool {
	return len(b.Rules) == 0
}

func (b RuleBook) Lookup(symbol string) (RuleSet, bool) {
	rs, ok := b.Rules[strings.ToUpper(symbol)]
	return rs, ok
}

// Stale reports whether the book is older than ttl at now. A non-positive ttl
// means RuleBookTTL.
func (b RuleBook) Stale(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = RuleBookTTL
	}
	return b.FetchedAt.IsZero() || now.Sub(b.FetchedAt) > ttl
}

// DecimalPlaces returns the number of significant fractional digits of a step or tick.
// A zero step yields DefaultPlaces.
func DecimalPlaces(step decimal.Decimal) int32 {
	if step.Sign() <= 0 {
		return DefaultPlaces
	}
	s := step.String()
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(s[idx+1:], "0")
	return int32(len(frac))
}

// LegalizeQuantity clamps raw into [minQty, maxQty] and truncates it to the step's
// decimal places. It never rounds up.
func LegalizeQuantity(rules RuleSet, raw decimal.Decimal) decimal.Decimal {
	if !rules.HasLotSize {
		return raw.Truncate(DefaultPlaces)
	}
	q := raw
	if rules.MinQty.Sign() > 0 && q.LessThan(rules.MinQty) {
		q = rules.MinQty
	}
	if rules.MaxQty.Sign() > 0 && q.GreaterThan(rules.MaxQty) {
		q = rules.MaxQty
	}
	return q.Truncate(DecimalPlaces(rules.StepSize))
}

// LegalizePrice clamps raw into [minPrice, maxPrice] and truncates it to the tick's
// decimal places.
func LegalizePrice(rules RuleSet, raw decimal.Decimal) decimal.Decimal {
	if !rules.HasPriceFilter {
		return raw.Truncate(DefaultPlaces)
	}
	p := raw
	if rules.MinPrice.Sign() > 0 && p.LessThan(rules.MinPrice) {
		p = rules.MinPrice
	}
	if rules.MaxPrice.Sign() > 0 && p.GreaterThan(rules.MaxPrice) {
		p = rules.MaxPrice
	}
	return p.Truncate(DecimalPlaces(rules.TickSize))
}

// SplitSymbol separates a spot symbol into base and quote assets by known quote suffix.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	symbol = strings.ToUpper(symbol)
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, true
		}
	}
	return "", "", false
}
