package grid

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

const DefaultPollingInterval = 10 * time.Second

// Config is the immutable definition of one grid instance.
type Config struct {
	ID                        string              `json:"id"`
	Account                   string              `json:"account"`
	Symbol                    string              `json:"symbol"`
	Market                    core.MarketType     `json:"market"`
	PositionSide              core.PositionSide   `json:"position_side"`
	GridPriceDifference       decimal.Decimal     `json:"grid_price_difference"`
	TradeQuantity             decimal.Decimal     `json:"grid_trade_quantity"`
	OpenQuantity              decimal.Decimal     `json:"open_quantity"`
	CloseQuantity             decimal.Decimal     `json:"close_quantity"`
	MaxOpenPositionQuantity   decimal.NullDecimal `json:"max_open_position_quantity"`
	MinOpenPositionQuantity   decimal.NullDecimal `json:"min_open_position_quantity"`
	FallPreventionCoefficient decimal.Decimal     `json:"fall_prevention_coefficient"`
	LowerPriceLimit           decimal.NullDecimal `json:"lt_limitation_price"`
	UpperPriceLimit           decimal.NullDecimal `json:"gt_limitation_price"`
	PauseAboveEntry           bool                `json:"is_above_open_price"`
	PauseBelowEntry           bool                `json:"is_below_open_price"`
	PreferReduceOnTrend       bool                `json:"priority_close_on_trend"`
	PollingInterval           time.Duration       `json:"polling_interval"`
	Leverage                  int                 `json:"leverage"`
}

// OpenQty is the per-action open size, falling back to the shared trade quantity.
func (c Config) OpenQty() decimal.Decimal {
	if c.OpenQuantity.Sign() > 0 {
		return c.OpenQuantity
	}
	return c.TradeQuantity
}

func (c Config) CloseQty() decimal.Decimal {
	if c.CloseQuantity.Sign() > 0 {
		return c.CloseQuantity
	}
	return c.TradeQuantity
}

// Normalize fills defaults in place. Spot grids always hold the base asset long.
func (c *Config) Normalize() {
	c.ID = strings.TrimSpace(c.ID)
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.Market = core.MarketType(strings.ToLower(strings.TrimSpace(string(c.Market))))
	if c.Market == "" {
		c.Market = core.MarketUSDM
	}
	c.PositionSide = core.PositionSide(strings.ToUpper(strings.TrimSpace(string(c.PositionSide))))
	if c.Market == core.MarketSpot && c.PositionSide == "" {
		c.PositionSide = core.Long
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = DefaultPollingInterval
	}
}

func (c Config) Validate() error {
	if c.ID == "" {
		return invalid("id is required")
	}
	if c.Symbol == "" {
		return invalid("symbol is required")
	}
	switch c.Market {
	case core.MarketUSDM, core.MarketSpot:
	default:
		return invalid("market must be usdm or spot")
	}
	switch c.PositionSide {
	case core.Long:
	case core.Short:
		if c.Market == core.MarketSpot {
			return invalid("spot grids cannot be SHORT")
		}
	default:
		return invalid("position_side must be LONG or SHORT")
	}
	if c.GridPriceDifference.Sign() <= 0 {
		return invalid("grid_price_difference must be > 0")
	}
	if c.OpenQty().Sign() <= 0 {
		return invalid("open quantity must be > 0")
	}
	if c.CloseQty().Sign() <= 0 {
		return invalid("close quantity must be > 0")
	}
	if c.FallPreventionCoefficient.Sign() < 0 {
		return invalid("fall_prevention_coefficient must be >= 0")
	}
	if c.MaxOpenPositionQuantity.Valid && c.MaxOpenPositionQuantity.Decimal.Sign() <= 0 {
		return invalid("max_open_position_quantity must be > 0")
	}
	if c.MinOpenPositionQuantity.Valid && c.MinOpenPositionQuantity.Decimal.Sign() < 0 {
		return invalid("min_open_position_quantity must be >= 0")
	}
	if c.MaxOpenPositionQuantity.Valid && c.MinOpenPositionQuantity.Valid &&
		c.MinOpenPositionQuantity.Decimal.GreaterThan(c.MaxOpenPositionQuantity.Decimal) {
		return invalid("min_open_position_quantity must not exceed max_open_position_quantity")
	}
	if c.LowerPriceLimit.Valid && c.UpperPriceLimit.Valid &&
		!c.LowerPriceLimit.Decimal.LessThan(c.UpperPriceLimit.Decimal) {
		return invalid("lt_limitation_price must be below gt_limitation_price")
	}
	if c.Leverage < 0 || c.Leverage > 125 {
		return invalid("leverage must be between 0 and 125")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", core.ErrInvalidConfig, msg)
}
