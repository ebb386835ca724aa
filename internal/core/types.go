package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type PositionSide string

type MarketType string

type Action string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
	Both  PositionSide = "BOTH"
)

const (
	MarketUSDM MarketType = "usdm"
	MarketSpot MarketType = "spot"
)

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
	// OrderInferred marks a fill deduced from the position delta after polling gave up.
	OrderInferred OrderStatus = "INFERRED"
)

// Terminal reports whether the exchange will not change the order any further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// OrderSide maps a grid action on a position side to the exchange order side.
func OrderSide(action Action, side PositionSide) Side {
	opening := action == ActionOpen
	if side == Short {
		opening = !opening
	}
	if opening {
		return Buy
	}
	return Sell
}

type OrderRequest struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Quantity      decimal.Decimal
	ClientOrderID string
}

type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
}

type OrderReport struct {
	OrderID     string
	Symbol      string
	Status      OrderStatus
	AvgPrice    decimal.Decimal
	ExecutedQty decimal.Decimal
	CumQuote    decimal.Decimal
	UpdateTime  time.Time
}

// Position is a directional holding. Qty is always non-negative.
type Position struct {
	Symbol         string
	Side           PositionSide
	Qty            decimal.Decimal
	EntryPrice     decimal.Decimal
	BreakEvenPrice decimal.Decimal
}

type AssetBalance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

type AccountSnapshot struct {
	Positions []Position
	Balances  []AssetBalance
	UpdatedAt time.Time
}

func (a AccountSnapshot) Position(symbol string, side PositionSide) (Position, bool) {
	for _, p := range a.Positions {
		if p.Symbol == symbol && p.Side == side {
			return p, true
		}
	}
	return Position{Symbol: symbol, Side: side}, false
}

func (a AccountSnapshot) Balance(asset string) AssetBalance {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b
		}
	}
	return AssetBalance{Asset: asset}
}

// Trade is an account trade as reported by the exchange trade history.
type Trade struct {
	ID       string
	OrderID  string
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	QuoteQty decimal.Decimal
	Time     time.Time
}

// Fill is one resolved grid execution, confirmed by the exchange or inferred.
type Fill struct {
	StrategyID   string
	Symbol       string
	Action       Action
	Side         PositionSide
	OrderID      string
	RequestedQty decimal.Decimal
	ExecutedQty  decimal.Decimal
	AvgPrice     decimal.Decimal
	Inferred     bool
	Time         time.Time
}

// ExecutionStatus is the queryable state of one strategy instance.
type ExecutionStatus struct {
	StrategyID   string
	Symbol       string
	Side         PositionSide
	Status       string
	Reason       string
	Position     decimal.Decimal
	EntryPrice   decimal.Decimal
	NextRise     decimal.NullDecimal
	NextFall     decimal.NullDecimal
	HistoryDepth int
	LastError    string
	UpdatedAt    time.Time
}
