package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

// Exchange is the venue surface a grid engine trades through.
type Exchange interface {
	Name() string
	Market() core.MarketType
	SubmitMarketOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error)
	GetOrder(ctx context.Context, symbol, orderID string) (core.OrderReport, error)
	AccountSnapshot(ctx context.Context) (core.AccountSnapshot, error)
	ExchangeRules(ctx context.Context) (core.RuleBook, error)
	TradeHistory(ctx context.Context, symbol string, since time.Time) ([]core.Trade, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// AverageBuyPrice returns the quote-weighted average price of the buy trades.
func AverageBuyPrice(trades []core.Trade) decimal.Decimal {
	qty := decimal.Zero
	quote := decimal.Zero
	for _, t := range trades {
		if t.Side != core.Buy {
			continue
		}
		qty = qty.Add(t.Qty)
		if t.QuoteQty.Sign() > 0 {
			quote = quote.Add(t.QuoteQty)
		} else {
			quote = quote.Add(t.Price.Mul(t.Qty))
		}
	}
	if qty.Sign() <= 0 {
		return decimal.Zero
	}
	return quote.Div(qty)
}
