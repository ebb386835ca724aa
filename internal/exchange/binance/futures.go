package binance

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

// FuturesClient adapts the go-binance USDⓈ-M SDK to the exchange surface.
type FuturesClient struct {
	client *futures.Client
	now    func() time.Time
}

type FuturesOptions struct {
	APIKey      string
	APISecret   string
	RestBaseURL string
	HTTPClient  *http.Client
}

func NewFuturesClient(opts FuturesOptions) *FuturesClient {
	client := futures.NewClient(opts.APIKey, opts.APISecret)
	if base := strings.TrimRight(opts.RestBaseURL, "/"); base != "" {
		client.BaseURL = base
	}
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	return &FuturesClient{client: client, now: time.Now}
}

func (c *FuturesClient) Name() string { return "binance" }

func (c *FuturesClient) Market() core.MarketType { return core.MarketUSDM }

func (c *FuturesClient) SubmitMarketOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	if req.Symbol == "" {
		return core.OrderAck{}, errors.New("symbol required")
	}
	if req.Quantity.Sign() <= 0 {
		return core.OrderAck{}, errors.New("quantity must be positive")
	}
	svc := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(req.Quantity.String())
	if req.PositionSide == core.Long || req.PositionSide == core.Short {
		svc = svc.PositionSide(futures.PositionSideType(req.PositionSide))
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return core.OrderAck{}, translateSDKError(err)
	}
	return core.OrderAck{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        core.OrderStatus(string(resp.Status)),
	}, nil
}

func (c *FuturesClient) GetOrder(ctx context.Context, symbol, orderID string) (core.OrderReport, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return core.OrderReport{}, errors.New("invalid order id " + orderID)
	}
	o, err := c.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return core.OrderReport{}, translateSDKError(err)
	}
	report := core.OrderReport{
		OrderID:     strconv.FormatInt(o.OrderID, 10),
		Symbol:      o.Symbol,
		Status:      core.OrderStatus(string(o.Status)),
		AvgPrice:    parseDecimal(o.AvgPrice),
		ExecutedQty: parseDecimal(o.ExecutedQuantity),
		CumQuote:    parseDecimal(o.CumQuote),
	}
	if o.UpdateTime > 0 {
		report.UpdateTime = time.UnixMilli(o.UpdateTime)
	}
	return report, nil
}

// AccountSnapshot returns every non-empty position and the margin asset balances.
// One-way mode positions (BOTH) are reported on the side their sign points to.
func (c *FuturesClient) AccountSnapshot(ctx context.Context) (core.AccountSnapshot, error) {
	risks, err := c.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return core.AccountSnapshot{}, translateSDKError(err)
	}
	account, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return core.AccountSnapshot{}, translateSDKError(err)
	}
	snap := core.AccountSnapshot{UpdatedAt: c.now()}
	for _, p := range risks {
		amt := parseDecimal(p.PositionAmt)
		side := core.PositionSide(strings.ToUpper(string(p.PositionSide)))
		if side == core.Both || side == "" {
			if amt.IsZero() {
				continue
			}
			side = core.Long
			if amt.Sign() < 0 {
				side = core.Short
			}
		}
		snap.Positions = append(snap.Positions, core.Position{
			Symbol:     p.Symbol,
			Side:       side,
			Qty:        amt.Abs(),
			EntryPrice: parseDecimal(p.EntryPrice),
		})
	}
	for _, a := range account.Assets {
		wallet := parseDecimal(a.WalletBalance)
		free := parseDecimal(a.AvailableBalance)
		if wallet.IsZero() && free.IsZero() {
			continue
		}
		locked := wallet.Sub(free)
		if locked.Sign() < 0 {
			locked = decimal.Zero
		}
		snap.Balances = append(snap.Balances, core.AssetBalance{Asset: a.Asset, Free: free, Locked: locked})
	}
	return snap, nil
}

func (c *FuturesClient) ExchangeRules(ctx context.Context) (core.RuleBook, error) {
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return core.RuleBook{}, translateSDKError(err)
	}
	book := core.RuleBook{
		Exchange:  c.Name(),
		Market:    core.MarketUSDM,
		Rules:     make(map[string]core.RuleSet, len(info.Symbols)),
		FetchedAt: c.now(),
	}
	for _, s := range info.Symbols {
		rs := parseRuleSet(s.Symbol, s.BaseAsset, s.QuoteAsset, s.Filters)
		book.Rules[rs.Symbol] = rs
	}
	return book, nil
}

func (c *FuturesClient) TradeHistory(ctx context.Context, symbol string, since time.Time) ([]core.Trade, error) {
	svc := c.client.NewListAccountTradeService().Symbol(symbol).Limit(tradeHistoryLimit)
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	list, err := svc.Do(ctx)
	if err != nil {
		return nil, translateSDKError(err)
	}
	trades := make([]core.Trade, 0, len(list))
	for _, t := range list {
		trades = append(trades, core.Trade{
			ID:       strconv.FormatInt(t.ID, 10),
			OrderID:  strconv.FormatInt(t.OrderID, 10),
			Symbol:   t.Symbol,
			Side:     core.Side(string(t.Side)),
			Price:    parseDecimal(t.Price),
			Qty:      parseDecimal(t.Quantity),
			QuoteQty: parseDecimal(t.QuoteQuantity),
			Time:     time.UnixMilli(t.Time),
		})
	}
	return trades, nil
}

func (c *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	_, err := c.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return translateSDKError(err)
}
