package binance

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

type orderQueryResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Time               int64  `json:"time"`
	UpdateTime         int64  `json:"updateTime"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type myTradeResponse struct {
	ID       int64  `json:"id"`
	OrderID  int64  `json:"orderId"`
	Symbol   string `json:"symbol"`
	Price    string `json:"price"`
	Qty      string `json:"qty"`
	QuoteQty string `json:"quoteQty"`
	IsBuyer  bool   `json:"isBuyer"`
	Time     int64  `json:"time"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolInfoResponse struct {
	Symbol     string                   `json:"symbol"`
	BaseAsset  string                   `json:"baseAsset"`
	QuoteAsset string                   `json:"quoteAsset"`
	Filters    []map[string]interface{} `json:"filters"`
}

// parseRuleSet reads the LOT_SIZE, PRICE_FILTER and notional filters of one symbol.
// Spot and futures exchange info share the filter layout, only the notional key differs.
func parseRuleSet(symbol, baseAsset, quoteAsset string, filters []map[string]interface{}) core.RuleSet {
	rs := core.RuleSet{
		Symbol:     strings.ToUpper(symbol),
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
	}
	for _, f := range filters {
		switch filterString(f, "filterType") {
		case "LOT_SIZE":
			rs.HasLotSize = true
			rs.MinQty = filterDecimal(f, "minQty")
			rs.MaxQty = filterDecimal(f, "maxQty")
			rs.StepSize = filterDecimal(f, "stepSize")
		case "PRICE_FILTER":
			rs.HasPriceFilter = true
			rs.MinPrice = filterDecimal(f, "minPrice")
			rs.MaxPrice = filterDecimal(f, "maxPrice")
			rs.TickSize = filterDecimal(f, "tickSize")
		case "MIN_NOTIONAL", "NOTIONAL":
			v := filterDecimal(f, "minNotional")
			if v.IsZero() {
				v = filterDecimal(f, "notional")
			}
			// If both MIN_NOTIONAL and NOTIONAL are present, keep the stricter minimum.
			if v.Cmp(rs.MinNotional) > 0 {
				rs.MinNotional = v
			}
		}
	}
	return rs
}

func filterString(f map[string]interface{}, key string) string {
	v, ok := f[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func filterDecimal(f map[string]interface{}, key string) decimal.Decimal {
	s := filterString(f, key)
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
