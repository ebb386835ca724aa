package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

const (
	defaultSpotBaseURL = "https://api.binance.com"
	tradeHistoryLimit  = 1000
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

// SpotClient talks to the spot REST API with HMAC signed requests.
type SpotClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow time.Duration
	httpClient *http.Client
	now        func() time.Time
}

type Options struct {
	APIKey         string
	APISecret      string
	RestBaseURL    string
	RecvWindowMs   int64
	HTTPTimeoutSec int64
	HTTPClient     *http.Client
}

func NewSpotClient(opts Options) *SpotClient {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.RestBaseURL, "/")
	if baseURL == "" {
		baseURL = defaultSpotBaseURL
	}
	return &SpotClient{
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		baseURL:    baseURL,
		recvWindow: time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient: httpClient,
		now:        time.Now,
	}
}

func (c *SpotClient) Name() string { return "binance" }

func (c *SpotClient) Market() core.MarketType { return core.MarketSpot }

func (c *SpotClient) SubmitMarketOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	if req.Symbol == "" {
		return core.OrderAck{}, errors.New("symbol required")
	}
	if req.Quantity.Sign() <= 0 {
		return core.OrderAck{}, errors.New("quantity must be positive")
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", req.Quantity.String())
	params.Set("newOrderRespType", "ACK")
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.OrderAck{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderAck{}, err
	}
	status := core.OrderStatus(resp.Status)
	if status == "" {
		status = core.OrderNew
	}
	return core.OrderAck{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        status,
	}, nil
}

func (c *SpotClient) GetOrder(ctx context.Context, symbol, orderID string) (core.OrderReport, error) {
	if symbol == "" || orderID == "" {
		return core.OrderReport{}, errors.New("symbol and orderID required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.OrderReport{}, err
	}
	var resp orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderReport{}, err
	}
	executed := parseDecimal(resp.ExecutedQty)
	cumQuote := parseDecimal(resp.CumulativeQuoteQty)
	avg := decimal.Zero
	if executed.Sign() > 0 {
		avg = cumQuote.Div(executed)
	}
	report := core.OrderReport{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      resp.Symbol,
		Status:      core.OrderStatus(resp.Status),
		AvgPrice:    avg,
		ExecutedQty: executed,
		CumQuote:    cumQuote,
	}
	if resp.UpdateTime > 0 {
		report.UpdateTime = time.UnixMilli(resp.UpdateTime)
	}
	return report, nil
}

// AccountSnapshot returns spot balances. Spot has no positions, engines derive
// holdings from the base asset balance.
func (c *SpotClient) AccountSnapshot(ctx context.Context) (core.AccountSnapshot, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned)
	if err != nil {
		return core.AccountSnapshot{}, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.AccountSnapshot{}, err
	}
	snap := core.AccountSnapshot{UpdatedAt: c.now()}
	for _, b := range resp.Balances {
		free := parseDecimal(b.Free)
		locked := parseDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		snap.Balances = append(snap.Balances, core.AssetBalance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return snap, nil
}

func (c *SpotClient) ExchangeRules(ctx context.Context) (core.RuleBook, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", url.Values{}, AuthNone)
	if err != nil {
		return core.RuleBook{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.RuleBook{}, err
	}
	book := core.RuleBook{
		Exchange:  c.Name(),
		Market:    core.MarketSpot,
		Rules:     make(map[string]core.RuleSet, len(resp.Symbols)),
		FetchedAt: c.now(),
	}
	for _, s := range resp.Symbols {
		rs := parseRuleSet(s.Symbol, s.BaseAsset, s.QuoteAsset, s.Filters)
		book.Rules[rs.Symbol] = rs
	}
	return book, nil
}

func (c *SpotClient) TradeHistory(ctx context.Context, symbol string, since time.Time) ([]core.Trade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(tradeHistoryLimit))
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []myTradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	trades := make([]core.Trade, 0, len(resp))
	for _, t := range resp {
		side := core.Sell
		if t.IsBuyer {
			side = core.Buy
		}
		trades = append(trades, core.Trade{
			ID:       strconv.FormatInt(t.ID, 10),
			OrderID:  strconv.FormatInt(t.OrderID, 10),
			Symbol:   t.Symbol,
			Side:     side,
			Price:    parseDecimal(t.Price),
			Qty:      parseDecimal(t.Qty),
			QuoteQty: parseDecimal(t.QuoteQty),
			Time:     time.UnixMilli(t.Time),
		})
	}
	return trades, nil
}

// SetLeverage is a no-op on spot.
func (c *SpotClient) SetLeverage(context.Context, string, int) error { return nil }

func (c *SpotClient) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		signature := sign(c.apiSecret, params.Encode())
		params.Set("signature", signature)
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		body := params.Encode()
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(body))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		wrapped := wrapAPIError(apiErr.Code, apiErr.Msg)
		if isRateLimitStatus(status) && !errors.Is(wrapped, core.ErrRateLimited) {
			return errors.Join(wrapped, core.ErrRateLimited)
		}
		return wrapped
	}
	httpErr := fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
	if isRateLimitStatus(status) {
		return errors.Join(httpErr, core.ErrRateLimited)
	}
	return httpErr
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
