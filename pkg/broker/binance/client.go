// Package binance implements the broker capability interface against the
// Binance spot REST API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"autotrader/pkg/broker"
)

// Config holds Binance credentials for one account.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	QuoteAsset string // defaults to USDT; holdings are reported as <asset><quote>
	RecvWindow int64  // ms
}

// Client is a Binance spot adapter bound to one account's credentials.
type Client struct {
	cfg  Config
	http *resty.Client
}

// New creates a Binance spot client. Retries are intentionally NOT enabled
// on the resty client; the resilience layer owns retry policy.
func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}

	http := resty.New().
		SetBaseURL(base).
		SetTimeout(10 * time.Second).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)

	return &Client{cfg: cfg, http: http}
}

func (c *Client) Name() string { return "binance-spot" }

func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/api/v3/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("binance ticker request: %w", err)
	}
	if err := c.checkResponse(resp); err != nil {
		var apiErr *broker.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeInvalidSymbol {
			return 0, broker.ErrSymbolNotFound
		}
		return 0, err
	}

	var ticker tickerPriceResponse
	if err := json.Unmarshal(resp.Body(), &ticker); err != nil {
		return 0, fmt.Errorf("decode ticker response: %w", err)
	}
	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return 0, fmt.Errorf("parse ticker price %q: %w", ticker.Price, err)
	}
	return price.InexactFloat64(), nil
}

func (c *Client) GetBalance(ctx context.Context) (broker.Balance, error) {
	params := url.Values{}
	body, err := c.doSigned(ctx, "GET", "/api/v3/account", params)
	if err != nil {
		return broker.Balance{}, err
	}

	var account accountResponse
	if err := json.Unmarshal(body, &account); err != nil {
		return broker.Balance{}, fmt.Errorf("decode account response: %w", err)
	}

	var bal broker.Balance
	for _, ab := range account.Balances {
		free, err := decimal.NewFromString(ab.Free)
		if err != nil || free.IsZero() {
			continue
		}
		if ab.Asset == c.cfg.QuoteAsset {
			bal.Free = free.InexactFloat64()
			continue
		}
		bal.Holdings = append(bal.Holdings, broker.Holding{
			Symbol: ab.Asset + c.cfg.QuoteAsset,
			Qty:    free.InexactFloat64(),
		})
	}
	return bal, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return broker.OrderResult{}, &broker.APIError{StatusCode: 401, Message: "binance: API key/secret required"}
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("newOrderRespType", "FULL")
	if req.Qty > 0 {
		params.Set("quantity", formatFloat(req.Qty))
	} else if req.Notional > 0 {
		params.Set("quoteOrderQty", formatFloat(req.Notional))
	}
	if req.Type == broker.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, "POST", "/api/v3/order", params)
	if err != nil {
		return broker.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return broker.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	filled, _ := decimal.NewFromString(resp.ExecutedQty)
	quote, _ := decimal.NewFromString(resp.CummulativeQuoteQty)
	avg := decimal.Zero
	if !filled.IsZero() {
		avg = quote.Div(filled)
	}

	return broker.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(resp.Status),
		FilledQty:       filled.InexactFloat64(),
		AvgPrice:        avg.InexactFloat64(),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, "DELETE", "/api/v3/order", params)
	return err
}

func (c *Client) ListOpenOrders(ctx context.Context) ([]broker.OpenOrder, error) {
	body, err := c.doSigned(ctx, "GET", "/api/v3/openOrders", url.Values{})
	if err != nil {
		return nil, err
	}

	var raw []openOrderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	orders := make([]broker.OpenOrder, 0, len(raw))
	for _, o := range raw {
		qty, _ := decimal.NewFromString(o.OrigQty)
		price, _ := decimal.NewFromString(o.Price)
		orders = append(orders, broker.OpenOrder{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:          o.Symbol,
			Side:            broker.Side(o.Side),
			Qty:             qty.InexactFloat64(),
			Price:           price.InexactFloat64(),
		})
	}
	return orders, nil
}

// doSigned attaches timestamp/recvWindow, signs the query and executes.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	r := c.http.R().SetContext(ctx)
	var resp *resty.Response
	var err error
	switch method {
	case "GET":
		resp, err = r.Get(path + "?" + query)
	case "POST":
		resp, err = r.SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(query).
			Post(path)
	case "DELETE":
		resp, err = r.Delete(path + "?" + query)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return nil, fmt.Errorf("binance %s %s: %w", method, path, err)
	}
	if err := c.checkResponse(resp); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// checkResponse converts non-2xx replies into classifiable APIErrors.
func (c *Client) checkResponse(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	var payload apiError
	_ = json.Unmarshal(resp.Body(), &payload)
	return &broker.APIError{
		StatusCode: resp.StatusCode(),
		Code:       payload.Code,
		Message:    payload.Msg,
	}
}

func mapStatus(s string) broker.OrderStatus {
	switch s {
	case "NEW":
		return broker.StatusNew
	case "PARTIALLY_FILLED":
		return broker.StatusPartial
	case "FILLED":
		return broker.StatusFilled
	case "CANCELED":
		return broker.StatusCanceled
	case "REJECTED":
		return broker.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return broker.StatusExpired
	default:
		return broker.StatusUnknown
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
