package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/breaker"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	ErrOrderNotFound = errors.New("venue order not found")
	// ErrRejected means the venue closed the order without executing any
	// quantity. Nothing was traded.
	ErrRejected = errors.New("venue rejected order")
	// ErrUnresolved means the order may have reached the venue but its
	// final state is unknown. The caller must reconcile before releasing
	// funds.
	ErrUnresolved = errors.New("venue order state unresolved")
)

// APIError is a non-zero retCode returned by the venue.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit error %d: %s", e.Code, e.Message)
}

type Credentials struct {
	APIKey string
	Secret string
}

type Config struct {
	BaseURL      string
	Credentials  Credentials
	RecvWindow   time.Duration
	Timeout      time.Duration
	RatePerSec   float64
	Burst        int
	PollInterval time.Duration
	PollAttempts int
	Breaker      breaker.Config
}

type MarketOrder struct {
	Symbol   string
	Side     string
	Quantity decimal.Decimal
	LinkID   string
}

// Execution is the venue's view of one order.
type Execution struct {
	OrderID       string
	LinkID        string
	Status        string
	ExecutedQty   decimal.Decimal
	ExecutedPrice decimal.Decimal
}

// Terminal reports whether the venue will not execute any more quantity.
func (e Execution) Terminal() bool {
	switch e.Status {
	case "Filled", "Cancelled", "Rejected", "PartiallyFilledCanceled", "Deactivated":
		return true
	}
	return false
}

type Ticker struct {
	Symbol string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

// Client is a Bybit v5 spot REST client. Every call passes through an
// outbound token bucket and a circuit breaker.
type Client struct {
	baseURL      string
	creds        Credentials
	recvWindow   string
	httpClient   *http.Client
	limiter      *rate.Limiter
	breaker      *breaker.Breaker
	pollInterval time.Duration
	pollAttempts int
	logger       *slog.Logger
	now          func() time.Time
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("venue base url required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 20
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "bybit"
	}
	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = countsAgainstBreaker
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		creds:        cfg.Credentials,
		recvWindow:   strconv.FormatInt(cfg.RecvWindow.Milliseconds(), 10),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breaker:      breaker.New(cfg.Breaker, logger),
		pollInterval: cfg.PollInterval,
		pollAttempts: cfg.PollAttempts,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func (c *Client) BreakerState() breaker.State {
	return c.breaker.State()
}

type response[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
	Time    int64  `json:"time"`
}

type tickerList struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
	} `json:"list"`
}

type orderList struct {
	List []struct {
		OrderID      string `json:"orderId"`
		OrderLinkID  string `json:"orderLinkId"`
		OrderStatus  string `json:"orderStatus"`
		CumExecQty   string `json:"cumExecQty"`
		CumExecValue string `json:"cumExecValue"`
		AvgPrice     string `json:"avgPrice"`
	} `json:"list"`
}

type createResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func (c *Client) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", symbol)

	var resp response[tickerList]
	if err := c.call(ctx, http.MethodGet, "/v5/market/tickers", params, nil, false, &resp); err != nil {
		return Ticker{}, err
	}
	if len(resp.Result.List) == 0 {
		return Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	item := resp.Result.List[0]
	t := Ticker{Symbol: item.Symbol}
	t.Last = parseDecimal(item.LastPrice)
	t.Bid = parseDecimal(item.Bid1Price)
	t.Ask = parseDecimal(item.Ask1Price)
	if !t.Last.IsPositive() && !t.Ask.IsPositive() {
		return Ticker{}, fmt.Errorf("ticker for %s has no price", symbol)
	}
	return t, nil
}

// ExecuteMarketOrder submits a market order sized in base units and waits
// for the venue to report a final state.
func (c *Client) ExecuteMarketOrder(ctx context.Context, order MarketOrder) (*Execution, error) {
	side := "Buy"
	if strings.EqualFold(order.Side, "sell") {
		side = "Sell"
	}
	body := map[string]any{
		"category":    "spot",
		"symbol":      order.Symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         order.Quantity.String(),
		"marketUnit":  "baseCoin",
		"orderLinkId": order.LinkID,
	}

	var resp response[createResult]
	if err := c.call(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) || errors.Is(err, breaker.ErrOpen) {
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return nil, fmt.Errorf("%w: create order: %v", ErrUnresolved, err)
	}
	c.logger.Info("venue order submitted", "symbol", order.Symbol, "side", side, "order_id", resp.Result.OrderID, "link_id", order.LinkID)

	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		exec, err := c.LookupOrder(ctx, order.Symbol, order.LinkID)
		switch {
		case err == nil:
			if exec.Terminal() {
				return finalExecution(exec)
			}
		case errors.Is(err, ErrOrderNotFound):
		default:
			c.logger.Warn("venue order poll failed", "link_id", order.LinkID, "attempt", attempt+1, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUnresolved, ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
	return nil, fmt.Errorf("%w: order %s did not settle in time", ErrUnresolved, order.LinkID)
}

// LookupOrder finds an order by the client-assigned link id, checking open
// orders first and then history.
func (c *Client) LookupOrder(ctx context.Context, symbol, linkID string) (*Execution, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", symbol)
	params.Set("orderLinkId", linkID)

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var resp response[orderList]
		if err := c.call(ctx, http.MethodGet, path, params, nil, true, &resp); err != nil {
			return nil, err
		}
		if len(resp.Result.List) == 0 {
			continue
		}
		item := resp.Result.List[0]
		exec := &Execution{
			OrderID:     item.OrderID,
			LinkID:      item.OrderLinkID,
			Status:      item.OrderStatus,
			ExecutedQty: parseDecimal(item.CumExecQty),
		}
		exec.ExecutedPrice = parseDecimal(item.AvgPrice)
		if !exec.ExecutedPrice.IsPositive() && exec.ExecutedQty.IsPositive() {
			exec.ExecutedPrice = parseDecimal(item.CumExecValue).Div(exec.ExecutedQty)
		}
		return exec, nil
	}
	return nil, ErrOrderNotFound
}

// finalExecution turns a terminal venue state into a result. Any executed
// quantity counts as a fill.
func finalExecution(exec *Execution) (*Execution, error) {
	if exec.ExecutedQty.IsPositive() && exec.ExecutedPrice.IsPositive() {
		return exec, nil
	}
	return nil, fmt.Errorf("%w: order %s %s", ErrRejected, exec.OrderID, exec.Status)
}

func (c *Client) call(ctx context.Context, method, path string, params url.Values, body any, auth bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, method, path, params, body, auth, out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, auth bool, out any) error {
	var bodyReader io.Reader
	var payload string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	target := c.baseURL + path
	query := ""
	if len(params) > 0 {
		query = params.Encode()
		target += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		signed := query
		if method != http.MethodGet {
			signed = payload
		}
		req.Header.Set("X-BAPI-API-KEY", c.creds.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
		req.Header.Set("X-BAPI-SIGN", Sign(c.creds.Secret, ts+c.creds.APIKey+c.recvWindow+signed))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return &statusError{code: resp.StatusCode}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", path, resp.StatusCode, err)
	}
	if code, msg := retCode(out); code != 0 {
		return &APIError{Code: code, Message: msg}
	}
	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign is the v5 HMAC-SHA256 request signature, hex encoded.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("venue returned status %d", e.code)
}

type envelope interface {
	envelope() (int, string)
}

func (r *response[T]) envelope() (int, string) { return r.RetCode, r.RetMsg }

func retCode(out any) (int, string) {
	if env, ok := out.(envelope); ok {
		return env.envelope()
	}
	return 0, ""
}

// countsAgainstBreaker ignores business rejections; only transport and
// server failures trip the circuit.
func countsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var status *statusError
	if errors.As(err, &status) {
		return status.code >= 500 || status.code == http.StatusTooManyRequests
	}
	return true
}

func parseDecimal(raw string) decimal.Decimal {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
