package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/logging"
	"github.com/Chrissou78/rwa-trade-core/libs/ratelimit"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/service"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/Chrissou78/rwa-trade-core/services/testutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

var testSecret = []byte("secret")

type env struct {
	router *gin.Engine
	ledger *service.LedgerService
	tokens map[string]string
}

func newEnv(t *testing.T, limiter ratelimit.Limiter) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemory()
	if err := store.UpsertPair(context.Background(), storage.Pair{
		Symbol: "ETH-USDC", BaseToken: "ETH", QuoteToken: "USDC", MinQty: decimal.RequireFromString("0.01"), QtyScale: 2, Active: true,
	}); err != nil {
		t.Fatalf("seed pair: %v", err)
	}
	ledger := service.NewLedgerService(store, nil, nil, logging.Discard(), nil)
	orders := service.NewOrderService(store, store, nil, nil, nil, logging.Discard(), nil, service.OrderConfig{})

	router := gin.New()
	New(ledger, orders, limiter, logging.Discard()).Register(router, testSecret)

	e := &env{router: router, ledger: ledger, tokens: map[string]string{}}
	for _, w := range []string{testutil.BuyerWallet, testutil.SellerWallet} {
		token, err := testutil.GenerateJWT(w, testSecret, time.Hour)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		e.tokens[w] = token
	}
	return e
}

func (e *env) fund(t *testing.T, wallet, token string, amount int64) {
	t.Helper()
	if _, err := e.ledger.Settle(context.Background(), wallet, token, decimal.Zero, decimal.NewFromInt(amount)); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (e *env) do(method, path, wallet string, body any) (code int, resp func(t *testing.T, out any)) {
	w := testutil.MakeAuthRequest(e.router, method, path, body, e.tokens[wallet])
	return w.Code, func(t *testing.T, out any) {
		t.Helper()
		testutil.DecodeJSON(t, w, out)
	}
}

func TestRequiresAuthentication(t *testing.T) {
	e := newEnv(t, nil)
	resp := testutil.MakeAPIRequest(e.router, http.MethodGet, "/balances", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestOrderLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	e.fund(t, testutil.SellerWallet, "ETH", 5)
	e.fund(t, testutil.BuyerWallet, "USDC", 1000)

	code, decode := e.do(http.MethodPost, "/orders", testutil.SellerWallet, map[string]any{
		"pair": "ETH-USDC", "side": "sell", "type": "limit", "price": "100", "quantity": "2",
	})
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	var ask placeOrderResponse
	decode(t, &ask)
	if ask.Order == nil || ask.Order.Status != storage.OrderOpen {
		t.Fatalf("unexpected ask %+v", ask)
	}

	code, decode = e.do(http.MethodPost, "/orders", testutil.BuyerWallet, map[string]any{
		"pair": "ETH-USDC", "side": "buy", "type": "market", "quantity": "1",
	})
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	var bid placeOrderResponse
	decode(t, &bid)
	if len(bid.Trades) != 1 || bid.Trades[0].Price != "100" || bid.Order.Status != storage.OrderFilled {
		t.Fatalf("unexpected market buy %+v", bid)
	}

	code, decode = e.do(http.MethodGet, "/balances/eth", testutil.BuyerWallet, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var bal balanceResponse
	decode(t, &bal)
	if bal.Token != "ETH" || bal.Available != "1" {
		t.Fatalf("unexpected balance %+v", bal)
	}

	code, _ = e.do(http.MethodDelete, "/orders/"+ask.Order.ID, testutil.BuyerWallet, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 for another wallet, got %d", code)
	}
	code, decode = e.do(http.MethodDelete, "/orders/"+ask.Order.ID, testutil.SellerWallet, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var cancelled orderResponse
	decode(t, &cancelled)
	if cancelled.Status != storage.OrderCancelled || cancelled.Filled != "1" {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	code, _ = e.do(http.MethodDelete, "/orders/"+ask.Order.ID, testutil.SellerWallet, nil)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", code)
	}

	code, decode = e.do(http.MethodGet, "/balances", testutil.SellerWallet, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var list struct {
		Balances []balanceResponse `json:"balances"`
	}
	decode(t, &list)
	if len(list.Balances) != 2 || list.Balances[0].Token != "ETH" || list.Balances[0].Available != "4" || list.Balances[1].Available != "100" {
		t.Fatalf("unexpected seller balances %+v", list.Balances)
	}

	code, decode = e.do(http.MethodGet, "/pairs/eth-usdc/stats", testutil.SellerWallet, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var stats statsResponse
	decode(t, &stats)
	if stats.Trades != 1 || stats.LastPrice != "100" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPlaceOrderErrors(t *testing.T) {
	e := newEnv(t, nil)
	e.fund(t, testutil.BuyerWallet, "USDC", 10)

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/orders", map[string]any{
		"pair": "ETH-USDC", "side": "buy", "type": "limit", "price": "100", "quantity": "1",
	}, e.tokens[testutil.BuyerWallet])
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientBalance)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/orders", map[string]any{
		"pair": "ETH-USDC", "side": "buy", "type": "limit", "price": "abc", "quantity": "1",
	}, e.tokens[testutil.BuyerWallet])
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/orders", map[string]any{
		"pair": "XRP-USDC", "side": "buy", "type": "limit", "price": "1", "quantity": "1",
	}, e.tokens[testutil.BuyerWallet])
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)

	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/orders/not-a-uuid", nil, e.tokens[testutil.BuyerWallet])
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestDepthAndTrades(t *testing.T) {
	e := newEnv(t, nil)
	e.fund(t, testutil.SellerWallet, "ETH", 5)
	for _, price := range []string{"101", "101", "103"} {
		code, _ := e.do(http.MethodPost, "/orders", testutil.SellerWallet, map[string]any{
			"pair": "ETH-USDC", "side": "sell", "type": "limit", "price": price, "quantity": "1",
		})
		if code != http.StatusCreated {
			t.Fatalf("place ask: %d", code)
		}
	}

	code, decode := e.do(http.MethodGet, "/pairs/ETH-USDC/depth?levels=1", testutil.BuyerWallet, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var depth depthResponse
	decode(t, &depth)
	if len(depth.Asks) != 1 || depth.Asks[0].Price != "101" || depth.Asks[0].Quantity != "2" || len(depth.Bids) != 0 {
		t.Fatalf("unexpected depth %+v", depth)
	}

	code, decode = e.do(http.MethodGet, "/pairs/ETH-USDC/trades", testutil.BuyerWallet, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var trades struct {
		Trades []tradeResponse `json:"trades"`
		Total  int             `json:"total"`
	}
	decode(t, &trades)
	if trades.Total != 0 || len(trades.Trades) != 0 {
		t.Fatalf("expected no trades, got %+v", trades)
	}

	code, _ = e.do(http.MethodGet, "/pairs/ETH-USDC/depth?levels=-1", testutil.BuyerWallet, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad levels, got %d", code)
	}
}

func TestWithdrawals(t *testing.T) {
	e := newEnv(t, nil)
	e.fund(t, testutil.BuyerWallet, "USDC", 50)

	code, decode := e.do(http.MethodPost, "/withdrawals", testutil.BuyerWallet, map[string]any{
		"token": "USDC", "amount": "20", "destination": testutil.OtherWallet,
	})
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	var w withdrawalResponse
	decode(t, &w)
	if w.Status != storage.WithdrawalPending || w.Amount != "20" {
		t.Fatalf("unexpected withdrawal %+v", w)
	}

	code, _ = e.do(http.MethodGet, "/withdrawals/"+w.ID, testutil.SellerWallet, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	code, _ = e.do(http.MethodGet, "/withdrawals/"+w.ID, testutil.BuyerWallet, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/withdrawals", map[string]any{
		"token": "USDC", "amount": "100", "destination": testutil.OtherWallet,
	}, e.tokens[testutil.BuyerWallet])
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientBalance)
}

func TestRateLimitIsPerWallet(t *testing.T) {
	e := newEnv(t, ratelimit.NewMemory(2, time.Minute))

	for i := 0; i < 2; i++ {
		if code, _ := e.do(http.MethodGet, "/balances", testutil.BuyerWallet, nil); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, code)
		}
	}
	resp := testutil.MakeAuthRequest(e.router, http.MethodGet, "/balances", nil, e.tokens[testutil.BuyerWallet])
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeRateLimited)
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	if code, _ := e.do(http.MethodGet, "/balances", testutil.SellerWallet, nil); code != http.StatusOK {
		t.Fatalf("other wallets keep their own budget, got %d", code)
	}
}
