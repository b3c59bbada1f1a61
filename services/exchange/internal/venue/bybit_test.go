package venue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/breaker"
	"github.com/Chrissou78/rwa-trade-core/libs/logging"
	"github.com/shopspring/decimal"
)

const (
	testKey    = "key"
	testSecret = "secret"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Config{
		BaseURL:      srv.URL,
		Credentials:  Credentials{APIKey: testKey, Secret: testSecret},
		RatePerSec:   1000,
		Burst:        10,
		PollInterval: time.Millisecond,
		PollAttempts: 5,
		Breaker:      breaker.Config{MaxFailures: 2, Timeout: time.Minute},
	}, logging.Discard())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func checkSignature(t *testing.T, r *http.Request, payload string) {
	t.Helper()
	if r.Header.Get("X-BAPI-API-KEY") != testKey {
		t.Errorf("missing api key header")
	}
	ts := r.Header.Get("X-BAPI-TIMESTAMP")
	recv := r.Header.Get("X-BAPI-RECV-WINDOW")
	want := Sign(testSecret, ts+testKey+recv+payload)
	if got := r.Header.Get("X-BAPI-SIGN"); got != want {
		t.Errorf("bad signature for %s %s", r.Method, r.URL.Path)
	}
}

func TestExecuteMarketOrderFilled(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		checkSignature(t, r, string(body))
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode create: %v", err)
		}
		if req["side"] != "Buy" || req["orderType"] != "Market" || req["marketUnit"] != "baseCoin" || req["orderLinkId"] != "link-1" {
			t.Errorf("unexpected create body %v", req)
		}
		writeJSON(w, map[string]any{"retCode": 0, "retMsg": "OK", "result": map[string]any{"orderId": "bybit-1", "orderLinkId": "link-1"}})
	})
	mux.HandleFunc("/v5/order/realtime", func(w http.ResponseWriter, r *http.Request) {
		checkSignature(t, r, r.URL.RawQuery)
		status := "New"
		if polls.Add(1) > 1 {
			status = "Filled"
		}
		writeJSON(w, map[string]any{"retCode": 0, "retMsg": "OK", "result": map[string]any{"list": []map[string]any{{
			"orderId": "bybit-1", "orderLinkId": "link-1", "orderStatus": status,
			"cumExecQty": "2", "cumExecValue": "201", "avgPrice": "",
		}}}})
	})

	client := newTestClient(t, mux)
	exec, err := client.ExecuteMarketOrder(context.Background(), MarketOrder{
		Symbol: "ETHUSDC", Side: "buy", Quantity: decimal.NewFromInt(2), LinkID: "link-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.OrderID != "bybit-1" || exec.ExecutedQty.String() != "2" || exec.ExecutedPrice.String() != "100.5" {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if polls.Load() < 2 {
		t.Fatalf("expected polling until a final state")
	}
}

func TestExecuteMarketOrderRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"retCode": 170131, "retMsg": "Insufficient balance.", "result": map[string]any{}})
	})
	client := newTestClient(t, mux)

	_, err := client.ExecuteMarketOrder(context.Background(), MarketOrder{Symbol: "ETHUSDC", Side: "sell", Quantity: decimal.NewFromInt(1), LinkID: "link-2"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if client.BreakerState() != breaker.StateClosed {
		t.Fatalf("business rejections must not trip the breaker")
	}
}

func TestExecuteMarketOrderCancelledWithoutFill(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"retCode": 0, "retMsg": "OK", "result": map[string]any{"orderId": "bybit-3"}})
	})
	mux.HandleFunc("/v5/order/realtime", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"retCode": 0, "retMsg": "OK", "result": map[string]any{"list": []map[string]any{}}})
	})
	mux.HandleFunc("/v5/order/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"retCode": 0, "retMsg": "OK", "result": map[string]any{"list": []map[string]any{{
			"orderId": "bybit-3", "orderLinkId": "link-3", "orderStatus": "Cancelled", "cumExecQty": "0", "avgPrice": "0",
		}}}})
	})
	client := newTestClient(t, mux)

	_, err := client.ExecuteMarketOrder(context.Background(), MarketOrder{Symbol: "ETHUSDC", Side: "buy", Quantity: decimal.NewFromInt(1), LinkID: "link-3"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection for unfilled cancel, got %v", err)
	}
}

func TestLookupOrderNotFound(t *testing.T) {
	empty := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"retCode": 0, "retMsg": "OK", "result": map[string]any{"list": []map[string]any{}}})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/order/realtime", empty)
	mux.HandleFunc("/v5/order/history", empty)
	client := newTestClient(t, mux)

	if _, err := client.LookupOrder(context.Background(), "ETHUSDC", "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServerErrorsOpenTheBreaker(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	for i := 0; i < 2; i++ {
		if _, err := client.Ticker(context.Background(), "ETHUSDC"); err == nil {
			t.Fatalf("expected server error")
		}
	}
	if client.BreakerState() != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", client.BreakerState())
	}
	if _, err := client.Ticker(context.Background(), "ETHUSDC"); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected breaker rejection, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("open breaker must not reach the venue, got %d calls", calls.Load())
	}

	_, err := client.ExecuteMarketOrder(context.Background(), MarketOrder{Symbol: "ETHUSDC", Side: "buy", Quantity: decimal.NewFromInt(1), LinkID: "x"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("order refused by the breaker was never sent, got %v", err)
	}
}

func TestTicker(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" || r.URL.Query().Get("symbol") != "ETHUSDC" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("X-BAPI-SIGN") != "" {
			t.Errorf("public endpoint must not be signed")
		}
		writeJSON(w, map[string]any{"retCode": 0, "retMsg": "OK", "result": map[string]any{"list": []map[string]any{{
			"symbol": "ETHUSDC", "lastPrice": "100", "bid1Price": "99.9", "ask1Price": "100.1",
		}}}})
	}))

	ticker, err := client.Ticker(context.Background(), "ETHUSDC")
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if ticker.Ask.String() != "100.1" || ticker.Last.String() != "100" {
		t.Fatalf("unexpected ticker %+v", ticker)
	}
}
