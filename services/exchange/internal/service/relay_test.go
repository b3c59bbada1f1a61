package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/venue"
	"github.com/Chrissou78/rwa-trade-core/services/testutil"
)

type fakeVenue struct {
	mu        sync.Mutex
	ticker    venue.Ticker
	tickerErr error
	exec      *venue.Execution
	execErr   error
	lookup    *venue.Execution
	lookupErr error
	submitted []venue.MarketOrder
}

func (f *fakeVenue) Ticker(context.Context, string) (venue.Ticker, error) {
	return f.ticker, f.tickerErr
}

func (f *fakeVenue) ExecuteMarketOrder(_ context.Context, order venue.MarketOrder) (*venue.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, order)
	if f.execErr != nil {
		return nil, f.execErr
	}
	exec := *f.exec
	exec.LinkID = order.LinkID
	return &exec, nil
}

func (f *fakeVenue) LookupOrder(context.Context, string, string) (*venue.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookup, f.lookupErr
}

func relayConfig() OrderConfig {
	return OrderConfig{
		Fees:        Fees{Wallet: testutil.FeeWallet},
		SlippageBps: 50,
		Relay:       RelayConfig{SpreadBps: 100, FlatFee: dec("1"), Grace: time.Minute},
	}
}

func filled(qty, price string) *venue.Execution {
	return &venue.Execution{OrderID: "bybit-1", Status: "Filled", ExecutedQty: dec(qty), ExecutedPrice: dec(price)}
}

func pendingVenueOrders(t *testing.T, f *fixture, status string) []storage.VenueOrder {
	t.Helper()
	out, err := f.store.ListVenueOrders(context.Background(), status, time.Now().Add(24*365*time.Hour))
	if err != nil {
		t.Fatalf("list venue orders: %v", err)
	}
	return out
}

func TestRelayMarketBuySettlesWithSpread(t *testing.T) {
	v := &fakeVenue{ticker: venue.Ticker{Ask: dec("100"), Last: dec("99")}, exec: filled("1", "100")}
	f := newExchange(t, relayConfig(), v)
	fund(t, f.ledger, testutil.BuyerWallet, "USDC", "200")

	res := f.place(t, testutil.BuyerWallet, "BTC-USDC", "buy", "market", "", "1")
	vo := res.VenueOrder
	if vo == nil || res.Order != nil {
		t.Fatalf("expected a venue order result, got %+v", res)
	}
	if vo.Status != storage.VenueOrderSettled || !vo.UserPrice.Equal(dec("101")) || !vo.SpreadFee.Equal(dec("1")) || !vo.Received.Equal(dec("1")) {
		t.Fatalf("unexpected venue order %+v", vo)
	}
	if len(v.submitted) != 1 || v.submitted[0].Symbol != "BTCUSDC" || v.submitted[0].LinkID != vo.ID.String() {
		t.Fatalf("unexpected submission %+v", v.submitted)
	}

	// Locked 102.5, charged 101 plus the flat fee of 1.
	assertBalance(t, f.store, testutil.BuyerWallet, "USDC", "98", "0")
	assertBalance(t, f.store, testutil.BuyerWallet, "BTC", "1", "0")
	assertBalance(t, f.store, testutil.FeeWallet, "USDC", "2", "0")
}

func TestRelayMarketSellSettlesWithSpread(t *testing.T) {
	v := &fakeVenue{exec: filled("2", "100")}
	f := newExchange(t, relayConfig(), v)
	fund(t, f.ledger, testutil.SellerWallet, "BTC", "3")

	res := f.place(t, testutil.SellerWallet, "BTC-USDC", "sell", "market", "", "2")
	if !res.VenueOrder.UserPrice.Equal(dec("99")) || !res.VenueOrder.Received.Equal(dec("197")) {
		t.Fatalf("unexpected venue order %+v", res.VenueOrder)
	}
	assertBalance(t, f.store, testutil.SellerWallet, "BTC", "1", "0")
	assertBalance(t, f.store, testutil.SellerWallet, "USDC", "197", "0")
	assertBalance(t, f.store, testutil.FeeWallet, "USDC", "3", "0")
}

func TestRelayPartialExecutionReturnsUnusedBase(t *testing.T) {
	v := &fakeVenue{exec: &venue.Execution{OrderID: "bybit-2", Status: "PartiallyFilledCanceled", ExecutedQty: dec("0.5"), ExecutedPrice: dec("100")}}
	f := newExchange(t, OrderConfig{Relay: RelayConfig{Grace: time.Minute}}, v)
	fund(t, f.ledger, testutil.SellerWallet, "BTC", "2")

	res := f.place(t, testutil.SellerWallet, "BTC-USDC", "sell", "market", "", "2")
	if !res.VenueOrder.ExecutedQty.Equal(dec("0.5")) {
		t.Fatalf("unexpected executed quantity %s", res.VenueOrder.ExecutedQty)
	}
	assertBalance(t, f.store, testutil.SellerWallet, "BTC", "1.5", "0")
	assertBalance(t, f.store, testutil.SellerWallet, "USDC", "50", "0")
}

func TestRelayRejectionReleasesLock(t *testing.T) {
	v := &fakeVenue{ticker: venue.Ticker{Ask: dec("100")}, execErr: fmt.Errorf("%w: insufficient venue balance", venue.ErrRejected)}
	f := newExchange(t, relayConfig(), v)
	fund(t, f.ledger, testutil.BuyerWallet, "USDC", "200")

	_, err := f.orders.PlaceOrder(context.Background(), orderInput(testutil.BuyerWallet, "BTC-USDC", "buy", "market", "", "1"))
	if !apperr.IsKind(err, apperr.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	assertBalance(t, f.store, testutil.BuyerWallet, "USDC", "200", "0")
	failed := pendingVenueOrders(t, f, storage.VenueOrderFailed)
	if len(failed) != 1 || failed[0].Error == "" {
		t.Fatalf("expected one failed venue order, got %+v", failed)
	}
}

func TestRelayTickerFailureWritesNothing(t *testing.T) {
	v := &fakeVenue{tickerErr: fmt.Errorf("bybit down")}
	f := newExchange(t, relayConfig(), v)
	fund(t, f.ledger, testutil.BuyerWallet, "USDC", "200")

	_, err := f.orders.PlaceOrder(context.Background(), orderInput(testutil.BuyerWallet, "BTC-USDC", "buy", "market", "", "1"))
	if !apperr.IsKind(err, apperr.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	assertBalance(t, f.store, testutil.BuyerWallet, "USDC", "200", "0")
	if len(v.submitted) != 0 || len(pendingVenueOrders(t, f, storage.VenueOrderPending)) != 0 {
		t.Fatalf("nothing may reach the venue without a price")
	}
}

func TestReconcileSettlesUnresolvedOrder(t *testing.T) {
	v := &fakeVenue{ticker: venue.Ticker{Ask: dec("100")}, execErr: fmt.Errorf("%w: timeout", venue.ErrUnresolved)}
	f := newExchange(t, relayConfig(), v)
	ctx := context.Background()
	fund(t, f.ledger, testutil.BuyerWallet, "USDC", "200")

	_, err := f.orders.PlaceOrder(ctx, orderInput(testutil.BuyerWallet, "BTC-USDC", "buy", "market", "", "1"))
	if !apperr.IsKind(err, apperr.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	assertBalance(t, f.store, testutil.BuyerWallet, "USDC", "97.5", "102.5")

	// Still inside the grace period.
	if n, err := f.orders.ReconcilePending(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing reconciled yet, got %d (%v)", n, err)
	}

	later := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	f.orders.now = func() time.Time { return later }

	v.lookup = &venue.Execution{OrderID: "bybit-9", Status: "New"}
	if n, err := f.orders.ReconcilePending(ctx); err != nil || n != 0 {
		t.Fatalf("working order must stay pending, got %d (%v)", n, err)
	}

	v.lookup = filled("1", "100")
	n, err := f.orders.ReconcilePending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one settled order, got %d (%v)", n, err)
	}
	assertBalance(t, f.store, testutil.BuyerWallet, "USDC", "98", "0")
	assertBalance(t, f.store, testutil.BuyerWallet, "BTC", "1", "0")
	if got := pendingVenueOrders(t, f, storage.VenueOrderSettled); len(got) != 1 || got[0].VenueOrderID != "bybit-1" {
		t.Fatalf("unexpected settled orders %+v", got)
	}
}

func TestReconcileReleasesOrderUnknownToVenue(t *testing.T) {
	v := &fakeVenue{execErr: fmt.Errorf("%w: connection reset", venue.ErrUnresolved), lookupErr: venue.ErrOrderNotFound}
	f := newExchange(t, relayConfig(), v)
	ctx := context.Background()
	fund(t, f.ledger, testutil.SellerWallet, "BTC", "1")

	if _, err := f.orders.PlaceOrder(ctx, orderInput(testutil.SellerWallet, "BTC-USDC", "sell", "market", "", "1")); err == nil {
		t.Fatalf("expected unresolved order error")
	}
	assertBalance(t, f.store, testutil.SellerWallet, "BTC", "0", "1")

	f.orders.now = func() time.Time { return time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC) }
	n, err := f.orders.ReconcilePending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one released order, got %d (%v)", n, err)
	}
	assertBalance(t, f.store, testutil.SellerWallet, "BTC", "1", "0")
	if got := pendingVenueOrders(t, f, storage.VenueOrderFailed); len(got) != 1 {
		t.Fatalf("expected the order marked failed, got %+v", got)
	}
}

func TestLimitOrdersOnVenuePairUseTheBook(t *testing.T) {
	v := &fakeVenue{}
	f := newExchange(t, relayConfig(), v)
	fund(t, f.ledger, testutil.BuyerWallet, "USDC", "100")

	res := f.place(t, testutil.BuyerWallet, "BTC-USDC", "buy", "limit", "50", "1")
	if res.Order == nil || res.Order.Status != storage.OrderOpen || len(v.submitted) != 0 {
		t.Fatalf("limit order must rest on the local book, got %+v", res)
	}
}
