package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type contractStore interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	GetDeposit(ctx context.Context, txHash string) (*Deposit, error)
	InPairTx(ctx context.Context, pair string, fn func(Tx) error) error
	UpsertPair(ctx context.Context, p Pair) error
	GetPair(ctx context.Context, symbol string) (*Pair, error)
	ListPairs(ctx context.Context) ([]Pair, error)
	GetBalance(ctx context.Context, wallet, token string) (Balance, error)
	ListBalances(ctx context.Context, wallet string) ([]Balance, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, int, error)
	RestingOrders(ctx context.Context, pair, side string) ([]Order, error)
	ListTrades(ctx context.Context, pair string, limit, offset int) ([]Trade, int, error)
	TradeStats(ctx context.Context, pair string) (TradeStats, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error)
	ListVenueOrders(ctx context.Context, status string, before time.Time) ([]VenueOrder, error)
}

const (
	aliceWallet = "0x52908400098527886E0F7030069857D2E4169EE7"
	bobWallet   = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testPair() Pair {
	return Pair{Symbol: "ETH-USDC", BaseToken: "ETH", QuoteToken: "USDC", MinQty: dec("0.001"), QtyScale: 8, Active: true}
}

func testOrder(wallet, side string, price string, at time.Time) Order {
	lockToken := "USDC"
	if side == SideSell {
		lockToken = "ETH"
	}
	return Order{
		ID:        uuid.New(),
		Wallet:    wallet,
		Pair:      "ETH-USDC",
		Side:      side,
		Type:      TypeLimit,
		Price:     dec(price),
		Quantity:  dec("1"),
		Filled:    decimal.Zero,
		LockToken: lockToken,
		Locked:    decimal.Zero,
		Status:    OrderOpen,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func runStoreContract(t *testing.T, s contractStore) {
	ctx := context.Background()
	if err := s.UpsertPair(ctx, testPair()); err != nil {
		t.Fatalf("upsert pair: %v", err)
	}

	t.Run("balances", func(t *testing.T) {
		err := s.InTx(ctx, func(tx Tx) error {
			_, err := tx.AdjustBalance(ctx, aliceWallet, "USDC", dec("100"), decimal.Zero)
			return err
		})
		if err != nil {
			t.Fatalf("credit: %v", err)
		}

		err = s.InTx(ctx, func(tx Tx) error {
			b, err := tx.AdjustBalance(ctx, aliceWallet, "USDC", dec("-40"), dec("40"))
			if err != nil {
				return err
			}
			if !b.Available.Equal(dec("60")) || !b.Locked.Equal(dec("40")) {
				t.Fatalf("unexpected balance after lock %s/%s", b.Available, b.Locked)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("lock: %v", err)
		}

		err = s.InTx(ctx, func(tx Tx) error {
			_, err := tx.AdjustBalance(ctx, aliceWallet, "USDC", dec("-61"), dec("61"))
			return err
		})
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("expected insufficient balance, got %v", err)
		}

		err = s.InTx(ctx, func(tx Tx) error {
			_, err := tx.AdjustBalance(ctx, bobWallet, "ETH", dec("-1"), decimal.Zero)
			return err
		})
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("expected insufficient balance for empty wallet, got %v", err)
		}

		b, err := s.GetBalance(ctx, aliceWallet, "USDC")
		if err != nil {
			t.Fatalf("get balance: %v", err)
		}
		if !b.Available.Equal(dec("60")) || !b.Locked.Equal(dec("40")) {
			t.Fatalf("rejected update leaked: %s/%s", b.Available, b.Locked)
		}

		empty, err := s.GetBalance(ctx, bobWallet, "DAI")
		if err != nil {
			t.Fatalf("get empty balance: %v", err)
		}
		if !empty.Available.IsZero() || !empty.Locked.IsZero() {
			t.Fatalf("expected zero balance, got %+v", empty)
		}
	})

	t.Run("rollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx Tx) error {
			if _, err := tx.AdjustBalance(ctx, aliceWallet, "USDC", dec("10"), decimal.Zero); err != nil {
				return err
			}
			if _, err := tx.AdjustBalance(ctx, aliceWallet, "WBTC", dec("1"), decimal.Zero); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected callback error, got %v", err)
		}
		balances, err := s.ListBalances(ctx, aliceWallet)
		if err != nil {
			t.Fatalf("list balances: %v", err)
		}
		if len(balances) != 1 || balances[0].Token != "USDC" || !balances[0].Available.Equal(dec("60")) {
			t.Fatalf("rollback did not restore balances: %+v", balances)
		}
	})

	t.Run("orders and trades", func(t *testing.T) {
		base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
		cheap := testOrder(bobWallet, SideSell, "99", base.Add(2*time.Second))
		early := testOrder(bobWallet, SideSell, "100", base)
		late := testOrder(aliceWallet, SideSell, "100", base.Add(time.Second))
		bid := testOrder(aliceWallet, SideBuy, "98", base)

		err := s.InPairTx(ctx, "ETH-USDC", func(tx Tx) error {
			for _, o := range []Order{late, early, cheap, bid} {
				if err := tx.InsertOrder(ctx, o); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("insert orders: %v", err)
		}

		asks, err := s.RestingOrders(ctx, "ETH-USDC", SideSell)
		if err != nil {
			t.Fatalf("resting: %v", err)
		}
		want := []uuid.UUID{cheap.ID, early.ID, late.ID}
		if len(asks) != len(want) {
			t.Fatalf("expected %d asks, got %d", len(want), len(asks))
		}
		for i, id := range want {
			if asks[i].ID != id {
				t.Fatalf("ask %d: expected %s, got %s", i, id, asks[i].ID)
			}
		}

		err = s.InPairTx(ctx, "ETH-USDC", func(tx Tx) error {
			filled := cheap
			filled.Filled = filled.Quantity
			filled.Status = OrderFilled
			filled.UpdatedAt = base.Add(time.Minute)
			if err := tx.UpdateOrder(ctx, filled); err != nil {
				return err
			}
			return tx.InsertTrade(ctx, Trade{
				ID: uuid.New(), Pair: "ETH-USDC", BuyOrderID: bid.ID, SellOrderID: cheap.ID,
				BuyerWallet: aliceWallet, SellerWallet: bobWallet, MakerSide: SideSell,
				Price: dec("99"), Quantity: dec("1"), Total: dec("99"),
				BuyerFee: dec("0.001"), SellerFee: dec("0.099"), ExecutedAt: base.Add(time.Minute),
			})
		})
		if err != nil {
			t.Fatalf("fill: %v", err)
		}

		got, err := s.GetOrder(ctx, cheap.ID)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if got.Status != OrderFilled || !got.Filled.Equal(dec("1")) {
			t.Fatalf("unexpected order state %+v", got)
		}
		if _, err := s.GetOrder(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}

		open, total, err := s.ListOrders(ctx, OrderFilter{Wallet: bobWallet, Status: OrderOpen})
		if err != nil {
			t.Fatalf("list orders: %v", err)
		}
		if total != 1 || len(open) != 1 || open[0].ID != early.ID {
			t.Fatalf("unexpected open orders %d %+v", total, open)
		}

		trades, count, err := s.ListTrades(ctx, "ETH-USDC", 10, 0)
		if err != nil {
			t.Fatalf("list trades: %v", err)
		}
		if count != 1 || len(trades) != 1 || !trades[0].SellerFee.Equal(dec("0.099")) {
			t.Fatalf("unexpected trades %+v", trades)
		}

		stats, err := s.TradeStats(ctx, "ETH-USDC")
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Count != 1 || !stats.LastPrice.Equal(dec("99")) || !stats.QuoteVolume.Equal(dec("99")) {
			t.Fatalf("unexpected stats %+v", stats)
		}

		err = s.InTx(ctx, func(tx Tx) error {
			price, ok, err := tx.LastTradePrice(ctx, "ETH-USDC")
			if err != nil {
				return err
			}
			if !ok || !price.Equal(dec("99")) {
				t.Fatalf("unexpected last price %s %v", price, ok)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("last price: %v", err)
		}
	})

	t.Run("deposits are recorded once", func(t *testing.T) {
		d := Deposit{TxHash: "0xabc", Wallet: aliceWallet, Token: "USDC", Amount: dec("5"), CreatedAt: time.Now().UTC()}
		err := s.InTx(ctx, func(tx Tx) error {
			existing, err := tx.InsertDeposit(ctx, d)
			if err != nil {
				return err
			}
			if existing != nil {
				t.Fatalf("first insert returned an existing deposit")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("insert deposit: %v", err)
		}
		err = s.InTx(ctx, func(tx Tx) error {
			existing, err := tx.InsertDeposit(ctx, d)
			if err != nil {
				return err
			}
			if existing == nil || !existing.Matches(d) {
				t.Fatalf("expected stored deposit on replay, got %+v", existing)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("replay deposit: %v", err)
		}
		if got, err := s.GetDeposit(ctx, "0xabc"); err != nil || !got.Matches(d) {
			t.Fatalf("expected stored deposit, got %+v %v", got, err)
		}
		if _, err := s.GetDeposit(ctx, "0xdef"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected unknown deposit to be not found, got %v", err)
		}
	})

	t.Run("withdrawal status is conditional", func(t *testing.T) {
		now := time.Now().UTC()
		w := Withdrawal{ID: uuid.New(), Wallet: aliceWallet, Token: "USDC", Amount: dec("5"), Destination: bobWallet,
			Status: WithdrawalPending, CreatedAt: now, UpdatedAt: now}
		if err := s.InTx(ctx, func(tx Tx) error { return tx.InsertWithdrawal(ctx, w) }); err != nil {
			t.Fatalf("insert withdrawal: %v", err)
		}

		done := w
		done.Status = WithdrawalCompleted
		if err := s.InTx(ctx, func(tx Tx) error { return tx.UpdateWithdrawal(ctx, done, WithdrawalPending) }); err != nil {
			t.Fatalf("complete: %v", err)
		}
		err := s.InTx(ctx, func(tx Tx) error { return tx.UpdateWithdrawal(ctx, done, WithdrawalPending) })
		if !errors.Is(err, ErrStale) {
			t.Fatalf("expected stale, got %v", err)
		}
		missing := done
		missing.ID = uuid.New()
		err = s.InTx(ctx, func(tx Tx) error { return tx.UpdateWithdrawal(ctx, missing, WithdrawalPending) })
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}

		got, err := s.GetWithdrawal(ctx, w.ID)
		if err != nil {
			t.Fatalf("get withdrawal: %v", err)
		}
		if got.Status != WithdrawalCompleted {
			t.Fatalf("unexpected status %s", got.Status)
		}
	})

	t.Run("venue orders", func(t *testing.T) {
		created := time.Now().UTC().Add(-time.Hour)
		v := VenueOrder{ID: uuid.New(), Wallet: aliceWallet, Pair: "ETH-USDC", Side: SideBuy, Quantity: dec("1"),
			LockToken: "USDC", Locked: dec("110"), Status: VenueOrderPending, CreatedAt: created, UpdatedAt: created}
		if err := s.InTx(ctx, func(tx Tx) error { return tx.InsertVenueOrder(ctx, v) }); err != nil {
			t.Fatalf("insert venue order: %v", err)
		}

		pending, err := s.ListVenueOrders(ctx, VenueOrderPending, time.Now().UTC())
		if err != nil {
			t.Fatalf("list venue orders: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != v.ID {
			t.Fatalf("unexpected pending venue orders %+v", pending)
		}

		settled := v
		settled.Status = VenueOrderSettled
		settled.VenueOrderID = "bybit-1"
		settled.ExecutedQty = dec("1")
		settled.ExecutedPrice = dec("100")
		settled.Locked = decimal.Zero
		if err := s.InTx(ctx, func(tx Tx) error { return tx.UpdateVenueOrder(ctx, settled, VenueOrderPending) }); err != nil {
			t.Fatalf("settle venue order: %v", err)
		}
		pending, err = s.ListVenueOrders(ctx, VenueOrderPending, time.Now().UTC())
		if err != nil {
			t.Fatalf("list venue orders: %v", err)
		}
		if len(pending) != 0 {
			t.Fatalf("expected no pending venue orders, got %d", len(pending))
		}
	})

	t.Run("pairs", func(t *testing.T) {
		p := testPair()
		p.Active = false
		if err := s.UpsertPair(ctx, p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, err := s.GetPair(ctx, p.Symbol)
		if err != nil {
			t.Fatalf("get pair: %v", err)
		}
		if got.Active || got.QtyScale != 8 || !got.MinQty.Equal(dec("0.001")) {
			t.Fatalf("unexpected pair %+v", got)
		}
		if _, err := s.GetPair(ctx, "DOGE-USDC"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		pairs, err := s.ListPairs(ctx)
		if err != nil {
			t.Fatalf("list pairs: %v", err)
		}
		if len(pairs) != 1 {
			t.Fatalf("expected 1 pair, got %d", len(pairs))
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemory())
}
