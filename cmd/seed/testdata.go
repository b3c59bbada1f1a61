package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type restingOrder struct {
	ID     uuid.UUID
	Wallet string
	Side   string
	Price  string
	Qty    string
}

// A small ETH-USDC book around 2000 so the depth and market order paths
// have liquidity in a fresh dev database. Fixed ids keep reseeding
// idempotent.
var restingOrders = []restingOrder{
	{ID: uuid.MustParse("00000000-0000-0000-0000-0000000000a1"), Wallet: demoSeller, Side: "sell", Price: "2010", Qty: "2"},
	{ID: uuid.MustParse("00000000-0000-0000-0000-0000000000a2"), Wallet: demoSeller, Side: "sell", Price: "2025", Qty: "5"},
	{ID: uuid.MustParse("00000000-0000-0000-0000-0000000000b1"), Wallet: demoBuyer, Side: "buy", Price: "1990", Qty: "3"},
	{ID: uuid.MustParse("00000000-0000-0000-0000-0000000000b2"), Wallet: demoBuyer, Side: "buy", Price: "1975", Qty: "4"},
}

func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for i, o := range restingOrders {
		price := decimal.RequireFromString(o.Price)
		qty := decimal.RequireFromString(o.Qty)
		lockToken, locked := "ETH", qty
		if o.Side == "buy" {
			lockToken, locked = "USDC", qty.Mul(price)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO orders (id, wallet, pair, side, order_type, price, quantity, filled, lock_token, locked, status, created_at, updated_at)
			VALUES ($1, $2, 'ETH-USDC', $3, 'limit', $4, $5, 0, $6, $7, 'open', $8, $8)
			ON CONFLICT (id) DO NOTHING
		`, o.ID, o.Wallet, o.Side, price.String(), qty.String(), lockToken, locked.String(), now.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			return fmt.Errorf("order %s: %w", o.ID, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if err := moveToLocked(ctx, tx, o.Wallet, lockToken, locked); err != nil {
			return fmt.Errorf("order %s: %w", o.ID, err)
		}
	}
	return tx.Commit(ctx)
}
