package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	base "github.com/Chrissou78/rwa-trade-core/libs/config"
	"github.com/Chrissou78/rwa-trade-core/libs/wallet"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	demoBuyer  = "0x52908400098527886E0F7030069857D2E4169EE7"
	demoSeller = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

type seedPair struct {
	Symbol      string
	Base        string
	Quote       string
	MinQty      string
	Scale       int32
	VenueSymbol string
}

var pairs = []seedPair{
	{Symbol: "ETH-USDC", Base: "ETH", Quote: "USDC", MinQty: "0.001", Scale: 4},
	{Symbol: "RWA1-USDC", Base: "RWA1", Quote: "USDC", MinQty: "1", Scale: 0},
	{Symbol: "BTC-USDC", Base: "BTC", Quote: "USDC", MinQty: "0.0001", Scale: 6, VenueSymbol: "BTCUSDC"},
}

var balances = map[string]map[string]string{
	demoBuyer:  {"USDC": "100000", "ETH": "0", "BTC": "0"},
	demoSeller: {"USDC": "1000", "ETH": "50", "RWA1": "500"},
}

func main() {
	_, cfg, err := base.Load(os.Getenv("RWA_CONFIG"), func(v *viper.Viper) {
		v.SetDefault("service_name", "seed")
	})
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: RWA_ENV must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedPairs(ctx, pool); err != nil {
		log.Fatalf("seed pairs: %v", err)
	}
	fmt.Println("✓ Pairs seeded")

	if err := seedBalances(ctx, pool); err != nil {
		log.Fatalf("seed balances: %v", err)
	}
	fmt.Println("✓ Balances seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Resting orders seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo wallets:")
	fmt.Println("  buyer: ", demoBuyer)
	fmt.Println("  seller:", demoSeller)
}

func seedPairs(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now().UTC()
	for _, p := range pairs {
		_, err := pool.Exec(ctx, `
			INSERT INTO pairs (symbol, base_token, quote_token, min_qty, qty_scale, active, venue_backed, venue_symbol, created_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7, $8)
			ON CONFLICT (symbol) DO UPDATE
			SET min_qty = EXCLUDED.min_qty,
			    qty_scale = EXCLUDED.qty_scale,
			    venue_backed = EXCLUDED.venue_backed,
			    venue_symbol = EXCLUDED.venue_symbol
		`, p.Symbol, p.Base, p.Quote, p.MinQty, p.Scale, p.VenueSymbol != "", p.VenueSymbol, now)
		if err != nil {
			return fmt.Errorf("%s: %w", p.Symbol, err)
		}
	}
	return nil
}

// seedBalances only creates missing rows; balances already moved by trading
// or locked by seeded orders are left alone.
func seedBalances(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now().UTC()
	for addr, tokens := range balances {
		normalized, err := wallet.Normalize(addr)
		if err != nil {
			return err
		}
		for token, amount := range tokens {
			_, err := pool.Exec(ctx, `
				INSERT INTO balances (wallet, token, available, locked, updated_at)
				VALUES ($1, $2, $3, 0, $4)
				ON CONFLICT (wallet, token) DO NOTHING
			`, normalized, token, amount, now)
			if err != nil {
				return fmt.Errorf("%s %s: %w", normalized, token, err)
			}
		}
	}
	return nil
}

// moveToLocked reserves amount for a seeded order in the same transaction
// that writes the order row.
func moveToLocked(ctx context.Context, tx pgx.Tx, addr, token string, amount decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE balances
		SET available = available - $3, locked = locked + $3, updated_at = NOW()
		WHERE wallet = $1 AND token = $2 AND available >= $3
	`, addr, token, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insufficient %s for %s", token, addr)
	}
	return nil
}
