package storage

import (
	"context"
	"testing"

	"github.com/Chrissou78/rwa-trade-core/services/testutil"
)

func TestPostgresStoreContract(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := testutil.Truncate(ctx, pool, "trades", "orders", "venue_orders", "withdrawals", "deposits", "balances", "pairs"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	runStoreContract(t, New(pool))
}
