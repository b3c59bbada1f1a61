package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance means a conditional balance update would have
	// taken available or locked below zero. Nothing was written.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrStale means a conditional status update matched no row.
	ErrStale     = errors.New("stale write")
	ErrDuplicate = errors.New("duplicate key")
)

// Tx is the set of operations available inside one store transaction.
// Either every write made through a Tx is applied or none is.
type Tx interface {
	// AdjustBalance adds the deltas to one (wallet, token) row in a single
	// conditional update. A missing row is created for credits.
	AdjustBalance(ctx context.Context, wallet, token string, available, locked decimal.Decimal) (*Balance, error)

	GetPair(ctx context.Context, symbol string) (*Pair, error)

	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	UpdateOrder(ctx context.Context, o Order) error
	// RestingOrders returns open and partial limit orders of one side,
	// best price first, then creation time, then id.
	RestingOrders(ctx context.Context, pair, side string) ([]Order, error)
	InsertTrade(ctx context.Context, t Trade) error
	LastTradePrice(ctx context.Context, pair string) (decimal.Decimal, bool, error)

	// InsertDeposit records d. When the hash is already known the stored
	// deposit is returned and nothing is written.
	InsertDeposit(ctx context.Context, d Deposit) (*Deposit, error)

	InsertWithdrawal(ctx context.Context, w Withdrawal) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error)
	// UpdateWithdrawal writes w if the stored status still equals from.
	UpdateWithdrawal(ctx context.Context, w Withdrawal, from string) error

	InsertVenueOrder(ctx context.Context, v VenueOrder) error
	GetVenueOrder(ctx context.Context, id uuid.UUID) (*VenueOrder, error)
	// UpdateVenueOrder writes v if the stored status still equals from.
	UpdateVenueOrder(ctx context.Context, v VenueOrder, from string) error
}
