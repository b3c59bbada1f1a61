package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeLimit  = "limit"
	TypeMarket = "market"

	OrderOpen      = "open"
	OrderPartial   = "partial"
	OrderFilled    = "filled"
	OrderCancelled = "cancelled"
)

const (
	WithdrawalPending   = "pending"
	WithdrawalCompleted = "completed"
	WithdrawalFailed    = "failed"
)

const (
	VenueOrderPending = "pending"
	VenueOrderSettled = "settled"
	VenueOrderFailed  = "failed"
)

type Balance struct {
	Wallet    string
	Token     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

type Pair struct {
	Symbol      string
	BaseToken   string
	QuoteToken  string
	MinQty      decimal.Decimal
	QtyScale    int32
	Active      bool
	VenueBacked bool
	VenueSymbol string
	CreatedAt   time.Time
}

// Order is an exchange order. Locked is what remains of the reservation
// taken at placement, in LockToken; it reaches zero when the order is done.
type Order struct {
	ID        uuid.UUID
	Wallet    string
	Pair      string
	Side      string
	Type      string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Filled    decimal.Decimal
	LockToken string
	Locked    decimal.Decimal
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Resting reports whether the order can still be matched or cancelled.
func (o *Order) Resting() bool {
	return o.Status == OrderOpen || o.Status == OrderPartial
}

// Trade is an immutable fill. BuyerFee is charged in the base token,
// SellerFee in the quote token.
type Trade struct {
	ID           uuid.UUID
	Pair         string
	BuyOrderID   uuid.UUID
	SellOrderID  uuid.UUID
	BuyerWallet  string
	SellerWallet string
	MakerSide    string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Total        decimal.Decimal
	BuyerFee     decimal.Decimal
	SellerFee    decimal.Decimal
	ExecutedAt   time.Time
}

type Deposit struct {
	TxHash    string
	Wallet    string
	Token     string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Matches reports whether other describes the same deposit.
func (d Deposit) Matches(other Deposit) bool {
	return d.TxHash == other.TxHash && d.Wallet == other.Wallet && d.Token == other.Token && d.Amount.Equal(other.Amount)
}

type Withdrawal struct {
	ID          uuid.UUID
	Wallet      string
	Token       string
	Amount      decimal.Decimal
	Destination string
	Status      string
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VenueOrder is the durable record of a market order relayed to the
// external venue. It is written as pending together with the balance lock,
// before the venue is called.
type VenueOrder struct {
	ID            uuid.UUID
	Wallet        string
	Pair          string
	Side          string
	Quantity      decimal.Decimal
	LockToken     string
	Locked        decimal.Decimal
	Status        string
	VenueOrderID  string
	ExecutedQty   decimal.Decimal
	ExecutedPrice decimal.Decimal
	UserPrice     decimal.Decimal
	SpreadFee     decimal.Decimal
	PlatformFee   decimal.Decimal
	Received      decimal.Decimal
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderFilter struct {
	Wallet string
	Pair   string
	Status string
	Limit  int
	Offset int
}

type TradeStats struct {
	Pair        string
	Count       int
	BaseVolume  decimal.Decimal
	QuoteVolume decimal.Decimal
	LastPrice   decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
}
