package storage

import (
	"fmt"
	"time"

	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/stages"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EscrowStatusPending           = "pending"
	EscrowStatusPartiallyFunded   = "partially_funded"
	EscrowStatusFunded            = "funded"
	EscrowStatusPartiallyReleased = "partially_released"
	EscrowStatusReleased          = "released"
)

const (
	MilestonePending    = "pending"
	MilestoneInProgress = "in_progress"
	MilestoneCompleted  = "completed"
	MilestoneApproved   = "approved"
)

const (
	PaymentKindFund    = "fund"
	PaymentKindRelease = "release"
)

type Product struct {
	Description string
	Quantity    decimal.Decimal
	Unit        string
	UnitPrice   decimal.Decimal
	Currency    string
	TotalValue  decimal.Decimal
}

type Terms struct {
	Incoterm     string
	Origin       string
	Destination  string
	DeliveryDate *time.Time
	PaymentTerms string
}

type Deal struct {
	ID             uuid.UUID
	Reference      string
	BuyerWallet    string
	SellerWallet   string
	BuyerCompany   string
	SellerCompany  string
	Product        Product
	Terms          Terms
	Stage          stages.Stage
	StageUpdatedAt time.Time
	EscrowAmount   decimal.Decimal
	EscrowFunded   decimal.Decimal
	EscrowReleased decimal.Decimal
	EscrowStatus   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Milestones     []Milestone
}

type Milestone struct {
	ID                uuid.UUID
	DealID            uuid.UUID
	Index             int
	Type              string
	Title             string
	PaymentPercentage int
	PaymentAmount     decimal.Decimal
	AutoRelease       bool
	Status            string
	UpdatedAt         time.Time
}

func (d *Deal) Milestone(id uuid.UUID) (*Milestone, bool) {
	for i := range d.Milestones {
		if d.Milestones[i].ID == id {
			return &d.Milestones[i], true
		}
	}
	return nil, false
}

type TimelineEvent struct {
	ID          uuid.UUID
	DealID      uuid.UUID
	Type        string
	Title       string
	Description string
	Actor       string
	Metadata    map[string]any
	CreatedAt   time.Time
}

type EscrowPayment struct {
	TxHash      string
	DealID      uuid.UUID
	Kind        string
	MilestoneID *uuid.UUID
	Amount      decimal.Decimal
	Actor       string
	CreatedAt   time.Time
}

// Matches reports whether other describes the same payment, ignoring actor
// and time. A replay with a matching payment is a no-op.
func (p EscrowPayment) Matches(other EscrowPayment) bool {
	if p.TxHash != other.TxHash || p.DealID != other.DealID || p.Kind != other.Kind || !p.Amount.Equal(other.Amount) {
		return false
	}
	if (p.MilestoneID == nil) != (other.MilestoneID == nil) {
		return false
	}
	return p.MilestoneID == nil || *p.MilestoneID == *other.MilestoneID
}

type Dispute struct {
	ID               uuid.UUID
	DealID           uuid.UUID
	InitiatorWallet  string
	RespondentWallet string
	ClaimedAmount    decimal.Decimal
	Description      string
	ArbiterWallet    string
	Status           stages.DisputeStatus
	ResolutionNote   string
	Deadline         time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResolvedAt       *time.Time
}

type DealFilter struct {
	Wallet string
	Stage  string
	Limit  int
	Offset int
}

// NewDeal is everything createDeal persists in one transaction. The store
// assigns the reference.
type NewDeal struct {
	Deal       Deal
	Milestones []Milestone
	Event      TimelineEvent
}

type StageChange struct {
	DealID uuid.UUID
	From   stages.Stage
	To     stages.Stage
	Event  TimelineEvent
}

type EscrowFunding struct {
	Payment EscrowPayment
	Stages  []stages.Stage
	Event   TimelineEvent
	// AdvanceEvent is appended when the payment completes funding while the
	// deal waits in escrow_pending and the deal moves to escrow_funded.
	AdvanceEvent TimelineEvent
}

type EscrowRelease struct {
	Payment EscrowPayment
	Stages  []stages.Stage
	Event   TimelineEvent
}

type MilestoneChange struct {
	DealID      uuid.UUID
	MilestoneID uuid.UUID
	From        string
	To          string
	Event       TimelineEvent
}

type DisputeOpening struct {
	Dispute   Dispute
	FromStage stages.Stage
	Event     TimelineEvent
}

type DisputeChange struct {
	DisputeID uuid.UUID
	From      stages.DisputeStatus
	To        stages.DisputeStatus
	Arbiter   string
	Note      string
	// DealStage is set for resolutions; the deal moves there if it is still
	// disputed.
	DealStage stages.Stage
	Event     TimelineEvent
}

type DisputeStats struct {
	Total       int
	ByStatus    map[stages.DisputeStatus]int
	ValueAtRisk decimal.Decimal
	Open        int
}

// EscrowStatusFor derives the escrow status from the running totals.
func EscrowStatusFor(amount, funded, released decimal.Decimal) string {
	switch {
	case released.IsPositive() && released.GreaterThanOrEqual(amount):
		return EscrowStatusReleased
	case released.IsPositive():
		return EscrowStatusPartiallyReleased
	case funded.GreaterThanOrEqual(amount):
		return EscrowStatusFunded
	case funded.IsPositive():
		return EscrowStatusPartiallyFunded
	default:
		return EscrowStatusPending
	}
}

// FormatReference renders the human deal reference, DEAL-2026-0042.
func FormatReference(year, seq int) string {
	return fmt.Sprintf("DEAL-%d-%04d", year, seq)
}
