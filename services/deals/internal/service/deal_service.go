package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/libs/chain"
	"github.com/Chrissou78/rwa-trade-core/libs/kafka"
	"github.com/Chrissou78/rwa-trade-core/libs/notify"
	"github.com/Chrissou78/rwa-trade-core/libs/trace"
	"github.com/Chrissou78/rwa-trade-core/libs/wallet"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/stages"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "deals"

	// maxStaleAttempts bounds the re-read and re-validate loop after a
	// conditional update loses a race.
	maxStaleAttempts = 3
)

var (
	fundableStages = []stages.Stage{
		stages.EscrowPending, stages.EscrowFunded, stages.InProduction,
		stages.QualityCheck, stages.Shipping, stages.Delivered,
	}
	releasableStages = []stages.Stage{
		stages.InProduction, stages.QualityCheck, stages.Shipping,
		stages.Delivered, stages.Completed,
	}
	hundred = decimal.NewFromInt(100)
)

type Topics struct {
	Events string
}

type DealStore interface {
	CreateDeal(ctx context.Context, nd storage.NewDeal) (*storage.Deal, error)
	GetDeal(ctx context.Context, id uuid.UUID) (*storage.Deal, error)
	ListDeals(ctx context.Context, filter storage.DealFilter) ([]storage.Deal, int, error)
	UpdateStage(ctx context.Context, ch storage.StageChange) (*storage.Deal, error)
	FundEscrow(ctx context.Context, f storage.EscrowFunding) (*storage.Deal, bool, error)
	ReleaseEscrow(ctx context.Context, r storage.EscrowRelease) (*storage.Deal, bool, error)
	UpdateMilestoneStatus(ctx context.Context, ch storage.MilestoneChange) (*storage.Milestone, error)
	ListTimeline(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]storage.TimelineEvent, int, error)
	GetPayment(ctx context.Context, txHash string) (*storage.EscrowPayment, error)
}

type DealService struct {
	store    DealStore
	disputes *DisputeService
	verifier chain.Verifier
	notifier notify.Dispatcher
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	topics   Topics
	now      func() time.Time
}

type ProductInput struct {
	Description string `validate:"required,max=2000"`
	Quantity    decimal.Decimal
	Unit        string `validate:"max=32"`
	UnitPrice   decimal.Decimal
	Currency    string `validate:"required,max=16"`
}

type TermsInput struct {
	Incoterm     string `validate:"omitempty,oneof=EXW FCA FAS FOB CFR CIF CPT CIP DAP DPU DDP"`
	Origin       string `validate:"max=200"`
	Destination  string `validate:"max=200"`
	DeliveryDate *time.Time
	PaymentTerms string `validate:"max=500"`
}

type MilestoneInput struct {
	Type              string `validate:"required,max=64"`
	Title             string `validate:"max=200"`
	PaymentPercentage int    `validate:"min=1,max=100"`
	AutoRelease       bool
}

type CreateDealInput struct {
	CallerWallet  string
	SellerWallet  string `validate:"required"`
	BuyerCompany  string `validate:"max=200"`
	SellerCompany string `validate:"max=200"`
	Product       ProductInput
	Terms         TermsInput
	Milestones    []MilestoneInput `validate:"required,min=1,max=20,dive"`
}

type StageChangeInput struct {
	DealID       uuid.UUID
	CallerWallet string
	Target       string
	Metadata     map[string]any
}

type FundEscrowInput struct {
	DealID       uuid.UUID
	CallerWallet string
	TxHash       string
	Amount       decimal.Decimal
}

type ReleaseEscrowInput struct {
	DealID       uuid.UUID
	CallerWallet string
	MilestoneID  uuid.UUID
	TxHash       string
}

type UpdateMilestoneInput struct {
	DealID       uuid.UUID
	MilestoneID  uuid.UUID
	CallerWallet string
	Status       string
}

type ListDealsInput struct {
	CallerWallet string
	Stage        string
	Limit        int
	Offset       int
}

// EscrowResult is returned by the escrow operations. Replayed is true when
// the transaction hash had already been applied with the same parameters.
type EscrowResult struct {
	Deal     *storage.Deal
	Replayed bool
}

func NewDealService(store DealStore, disputes *DisputeService, verifier chain.Verifier, notifier notify.Dispatcher, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics) *DealService {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = chain.NoopVerifier{}
	}
	if topics.Events == "" {
		topics.Events = "deals.events"
	}
	return &DealService{
		store:    store,
		disputes: disputes,
		verifier: verifier,
		notifier: notifier,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		topics:   topics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *DealService) CreateDeal(ctx context.Context, input CreateDealInput) (*storage.Deal, error) {
	buyer, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(input); err != nil {
		return nil, s.fail("create", validationError(err))
	}
	seller, err := wallet.Normalize(input.SellerWallet)
	if err != nil {
		return nil, s.fail("create", apperr.Validation("seller wallet is not a valid address").WithDetail("field", "seller_wallet"))
	}
	if buyer == seller {
		return nil, s.fail("create", apperr.Validation("buyer and seller must be different wallets"))
	}
	if err := positive("quantity", input.Product.Quantity); err != nil {
		return nil, s.fail("create", err)
	}
	if err := positive("unit_price", input.Product.UnitPrice); err != nil {
		return nil, s.fail("create", err)
	}
	sum := 0
	for _, m := range input.Milestones {
		sum += m.PaymentPercentage
	}
	if sum != 100 {
		return nil, s.fail("create", apperr.Validation("milestone payment percentages must sum to 100, got %d", sum).
			WithDetail("percentage_sum", fmt.Sprintf("%d", sum)))
	}

	ctx, end := trace.Span(ctx, tracerName, "DealService.CreateDeal")
	var spanErr error
	defer func() { end(spanErr) }()

	now := s.now()
	total := input.Product.Quantity.Mul(input.Product.UnitPrice)
	dealID := uuid.New()
	deal := storage.Deal{
		ID:            dealID,
		BuyerWallet:   buyer,
		SellerWallet:  seller,
		BuyerCompany:  strings.TrimSpace(input.BuyerCompany),
		SellerCompany: strings.TrimSpace(input.SellerCompany),
		Product: storage.Product{
			Description: strings.TrimSpace(input.Product.Description),
			Quantity:    input.Product.Quantity,
			Unit:        strings.TrimSpace(input.Product.Unit),
			UnitPrice:   input.Product.UnitPrice,
			Currency:    strings.ToUpper(strings.TrimSpace(input.Product.Currency)),
			TotalValue:  total,
		},
		Terms: storage.Terms{
			Incoterm:     input.Terms.Incoterm,
			Origin:       input.Terms.Origin,
			Destination:  input.Terms.Destination,
			DeliveryDate: input.Terms.DeliveryDate,
			PaymentTerms: input.Terms.PaymentTerms,
		},
		Stage:          stages.Draft,
		StageUpdatedAt: now,
		EscrowAmount:   total,
		EscrowFunded:   decimal.Zero,
		EscrowReleased: decimal.Zero,
		EscrowStatus:   storage.EscrowStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	milestones := make([]storage.Milestone, 0, len(input.Milestones))
	for i, m := range input.Milestones {
		milestones = append(milestones, storage.Milestone{
			ID:                uuid.New(),
			DealID:            dealID,
			Index:             i,
			Type:              strings.TrimSpace(m.Type),
			Title:             strings.TrimSpace(m.Title),
			PaymentPercentage: m.PaymentPercentage,
			PaymentAmount:     total.Mul(decimal.NewFromInt(int64(m.PaymentPercentage))).Div(hundred),
			AutoRelease:       m.AutoRelease,
			Status:            storage.MilestonePending,
			UpdatedAt:         now,
		})
	}

	created, err := s.store.CreateDeal(ctx, storage.NewDeal{
		Deal:       deal,
		Milestones: milestones,
		Event: newEvent(dealID, "deal_created", "Deal created", "Deal created in draft", buyer, map[string]any{
			"total_value": total.String(),
			"currency":    deal.Product.Currency,
		}, now),
	})
	if err != nil {
		spanErr = err
		return nil, fmt.Errorf("create deal: %w", err)
	}

	s.metrics.IncCreated()
	s.logger.Info("deal created", "deal_id", created.ID, "reference", created.Reference, "buyer", buyer, "seller", seller)

	s.notify(ctx, notify.Notification{
		Recipient: created.SellerWallet,
		Type:      "deal_invitation",
		Title:     "New deal invitation",
		Message:   fmt.Sprintf("You have been invited to deal %s.", created.Reference),
		Data:      map[string]any{"deal_id": created.ID.String(), "reference": created.Reference},
		Priority:  notify.PriorityHigh,
		ActionURL: dealURL(created.ID),
	})
	s.notify(ctx, notify.Notification{
		Recipient: created.BuyerWallet,
		Type:      "deal_created",
		Title:     "Deal created",
		Message:   fmt.Sprintf("Deal %s has been created.", created.Reference),
		Data:      map[string]any{"deal_id": created.ID.String(), "reference": created.Reference},
		Priority:  notify.PriorityMedium,
		ActionURL: dealURL(created.ID),
	})
	s.publish(ctx, created, "deal.created", buyer, map[string]string{"stage": string(created.Stage)}, created.ID.String())
	return created, nil
}

func (s *DealService) GetDeal(ctx context.Context, dealID uuid.UUID, caller string) (*storage.Deal, error) {
	addr, err := callerWallet(caller)
	if err != nil {
		return nil, err
	}
	deal, err := s.loadDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if stages.RoleFor(addr, deal.BuyerWallet, deal.SellerWallet) == stages.RoleNone && !s.disputes.IsArbiter(addr) {
		return nil, apperr.Forbidden("caller is not a party to deal %s", dealID)
	}
	return deal, nil
}

func (s *DealService) ListDeals(ctx context.Context, input ListDealsInput) ([]storage.Deal, int, error) {
	addr, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, 0, err
	}
	filter := storage.DealFilter{Wallet: addr, Limit: input.Limit, Offset: input.Offset}
	if input.Stage != "" {
		st, ok := stages.Parse(input.Stage)
		if !ok {
			return nil, 0, apperr.Validation("unknown stage %q", input.Stage).WithDetail("field", "stage")
		}
		filter.Stage = string(st)
	}
	deals, total, err := s.store.ListDeals(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list deals: %w", err)
	}
	return deals, total, nil
}

func (s *DealService) ListTimeline(ctx context.Context, dealID uuid.UUID, caller string, limit, offset int) ([]storage.TimelineEvent, int, error) {
	if _, err := s.GetDeal(ctx, dealID, caller); err != nil {
		return nil, 0, err
	}
	events, total, err := s.store.ListTimeline(ctx, dealID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list timeline: %w", err)
	}
	return events, total, nil
}

// RequestStageChange moves a deal along the transition table on behalf of
// one of its parties. A target of disputed opens a dispute using the
// description and claimed_amount metadata keys.
func (s *DealService) RequestStageChange(ctx context.Context, input StageChangeInput) (*storage.Deal, error) {
	addr, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, err
	}
	target, ok := stages.Parse(input.Target)
	if !ok {
		return nil, s.fail("stage", apperr.Validation("unknown stage %q", input.Target).WithDetail("field", "stage"))
	}

	ctx, end := trace.Span(ctx, tracerName, "DealService.RequestStageChange",
		attribute.String("deal.id", input.DealID.String()), attribute.String("deal.target_stage", string(target)))
	var spanErr error
	defer func() { end(spanErr) }()

	if target == stages.Disputed {
		if s.disputes == nil {
			return nil, apperr.Validation("disputes are not enabled")
		}
		disputeInput, err := disputeInputFromMetadata(input)
		if err != nil {
			spanErr = err
			return nil, s.fail("stage", err)
		}
		_, deal, err := s.disputes.OpenDispute(ctx, disputeInput)
		spanErr = err
		return deal, err
	}

	for attempt := 1; attempt <= maxStaleAttempts; attempt++ {
		deal, err := s.loadDeal(ctx, input.DealID)
		if err != nil {
			return nil, err
		}
		role := stages.RoleFor(addr, deal.BuyerWallet, deal.SellerWallet)
		if role == stages.RoleNone {
			return nil, s.fail("stage", apperr.Forbidden("caller is not a party to deal %s", deal.Reference))
		}
		if !stages.CanTransition(deal.Stage, role, target) {
			return nil, s.fail("stage", apperr.InvalidTransition("deal", string(deal.Stage), string(target), stages.Strings(stages.Allowed(deal.Stage, role))))
		}

		now := s.now()
		updated, err := s.store.UpdateStage(ctx, storage.StageChange{
			DealID: deal.ID,
			From:   deal.Stage,
			To:     target,
			Event: newEvent(deal.ID, "stage_changed", stages.MessageFor(target).Title,
				fmt.Sprintf("Stage changed from %s to %s", deal.Stage, target), addr, withStages(input.Metadata, deal.Stage, target), now),
		})
		if errors.Is(err, storage.ErrStale) {
			s.metrics.IncStaleRetry("stage")
			s.logger.Warn("stage change lost a race, retrying", "deal_id", deal.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			spanErr = err
			return nil, s.storeError("stage", err, deal.ID)
		}

		s.metrics.IncTransition(string(deal.Stage), string(target))
		s.logger.Info("deal stage changed", "deal_id", deal.ID, "from", deal.Stage, "to", target, "actor", addr)
		s.notifyStage(ctx, updated, role, target)
		s.publish(ctx, updated, "deal.stage_changed", addr, map[string]string{
			"from": string(deal.Stage),
			"to":   string(target),
		}, updated.ID.String(), string(target))
		return updated, nil
	}
	return nil, s.fail("stage", apperr.Conflict("deal %s was modified concurrently, retry the request", input.DealID))
}

// FundEscrow records a buyer payment into escrow. The same transaction hash
// applied twice with the same amount is a no-op. A deal waiting in
// escrow_pending moves to escrow_funded once fully funded.
func (s *DealService) FundEscrow(ctx context.Context, input FundEscrowInput) (*EscrowResult, error) {
	addr, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, err
	}
	txHash, err := wallet.NormalizeTxHash(input.TxHash)
	if err != nil {
		return nil, s.fail("fund", apperr.Validation("invalid transaction hash").WithDetail("field", "tx_hash"))
	}
	if err := positive("amount", input.Amount); err != nil {
		return nil, s.fail("fund", err)
	}

	deal, err := s.loadDeal(ctx, input.DealID)
	if err != nil {
		return nil, err
	}
	if stages.RoleFor(addr, deal.BuyerWallet, deal.SellerWallet) != stages.RoleBuyer {
		return nil, s.fail("fund", apperr.Forbidden("only the buyer can fund escrow"))
	}

	ctx, end := trace.Span(ctx, tracerName, "DealService.FundEscrow", attribute.String("deal.id", deal.ID.String()))
	var spanErr error
	defer func() { end(spanErr) }()

	if err := s.verifyTx(ctx, txHash); err != nil {
		spanErr = err
		return nil, s.fail("fund", err)
	}

	now := s.now()
	funded, replayed, err := s.store.FundEscrow(ctx, storage.EscrowFunding{
		Payment: storage.EscrowPayment{
			TxHash:    txHash,
			DealID:    deal.ID,
			Kind:      storage.PaymentKindFund,
			Amount:    input.Amount,
			Actor:     addr,
			CreatedAt: now,
		},
		Stages: fundableStages,
		Event: newEvent(deal.ID, "escrow_funded", "Escrow funded",
			fmt.Sprintf("Buyer deposited %s %s into escrow", input.Amount, deal.Product.Currency), addr,
			map[string]any{"tx_hash": txHash, "amount": input.Amount.String()}, now),
		AdvanceEvent: newEvent(deal.ID, "stage_changed", stages.MessageFor(stages.EscrowFunded).Title,
			fmt.Sprintf("Stage changed from %s to %s", stages.EscrowPending, stages.EscrowFunded), addr,
			map[string]any{"from": string(stages.EscrowPending), "to": string(stages.EscrowFunded), "automatic": true}, now),
	})
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		s.metrics.IncEscrow(storage.PaymentKindFund, "conflict")
		return nil, s.fail("fund", apperr.Conflict("transaction %s was already recorded with different parameters", txHash))
	case errors.Is(err, storage.ErrStale):
		s.metrics.IncEscrow(storage.PaymentKindFund, "rejected")
		return nil, s.fail("fund", s.explainFundRejection(ctx, deal.ID, input.Amount))
	case err != nil:
		spanErr = err
		return nil, s.storeError("fund", err, deal.ID)
	}

	if replayed {
		s.metrics.IncEscrow(storage.PaymentKindFund, "replayed")
		s.logger.Info("escrow funding replayed", "deal_id", deal.ID, "tx_hash", txHash)
		return &EscrowResult{Deal: funded, Replayed: true}, nil
	}

	s.metrics.IncEscrow(storage.PaymentKindFund, "success")
	s.logger.Info("escrow funded", "deal_id", deal.ID, "tx_hash", txHash, "amount", input.Amount.String(), "escrow_status", funded.EscrowStatus)
	if deal.Stage != funded.Stage {
		s.metrics.IncTransition(string(deal.Stage), string(funded.Stage))
	}
	s.notify(ctx, notify.Notification{
		Recipient: funded.SellerWallet,
		Type:      "escrow_funded",
		Title:     "Escrow payment received",
		Message:   fmt.Sprintf("The buyer deposited %s %s into escrow for deal %s.", input.Amount, funded.Product.Currency, funded.Reference),
		Data:      map[string]any{"deal_id": funded.ID.String(), "tx_hash": txHash, "escrow_status": funded.EscrowStatus},
		Priority:  notify.PriorityHigh,
		ActionURL: dealURL(funded.ID),
	})
	s.publish(ctx, funded, "deal.escrow_funded", addr, map[string]string{
		"tx_hash":       txHash,
		"amount":        input.Amount.String(),
		"escrow_status": funded.EscrowStatus,
	}, txHash)
	return &EscrowResult{Deal: funded}, nil
}

// ReleaseEscrow pays out a completed milestone. The buyer may release any
// completed milestone; the seller only those flagged auto_release.
func (s *DealService) ReleaseEscrow(ctx context.Context, input ReleaseEscrowInput) (*EscrowResult, error) {
	addr, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, err
	}
	txHash, err := wallet.NormalizeTxHash(input.TxHash)
	if err != nil {
		return nil, s.fail("release", apperr.Validation("invalid transaction hash").WithDetail("field", "tx_hash"))
	}

	deal, err := s.loadDeal(ctx, input.DealID)
	if err != nil {
		return nil, err
	}
	role := stages.RoleFor(addr, deal.BuyerWallet, deal.SellerWallet)
	if role == stages.RoleNone {
		return nil, s.fail("release", apperr.Forbidden("caller is not a party to deal %s", deal.Reference))
	}
	milestone, ok := deal.Milestone(input.MilestoneID)
	if !ok {
		return nil, apperr.NotFound("milestone %s not found on deal %s", input.MilestoneID, deal.Reference)
	}
	if role == stages.RoleSeller && !milestone.AutoRelease {
		return nil, s.fail("release", apperr.Forbidden("milestone %d requires buyer approval", milestone.Index))
	}
	if milestone.Status != storage.MilestoneCompleted && milestone.Status != storage.MilestoneApproved {
		return nil, s.fail("release", apperr.InvalidTransition("milestone", milestone.Status, storage.MilestoneApproved, nil))
	}

	ctx, end := trace.Span(ctx, tracerName, "DealService.ReleaseEscrow", attribute.String("deal.id", deal.ID.String()))
	var spanErr error
	defer func() { end(spanErr) }()

	if err := s.verifyTx(ctx, txHash); err != nil {
		spanErr = err
		return nil, s.fail("release", err)
	}

	now := s.now()
	milestoneID := milestone.ID
	released, replayed, err := s.store.ReleaseEscrow(ctx, storage.EscrowRelease{
		Payment: storage.EscrowPayment{
			TxHash:      txHash,
			DealID:      deal.ID,
			Kind:        storage.PaymentKindRelease,
			MilestoneID: &milestoneID,
			Amount:      milestone.PaymentAmount,
			Actor:       addr,
			CreatedAt:   now,
		},
		Stages: releasableStages,
		Event: newEvent(deal.ID, "escrow_released", "Escrow released",
			fmt.Sprintf("Released %s %s for milestone %d", milestone.PaymentAmount, deal.Product.Currency, milestone.Index), addr,
			map[string]any{"tx_hash": txHash, "milestone_id": milestoneID.String(), "amount": milestone.PaymentAmount.String()}, now),
	})
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		s.metrics.IncEscrow(storage.PaymentKindRelease, "conflict")
		return nil, s.fail("release", apperr.Conflict("transaction %s was already recorded with different parameters", txHash))
	case errors.Is(err, storage.ErrStale):
		s.metrics.IncEscrow(storage.PaymentKindRelease, "rejected")
		return nil, s.fail("release", s.explainReleaseRejection(ctx, deal.ID, milestoneID))
	case err != nil:
		spanErr = err
		return nil, s.storeError("release", err, deal.ID)
	}

	if replayed {
		s.metrics.IncEscrow(storage.PaymentKindRelease, "replayed")
		return &EscrowResult{Deal: released, Replayed: true}, nil
	}

	s.metrics.IncEscrow(storage.PaymentKindRelease, "success")
	s.logger.Info("escrow released", "deal_id", deal.ID, "milestone_id", milestoneID, "tx_hash", txHash, "amount", milestone.PaymentAmount.String())
	s.notify(ctx, notify.Notification{
		Recipient: counterparty(released, role),
		Type:      "escrow_released",
		Title:     "Escrow released",
		Message:   fmt.Sprintf("%s %s was released for milestone %d of deal %s.", milestone.PaymentAmount, released.Product.Currency, milestone.Index, released.Reference),
		Data:      map[string]any{"deal_id": released.ID.String(), "milestone_id": milestoneID.String(), "tx_hash": txHash},
		Priority:  notify.PriorityHigh,
		ActionURL: dealURL(released.ID),
	})
	s.publish(ctx, released, "deal.escrow_released", addr, map[string]string{
		"tx_hash":       txHash,
		"milestone_id":  milestoneID.String(),
		"amount":        milestone.PaymentAmount.String(),
		"escrow_status": released.EscrowStatus,
	}, txHash)
	return &EscrowResult{Deal: released}, nil
}

var milestoneMoves = map[string][]string{
	storage.MilestonePending:    {storage.MilestoneInProgress, storage.MilestoneCompleted},
	storage.MilestoneInProgress: {storage.MilestoneCompleted},
}

// UpdateMilestone lets the seller report progress on a milestone. Approval
// only happens through ReleaseEscrow.
func (s *DealService) UpdateMilestone(ctx context.Context, input UpdateMilestoneInput) (*storage.Milestone, error) {
	addr, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, err
	}
	target := strings.ToLower(strings.TrimSpace(input.Status))

	for attempt := 1; attempt <= maxStaleAttempts; attempt++ {
		deal, err := s.loadDeal(ctx, input.DealID)
		if err != nil {
			return nil, err
		}
		if stages.RoleFor(addr, deal.BuyerWallet, deal.SellerWallet) != stages.RoleSeller {
			return nil, s.fail("milestone", apperr.Forbidden("only the seller can update milestones"))
		}
		if deal.Stage == stages.Cancelled || deal.Stage == stages.Disputed {
			return nil, s.fail("milestone", apperr.New(apperr.KindInvalidTransition, "milestones of a %s deal cannot change", deal.Stage).
				WithDetail("current", string(deal.Stage)))
		}
		milestone, ok := deal.Milestone(input.MilestoneID)
		if !ok {
			return nil, apperr.NotFound("milestone %s not found on deal %s", input.MilestoneID, deal.Reference)
		}
		if !contains(milestoneMoves[milestone.Status], target) {
			return nil, s.fail("milestone", apperr.InvalidTransition("milestone", milestone.Status, target, milestoneMoves[milestone.Status]))
		}

		now := s.now()
		updated, err := s.store.UpdateMilestoneStatus(ctx, storage.MilestoneChange{
			DealID:      deal.ID,
			MilestoneID: milestone.ID,
			From:        milestone.Status,
			To:          target,
			Event: newEvent(deal.ID, "milestone_updated", "Milestone updated",
				fmt.Sprintf("Milestone %d moved from %s to %s", milestone.Index, milestone.Status, target), addr,
				map[string]any{"milestone_id": milestone.ID.String(), "from": milestone.Status, "to": target}, now),
		})
		if errors.Is(err, storage.ErrStale) {
			s.metrics.IncStaleRetry("milestone")
			continue
		}
		if err != nil {
			return nil, s.storeError("milestone", err, deal.ID)
		}

		priority := notify.PriorityMedium
		message := fmt.Sprintf("Milestone %d of deal %s is %s.", milestone.Index, deal.Reference, strings.ReplaceAll(target, "_", " "))
		if target == storage.MilestoneCompleted {
			priority = notify.PriorityHigh
			message += " It is ready for escrow release."
		}
		s.notify(ctx, notify.Notification{
			Recipient: deal.BuyerWallet,
			Type:      "milestone_updated",
			Title:     "Milestone updated",
			Message:   message,
			Data:      map[string]any{"deal_id": deal.ID.String(), "milestone_id": milestone.ID.String(), "status": target},
			Priority:  priority,
			ActionURL: dealURL(deal.ID),
		})
		s.publish(ctx, deal, "deal.milestone_updated", addr, map[string]string{
			"milestone_id": milestone.ID.String(),
			"status":       target,
		}, milestone.ID.String(), target)
		return updated, nil
	}
	return nil, s.fail("milestone", apperr.Conflict("milestone %s was modified concurrently, retry the request", input.MilestoneID))
}

func (s *DealService) loadDeal(ctx context.Context, id uuid.UUID) (*storage.Deal, error) {
	deal, err := s.store.GetDeal(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("deal %s not found", id)
		}
		return nil, fmt.Errorf("load deal: %w", err)
	}
	return deal, nil
}

// verifyTx confirms txHash on chain. A hash that is already recorded was
// verified when it was first accepted, so a replay skips the node and the
// store decides between replay and conflict.
func (s *DealService) verifyTx(ctx context.Context, txHash string) error {
	if _, err := s.store.GetPayment(ctx, txHash); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get payment: %w", err)
	}
	err := s.verifier.VerifyTx(ctx, txHash)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chain.ErrTxNotFound):
		return apperr.Validation("transaction %s is not mined", txHash).WithDetail("field", "tx_hash")
	case errors.Is(err, chain.ErrTxFailed):
		return apperr.Validation("transaction %s reverted", txHash).WithDetail("field", "tx_hash")
	default:
		return apperr.Upstream(err, "verify transaction")
	}
}

func (s *DealService) explainFundRejection(ctx context.Context, dealID uuid.UUID, amount decimal.Decimal) error {
	deal, err := s.loadDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if !stageIn(deal.Stage, fundableStages) {
		return apperr.New(apperr.KindInvalidTransition, "escrow cannot be funded while deal is %s", deal.Stage).
			WithDetail("current", string(deal.Stage))
	}
	remaining := deal.EscrowAmount.Sub(deal.EscrowFunded)
	return apperr.Validation("amount %s exceeds remaining escrow %s", amount, remaining).
		WithDetail("remaining", remaining.String())
}

func (s *DealService) explainReleaseRejection(ctx context.Context, dealID, milestoneID uuid.UUID) error {
	deal, err := s.loadDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if m, ok := deal.Milestone(milestoneID); ok && m.Status == storage.MilestoneApproved {
		return apperr.Conflict("milestone %d has already been released", m.Index)
	}
	if !stageIn(deal.Stage, releasableStages) {
		return apperr.New(apperr.KindInvalidTransition, "escrow cannot be released while deal is %s", deal.Stage).
			WithDetail("current", string(deal.Stage))
	}
	return apperr.Validation("escrow funded %s does not cover the release", deal.EscrowFunded.Sub(deal.EscrowReleased)).
		WithDetail("available", deal.EscrowFunded.Sub(deal.EscrowReleased).String())
}

func (s *DealService) storeError(op string, err error, dealID uuid.UUID) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("deal %s not found", dealID)
	}
	s.logger.Error("deal store failure", "operation", op, "deal_id", dealID, "error", err)
	s.metrics.IncError(op, "internal")
	return fmt.Errorf("%s: %w", op, err)
}

func (s *DealService) fail(op string, err error) error {
	if kind, ok := apperr.KindOf(err); ok {
		s.metrics.IncError(op, string(kind))
	}
	return err
}

func (s *DealService) notifyStage(ctx context.Context, deal *storage.Deal, actor stages.Role, target stages.Stage) {
	msg := stages.MessageFor(target)
	s.notify(ctx, notify.Notification{
		Recipient: counterparty(deal, actor),
		Type:      "deal_stage_changed",
		Title:     msg.Title,
		Message:   fmt.Sprintf(msg.Body, deal.Reference),
		Data:      map[string]any{"deal_id": deal.ID.String(), "stage": string(target)},
		Priority:  stages.Priority(target),
		ActionURL: dealURL(deal.ID),
	})
}

func (s *DealService) notify(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, n)
}

func (s *DealService) publish(ctx context.Context, deal *storage.Deal, eventType, actor string, data map[string]string, parts ...string) {
	publishDealEvent(ctx, s.producer, s.logger, s.topics.Events, deal.ID, deal.Reference, eventType, actor, data, parts...)
}

// DealEvent is the payload written to the deals events topic.
type DealEvent struct {
	kafka.Envelope
	DealID    string            `json:"deal_id"`
	Reference string            `json:"reference"`
	Actor     string            `json:"actor"`
	Data      map[string]string `json:"data,omitempty"`
}

func publishDealEvent(ctx context.Context, producer kafka.Publisher, logger *slog.Logger, topic string, dealID uuid.UUID, reference, eventType, actor string, data map[string]string, parts ...string) {
	if producer == nil || topic == "" {
		return
	}
	env, err := kafka.NewFactEnvelope(eventType, "", append([]string{dealID.String()}, parts...)...)
	if err != nil {
		logger.Error("build deal event", "event_type", eventType, "error", err)
		return
	}
	event := DealEvent{
		Envelope:  env,
		DealID:    dealID.String(),
		Reference: reference,
		Actor:     actor,
		Data:      data,
	}
	if _, _, err := producer.PublishJSON(ctx, topic, dealID.String(), event); err != nil {
		logger.Error("publish deal event failed", "event_type", eventType, "deal_id", dealID, "error", err)
	}
}

func newEvent(dealID uuid.UUID, kind, title, description, actor string, metadata map[string]any, at time.Time) storage.TimelineEvent {
	return storage.TimelineEvent{
		ID:          uuid.New(),
		DealID:      dealID,
		Type:        kind,
		Title:       title,
		Description: description,
		Actor:       actor,
		Metadata:    metadata,
		CreatedAt:   at,
	}
}

func withStages(metadata map[string]any, from, to stages.Stage) map[string]any {
	out := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	out["from"] = string(from)
	out["to"] = string(to)
	return out
}

func counterparty(deal *storage.Deal, actor stages.Role) string {
	if actor == stages.RoleSeller {
		return deal.BuyerWallet
	}
	return deal.SellerWallet
}

func dealURL(id uuid.UUID) string {
	return "/deals/" + id.String()
}

func stageIn(s stages.Stage, set []stages.Stage) bool {
	for _, st := range set {
		if st == s {
			return true
		}
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
