package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
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

const defaultDisputeWindow = 14 * 24 * time.Hour

type DisputeStore interface {
	GetDeal(ctx context.Context, id uuid.UUID) (*storage.Deal, error)
	OpenDispute(ctx context.Context, o storage.DisputeOpening) (*storage.Dispute, *storage.Deal, error)
	GetDispute(ctx context.Context, id uuid.UUID) (*storage.Dispute, error)
	ListDisputes(ctx context.Context, dealID uuid.UUID) ([]storage.Dispute, error)
	AdvanceDispute(ctx context.Context, ch storage.DisputeChange) (*storage.Dispute, bool, error)
	DisputeStats(ctx context.Context) (storage.DisputeStats, error)
}

type DisputeService struct {
	store    DisputeStore
	notifier notify.Dispatcher
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	topics   Topics
	arbiters map[string]struct{}
	window   time.Duration
	now      func() time.Time
}

type OpenDisputeInput struct {
	DealID        uuid.UUID
	CallerWallet  string
	Description   string `validate:"required,max=4000"`
	ClaimedAmount decimal.Decimal
}

type AdvanceDisputeInput struct {
	DisputeID    uuid.UUID
	CallerWallet string
	Status       string
	Note         string `validate:"max=4000"`
}

// NewDisputeService builds the dispute service. Addresses in arbiters that do
// not parse are skipped with a warning.
func NewDisputeService(store DisputeStore, notifier notify.Dispatcher, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics, arbiters []string, window time.Duration) *DisputeService {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = defaultDisputeWindow
	}
	if topics.Events == "" {
		topics.Events = "deals.events"
	}
	set := make(map[string]struct{}, len(arbiters))
	for _, a := range arbiters {
		addr, err := wallet.Normalize(a)
		if err != nil {
			logger.Warn("ignoring invalid arbiter wallet", "wallet", a)
			continue
		}
		set[addr] = struct{}{}
	}
	return &DisputeService{
		store:    store,
		notifier: notifier,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		topics:   topics,
		arbiters: set,
		window:   window,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *DisputeService) IsArbiter(addr string) bool {
	if s == nil {
		return false
	}
	normalized, err := wallet.Normalize(addr)
	if err != nil {
		return false
	}
	_, ok := s.arbiters[normalized]
	return ok
}

// OpenDispute moves the deal to disputed and files a submitted dispute in
// one store transaction. A deal that is already disputed accepts a new
// dispute once every earlier one is withdrawn or resolved.
func (s *DisputeService) OpenDispute(ctx context.Context, input OpenDisputeInput) (*storage.Dispute, *storage.Deal, error) {
	addr, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, nil, err
	}
	input.Description = strings.TrimSpace(input.Description)
	if err := validate.Struct(input); err != nil {
		return nil, nil, s.fail("open", validationError(err))
	}
	if input.ClaimedAmount.IsNegative() {
		return nil, nil, s.fail("open", apperr.Validation("claimed_amount must not be negative").WithDetail("field", "claimed_amount"))
	}

	ctx, end := trace.Span(ctx, tracerName, "DisputeService.OpenDispute", attribute.String("deal.id", input.DealID.String()))
	var spanErr error
	defer func() { end(spanErr) }()

	for attempt := 1; attempt <= maxStaleAttempts; attempt++ {
		deal, err := s.store.GetDeal(ctx, input.DealID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil, apperr.NotFound("deal %s not found", input.DealID)
			}
			spanErr = err
			return nil, nil, fmt.Errorf("load deal: %w", err)
		}
		role := stages.RoleFor(addr, deal.BuyerWallet, deal.SellerWallet)
		if role == stages.RoleNone {
			return nil, nil, s.fail("open", apperr.Forbidden("caller is not a party to deal %s", deal.Reference))
		}
		if deal.Stage == stages.Disputed {
			if role != stages.RoleBuyer {
				return nil, nil, s.fail("open", apperr.Forbidden("only the buyer can open a dispute"))
			}
		} else if !stages.CanTransition(deal.Stage, role, stages.Disputed) {
			return nil, nil, s.fail("open", apperr.InvalidTransition("deal", string(deal.Stage), string(stages.Disputed), stages.Strings(stages.Allowed(deal.Stage, role))))
		}
		if input.ClaimedAmount.GreaterThan(deal.Product.TotalValue) {
			return nil, nil, s.fail("open", apperr.Validation("claimed_amount %s exceeds deal value %s", input.ClaimedAmount, deal.Product.TotalValue).
				WithDetail("field", "claimed_amount"))
		}

		now := s.now()
		respondent := counterparty(deal, role)
		dispute, updated, err := s.store.OpenDispute(ctx, storage.DisputeOpening{
			Dispute: storage.Dispute{
				ID:               uuid.New(),
				DealID:           deal.ID,
				InitiatorWallet:  addr,
				RespondentWallet: respondent,
				ClaimedAmount:    input.ClaimedAmount,
				Description:      input.Description,
				Status:           stages.DisputeSubmitted,
				Deadline:         now.Add(s.window),
				CreatedAt:        now,
			},
			FromStage: deal.Stage,
			Event: newEvent(deal.ID, "dispute_opened", "Dispute opened", input.Description, addr, map[string]any{
				"from":           string(deal.Stage),
				"claimed_amount": input.ClaimedAmount.String(),
			}, now),
		})
		if errors.Is(err, storage.ErrStale) {
			s.metrics.IncStaleRetry("dispute_open")
			continue
		}
		if errors.Is(err, storage.ErrActiveDispute) {
			return nil, nil, s.fail("open", apperr.Conflict("deal %s already has an active dispute", deal.Reference))
		}
		if err != nil {
			spanErr = err
			s.logger.Error("open dispute failed", "deal_id", deal.ID, "error", err)
			return nil, nil, fmt.Errorf("open dispute: %w", err)
		}

		s.metrics.IncDisputeOpened()
		if deal.Stage != stages.Disputed {
			s.metrics.IncTransition(string(deal.Stage), string(stages.Disputed))
		}
		s.logger.Info("dispute opened", "dispute_id", dispute.ID, "deal_id", deal.ID, "initiator", addr)
		msg := stages.MessageFor(stages.Disputed)
		s.notify(ctx, notify.Notification{
			Recipient: respondent,
			Type:      "dispute_opened",
			Title:     msg.Title,
			Message:   fmt.Sprintf(msg.Body, updated.Reference),
			Data:      map[string]any{"deal_id": deal.ID.String(), "dispute_id": dispute.ID.String()},
			Priority:  notify.PriorityCritical,
			ActionURL: disputeURL(dispute.ID),
		})
		publishDealEvent(ctx, s.producer, s.logger, s.topics.Events, deal.ID, updated.Reference, "deal.dispute_opened", addr, map[string]string{
			"dispute_id":     dispute.ID.String(),
			"claimed_amount": input.ClaimedAmount.String(),
		}, dispute.ID.String())
		return dispute, updated, nil
	}
	return nil, nil, s.fail("open", apperr.Conflict("deal %s was modified concurrently, retry the request", input.DealID))
}

// AdvanceDispute moves a dispute forward on behalf of an arbiter. The first
// arbiter to act is assigned to the dispute.
func (s *DisputeService) AdvanceDispute(ctx context.Context, input AdvanceDisputeInput) (*storage.Dispute, error) {
	addr, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, err
	}
	if !s.IsArbiter(addr) {
		return nil, s.fail("advance", apperr.Forbidden("only arbiters can advance disputes"))
	}
	if err := validate.Struct(input); err != nil {
		return nil, s.fail("advance", validationError(err))
	}
	target, ok := stages.ParseDisputeStatus(input.Status)
	if !ok {
		return nil, s.fail("advance", apperr.Validation("unknown dispute status %q", input.Status).WithDetail("field", "status"))
	}
	if target == stages.DisputeWithdrawn {
		return nil, s.fail("advance", apperr.Forbidden("only the initiator can withdraw a dispute"))
	}

	ctx, end := trace.Span(ctx, tracerName, "DisputeService.AdvanceDispute", attribute.String("dispute.id", input.DisputeID.String()))
	var spanErr error
	defer func() { end(spanErr) }()

	for attempt := 1; attempt <= maxStaleAttempts; attempt++ {
		current, err := s.loadDispute(ctx, input.DisputeID)
		if err != nil {
			return nil, err
		}
		if current.ArbiterWallet != "" && !wallet.Equal(current.ArbiterWallet, addr) {
			return nil, s.fail("advance", apperr.Forbidden("dispute is assigned to another arbiter"))
		}
		if !stages.CanAdvanceDispute(current.Status, target) {
			return nil, s.fail("advance", apperr.InvalidTransition("dispute", string(current.Status), string(target),
				stages.DisputeStrings(stages.NextDisputeStatuses(current.Status))))
		}

		dealStage, _ := stages.ResolutionStage(target)
		now := s.now()
		updated, moved, err := s.store.AdvanceDispute(ctx, storage.DisputeChange{
			DisputeID: current.ID,
			From:      current.Status,
			To:        target,
			Arbiter:   addr,
			Note:      strings.TrimSpace(input.Note),
			DealStage: dealStage,
			Event: newEvent(current.DealID, disputeEventType(target), "Dispute "+strings.ReplaceAll(string(target), "_", " "),
				strings.TrimSpace(input.Note), addr, map[string]any{
					"dispute_id": current.ID.String(),
					"from":       string(current.Status),
					"to":         string(target),
				}, now),
		})
		if errors.Is(err, storage.ErrStale) {
			s.metrics.IncStaleRetry("dispute_advance")
			continue
		}
		if err != nil {
			spanErr = err
			if errors.Is(err, storage.ErrNotFound) {
				return nil, apperr.NotFound("dispute %s not found", input.DisputeID)
			}
			s.logger.Error("advance dispute failed", "dispute_id", current.ID, "error", err)
			return nil, fmt.Errorf("advance dispute: %w", err)
		}

		s.metrics.IncDisputeAdvanced(string(target))
		if dealStage != "" {
			if moved {
				s.metrics.IncTransition(string(stages.Disputed), string(dealStage))
			} else {
				s.logger.Warn("dispute resolved but deal was no longer disputed", "dispute_id", current.ID, "deal_id", current.DealID)
			}
		}
		s.logger.Info("dispute advanced", "dispute_id", current.ID, "from", current.Status, "to", target, "arbiter", addr)

		priority := notify.PriorityMedium
		if target.Resolved() {
			priority = notify.PriorityHigh
		}
		for _, recipient := range []string{updated.InitiatorWallet, updated.RespondentWallet} {
			s.notify(ctx, notify.Notification{
				Recipient: recipient,
				Type:      disputeEventType(target),
				Title:     "Dispute updated",
				Message:   fmt.Sprintf("Your dispute is now %s.", strings.ReplaceAll(string(target), "_", " ")),
				Data:      map[string]any{"dispute_id": updated.ID.String(), "deal_id": updated.DealID.String(), "status": string(target)},
				Priority:  priority,
				ActionURL: disputeURL(updated.ID),
			})
		}
		data := map[string]string{"dispute_id": updated.ID.String(), "status": string(target)}
		if moved {
			data["deal_stage"] = string(dealStage)
		}
		publishDealEvent(ctx, s.producer, s.logger, s.topics.Events, updated.DealID, "", "deal.dispute_updated", addr, data, updated.ID.String(), string(target))
		return updated, nil
	}
	return nil, s.fail("advance", apperr.Conflict("dispute %s was modified concurrently, retry the request", input.DisputeID))
}

// WithdrawDispute closes a dispute on behalf of its initiator. The deal stays
// disputed.
func (s *DisputeService) WithdrawDispute(ctx context.Context, disputeID uuid.UUID, caller string) (*storage.Dispute, error) {
	addr, err := callerWallet(caller)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxStaleAttempts; attempt++ {
		current, err := s.loadDispute(ctx, disputeID)
		if err != nil {
			return nil, err
		}
		if !wallet.Equal(current.InitiatorWallet, addr) {
			return nil, s.fail("withdraw", apperr.Forbidden("only the initiator can withdraw a dispute"))
		}
		if current.Status.Terminal() {
			return nil, s.fail("withdraw", apperr.InvalidTransition("dispute", string(current.Status), string(stages.DisputeWithdrawn), nil))
		}

		now := s.now()
		updated, _, err := s.store.AdvanceDispute(ctx, storage.DisputeChange{
			DisputeID: current.ID,
			From:      current.Status,
			To:        stages.DisputeWithdrawn,
			Event: newEvent(current.DealID, "dispute_withdrawn", "Dispute withdrawn", "", addr, map[string]any{
				"dispute_id": current.ID.String(),
				"from":       string(current.Status),
			}, now),
		})
		if errors.Is(err, storage.ErrStale) {
			s.metrics.IncStaleRetry("dispute_withdraw")
			continue
		}
		if err != nil {
			s.logger.Error("withdraw dispute failed", "dispute_id", current.ID, "error", err)
			return nil, fmt.Errorf("withdraw dispute: %w", err)
		}

		s.metrics.IncDisputeAdvanced(string(stages.DisputeWithdrawn))
		s.logger.Info("dispute withdrawn", "dispute_id", current.ID, "deal_id", current.DealID)
		s.notify(ctx, notify.Notification{
			Recipient: updated.RespondentWallet,
			Type:      "dispute_withdrawn",
			Title:     "Dispute withdrawn",
			Message:   "A dispute against you has been withdrawn.",
			Data:      map[string]any{"dispute_id": updated.ID.String(), "deal_id": updated.DealID.String()},
			Priority:  notify.PriorityMedium,
			ActionURL: disputeURL(updated.ID),
		})
		publishDealEvent(ctx, s.producer, s.logger, s.topics.Events, updated.DealID, "", "deal.dispute_updated", addr,
			map[string]string{"dispute_id": updated.ID.String(), "status": string(stages.DisputeWithdrawn)}, updated.ID.String(), string(stages.DisputeWithdrawn))
		return updated, nil
	}
	return nil, s.fail("withdraw", apperr.Conflict("dispute %s was modified concurrently, retry the request", disputeID))
}

func (s *DisputeService) GetDispute(ctx context.Context, disputeID uuid.UUID, caller string) (*storage.Dispute, error) {
	addr, err := callerWallet(caller)
	if err != nil {
		return nil, err
	}
	d, err := s.loadDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !wallet.Equal(addr, d.InitiatorWallet) && !wallet.Equal(addr, d.RespondentWallet) && !s.IsArbiter(addr) {
		return nil, apperr.Forbidden("caller is not a party to dispute %s", disputeID)
	}
	return d, nil
}

func (s *DisputeService) ListDisputes(ctx context.Context, dealID uuid.UUID, caller string) ([]storage.Dispute, error) {
	addr, err := callerWallet(caller)
	if err != nil {
		return nil, err
	}
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("deal %s not found", dealID)
		}
		return nil, fmt.Errorf("load deal: %w", err)
	}
	if stages.RoleFor(addr, deal.BuyerWallet, deal.SellerWallet) == stages.RoleNone && !s.IsArbiter(addr) {
		return nil, apperr.Forbidden("caller is not a party to deal %s", deal.Reference)
	}
	disputes, err := s.store.ListDisputes(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	return disputes, nil
}

// Stats is computed from the dispute rows on every call.
func (s *DisputeService) Stats(ctx context.Context, caller string) (storage.DisputeStats, error) {
	addr, err := callerWallet(caller)
	if err != nil {
		return storage.DisputeStats{}, err
	}
	if !s.IsArbiter(addr) {
		return storage.DisputeStats{}, apperr.Forbidden("only arbiters can read dispute statistics")
	}
	stats, err := s.store.DisputeStats(ctx)
	if err != nil {
		return storage.DisputeStats{}, fmt.Errorf("dispute stats: %w", err)
	}
	return stats, nil
}

func (s *DisputeService) loadDispute(ctx context.Context, id uuid.UUID) (*storage.Dispute, error) {
	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("dispute %s not found", id)
		}
		return nil, fmt.Errorf("load dispute: %w", err)
	}
	return d, nil
}

func (s *DisputeService) fail(op string, err error) error {
	if kind, ok := apperr.KindOf(err); ok {
		s.metrics.IncError("dispute_"+op, string(kind))
	}
	return err
}

func (s *DisputeService) notify(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, n)
}

func disputeEventType(st stages.DisputeStatus) string {
	if st.Resolved() {
		return "dispute_resolved"
	}
	return "dispute_updated"
}

func disputeURL(id uuid.UUID) string {
	return "/disputes/" + id.String()
}

// disputeInputFromMetadata reads the dispute fields a stage change request
// to disputed carries in its metadata. A claimed amount that is present but
// not a decimal is rejected.
func disputeInputFromMetadata(input StageChangeInput) (OpenDisputeInput, error) {
	out := OpenDisputeInput{
		DealID:        input.DealID,
		CallerWallet:  input.CallerWallet,
		ClaimedAmount: decimal.Zero,
	}
	if v, ok := input.Metadata["description"].(string); ok {
		out.Description = v
	}
	raw, ok := input.Metadata["claimed_amount"]
	if !ok || raw == nil {
		return out, nil
	}
	invalid := func() error {
		return apperr.Validation("claimed_amount must be a decimal amount").WithDetail("field", "claimed_amount")
	}
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return out, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return out, invalid()
		}
		out.ClaimedAmount = d
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return out, invalid()
		}
		out.ClaimedAmount = d
	case float64:
		out.ClaimedAmount = decimal.NewFromFloat(v)
	default:
		return out, invalid()
	}
	return out, nil
}
