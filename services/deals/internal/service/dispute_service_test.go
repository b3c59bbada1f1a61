package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/libs/notify"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/stages"
	"github.com/Chrissou78/rwa-trade-core/services/testutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (f *fixture) openViaStage(t *testing.T, dealID uuid.UUID) *openedDispute {
	t.Helper()
	deal, err := f.deals.RequestStageChange(context.Background(), StageChangeInput{
		DealID:       dealID,
		CallerWallet: testutil.BuyerWallet,
		Target:       string(stages.Disputed),
		Metadata:     map[string]any{"description": "moisture damage on arrival", "claimed_amount": "250"},
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	disputes, err := f.disputes.ListDisputes(context.Background(), dealID, testutil.BuyerWallet)
	if err != nil {
		t.Fatalf("list disputes: %v", err)
	}
	return &openedDispute{dealStage: deal.Stage, disputeID: disputes[len(disputes)-1].ID}
}

type openedDispute struct {
	dealStage stages.Stage
	disputeID uuid.UUID
}

func TestDisputeFromDeliveredPinsDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deal := f.create(t)
	f.toDelivered(t, deal.ID)

	opened := f.openViaStage(t, deal.ID)
	if opened.dealStage != stages.Disputed {
		t.Fatalf("expected disputed deal, got %s", opened.dealStage)
	}
	dispute, err := f.disputes.GetDispute(ctx, opened.disputeID, testutil.SellerWallet)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if dispute.Status != stages.DisputeSubmitted || dispute.RespondentWallet != testutil.SellerWallet {
		t.Fatalf("unexpected dispute %+v", dispute)
	}
	if !dispute.ClaimedAmount.Equal(decimal.NewFromInt(250)) || !dispute.Deadline.After(dispute.CreatedAt) {
		t.Fatalf("unexpected claim or deadline %+v", dispute)
	}

	notes := f.notes.All()
	last := notes[len(notes)-1]
	if last.Recipient != testutil.SellerWallet || last.Priority != notify.PriorityCritical {
		t.Fatalf("expected critical note to seller, got %+v", last)
	}

	_, err = f.deals.RequestStageChange(ctx, StageChangeInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, Target: string(stages.Completed)})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected completed to be refused on a disputed deal, got %v", err)
	}
}

func TestDisputeNotAllowedBeforeQualityCheck(t *testing.T) {
	f := newFixture(t)
	deal := f.create(t)

	_, _, err := f.disputes.OpenDispute(context.Background(), OpenDisputeInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, Description: "late"})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, _, err = f.disputes.OpenDispute(context.Background(), OpenDisputeInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected missing description to fail validation, got %v", err)
	}
}

func TestMalformedClaimLeavesDealDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deal := f.create(t)
	f.toDelivered(t, deal.ID)

	for _, claimed := range []any{"12,500.00", "ten", true} {
		_, err := f.deals.RequestStageChange(ctx, StageChangeInput{
			DealID:       deal.ID,
			CallerWallet: testutil.BuyerWallet,
			Target:       string(stages.Disputed),
			Metadata:     map[string]any{"description": "short shipment", "claimed_amount": claimed},
		})
		var appErr *apperr.Error
		if !errors.As(err, &appErr) || appErr.Kind != apperr.KindValidation || appErr.Details["field"] != "claimed_amount" {
			t.Fatalf("claimed_amount %v: expected claimed_amount validation error, got %v", claimed, err)
		}
	}

	stored, err := f.store.GetDeal(ctx, deal.ID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if stored.Stage != stages.Delivered {
		t.Fatalf("expected deal to stay delivered, got %s", stored.Stage)
	}
	disputes, err := f.store.ListDisputes(ctx, deal.ID)
	if err != nil {
		t.Fatalf("list disputes: %v", err)
	}
	if len(disputes) != 0 {
		t.Fatalf("expected no dispute, got %d", len(disputes))
	}
}

func TestArbiterResolvesDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deal := f.create(t)
	f.toDelivered(t, deal.ID)
	opened := f.openViaStage(t, deal.ID)

	advance := func(caller, status string) error {
		_, err := f.disputes.AdvanceDispute(ctx, AdvanceDisputeInput{DisputeID: opened.disputeID, CallerWallet: caller, Status: status, Note: "reviewed"})
		return err
	}

	if err := advance(testutil.BuyerWallet, "under_review"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected party to be refused, got %v", err)
	}
	if err := advance(testutil.ArbiterWallet, "resolved_seller"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected skip to resolution to be refused, got %v", err)
	}
	if err := advance(testutil.ArbiterWallet, "withdrawn"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected arbiter withdrawal to be refused, got %v", err)
	}
	for _, status := range []string{"under_review", "arbitration", "resolved_seller"} {
		if err := advance(testutil.ArbiterWallet, status); err != nil {
			t.Fatalf("advance to %s: %v", status, err)
		}
	}

	resolved, err := f.disputes.GetDispute(ctx, opened.disputeID, testutil.ArbiterWallet)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if resolved.ResolvedAt == nil || resolved.ArbiterWallet == "" || resolved.ResolutionNote != "reviewed" {
		t.Fatalf("unexpected resolved dispute %+v", resolved)
	}
	got, err := f.deals.GetDeal(ctx, deal.ID, testutil.BuyerWallet)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if got.Stage != stages.Completed {
		t.Fatalf("expected completed deal, got %s", got.Stage)
	}
	if err := advance(testutil.ArbiterWallet, "arbitration"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected resolved dispute to stay closed, got %v", err)
	}
}

func TestResolvedForBuyerCancelsDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deal := f.create(t)
	f.toDelivered(t, deal.ID)
	opened := f.openViaStage(t, deal.ID)

	for _, status := range []string{"evidence_requested", "mediation", "resolved_buyer"} {
		if _, err := f.disputes.AdvanceDispute(ctx, AdvanceDisputeInput{DisputeID: opened.disputeID, CallerWallet: testutil.ArbiterWallet, Status: status}); err != nil {
			t.Fatalf("advance to %s: %v", status, err)
		}
	}
	got, _ := f.store.GetDeal(ctx, deal.ID)
	if got.Stage != stages.Cancelled {
		t.Fatalf("expected cancelled deal, got %s", got.Stage)
	}
}

func TestWithdrawAndReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deal := f.create(t)
	f.toDelivered(t, deal.ID)
	opened := f.openViaStage(t, deal.ID)

	if _, err := f.disputes.WithdrawDispute(ctx, opened.disputeID, testutil.SellerWallet); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected respondent withdrawal to be refused, got %v", err)
	}
	_, _, err := f.disputes.OpenDispute(ctx, OpenDisputeInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, Description: "second claim"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected active dispute conflict, got %v", err)
	}

	withdrawn, err := f.disputes.WithdrawDispute(ctx, opened.disputeID, testutil.BuyerWallet)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Status != stages.DisputeWithdrawn {
		t.Fatalf("expected withdrawn, got %s", withdrawn.Status)
	}
	if _, err := f.disputes.WithdrawDispute(ctx, opened.disputeID, testutil.BuyerWallet); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected second withdrawal to be refused, got %v", err)
	}

	got, _ := f.store.GetDeal(ctx, deal.ID)
	if got.Stage != stages.Disputed {
		t.Fatalf("expected deal to stay disputed, got %s", got.Stage)
	}

	second, _, err := f.disputes.OpenDispute(ctx, OpenDisputeInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, Description: "second claim", ClaimedAmount: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if second.ID == opened.disputeID {
		t.Fatalf("expected a new dispute id")
	}

	stats, err := f.disputes.Stats(ctx, testutil.ArbiterWallet)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Open != 1 || !stats.ValueAtRisk.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.ByStatus[stages.DisputeWithdrawn] != 1 {
		t.Fatalf("expected one withdrawn dispute, got %+v", stats.ByStatus)
	}
	if _, err := f.disputes.Stats(ctx, testutil.BuyerWallet); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden stats for a party, got %v", err)
	}
}

func TestDisputeReadsAreRestricted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deal := f.create(t)
	f.toDelivered(t, deal.ID)
	opened := f.openViaStage(t, deal.ID)

	if _, err := f.disputes.GetDispute(ctx, opened.disputeID, testutil.OtherWallet); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.disputes.ListDisputes(ctx, deal.ID, testutil.OtherWallet); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.disputes.GetDispute(ctx, uuid.New(), testutil.ArbiterWallet); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
