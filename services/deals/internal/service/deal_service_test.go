package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/libs/chain"
	"github.com/Chrissou78/rwa-trade-core/libs/notify"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/stages"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/storage"
	"github.com/Chrissou78/rwa-trade-core/services/testutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type recordProducer struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *recordProducer) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := value.(DealEvent); ok {
		r.events = append(r.events, ev.EventType)
	}
	return 0, 0, r.err
}

func (r *recordProducer) Close() error { return nil }

type fakeVerifier struct {
	err error
}

func (f fakeVerifier) VerifyTx(context.Context, string) error { return f.err }

type fixture struct {
	store    *storage.MemoryStore
	deals    *DealService
	disputes *DisputeService
	notes    *notify.Recorder
	producer *recordProducer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	notes := &notify.Recorder{}
	producer := &recordProducer{}
	disputes := NewDisputeService(store, notes, producer, nil, nil, Topics{}, []string{testutil.ArbiterWallet}, time.Hour)
	deals := NewDealService(store, disputes, fakeVerifier{}, notes, producer, nil, nil, Topics{})
	return &fixture{store: store, deals: deals, disputes: disputes, notes: notes, producer: producer}
}

func dealInput(percentages ...int) CreateDealInput {
	milestones := make([]MilestoneInput, 0, len(percentages))
	for i, p := range percentages {
		milestones = append(milestones, MilestoneInput{Type: "tranche", Title: "tranche", PaymentPercentage: p, AutoRelease: i == len(percentages)-1})
	}
	return CreateDealInput{
		CallerWallet: testutil.BuyerWallet,
		SellerWallet: testutil.SellerWallet,
		Product: ProductInput{
			Description: "Arabica coffee beans",
			Quantity:    decimal.NewFromInt(10),
			Unit:        "t",
			UnitPrice:   decimal.NewFromInt(100),
			Currency:    "usdc",
		},
		Terms:      TermsInput{Incoterm: "FOB", Origin: "Santos", Destination: "Hamburg"},
		Milestones: milestones,
	}
}

func (f *fixture) create(t *testing.T) *storage.Deal {
	t.Helper()
	deal, err := f.deals.CreateDeal(context.Background(), dealInput(30, 40, 30))
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	return deal
}

func (f *fixture) move(t *testing.T, dealID uuid.UUID, caller string, target stages.Stage) *storage.Deal {
	t.Helper()
	deal, err := f.deals.RequestStageChange(context.Background(), StageChangeInput{DealID: dealID, CallerWallet: caller, Target: string(target)})
	if err != nil {
		t.Fatalf("move to %s: %v", target, err)
	}
	return deal
}

func (f *fixture) toDelivered(t *testing.T, dealID uuid.UUID) {
	t.Helper()
	f.move(t, dealID, testutil.BuyerWallet, stages.LOIPending)
	f.move(t, dealID, testutil.SellerWallet, stages.LOISigned)
	f.move(t, dealID, testutil.BuyerWallet, stages.EscrowPending)
	f.move(t, dealID, testutil.BuyerWallet, stages.EscrowFunded)
	f.move(t, dealID, testutil.SellerWallet, stages.InProduction)
	f.move(t, dealID, testutil.SellerWallet, stages.QualityCheck)
	f.move(t, dealID, testutil.SellerWallet, stages.Shipping)
	f.move(t, dealID, testutil.SellerWallet, stages.Delivered)
}

func TestCreateDealComputesTotals(t *testing.T) {
	f := newFixture(t)
	in := dealInput(30, 40, 30)
	in.Product.Quantity = decimal.RequireFromString("12.5")
	in.Product.UnitPrice = decimal.NewFromInt(80)

	deal, err := f.deals.CreateDeal(context.Background(), in)
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if !deal.Product.TotalValue.Equal(decimal.NewFromInt(1000)) || !deal.EscrowAmount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected total 1000, got %s / %s", deal.Product.TotalValue, deal.EscrowAmount)
	}
	want := []int64{300, 400, 300}
	for i, m := range deal.Milestones {
		if !m.PaymentAmount.Equal(decimal.NewFromInt(want[i])) {
			t.Fatalf("milestone %d: expected %d, got %s", i, want[i], m.PaymentAmount)
		}
	}
	if deal.Stage != stages.Draft || deal.Product.Currency != "USDC" {
		t.Fatalf("unexpected deal %+v", deal)
	}
	if !strings.HasPrefix(deal.Reference, "DEAL-") {
		t.Fatalf("unexpected reference %s", deal.Reference)
	}

	notes := f.notes.All()
	if len(notes) != 2 || notes[0].Type != "deal_invitation" || notes[0].Recipient != testutil.SellerWallet || notes[1].Recipient != testutil.BuyerWallet {
		t.Fatalf("unexpected notifications %+v", notes)
	}
}

func TestCreateDealRejectsPercentageSumWithoutWriting(t *testing.T) {
	f := newFixture(t)
	_, err := f.deals.CreateDeal(context.Background(), dealInput(30, 40, 20))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "got 90") {
		t.Fatalf("expected error to name the sum, got %v", err)
	}

	_, total, err := f.deals.ListDeals(context.Background(), ListDealsInput{CallerWallet: testutil.BuyerWallet})
	if err != nil {
		t.Fatalf("list deals: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no persisted deals, got %d", total)
	}
	if len(f.notes.All()) != 0 {
		t.Fatalf("expected no notifications")
	}
}

func TestCreateDealValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		mutate func(in *CreateDealInput)
		kind   apperr.Kind
	}{
		{"same parties", func(in *CreateDealInput) { in.SellerWallet = strings.ToLower(testutil.BuyerWallet) }, apperr.KindValidation},
		{"bad seller", func(in *CreateDealInput) { in.SellerWallet = "0x1234" }, apperr.KindValidation},
		{"zero quantity", func(in *CreateDealInput) { in.Product.Quantity = decimal.Zero }, apperr.KindValidation},
		{"negative price", func(in *CreateDealInput) { in.Product.UnitPrice = decimal.NewFromInt(-1) }, apperr.KindValidation},
		{"no milestones", func(in *CreateDealInput) { in.Milestones = nil }, apperr.KindValidation},
		{"bad incoterm", func(in *CreateDealInput) { in.Terms.Incoterm = "XYZ" }, apperr.KindValidation},
		{"missing identity", func(in *CreateDealInput) { in.CallerWallet = "" }, apperr.KindUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := dealInput(50, 50)
			tc.mutate(&in)
			_, err := f.deals.CreateDeal(context.Background(), in)
			if !apperr.IsKind(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
		})
	}
}

func TestStageSequenceByRole(t *testing.T) {
	f := newFixture(t)
	deal := f.create(t)

	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOIPending)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOISigned)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.EscrowPending)

	_, err := f.deals.RequestStageChange(context.Background(), StageChangeInput{DealID: deal.ID, CallerWallet: testutil.SellerWallet, Target: string(stages.EscrowFunded)})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected seller to be refused, got %v", err)
	}

	got := f.move(t, deal.ID, testutil.BuyerWallet, stages.EscrowFunded)
	if got.Stage != stages.EscrowFunded {
		t.Fatalf("expected escrow_funded, got %s", got.Stage)
	}

	notes := f.notes.All()
	last := notes[len(notes)-1]
	if last.Recipient != testutil.SellerWallet || last.Priority != notify.PriorityHigh {
		t.Fatalf("expected high priority note to seller, got %+v", last)
	}
	for _, n := range notes[2:] {
		if n.Type == "deal_stage_changed" && n.Recipient == testutil.BuyerWallet {
			t.Fatalf("actor was notified of their own transition: %+v", n)
		}
	}
}

func TestInvalidTransitionLeavesDealUnchanged(t *testing.T) {
	f := newFixture(t)
	deal := f.create(t)

	_, err := f.deals.RequestStageChange(context.Background(), StageChangeInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, Target: "completed"})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if !strings.Contains(err.Error(), "draft") || !strings.Contains(err.Error(), "completed") {
		t.Fatalf("expected both stages in %q", err.Error())
	}

	got, err := f.deals.GetDeal(context.Background(), deal.ID, testutil.SellerWallet)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if got.Stage != stages.Draft || !got.StageUpdatedAt.Equal(deal.StageUpdatedAt) {
		t.Fatalf("deal changed: %+v", got)
	}
	_, total, err := f.deals.ListTimeline(context.Background(), deal.ID, testutil.BuyerWallet, 10, 0)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected only the creation event, got %d", total)
	}
}

func TestStrangerIsForbidden(t *testing.T) {
	f := newFixture(t)
	deal := f.create(t)

	_, err := f.deals.RequestStageChange(context.Background(), StageChangeInput{DealID: deal.ID, CallerWallet: testutil.OtherWallet, Target: "cancelled"})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.deals.GetDeal(context.Background(), deal.ID, testutil.OtherWallet); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden read, got %v", err)
	}
	if _, err := f.deals.GetDeal(context.Background(), deal.ID, testutil.ArbiterWallet); err != nil {
		t.Fatalf("arbiter read: %v", err)
	}
	if _, err := f.deals.GetDeal(context.Background(), uuid.New(), testutil.BuyerWallet); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.deals.GetDeal(context.Background(), deal.ID, ""); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

type staleStore struct {
	*storage.MemoryStore
	calls int
}

func (s *staleStore) UpdateStage(ctx context.Context, ch storage.StageChange) (*storage.Deal, error) {
	s.calls++
	return nil, storage.ErrStale
}

func TestStageChangeGivesUpAfterRepeatedRaces(t *testing.T) {
	mem := storage.NewMemory()
	store := &staleStore{MemoryStore: mem}
	svc := NewDealService(store, nil, nil, nil, nil, nil, nil, Topics{})
	deal, err := svc.CreateDeal(context.Background(), dealInput(100))
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}

	_, err = svc.RequestStageChange(context.Background(), StageChangeInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, Target: "loi_pending"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if store.calls != maxStaleAttempts {
		t.Fatalf("expected %d attempts, got %d", maxStaleAttempts, store.calls)
	}
}

func TestConcurrentStageChangesAdmitOne(t *testing.T) {
	f := newFixture(t)
	deal := f.create(t)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOIPending)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, caller := range []string{testutil.BuyerWallet, testutil.SellerWallet} {
		wg.Add(1)
		go func(i int, caller string) {
			defer wg.Done()
			_, errs[i] = f.deals.RequestStageChange(context.Background(), StageChangeInput{DealID: deal.ID, CallerWallet: caller, Target: "loi_signed"})
		}(i, caller)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, apperr.ErrInvalidTransition) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one transition, got %d", succeeded)
	}
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	store := storage.NewMemory()
	emitter := notify.NewEmitter(&recordProducer{err: errors.New("broker down")}, "", time.Second, nil, nil)
	svc := NewDealService(store, nil, nil, emitter, &recordProducer{err: errors.New("broker down")}, nil, nil, Topics{})

	deal, err := svc.CreateDeal(context.Background(), dealInput(100))
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	moved, err := svc.RequestStageChange(context.Background(), StageChangeInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, Target: "loi_pending"})
	if err != nil {
		t.Fatalf("stage change: %v", err)
	}
	if err := emitter.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if moved.Stage != stages.LOIPending {
		t.Fatalf("expected loi_pending, got %s", moved.Stage)
	}
}

func TestFundEscrowIsIdempotent(t *testing.T) {
	f := newFixture(t)
	deal := f.create(t)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOIPending)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOISigned)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.EscrowPending)
	ctx := context.Background()

	fund := func(caller, hash string, amount int64) (*EscrowResult, error) {
		return f.deals.FundEscrow(ctx, FundEscrowInput{DealID: deal.ID, CallerWallet: caller, TxHash: hash, Amount: decimal.NewFromInt(amount)})
	}

	if _, err := fund(testutil.SellerWallet, testutil.TxHash(1), 400); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for seller, got %v", err)
	}

	first, err := fund(testutil.BuyerWallet, testutil.TxHash(1), 400)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if first.Replayed || first.Deal.EscrowStatus != storage.EscrowStatusPartiallyFunded {
		t.Fatalf("unexpected first result %+v", first.Deal)
	}

	again, err := fund(testutil.BuyerWallet, "0x"+strings.ToUpper(testutil.TxHash(1)[2:]), 400)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Replayed || !again.Deal.EscrowFunded.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("expected replay to be a no-op, got funded %s", again.Deal.EscrowFunded)
	}

	if _, err := fund(testutil.BuyerWallet, testutil.TxHash(1), 500); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for divergent replay, got %v", err)
	}
	if _, err := fund(testutil.BuyerWallet, testutil.TxHash(2), 700); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected overfunding to be rejected, got %v", err)
	}

	final, err := fund(testutil.BuyerWallet, testutil.TxHash(3), 600)
	if err != nil {
		t.Fatalf("fund rest: %v", err)
	}
	if final.Deal.EscrowStatus != storage.EscrowStatusFunded || final.Deal.Stage != stages.EscrowFunded {
		t.Fatalf("expected funded deal in escrow_funded, got %s/%s", final.Deal.EscrowStatus, final.Deal.Stage)
	}
	if !final.Deal.EscrowFunded.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected 1000 funded, got %s", final.Deal.EscrowFunded)
	}
}

func TestFundEscrowRequiresMinedTransaction(t *testing.T) {
	f := newFixture(t)
	f.deals.verifier = fakeVerifier{err: chain.ErrTxFailed}
	deal := f.create(t)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOIPending)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOISigned)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.EscrowPending)

	_, err := f.deals.FundEscrow(context.Background(), FundEscrowInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, TxHash: testutil.TxHash(9), Amount: decimal.NewFromInt(10)})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := f.store.GetDeal(context.Background(), deal.ID)
	if !got.EscrowFunded.IsZero() {
		t.Fatalf("expected nothing funded, got %s", got.EscrowFunded)
	}

	f.deals.verifier = fakeVerifier{err: errors.New("rpc timeout")}
	_, err = f.deals.FundEscrow(context.Background(), FundEscrowInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, TxHash: testutil.TxHash(9), Amount: decimal.NewFromInt(10)})
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestFundEscrowReplaySkipsChainCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deal := f.create(t)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOIPending)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOISigned)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.EscrowPending)

	input := FundEscrowInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, TxHash: testutil.TxHash(4), Amount: decimal.NewFromInt(10)}
	if _, err := f.deals.FundEscrow(ctx, input); err != nil {
		t.Fatalf("fund: %v", err)
	}

	f.deals.verifier = fakeVerifier{err: errors.New("rpc unreachable")}
	res, err := f.deals.FundEscrow(ctx, input)
	if err != nil {
		t.Fatalf("replay with the node down: %v", err)
	}
	if !res.Replayed || !res.Deal.EscrowFunded.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected replayed funding of 10, got replayed=%v funded=%s", res.Replayed, res.Deal.EscrowFunded)
	}

	_, err = f.deals.FundEscrow(ctx, FundEscrowInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, TxHash: testutil.TxHash(5), Amount: decimal.NewFromInt(10)})
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected a new hash to reach the node, got %v", err)
	}
}

func TestReleaseEscrowPerMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deal := f.create(t)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOIPending)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.LOISigned)
	f.move(t, deal.ID, testutil.BuyerWallet, stages.EscrowPending)
	if _, err := f.deals.FundEscrow(ctx, FundEscrowInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, TxHash: testutil.TxHash(1), Amount: decimal.NewFromInt(1000)}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	f.move(t, deal.ID, testutil.SellerWallet, stages.InProduction)

	first := deal.Milestones[0]
	release := ReleaseEscrowInput{DealID: deal.ID, CallerWallet: testutil.BuyerWallet, MilestoneID: first.ID, TxHash: testutil.TxHash(2)}
	if _, err := f.deals.ReleaseEscrow(ctx, release); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected pending milestone to be refused, got %v", err)
	}

	if _, err := f.deals.UpdateMilestone(ctx, UpdateMilestoneInput{DealID: deal.ID, MilestoneID: first.ID, CallerWallet: testutil.BuyerWallet, Status: "completed"}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected buyer milestone update to be refused, got %v", err)
	}
	if _, err := f.deals.UpdateMilestone(ctx, UpdateMilestoneInput{DealID: deal.ID, MilestoneID: first.ID, CallerWallet: testutil.SellerWallet, Status: "in_progress"}); err != nil {
		t.Fatalf("milestone in progress: %v", err)
	}
	if _, err := f.deals.UpdateMilestone(ctx, UpdateMilestoneInput{DealID: deal.ID, MilestoneID: first.ID, CallerWallet: testutil.SellerWallet, Status: "pending"}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected backwards move to be refused, got %v", err)
	}
	if _, err := f.deals.UpdateMilestone(ctx, UpdateMilestoneInput{DealID: deal.ID, MilestoneID: first.ID, CallerWallet: testutil.SellerWallet, Status: "completed"}); err != nil {
		t.Fatalf("milestone completed: %v", err)
	}

	sellerRelease := release
	sellerRelease.CallerWallet = testutil.SellerWallet
	if _, err := f.deals.ReleaseEscrow(ctx, sellerRelease); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected seller release without auto_release to be refused, got %v", err)
	}

	res, err := f.deals.ReleaseEscrow(ctx, release)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !res.Deal.EscrowReleased.Equal(decimal.NewFromInt(300)) || res.Deal.EscrowStatus != storage.EscrowStatusPartiallyReleased {
		t.Fatalf("unexpected escrow %s %s", res.Deal.EscrowReleased, res.Deal.EscrowStatus)
	}
	if m, _ := res.Deal.Milestone(first.ID); m.Status != storage.MilestoneApproved {
		t.Fatalf("expected approved milestone, got %s", m.Status)
	}

	replay, err := f.deals.ReleaseEscrow(ctx, release)
	if err != nil || !replay.Replayed {
		t.Fatalf("expected replay, got %v", err)
	}
	if !replay.Deal.EscrowReleased.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("replay released twice: %s", replay.Deal.EscrowReleased)
	}

	other := release
	other.TxHash = testutil.TxHash(3)
	if _, err := f.deals.ReleaseEscrow(ctx, other); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected second release of the same milestone to conflict, got %v", err)
	}

	last := deal.Milestones[2]
	if _, err := f.deals.UpdateMilestone(ctx, UpdateMilestoneInput{DealID: deal.ID, MilestoneID: last.ID, CallerWallet: testutil.SellerWallet, Status: "completed"}); err != nil {
		t.Fatalf("complete last milestone: %v", err)
	}
	auto := ReleaseEscrowInput{DealID: deal.ID, CallerWallet: testutil.SellerWallet, MilestoneID: last.ID, TxHash: testutil.TxHash(4)}
	if _, err := f.deals.ReleaseEscrow(ctx, auto); err != nil {
		t.Fatalf("seller auto release: %v", err)
	}
}
