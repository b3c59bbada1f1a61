package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/stages"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore implements the same contract as Store behind one mutex. It
// backs the memory storage driver and the service tests.
type MemoryStore struct {
	mu       sync.Mutex
	deals    map[uuid.UUID]*Deal
	order    []uuid.UUID
	counters map[int]int
	events   map[uuid.UUID][]TimelineEvent
	payments map[string]EscrowPayment
	disputes map[uuid.UUID]*Dispute
	byDeal   map[uuid.UUID][]uuid.UUID
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		deals:    map[uuid.UUID]*Deal{},
		counters: map[int]int{},
		events:   map[uuid.UUID][]TimelineEvent{},
		payments: map[string]EscrowPayment{},
		disputes: map[uuid.UUID]*Dispute{},
		byDeal:   map[uuid.UUID][]uuid.UUID{},
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateDeal(_ context.Context, nd NewDeal) (*Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deal := nd.Deal
	year := deal.CreatedAt.UTC().Year()
	m.counters[year]++
	deal.Reference = FormatReference(year, m.counters[year])
	deal.Milestones = make([]Milestone, len(nd.Milestones))
	for i, ms := range nd.Milestones {
		ms.DealID = deal.ID
		deal.Milestones[i] = ms
	}
	m.deals[deal.ID] = &deal
	m.order = append(m.order, deal.ID)
	m.events[deal.ID] = append(m.events[deal.ID], nd.Event)
	return cloneDeal(&deal), nil
}

func (m *MemoryStore) GetDeal(_ context.Context, id uuid.UUID) (*Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDeal(d), nil
}

func (m *MemoryStore) ListDeals(_ context.Context, filter DealFilter) ([]Deal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := []Deal{}
	for i := len(m.order) - 1; i >= 0; i-- {
		d := m.deals[m.order[i]]
		if d.BuyerWallet != filter.Wallet && d.SellerWallet != filter.Wallet {
			continue
		}
		if filter.Stage != "" && string(d.Stage) != filter.Stage {
			continue
		}
		c := cloneDeal(d)
		c.Milestones = nil
		matched = append(matched, *c)
	}
	return page(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (m *MemoryStore) UpdateStage(_ context.Context, ch StageChange) (*Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[ch.DealID]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Stage != ch.From {
		return nil, ErrStale
	}
	d.Stage = ch.To
	d.StageUpdatedAt = ch.Event.CreatedAt
	d.UpdatedAt = ch.Event.CreatedAt
	m.events[d.ID] = append(m.events[d.ID], ch.Event)
	return cloneDeal(d), nil
}

func (m *MemoryStore) FundEscrow(_ context.Context, f EscrowFunding) (*Deal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := f.Payment
	if replayed, err := m.checkPayment(p); err != nil || replayed {
		if err != nil {
			return nil, false, err
		}
		return m.dealCopy(p.DealID)
	}
	d, ok := m.deals[p.DealID]
	if !ok {
		return nil, false, ErrNotFound
	}
	funded := d.EscrowFunded.Add(p.Amount)
	if funded.GreaterThan(d.EscrowAmount) || !stageIn(d.Stage, f.Stages) {
		return nil, false, ErrStale
	}

	d.EscrowFunded = funded
	d.EscrowStatus = EscrowStatusFor(d.EscrowAmount, d.EscrowFunded, d.EscrowReleased)
	d.UpdatedAt = p.CreatedAt
	m.payments[p.TxHash] = p
	m.events[d.ID] = append(m.events[d.ID], f.Event)
	if funded.GreaterThanOrEqual(d.EscrowAmount) && d.Stage == stages.EscrowPending {
		d.Stage = stages.EscrowFunded
		d.StageUpdatedAt = p.CreatedAt
		if f.AdvanceEvent.ID != uuid.Nil {
			m.events[d.ID] = append(m.events[d.ID], f.AdvanceEvent)
		}
	}
	return cloneDeal(d), false, nil
}

func (m *MemoryStore) ReleaseEscrow(_ context.Context, r EscrowRelease) (*Deal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := r.Payment
	if p.MilestoneID == nil {
		return nil, false, ErrNotFound
	}
	if replayed, err := m.checkPayment(p); err != nil || replayed {
		if err != nil {
			return nil, false, err
		}
		return m.dealCopy(p.DealID)
	}
	d, ok := m.deals[p.DealID]
	if !ok {
		return nil, false, ErrNotFound
	}
	ms, ok := d.Milestone(*p.MilestoneID)
	if !ok {
		return nil, false, ErrNotFound
	}
	released := d.EscrowReleased.Add(p.Amount)
	if ms.Status != MilestoneCompleted || released.GreaterThan(d.EscrowFunded) || !stageIn(d.Stage, r.Stages) {
		return nil, false, ErrStale
	}

	ms.Status = MilestoneApproved
	ms.UpdatedAt = p.CreatedAt
	d.EscrowReleased = released
	if released.GreaterThanOrEqual(d.EscrowAmount) {
		d.EscrowStatus = EscrowStatusReleased
	} else {
		d.EscrowStatus = EscrowStatusPartiallyReleased
	}
	d.UpdatedAt = p.CreatedAt
	m.payments[p.TxHash] = p
	m.events[d.ID] = append(m.events[d.ID], r.Event)
	return cloneDeal(d), false, nil
}

func (m *MemoryStore) UpdateMilestoneStatus(_ context.Context, ch MilestoneChange) (*Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[ch.DealID]
	if !ok {
		return nil, ErrNotFound
	}
	ms, ok := d.Milestone(ch.MilestoneID)
	if !ok {
		return nil, ErrNotFound
	}
	if ms.Status != ch.From {
		return nil, ErrStale
	}
	ms.Status = ch.To
	ms.UpdatedAt = ch.Event.CreatedAt
	m.events[d.ID] = append(m.events[d.ID], ch.Event)
	out := *ms
	return &out, nil
}

func (m *MemoryStore) ListTimeline(_ context.Context, dealID uuid.UUID, limit, offset int) ([]TimelineEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := append([]TimelineEvent(nil), m.events[dealID]...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return page(events, limit, offset), len(events), nil
}

func (m *MemoryStore) OpenDispute(_ context.Context, o DisputeOpening) (*Dispute, *Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispute := o.Dispute
	d, ok := m.deals[dispute.DealID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if d.Stage != o.FromStage {
		return nil, nil, ErrStale
	}
	for _, id := range m.byDeal[d.ID] {
		if !m.disputes[id].Status.Terminal() {
			return nil, nil, ErrActiveDispute
		}
	}

	if d.Stage != stages.Disputed {
		d.Stage = stages.Disputed
		d.StageUpdatedAt = dispute.CreatedAt
		d.UpdatedAt = dispute.CreatedAt
	}
	dispute.UpdatedAt = dispute.CreatedAt
	m.disputes[dispute.ID] = &dispute
	m.byDeal[d.ID] = append(m.byDeal[d.ID], dispute.ID)
	m.events[d.ID] = append(m.events[d.ID], o.Event)

	out := dispute
	return &out, cloneDeal(d), nil
}

func (m *MemoryStore) GetPayment(_ context.Context, txHash string) (*EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id uuid.UUID) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *d
	return &out, nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, dealID uuid.UUID) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Dispute{}
	for _, id := range m.byDeal[dealID] {
		out = append(out, *m.disputes[id])
	}
	return out, nil
}

func (m *MemoryStore) AdvanceDispute(_ context.Context, ch DisputeChange) (*Dispute, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[ch.DisputeID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if d.Status != ch.From {
		return nil, false, ErrStale
	}
	now := ch.Event.CreatedAt
	d.Status = ch.To
	if ch.Arbiter != "" && d.ArbiterWallet == "" {
		d.ArbiterWallet = ch.Arbiter
	}
	if ch.Note != "" {
		d.ResolutionNote = ch.Note
	}
	if ch.To.Terminal() {
		t := now
		d.ResolvedAt = &t
	}
	d.UpdatedAt = now

	moved := false
	if ch.DealStage != "" {
		if deal, ok := m.deals[d.DealID]; ok && deal.Stage == stages.Disputed {
			deal.Stage = ch.DealStage
			deal.StageUpdatedAt = now
			deal.UpdatedAt = now
			moved = true
		}
	}
	ev := ch.Event
	ev.DealID = d.DealID
	m.events[d.DealID] = append(m.events[d.DealID], ev)

	out := *d
	return &out, moved, nil
}

func (m *MemoryStore) DisputeStats(context.Context) (DisputeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := DisputeStats{ByStatus: map[stages.DisputeStatus]int{}, ValueAtRisk: decimal.Zero}
	for _, d := range m.disputes {
		stats.ByStatus[d.Status]++
		stats.Total++
		if !d.Status.Terminal() {
			stats.Open++
			stats.ValueAtRisk = stats.ValueAtRisk.Add(d.ClaimedAmount)
		}
	}
	return stats, nil
}

func (m *MemoryStore) checkPayment(p EscrowPayment) (bool, error) {
	existing, ok := m.payments[p.TxHash]
	if !ok {
		return false, nil
	}
	if !existing.Matches(p) {
		return false, ErrDuplicate
	}
	return true, nil
}

func (m *MemoryStore) dealCopy(id uuid.UUID) (*Deal, bool, error) {
	d, ok := m.deals[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	return cloneDeal(d), true, nil
}

func cloneDeal(d *Deal) *Deal {
	out := *d
	out.Milestones = append([]Milestone(nil), d.Milestones...)
	return &out
}

func stageIn(s stages.Stage, allowed []stages.Stage) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

func page[T any](items []T, limit, offset int) []T {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
