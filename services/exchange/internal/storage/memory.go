package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in maps. Transactions run one at a time
// behind the store mutex and roll back through an undo log, which also
// serialises matching per pair.
type MemoryStore struct {
	mu          sync.Mutex
	balances    map[string]*Balance
	pairs       map[string]*Pair
	orders      map[uuid.UUID]*Order
	trades      []Trade
	deposits    map[string]Deposit
	withdrawals map[uuid.UUID]*Withdrawal
	venue       map[uuid.UUID]*VenueOrder
	now         func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		balances:    map[string]*Balance{},
		pairs:       map[string]*Pair{},
		orders:      map[uuid.UUID]*Order{},
		deposits:    map[string]Deposit{},
		withdrawals: map[uuid.UUID]*Withdrawal{},
		venue:       map[uuid.UUID]*VenueOrder{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryStore) InPairTx(ctx context.Context, _ string, fn func(Tx) error) error {
	return m.InTx(ctx, fn)
}

func (m *MemoryStore) UpsertPair(_ context.Context, p Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pairs[p.Symbol]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	m.pairs[p.Symbol] = &p
	return nil
}

func (m *MemoryStore) GetPair(_ context.Context, symbol string) (*Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPairs(context.Context) ([]Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pair, 0, len(m.pairs))
	for _, p := range m.pairs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, wallet, token string) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[balanceKey(wallet, token)]; ok {
		return *b, nil
	}
	return Balance{Wallet: wallet, Token: token, Available: decimal.Zero, Locked: decimal.Zero}, nil
}

func (m *MemoryStore) ListBalances(_ context.Context, wallet string) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Balance, 0)
	for _, b := range m.balances {
		if b.Wallet == wallet {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOrders(_ context.Context, filter OrderFilter) ([]Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]Order, 0)
	for _, o := range m.orders {
		if filter.Wallet != "" && o.Wallet != filter.Wallet {
			continue
		}
		if filter.Pair != "" && o.Pair != filter.Pair {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		matched = append(matched, *o)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() > matched[j].ID.String()
	})
	return page(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (m *MemoryStore) RestingOrders(_ context.Context, pair, side string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resting(pair, side), nil
}

func (m *MemoryStore) ListTrades(_ context.Context, pair string, limit, offset int) ([]Trade, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]Trade, 0)
	for i := len(m.trades) - 1; i >= 0; i-- {
		if m.trades[i].Pair == pair {
			matched = append(matched, m.trades[i])
		}
	}
	return page(matched, limit, offset), len(matched), nil
}

func (m *MemoryStore) TradeStats(_ context.Context, pair string) (TradeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := TradeStats{Pair: pair, BaseVolume: decimal.Zero, QuoteVolume: decimal.Zero}
	for _, t := range m.trades {
		if t.Pair != pair {
			continue
		}
		if stats.Count == 0 || t.Price.GreaterThan(stats.High) {
			stats.High = t.Price
		}
		if stats.Count == 0 || t.Price.LessThan(stats.Low) {
			stats.Low = t.Price
		}
		stats.Count++
		stats.BaseVolume = stats.BaseVolume.Add(t.Quantity)
		stats.QuoteVolume = stats.QuoteVolume.Add(t.Total)
		stats.LastPrice = t.Price
	}
	return stats, nil
}

func (m *MemoryStore) GetWithdrawal(_ context.Context, id uuid.UUID) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetDeposit(_ context.Context, txHash string) (*Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) ListVenueOrders(_ context.Context, status string, before time.Time) ([]VenueOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VenueOrder, 0)
	for _, v := range m.venue {
		if v.Status == status && v.CreatedAt.Before(before) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) resting(pair, side string) []Order {
	out := make([]Order, 0)
	for _, o := range m.orders {
		if o.Pair == pair && o.Side == side && o.Type == TypeLimit && o.Resting() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Price.Cmp(out[j].Price); c != 0 {
			if side == SideBuy {
				return c > 0
			}
			return c < 0
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) AdjustBalance(_ context.Context, wallet, token string, available, locked decimal.Decimal) (*Balance, error) {
	key := balanceKey(wallet, token)
	current, exists := tx.m.balances[key]
	next := Balance{Wallet: wallet, Token: token, Available: available, Locked: locked}
	if exists {
		next.Available = current.Available.Add(available)
		next.Locked = current.Locked.Add(locked)
	}
	if next.Available.IsNegative() || next.Locked.IsNegative() {
		return nil, ErrInsufficientBalance
	}
	next.UpdatedAt = tx.m.now()

	if exists {
		prev := *current
		tx.undo = append(tx.undo, func() { *tx.m.balances[key] = prev })
		*current = next
	} else {
		tx.undo = append(tx.undo, func() { delete(tx.m.balances, key) })
		tx.m.balances[key] = &next
	}
	cp := next
	return &cp, nil
}

func (tx *memTx) GetPair(_ context.Context, symbol string) (*Pair, error) {
	p, ok := tx.m.pairs[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (tx *memTx) InsertOrder(_ context.Context, o Order) error {
	if _, exists := tx.m.orders[o.ID]; exists {
		return ErrDuplicate
	}
	tx.m.orders[o.ID] = &o
	tx.undo = append(tx.undo, func() { delete(tx.m.orders, o.ID) })
	return nil
}

func (tx *memTx) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	o, ok := tx.m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (tx *memTx) UpdateOrder(_ context.Context, o Order) error {
	current, ok := tx.m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	prev := *current
	tx.undo = append(tx.undo, func() { *tx.m.orders[o.ID] = prev })
	*current = o
	return nil
}

func (tx *memTx) RestingOrders(_ context.Context, pair, side string) ([]Order, error) {
	return tx.m.resting(pair, side), nil
}

func (tx *memTx) InsertTrade(_ context.Context, t Trade) error {
	n := len(tx.m.trades)
	tx.m.trades = append(tx.m.trades, t)
	tx.undo = append(tx.undo, func() { tx.m.trades = tx.m.trades[:n] })
	return nil
}

func (tx *memTx) LastTradePrice(_ context.Context, pair string) (decimal.Decimal, bool, error) {
	for i := len(tx.m.trades) - 1; i >= 0; i-- {
		if tx.m.trades[i].Pair == pair {
			return tx.m.trades[i].Price, true, nil
		}
	}
	return decimal.Zero, false, nil
}

func (tx *memTx) InsertDeposit(_ context.Context, d Deposit) (*Deposit, error) {
	if existing, ok := tx.m.deposits[d.TxHash]; ok {
		return &existing, nil
	}
	tx.m.deposits[d.TxHash] = d
	tx.undo = append(tx.undo, func() { delete(tx.m.deposits, d.TxHash) })
	return nil, nil
}

func (tx *memTx) InsertWithdrawal(_ context.Context, w Withdrawal) error {
	if _, exists := tx.m.withdrawals[w.ID]; exists {
		return ErrDuplicate
	}
	tx.m.withdrawals[w.ID] = &w
	tx.undo = append(tx.undo, func() { delete(tx.m.withdrawals, w.ID) })
	return nil
}

func (tx *memTx) GetWithdrawal(_ context.Context, id uuid.UUID) (*Withdrawal, error) {
	w, ok := tx.m.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (tx *memTx) UpdateWithdrawal(_ context.Context, w Withdrawal, from string) error {
	current, ok := tx.m.withdrawals[w.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != from {
		return ErrStale
	}
	prev := *current
	tx.undo = append(tx.undo, func() { *tx.m.withdrawals[w.ID] = prev })
	*current = w
	return nil
}

func (tx *memTx) InsertVenueOrder(_ context.Context, v VenueOrder) error {
	if _, exists := tx.m.venue[v.ID]; exists {
		return ErrDuplicate
	}
	tx.m.venue[v.ID] = &v
	tx.undo = append(tx.undo, func() { delete(tx.m.venue, v.ID) })
	return nil
}

func (tx *memTx) GetVenueOrder(_ context.Context, id uuid.UUID) (*VenueOrder, error) {
	v, ok := tx.m.venue[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (tx *memTx) UpdateVenueOrder(_ context.Context, v VenueOrder, from string) error {
	current, ok := tx.m.venue[v.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != from {
		return ErrStale
	}
	prev := *current
	tx.undo = append(tx.undo, func() { *tx.m.venue[v.ID] = prev })
	*current = v
	return nil
}

func balanceKey(wallet, token string) string {
	return wallet + "|" + token
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

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}
