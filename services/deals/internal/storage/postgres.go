package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/stages"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStale means a conditional update matched no row because the
	// aggregate changed since it was read.
	ErrStale = errors.New("stale write")
	// ErrDuplicate means an idempotency key was reused with different
	// parameters.
	ErrDuplicate     = errors.New("duplicate idempotency key")
	ErrActiveDispute = errors.New("deal already has an active dispute")
)

//go:embed schema.sql
var schema string

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply deals schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const dealColumns = `id, reference, buyer_wallet, seller_wallet, buyer_company, seller_company,
	product_description, product_quantity::text, product_unit, product_unit_price::text, product_currency, product_total_value::text,
	incoterm, origin, destination, delivery_date, payment_terms,
	stage, stage_updated_at, escrow_amount::text, escrow_funded::text, escrow_released::text, escrow_status,
	created_at, updated_at`

const milestoneColumns = `id, deal_id, idx, milestone_type, title, payment_percentage, payment_amount::text, auto_release, status, updated_at`

const disputeColumns = `id, deal_id, initiator_wallet, respondent_wallet, claimed_amount::text, description, arbiter_wallet,
	status, resolution_note, deadline, created_at, updated_at, resolved_at`

func (s *Store) CreateDeal(ctx context.Context, nd NewDeal) (*Deal, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	deal := nd.Deal
	year := deal.CreatedAt.UTC().Year()
	var seq int
	if err := tx.QueryRow(ctx, `
		INSERT INTO reference_counters (year, seq)
		VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET seq = reference_counters.seq + 1
		RETURNING seq
	`, year).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next reference: %w", err)
	}
	deal.Reference = FormatReference(year, seq)

	_, err = tx.Exec(ctx, `
		INSERT INTO deals (id, reference, buyer_wallet, seller_wallet, buyer_company, seller_company,
			product_description, product_quantity, product_unit, product_unit_price, product_currency, product_total_value,
			incoterm, origin, destination, delivery_date, payment_terms,
			stage, stage_updated_at, escrow_amount, escrow_funded, escrow_released, escrow_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $24)
	`, deal.ID, deal.Reference, deal.BuyerWallet, deal.SellerWallet, deal.BuyerCompany, deal.SellerCompany,
		deal.Product.Description, deal.Product.Quantity.String(), deal.Product.Unit, deal.Product.UnitPrice.String(), deal.Product.Currency, deal.Product.TotalValue.String(),
		deal.Terms.Incoterm, deal.Terms.Origin, deal.Terms.Destination, deal.Terms.DeliveryDate, deal.Terms.PaymentTerms,
		string(deal.Stage), deal.StageUpdatedAt, deal.EscrowAmount.String(), deal.EscrowFunded.String(), deal.EscrowReleased.String(), deal.EscrowStatus, deal.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert deal: %w", err)
	}

	for _, m := range nd.Milestones {
		if _, err := tx.Exec(ctx, `
			INSERT INTO milestones (id, deal_id, idx, milestone_type, title, payment_percentage, payment_amount, auto_release, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, m.ID, deal.ID, m.Index, m.Type, m.Title, m.PaymentPercentage, m.PaymentAmount.String(), m.AutoRelease, m.Status, m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("insert milestone: %w", err)
		}
	}

	if err := insertEvent(ctx, tx, nd.Event); err != nil {
		return nil, err
	}

	stored, err := loadDeal(ctx, tx, deal.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return stored, nil
}

func (s *Store) GetDeal(ctx context.Context, id uuid.UUID) (*Deal, error) {
	return loadDeal(ctx, s.pool, id)
}

func (s *Store) ListDeals(ctx context.Context, filter DealFilter) ([]Deal, int, error) {
	limit := clampLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := ` WHERE (buyer_wallet = $1 OR seller_wallet = $1)`
	args := []any{filter.Wallet}
	if filter.Stage != "" {
		where += ` AND stage = $2`
		args = append(args, filter.Stage)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM deals`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + dealColumns + ` FROM deals` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	deals := make([]Deal, 0, limit)
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, 0, err
		}
		deals = append(deals, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return deals, total, nil
}

func (s *Store) UpdateStage(ctx context.Context, ch StageChange) (*Deal, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE deals
		SET stage = $1, stage_updated_at = $2, updated_at = $2
		WHERE id = $3 AND stage = $4
	`, string(ch.To), ch.Event.CreatedAt, ch.DealID, string(ch.From))
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, missingOrStale(ctx, tx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, ch.DealID)
	}
	if err := insertEvent(ctx, tx, ch.Event); err != nil {
		return nil, err
	}

	deal, err := loadDeal(ctx, tx, ch.DealID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return deal, nil
}

// FundEscrow records a funding payment and adds it to escrow_funded. It
// returns replayed=true without writing when the same payment was already
// recorded.
func (s *Store) FundEscrow(ctx context.Context, f EscrowFunding) (*Deal, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	p := f.Payment
	replayed, err := insertPayment(ctx, tx, p)
	if err != nil {
		return nil, false, err
	}
	if replayed {
		deal, err := loadDeal(ctx, tx, p.DealID)
		return deal, true, err
	}

	var fundedStr, amountStr string
	err = tx.QueryRow(ctx, `
		UPDATE deals
		SET escrow_funded = escrow_funded + $1,
			escrow_status = CASE
				WHEN escrow_released > 0 THEN escrow_status
				WHEN escrow_funded + $1 >= escrow_amount THEN 'funded'
				ELSE 'partially_funded'
			END,
			updated_at = $2
		WHERE id = $3 AND escrow_funded + $1 <= escrow_amount AND stage = ANY($4)
		RETURNING escrow_funded::text, escrow_amount::text
	`, p.Amount.String(), p.CreatedAt, p.DealID, stages.Strings(f.Stages)).Scan(&fundedStr, &amountStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, missingOrStale(ctx, tx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, p.DealID)
		}
		return nil, false, err
	}
	if err := insertEvent(ctx, tx, f.Event); err != nil {
		return nil, false, err
	}

	funded, err := decimal.NewFromString(fundedStr)
	if err != nil {
		return nil, false, fmt.Errorf("parse escrow funded: %w", err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, false, fmt.Errorf("parse escrow amount: %w", err)
	}
	if funded.GreaterThanOrEqual(amount) {
		tag, err := tx.Exec(ctx, `
			UPDATE deals
			SET stage = $1, stage_updated_at = $2, updated_at = $2
			WHERE id = $3 AND stage = $4
		`, string(stages.EscrowFunded), p.CreatedAt, p.DealID, string(stages.EscrowPending))
		if err != nil {
			return nil, false, err
		}
		if tag.RowsAffected() == 1 && f.AdvanceEvent.ID != uuid.Nil {
			if err := insertEvent(ctx, tx, f.AdvanceEvent); err != nil {
				return nil, false, err
			}
		}
	}

	deal, err := loadDeal(ctx, tx, p.DealID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	committed = true
	return deal, false, nil
}

// ReleaseEscrow approves a completed milestone and adds its payment to
// escrow_released.
func (s *Store) ReleaseEscrow(ctx context.Context, r EscrowRelease) (*Deal, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	p := r.Payment
	if p.MilestoneID == nil {
		return nil, false, fmt.Errorf("release requires a milestone")
	}
	replayed, err := insertPayment(ctx, tx, p)
	if err != nil {
		return nil, false, err
	}
	if replayed {
		deal, err := loadDeal(ctx, tx, p.DealID)
		return deal, true, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE milestones
		SET status = $1, updated_at = $2
		WHERE id = $3 AND deal_id = $4 AND status = $5
	`, MilestoneApproved, p.CreatedAt, *p.MilestoneID, p.DealID, MilestoneCompleted)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		return nil, false, missingOrStale(ctx, tx, `SELECT EXISTS (SELECT 1 FROM milestones WHERE id = $1)`, *p.MilestoneID)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE deals
		SET escrow_released = escrow_released + $1,
			escrow_status = CASE WHEN escrow_released + $1 >= escrow_amount THEN 'released' ELSE 'partially_released' END,
			updated_at = $2
		WHERE id = $3 AND escrow_released + $1 <= escrow_funded AND stage = ANY($4)
	`, p.Amount.String(), p.CreatedAt, p.DealID, stages.Strings(r.Stages))
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		return nil, false, ErrStale
	}
	if err := insertEvent(ctx, tx, r.Event); err != nil {
		return nil, false, err
	}

	deal, err := loadDeal(ctx, tx, p.DealID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	committed = true
	return deal, false, nil
}

// GetPayment returns the escrow payment recorded under txHash.
func (s *Store) GetPayment(ctx context.Context, txHash string) (*EscrowPayment, error) {
	return getPayment(ctx, s.pool, txHash)
}

func (s *Store) UpdateMilestoneStatus(ctx context.Context, ch MilestoneChange) (*Milestone, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE milestones
		SET status = $1, updated_at = $2
		WHERE id = $3 AND deal_id = $4 AND status = $5
		RETURNING `+milestoneColumns,
		ch.To, ch.Event.CreatedAt, ch.MilestoneID, ch.DealID, ch.From)
	m, err := scanMilestone(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, missingOrStale(ctx, tx, `SELECT EXISTS (SELECT 1 FROM milestones WHERE id = $1)`, ch.MilestoneID)
		}
		return nil, err
	}
	if err := insertEvent(ctx, tx, ch.Event); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return m, nil
}

func (s *Store) ListTimeline(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]TimelineEvent, int, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM timeline_events WHERE deal_id = $1`, dealID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, deal_id, event_type, title, description, actor, metadata, created_at
		FROM timeline_events
		WHERE deal_id = $1
		ORDER BY created_at, seq
		LIMIT $2 OFFSET $3
	`, dealID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := make([]TimelineEvent, 0, limit)
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.DealID, &ev.Type, &ev.Title, &ev.Description, &ev.Actor, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, 0, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// OpenDispute moves the deal to disputed, unless it already is, and inserts
// the dispute in the same transaction.
func (s *Store) OpenDispute(ctx context.Context, o DisputeOpening) (*Dispute, *Deal, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	d := o.Dispute
	if o.FromStage == stages.Disputed {
		var locked uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM deals WHERE id = $1 AND stage = $2 FOR UPDATE`, d.DealID, string(stages.Disputed)).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil, missingOrStale(ctx, tx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, d.DealID)
			}
			return nil, nil, err
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE deals
			SET stage = $1, stage_updated_at = $2, updated_at = $2
			WHERE id = $3 AND stage = $4
		`, string(stages.Disputed), d.CreatedAt, d.DealID, string(o.FromStage))
		if err != nil {
			return nil, nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, nil, missingOrStale(ctx, tx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, d.DealID)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO disputes (id, deal_id, initiator_wallet, respondent_wallet, claimed_amount, description, arbiter_wallet,
			status, resolution_note, deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '', $7, '', $8, $9, $9)
	`, d.ID, d.DealID, d.InitiatorWallet, d.RespondentWallet, d.ClaimedAmount.String(), d.Description,
		string(d.Status), d.Deadline, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrActiveDispute
		}
		return nil, nil, fmt.Errorf("insert dispute: %w", err)
	}
	if err := insertEvent(ctx, tx, o.Event); err != nil {
		return nil, nil, err
	}

	stored, err := scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, d.ID))
	if err != nil {
		return nil, nil, err
	}
	deal, err := loadDeal(ctx, tx, d.DealID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	committed = true
	return stored, deal, nil
}

func (s *Store) GetDispute(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *Store) ListDisputes(ctx context.Context, dealID uuid.UUID) ([]Dispute, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE deal_id = $1 ORDER BY created_at, id`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Dispute{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// AdvanceDispute moves a dispute from ch.From to ch.To. For resolutions the
// deal follows to ch.DealStage when it is still disputed; dealMoved reports
// whether that happened.
func (s *Store) AdvanceDispute(ctx context.Context, ch DisputeChange) (*Dispute, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := ch.Event.CreatedAt
	row := tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = $1,
			arbiter_wallet = CASE WHEN $2::text <> '' AND arbiter_wallet = '' THEN $2::text ELSE arbiter_wallet END,
			resolution_note = CASE WHEN $3::text <> '' THEN $3::text ELSE resolution_note END,
			resolved_at = CASE WHEN $4::boolean THEN $5::timestamptz ELSE resolved_at END,
			updated_at = $5::timestamptz
		WHERE id = $6 AND status = $7
		RETURNING `+disputeColumns,
		string(ch.To), ch.Arbiter, ch.Note, ch.To.Terminal(), now, ch.DisputeID, string(ch.From))
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, missingOrStale(ctx, tx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, ch.DisputeID)
		}
		return nil, false, err
	}

	moved := false
	if ch.DealStage != "" {
		tag, err := tx.Exec(ctx, `
			UPDATE deals
			SET stage = $1, stage_updated_at = $2, updated_at = $2
			WHERE id = $3 AND stage = $4
		`, string(ch.DealStage), now, d.DealID, string(stages.Disputed))
		if err != nil {
			return nil, false, err
		}
		moved = tag.RowsAffected() == 1
	}

	ev := ch.Event
	ev.DealID = d.DealID
	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	committed = true
	return d, moved, nil
}

func (s *Store) DisputeStats(ctx context.Context) (DisputeStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*), COALESCE(sum(claimed_amount), 0)::text
		FROM disputes
		GROUP BY status
	`)
	if err != nil {
		return DisputeStats{}, err
	}
	defer rows.Close()

	stats := DisputeStats{ByStatus: map[stages.DisputeStatus]int{}, ValueAtRisk: decimal.Zero}
	for rows.Next() {
		var status, sumStr string
		var count int
		if err := rows.Scan(&status, &count, &sumStr); err != nil {
			return DisputeStats{}, err
		}
		st := stages.DisputeStatus(status)
		stats.ByStatus[st] = count
		stats.Total += count
		if st.Terminal() {
			continue
		}
		sum, err := decimal.NewFromString(sumStr)
		if err != nil {
			return DisputeStats{}, fmt.Errorf("parse claimed sum: %w", err)
		}
		stats.Open += count
		stats.ValueAtRisk = stats.ValueAtRisk.Add(sum)
	}
	return stats, rows.Err()
}

func loadDeal(ctx context.Context, q dbtx, id uuid.UUID) (*Deal, error) {
	deal, err := scanDeal(q.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE deal_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		deal.Milestones = append(deal.Milestones, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deal, nil
}

// insertPayment records p unless its tx hash is already known. A matching
// earlier payment reports replayed; a divergent one returns ErrDuplicate.
func insertPayment(ctx context.Context, q dbtx, p EscrowPayment) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO escrow_payments (tx_hash, deal_id, kind, milestone_id, amount, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_hash) DO NOTHING
	`, p.TxHash, p.DealID, p.Kind, p.MilestoneID, p.Amount.String(), p.Actor, p.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert escrow payment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return false, nil
	}

	existing, err := getPayment(ctx, q, p.TxHash)
	if err != nil {
		return false, err
	}
	if !existing.Matches(p) {
		return false, ErrDuplicate
	}
	return true, nil
}

func getPayment(ctx context.Context, q dbtx, txHash string) (*EscrowPayment, error) {
	var p EscrowPayment
	var amountStr string
	err := q.QueryRow(ctx, `
		SELECT tx_hash, deal_id, kind, milestone_id, amount::text, actor, created_at
		FROM escrow_payments
		WHERE tx_hash = $1
	`, txHash).Scan(&p.TxHash, &p.DealID, &p.Kind, &p.MilestoneID, &amountStr, &p.Actor, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse payment amount: %w", err)
	}
	return &p, nil
}

func insertEvent(ctx context.Context, q dbtx, ev TimelineEvent) error {
	metadata := ev.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO timeline_events (id, deal_id, event_type, title, description, actor, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.DealID, ev.Type, ev.Title, ev.Description, ev.Actor, metadata, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert timeline event: %w", err)
	}
	return nil
}

func missingOrStale(ctx context.Context, q dbtx, existsSQL string, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRow(ctx, existsSQL, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStale
}

func scanDeal(row pgx.Row) (*Deal, error) {
	var d Deal
	var qty, unitPrice, total, escrowAmount, funded, released, stage string
	if err := row.Scan(&d.ID, &d.Reference, &d.BuyerWallet, &d.SellerWallet, &d.BuyerCompany, &d.SellerCompany,
		&d.Product.Description, &qty, &d.Product.Unit, &unitPrice, &d.Product.Currency, &total,
		&d.Terms.Incoterm, &d.Terms.Origin, &d.Terms.Destination, &d.Terms.DeliveryDate, &d.Terms.PaymentTerms,
		&stage, &d.StageUpdatedAt, &escrowAmount, &funded, &released, &d.EscrowStatus,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Stage = stages.Stage(stage)

	var err error
	for _, f := range []struct {
		name string
		in   string
		out  *decimal.Decimal
	}{
		{"quantity", qty, &d.Product.Quantity},
		{"unit price", unitPrice, &d.Product.UnitPrice},
		{"total value", total, &d.Product.TotalValue},
		{"escrow amount", escrowAmount, &d.EscrowAmount},
		{"escrow funded", funded, &d.EscrowFunded},
		{"escrow released", released, &d.EscrowReleased},
	} {
		if *f.out, err = decimal.NewFromString(f.in); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
	}
	return &d, nil
}

func scanMilestone(row pgx.Row) (*Milestone, error) {
	var m Milestone
	var amount string
	if err := row.Scan(&m.ID, &m.DealID, &m.Index, &m.Type, &m.Title, &m.PaymentPercentage, &amount, &m.AutoRelease, &m.Status, &m.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.PaymentAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse payment amount: %w", err)
	}
	return &m, nil
}

func scanDispute(row pgx.Row) (*Dispute, error) {
	var d Dispute
	var claimed, status string
	if err := row.Scan(&d.ID, &d.DealID, &d.InitiatorWallet, &d.RespondentWallet, &claimed, &d.Description, &d.ArbiterWallet,
		&status, &d.ResolutionNote, &d.Deadline, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt); err != nil {
		return nil, err
	}
	d.Status = stages.DisputeStatus(status)
	var err error
	if d.ClaimedAmount, err = decimal.NewFromString(claimed); err != nil {
		return nil, fmt.Errorf("parse claimed amount: %w", err)
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
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
