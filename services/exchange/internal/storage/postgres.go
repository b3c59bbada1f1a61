package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
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
	now  func() time.Time
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply exchange schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) InTx(ctx context.Context, fn func(Tx) error) error {
	return s.inTx(ctx, "", fn)
}

// InPairTx runs fn in a transaction holding the pair's advisory lock, so
// matching on one pair is serialised across every replica.
func (s *Store) InPairTx(ctx context.Context, pair string, fn func(Tx) error) error {
	return s.inTx(ctx, pair, fn)
}

func (s *Store) inTx(ctx context.Context, lockKey string, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if lockKey != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "pair:"+lockKey); err != nil {
			return fmt.Errorf("lock pair %s: %w", lockKey, err)
		}
	}
	if err := fn(&pgTx{q: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) reader() *pgTx {
	return &pgTx{q: s.pool, now: s.now}
}

func (s *Store) UpsertPair(ctx context.Context, p Pair) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pairs (symbol, base_token, quote_token, min_qty, qty_scale, active, venue_backed, venue_symbol, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (symbol) DO UPDATE
		SET base_token = EXCLUDED.base_token,
			quote_token = EXCLUDED.quote_token,
			min_qty = EXCLUDED.min_qty,
			qty_scale = EXCLUDED.qty_scale,
			active = EXCLUDED.active,
			venue_backed = EXCLUDED.venue_backed,
			venue_symbol = EXCLUDED.venue_symbol
	`, p.Symbol, p.BaseToken, p.QuoteToken, p.MinQty.String(), p.QtyScale, p.Active, p.VenueBacked, p.VenueSymbol, p.CreatedAt)
	return err
}

func (s *Store) GetPair(ctx context.Context, symbol string) (*Pair, error) {
	return s.reader().GetPair(ctx, symbol)
}

func (s *Store) ListPairs(ctx context.Context) ([]Pair, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pairColumns+` FROM pairs ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pairs := make([]Pair, 0)
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, *p)
	}
	return pairs, rows.Err()
}

func (s *Store) GetBalance(ctx context.Context, wallet, token string) (Balance, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx, `SELECT `+balanceColumns+` FROM balances WHERE wallet = $1 AND token = $2`, wallet, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{Wallet: wallet, Token: token, Available: decimal.Zero, Locked: decimal.Zero}, nil
		}
		return Balance{}, err
	}
	return *b, nil
}

func (s *Store) ListBalances(ctx context.Context, wallet string) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+balanceColumns+` FROM balances WHERE wallet = $1 ORDER BY token`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make([]Balance, 0)
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, *b)
	}
	return balances, rows.Err()
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.reader().GetOrder(ctx, id)
}

func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, int, error) {
	limit := clampLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := ` WHERE TRUE`
	args := []any{}
	for _, cond := range []struct {
		column string
		value  string
	}{
		{"wallet", filter.Wallet},
		{"pair", filter.Pair},
		{"status", filter.Status},
	} {
		if cond.value == "" {
			continue
		}
		args = append(args, cond.value)
		where += fmt.Sprintf(` AND %s = $%d`, cond.column, len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + orderColumns + ` FROM orders` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	orders := make([]Order, 0, limit)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *Store) RestingOrders(ctx context.Context, pair, side string) ([]Order, error) {
	return s.reader().RestingOrders(ctx, pair, side)
}

func (s *Store) ListTrades(ctx context.Context, pair string, limit, offset int) ([]Trade, int, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM trades WHERE pair = $1`, pair).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE pair = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`, pair, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	trades := make([]Trade, 0, limit)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, 0, err
		}
		trades = append(trades, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return trades, total, nil
}

func (s *Store) TradeStats(ctx context.Context, pair string) (TradeStats, error) {
	stats := TradeStats{Pair: pair}
	var base, quote, high, low string
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*),
			COALESCE(sum(quantity), 0)::text,
			COALESCE(sum(total), 0)::text,
			COALESCE(max(price), 0)::text,
			COALESCE(min(price), 0)::text
		FROM trades
		WHERE pair = $1
	`, pair).Scan(&stats.Count, &base, &quote, &high, &low); err != nil {
		return TradeStats{}, err
	}
	if err := parseDecimals(map[string]decimalField{
		"base volume":  {base, &stats.BaseVolume},
		"quote volume": {quote, &stats.QuoteVolume},
		"high":         {high, &stats.High},
		"low":          {low, &stats.Low},
	}); err != nil {
		return TradeStats{}, err
	}

	last, ok, err := s.reader().LastTradePrice(ctx, pair)
	if err != nil {
		return TradeStats{}, err
	}
	if ok {
		stats.LastPrice = last
	}
	return stats, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	return s.reader().GetWithdrawal(ctx, id)
}

func (s *Store) GetDeposit(ctx context.Context, txHash string) (*Deposit, error) {
	return s.reader().GetDeposit(ctx, txHash)
}

func (s *Store) ListVenueOrders(ctx context.Context, status string, before time.Time) ([]VenueOrder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+venueColumns+`
		FROM venue_orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
	`, status, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]VenueOrder, 0)
	for rows.Next() {
		v, err := scanVenueOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

const balanceColumns = `wallet, token, available::text, locked::text, updated_at`

const pairColumns = `symbol, base_token, quote_token, min_qty::text, qty_scale, active, venue_backed, venue_symbol, created_at`

const orderColumns = `id, wallet, pair, side, order_type, price::text, quantity::text, filled::text, lock_token, locked::text,
	status, created_at, updated_at`

const tradeColumns = `id, pair, buy_order_id, sell_order_id, buyer_wallet, seller_wallet, maker_side,
	price::text, quantity::text, total::text, buyer_fee::text, seller_fee::text, executed_at`

const withdrawalColumns = `id, wallet, token, amount::text, destination, status, reason, created_at, updated_at`

const venueColumns = `id, wallet, pair, side, quantity::text, lock_token, locked::text, status, venue_order_id,
	executed_qty::text, executed_price::text, user_price::text, spread_fee::text, platform_fee::text, received::text,
	error, created_at, updated_at`

// pgTx implements Tx on a pgx transaction. The store also uses it over the
// pool for single-statement reads.
type pgTx struct {
	q   dbtx
	now func() time.Time
}

func (t *pgTx) AdjustBalance(ctx context.Context, wallet, token string, available, locked decimal.Decimal) (*Balance, error) {
	row := t.q.QueryRow(ctx, `
		INSERT INTO balances (wallet, token, available, locked, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (wallet, token) DO UPDATE
		SET available = balances.available + EXCLUDED.available,
			locked = balances.locked + EXCLUDED.locked,
			updated_at = EXCLUDED.updated_at
		WHERE balances.available + EXCLUDED.available >= 0
			AND balances.locked + EXCLUDED.locked >= 0
		RETURNING `+balanceColumns,
		wallet, token, available.String(), locked.String(), t.now())
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isCheckViolation(err) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}
	return b, nil
}

func (t *pgTx) GetPair(ctx context.Context, symbol string) (*Pair, error) {
	p, err := scanPair(t.q.QueryRow(ctx, `SELECT `+pairColumns+` FROM pairs WHERE symbol = $1`, symbol))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o Order) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orders (id, wallet, pair, side, order_type, price, quantity, filled, lock_token, locked, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, o.ID, o.Wallet, o.Pair, o.Side, o.Type, o.Price.String(), o.Quantity.String(), o.Filled.String(),
		o.LockToken, o.Locked.String(), o.Status, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(t.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o Order) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE orders
		SET filled = $2, locked = $3, status = $4, updated_at = $5
		WHERE id = $1
	`, o.ID, o.Filled.String(), o.Locked.String(), o.Status, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) RestingOrders(ctx context.Context, pair, side string) ([]Order, error) {
	priceOrder := "price ASC"
	if side == SideBuy {
		priceOrder = "price DESC"
	}
	rows, err := t.q.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE pair = $1 AND side = $2 AND order_type = 'limit' AND status IN ('open', 'partial')
		ORDER BY `+priceOrder+`, created_at, id
	`, pair, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (t *pgTx) InsertTrade(ctx context.Context, tr Trade) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO trades (id, pair, buy_order_id, sell_order_id, buyer_wallet, seller_wallet, maker_side,
			price, quantity, total, buyer_fee, seller_fee, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, tr.ID, tr.Pair, tr.BuyOrderID, tr.SellOrderID, tr.BuyerWallet, tr.SellerWallet, tr.MakerSide,
		tr.Price.String(), tr.Quantity.String(), tr.Total.String(), tr.BuyerFee.String(), tr.SellerFee.String(), tr.ExecutedAt)
	return err
}

func (t *pgTx) LastTradePrice(ctx context.Context, pair string) (decimal.Decimal, bool, error) {
	var raw string
	err := t.q.QueryRow(ctx, `SELECT price::text FROM trades WHERE pair = $1 ORDER BY seq DESC LIMIT 1`, pair).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse last price: %w", err)
	}
	return price, true, nil
}

func (t *pgTx) InsertDeposit(ctx context.Context, d Deposit) (*Deposit, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO deposits (tx_hash, wallet, token, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_hash) DO NOTHING
	`, d.TxHash, d.Wallet, d.Token, d.Amount.String(), d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	return t.GetDeposit(ctx, d.TxHash)
}

func (t *pgTx) GetDeposit(ctx context.Context, txHash string) (*Deposit, error) {
	var d Deposit
	var amount string
	if err := t.q.QueryRow(ctx, `
		SELECT tx_hash, wallet, token, amount::text, created_at FROM deposits WHERE tx_hash = $1
	`, txHash).Scan(&d.TxHash, &d.Wallet, &d.Token, &amount, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse deposit amount: %w", err)
	}
	return &d, nil
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w Withdrawal) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO withdrawals (id, wallet, token, amount, destination, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, w.ID, w.Wallet, w.Token, w.Amount.String(), w.Destination, w.Status, w.Reason, w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	w, err := scanWithdrawal(t.q.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w Withdrawal, from string) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE withdrawals
		SET status = $2, reason = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`, w.ID, w.Status, w.Reason, w.UpdatedAt, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, t.q, `SELECT EXISTS (SELECT 1 FROM withdrawals WHERE id = $1)`, w.ID)
	}
	return nil
}

func (t *pgTx) InsertVenueOrder(ctx context.Context, v VenueOrder) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO venue_orders (id, wallet, pair, side, quantity, lock_token, locked, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, v.ID, v.Wallet, v.Pair, v.Side, v.Quantity.String(), v.LockToken, v.Locked.String(), v.Status, v.CreatedAt, v.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetVenueOrder(ctx context.Context, id uuid.UUID) (*VenueOrder, error) {
	v, err := scanVenueOrder(t.q.QueryRow(ctx, `SELECT `+venueColumns+` FROM venue_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (t *pgTx) UpdateVenueOrder(ctx context.Context, v VenueOrder, from string) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE venue_orders
		SET status = $2, venue_order_id = $3, executed_qty = $4, executed_price = $5, user_price = $6,
			spread_fee = $7, platform_fee = $8, received = $9, locked = $10, error = $11, updated_at = $12
		WHERE id = $1 AND status = $13
	`, v.ID, v.Status, v.VenueOrderID, v.ExecutedQty.String(), v.ExecutedPrice.String(), v.UserPrice.String(),
		v.SpreadFee.String(), v.PlatformFee.String(), v.Received.String(), v.Locked.String(), v.Error, v.UpdatedAt, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, t.q, `SELECT EXISTS (SELECT 1 FROM venue_orders WHERE id = $1)`, v.ID)
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

type decimalField struct {
	in  string
	out *decimal.Decimal
}

func parseDecimals(fields map[string]decimalField) error {
	for name, f := range fields {
		v, err := decimal.NewFromString(f.in)
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		*f.out = v
	}
	return nil
}

func scanBalance(row pgx.Row) (*Balance, error) {
	var b Balance
	var available, locked string
	if err := row.Scan(&b.Wallet, &b.Token, &available, &locked, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(map[string]decimalField{
		"available": {available, &b.Available},
		"locked":    {locked, &b.Locked},
	}); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanPair(row pgx.Row) (*Pair, error) {
	var p Pair
	var minQty string
	if err := row.Scan(&p.Symbol, &p.BaseToken, &p.QuoteToken, &minQty, &p.QtyScale, &p.Active, &p.VenueBacked, &p.VenueSymbol, &p.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.MinQty, err = decimal.NewFromString(minQty); err != nil {
		return nil, fmt.Errorf("parse min qty: %w", err)
	}
	return &p, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var price, qty, filled, locked string
	if err := row.Scan(&o.ID, &o.Wallet, &o.Pair, &o.Side, &o.Type, &price, &qty, &filled, &o.LockToken, &locked,
		&o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(map[string]decimalField{
		"price":    {price, &o.Price},
		"quantity": {qty, &o.Quantity},
		"filled":   {filled, &o.Filled},
		"locked":   {locked, &o.Locked},
	}); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanTrade(row pgx.Row) (*Trade, error) {
	var t Trade
	var price, qty, total, buyerFee, sellerFee string
	if err := row.Scan(&t.ID, &t.Pair, &t.BuyOrderID, &t.SellOrderID, &t.BuyerWallet, &t.SellerWallet, &t.MakerSide,
		&price, &qty, &total, &buyerFee, &sellerFee, &t.ExecutedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(map[string]decimalField{
		"price":      {price, &t.Price},
		"quantity":   {qty, &t.Quantity},
		"total":      {total, &t.Total},
		"buyer fee":  {buyerFee, &t.BuyerFee},
		"seller fee": {sellerFee, &t.SellerFee},
	}); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanWithdrawal(row pgx.Row) (*Withdrawal, error) {
	var w Withdrawal
	var amount string
	if err := row.Scan(&w.ID, &w.Wallet, &w.Token, &amount, &w.Destination, &w.Status, &w.Reason, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse withdrawal amount: %w", err)
	}
	return &w, nil
}

func scanVenueOrder(row pgx.Row) (*VenueOrder, error) {
	var v VenueOrder
	var qty, locked, execQty, execPrice, userPrice, spread, platform, received string
	if err := row.Scan(&v.ID, &v.Wallet, &v.Pair, &v.Side, &qty, &v.LockToken, &locked, &v.Status, &v.VenueOrderID,
		&execQty, &execPrice, &userPrice, &spread, &platform, &received, &v.Error, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(map[string]decimalField{
		"quantity":       {qty, &v.Quantity},
		"locked":         {locked, &v.Locked},
		"executed qty":   {execQty, &v.ExecutedQty},
		"executed price": {execPrice, &v.ExecutedPrice},
		"user price":     {userPrice, &v.UserPrice},
		"spread fee":     {spread, &v.SpreadFee},
		"platform fee":   {platform, &v.PlatformFee},
		"received":       {received, &v.Received},
	}); err != nil {
		return nil, err
	}
	return &v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}
