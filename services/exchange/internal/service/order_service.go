package service

import (
	"context"
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
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/engine"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultDepthLevels = 20
	maxDepthLevels     = 100

	// amountScale is the decimal scale of every stored amount.
	amountScale = 18
)

type Topics struct {
	Trades string
}

// Fees configures trading fees. Rates are basis points of the amount each
// side receives. No fee is charged when Wallet is empty.
type Fees struct {
	Wallet   string
	MakerBps int64
	TakerBps int64
}

// RelayConfig governs market orders on venue-backed pairs.
type RelayConfig struct {
	SpreadBps int64
	FlatFee   decimal.Decimal
	Timeout   time.Duration
	Grace     time.Duration
}

type OrderConfig struct {
	Fees        Fees
	SlippageBps int64
	Relay       RelayConfig
	Topics      Topics
}

type OrderStore interface {
	InTx(ctx context.Context, fn func(storage.Tx) error) error
	InPairTx(ctx context.Context, pair string, fn func(storage.Tx) error) error
	GetOrder(ctx context.Context, id uuid.UUID) (*storage.Order, error)
	ListOrders(ctx context.Context, filter storage.OrderFilter) ([]storage.Order, int, error)
	RestingOrders(ctx context.Context, pair, side string) ([]storage.Order, error)
	ListTrades(ctx context.Context, pair string, limit, offset int) ([]storage.Trade, int, error)
	TradeStats(ctx context.Context, pair string) (storage.TradeStats, error)
	ListVenueOrders(ctx context.Context, status string, before time.Time) ([]storage.VenueOrder, error)
}

// PairSource resolves trading pairs. Both stores and pairs.Cache satisfy it.
type PairSource interface {
	GetPair(ctx context.Context, symbol string) (*storage.Pair, error)
}

// OrderService places and cancels orders. Each placement runs one matching
// pass inside a single store transaction that holds the pair lock, so the
// order, its trades and every balance movement commit together.
type OrderService struct {
	store    OrderStore
	pairs    PairSource
	venue    VenueClient
	notifier notify.Dispatcher
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	cfg      OrderConfig
	now      func() time.Time
}

type PlaceOrderInput struct {
	CallerWallet string
	Pair         string `validate:"required,max=32"`
	Side         string `validate:"required,oneof=buy sell"`
	Type         string `validate:"required,oneof=limit market"`
	Price        decimal.Decimal
	Quantity     decimal.Decimal
}

// PlaceOrderResult carries either a book order with its trades or, for
// market orders on venue-backed pairs, the relayed venue order.
type PlaceOrderResult struct {
	Order      *storage.Order
	Trades     []storage.Trade
	VenueOrder *storage.VenueOrder
}

type ListOrdersInput struct {
	CallerWallet string
	Pair         string
	Status       string `validate:"omitempty,oneof=open partial filled cancelled"`
	Limit        int
	Offset       int
}

type Depth struct {
	Pair string
	Bids []engine.Level
	Asks []engine.Level
}

func NewOrderService(store OrderStore, pairs PairSource, venue VenueClient, notifier notify.Dispatcher, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, cfg OrderConfig) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	if addr, err := wallet.Normalize(cfg.Fees.Wallet); err == nil {
		cfg.Fees.Wallet = addr
	}
	if cfg.Fees.Wallet == "" {
		cfg.Fees.MakerBps, cfg.Fees.TakerBps = 0, 0
	}
	if cfg.Relay.Timeout <= 0 {
		cfg.Relay.Timeout = 30 * time.Second
	}
	if cfg.Relay.Grace <= 0 {
		cfg.Relay.Grace = time.Minute
	}
	return &OrderService{
		store:    store,
		pairs:    pairs,
		venue:    venue,
		notifier: notifier,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *OrderService) PlaceOrder(ctx context.Context, input PlaceOrderInput) (*PlaceOrderResult, error) {
	caller, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, s.fail("place", err)
	}
	input.Pair = strings.ToUpper(strings.TrimSpace(input.Pair))
	input.Side = strings.ToLower(strings.TrimSpace(input.Side))
	input.Type = strings.ToLower(strings.TrimSpace(input.Type))
	if err := validate.Struct(input); err != nil {
		return nil, s.fail("place", validationError(err))
	}
	if err := positive("quantity", input.Quantity); err != nil {
		return nil, s.fail("place", err)
	}
	switch input.Type {
	case storage.TypeLimit:
		if err := positive("price", input.Price); err != nil {
			return nil, s.fail("place", err)
		}
	case storage.TypeMarket:
		if !input.Price.IsZero() {
			return nil, s.fail("place", apperr.Validation("market orders do not take a price").WithDetail("field", "price"))
		}
	}

	pair, err := s.pair(ctx, input.Pair)
	if err != nil {
		return nil, s.fail("place", err)
	}
	if !pair.Active {
		return nil, s.fail("place", apperr.Validation("pair %s is not trading", pair.Symbol).WithDetail("field", "pair"))
	}
	if input.Quantity.LessThan(pair.MinQty) {
		return nil, s.fail("place", apperr.Validation("quantity is below the minimum of %s", pair.MinQty).
			WithDetail("field", "quantity").
			WithDetail("min_qty", pair.MinQty.String()))
	}
	if !input.Quantity.Equal(input.Quantity.Truncate(pair.QtyScale)) {
		return nil, s.fail("place", apperr.Validation("quantity has more than %d decimals", pair.QtyScale).WithDetail("field", "quantity"))
	}
	// A price may only be as precise as lets price * quantity fit the
	// stored scale.
	if priceScale := amountScale - pair.QtyScale; input.Type == storage.TypeLimit && !input.Price.Equal(input.Price.Truncate(priceScale)) {
		return nil, s.fail("place", apperr.Validation("price has more than %d decimals", priceScale).WithDetail("field", "price"))
	}

	if pair.VenueBacked && input.Type == storage.TypeMarket {
		vo, err := s.relay(ctx, caller, pair, input.Side, input.Quantity)
		if err != nil {
			return nil, s.fail("place", err)
		}
		return &PlaceOrderResult{VenueOrder: vo}, nil
	}
	return s.placeOnBook(ctx, caller, pair, input)
}

func (s *OrderService) placeOnBook(ctx context.Context, caller string, pair *storage.Pair, input PlaceOrderInput) (*PlaceOrderResult, error) {
	ctx, end := trace.Span(ctx, tracerName, "OrderService.PlaceOrder",
		attribute.String("order.pair", pair.Symbol), attribute.String("order.side", input.Side), attribute.String("order.type", input.Type))
	var spanErr error
	defer func() { end(spanErr) }()

	now := s.now()
	order := storage.Order{
		ID:        uuid.New(),
		Wallet:    caller,
		Pair:      pair.Symbol,
		Side:      input.Side,
		Type:      input.Type,
		Price:     input.Price,
		Quantity:  input.Quantity,
		Filled:    decimal.Zero,
		Status:    storage.OrderOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	started := time.Now()
	var (
		trades []storage.Trade
		makers []storage.Order
	)
	err := s.store.InPairTx(ctx, pair.Symbol, func(tx storage.Tx) error {
		trades, makers = nil, nil
		resting, err := tx.RestingOrders(ctx, pair.Symbol, oppositeSide(order.Side))
		if err != nil {
			return fmt.Errorf("load resting orders: %w", err)
		}
		if err := s.reserve(ctx, tx, pair, &order, resting); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		fills, err := match(pair, &order, resting)
		if err != nil {
			return err
		}
		byID := make(map[string]*storage.Order, len(resting))
		for i := range resting {
			byID[resting[i].ID.String()] = &resting[i]
		}
		for _, f := range fills {
			maker, ok := byID[f.MakerOrderID]
			if !ok {
				return fmt.Errorf("fill references unknown maker %s", f.MakerOrderID)
			}
			trade, err := s.settleFill(ctx, tx, pair, &order, maker, f, now)
			if err != nil {
				return err
			}
			trades = append(trades, trade)
			makers = append(makers, *maker)
		}
		for i := range makers {
			if err := closeOut(ctx, tx, pair, &makers[i], now); err != nil {
				return err
			}
		}
		return closeOut(ctx, tx, pair, &order, now)
	})
	if err != nil {
		spanErr = err
		return nil, s.fail("place", err)
	}

	s.metrics.ObserveMatch(pair.Symbol, time.Since(started))
	s.metrics.IncPlaced(pair.Symbol, order.Side, order.Type)
	s.metrics.AddTrades(pair.Symbol, len(trades))
	if order.Type == storage.TypeMarket && order.Status == storage.OrderCancelled {
		s.metrics.IncCancelled("market_remainder")
	}
	s.logger.Info("order placed", "order_id", order.ID, "pair", pair.Symbol, "side", order.Side, "type", order.Type,
		"status", order.Status, "trades", len(trades))

	for _, t := range trades {
		s.publishTrade(ctx, t)
	}
	s.notifyFills(ctx, order, makers, trades)
	return &PlaceOrderResult{Order: &order, Trades: trades}, nil
}

// reserve takes the order's lock: base for sells, quote for buys. A limit
// buy locks quantity * price. A market buy locks what filling its quantity
// against the resting asks would cost, plus the slippage allowance.
func (s *OrderService) reserve(ctx context.Context, tx storage.Tx, pair *storage.Pair, order *storage.Order, asks []storage.Order) error {
	switch {
	case order.Side == storage.SideSell:
		order.LockToken, order.Locked = pair.BaseToken, order.Quantity
	case order.Type == storage.TypeLimit:
		order.LockToken, order.Locked = pair.QuoteToken, order.Quantity.Mul(order.Price)
	default:
		notional, err := s.marketBuyCost(ctx, tx, pair, order.Quantity, asks)
		if err != nil {
			return err
		}
		order.LockToken, order.Locked = pair.QuoteToken, notional.Add(bps(notional, s.cfg.SlippageBps))
	}
	_, err := adjustBalance(ctx, tx, order.Wallet, order.LockToken, order.Locked.Neg(), order.Locked)
	return err
}

// marketBuyCost walks the asks best first and sums the maker price of each
// unit taken. Quantity beyond the book is priced at the deepest ask, or at
// the last trade when the book is empty.
func (s *OrderService) marketBuyCost(ctx context.Context, tx storage.Tx, pair *storage.Pair, qty decimal.Decimal, asks []storage.Order) (decimal.Decimal, error) {
	cost, left := decimal.Zero, qty
	for _, ask := range asks {
		if !left.IsPositive() {
			return cost, nil
		}
		take := decimal.Min(left, ask.Remaining())
		if !take.IsPositive() {
			continue
		}
		cost = cost.Add(take.Mul(ask.Price))
		left = left.Sub(take)
	}
	if !left.IsPositive() {
		return cost, nil
	}
	if len(asks) > 0 {
		return cost.Add(left.Mul(asks[len(asks)-1].Price)), nil
	}
	last, ok, err := tx.LastTradePrice(ctx, pair.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("last trade price: %w", err)
	}
	if !ok {
		return decimal.Zero, apperr.Validation("no reference price for a market buy on %s", pair.Symbol).WithDetail("field", "pair")
	}
	return cost.Add(left.Mul(last)), nil
}

func match(pair *storage.Pair, order *storage.Order, resting []storage.Order) ([]engine.Fill, error) {
	snapshot := make([]*engine.Order, 0, len(resting))
	for i := range resting {
		snapshot = append(snapshot, toEngine(&resting[i]))
	}
	book, err := engine.FromSnapshot(pair.Symbol, pair.QtyScale, snapshot)
	if err != nil {
		return nil, fmt.Errorf("build book: %w", err)
	}
	incoming := toEngine(order)
	if order.Type == storage.TypeMarket && order.Side == storage.SideBuy {
		incoming.Budget = order.Locked
	}
	fills, err := book.Match(incoming)
	if err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}
	return fills, nil
}

// settleFill moves funds for one fill. The buyer pays from locked quote and
// receives base less its fee; a limit buyer gets back the difference
// between its limit and the fill price. The seller pays from locked base
// and receives quote less its fee. Fees go to the fee wallet.
func (s *OrderService) settleFill(ctx context.Context, tx storage.Tx, pair *storage.Pair, taker, maker *storage.Order, f engine.Fill, at time.Time) (storage.Trade, error) {
	buy, sell := taker, maker
	if taker.Side == storage.SideSell {
		buy, sell = maker, taker
	}
	qty := f.Quantity
	total := f.Price.Mul(qty)

	buyerBps, sellerBps := s.cfg.Fees.TakerBps, s.cfg.Fees.MakerBps
	if f.MakerSide == storage.SideBuy {
		buyerBps, sellerBps = s.cfg.Fees.MakerBps, s.cfg.Fees.TakerBps
	}
	buyerFee := bps(qty, buyerBps)
	sellerFee := bps(total, sellerBps)

	consumed, refund := total, decimal.Zero
	if buy.Type == storage.TypeLimit {
		consumed = qty.Mul(buy.Price)
		refund = consumed.Sub(total)
	}

	moves := []struct {
		wallet, token     string
		available, locked decimal.Decimal
	}{
		{buy.Wallet, pair.QuoteToken, refund, consumed.Neg()},
		{buy.Wallet, pair.BaseToken, qty.Sub(buyerFee), decimal.Zero},
		{sell.Wallet, pair.BaseToken, decimal.Zero, qty.Neg()},
		{sell.Wallet, pair.QuoteToken, total.Sub(sellerFee), decimal.Zero},
		{s.cfg.Fees.Wallet, pair.BaseToken, buyerFee, decimal.Zero},
		{s.cfg.Fees.Wallet, pair.QuoteToken, sellerFee, decimal.Zero},
	}
	for _, m := range moves {
		if m.available.IsZero() && m.locked.IsZero() {
			continue
		}
		if _, err := adjustBalance(ctx, tx, m.wallet, m.token, m.available, m.locked); err != nil {
			return storage.Trade{}, err
		}
	}

	buy.Filled, buy.Locked = buy.Filled.Add(qty), buy.Locked.Sub(consumed)
	sell.Filled, sell.Locked = sell.Filled.Add(qty), sell.Locked.Sub(qty)

	trade := storage.Trade{
		ID:           uuid.New(),
		Pair:         pair.Symbol,
		BuyOrderID:   buy.ID,
		SellOrderID:  sell.ID,
		BuyerWallet:  buy.Wallet,
		SellerWallet: sell.Wallet,
		MakerSide:    f.MakerSide,
		Price:        f.Price,
		Quantity:     qty,
		Total:        total,
		BuyerFee:     buyerFee,
		SellerFee:    sellerFee,
		ExecutedAt:   at,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return storage.Trade{}, fmt.Errorf("insert trade: %w", err)
	}
	return trade, nil
}

// closeOut sets the status after matching and releases any reservation the
// order no longer needs. A market remainder is cancelled.
func closeOut(ctx context.Context, tx storage.Tx, pair *storage.Pair, o *storage.Order, at time.Time) error {
	switch {
	case !o.Remaining().IsPositive():
		o.Status = storage.OrderFilled
	case o.Type == storage.TypeMarket:
		o.Status = storage.OrderCancelled
	case o.Filled.IsPositive():
		o.Status = storage.OrderPartial
	default:
		o.Status = storage.OrderOpen
	}
	if !o.Resting() && o.Locked.IsPositive() {
		if _, err := adjustBalance(ctx, tx, o.Wallet, o.LockToken, o.Locked, o.Locked.Neg()); err != nil {
			return err
		}
		o.Locked = decimal.Zero
	}
	o.UpdatedAt = at
	if err := tx.UpdateOrder(ctx, *o); err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return nil
}

// CancelOrder cancels a resting order of the caller and releases what is
// left of its reservation.
func (s *OrderService) CancelOrder(ctx context.Context, caller string, id uuid.UUID) (*storage.Order, error) {
	addr, err := callerWallet(caller)
	if err != nil {
		return nil, s.fail("cancel", err)
	}
	existing, err := s.loadOrder(ctx, id)
	if err != nil {
		return nil, s.fail("cancel", err)
	}

	ctx, end := trace.Span(ctx, tracerName, "OrderService.CancelOrder", attribute.String("order.id", id.String()))
	var spanErr error
	defer func() { end(spanErr) }()

	var out storage.Order
	err = s.store.InPairTx(ctx, existing.Pair, func(tx storage.Tx) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.NotFound("order %s not found", id)
			}
			return fmt.Errorf("get order: %w", err)
		}
		if o.Wallet != addr {
			return apperr.Forbidden("order belongs to another wallet")
		}
		if !o.Resting() {
			return apperr.InvalidTransition("order", o.Status, storage.OrderCancelled, nil)
		}
		if o.Locked.IsPositive() {
			if _, err := adjustBalance(ctx, tx, o.Wallet, o.LockToken, o.Locked, o.Locked.Neg()); err != nil {
				return err
			}
		}
		o.Locked = decimal.Zero
		o.Status = storage.OrderCancelled
		o.UpdatedAt = s.now()
		if err := tx.UpdateOrder(ctx, *o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		out = *o
		return nil
	})
	if err != nil {
		spanErr = err
		return nil, s.fail("cancel", err)
	}
	s.metrics.IncCancelled("user")
	s.logger.Info("order cancelled", "order_id", id, "pair", out.Pair, "wallet", addr)
	return &out, nil
}

func (s *OrderService) GetOrder(ctx context.Context, caller string, id uuid.UUID) (*storage.Order, error) {
	addr, err := callerWallet(caller)
	if err != nil {
		return nil, err
	}
	o, err := s.loadOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Wallet != addr {
		return nil, apperr.Forbidden("order belongs to another wallet")
	}
	return o, nil
}

func (s *OrderService) ListOrders(ctx context.Context, input ListOrdersInput) ([]storage.Order, int, error) {
	addr, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, 0, err
	}
	input.Status = strings.ToLower(strings.TrimSpace(input.Status))
	if err := validate.Struct(input); err != nil {
		return nil, 0, validationError(err)
	}
	orders, total, err := s.store.ListOrders(ctx, storage.OrderFilter{
		Wallet: addr,
		Pair:   strings.ToUpper(strings.TrimSpace(input.Pair)),
		Status: input.Status,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	return orders, total, nil
}

func (s *OrderService) ListTrades(ctx context.Context, symbol string, limit, offset int) ([]storage.Trade, int, error) {
	pair, err := s.pair(ctx, symbol)
	if err != nil {
		return nil, 0, err
	}
	trades, total, err := s.store.ListTrades(ctx, pair.Symbol, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list trades: %w", err)
	}
	return trades, total, nil
}

func (s *OrderService) TradeStats(ctx context.Context, symbol string) (storage.TradeStats, error) {
	pair, err := s.pair(ctx, symbol)
	if err != nil {
		return storage.TradeStats{}, err
	}
	stats, err := s.store.TradeStats(ctx, pair.Symbol)
	if err != nil {
		return storage.TradeStats{}, fmt.Errorf("trade stats: %w", err)
	}
	return stats, nil
}

// Depth aggregates the resting book of a pair into price levels, best
// first on each side.
func (s *OrderService) Depth(ctx context.Context, symbol string, levels int) (*Depth, error) {
	pair, err := s.pair(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if levels <= 0 {
		levels = defaultDepthLevels
	}
	if levels > maxDepthLevels {
		levels = maxDepthLevels
	}

	var snapshot []*engine.Order
	for _, side := range []string{storage.SideBuy, storage.SideSell} {
		resting, err := s.store.RestingOrders(ctx, pair.Symbol, side)
		if err != nil {
			return nil, fmt.Errorf("load %s orders: %w", side, err)
		}
		for i := range resting {
			snapshot = append(snapshot, toEngine(&resting[i]))
		}
	}
	book, err := engine.FromSnapshot(pair.Symbol, pair.QtyScale, snapshot)
	if err != nil {
		return nil, fmt.Errorf("build book: %w", err)
	}
	return &Depth{
		Pair: pair.Symbol,
		Bids: book.Levels(engine.SideBuy, levels),
		Asks: book.Levels(engine.SideSell, levels),
	}, nil
}

func (s *OrderService) pair(ctx context.Context, symbol string) (*storage.Pair, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperr.Validation("pair is required").WithDetail("field", "pair")
	}
	p, err := s.pairs.GetPair(ctx, symbol)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("pair %s not found", symbol)
		}
		return nil, fmt.Errorf("get pair: %w", err)
	}
	return p, nil
}

func (s *OrderService) loadOrder(ctx context.Context, id uuid.UUID) (*storage.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("order %s not found", id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *OrderService) fail(op string, err error) error {
	if kind, ok := apperr.KindOf(err); ok {
		s.metrics.IncError(op, string(kind))
		return err
	}
	s.logger.Error("order operation failed", "operation", op, "error", err)
	s.metrics.IncError(op, "internal")
	return fmt.Errorf("%s: %w", op, err)
}

func (s *OrderService) notify(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, n)
}

func (s *OrderService) notifyFills(ctx context.Context, taker storage.Order, makers []storage.Order, trades []storage.Trade) {
	if len(trades) == 0 {
		return
	}
	for _, o := range append([]storage.Order{taker}, makers...) {
		s.notify(ctx, notify.Notification{
			Recipient: o.Wallet,
			Type:      "order_filled",
			Title:     "Order filled",
			Message:   fmt.Sprintf("Your %s order on %s is %s (%s of %s).", o.Side, o.Pair, o.Status, o.Filled, o.Quantity),
			Data: map[string]any{
				"order_id": o.ID.String(),
				"pair":     o.Pair,
				"status":   o.Status,
				"filled":   o.Filled.String(),
			},
			Priority: notify.PriorityMedium,
		})
	}
}

// TradeEvent is the payload written to the trades topic.
type TradeEvent struct {
	kafka.Envelope
	TradeID      string `json:"trade_id"`
	Pair         string `json:"pair"`
	BuyOrderID   string `json:"buy_order_id"`
	SellOrderID  string `json:"sell_order_id"`
	BuyerWallet  string `json:"buyer_wallet"`
	SellerWallet string `json:"seller_wallet"`
	MakerSide    string `json:"maker_side"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	Total        string `json:"total"`
	BuyerFee     string `json:"buyer_fee"`
	SellerFee    string `json:"seller_fee"`
	ExecutedAt   string `json:"executed_at"`
}

func (s *OrderService) publishTrade(ctx context.Context, t storage.Trade) {
	if s.producer == nil || s.cfg.Topics.Trades == "" {
		return
	}
	env, err := kafka.NewFactEnvelope("trade.executed", "", t.ID.String())
	if err != nil {
		s.logger.Error("build trade event", "trade_id", t.ID, "error", err)
		return
	}
	event := TradeEvent{
		Envelope:     env,
		TradeID:      t.ID.String(),
		Pair:         t.Pair,
		BuyOrderID:   t.BuyOrderID.String(),
		SellOrderID:  t.SellOrderID.String(),
		BuyerWallet:  t.BuyerWallet,
		SellerWallet: t.SellerWallet,
		MakerSide:    t.MakerSide,
		Price:        t.Price.String(),
		Quantity:     t.Quantity.String(),
		Total:        t.Total.String(),
		BuyerFee:     t.BuyerFee.String(),
		SellerFee:    t.SellerFee.String(),
		ExecutedAt:   t.ExecutedAt.Format(time.RFC3339Nano),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.cfg.Topics.Trades, t.Pair, event); err != nil {
		s.logger.Error("publish trade event failed", "trade_id", t.ID, "error", err)
	}
}

func toEngine(o *storage.Order) *engine.Order {
	return &engine.Order{
		ID:        o.ID.String(),
		Wallet:    o.Wallet,
		Side:      o.Side,
		Type:      o.Type,
		Price:     o.Price,
		Quantity:  o.Quantity,
		Filled:    o.Filled,
		CreatedAt: o.CreatedAt,
	}
}

func oppositeSide(side string) string {
	if side == storage.SideBuy {
		return storage.SideSell
	}
	return storage.SideBuy
}
