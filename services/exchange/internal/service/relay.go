package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/libs/notify"
	"github.com/Chrissou78/rwa-trade-core/libs/trace"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/venue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type VenueClient interface {
	Ticker(ctx context.Context, symbol string) (venue.Ticker, error)
	ExecuteMarketOrder(ctx context.Context, order venue.MarketOrder) (*venue.Execution, error)
	LookupOrder(ctx context.Context, symbol, linkID string) (*venue.Execution, error)
}

// relay executes a market order on the external venue. The lock and a
// pending record commit before the venue is called, so a crash between the
// two leaves a record the reconciler can resolve.
func (s *OrderService) relay(ctx context.Context, caller string, pair *storage.Pair, side string, qty decimal.Decimal) (*storage.VenueOrder, error) {
	if s.venue == nil {
		return nil, apperr.Upstream(errors.New("venue client not configured"), "venue unavailable for %s", pair.Symbol)
	}
	ctx, end := trace.Span(ctx, tracerName, "OrderService.Relay",
		attribute.String("order.pair", pair.Symbol), attribute.String("order.side", side))
	var spanErr error
	defer func() { end(spanErr) }()

	symbol := venueSymbol(pair)
	now := s.now()
	rec := storage.VenueOrder{
		ID:        uuid.New(),
		Wallet:    caller,
		Pair:      pair.Symbol,
		Side:      side,
		Quantity:  qty,
		LockToken: pair.BaseToken,
		Locked:    qty,
		Status:    storage.VenueOrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if side == storage.SideBuy {
		ticker, err := s.venue.Ticker(ctx, symbol)
		if err != nil {
			spanErr = err
			return nil, apperr.Upstream(err, "venue price unavailable for %s", pair.Symbol)
		}
		ref := ticker.Ask
		if !ref.IsPositive() {
			ref = ticker.Last
		}
		// The lock covers the slippage allowance, the spread markup and the
		// flat fee on top of the quoted notional.
		notional := qty.Mul(ref)
		rec.LockToken = pair.QuoteToken
		rec.Locked = notional.Add(bps(notional, s.cfg.SlippageBps+s.cfg.Relay.SpreadBps)).Add(s.cfg.Relay.FlatFee)
	}

	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := adjustBalance(ctx, tx, caller, rec.LockToken, rec.Locked.Neg(), rec.Locked); err != nil {
			return err
		}
		if err := tx.InsertVenueOrder(ctx, rec); err != nil {
			return fmt.Errorf("insert venue order: %w", err)
		}
		return nil
	})
	if err != nil {
		spanErr = err
		return nil, err
	}

	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Relay.Timeout)
	defer cancel()
	exec, err := s.venue.ExecuteMarketOrder(vctx, venue.MarketOrder{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		LinkID:   rec.ID.String(),
	})
	if err != nil {
		spanErr = err
		if errors.Is(err, venue.ErrRejected) {
			if _, rerr := s.releaseVenueOrder(ctx, rec.ID, err.Error()); rerr != nil {
				s.logger.Error("release rejected venue order", "venue_order_id", rec.ID, "error", rerr)
			}
			return nil, apperr.Upstream(err, "venue rejected the order").WithDetail("venue_order_id", rec.ID.String())
		}
		s.metrics.IncVenue(pair.Symbol, storage.VenueOrderPending)
		s.logger.Warn("venue order unresolved", "venue_order_id", rec.ID, "pair", pair.Symbol, "error", err)
		return nil, apperr.Upstream(err, "venue order is pending reconciliation").WithDetail("venue_order_id", rec.ID.String())
	}

	settled, err := s.settleVenueOrder(ctx, rec.ID, exec)
	if err != nil {
		spanErr = err
		return nil, err
	}
	return settled, nil
}

// settleVenueOrder books an execution against a pending record. The user
// price is the venue price moved against the user by the spread; the
// spread and the flat fee are platform revenue credited to the fee wallet.
// A buy never consumes more than its lock.
func (s *OrderService) settleVenueOrder(ctx context.Context, id uuid.UUID, exec *venue.Execution) (*storage.VenueOrder, error) {
	var out storage.VenueOrder
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		rec, err := tx.GetVenueOrder(ctx, id)
		if err != nil {
			return fmt.Errorf("get venue order: %w", err)
		}
		if rec.Status != storage.VenueOrderPending {
			return apperr.Conflict("venue order %s is already %s", id, rec.Status)
		}
		pair, err := tx.GetPair(ctx, rec.Pair)
		if err != nil {
			return fmt.Errorf("get pair: %w", err)
		}

		qty := decimal.Min(exec.ExecutedQty, rec.Quantity)
		price := exec.ExecutedPrice
		venueValue := qty.Mul(price)
		flat := s.cfg.Relay.FlatFee

		var revenue decimal.Decimal
		if rec.Side == storage.SideBuy {
			rec.UserPrice = price.Add(bps(price, s.cfg.Relay.SpreadBps))
			charge := qty.Mul(rec.UserPrice).Add(flat)
			if charge.GreaterThan(rec.Locked) {
				s.logger.Warn("venue fill exceeded lock", "venue_order_id", id, "charge", charge, "locked", rec.Locked)
				charge = rec.Locked
			}
			if _, err := adjustBalance(ctx, tx, rec.Wallet, pair.QuoteToken, rec.Locked.Sub(charge), rec.Locked.Neg()); err != nil {
				return err
			}
			if _, err := adjustBalance(ctx, tx, rec.Wallet, pair.BaseToken, qty, decimal.Zero); err != nil {
				return err
			}
			rec.Received = qty
			revenue = charge.Sub(venueValue)
		} else {
			rec.UserPrice = price.Sub(bps(price, s.cfg.Relay.SpreadBps))
			proceeds := decimal.Max(qty.Mul(rec.UserPrice).Sub(flat), decimal.Zero)
			if _, err := adjustBalance(ctx, tx, rec.Wallet, pair.BaseToken, rec.Locked.Sub(qty), rec.Locked.Neg()); err != nil {
				return err
			}
			if proceeds.IsPositive() {
				if _, err := adjustBalance(ctx, tx, rec.Wallet, pair.QuoteToken, proceeds, decimal.Zero); err != nil {
					return err
				}
			}
			rec.Received = proceeds
			revenue = venueValue.Sub(proceeds)
		}
		if revenue.IsPositive() && s.cfg.Fees.Wallet != "" {
			if _, err := adjustBalance(ctx, tx, s.cfg.Fees.Wallet, pair.QuoteToken, revenue, decimal.Zero); err != nil {
				return err
			}
		}

		rec.Status = storage.VenueOrderSettled
		rec.VenueOrderID = exec.OrderID
		rec.ExecutedQty = qty
		rec.ExecutedPrice = price
		rec.SpreadFee = qty.Mul(rec.UserPrice.Sub(price)).Abs()
		rec.PlatformFee = flat
		rec.Locked = decimal.Zero
		rec.UpdatedAt = s.now()
		if err := tx.UpdateVenueOrder(ctx, *rec, storage.VenueOrderPending); err != nil {
			if errors.Is(err, storage.ErrStale) {
				return apperr.Conflict("venue order %s changed concurrently", id)
			}
			return fmt.Errorf("update venue order: %w", err)
		}
		out = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncVenue(out.Pair, storage.VenueOrderSettled)
	s.logger.Info("venue order settled", "venue_order_id", out.ID, "pair", out.Pair, "side", out.Side,
		"executed_qty", out.ExecutedQty, "user_price", out.UserPrice)
	s.notify(ctx, notify.Notification{
		Recipient: out.Wallet,
		Type:      "order_filled",
		Title:     "Market order executed",
		Message:   fmt.Sprintf("Your %s of %s %s executed at %s.", out.Side, out.ExecutedQty, out.Pair, out.UserPrice),
		Data: map[string]any{
			"venue_order_id": out.ID.String(),
			"pair":           out.Pair,
			"executed_qty":   out.ExecutedQty.String(),
			"user_price":     out.UserPrice.String(),
		},
		Priority: notify.PriorityMedium,
	})
	return &out, nil
}

// releaseVenueOrder returns the lock of a pending record that the venue
// never executed and marks it failed.
func (s *OrderService) releaseVenueOrder(ctx context.Context, id uuid.UUID, reason string) (*storage.VenueOrder, error) {
	var out storage.VenueOrder
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		rec, err := tx.GetVenueOrder(ctx, id)
		if err != nil {
			return fmt.Errorf("get venue order: %w", err)
		}
		if rec.Status != storage.VenueOrderPending {
			return apperr.Conflict("venue order %s is already %s", id, rec.Status)
		}
		if rec.Locked.IsPositive() {
			if _, err := adjustBalance(ctx, tx, rec.Wallet, rec.LockToken, rec.Locked, rec.Locked.Neg()); err != nil {
				return err
			}
		}
		rec.Status = storage.VenueOrderFailed
		rec.Error = reason
		rec.Locked = decimal.Zero
		rec.UpdatedAt = s.now()
		if err := tx.UpdateVenueOrder(ctx, *rec, storage.VenueOrderPending); err != nil {
			if errors.Is(err, storage.ErrStale) {
				return apperr.Conflict("venue order %s changed concurrently", id)
			}
			return fmt.Errorf("update venue order: %w", err)
		}
		out = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncVenue(out.Pair, storage.VenueOrderFailed)
	s.logger.Info("venue order released", "venue_order_id", out.ID, "pair", out.Pair, "reason", reason)
	return &out, nil
}

// ReconcilePending resolves venue orders left pending for longer than the
// grace period: executed orders are settled, orders the venue never saw or
// closed without a fill are released, and orders still working are left
// for the next pass. It returns the number of records resolved.
func (s *OrderService) ReconcilePending(ctx context.Context) (int, error) {
	if s.venue == nil {
		return 0, nil
	}
	pending, err := s.store.ListVenueOrders(ctx, storage.VenueOrderPending, s.now().Add(-s.cfg.Relay.Grace))
	if err != nil {
		return 0, fmt.Errorf("list pending venue orders: %w", err)
	}

	resolved := 0
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		outcome, err := s.reconcileOne(ctx, rec)
		if err != nil {
			s.metrics.IncReconciled("error")
			s.logger.Error("reconcile venue order", "venue_order_id", rec.ID, "error", err)
			continue
		}
		s.metrics.IncReconciled(outcome)
		if outcome != "pending" {
			resolved++
		}
	}
	return resolved, nil
}

func (s *OrderService) reconcileOne(ctx context.Context, rec storage.VenueOrder) (string, error) {
	pair, err := s.pairs.GetPair(ctx, rec.Pair)
	if err != nil {
		return "", fmt.Errorf("get pair %s: %w", rec.Pair, err)
	}
	exec, err := s.venue.LookupOrder(ctx, venueSymbol(pair), rec.ID.String())
	switch {
	case errors.Is(err, venue.ErrOrderNotFound):
		if _, err := s.releaseVenueOrder(ctx, rec.ID, "order not found on venue"); err != nil {
			return "", err
		}
		return "released", nil
	case err != nil:
		return "", err
	case !exec.Terminal():
		return "pending", nil
	case exec.ExecutedQty.IsPositive() && exec.ExecutedPrice.IsPositive():
		if _, err := s.settleVenueOrder(ctx, rec.ID, exec); err != nil {
			return "", err
		}
		return "settled", nil
	default:
		if _, err := s.releaseVenueOrder(ctx, rec.ID, "venue closed the order as "+exec.Status); err != nil {
			return "", err
		}
		return "released", nil
	}
}

// RunReconciler calls ReconcilePending every interval until ctx is done.
func (s *OrderService) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.ReconcilePending(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("venue reconciliation failed", "error", err)
		} else if n > 0 {
			s.logger.Info("venue orders reconciled", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func venueSymbol(pair *storage.Pair) string {
	if pair.VenueSymbol != "" {
		return pair.VenueSymbol
	}
	return strings.ReplaceAll(pair.Symbol, "-", "")
}
