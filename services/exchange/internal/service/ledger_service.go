package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/libs/chain"
	"github.com/Chrissou78/rwa-trade-core/libs/notify"
	"github.com/Chrissou78/rwa-trade-core/libs/trace"
	"github.com/Chrissou78/rwa-trade-core/libs/wallet"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const tracerName = "exchange"

type LedgerStore interface {
	InTx(ctx context.Context, fn func(storage.Tx) error) error
	GetBalance(ctx context.Context, wallet, token string) (storage.Balance, error)
	ListBalances(ctx context.Context, wallet string) ([]storage.Balance, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error)
	GetDeposit(ctx context.Context, txHash string) (*storage.Deposit, error)
}

// LedgerService owns the per-wallet available/locked balances. Every
// mutation is one conditional row update, so concurrent callers can never
// take a balance below zero.
type LedgerService struct {
	store    LedgerStore
	verifier chain.Verifier
	notifier notify.Dispatcher
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

type DepositInput struct {
	Wallet string
	Token  string
	Amount decimal.Decimal
	TxHash string
}

// DepositResult reports the credited balance. Replayed is true when the tx
// hash had already been credited with the same parameters.
type DepositResult struct {
	Balance  storage.Balance
	Replayed bool
}

type WithdrawalInput struct {
	CallerWallet string
	Token        string
	Amount       decimal.Decimal
	Destination  string
}

func NewLedgerService(store LedgerStore, verifier chain.Verifier, notifier notify.Dispatcher, logger *slog.Logger, metrics *Metrics) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = chain.NoopVerifier{}
	}
	return &LedgerService{
		store:    store,
		verifier: verifier,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Lock moves amount from available to locked.
func (s *LedgerService) Lock(ctx context.Context, addr, token string, amount decimal.Decimal) (*storage.Balance, error) {
	return s.adjust(ctx, "lock", addr, token, amount, func(amt decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
		return amt.Neg(), amt
	})
}

// Unlock moves amount from locked back to available.
func (s *LedgerService) Unlock(ctx context.Context, addr, token string, amount decimal.Decimal) (*storage.Balance, error) {
	return s.adjust(ctx, "unlock", addr, token, amount, func(amt decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
		return amt, amt.Neg()
	})
}

// Settle applies signed deltas to one balance row atomically.
func (s *LedgerService) Settle(ctx context.Context, addr, token string, lockedDelta, availableDelta decimal.Decimal) (*storage.Balance, error) {
	if lockedDelta.IsZero() && availableDelta.IsZero() {
		return nil, s.fail("settle", apperr.Validation("settlement deltas must not both be zero"))
	}
	addr, token, err := balanceKey(addr, token)
	if err != nil {
		return nil, s.fail("settle", err)
	}
	var out *storage.Balance
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := adjustBalance(ctx, tx, addr, token, availableDelta, lockedDelta)
		out = b
		return err
	})
	if err != nil {
		s.metrics.IncBalance("settle", "rejected")
		return nil, s.fail("settle", err)
	}
	s.metrics.IncBalance("settle", "success")
	return out, nil
}

func (s *LedgerService) adjust(ctx context.Context, op, addr, token string, amount decimal.Decimal, deltas func(decimal.Decimal) (decimal.Decimal, decimal.Decimal)) (*storage.Balance, error) {
	if err := positive("amount", amount); err != nil {
		return nil, s.fail(op, err)
	}
	addr, token, err := balanceKey(addr, token)
	if err != nil {
		return nil, s.fail(op, err)
	}
	available, locked := deltas(amount)

	var out *storage.Balance
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := adjustBalance(ctx, tx, addr, token, available, locked)
		out = b
		return err
	})
	if err != nil {
		s.metrics.IncBalance(op, "rejected")
		return nil, s.fail(op, err)
	}
	s.metrics.IncBalance(op, "success")
	return out, nil
}

// ConfirmDeposit credits an on-chain deposit once per tx hash.
func (s *LedgerService) ConfirmDeposit(ctx context.Context, input DepositInput) (*DepositResult, error) {
	if err := positive("amount", input.Amount); err != nil {
		return nil, s.fail("deposit", err)
	}
	addr, token, err := balanceKey(input.Wallet, input.Token)
	if err != nil {
		return nil, s.fail("deposit", err)
	}
	txHash, err := wallet.NormalizeTxHash(input.TxHash)
	if err != nil {
		return nil, s.fail("deposit", apperr.Validation("tx_hash is not a transaction hash").WithDetail("field", "tx_hash"))
	}
	if err := s.verifyTx(ctx, txHash); err != nil {
		return nil, s.fail("deposit", err)
	}

	ctx, end := trace.Span(ctx, tracerName, "LedgerService.ConfirmDeposit")
	var spanErr error
	defer func() { end(spanErr) }()

	deposit := storage.Deposit{TxHash: txHash, Wallet: addr, Token: token, Amount: input.Amount, CreatedAt: s.now()}
	result := &DepositResult{}
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		existing, err := tx.InsertDeposit(ctx, deposit)
		if err != nil {
			return err
		}
		if existing != nil {
			if !existing.Matches(deposit) {
				return apperr.Conflict("deposit %s was already credited with different parameters", txHash).
					WithDetail("tx_hash", txHash)
			}
			result.Replayed = true
			return nil
		}
		b, err := adjustBalance(ctx, tx, addr, token, input.Amount, decimal.Zero)
		if err != nil {
			return err
		}
		result.Balance = *b
		return nil
	})
	if err != nil {
		spanErr = err
		s.metrics.IncBalance("deposit", "rejected")
		return nil, s.fail("deposit", err)
	}

	if result.Replayed {
		s.metrics.IncBalance("deposit", "replayed")
		b, err := s.store.GetBalance(ctx, addr, token)
		if err != nil {
			return nil, fmt.Errorf("load balance: %w", err)
		}
		result.Balance = b
		return result, nil
	}

	s.metrics.IncBalance("deposit", "success")
	s.logger.Info("deposit credited", "wallet", addr, "token", token, "amount", input.Amount.String(), "tx_hash", txHash)
	s.notify(ctx, notify.Notification{
		Recipient: addr,
		Type:      "deposit_confirmed",
		Title:     "Deposit confirmed",
		Message:   fmt.Sprintf("%s %s has been credited to your account.", input.Amount, token),
		Data:      map[string]any{"token": token, "amount": input.Amount.String(), "tx_hash": txHash},
		Priority:  notify.PriorityMedium,
		ActionURL: "/wallet",
	})
	return result, nil
}

// RequestWithdrawal locks the amount and records a pending withdrawal in
// the same transaction.
func (s *LedgerService) RequestWithdrawal(ctx context.Context, input WithdrawalInput) (*storage.Withdrawal, error) {
	caller, err := callerWallet(input.CallerWallet)
	if err != nil {
		return nil, err
	}
	if err := positive("amount", input.Amount); err != nil {
		return nil, s.fail("withdraw", err)
	}
	token, err := normalizeToken(input.Token)
	if err != nil {
		return nil, s.fail("withdraw", err)
	}
	destination, err := wallet.Normalize(input.Destination)
	if err != nil {
		return nil, s.fail("withdraw", apperr.Validation("destination is not a valid address").WithDetail("field", "destination"))
	}

	now := s.now()
	w := storage.Withdrawal{
		ID:          uuid.New(),
		Wallet:      caller,
		Token:       token,
		Amount:      input.Amount,
		Destination: destination,
		Status:      storage.WithdrawalPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := adjustBalance(ctx, tx, caller, token, input.Amount.Neg(), input.Amount); err != nil {
			return err
		}
		return tx.InsertWithdrawal(ctx, w)
	})
	if err != nil {
		s.metrics.IncBalance("withdraw", "rejected")
		return nil, s.fail("withdraw", err)
	}

	s.metrics.IncBalance("withdraw", "requested")
	s.logger.Info("withdrawal requested", "withdrawal_id", w.ID, "wallet", caller, "token", token, "amount", input.Amount.String())
	s.notify(ctx, notify.Notification{
		Recipient: caller,
		Type:      "withdrawal_requested",
		Title:     "Withdrawal requested",
		Message:   fmt.Sprintf("Your withdrawal of %s %s is being processed.", input.Amount, token),
		Data:      map[string]any{"withdrawal_id": w.ID.String(), "token": token, "amount": input.Amount.String()},
		Priority:  notify.PriorityMedium,
		ActionURL: "/wallet",
	})
	return &w, nil
}

// CompleteWithdrawal debits the locked amount of a pending withdrawal.
func (s *LedgerService) CompleteWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	return s.finishWithdrawal(ctx, id, storage.WithdrawalCompleted, "")
}

// FailWithdrawal returns the locked amount of a pending withdrawal to
// available.
func (s *LedgerService) FailWithdrawal(ctx context.Context, id uuid.UUID, reason string) (*storage.Withdrawal, error) {
	return s.finishWithdrawal(ctx, id, storage.WithdrawalFailed, reason)
}

func (s *LedgerService) finishWithdrawal(ctx context.Context, id uuid.UUID, to, reason string) (*storage.Withdrawal, error) {
	var out storage.Withdrawal
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		w, err := tx.GetWithdrawal(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.NotFound("withdrawal %s not found", id)
			}
			return err
		}
		if w.Status != storage.WithdrawalPending {
			return apperr.InvalidTransition("withdrawal", w.Status, to, nil)
		}

		available := decimal.Zero
		if to == storage.WithdrawalFailed {
			available = w.Amount
		}
		if _, err := adjustBalance(ctx, tx, w.Wallet, w.Token, available, w.Amount.Neg()); err != nil {
			return err
		}

		next := *w
		next.Status = to
		next.Reason = reason
		next.UpdatedAt = s.now()
		if err := tx.UpdateWithdrawal(ctx, next, storage.WithdrawalPending); err != nil {
			if errors.Is(err, storage.ErrStale) {
				return apperr.Conflict("withdrawal %s changed concurrently", id)
			}
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, s.fail("withdraw_"+to, err)
	}

	s.metrics.IncBalance("withdraw", to)
	s.logger.Info("withdrawal finished", "withdrawal_id", id, "status", to, "reason", reason)
	title, priority := "Withdrawal completed", notify.PriorityMedium
	message := fmt.Sprintf("Your withdrawal of %s %s has been sent.", out.Amount, out.Token)
	if to == storage.WithdrawalFailed {
		title, priority = "Withdrawal failed", notify.PriorityHigh
		message = fmt.Sprintf("Your withdrawal of %s %s failed and the funds were returned.", out.Amount, out.Token)
	}
	s.notify(ctx, notify.Notification{
		Recipient: out.Wallet,
		Type:      "withdrawal_" + to,
		Title:     title,
		Message:   message,
		Data:      map[string]any{"withdrawal_id": id.String(), "status": to},
		Priority:  priority,
		ActionURL: "/wallet",
	})
	return &out, nil
}

func (s *LedgerService) GetBalance(ctx context.Context, caller, token string) (storage.Balance, error) {
	addr, err := callerWallet(caller)
	if err != nil {
		return storage.Balance{}, err
	}
	token, err = normalizeToken(token)
	if err != nil {
		return storage.Balance{}, err
	}
	b, err := s.store.GetBalance(ctx, addr, token)
	if err != nil {
		return storage.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func (s *LedgerService) ListBalances(ctx context.Context, caller string) ([]storage.Balance, error) {
	addr, err := callerWallet(caller)
	if err != nil {
		return nil, err
	}
	balances, err := s.store.ListBalances(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return balances, nil
}

func (s *LedgerService) GetWithdrawal(ctx context.Context, id uuid.UUID, caller string) (*storage.Withdrawal, error) {
	addr, err := callerWallet(caller)
	if err != nil {
		return nil, err
	}
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("withdrawal %s not found", id)
		}
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}
	if w.Wallet != addr {
		return nil, apperr.Forbidden("withdrawal %s belongs to another wallet", id)
	}
	return w, nil
}

// verifyTx confirms txHash on chain unless a deposit was already credited
// under it; the credit path then decides between replay and conflict.
func (s *LedgerService) verifyTx(ctx context.Context, txHash string) error {
	if _, err := s.store.GetDeposit(ctx, txHash); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get deposit: %w", err)
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

func (s *LedgerService) fail(op string, err error) error {
	if kind, ok := apperr.KindOf(err); ok {
		s.metrics.IncError(op, string(kind))
		return err
	}
	s.logger.Error("ledger store failure", "operation", op, "error", err)
	s.metrics.IncError(op, "internal")
	return fmt.Errorf("%s: %w", op, err)
}

func (s *LedgerService) notify(ctx context.Context, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, n)
}

// adjustBalance applies deltas inside tx and translates the store's
// insufficient-balance sentinel.
func adjustBalance(ctx context.Context, tx storage.Tx, addr, token string, available, locked decimal.Decimal) (*storage.Balance, error) {
	b, err := tx.AdjustBalance(ctx, addr, token, available, locked)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			bucket := "available"
			if !available.IsNegative() && locked.IsNegative() {
				bucket = "locked"
			}
			return nil, apperr.InsufficientBalance("insufficient %s %s balance", bucket, token).
				WithDetail("token", token).
				WithDetail("bucket", bucket)
		}
		return nil, fmt.Errorf("adjust %s balance: %w", token, err)
	}
	return b, nil
}

func balanceKey(addr, token string) (string, string, error) {
	normalized, err := wallet.Normalize(addr)
	if err != nil {
		return "", "", apperr.Validation("wallet is not a valid address").WithDetail("field", "wallet")
	}
	token, err = normalizeToken(token)
	if err != nil {
		return "", "", err
	}
	return normalized, token, nil
}
