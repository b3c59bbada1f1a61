package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/libs/kafka"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/service"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	depositConfirmedEventType  = "deposit.confirmed"
	withdrawalSettledEventType = "withdrawal.settled"
)

type DepositConfirmedEvent struct {
	kafka.Envelope
	Wallet string `json:"wallet"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
	TxHash string `json:"tx_hash"`
}

// WithdrawalSettledEvent reports the on-chain outcome of a withdrawal.
// Status is completed or failed.
type WithdrawalSettledEvent struct {
	kafka.Envelope
	WithdrawalID string `json:"withdrawal_id"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

type DepositConfirmer interface {
	ConfirmDeposit(ctx context.Context, input service.DepositInput) (*service.DepositResult, error)
}

type WithdrawalSettler interface {
	CompleteWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error)
	FailWithdrawal(ctx context.Context, id uuid.UUID, reason string) (*storage.Withdrawal, error)
}

// DepositConsumer credits confirmed on-chain deposits. Replays of the same
// tx hash are acknowledged without a second credit.
type DepositConsumer struct {
	ledger DepositConfirmer
	logger *slog.Logger
}

func NewDepositConsumer(ledger DepositConfirmer, logger *slog.Logger) *DepositConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepositConsumer{ledger: ledger, logger: logger}
}

func (c *DepositConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event DepositConfirmedEvent
	if err := decode(msg, &event); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return kafka.Reject(err, "invalid deposit event").About("deposit", strings.TrimSpace(event.TxHash))
	}
	amount, _ := decimal.NewFromString(strings.TrimSpace(event.Amount))

	result, err := c.ledger.ConfirmDeposit(ctx, service.DepositInput{
		Wallet: event.Wallet,
		Token:  event.Token,
		Amount: amount,
		TxHash: event.TxHash,
	})
	if err != nil {
		return c.classify(err, event.EventID, event.TxHash)
	}
	if result.Replayed {
		c.logger.Info("deposit already credited", "event_id", event.EventID, "tx_hash", event.TxHash)
		return nil
	}
	c.logger.Info("deposit credited", "event_id", event.EventID, "tx_hash", event.TxHash, "wallet", result.Balance.Wallet,
		"token", result.Balance.Token)
	return nil
}

func (c *DepositConsumer) classify(err error, eventID, txHash string) error {
	kind, ok := apperr.KindOf(err)
	if !ok || kind == apperr.KindUpstream {
		return fmt.Errorf("confirm deposit: %w", err)
	}
	c.logger.Warn("deposit event rejected", "event_id", eventID, "kind", kind, "error", err)
	return kafka.Reject(err, "deposit rejected").About("deposit", txHash)
}

func (e *DepositConfirmedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != depositConfirmedEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.Wallet) == "" {
		return fmt.Errorf("wallet is required")
	}
	if strings.TrimSpace(e.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if strings.TrimSpace(e.TxHash) == "" {
		return fmt.Errorf("tx_hash is required")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(e.Amount))
	if err != nil {
		return fmt.Errorf("amount must be decimal")
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// WithdrawalConsumer applies withdrawal outcomes. An outcome for a
// withdrawal that is no longer pending is acknowledged and logged.
type WithdrawalConsumer struct {
	ledger WithdrawalSettler
	logger *slog.Logger
}

func NewWithdrawalConsumer(ledger WithdrawalSettler, logger *slog.Logger) *WithdrawalConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WithdrawalConsumer{ledger: ledger, logger: logger}
}

func (c *WithdrawalConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event WithdrawalSettledEvent
	if err := decode(msg, &event); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return kafka.Reject(err, "invalid withdrawal event").About("withdrawal", strings.TrimSpace(event.WithdrawalID))
	}
	id, _ := uuid.Parse(strings.TrimSpace(event.WithdrawalID))

	var (
		w   *storage.Withdrawal
		err error
	)
	switch strings.ToLower(strings.TrimSpace(event.Status)) {
	case storage.WithdrawalCompleted:
		w, err = c.ledger.CompleteWithdrawal(ctx, id)
	default:
		reason := strings.TrimSpace(event.Reason)
		if reason == "" {
			reason = "withdrawal failed on chain"
		}
		w, err = c.ledger.FailWithdrawal(ctx, id, reason)
	}
	if err != nil {
		kind, ok := apperr.KindOf(err)
		switch {
		case ok && kind == apperr.KindInvalidTransition:
			c.logger.Warn("withdrawal already settled", "event_id", event.EventID, "withdrawal_id", id, "error", err)
			return nil
		case ok && kind != apperr.KindUpstream:
			return kafka.Reject(err, "withdrawal rejected").About("withdrawal", id.String())
		default:
			return fmt.Errorf("settle withdrawal %s: %w", id, err)
		}
	}
	c.logger.Info("withdrawal settled", "event_id", event.EventID, "withdrawal_id", w.ID, "status", w.Status)
	return nil
}

func (e *WithdrawalSettledEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != withdrawalSettledEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if _, err := uuid.Parse(strings.TrimSpace(e.WithdrawalID)); err != nil {
		return fmt.Errorf("withdrawal_id must be a uuid")
	}
	status := strings.ToLower(strings.TrimSpace(e.Status))
	if status != storage.WithdrawalCompleted && status != storage.WithdrawalFailed {
		return fmt.Errorf("status must be completed or failed")
	}
	return nil
}

func decode(msg *sarama.ConsumerMessage, out any) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.Reject(fmt.Errorf("empty kafka message"), "malformed")
	}
	if err := json.Unmarshal(msg.Value, out); err != nil {
		return kafka.Reject(fmt.Errorf("decode %s: %w", msg.Topic, err), "malformed")
	}
	return nil
}
