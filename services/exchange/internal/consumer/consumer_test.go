package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Chrissou78/rwa-trade-core/libs/kafka"
	"github.com/Chrissou78/rwa-trade-core/libs/logging"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/service"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/Chrissou78/rwa-trade-core/services/testutil"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type failingVerifier struct{}

func (failingVerifier) VerifyTx(context.Context, string) error { return errors.New("rpc unavailable") }

func message(t *testing.T, topic string, v any) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: topic, Value: raw}
}

func depositEvent(t *testing.T, amount string) DepositConfirmedEvent {
	t.Helper()
	env, err := kafka.NewFactEnvelope(depositConfirmedEventType, "", testutil.TxHash(7))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return DepositConfirmedEvent{Envelope: env, Wallet: testutil.BuyerWallet, Token: "usdc", Amount: amount, TxHash: testutil.TxHash(7)}
}

func withdrawalEvent(t *testing.T, id uuid.UUID, status string) WithdrawalSettledEvent {
	t.Helper()
	env, err := kafka.NewFactEnvelope(withdrawalSettledEventType, "", id.String(), status)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return WithdrawalSettledEvent{Envelope: env, WithdrawalID: id.String(), Status: status}
}

func rejection(err error) *kafka.Rejection {
	var rej *kafka.Rejection
	if errors.As(err, &rej) {
		return rej
	}
	return nil
}

func isDLQ(err error) bool {
	return rejection(err) != nil
}

func balance(t *testing.T, store *storage.MemoryStore, token string) storage.Balance {
	t.Helper()
	b, err := store.GetBalance(context.Background(), testutil.BuyerWallet, token)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return b
}

func TestDepositConsumerCreditsOnce(t *testing.T) {
	store := storage.NewMemory()
	consumer := NewDepositConsumer(service.NewLedgerService(store, nil, nil, logging.Discard(), nil), logging.Discard())
	msg := message(t, "deposits.confirmed", depositEvent(t, "25.5"))

	for i := 0; i < 2; i++ {
		if err := consumer.HandleMessage(context.Background(), msg); err != nil {
			t.Fatalf("handle attempt %d: %v", i+1, err)
		}
	}
	if b := balance(t, store, "USDC"); !b.Available.Equal(decimal.RequireFromString("25.5")) {
		t.Fatalf("expected a single credit, got %s", b.Available)
	}

	divergent := message(t, "deposits.confirmed", depositEvent(t, "30"))
	rej := rejection(consumer.HandleMessage(context.Background(), divergent))
	if rej == nil {
		t.Fatalf("conflicting replay must be dead-lettered")
	}
	if rej.Subject != "deposit" || rej.SubjectID == "" {
		t.Fatalf("expected the rejection to name the deposit, got %q %q", rej.Subject, rej.SubjectID)
	}
}

func TestDepositConsumerDeadLettersMalformedPayloads(t *testing.T) {
	consumer := NewDepositConsumer(service.NewLedgerService(storage.NewMemory(), nil, nil, logging.Discard(), nil), logging.Discard())
	ctx := context.Background()

	cases := map[string]*sarama.ConsumerMessage{
		"empty":      {Topic: "deposits.confirmed"},
		"not json":   {Topic: "deposits.confirmed", Value: []byte("{")},
		"zero":       message(t, "deposits.confirmed", depositEvent(t, "0")),
		"not number": message(t, "deposits.confirmed", depositEvent(t, "lots")),
	}
	wrongType := depositEvent(t, "1")
	wrongType.EventType = "deposit.requested"
	cases["wrong type"] = message(t, "deposits.confirmed", wrongType)
	badWallet := depositEvent(t, "1")
	badWallet.Wallet = "0x123"
	cases["bad wallet"] = message(t, "deposits.confirmed", badWallet)

	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := consumer.HandleMessage(ctx, msg); !isDLQ(err) {
				t.Fatalf("expected dead-letter, got %v", err)
			}
		})
	}
}

func TestDepositConsumerRetriesUpstreamFailures(t *testing.T) {
	store := storage.NewMemory()
	consumer := NewDepositConsumer(service.NewLedgerService(store, failingVerifier{}, nil, logging.Discard(), nil), logging.Discard())

	err := consumer.HandleMessage(context.Background(), message(t, "deposits.confirmed", depositEvent(t, "1")))
	if err == nil || isDLQ(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
	if b := balance(t, store, "USDC"); !b.Available.IsZero() {
		t.Fatalf("nothing may be credited, got %s", b.Available)
	}
}

func TestWithdrawalConsumer(t *testing.T) {
	store := storage.NewMemory()
	ledger := service.NewLedgerService(store, nil, nil, logging.Discard(), nil)
	consumer := NewWithdrawalConsumer(ledger, logging.Discard())
	ctx := context.Background()

	if _, err := ledger.Settle(ctx, testutil.BuyerWallet, "USDC", decimal.Zero, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	request := func(amount int64) uuid.UUID {
		w, err := ledger.RequestWithdrawal(ctx, service.WithdrawalInput{
			CallerWallet: testutil.BuyerWallet, Token: "USDC", Amount: decimal.NewFromInt(amount), Destination: testutil.OtherWallet,
		})
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		return w.ID
	}

	completed := request(30)
	msg := message(t, "withdrawals.settled", withdrawalEvent(t, completed, "completed"))
	if err := consumer.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := consumer.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivered outcome must be acknowledged, got %v", err)
	}

	failed := request(20)
	if err := consumer.HandleMessage(ctx, message(t, "withdrawals.settled", withdrawalEvent(t, failed, "failed"))); err != nil {
		t.Fatalf("fail: %v", err)
	}
	w, err := store.GetWithdrawal(ctx, failed)
	if err != nil {
		t.Fatalf("get withdrawal: %v", err)
	}
	if w.Status != storage.WithdrawalFailed || w.Reason == "" {
		t.Fatalf("unexpected failed withdrawal %+v", w)
	}
	b := balance(t, store, "USDC")
	if !b.Available.Equal(decimal.NewFromInt(70)) || !b.Locked.IsZero() {
		t.Fatalf("unexpected balance %s/%s", b.Available, b.Locked)
	}

	unknown := uuid.New()
	rej := rejection(consumer.HandleMessage(ctx, message(t, "withdrawals.settled", withdrawalEvent(t, unknown, "completed"))))
	if rej == nil || rej.Subject != "withdrawal" || rej.SubjectID != unknown.String() {
		t.Fatalf("unknown withdrawal must be dead-lettered with its id, got %+v", rej)
	}
	if err := consumer.HandleMessage(ctx, message(t, "withdrawals.settled", withdrawalEvent(t, failed, "lost"))); !isDLQ(err) {
		t.Fatalf("unknown status must be dead-lettered, got %v", err)
	}
}
