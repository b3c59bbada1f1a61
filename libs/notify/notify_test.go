package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubPublisher struct {
	mu    sync.Mutex
	err   error
	calls []RequestedEvent
	topic string
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, _ string, value any) (int32, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topic = topic
	if ev, ok := value.(RequestedEvent); ok {
		s.calls = append(s.calls, ev)
	}
	return 0, 0, s.err
}

func (s *stubPublisher) Close() error { return nil }

func TestEmitterPublishes(t *testing.T) {
	pub := &stubPublisher{}
	e := NewEmitter(pub, "", time.Second, nil, nil)

	e.Notify(context.Background(), Notification{
		Recipient: "0xabc",
		Type:      "deal_stage_changed",
		Title:     "Escrow funded",
		Priority:  PriorityHigh,
	})
	if err := e.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if len(pub.calls) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.calls))
	}
	if pub.topic != DefaultTopic {
		t.Fatalf("expected default topic, got %s", pub.topic)
	}
	if pub.calls[0].Priority != "high" || pub.calls[0].EventType != EventType {
		t.Fatalf("unexpected event %+v", pub.calls[0])
	}
}

func TestEmitterSwallowsFailures(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	pub := &stubPublisher{err: errors.New("broker down")}
	e := NewEmitter(pub, "notes", time.Second, nil, metrics)

	e.Notify(context.Background(), Notification{Recipient: "0xabc", Type: "dispute_opened"})
	if err := e.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := testutil.ToFloat64(metrics.Sent.WithLabelValues("dispute_opened", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
}

func TestEmitterSurvivesCancelledCaller(t *testing.T) {
	pub := &stubPublisher{}
	e := NewEmitter(pub, "", time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Notify(ctx, Notification{Recipient: "0xabc", Type: "deal_created"})
	if err := e.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("expected publish despite cancelled request, got %d", len(pub.calls))
	}
}

func TestEmitterDropsMissingRecipient(t *testing.T) {
	pub := &stubPublisher{}
	e := NewEmitter(pub, "", time.Second, nil, nil)
	e.Notify(context.Background(), Notification{Type: "deal_created"})
	_ = e.Wait(context.Background())
	if len(pub.calls) != 0 {
		t.Fatalf("expected no publish")
	}
}
