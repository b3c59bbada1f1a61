package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/kafka"
	"github.com/prometheus/client_golang/prometheus"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

const (
	EventType    = "notifications.requested"
	DefaultTopic = "notifications.requested"
)

type Notification struct {
	Recipient string
	Type      string
	Title     string
	Message   string
	Data      map[string]any
	Priority  Priority
	ActionURL string
}

// Dispatcher delivers notifications without reporting failures back to the
// caller.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification)
}

type RequestedEvent struct {
	kafka.Envelope
	Recipient string         `json:"recipient"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  string         `json:"priority"`
	ActionURL string         `json:"action_url,omitempty"`
}

type Metrics struct {
	Sent *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_dispatched_total",
				Help: "Notification dispatch attempts by outcome.",
			},
			[]string{"type", "status"},
		),
	}
	registry.MustRegister(m.Sent)
	return m
}

func (m *Metrics) inc(kind, status string) {
	if m == nil {
		return
	}
	m.Sent.WithLabelValues(kind, status).Inc()
}

// Emitter publishes notification requests to Kafka on a background goroutine.
type Emitter struct {
	publisher kafka.Publisher
	topic     string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	wg        sync.WaitGroup
}

func NewEmitter(publisher kafka.Publisher, topic string, timeout time.Duration, logger *slog.Logger, metrics *Metrics) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Emitter{
		publisher: publisher,
		topic:     topic,
		timeout:   timeout,
		logger:    logger,
		metrics:   metrics,
	}
}

func (e *Emitter) Notify(ctx context.Context, n Notification) {
	if e == nil {
		return
	}
	if strings.TrimSpace(n.Recipient) == "" {
		e.logger.Warn("notification dropped: no recipient", "type", n.Type)
		e.metrics.inc(n.Type, "dropped")
		return
	}
	if e.publisher == nil {
		e.logger.Warn("notification dropped: publisher not configured", "type", n.Type, "recipient", n.Recipient)
		e.metrics.inc(n.Type, "dropped")
		return
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}

	detached := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		sendCtx, cancel := context.WithTimeout(detached, e.timeout)
		defer cancel()
		if err := e.send(sendCtx, n); err != nil {
			e.logger.Error("notification dispatch failed",
				"type", n.Type,
				"recipient", n.Recipient,
				"priority", string(n.Priority),
				"error", err,
			)
			e.metrics.inc(n.Type, "error")
			return
		}
		e.metrics.inc(n.Type, "success")
	}()
}

func (e *Emitter) send(ctx context.Context, n Notification) error {
	env, err := kafka.NewEnvelope(EventType, 1, "")
	if err != nil {
		return err
	}
	event := RequestedEvent{
		Envelope:  env,
		Recipient: n.Recipient,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Priority:  string(n.Priority),
		ActionURL: n.ActionURL,
	}
	_, _, err = e.publisher.PublishJSON(ctx, e.topic, n.Recipient, event)
	return err
}

// Wait blocks until in-flight notifications finish or ctx is done.
func (e *Emitter) Wait(ctx context.Context) error {
	if e == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recorder keeps notifications in memory. Handy for tests and for running
// without a broker.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}
