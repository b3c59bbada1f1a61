package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	retryDelay   time.Duration
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: 3,
		retryDelay:  500 * time.Millisecond,
	}, nil
}

// WithDLQ routes messages that fail permanently, or keep failing past the
// retry budget, to topic.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) WithRetryBudget(maxAttempts int, baseDelay time.Duration) *Consumer {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if baseDelay >= 0 {
		c.retryDelay = baseDelay
	}
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, c.retryDelay),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		attempts, err := h.handleWithRetry(session.Context(), msg)
		if err == nil {
			session.MarkMessage(msg, "")
			continue
		}
		if session.Context().Err() != nil {
			return nil
		}

		var rej *Rejection
		if !errors.As(err, &rej) {
			rej = Reject(err, "retries_exhausted")
		}
		h.logger.Error("kafka message dead-lettered",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempts", attempts, "reason", rej.Reason, "subject", rej.Subject, "subject_id", rej.SubjectID, "error", err)
		if h.dlqPublisher != nil && h.dlqTopic != "" {
			payload := consumeDeadLetter(msg, rej, attempts, time.Now())
			if _, _, pubErr := h.dlqPublisher.PublishJSON(session.Context(), h.dlqTopic, string(msg.Key), payload); pubErr != nil {
				h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
				return pubErr
			}
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// handleWithRetry retries transient handler errors in place so that a later
// offset is never committed past a message that has not been processed.
func (h *consumerGroupHandler) handleWithRetry(ctx context.Context, msg *sarama.ConsumerMessage) (int, error) {
	var err error
	attempt := 0
	for attempt < h.retryTracker.maxAttempts {
		attempt++
		err = h.handler.HandleMessage(ctx, msg)
		if err == nil {
			return attempt, nil
		}
		var rej *Rejection
		if errors.As(err, &rej) {
			return attempt, err
		}
		if attempt == h.retryTracker.maxAttempts {
			break
		}
		h.logger.Warn("kafka message handler error, retrying",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(h.retryTracker.delay(attempt)):
		}
	}
	return attempt, err
}

type retryTracker struct {
	maxAttempts int
	baseDelay   time.Duration
}

func newRetryTracker(maxAttempts int, baseDelay time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{maxAttempts: maxAttempts, baseDelay: baseDelay}
}

func (t *retryTracker) delay(attempt int) time.Duration {
	if t.baseDelay <= 0 {
		return 0
	}
	d := t.baseDelay << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
