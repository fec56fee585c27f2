package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-webhook-service/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrBrokerUnavailable is returned once every publish attempt has been
// exhausted. The endpoint maps it to a 5xx so the provider's webhook retry
// becomes the outer retry loop.
var ErrBrokerUnavailable = errors.New("kafka broker unavailable")

// PublishError wraps a failed publish with the number of attempts made.
type PublishError struct {
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return ErrBrokerUnavailable }

// messageWriter is the slice of kafka.Writer the producer needs; tests swap
// in a fake.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RetryConfig bounds the internal retry loop in front of the writer.
type RetryConfig struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	Timeout     time.Duration // per-attempt write timeout
}

// DefaultRetryConfig matches the provider's tolerance for a slow ack: a few
// short retries, never more than ~15s end to end.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		MaxAttempts: 5,
		Timeout:     10 * time.Second,
	}
}

// FulfillmentProducer publishes OrderFulfillmentEvents to the durable stream,
// keyed by session id so all duplicates for one session land on the same
// partition and downstream consumers see per-session ordering.
type FulfillmentProducer struct {
	writer messageWriter
	topic  string
	retry  RetryConfig
	logger *zap.Logger
	sleep  func(time.Duration)
}

func NewFulfillmentProducer(brokers []string, topic string, retry RetryConfig, logger *zap.Logger) *FulfillmentProducer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{}, // key-based routing, required for per-session ordering
		// The writer must not retry internally; the backoff loop below owns
		// retry policy and its bound.
		MaxAttempts:  1,
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: retry.Timeout,
	}
	logger.Info("Kafka producer initialized",
		zap.String("topic", topic),
		zap.Strings("brokers", brokers),
	)
	return &FulfillmentProducer{
		writer: w,
		topic:  topic,
		retry:  retry,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Publish delivers the event with bounded exponential backoff. It blocks the
// caller up to the configured bound and never drops silently: on exhaustion
// the request fails and the provider retries the webhook.
func (p *FulfillmentProducer) Publish(ctx context.Context, event models.OrderFulfillmentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal fulfillment event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.SessionID),
		Value: data,
	}

	backoff := p.retry.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.retry.Timeout)
		lastErr = p.writer.WriteMessages(attemptCtx, msg)
		cancel()

		if lastErr == nil {
			p.logger.Info("Fulfillment event published",
				zap.String("session_id", event.SessionID),
				zap.String("status", string(event.Status)),
				zap.Int("attempt", attempt),
			)
			return nil
		}

		p.logger.Warn("Publish attempt failed",
			zap.String("session_id", event.SessionID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt < p.retry.MaxAttempts {
			p.sleep(backoff)
			backoff *= 2
			if backoff > p.retry.MaxBackoff {
				backoff = p.retry.MaxBackoff
			}
		}
	}

	p.logger.Error("Publish retries exhausted",
		zap.String("session_id", event.SessionID),
		zap.Int("attempts", p.retry.MaxAttempts),
		zap.Error(lastErr),
	)
	return &PublishError{Attempts: p.retry.MaxAttempts, Err: lastErr}
}

// Close flushes and closes the underlying writer.
func (p *FulfillmentProducer) Close() {
	if w, ok := p.writer.(*kafka.Writer); ok {
		_ = w.Close()
	}
	p.logger.Info("Kafka producer closed")
}
