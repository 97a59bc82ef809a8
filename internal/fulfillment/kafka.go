package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// jobWriter is the slice of kafka.Writer the gateway needs; narrowed for
// testability.
type jobWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaGateway publishes fulfillment jobs to a topic consumed by the worker
// pool. Publishes are retried per the policy before the failure is reported
// to the caller.
type KafkaGateway struct {
	writer jobWriter
	policy RetryPolicy
	logger *zap.Logger
}

// NewKafkaGateway builds a gateway writing to topic on the given brokers.
func NewKafkaGateway(brokers []string, topic string, policy RetryPolicy, logger *zap.Logger) *KafkaGateway {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 5 * time.Second,
	}
	return newKafkaGateway(w, policy, logger)
}

func newKafkaGateway(w jobWriter, policy RetryPolicy, logger *zap.Logger) *KafkaGateway {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &KafkaGateway{writer: w, policy: policy, logger: logger}
}

// Enqueue publishes the job keyed by trade id so all messages for one trade
// land on the same partition.
func (g *KafkaGateway) Enqueue(ctx context.Context, job Job) (JobRef, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		enqueueTotal.WithLabelValues("error").Inc()
		return JobRef{}, fmt.Errorf("job marshal failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(job.TradeID.String()),
		Value: payload,
	}

	var lastErr error
	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		if lastErr = g.writer.WriteMessages(ctx, msg); lastErr == nil {
			enqueueTotal.WithLabelValues("ok").Inc()
			return JobRef{JobID: job.ID, TradeID: job.TradeID}, nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < g.policy.MaxAttempts {
			enqueueRetries.Inc()
			g.logger.Warn("fulfillment enqueue retry",
				zap.String("trade_id", job.TradeID.String()),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(g.policy.Backoff(attempt)):
			case <-ctx.Done():
				enqueueTotal.WithLabelValues("error").Inc()
				return JobRef{}, ctx.Err()
			}
		}
	}
	enqueueTotal.WithLabelValues("error").Inc()
	return JobRef{}, fmt.Errorf("fulfillment enqueue failed after %d attempts: %w", g.policy.MaxAttempts, lastErr)
}
