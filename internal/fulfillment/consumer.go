package fulfillment

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tradepost/settlement/internal/domain"
)

// Reconciler is the slice of the settlement engine the consumer drives.
// Every entry point is idempotent, which is what makes at-least-once
// delivery on this channel safe.
type Reconciler interface {
	Reconcile(ctx context.Context, tradeID uuid.UUID, outcome domain.Outcome, reason string) (*domain.Trade, error)
	MarkProcessing(ctx context.Context, tradeID uuid.UUID) error
	MarkAwaitingSeller(ctx context.Context, tradeID uuid.UUID) error
}

// messageReader is the slice of kafka.Reader the consumer needs.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// OutcomeConsumer reads fulfillment results from the outcome topic and
// applies them through the engine's idempotent entry points.
type OutcomeConsumer struct {
	reader     messageReader
	reconciler Reconciler
	logger     *zap.Logger
}

// NewOutcomeConsumer builds a consumer for the given brokers, topic and
// consumer group.
func NewOutcomeConsumer(brokers []string, topic, groupID string, rec Reconciler, logger *zap.Logger) *OutcomeConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		StartOffset: kafka.FirstOffset,
	})
	return &OutcomeConsumer{reader: reader, reconciler: rec, logger: logger}
}

func newOutcomeConsumer(r messageReader, rec Reconciler, logger *zap.Logger) *OutcomeConsumer {
	return &OutcomeConsumer{reader: r, reconciler: rec, logger: logger}
}

// Run consumes until the context is cancelled. Malformed or unapplicable
// messages are logged and skipped; redelivery of an already-applied outcome
// is a no-op at the engine.
func (c *OutcomeConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("outcome consume error", zap.Error(err))
			continue
		}
		if err := c.handle(ctx, msg.Value); err != nil {
			c.logger.Error("outcome apply failed", zap.Error(err))
		}
	}
}

func (c *OutcomeConsumer) handle(ctx context.Context, raw []byte) error {
	var m OutcomeMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	outcomeTotal.WithLabelValues(m.Outcome).Inc()

	var err error
	switch m.Outcome {
	case OutcomePickedUp:
		err = c.reconciler.MarkProcessing(ctx, m.TradeID)
	case OutcomeAwaitingSeller:
		err = c.reconciler.MarkAwaitingSeller(ctx, m.TradeID)
	case string(domain.OutcomeSuccess), string(domain.OutcomeFailure), string(domain.OutcomeTimeout):
		// Reconciliation is idempotent and already returns a settled trade
		// unchanged, so any error here means the payout or refund did not
		// apply and the message must be surfaced, not swallowed.
		_, err = c.reconciler.Reconcile(ctx, m.TradeID, domain.Outcome(m.Outcome), m.Reason)
		return err
	default:
		c.logger.Warn("unknown fulfillment outcome",
			zap.String("trade_id", m.TradeID.String()),
			zap.String("outcome", m.Outcome))
		return nil
	}

	// A progress marker arriving after the trade already settled is normal
	// under at-least-once delivery.
	if errors.Is(err, domain.ErrTradeTerminal) || errors.Is(err, domain.ErrInvalidTransition) {
		c.logger.Debug("stale fulfillment marker ignored",
			zap.String("trade_id", m.TradeID.String()),
			zap.String("outcome", m.Outcome))
		return nil
	}
	return err
}
