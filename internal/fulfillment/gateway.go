package fulfillment

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway submits fulfillment jobs to the external worker pool. Submission
// is best-effort: a failed enqueue leaves the trade queued for an external
// scanner to retry and must never roll back the committed financial leg.
type Gateway interface {
	Enqueue(ctx context.Context, job Job) (JobRef, error)
}

// RetryPolicy is the explicit retry configuration applied at the queue
// boundary, decoupled from the engine's transactional logic.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy matches the broker defaults used elsewhere in the
// deployment: three attempts, 100ms doubling up to 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

// Backoff returns the wait before the given 1-based retry attempt,
// doubling from BaseBackoff and capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

var (
	enqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_fulfillment_enqueue_total",
		Help: "Fulfillment job submissions, labeled by final status",
	}, []string{"status"})

	enqueueRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_fulfillment_enqueue_retries_total",
		Help: "Retried fulfillment job submissions",
	})

	outcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_fulfillment_outcomes_total",
		Help: "Consumed fulfillment outcome messages, labeled by outcome",
	}, []string{"outcome"})
)
