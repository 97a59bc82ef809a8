package fulfillment

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrQueueFull is returned when the in-memory gateway's buffer is exhausted.
var ErrQueueFull = errors.New("fulfillment queue full")

// MemoryGateway is a channel-backed Gateway used by tests and the local
// simulator. Enqueue never blocks; a full buffer is reported as a failed
// submission, exactly like an unreachable broker.
type MemoryGateway struct {
	jobs     chan Job
	closed   atomic.Bool
	enqueued atomic.Uint64
}

// NewMemoryGateway creates a gateway with the given buffer size.
func NewMemoryGateway(buffer int) *MemoryGateway {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryGateway{jobs: make(chan Job, buffer)}
}

// Enqueue submits a job to the buffer.
func (g *MemoryGateway) Enqueue(ctx context.Context, job Job) (JobRef, error) {
	if g.closed.Load() {
		return JobRef{}, ErrQueueFull
	}
	select {
	case g.jobs <- job:
		g.enqueued.Add(1)
		enqueueTotal.WithLabelValues("ok").Inc()
		return JobRef{JobID: job.ID, TradeID: job.TradeID}, nil
	case <-ctx.Done():
		return JobRef{}, ctx.Err()
	default:
		enqueueTotal.WithLabelValues("error").Inc()
		return JobRef{}, ErrQueueFull
	}
}

// Jobs exposes the submitted jobs to a consumer.
func (g *MemoryGateway) Jobs() <-chan Job { return g.jobs }

// Enqueued returns the number of accepted submissions.
func (g *MemoryGateway) Enqueued() uint64 { return g.enqueued.Load() }

// CloseIntake disallows further enqueues.
func (g *MemoryGateway) CloseIntake() { g.closed.Store(true) }
