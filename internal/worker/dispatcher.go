package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/outhook/outhook/internal/observability"
	"github.com/outhook/outhook/internal/schedule"
)

// Dispatcher continuously claims due jobs from the delivery schedule and
// feeds them to the worker pool. A background sweep returns expired leases
// to pending so work claimed by a crashed worker is never lost.
type Dispatcher struct {
	schedule *schedule.Schedule
	pool     *Pool
	metrics  *observability.Metrics
	logger   *slog.Logger

	pollInterval    time.Duration
	reclaimInterval time.Duration
	batchSize       int
}

// NewDispatcher creates a dispatcher pulling batchSize jobs per claim.
func NewDispatcher(sched *schedule.Schedule, pool *Pool, metrics *observability.Metrics, logger *slog.Logger, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Dispatcher{
		schedule:        sched,
		pool:            pool,
		metrics:         metrics,
		logger:          logger,
		pollInterval:    100 * time.Millisecond,
		reclaimInterval: 30 * time.Second,
		batchSize:       batchSize,
	}
}

// Start runs the claim loop until the context is cancelled. The lease sweep
// and depth gauges run on their own tickers in the same goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started", "batch_size", d.batchSize)

	poll := time.NewTicker(d.pollInterval)
	defer poll.Stop()
	reclaim := time.NewTicker(d.reclaimInterval)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-reclaim.C:
			if _, err := d.schedule.ReclaimExpired(ctx); err != nil {
				d.logger.Error("lease sweep failed", "error", err)
			}
			d.observeDepth(ctx)
		case <-poll.C:
			// Drain while full batches keep coming so a backlog is not
			// throttled to one batch per tick.
			for {
				n := d.claimOnce(ctx)
				if n < d.batchSize {
					break
				}
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// claimOnce claims up to one batch and submits it; returns how many jobs it
// claimed.
func (d *Dispatcher) claimOnce(ctx context.Context) int {
	claimed, err := d.schedule.ClaimDue(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("failed to claim due jobs", "error", err)
		return 0
	}
	for _, c := range claimed {
		d.pool.Submit(c)
	}
	return len(claimed)
}

func (d *Dispatcher) observeDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	if n, err := d.schedule.PendingDepth(ctx); err == nil {
		d.metrics.PendingDepth.Set(float64(n))
	}
	if n, err := d.schedule.InflightDepth(ctx); err == nil {
		d.metrics.InflightDepth.Set(float64(n))
	}
}
