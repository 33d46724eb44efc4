package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/outhook/outhook/internal/schedule"
)

// Pool manages a fixed number of worker goroutines that process claimed
// delivery jobs.
type Pool struct {
	numWorkers int
	jobs       chan schedule.Claimed
	deliverer  *Deliverer
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, deliverer *Deliverer, logger *slog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan schedule.Claimed, numWorkers*2),
		deliverer:  deliverer,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until it is closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit hands a claimed job to the pool. Blocks when all workers are busy,
// which naturally throttles the dispatcher's claim rate.
func (p *Pool) Submit(c schedule.Claimed) {
	p.jobs <- c
}

// Stop closes the jobs channel and waits for all workers to finish their
// current job. Unfinished claims stay leased and are reclaimed after the
// lease expires.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for c := range p.jobs {
		select {
		case <-ctx.Done():
			return
		default:
			p.deliverer.Deliver(ctx, c)
		}
	}
}
