package worker

import (
	"context"
	"log/slog"
	"time"
)

// JobSource hands out ready delivery IDs, each to exactly one claimant.
type JobSource interface {
	Claim(ctx context.Context, now time.Time, batch int64) ([]string, error)
}

// Dispatcher continuously polls the dispatch queue and feeds claimed
// delivery IDs to the worker pool.
type Dispatcher struct {
	queue        JobSource
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewDispatcher(queue JobSource, pool *Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	ids, err := d.queue.Claim(ctx, time.Now(), d.batchSize)
	if err != nil {
		d.logger.Error("failed to poll dispatch queue", "error", err)
		return
	}

	for _, id := range ids {
		d.pool.Submit(id)
	}
}
