package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/martingaam-hue/scr-platform-sub004/internal/engine"
)

// RetrySource lists deliveries whose next-retry time has elapsed.
type RetrySource interface {
	DueRetries(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Scheduler periodically scans for due retries and re-submits them to the
// dispatch queue. It needs no leader election: overlapping ticks at worst
// enqueue a delivery twice, and the deliverer's conditional updates turn
// the duplicate into a no-op.
type Scheduler struct {
	retries   RetrySource
	queue     engine.Enqueuer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewScheduler(retries RetrySource, queue engine.Enqueuer, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		retries:   retries,
		queue:     queue,
		interval:  interval,
		batchSize: 500,
		logger:    logger,
	}
}

// Start runs the scan loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("retry scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopping")
			return
		case <-ticker.C:
			if n, err := s.tick(ctx); err != nil {
				s.logger.Error("retry scan failed", "error", err)
			} else if n > 0 {
				s.logger.Info("re-queued due retries", "count", n)
			}
		}
	}
}

// tick scans once and enqueues every due delivery at ready-time now.
// Returns how many were re-queued.
func (s *Scheduler) tick(ctx context.Context) (int, error) {
	ids, err := s.retries.DueRetries(ctx, time.Now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id, time.Now()); err != nil {
			s.logger.Error("failed to re-queue delivery", "error", err, "delivery_id", id)
			continue
		}
		queued++
	}
	return queued, nil
}
