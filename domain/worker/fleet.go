package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/repolens-ai/repolens/domain/queue"
	"github.com/repolens-ai/repolens/internal/config"
	"github.com/repolens-ai/repolens/pkg/clock"
	"github.com/repolens-ai/repolens/pkg/logger"
)

// Fleet owns the configured number of QueueWorkers and supervises their
// lifecycle as one unit.
type Fleet struct {
	workers []*QueueWorker
	log     *slog.Logger

	startOnce sync.Once
}

// NewFleet builds the fleet from configuration. Worker ids are minted fresh
// on every process start.
func NewFleet(cfg *config.Config, adapter queue.Adapter, reg ClaimRegistry, handler MessageHandler, notifier SettlementNotifier, policy *RetryPolicy, clk clock.Clock, log *slog.Logger) *Fleet {
	opts := Options{
		QueueName:               cfg.Queue.Name,
		JobTypes:                cfg.Queue.JobTypes,
		VisibilityTimeoutSec:    cfg.Queue.VisibilityTimeoutSeconds,
		BatchSize:               cfg.Queue.BatchSize,
		PollingInterval:         cfg.Queue.PollingInterval(),
		JobTimeout:              cfg.Worker.JobTimeout(),
		ConsecutiveFailureLimit: cfg.Worker.ConsecutiveFailureLimit,
	}

	workers := make([]*QueueWorker, cfg.Worker.Concurrency)
	for i := range workers {
		id := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		workers[i] = NewQueueWorker(id, opts, adapter, reg, handler, notifier, policy, clk, log)
	}

	return &Fleet{
		workers: workers,
		log:     log.With(logger.Scope("worker.fleet")),
	}
}

// Start launches every worker in its own goroutine. Idempotent.
func (f *Fleet) Start() {
	f.startOnce.Do(func() {
		for _, w := range f.workers {
			go w.Start()
		}
		f.log.Info("fleet started", slog.Int("workers", len(f.workers)))
	})
}

// Stop asks every worker to stop and waits up to the ctx deadline.
func (f *Fleet) Stop(ctx context.Context) error {
	errCh := make(chan error, len(f.workers))
	var wg sync.WaitGroup
	for _, w := range f.workers {
		wg.Add(1)
		go func(w *QueueWorker) {
			defer wg.Done()
			errCh <- w.Stop(ctx)
		}(w)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("fleet stop: %w", errors.Join(errs...))
	}
	f.log.Info("fleet stopped")
	return nil
}

// Stats snapshots every fleet member.
func (f *Fleet) Stats() []Stats {
	out := make([]Stats, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w.Stats())
	}
	return out
}
