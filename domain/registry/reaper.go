package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/repolens-ai/repolens/pkg/logger"
)

// Reaper fails IN_PROGRESS claims whose worker died without settling them.
// Once the claim is FAILED the queue's visibility timeout re-presents the
// message and a fresh claim can be taken. Disabled by default; enable with
// REGISTRY_REAPER_ENABLED=true.
type Reaper struct {
	registry     *Registry
	log          *slog.Logger
	schedule     string
	afterMinutes int
	cron         *cron.Cron
}

// NewReaper creates a stuck-claim reaper.
func NewReaper(registry *Registry, log *slog.Logger, schedule string, afterMinutes int) *Reaper {
	return &Reaper{
		registry:     registry,
		log:          log.With(logger.Scope("registry.reaper")),
		schedule:     schedule,
		afterMinutes: afterMinutes,
		cron:         cron.New(cron.WithSeconds()),
	}
}

// Start runs one immediate pass and then schedules recurring runs.
func (r *Reaper) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.ReapStuckClaims(context.Background()); err != nil {
			r.log.Error("reaper pass failed", logger.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}

	if n, err := r.ReapStuckClaims(ctx); err != nil {
		r.log.Warn("initial reaper pass failed", logger.Error(err))
	} else if n > 0 {
		r.log.Info("initial reaper pass recovered claims", slog.Int("count", n))
	}

	r.cron.Start()
	r.log.Info("reaper started",
		slog.String("schedule", r.schedule),
		slog.Int("after_minutes", r.afterMinutes))
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (r *Reaper) Stop(ctx context.Context) error {
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		r.log.Warn("reaper stop timeout")
	}
	return nil
}

// ReapStuckClaims transitions IN_PROGRESS claims older than the threshold to
// FAILED. Returns the number of claims reaped.
func (r *Reaper) ReapStuckClaims(ctx context.Context) (int, error) {
	res, err := r.registry.db.NewRaw(
		`UPDATE repolens.queue_processing_registry
		 SET status = ?, updated_at = now()
		 WHERE status = ?
		   AND updated_at < now() - (? || ' minutes')::interval`,
		string(StatusFailed), string(StatusInProgress), fmt.Sprintf("%d", r.afterMinutes),
	).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("reap stuck claims: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Warn("reaped stuck claims",
			slog.Int64("count", n),
			slog.Int("after_minutes", r.afterMinutes))
	}
	return int(n), nil
}
