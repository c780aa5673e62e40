package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/repolens-ai/repolens/domain/queue"
	"github.com/repolens-ai/repolens/pkg/logger"
)

// HealthMonitor periodically samples the fleet and the queue and logs an
// aggregate health line. It is purely observational.
type HealthMonitor struct {
	fleet     *Fleet
	adapter   queue.Adapter
	queueName string
	interval  time.Duration
	log       *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewHealthMonitor creates a monitor sampling at the given interval.
func NewHealthMonitor(fleet *Fleet, adapter queue.Adapter, queueName string, interval time.Duration, log *slog.Logger) *HealthMonitor {
	return &HealthMonitor{
		fleet:     fleet,
		adapter:   adapter,
		queueName: queueName,
		interval:  interval,
		log:       log.With(logger.Scope("worker.monitor")),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the sampling loop in its own goroutine.
func (m *HealthMonitor) Start() {
	go m.run()
}

func (m *HealthMonitor) run() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *HealthMonitor) sample() {
	running := 0
	var processed, failed int64
	stats := m.fleet.Stats()
	for _, s := range stats {
		if s.Running {
			running++
		}
		processed += s.JobsProcessed
		failed += s.JobsFailed
	}

	total := len(stats)
	ratio := 0.0
	if total > 0 {
		ratio = float64(running) / float64(total)
	}

	attrs := []any{
		slog.Int("workers_running", running),
		slog.Int("workers_total", total),
		slog.Float64("workers_healthy_ratio", ratio),
		slog.Int64("jobs_processed", processed),
		slog.Int64("jobs_failed", failed),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metrics, err := m.adapter.Metrics(ctx, m.queueName); err != nil {
		m.log.Warn("could not sample queue metrics", logger.Error(err))
	} else {
		attrs = append(attrs,
			slog.Int64("queue_depth", metrics.Queued),
			slog.Int64("queue_total", metrics.Total),
			slog.Int64("oldest_msg_age_sec", metrics.OldestMsgAgeSec))
	}

	m.log.Info("fleet health", attrs...)

	if running == 0 {
		m.log.Error("no workers running")
	}
}

// Stop halts the sampling loop.
func (m *HealthMonitor) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
