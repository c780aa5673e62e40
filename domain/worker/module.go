package worker

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/repolens-ai/repolens/domain/queue"
	"github.com/repolens-ai/repolens/domain/registry"
	"github.com/repolens-ai/repolens/internal/config"
)

// Module provides the fleet, the retry policy, and the health monitor.
// A MessageHandler and a SettlementNotifier must be provided elsewhere.
var Module = fx.Module("worker",
	fx.Provide(
		fx.Annotate(
			func(r *registry.Registry) ClaimRegistry { return r },
			fx.As(new(ClaimRegistry)),
		),
		func(cfg *config.Config, adapter queue.Adapter, log *slog.Logger) *RetryPolicy {
			return NewRetryPolicy(adapter, cfg.Worker.RetryBaseSeconds, cfg.Worker.RetryCapSeconds, log)
		},
		NewFleet,
		func(cfg *config.Config, fleet *Fleet, adapter queue.Adapter, log *slog.Logger) *HealthMonitor {
			interval := time.Duration(cfg.Worker.MonitorIntervalSeconds) * time.Second
			return NewHealthMonitor(fleet, adapter, cfg.Queue.Name, interval, log)
		},
	),
	fx.Invoke(registerFleetLifecycle),
)

func registerFleetLifecycle(lc fx.Lifecycle, fleet *Fleet, monitor *HealthMonitor, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			fleet.Start()
			monitor.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
			defer cancel()
			if err := monitor.Stop(stopCtx); err != nil {
				return err
			}
			return fleet.Stop(stopCtx)
		},
	})
}
