package registry

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/repolens-ai/repolens/internal/config"
	"github.com/repolens-ai/repolens/pkg/clock"
)

// Module provides the claim registry and its optional reaper.
var Module = fx.Module("registry",
	fx.Provide(
		func(db bun.IDB, clk clock.Clock, log *slog.Logger) *Registry {
			return NewRegistry(db, clk, log)
		},
		func(r *Registry, log *slog.Logger, cfg *config.Config) *Reaper {
			return NewReaper(r, log, cfg.Registry.ReaperSchedule, cfg.Registry.ReaperAfterMinutes)
		},
	),
	fx.Invoke(registerReaperLifecycle),
)

func registerReaperLifecycle(lc fx.Lifecycle, reaper *Reaper, cfg *config.Config) {
	if !cfg.Registry.ReaperEnabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return reaper.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return reaper.Stop(ctx)
		},
	})
}
