package queue

import (
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/repolens-ai/repolens/internal/config"
	"github.com/repolens-ai/repolens/pkg/clock"
)

// Module provides the Postgres queue adapter.
var Module = fx.Module("queue",
	fx.Provide(
		func(db bun.IDB, clk clock.Clock, log *slog.Logger, cfg *config.Config) *PostgresAdapter {
			return NewPostgresAdapter(db, clk, log, cfg.Worker.MaxAttemptsDefault)
		},
		fx.Annotate(
			func(a *PostgresAdapter) Adapter { return a },
			fx.As(new(Adapter)),
		),
	),
)
