// Package main runs the RepoLens worker fleet: it migrates the database,
// starts the configured number of queue workers, and serves the ops surface.
package main

import (
	"context"
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/repolens-ai/repolens/domain/audit"
	"github.com/repolens-ai/repolens/domain/email"
	"github.com/repolens-ai/repolens/domain/queue"
	"github.com/repolens-ai/repolens/domain/registry"
	"github.com/repolens-ai/repolens/domain/worker"
	"github.com/repolens-ai/repolens/internal/config"
	"github.com/repolens-ai/repolens/internal/database"
	"github.com/repolens-ai/repolens/internal/migrate"
	"github.com/repolens-ai/repolens/internal/server"
	"github.com/repolens-ai/repolens/pkg/clock"
	"github.com/repolens-ai/repolens/pkg/logger"
)

func main() {
	// Load .env files if present (for local development). Load() won't
	// overwrite existing vars, Overload() will.
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		clock.Module,
		database.Module,
		migrate.Module,
		server.Module,

		// Domain modules
		queue.Module,
		registry.Module,
		email.Module,
		audit.Module,
		worker.Module,

		// The fleet's default handler; deployments with an analysis pipeline
		// replace this provider.
		fx.Provide(worker.NewLoggingHandler),

		// Schema must be current before any worker polls. Invokes run before
		// lifecycle OnStart hooks, so this completes before the fleet starts.
		fx.Invoke(func(migrator *migrate.Migrator) error {
			return migrator.Up(context.Background())
		}),
	).Run()
}
