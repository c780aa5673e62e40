// Package server exposes the read-only ops surface: health, worker stats,
// queue metrics, and prometheus.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/repolens-ai/repolens/domain/queue"
	"github.com/repolens-ai/repolens/domain/worker"
	"github.com/repolens-ai/repolens/internal/config"
	"github.com/repolens-ai/repolens/pkg/logger"
)

var Module = fx.Module("server",
	fx.Provide(NewEcho),
	fx.Invoke(StartServer),
)

// NewEcho creates the ops server and mounts its routes.
func NewEcho(cfg *config.Config, log *slog.Logger, db bun.IDB, fleet *worker.Fleet, adapter queue.Adapter) *echo.Echo {
	e := echo.New()
	e.Debug = cfg.Debug
	e.HideBanner = true
	e.HidePort = !cfg.Debug

	e.Use(
		middleware.RecoverWithConfig(middleware.RecoverConfig{
			LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
				log.Error("panic recovered",
					logger.Error(err),
					slog.String("stack", string(stack)))
				return nil
			},
		}),
	)

	e.GET("/healthz", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if _, err := db.ExecContext(ctx, "SELECT 1"); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/stats", func(c echo.Context) error {
		stats := fleet.Stats()

		running := 0
		var processed, failed int64
		for _, s := range stats {
			if s.Running {
				running++
			}
			processed += s.JobsProcessed
			failed += s.JobsFailed
		}

		return c.JSON(http.StatusOK, map[string]any{
			"workers": stats,
			"fleet": map[string]any{
				"workers_running": running,
				"jobs_processed":  processed,
				"jobs_failed":     failed,
			},
		})
	})

	e.GET("/queue/metrics", func(c echo.Context) error {
		metrics, err := adapter.Metrics(c.Request().Context(), cfg.Queue.Name)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"queue":   cfg.Queue.Name,
			"metrics": metrics,
		})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

// StartServer runs the ops server with graceful shutdown.
func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, log *slog.Logger) {
	if !cfg.Ops.Enabled {
		return
	}

	log = log.With(logger.Scope("server"))
	addr := fmt.Sprintf("%s:%d", cfg.Ops.Address, cfg.Ops.Port)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("starting ops server", slog.String("address", addr))
			go func() {
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					log.Error("ops server error", logger.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down ops server")
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	})
}
