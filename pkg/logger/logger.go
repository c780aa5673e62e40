// Package logger provides the process-wide slog logger and shared
// logging attribute helpers.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the slog logger plus a zap bridge for components that
// still log through zap (the migrator).
var Module = fx.Module("logger",
	fx.Provide(
		NewLogger,
		NewZapLogger,
	),
)

// NewLogger creates the root slog logger.
//
// The level comes from LOG_LEVEL (debug, info, warn/warning, error;
// case-insensitive, default info). Output is JSON except in local
// development (GO_ENV empty, "local" or "development"), where a text
// handler is easier to read.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(os.Getenv("GO_ENV")) {
	case "", "local", "development":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// NewZapLogger creates a zap logger at the same level as the slog logger.
func NewZapLogger() (*zap.Logger, error) {
	switch strings.ToLower(os.Getenv("GO_ENV")) {
	case "", "local", "development":
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}

// Scope tags a log record with the subsystem that produced it.
// Loggers are typically derived once per component:
//
//	log = log.With(logger.Scope("queue.adapter"))
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error wraps an error as a slog attribute under the conventional "error" key.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
