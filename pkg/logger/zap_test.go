package logger

import (
	"log/slog"
	"testing"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewZapLogger_Development(t *testing.T) {
	for _, env := range []string{"", "local", "development", "Development"} {
		t.Setenv("GO_ENV", env)

		zl, err := NewZapLogger()
		if err != nil {
			t.Fatalf("NewZapLogger() error = %v for GO_ENV=%q", err, env)
		}
		if zl == nil {
			t.Fatalf("NewZapLogger() returned nil for GO_ENV=%q", env)
		}
		// Development config enables debug output.
		if !zl.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("NewZapLogger() should enable debug level for GO_ENV=%q", env)
		}
	}
}

func TestNewZapLogger_Production(t *testing.T) {
	t.Setenv("GO_ENV", "production")

	zl, err := NewZapLogger()
	if err != nil {
		t.Fatalf("NewZapLogger() error = %v", err)
	}
	if zl == nil {
		t.Fatal("NewZapLogger() returned nil")
	}

	if zl.Core().Enabled(zapcore.DebugLevel) {
		t.Error("NewZapLogger() should NOT enable debug level in production")
	}
	if !zl.Core().Enabled(zapcore.InfoLevel) {
		t.Error("NewZapLogger() should enable info level in production")
	}
}

func TestModule_ProvidesBothLoggers(t *testing.T) {
	err := fx.ValidateApp(
		Module,
		fx.NopLogger,
		fx.Invoke(func(log *slog.Logger, zl *zap.Logger) {}),
	)
	if err != nil {
		t.Fatalf("fx.ValidateApp() error = %v", err)
	}
}
