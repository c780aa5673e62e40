package audit

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/repolens-ai/repolens/domain/email"
	"github.com/repolens-ai/repolens/domain/worker"
	"github.com/repolens-ai/repolens/internal/config"
)

// Module provides the settlement notifier and binds it as the fleet's
// SettlementNotifier.
var Module = fx.Module("audit",
	fx.Provide(
		fx.Annotate(
			func(d *email.Dispatcher, cfg *config.Config, log *slog.Logger) *Notifier {
				return NewNotifier(d, cfg.Audit.Recipients, log)
			},
			fx.As(new(worker.SettlementNotifier)),
		),
	),
)
