package email

import (
	"go.uber.org/fx"
)

// Module provides the template service, the transport, and the dispatcher.
var Module = fx.Module("email",
	fx.Provide(
		NewTemplateService,
		NewSender,
		NewDispatcher,
	),
)
