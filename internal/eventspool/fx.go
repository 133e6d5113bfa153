package eventspool

import "go.uber.org/fx"

var Module = fx.Module("eventspool",
	fx.Provide(NewOutboxSpool),
)
