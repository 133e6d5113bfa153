package gateway

import "go.uber.org/fx"

func NewDefaultRegistry() *Registry {
	// Concrete processor adapters register here as they are implemented;
	// the recording gateway stands in for local development.
	return NewRegistry(NewRecordingGateway("sandbox"))
}

var Module = fx.Module("gateway",
	fx.Provide(NewDefaultRegistry),
)
