package numbering

import (
	"github.com/corebill/corebill/internal/numbering/service"
	"go.uber.org/fx"
)

var Module = fx.Module("numbering",
	fx.Provide(service.NewService),
)
