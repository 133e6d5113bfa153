package charge

import (
	"github.com/corebill/corebill/internal/charge/service"
	"go.uber.org/fx"
)

var Module = fx.Module("charge",
	fx.Provide(
		service.NewExecutor,
		service.NewReconciler,
	),
)
