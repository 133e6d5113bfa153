package autopay

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("autopay",
	fx.Provide(NewService),
	fx.Provide(NewScheduler),
	fx.Invoke(startScheduler),
)

func startScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
