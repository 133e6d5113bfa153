package locker

import (
	"context"

	"github.com/corebill/corebill/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			return client.Close()
		},
	})
	return client
}

func provideLocker(client *redis.Client) Locker {
	return NewRedisLocker(client)
}

var Module = fx.Module("locker",
	fx.Provide(NewRedisClient),
	fx.Provide(provideLocker),
)
