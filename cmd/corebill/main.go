package main

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/corebill/corebill/internal/autopay"
	"github.com/corebill/corebill/internal/charge"
	"github.com/corebill/corebill/internal/clock"
	"github.com/corebill/corebill/internal/config"
	"github.com/corebill/corebill/internal/eventspool"
	"github.com/corebill/corebill/internal/gateway"
	"github.com/corebill/corebill/internal/locker"
	"github.com/corebill/corebill/internal/logger"
	"github.com/corebill/corebill/internal/migration"
	"github.com/corebill/corebill/internal/numbering"
	"github.com/corebill/corebill/pkg/db"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locker.Module,
		eventspool.Module,
		migration.Module,

		// Collection engine
		gateway.Module,
		numbering.Module,
		charge.Module,
		autopay.Module,

		fx.Invoke(replaceGlobalLogger),
		fx.Invoke(serveMetrics),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func replaceGlobalLogger(log *zap.Logger) {
	zap.ReplaceGlobals(log)
}

func serveMetrics(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
