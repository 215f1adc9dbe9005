package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/server"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/buildinfo"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/config"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/tracing"
)

func main() {
	if err := config.LoadEnvFile(); err != nil {
		logging.Warn("controlplane", "env file not loaded", "err", err)
	}
	cfg := config.Load()
	buildinfo.Log(cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName)
	if err != nil {
		logging.Warn("controlplane", "tracing disabled", "err", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	app, err := server.Build(ctx, cfg)
	if err != nil {
		logging.Error("controlplane", "startup failed", "err", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := server.Run(ctx, app); err != nil {
		logging.Error("controlplane", "server stopped", "err", err)
		os.Exit(1)
	}
	logging.Info("controlplane", "shutdown complete")
}
