package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
)

const shutdownTimeout = 10 * time.Second

// Run serves the ops router and the gRPC health service until ctx ends,
// then shuts both down gracefully.
func Run(ctx context.Context, app *App) error {
	httpLis, err := net.Listen("tcp", app.Config.OpsAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", app.Config.OpsAddr, err)
	}
	grpcLis, err := net.Listen("tcp", app.Config.GRPCHealthAddr)
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen %s: %w", app.Config.GRPCHealthAddr, err)
	}
	return serve(ctx, app, httpLis, grpcLis)
}

func serve(ctx context.Context, app *App, httpLis, grpcLis net.Listener) error {
	httpSrv := &http.Server{
		Handler:      NewOpsRouter(app),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	grpcSrv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	reflection.Register(grpcSrv)
	hs.SetServingStatus(app.Config.ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("server", "ops endpoints listening", "addr", httpLis.Addr().String())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logging.Info("server", "grpc health listening", "addr", grpcLis.Addr().String())
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		logging.Info("server", "stopped")
		return err
	})
	return g.Wait()
}
