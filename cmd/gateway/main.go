package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyvo/hairstyle-transfer/pkg/bootstrap"
	"github.com/vyvo/hairstyle-transfer/pkg/config"
	"github.com/vyvo/hairstyle-transfer/pkg/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, cfg.Pipeline.Telemetry.ServiceName, cfg.Pipeline.Telemetry.Tracing)
	defer func() {
		_ = shutdownTracer(context.Background())
	}()

	services, err := bootstrap.Build(cfg.Pipeline, logger)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}
	defer services.Close()

	metrics := promhttp.HandlerFor(services.Registry, promhttp.HandlerOpts{})
	srv := newServer(ctx, cfg, services.Orchestrator, services.Memory, metrics, logger)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("gateway.shutdown_failed", "error", err)
		}
	}()

	logger.Info("gateway.listening", "addr", cfg.ListenAddr, "mode", cfg.Pipeline.Mode)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway listen failed: %v", err)
	}

	<-ctx.Done()
	logger.Info("gateway.stopped")
}
