package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_mirror/internal/app"
	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/health"
	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/ingest"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/metrics"
	"github.com/austindbirch/harbor_mirror/internal/notify"
	"github.com/austindbirch/harbor_mirror/internal/tracing"
)

const (
	serviceName    = "harbormirror-ingest"
	healthInterval = 10 * time.Second
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New(serviceName)
	logger.SetLevel(cfg.LogLevel)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	if cfg.Provider.WebhookSecret == "" {
		logger.Plain().Warn("WEBHOOK_SECRET is empty, every webhook will be rejected")
	}

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store setup failed")
	}
	defer stores.Close()

	// NSQ producer for processor kicks
	var notifier notify.Notifier = notify.Noop{}
	checks := stores.Checks()
	if cfg.NSQ.Enabled {
		n, producer, err := notify.NewNSQ(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.KickTopic, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer producer.Stop()
		notifier = n
		checks = append(checks, health.Check{Name: "nsq", Fn: func(context.Context) error { return producer.Ping() }})
	}

	gen, err := ids.NewSnowflake(ids.NodeFromHost())
	if err != nil {
		logger.Plain().WithError(err).Fatal("snowflake node setup failed")
	}
	// Ingest only records sync requests; the worker runs them.
	rt := app.NewRuntime(cfg, app.RuntimeDeps{Stores: stores, Notifier: notifier, IDs: gen, Logger: logger})

	// gRPC health
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, hs, healthInterval, stores.DB(), checks...)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("ingest gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	// HTTP: webhooks, admin API, health, metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	authMW, err := app.AuthMiddleware(ctx, cfg.Auth, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("admin auth setup failed")
	}
	d := rt.ServerDeps(stores)
	d.Auth = authMW
	d.Health = health.HTTPHandler(stores.DB(), checks...)
	d.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	httpSrv := newHTTPServer(cfg.HTTPPort, ingest.NewServer(d).Handler())
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Plain().Info("Shutting down ingest service")
	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("ingest stopped")
}

// newHTTPServer bounds header and idle time; webhook bodies are capped by the handler.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
