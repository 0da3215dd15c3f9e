package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_mirror/internal/app"
	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/health"
	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/ingest"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/metrics"
	"github.com/austindbirch/harbor_mirror/internal/notify"
	"github.com/austindbirch/harbor_mirror/internal/provider"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
	"github.com/austindbirch/harbor_mirror/internal/tracing"
)

const (
	serviceName     = "harbormirror-worker"
	kickMaxInFlight = 32
	backlogInterval = 15 * time.Second
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	logger := logging.New(serviceName)
	logger.SetLevel(cfg.LogLevel)

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store setup failed")
	}
	defer stores.Close()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	gen, err := ids.NewSnowflake(ids.NodeFromHost())
	if err != nil {
		logger.Plain().WithError(err).Fatal("snowflake node setup failed")
	}

	// Kicks go over NSQ when it is enabled. The memory driver has no other
	// process to talk to, so kicks stay in-process.
	var (
		notifier notify.Notifier = notify.Noop{}
		dlq      notify.DeadLetterPublisher
		local    *notify.Chan
	)
	switch {
	case cfg.NSQ.Enabled:
		n, producer, err := notify.NewNSQ(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.KickTopic, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer producer.Stop()
		notifier = n
		if cfg.Processor.PublishDLQ {
			dlq = n
		}
	case cfg.Store == app.DriverMemory:
		local = notify.NewChan(1024)
		notifier = local
	}

	client := provider.New(cfg.Provider.APIBaseURL, cfg.Provider.Token, cfg.Provider.Timeout)
	rt := app.NewRuntime(cfg, app.RuntimeDeps{
		Stores:      stores,
		Notifier:    notifier,
		DeadLetters: dlq,
		APIs:        syncjob.ProviderAPI(client),
		IDs:         gen,
		Logger:      logger,
	})

	handler, err := workerHandler(ctx, cfg, rt, stores, reg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("http handler setup failed")
	}
	httpSrv := &http.Server{Addr: cfg.Processor.HTTPPort, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// NSQ kick consumer
	var consumer *nsq.Consumer
	if cfg.NSQ.Enabled {
		consumer, err = notify.NewKickConsumer(cfg.NSQ.KickTopic, cfg.NSQ.WorkerChannel, kickMaxInFlight, rt.HandleKick, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		// Connecting directly to nsqd creates the channel before the first kick
		if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to nsqd failed")
		}
		if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to lookupd failed")
		}
		go runBacklogMonitor(ctx, cfg.NSQ, backlogInterval, logger)
	}

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	spawn(rt.RunProcessor)
	spawn(rt.RunScheduler)
	if local != nil {
		spawn(func(ctx context.Context) { rt.ConsumeKicks(ctx, local.C) })
	}

	sweeps, err := rt.Cron(ctx)
	if err != nil {
		logger.Plain().WithError(err).Fatal("cron setup failed")
	}
	sweeps.Start()

	logger.Plain().WithField("store", cfg.Store).Info("worker service started")

	// Graceful stop
	<-ctx.Done()
	logger.Plain().Info("Shutting down worker service")
	<-sweeps.Stop().Done()
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	wg.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

// workerHandler serves health and metrics. With the memory driver the worker
// also serves the ingest API, since no other process can see its stores.
func workerHandler(ctx context.Context, cfg config.Config, rt *app.Runtime, stores *app.Stores, reg *prometheus.Registry, logger *logging.Logger) (http.Handler, error) {
	healthH := health.HTTPHandler(stores.DB(), stores.Checks()...)
	metricsH := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	if cfg.Store != app.DriverMemory {
		mux := http.NewServeMux()
		mux.Handle("/healthz", healthH)
		mux.Handle("/metrics", metricsH)
		return mux, nil
	}

	authMW, err := app.AuthMiddleware(ctx, cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	d := rt.ServerDeps(stores)
	d.Auth = authMW
	d.Health = healthH
	d.Metrics = metricsH
	return ingest.NewServer(d).Handler(), nil
}

// runBacklogMonitor periodically publishes the depth of the kick and dead
// letter topics.
func runBacklogMonitor(ctx context.Context, cfg config.NSQ, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	httpClient := &http.Client{Timeout: 5 * time.Second}
	addr := notify.HTTPAddr(cfg.NsqdTCPAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats, err := notify.FetchStats(ctx, httpClient, addr)
		if err != nil {
			logger.Plain().WithError(err).Warn("Failed to get NSQ stats")
			continue
		}
		recordBacklog(stats, cfg.KickTopic, cfg.DLQTopic)
	}
}

// recordBacklog sets the depth gauge for each channel of the named topics.
// Messages not yet handed to a channel are reported under an empty channel.
func recordBacklog(stats notify.Stats, topics ...string) {
	for _, name := range topics {
		topic, ok := stats.Topic(name)
		if !ok {
			continue
		}
		metrics.UpdateNSQTopicDepth(topic.Name, "", float64(topic.Depth))
		for _, ch := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.Name, ch.Name, float64(ch.Depth))
		}
	}
}
