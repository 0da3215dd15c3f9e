// Command nsq-monitor exports the depth of the mirror's NSQ topics so a
// stalled worker fleet or a growing dead letter topic shows up in alerts.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/notify"
)

type monitor struct {
	kickBacklog     prometheus.Gauge
	deadLetterDepth prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
	channelRequeued *prometheus.GaugeVec

	kickTopic     string
	dlqTopic      string
	workerChannel string
}

func newMonitor(reg prometheus.Registerer, cfg config.NSQ) *monitor {
	m := &monitor{
		kickBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harbormirror_kick_backlog",
			Help: "Kicks waiting on the worker channel",
		}),
		deadLetterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harbormirror_dead_letter_topic_depth",
			Help: "Dead letter envelopes waiting on the dead letter topic and its channels",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbormirror_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbormirror_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelRequeued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbormirror_nsq_channel_requeued",
			Help: "Messages requeued since nsqd started, by topic and channel",
		}, []string{"topic", "channel"}),
		kickTopic:     cfg.KickTopic,
		dlqTopic:      cfg.DLQTopic,
		workerChannel: cfg.WorkerChannel,
	}
	reg.MustRegister(m.kickBacklog, m.deadLetterDepth, m.channelDepth, m.channelInflight, m.channelRequeued)
	return m
}

// update applies one stats snapshot. A missing worker channel keeps the
// last backlog value.
func (m *monitor) update(stats notify.Stats) {
	if topic, ok := stats.Topic(m.kickTopic); ok {
		if ch, ok := topic.Channel(m.workerChannel); ok {
			m.kickBacklog.Set(float64(ch.Depth))
		}
		m.setChannels(topic)
	}
	if topic, ok := stats.Topic(m.dlqTopic); ok {
		depth := topic.Depth
		for _, ch := range topic.Channels {
			depth += ch.Depth
		}
		m.deadLetterDepth.Set(float64(depth))
		m.setChannels(topic)
	}
}

func (m *monitor) setChannels(topic notify.TopicStats) {
	for _, ch := range topic.Channels {
		m.channelDepth.WithLabelValues(topic.Name, ch.Name).Set(float64(ch.Depth))
		m.channelInflight.WithLabelValues(topic.Name, ch.Name).Set(float64(ch.InFlight))
		m.channelRequeued.WithLabelValues(topic.Name, ch.Name).Set(float64(ch.Requeued))
	}
}

func (m *monitor) collect(ctx context.Context, client *http.Client, addr string, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats, err := notify.FetchStats(ctx, client, addr)
		if err != nil {
			logger.Plain().WithError(err).Warn("Error updating metrics")
		} else {
			m.update(stats)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New("harbormirror-nsq-monitor")
	logger.SetLevel(cfg.LogLevel)

	nsqdHost := getEnv("NSQD_HOST", notify.HTTPAddr(cfg.NSQ.NsqdTCPAddr))
	port := getEnv("PORT", "8084")
	interval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second

	reg := prometheus.NewRegistry()
	m := newMonitor(reg, cfg.NSQ)
	go m.collect(ctx, &http.Client{Timeout: 5 * time.Second}, nsqdHost, interval, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{"port": port, "nsqd": nsqdHost, "interval": interval.String()}).Info("NSQ Monitor starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("NSQ Monitor failed")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
