package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormirror_webhooks_received_total",
			Help: "Webhook deliveries that passed signature verification, by event.",
		},
		[]string{"event"},
	)

	EnqueueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormirror_enqueue_total",
			Help: "Enqueue outcomes.",
		},
		[]string{"outcome"}, // enqueued, duplicate_ledger, duplicate_inflight
	)

	ProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormirror_queue_processed_total",
			Help: "Queue item processing outcomes by event.",
		},
		[]string{"event", "outcome"}, // processed, not_handled, retry, dead_letter
	)

	HandlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbormirror_handler_latency_seconds",
			Help:    "Event handler latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormirror_retries_total",
			Help: "Scheduled retries by error class.",
		},
		[]string{"class"}, // transient, rate_limited
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormirror_dead_letters_total",
			Help: "Queue items moved to dead letter, by reason.",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbormirror_queue_depth",
			Help: "Queue items by status.",
		},
		[]string{"status"},
	)

	SyncJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormirror_sync_jobs_total",
			Help: "Sync job run outcomes.",
		},
		[]string{"job_type", "outcome"}, // completed, retry, failed, cancelled, deferred
	)

	SyncStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbormirror_sync_step_duration_seconds",
			Help:    "Duration of a single sync job step.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"job_type", "step"},
	)

	AdmissionDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormirror_admission_denied_total",
			Help: "Sync jobs deferred because the rate limit budget was exhausted.",
		},
	)

	RateLimitRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbormirror_ratelimit_remaining",
			Help: "Last known remaining provider API calls per user.",
		},
		[]string{"user"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormirror_provider_requests_total",
			Help: "Provider pull API requests by status class.",
		},
		[]string{"status"}, // 2xx, 304, 4xx, 403_429, 5xx, error
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbormirror_nsq_topic_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		WebhooksReceivedTotal,
		EnqueueTotal,
		ProcessedTotal,
		HandlerLatency,
		RetriesTotal,
		DeadLettersTotal,
		QueueDepth,
		SyncJobsTotal,
		SyncStepDuration,
		AdmissionDeniedTotal,
		RateLimitRemaining,
		ProviderRequestsTotal,
		NSQTopicDepth,
	)
}

func RecordWebhookReceived(event string) {
	WebhooksReceivedTotal.WithLabelValues(event).Inc()
}

func RecordEnqueue(outcome string) {
	EnqueueTotal.WithLabelValues(outcome).Inc()
}

func RecordProcessed(event, outcome string, latency time.Duration) {
	ProcessedTotal.WithLabelValues(event, outcome).Inc()
	HandlerLatency.WithLabelValues(event).Observe(latency.Seconds())
}

func RecordRetry(class string) {
	RetriesTotal.WithLabelValues(class).Inc()
}

func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

// UpdateQueueDepth replaces the per-status gauges; statuses missing from counts read zero.
func UpdateQueueDepth(counts map[string]int64) {
	for _, s := range []string{"pending", "processing", "processed", "failed", "dead_letter"} {
		QueueDepth.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func RecordSyncJob(jobType, outcome string) {
	SyncJobsTotal.WithLabelValues(jobType, outcome).Inc()
}

func RecordSyncStep(jobType, step string, d time.Duration) {
	SyncStepDuration.WithLabelValues(jobType, step).Observe(d.Seconds())
}

func RecordAdmissionDenied() {
	AdmissionDeniedTotal.Inc()
}

func UpdateRateLimitRemaining(user string, remaining int) {
	RateLimitRemaining.WithLabelValues(user).Set(float64(remaining))
}

func RecordProviderRequest(status string) {
	ProviderRequestsTotal.WithLabelValues(status).Inc()
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
