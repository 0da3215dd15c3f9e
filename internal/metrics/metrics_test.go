package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	RecordWebhookReceived("pull_request")
	RecordEnqueue("enqueued")
	RecordProcessed("pull_request", "processed", 10*time.Millisecond)
	RecordRetry("transient")
	RecordDeadLetter("permanent")
	UpdateQueueDepth(map[string]int64{"pending": 1})
	RecordSyncJob("repo_sync", "completed")
	RecordSyncStep("repo_sync", "fetch_pulls", time.Second)
	RecordAdmissionDenied()
	UpdateRateLimitRemaining("octocat", 10)
	RecordProviderRequest("2xx")
	UpdateNSQTopicDepth("queue_kick", "workers", 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	got := map[string]bool{}
	for _, mf := range families {
		got[mf.GetName()] = true
	}
	for _, name := range []string{
		"harbormirror_webhooks_received_total",
		"harbormirror_enqueue_total",
		"harbormirror_queue_processed_total",
		"harbormirror_handler_latency_seconds",
		"harbormirror_retries_total",
		"harbormirror_dead_letters_total",
		"harbormirror_queue_depth",
		"harbormirror_sync_jobs_total",
		"harbormirror_sync_step_duration_seconds",
		"harbormirror_admission_denied_total",
		"harbormirror_ratelimit_remaining",
		"harbormirror_provider_requests_total",
		"harbormirror_nsq_topic_depth",
	} {
		if !got[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestRecordEnqueue(t *testing.T) {
	EnqueueTotal.Reset()
	RecordEnqueue("enqueued")
	RecordEnqueue("duplicate_ledger")
	RecordEnqueue("duplicate_ledger")

	if got := testutil.ToFloat64(EnqueueTotal.WithLabelValues("enqueued")); got != 1 {
		t.Errorf("enqueued = %v, want 1", got)
	}
	if got := testutil.ToFloat64(EnqueueTotal.WithLabelValues("duplicate_ledger")); got != 2 {
		t.Errorf("duplicate_ledger = %v, want 2", got)
	}
}

func TestUpdateQueueDepth(t *testing.T) {
	QueueDepth.Reset()
	UpdateQueueDepth(map[string]int64{"pending": 4, "dead_letter": 2})

	tests := map[string]float64{
		"pending":     4,
		"dead_letter": 2,
		"processing":  0,
		"processed":   0,
		"failed":      0,
	}
	for status, want := range tests {
		if got := testutil.ToFloat64(QueueDepth.WithLabelValues(status)); got != want {
			t.Errorf("queue depth %s = %v, want %v", status, got, want)
		}
	}

	UpdateQueueDepth(map[string]int64{})
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("pending")); got != 0 {
		t.Errorf("pending after reset = %v, want 0", got)
	}
}

func TestRecordProcessed(t *testing.T) {
	ProcessedTotal.Reset()
	HandlerLatency.Reset()

	RecordProcessed("issues", "retry", 5*time.Millisecond)
	RecordProcessed("issues", "retry", 5*time.Millisecond)
	RecordProcessed("issues", "processed", time.Millisecond)

	if got := testutil.ToFloat64(ProcessedTotal.WithLabelValues("issues", "retry")); got != 2 {
		t.Errorf("retry count = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(HandlerLatency); got != 1 {
		t.Errorf("latency series = %d, want 1", got)
	}
}

func TestRateLimitGauges(t *testing.T) {
	RateLimitRemaining.Reset()
	UpdateRateLimitRemaining("octocat", 4999)
	UpdateRateLimitRemaining("octocat", 12)
	if got := testutil.ToFloat64(RateLimitRemaining.WithLabelValues("octocat")); got != 12 {
		t.Errorf("remaining = %v, want 12 (last write wins)", got)
	}

	before := testutil.ToFloat64(AdmissionDeniedTotal)
	RecordAdmissionDenied()
	if got := testutil.ToFloat64(AdmissionDeniedTotal); got != before+1 {
		t.Errorf("admission denied = %v, want %v", got, before+1)
	}
}
