package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const statsPayload = `{
	"topics": [
		{
			"topic_name": "queue_kick",
			"depth": 2,
			"message_count": 40,
			"channels": [
				{"channel_name": "workers", "depth": 7, "in_flight_count": 3, "deferred_count": 1, "requeue_count": 2, "timeout_count": 0}
			]
		},
		{"topic_name": "dead_letters", "depth": 5, "channels": []}
	]
}`

func TestFetchStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(statsPayload))
	}))
	defer srv.Close()

	stats, err := FetchStats(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("FetchStats() error: %v", err)
	}
	kick, ok := stats.Topic("queue_kick")
	if !ok {
		t.Fatalf("queue_kick topic missing")
	}
	if kick.MessageCount != 40 {
		t.Errorf("message_count = %d, want 40", kick.MessageCount)
	}
	workers, ok := kick.Channel("workers")
	if !ok {
		t.Fatalf("workers channel missing")
	}
	if workers.Depth != 7 || workers.InFlight != 3 || workers.Deferred != 1 || workers.Requeued != 2 {
		t.Errorf("workers = %+v", workers)
	}
	if _, ok := kick.Channel("nope"); ok {
		t.Errorf("unexpected channel nope")
	}
	if dlq, ok := stats.Topic("dead_letters"); !ok || dlq.Depth != 5 {
		t.Errorf("dead_letters = %+v, %v", dlq, ok)
	}
	if _, ok := stats.Topic("missing"); ok {
		t.Errorf("unexpected topic missing")
	}
}

func TestFetchStatsErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"bad json", http.StatusOK, "{not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()
			if _, err := FetchStats(context.Background(), srv.Client(), srv.URL); err == nil {
				t.Errorf("FetchStats() expected error")
			}
		})
	}
}

func TestHTTPAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"nsqd:4150", "nsqd:4151"},
		{"127.0.0.1:4150", "127.0.0.1:4151"},
		{"nsqd:9000", "nsqd:9000"},
	}
	for _, tt := range tests {
		if got := HTTPAddr(tt.in); got != tt.want {
			t.Errorf("HTTPAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
