package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_mirror/internal/auth"
	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/mirror"
	"github.com/austindbirch/harbor_mirror/internal/ratelimit"
	"github.com/austindbirch/harbor_mirror/internal/store/memory"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
	"github.com/austindbirch/harbor_mirror/internal/webhook"
)

const testSecret = "topsecret"

type fixture struct {
	srv      http.Handler
	queue    *memory.Queue
	ledger   *memory.Ledger
	mirror   *memory.Mirror
	settings *memory.Settings
	limits   *memory.RateLimits
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		queue:    memory.NewQueue(),
		ledger:   memory.NewLedger(),
		mirror:   memory.NewMirror(),
		settings: memory.NewSettings(),
		limits:   memory.NewRateLimits(),
	}
	tracker := ratelimit.NewTracker(f.limits, 10)
	sched := syncjob.NewScheduler(memory.NewJobs(), memory.NewSyncStates(), f.mirror, tracker, nil,
		&ids.Sequence{}, syncjob.Options{MaxAttempts: 3}, nil)
	s := NewServer(Deps{
		Intake:    webhook.NewIntake(f.ledger, f.queue, nil, 5, nil),
		Operator:  webhook.NewOperator(f.queue, f.ledger, nil, nil),
		Scheduler: sched,
		Mirror:    f.mirror,
		Settings:  f.settings,
		Tracker:   tracker,
		Provider: config.Provider{
			WebhookSecret:   testSecret,
			SignatureHeader: "X-Hub-Signature-256",
			EventHeader:     "X-GitHub-Event",
			DeliveryHeader:  "X-GitHub-Delivery",
			UserHeader:      "X-Mirror-User",
		},
		Auth: auth.DevMiddleware,
	})
	f.srv = s.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func signedHeaders(body, event, id string) map[string]string {
	return map[string]string{
		"X-Hub-Signature-256": webhook.Sign([]byte(testSecret), []byte(body)),
		"X-GitHub-Event":      event,
		"X-GitHub-Delivery":   id,
	}
}

func TestReceiveWebhook(t *testing.T) {
	body := `{"action":"opened","repository":{"id":7,"owner":{"login":"acme"}}}`

	tests := []struct {
		name     string
		body     string
		headers  map[string]string
		wantCode int
	}{
		{
			name:     "bad signature",
			body:     body,
			headers:  map[string]string{"X-Hub-Signature-256": "sha256=00", "X-GitHub-Event": "pull_request", "X-GitHub-Delivery": "d-1"},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "missing signature",
			body:     body,
			headers:  map[string]string{"X-GitHub-Event": "pull_request", "X-GitHub-Delivery": "d-1"},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "missing delivery header",
			body:     body,
			headers:  signedHeaders(body, "pull_request", ""),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "not json",
			body:     "hello",
			headers:  signedHeaders("hello", "pull_request", "d-2"),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "accepted",
			body:     body,
			headers:  signedHeaders(body, "pull_request", "d-3"),
			wantCode: http.StatusAccepted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(t, http.MethodPost, "/webhooks", tt.body, tt.headers)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

func TestReceiveWebhookDuplicateAndUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mirror.UpsertRepository(ctx, mirror.Repository{ID: 7, FullName: "acme/api"}); err != nil {
		t.Fatal(err)
	}
	if err := f.mirror.LinkUser(ctx, "u-linked", 7); err != nil {
		t.Fatal(err)
	}

	body := `{"action":"opened","repository":{"id":7,"owner":{"login":"acme"}}}`
	if w := f.do(t, http.MethodPost, "/webhooks", body, signedHeaders(body, "pull_request", "d-1")); w.Code != http.StatusAccepted {
		t.Fatalf("first delivery status = %d", w.Code)
	}
	w := f.do(t, http.MethodPost, "/webhooks", body, signedHeaders(body, "pull_request", "d-1"))
	if w.Code != http.StatusOK {
		t.Errorf("duplicate status = %d, want 200", w.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["reason"] != webhook.ReasonInflight {
		t.Errorf("duplicate reason = %q, want inflight", resp["reason"])
	}

	item, err := f.queue.Get(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if item.UserID != "u-linked" || item.Action != "opened" {
		t.Errorf("item user/action = %q/%q, want u-linked/opened", item.UserID, item.Action)
	}

	// header beats the repository link, owner login is the last resort
	hdr := signedHeaders(body, "pull_request", "d-2")
	hdr["X-Mirror-User"] = "u-header"
	f.do(t, http.MethodPost, "/webhooks", body, hdr)
	other := `{"repository":{"id":99,"owner":{"login":"octo"}}}`
	f.do(t, http.MethodPost, "/webhooks", other, signedHeaders(other, "push", "d-3"))

	for id, want := range map[string]string{"d-2": "u-header", "d-3": "octo"} {
		it, err := f.queue.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if it.UserID != want {
			t.Errorf("%s user = %q, want %q", id, it.UserID, want)
		}
	}
}

func TestAdminRequiresAuth(t *testing.T) {
	f := newFixture(t)
	s := NewServer(Deps{Operator: webhook.NewOperator(f.queue, f.ledger, nil, nil)})
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("stats without auth = %d, want 401", w.Code)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	if w.Code != http.StatusOK {
		t.Errorf("ping = %d, want 200", w.Code)
	}
}

func TestQueueControls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := f.queue.Insert(ctx, delivery.Item{DeliveryID: "dead", Event: "push", MaxAttempts: 1, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	claimed, err := f.queue.Claim(ctx, "dead", now)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.queue.MarkDeadLetter(ctx, "dead", claimed.ClaimToken, 1, "boom", now); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantBody string
	}{
		{"list bad status", http.MethodGet, "/v1/queue?status=bogus", "", http.StatusBadRequest, "unknown status"},
		{"list dead letters", http.MethodGet, "/v1/queue?status=dead_letter", "", http.StatusOK, `"delivery_id":"dead"`},
		{"stats", http.MethodGet, "/v1/queue/stats", "", http.StatusOK, `"dead_letter":1`},
		{"retry missing", http.MethodPost, "/v1/queue/nope/retry", "", http.StatusNotFound, "not found"},
		{"retry", http.MethodPost, "/v1/queue/dead/retry", "", http.StatusOK, `"rearmed":true`},
		{"retry pending is a no-op", http.MethodPost, "/v1/queue/dead/retry", "", http.StatusOK, `"rearmed":false`},
		{"retry all", http.MethodPost, "/v1/queue/retry-all", "", http.StatusOK, `"rearmed":[]`},
		{"discard", http.MethodDelete, "/v1/queue/dead", "", http.StatusOK, `"deleted":true`},
		{"discard missing", http.MethodDelete, "/v1/queue/dead", "", http.StatusOK, `"deleted":false`},
		{"discard all", http.MethodPost, "/v1/queue/discard-all", "", http.StatusOK, `"deleted":0`},
		{"purge bad window", http.MethodPost, "/v1/queue/purge-all", `{"older_than":"soon"}`, http.StatusBadRequest, "duration"},
		{"purge", http.MethodPost, "/v1/queue/purge-all", `{"older_than":"1h"}`, http.StatusOK, `"items":0`},
		{"purge default window", http.MethodPost, "/v1/queue/purge-all", "", http.StatusOK, `"ledger":0`},
		{"failed ledger", http.MethodGet, "/v1/ledger/failed", "", http.StatusOK, `"deliveries":[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body, nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want substring %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestSyncEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/sync/jobs", `{"job_type":"repo_sync","resource_id":"acme/api"}`, map[string]string{"X-User-ID": "alice"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("request status = %d (%s)", w.Code, w.Body.String())
	}
	var res syncjob.RequestResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.Job.UserID != "alice" {
		t.Errorf("result = %+v, want created job for alice", res)
	}

	w = f.do(t, http.MethodPost, "/v1/sync/jobs", `{"job_type":"repo_sync","user_id":"alice","resource_id":"acme/api"}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("coalesced request status = %d, want 200", w.Code)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantBody string
	}{
		{"invalid request", http.MethodPost, "/v1/sync/jobs", `{"job_type":"repo_sync","user_id":"a","resource_id":"bad"}`, http.StatusBadRequest, "error"},
		{"unknown type", http.MethodPost, "/v1/sync/jobs", `{"job_type":"nope","user_id":"a"}`, http.StatusBadRequest, "unknown job type"},
		{"list", http.MethodGet, "/v1/sync/jobs?user=alice", "", http.StatusOK, `"resource_id":"acme/api"`},
		{"get", http.MethodGet, "/v1/sync/jobs/1", "", http.StatusOK, `"state":"pending"`},
		{"get bad id", http.MethodGet, "/v1/sync/jobs/x", "", http.StatusBadRequest, "integer"},
		{"get missing", http.MethodGet, "/v1/sync/jobs/99", "", http.StatusNotFound, "not found"},
		{"cancel", http.MethodPost, "/v1/sync/jobs/1/cancel", "", http.StatusOK, `"state":"cancelled"`},
		{"states", http.MethodGet, "/v1/sync/state/alice", "", http.StatusOK, `"states":[]`},
		{"rate limit unknown", http.MethodGet, "/v1/ratelimit/alice", "", http.StatusNotFound, "no rate limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body, nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want substring %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestSettingsAndMirrorViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reset := time.Now().Add(time.Hour).UTC()
	if err := f.limits.PutSnapshot(ctx, ratelimit.Snapshot{UserID: "alice", Remaining: 42, Limit: 5000, ResetAt: reset}); err != nil {
		t.Fatal(err)
	}
	if err := f.mirror.UpsertRepository(ctx, mirror.Repository{ID: 7, FullName: "acme/api"}); err != nil {
		t.Fatal(err)
	}
	if err := f.mirror.LinkUser(ctx, "alice", 7); err != nil {
		t.Fatal(err)
	}
	if err := f.mirror.UpsertPullRequest(ctx, mirror.PullRequest{ID: 1, RepoID: 7, Number: 42, Title: "Add feature"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantBody string
	}{
		{"settings missing", http.MethodGet, "/v1/users/alice/settings", "", http.StatusNotFound, "no settings"},
		{"put settings", http.MethodPut, "/v1/users/alice/settings", `{"debug_retention":true}`, http.StatusOK, `"debug_retention":true`},
		{"get settings", http.MethodGet, "/v1/users/alice/settings", "", http.StatusOK, `"user_id":"alice"`},
		{"put settings bad json", http.MethodPut, "/v1/users/alice/settings", `{`, http.StatusBadRequest, "invalid"},
		{"rate limit", http.MethodGet, "/v1/ratelimit/alice", "", http.StatusOK, `"remaining":42`},
		{"repositories", http.MethodGet, "/v1/users/alice/repositories", "", http.StatusOK, `"full_name":"acme/api"`},
		{"pull", http.MethodGet, "/v1/repositories/7/pulls/42", "", http.StatusOK, `"title":"Add feature"`},
		{"pull missing", http.MethodGet, "/v1/repositories/7/pulls/43", "", http.StatusNotFound, "not mirrored"},
		{"pull bad number", http.MethodGet, "/v1/repositories/7/pulls/x", "", http.StatusBadRequest, "integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body, nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want substring %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}
