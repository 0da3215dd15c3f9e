package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_mirror/internal/app"
	"github.com/austindbirch/harbor_mirror/internal/auth"
	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/ingest"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
)

// runCommand executes mirrorctl with args against a clean HOME.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	outputJSON, prettyJSON, jwtToken = false, false, ""

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// newIngestServer serves the ingest router over in-memory stores.
func newIngestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.FromEnv()
	cfg.Store = app.DriverMemory
	cfg.Provider.WebhookSecret = "s3cret"
	stores := app.MemoryStores()
	rt := app.NewRuntime(cfg, app.RuntimeDeps{
		Stores: stores,
		IDs:    &ids.Sequence{},
		Logger: logging.NewWithWriter("test", io.Discard),
	})
	d := rt.ServerDeps(stores)
	d.Auth = auth.DevMiddleware
	srv := httptest.NewServer(ingest.NewServer(d).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckJQAvailable(t *testing.T) {
	_, err := exec.LookPath("jq")
	if got := checkJQAvailable(); got != (err == nil) {
		t.Errorf("checkJQAvailable() = %v, want %v", got, err == nil)
	}
}

func TestFormatWithJQ(t *testing.T) {
	tests := []struct {
		name     string
		jsonData []byte
		wantErr  bool
	}{
		{"valid json", []byte(`{"key":"value","number":42}`), false},
		{"invalid json", []byte(`{"key":"value",}`), true},
		{"empty json object", []byte(`{}`), false},
		{"json array", []byte(`[1,2,3]`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !checkJQAvailable() {
				t.Skip("jq not available, skipping test")
			}
			got, err := formatWithJQ(tt.jsonData)
			if (err != nil) != tt.wantErr {
				t.Errorf("formatWithJQ() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got == "" {
				t.Errorf("formatWithJQ() returned empty string for valid JSON")
			}
		})
	}
}

func TestParseOptionalInt(t *testing.T) {
	tests := []struct {
		name    string
		s       string
		want    *int
		wantErr bool
	}{
		{"empty string", "", nil, false},
		{"positive", "42", intPtr(42), false},
		{"negative", "-3", intPtr(-3), false},
		{"not a number", "abc", nil, true},
		{"decimal", "4.5", nil, true},
		{"spaces", " 4 ", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOptionalInt(tt.s)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseOptionalInt() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("parseOptionalInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func intPtr(i int) *int { return &i }

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost:8080", "http://localhost:8080"},
		{"http://ingest:8080/", "http://ingest:8080"},
		{"https://mirror.example.com", "https://mirror.example.com"},
	}
	for _, tt := range tests {
		if got := baseURL(tt.in); got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseConfigValue(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		want    any
		wantErr bool
	}{
		{"server", "server", "http://x:1", "http://x:1", false},
		{"bool yes", "json", "yes", true, false},
		{"bool off", "pretty", "off", false, false},
		{"bad bool", "insecure", "maybe", nil, true},
		{"duration", "timeout", "90s", "1m30s", false},
		{"bad duration", "timeout", "soon", nil, true},
		{"unknown key", "colour", "blue", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseConfigValue(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseConfigValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseConfigValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrintOutput(t *testing.T) {
	defer func(j, p bool) { outputJSON, prettyJSON = j, p }(outputJSON, prettyJSON)

	tests := []struct {
		name   string
		v      any
		pretty bool
	}{
		{"map", map[string]any{"key": "value", "number": 42}, false},
		{"map through jq", map[string]any{"key": "value", "number": 42}, true},
		{"struct", delivery.Settings{UserID: "acme", DebugRetention: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prettyJSON = tt.pretty
			var buf bytes.Buffer
			printOutput(&buf, tt.v)

			want, _ := json.Marshal(tt.v)
			var got, expected any
			if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("printOutput() wrote invalid JSON %q: %v", buf.String(), err)
			}
			_ = json.Unmarshal(want, &expected)
			gotB, _ := json.Marshal(got)
			expB, _ := json.Marshal(expected)
			if !bytes.Equal(gotB, expB) {
				t.Errorf("printOutput() = %s, want %s", gotB, expB)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("abc", 3); got != "abc" {
		t.Errorf("truncate() = %q", got)
	}
}

func TestQueueCommands(t *testing.T) {
	srv := newIngestServer(t)

	out, err := runCommand(t, "--server", srv.URL, "webhook", "send", "ping",
		"--payload", `{"zen":"hi"}`, "--secret", "s3cret", "--delivery-id", "d-1")
	if err != nil || !strings.Contains(out, "Delivery d-1: queued") {
		t.Fatalf("webhook send = %q, %v", out, err)
	}
	out, err = runCommand(t, "--server", srv.URL, "webhook", "send", "ping",
		"--payload", `{"zen":"hi"}`, "--secret", "s3cret", "--delivery-id", "d-1")
	if err != nil || !strings.Contains(out, "duplicate") {
		t.Fatalf("webhook resend = %q, %v", out, err)
	}
	if _, err := runCommand(t, "--server", srv.URL, "webhook", "send", "ping",
		"--payload", `{}`, "--secret", "wrong", "--delivery-id", "d-2"); err == nil {
		t.Errorf("webhook send with wrong secret expected error")
	}

	out, err = runCommand(t, "--server", srv.URL, "--json", "queue", "stats")
	if err != nil {
		t.Fatalf("queue stats error: %v", err)
	}
	var stats struct {
		Counts map[delivery.Status]int64 `json:"counts"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats %q: %v", out, err)
	}
	if stats.Counts[delivery.StatusPending] != 1 {
		t.Errorf("pending count = %d, want 1", stats.Counts[delivery.StatusPending])
	}

	out, err = runCommand(t, "--server", srv.URL, "queue", "list", "--status", "pending")
	if err != nil || !strings.Contains(out, "d-1") || !strings.Contains(out, "DELIVERY") {
		t.Errorf("queue list = %q, %v", out, err)
	}

	if _, err := runCommand(t, "--server", srv.URL, "queue", "discard-all"); err == nil {
		t.Errorf("discard-all without --yes expected error")
	}
	out, err = runCommand(t, "--server", srv.URL, "queue", "discard", "d-1")
	if err != nil || !strings.Contains(out, "Discarded d-1") {
		t.Errorf("queue discard = %q, %v", out, err)
	}
	out, err = runCommand(t, "--server", srv.URL, "queue", "purge", "--older-than", "1h")
	if err != nil || !strings.Contains(out, "Purged") {
		t.Errorf("queue purge = %q, %v", out, err)
	}
	out, err = runCommand(t, "--server", srv.URL, "ledger", "failed")
	if err != nil || !strings.Contains(out, "No failed deliveries") {
		t.Errorf("ledger failed = %q, %v", out, err)
	}
}

func TestSyncCommands(t *testing.T) {
	srv := newIngestServer(t)

	out, err := runCommand(t, "--server", srv.URL, "--json", "sync", "request", "overview_sync", "--user", "acme")
	if err != nil {
		t.Fatalf("sync request error: %v", err)
	}
	var res syncjob.RequestResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode request result %q: %v", out, err)
	}
	if !res.Created || res.Job.UserID != "acme" || res.Job.JobType != syncjob.OverviewSync {
		t.Fatalf("sync request result = %+v", res)
	}
	id := strconv.FormatInt(res.Job.ID, 10)

	out, err = runCommand(t, "--server", srv.URL, "sync", "request", "overview_sync", "--user", "acme")
	if err != nil || !strings.Contains(out, "Joined active job "+id) {
		t.Errorf("second sync request = %q, %v", out, err)
	}
	if _, err := runCommand(t, "--server", srv.URL, "sync", "request", "repo_sync", "--user", "acme", "--resource", "bad"); err == nil {
		t.Errorf("repo_sync with a malformed resource expected error")
	}

	out, err = runCommand(t, "--server", srv.URL, "sync", "list", "--user", "acme")
	if err != nil || !strings.Contains(out, "overview_sync") {
		t.Errorf("sync list = %q, %v", out, err)
	}
	out, err = runCommand(t, "--server", srv.URL, "sync", "get", id)
	if err != nil || !strings.Contains(out, "State: pending") {
		t.Errorf("sync get = %q, %v", out, err)
	}
	out, err = runCommand(t, "--server", srv.URL, "sync", "cancel", id)
	if err != nil || !strings.Contains(out, "State: cancelled") {
		t.Errorf("sync cancel = %q, %v", out, err)
	}
	if _, err := runCommand(t, "--server", srv.URL, "sync", "get", "abc"); err == nil {
		t.Errorf("sync get with a non-integer id expected error")
	}
	if _, err := runCommand(t, "--server", srv.URL, "sync", "get", "999999"); err == nil {
		t.Errorf("sync get of an unknown job expected error")
	}
	out, err = runCommand(t, "--server", srv.URL, "sync", "state", "acme")
	if err != nil || !strings.Contains(out, "No sync state for acme") {
		t.Errorf("sync state = %q, %v", out, err)
	}

	_, err = runCommand(t, "--server", srv.URL, "ratelimit", "acme")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("ratelimit without observations error = %v, want 404", err)
	}
}

func TestSettingsAndMirrorCommands(t *testing.T) {
	srv := newIngestServer(t)

	if _, err := runCommand(t, "--server", srv.URL, "settings", "get", "acme"); err == nil {
		t.Errorf("settings get for unknown user expected error")
	}
	out, err := runCommand(t, "--server", srv.URL, "settings", "set", "acme", "--debug-retention=true")
	if err != nil || !strings.Contains(out, "Debug retention: true") {
		t.Fatalf("settings set = %q, %v", out, err)
	}
	out, err = runCommand(t, "--server", srv.URL, "settings", "get", "acme")
	if err != nil || !strings.Contains(out, "Debug retention: true") {
		t.Errorf("settings get = %q, %v", out, err)
	}

	out, err = runCommand(t, "--server", srv.URL, "repos", "acme")
	if err != nil || !strings.Contains(out, "No repositories mirrored for acme") {
		t.Errorf("repos = %q, %v", out, err)
	}
	if _, err := runCommand(t, "--server", srv.URL, "pull", "1", "2"); err == nil {
		t.Errorf("pull for an unmirrored PR expected error")
	}
	if _, err := runCommand(t, "--server", srv.URL, "pull", "x", "2"); err == nil {
		t.Errorf("pull with a non-integer repo id expected error")
	}
}

func TestPingAndHealth(t *testing.T) {
	srv := newIngestServer(t)

	out, err := runCommand(t, "--server", srv.URL, "ping")
	if err != nil || !strings.Contains(out, "pong") {
		t.Errorf("ping = %q, %v", out, err)
	}

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ok":false,"message":"redis check failed","checks":{"redis":"connection refused"}}`))
	}))
	defer unhealthy.Close()
	out, err = runCommand(t, "--server", unhealthy.URL, "health")
	if err != nil || !strings.Contains(out, "unhealthy (HTTP 503)") || !strings.Contains(out, "redis: connection refused") {
		t.Errorf("health (unhealthy) = %q, %v", out, err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gs := grpc.NewServer()
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	out, err = runCommand(t, "--server", srv.URL, "health", "--grpc", lis.Addr().String())
	if err != nil || !strings.Contains(out, "healthy (gRPC)") || strings.Contains(out, "unhealthy") {
		t.Errorf("health --grpc = %q, %v", out, err)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	out, err = runCommand(t, "--server", srv.URL, "health", "--grpc", lis.Addr().String())
	if err != nil || !strings.Contains(out, "NOT_SERVING") {
		t.Errorf("health --grpc (not serving) = %q, %v", out, err)
	}
}

func TestTokenCommand(t *testing.T) {
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
			TTL    int    `json:"ttl_seconds"`
		}
		if r.URL.Path != "/token" || json.NewDecoder(r.Body).Decode(&req) != nil || req.UserID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok-" + req.UserID, "expires_in": req.TTL, "token_type": "Bearer"})
	}))
	defer issuer.Close()

	out, err := runCommand(t, "token", "octocat", "--issuer-url", issuer.URL, "--ttl", "60", "--save")
	if err != nil || strings.TrimSpace(out) != "tok-octocat" {
		t.Fatalf("token = %q, %v", out, err)
	}
	saved, err := os.ReadFile(filepath.Join(os.Getenv("HOME"), ".mirrorctl.yaml"))
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if !strings.Contains(string(saved), "tok-octocat") {
		t.Errorf("saved config missing token: %s", saved)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "--json", "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode version %q: %v", out, err)
	}
	if v["version"] != Version {
		t.Errorf("version = %q, want %q", v["version"], Version)
	}
}
