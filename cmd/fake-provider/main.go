// Command fake-provider stands in for the source-control provider during
// local runs: it serves the pull API from a fixture with a rate limit budget
// and can send signed webhooks to the ingest service.
package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/provider"
	"github.com/austindbirch/harbor_mirror/internal/ratelimit"
	"github.com/austindbirch/harbor_mirror/internal/webhook"
)

// fixture is the provider state served by the fake. Per-repo maps are keyed
// by "owner/name", per-PR maps by "owner/name#number".
type fixture struct {
	Repos          []provider.Repo               `json:"repos"`
	Orgs           []provider.Org                `json:"orgs"`
	OrgRepos       map[string][]provider.Repo    `json:"org_repos"`
	Pulls          map[string][]provider.Pull    `json:"pulls"`
	Reviews        map[string][]provider.Review  `json:"reviews"`
	ReviewComments map[string][]provider.Comment `json:"review_comments"`
	IssueComments  map[string][]provider.Comment `json:"issue_comments"`
	Commits        map[string][]provider.Commit  `json:"commits"`
}

func loadFixture(path string) (fixture, error) {
	if path == "" {
		return defaultFixture(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fixture{}, err
	}
	var f fixture
	if err := json.Unmarshal(b, &f); err != nil {
		return fixture{}, fmt.Errorf("parse fixture: %w", err)
	}
	return f, nil
}

func defaultFixture() fixture {
	updated := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	owner := provider.User{Login: "acme", ID: 1}
	repo := provider.Repo{ID: 100, Name: "widgets", FullName: "acme/widgets", Owner: owner, DefaultBranch: "main", UpdatedAt: updated}
	pull := provider.Pull{
		ID: 1000, Number: 1, Title: "Add widget", State: "open", User: provider.User{Login: "octocat", ID: 2},
		Head: provider.Ref{Ref: "feature", SHA: "abc123"}, Base: provider.Ref{Ref: "main"}, UpdatedAt: updated,
	}
	var commit provider.Commit
	commit.SHA = "abc123"
	commit.Commit.Message = "Add widget"
	commit.Commit.Author = provider.CommitAuthor{Name: "Octo Cat", Email: "octo@example.com", Date: updated}
	return fixture{
		Repos:    []provider.Repo{repo},
		Orgs:     []provider.Org{{ID: 1, Login: "acme"}},
		OrgRepos: map[string][]provider.Repo{"acme": {repo}},
		Pulls:    map[string][]provider.Pull{"acme/widgets": {pull}},
		Reviews: map[string][]provider.Review{"acme/widgets#1": {
			{ID: 5000, User: provider.User{Login: "hubot", ID: 3}, State: "APPROVED", CommitID: "abc123", SubmittedAt: updated},
		}},
		ReviewComments: map[string][]provider.Comment{"acme/widgets#1": {
			{ID: 6000, User: provider.User{Login: "hubot", ID: 3}, Body: "nit", Path: "widget.go", CreatedAt: updated, UpdatedAt: updated},
		}},
		IssueComments: map[string][]provider.Comment{"acme/widgets#1": {
			{ID: 7000, User: provider.User{Login: "octocat", ID: 2}, Body: "ready for review", CreatedAt: updated, UpdatedAt: updated},
		}},
		Commits: map[string][]provider.Commit{"acme/widgets#1": {commit}},
	}
}

type fakeProvider struct {
	mu         sync.Mutex
	data       fixture
	limit      int
	remaining  int
	window     time.Duration
	resetAt    time.Time
	failFirstN int
	reqCount   int

	secret  []byte
	target  string
	headers config.Provider
	client  *http.Client
	logger  *logging.Logger
	now     func() time.Time
}

func (p *fakeProvider) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	r.Post("/admin/deliver", p.deliver)

	r.Group(func(r chi.Router) {
		r.Use(p.budget)
		r.Get("/user/repos", func(w http.ResponseWriter, r *http.Request) { writePage(w, r, p.snapshot().Repos) })
		r.Get("/user/orgs", func(w http.ResponseWriter, r *http.Request) { writePage(w, r, p.snapshot().Orgs) })
		r.Get("/orgs/{org}/repos", func(w http.ResponseWriter, r *http.Request) {
			writePage(w, r, p.snapshot().OrgRepos[chi.URLParam(r, "org")])
		})
		r.Route("/repos/{owner}/{name}", func(r chi.Router) {
			r.Get("/", p.getRepo)
			r.Get("/pulls", p.listPulls)
			r.Get("/pulls/{number}", p.getPull)
			r.Get("/pulls/{number}/reviews", func(w http.ResponseWriter, r *http.Request) {
				writePage(w, r, p.snapshot().Reviews[pullKey(r)])
			})
			r.Get("/pulls/{number}/comments", func(w http.ResponseWriter, r *http.Request) {
				writePage(w, r, p.snapshot().ReviewComments[pullKey(r)])
			})
			r.Get("/issues/{number}/comments", func(w http.ResponseWriter, r *http.Request) {
				writePage(w, r, p.snapshot().IssueComments[pullKey(r)])
			})
			r.Get("/pulls/{number}/commits", func(w http.ResponseWriter, r *http.Request) {
				writePage(w, r, p.snapshot().Commits[pullKey(r)])
			})
		})
	})
	return r
}

func (p *fakeProvider) snapshot() fixture {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func repoKey(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
}

func pullKey(r *http.Request) string {
	return repoKey(r) + "#" + chi.URLParam(r, "number")
}

// budget charges each request against the rate limit and stamps the rate
// limit headers. The first FAIL_FIRST_N requests fail with 500.
func (p *fakeProvider) budget(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.reqCount++
		if p.reqCount <= p.failFirstN {
			n := p.reqCount
			p.mu.Unlock()
			p.logger.Plain().WithFields(map[string]any{"request": n, "fail_first_n": p.failFirstN, "path": r.URL.Path}).Info("FAILING request")
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		now := p.now()
		if !now.Before(p.resetAt) {
			p.remaining = p.limit
			p.resetAt = now.Add(p.window)
		}
		exhausted := p.remaining <= 0
		if !exhausted {
			p.remaining--
		}
		h := w.Header()
		h.Set(ratelimit.HeaderLimit, strconv.Itoa(p.limit))
		h.Set(ratelimit.HeaderRemaining, strconv.Itoa(p.remaining))
		h.Set(ratelimit.HeaderUsed, strconv.Itoa(p.limit-p.remaining))
		h.Set(ratelimit.HeaderReset, strconv.FormatInt(p.resetAt.Unix(), 10))
		p.mu.Unlock()

		if exhausted {
			http.Error(w, `{"message":"API rate limit exceeded"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *fakeProvider) getRepo(w http.ResponseWriter, r *http.Request) {
	key := repoKey(r)
	for _, repo := range p.snapshot().Repos {
		if repo.FullName == key {
			writeJSON(w, http.StatusOK, repo)
			return
		}
	}
	http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
}

// listPulls supports If-None-Match; a matching ETag gets a 304.
func (p *fakeProvider) listPulls(w http.ResponseWriter, r *http.Request) {
	pulls := p.snapshot().Pulls[repoKey(r)]
	if pulls == nil {
		pulls = []provider.Pull{}
	}
	b, err := json.Marshal(pulls)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sum := sha256.Sum256(b)
	etag := `W/"` + hex.EncodeToString(sum[:8]) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writePage(w, r, pulls)
}

func (p *fakeProvider) getPull(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
		return
	}
	for _, pr := range p.snapshot().Pulls[repoKey(r)] {
		if pr.Number == number {
			writeJSON(w, http.StatusOK, pr)
			return
		}
	}
	http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
}

// writePage serves one page of items and a Link rel="next" header when more remain.
func writePage[T any](w http.ResponseWriter, r *http.Request, items []T) {
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage <= 0 {
		perPage = 30
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * perPage
	if start > len(items) {
		start = len(items)
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	if end < len(items) {
		q := r.URL.Query()
		q.Set("page", strconv.Itoa(page+1))
		next := fmt.Sprintf("http://%s%s?%s", r.Host, r.URL.Path, q.Encode())
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next))
	}
	out := items[start:end]
	if out == nil {
		out = []T{}
	}
	writeJSON(w, http.StatusOK, out)
}

type deliverRequest struct {
	Event   string          `json:"event"`
	User    string          `json:"user,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// deliver signs a payload and posts it to the ingest webhook endpoint.
func (p *fakeProvider) deliver(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Event == "" || len(req.Payload) == 0 {
		http.Error(w, "event and payload are required", http.StatusBadRequest)
		return
	}
	deliveryID := ids.NewUUID()
	out, err := http.NewRequestWithContext(r.Context(), http.MethodPost, p.target, bytes.NewReader(req.Payload))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out.Header.Set("Content-Type", "application/json")
	out.Header.Set(p.headers.SignatureHeader, webhook.Sign(p.secret, req.Payload))
	out.Header.Set(p.headers.EventHeader, req.Event)
	out.Header.Set(p.headers.DeliveryHeader, deliveryID)
	if req.User != "" {
		out.Header.Set(p.headers.UserHeader, req.User)
	}

	resp, err := p.client.Do(out)
	if err != nil {
		p.logger.WithContext(r.Context()).WithDelivery(deliveryID).WithError(err).Warn("webhook delivery failed")
		http.Error(w, "delivery failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	p.logger.WithContext(r.Context()).WithDelivery(deliveryID).WithEvent(req.Event).
		WithField("status", resp.StatusCode).Info("webhook delivered")
	writeJSON(w, http.StatusOK, map[string]any{
		"delivery_id": deliveryID,
		"status":      resp.StatusCode,
		"response":    truncate(string(body), 512),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	logger := logging.New("harbormirror-fake-provider")
	logger.SetLevel(cfg.LogLevel)

	data, err := loadFixture(os.Getenv("FIXTURE_FILE"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("fixture load failed")
	}
	window := time.Hour
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			window = d
		}
	}
	target := os.Getenv("WEBHOOK_TARGET")
	if target == "" {
		target = "http://ingest:8080/webhooks"
	}

	p := &fakeProvider{
		data:       data,
		limit:      getenvInt("RATE_LIMIT", 5000),
		window:     window,
		failFirstN: getenvInt("FAIL_FIRST_N", 0),
		secret:     []byte(cfg.Provider.WebhookSecret),
		target:     target,
		headers:    cfg.Provider,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		now:        time.Now,
	}

	addr := ":" + strconv.Itoa(getenvInt("PORT", 8081))
	logger.Plain().WithFields(map[string]any{"addr": addr, "rate_limit": p.limit, "webhook_target": target}).Info("fake-provider listening")
	srv := &http.Server{Addr: addr, Handler: p.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-provider failed")
	}
}
