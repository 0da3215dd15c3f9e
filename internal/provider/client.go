// Package provider is the pull-side client for the source-control provider
// REST API plus the wire types shared with webhook payloads.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_mirror/internal/metrics"
	"github.com/austindbirch/harbor_mirror/internal/retry"
	"github.com/austindbirch/harbor_mirror/internal/tracing"
)

var (
	ErrNotFound  = errors.New("provider: resource not found")
	ErrForbidden = errors.New("provider: forbidden")
)

// maxPages bounds pagination of list endpoints.
const maxPages = 50

// Meta describes one provider response.
type Meta struct {
	Status      int
	ETag        string
	NotModified bool
	Header      http.Header
}

type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	observer func(ctx context.Context, m Meta)
	now      func() time.Time
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// Observe returns a copy of the client that reports every response, error
// responses included, to fn. Used to feed the rate limit tracker.
func (c *Client) Observe(fn func(ctx context.Context, m Meta)) *Client {
	cp := *c
	cp.observer = fn
	return &cp
}

// get fetches path into out. A 304 leaves out untouched and sets NotModified.
func (c *Client) get(ctx context.Context, path, etag string, out any) (Meta, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}
	ctx, span := tracing.StartSpan(ctx, "provider.Do",
		attribute.String("http.method", http.MethodGet),
		attribute.String("http.url", target),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Meta{}, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "harbormirror")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordProviderRequest("error")
		tracing.SetSpanError(ctx, err)
		return Meta{}, retry.Transient(fmt.Errorf("GET %s: %w", path, err))
	}
	defer resp.Body.Close()

	meta := Meta{Status: resp.StatusCode, ETag: resp.Header.Get("ETag"), Header: resp.Header}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if c.observer != nil {
		c.observer(ctx, meta)
	}

	if resp.StatusCode == http.StatusNotModified {
		metrics.RecordProviderRequest("304")
		meta.NotModified = true
		return meta, nil
	}
	if err := c.classify(resp, path); err != nil {
		tracing.SetSpanError(ctx, err)
		return meta, err
	}
	metrics.RecordProviderRequest("2xx")
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return meta, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return meta, retry.Transient(fmt.Errorf("decode %s: %w", path, err))
	}
	return meta, nil
}

func (c *Client) classify(resp *http.Response, path string) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusForbidden || code == http.StatusTooManyRequests:
		if reset, ok := c.rateLimitReset(resp); ok {
			metrics.RecordProviderRequest("403_429")
			return &retry.RateLimitedError{ResetAt: reset, Status: code}
		}
		metrics.RecordProviderRequest("4xx")
		if code == http.StatusTooManyRequests {
			return &retry.RateLimitedError{ResetAt: c.now().Add(time.Minute), Status: code}
		}
		return retry.Permanent(fmt.Errorf("GET %s: %w", path, ErrForbidden))
	case code == http.StatusNotFound || code == http.StatusGone:
		metrics.RecordProviderRequest("4xx")
		return retry.Permanent(fmt.Errorf("GET %s: %w", path, ErrNotFound))
	case code >= 500:
		metrics.RecordProviderRequest("5xx")
		return retry.Transientf("GET %s: status %d", path, code)
	default:
		metrics.RecordProviderRequest("4xx")
		return retry.Permanentf("GET %s: status %d", path, code)
	}
}

// rateLimitReset finds the earliest safe retry time from Retry-After or an
// exhausted X-RateLimit budget.
func (c *Client) rateLimitReset(resp *http.Response) (time.Time, bool) {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return c.now().Add(time.Duration(secs) * time.Second), true
		}
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			return time.Unix(reset, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// list walks Link rel="next" pages. The etag only applies to the first page;
// a 304 there means the whole collection is unchanged.
func list[T any](ctx context.Context, c *Client, path, etag string) ([]T, Meta, error) {
	var all []T
	var first Meta
	next := path
	for page := 0; next != "" && page < maxPages; page++ {
		var items []T
		tag := ""
		if page == 0 {
			tag = etag
		}
		meta, err := c.get(ctx, next, tag, &items)
		if page == 0 {
			first = meta
		}
		if err != nil {
			return all, first, err
		}
		if meta.NotModified {
			return nil, first, nil
		}
		all = append(all, items...)
		next = nextLink(meta.Header.Get("Link"))
	}
	return all, first, nil
}

// nextLink extracts the rel="next" target from a Link header.
func nextLink(h string) string {
	for _, part := range strings.Split(h, ",") {
		segs := strings.Split(strings.TrimSpace(part), ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(segs[0]), "<>")
		for _, s := range segs[1:] {
			if strings.TrimSpace(s) == `rel="next"` {
				return target
			}
		}
	}
	return ""
}

func repoPath(owner, name string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
}

func (c *Client) ListUserRepos(ctx context.Context) ([]Repo, Meta, error) {
	return list[Repo](ctx, c, "/user/repos?per_page=100", "")
}

func (c *Client) ListOrgs(ctx context.Context) ([]Org, Meta, error) {
	return list[Org](ctx, c, "/user/orgs?per_page=100", "")
}

func (c *Client) ListOrgRepos(ctx context.Context, org string) ([]Repo, Meta, error) {
	return list[Repo](ctx, c, "/orgs/"+url.PathEscape(org)+"/repos?per_page=100", "")
}

func (c *Client) GetRepo(ctx context.Context, owner, name string) (Repo, Meta, error) {
	var r Repo
	meta, err := c.get(ctx, repoPath(owner, name), "", &r)
	return r, meta, err
}

// ListPulls sends etag as If-None-Match; Meta.NotModified reports a 304.
func (c *Client) ListPulls(ctx context.Context, owner, name, etag string) ([]Pull, Meta, error) {
	return list[Pull](ctx, c, repoPath(owner, name)+"/pulls?state=all&per_page=100", etag)
}

func (c *Client) GetPull(ctx context.Context, owner, name string, number int) (Pull, Meta, error) {
	var p Pull
	meta, err := c.get(ctx, fmt.Sprintf("%s/pulls/%d", repoPath(owner, name), number), "", &p)
	return p, meta, err
}

func (c *Client) ListReviews(ctx context.Context, owner, name string, number int) ([]Review, Meta, error) {
	return list[Review](ctx, c, fmt.Sprintf("%s/pulls/%d/reviews?per_page=100", repoPath(owner, name), number), "")
}

func (c *Client) ListReviewComments(ctx context.Context, owner, name string, number int) ([]Comment, Meta, error) {
	return list[Comment](ctx, c, fmt.Sprintf("%s/pulls/%d/comments?per_page=100", repoPath(owner, name), number), "")
}

func (c *Client) ListIssueComments(ctx context.Context, owner, name string, number int) ([]Comment, Meta, error) {
	return list[Comment](ctx, c, fmt.Sprintf("%s/issues/%d/comments?per_page=100", repoPath(owner, name), number), "")
}

func (c *Client) ListCommits(ctx context.Context, owner, name string, number int) ([]Commit, Meta, error) {
	return list[Commit](ctx, c, fmt.Sprintf("%s/pulls/%d/commits?per_page=100", repoPath(owner, name), number), "")
}
