package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/austindbirch/harbor_mirror/internal/mirror"
	"github.com/austindbirch/harbor_mirror/internal/retry"
	"github.com/austindbirch/harbor_mirror/internal/store/memory"
)

type recordingSync struct {
	calls []int
}

func (r *recordingSync) RequestPRDetail(_ context.Context, _ string, _ mirror.Repository, number int) error {
	r.calls = append(r.calls, number)
	return nil
}

type failingStore struct {
	mirror.Store
}

func (failingStore) UpsertRepository(context.Context, mirror.Repository) error {
	return errors.New("connection refused")
}

func newTestRegistry(store mirror.Store, sync SyncRequester) *Registry {
	r := NewRegistry()
	RegisterDefaults(r, Deps{Store: store, Sync: sync})
	return r
}

const prOpened = `{
  "action": "opened",
  "number": 42,
  "pull_request": {"id": 9001, "number": 42, "title": "Add feature", "state": "open",
    "user": {"login": "octocat"}, "head": {"ref": "feat", "sha": "abc"}, "base": {"ref": "main"},
    "updated_at": "2026-01-01T00:00:00Z"},
  "repository": {"id": 7, "name": "hello", "full_name": "octo/hello", "owner": {"login": "octo"},
    "updated_at": "2026-01-01T00:00:00Z"}
}`

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.Register("issues", HandlerFunc(func(_ context.Context, ev Event) error {
		got = append(got, "issues")
		return nil
	}))
	r.Register("issues:deleted", HandlerFunc(func(_ context.Context, ev Event) error {
		got = append(got, "issues:deleted")
		return nil
	}))

	ctx := context.Background()
	_ = r.Dispatch(ctx, Event{Name: "issues", Action: "opened"})
	_ = r.Dispatch(ctx, Event{Name: "issues", Action: "deleted"})
	if len(got) != 2 || got[0] != "issues" || got[1] != "issues:deleted" {
		t.Errorf("routing = %v", got)
	}

	if err := r.Dispatch(ctx, Event{Name: "star", Action: "created"}); !errors.Is(err, ErrNotHandled) {
		t.Errorf("unregistered event = %v, want ErrNotHandled", err)
	}
	if keys := r.Keys(); len(keys) != 2 || keys[0] != "issues" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestPullRequestOpened(t *testing.T) {
	store := memory.NewMirror()
	r := newTestRegistry(store, nil)
	ctx := context.Background()

	err := r.Dispatch(ctx, Event{DeliveryID: "abc123", Name: "pull_request", Action: "opened", UserID: "octocat", Payload: []byte(prOpened)})
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	pr, err := store.GetPullRequest(ctx, 7, 42)
	if err != nil {
		t.Fatalf("PR not mirrored: %v", err)
	}
	if pr.State != "open" || pr.Title != "Add feature" || pr.AuthorLogin != "octocat" {
		t.Errorf("pr = %+v", pr)
	}
	user, _ := store.UserForRepository(ctx, 7)
	if user != "octocat" {
		t.Errorf("repository linked to %q, want octocat", user)
	}

	// Redelivery is an idempotent upsert.
	if err := r.Dispatch(ctx, Event{Name: "pull_request", Action: "opened", Payload: []byte(prOpened)}); err != nil {
		t.Fatalf("second Dispatch() error: %v", err)
	}
}

func TestPullRequestSynchronizeRequestsDetail(t *testing.T) {
	sync := &recordingSync{}
	r := newTestRegistry(memory.NewMirror(), sync)
	err := r.Dispatch(context.Background(), Event{Name: "pull_request", Action: "synchronize", UserID: "octocat", Payload: []byte(prOpened)})
	if err != nil {
		t.Fatal(err)
	}
	if len(sync.calls) != 1 || sync.calls[0] != 42 {
		t.Errorf("sync requests = %v, want [42]", sync.calls)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		store mirror.Store
		ev    Event
		want  retry.Class
	}{
		{
			name:  "unknown action is permanent",
			store: memory.NewMirror(),
			ev:    Event{Name: "pull_request", Action: "teleported", Payload: []byte(prOpened)},
			want:  retry.ClassPermanent,
		},
		{
			name:  "malformed payload is permanent",
			store: memory.NewMirror(),
			ev:    Event{Name: "pull_request", Action: "opened", Payload: []byte(`{"pull_request": 5}`)},
			want:  retry.ClassPermanent,
		},
		{
			name:  "missing repository is permanent",
			store: memory.NewMirror(),
			ev:    Event{Name: "issues", Action: "opened", Payload: []byte(`{"issue": {"id": 1, "number": 2}}`)},
			want:  retry.ClassPermanent,
		},
		{
			name:  "store failure is transient",
			store: failingStore{memory.NewMirror()},
			ev:    Event{Name: "pull_request", Action: "opened", Payload: []byte(prOpened)},
			want:  retry.ClassTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(tt.store, nil)
			err := r.Dispatch(context.Background(), tt.ev)
			if got := retry.Classify(err); got != tt.want {
				t.Errorf("class = %q, want %q (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestIssueCommentRouting(t *testing.T) {
	store := memory.NewMirror()
	r := newTestRegistry(store, nil)
	ctx := context.Background()

	onPR := `{"action":"created","issue":{"id":1,"number":42,"pull_request":{"url":"x"}},
	  "comment":{"id":100,"body":"lgtm","user":{"login":"a"}},"repository":{"id":7,"name":"hello","owner":{"login":"octo"}}}`
	onIssue := `{"action":"created","issue":{"id":2,"number":5,"title":"Bug","state":"open"},
	  "comment":{"id":101,"body":"+1","user":{"login":"b"}},"repository":{"id":7,"name":"hello","owner":{"login":"octo"}}}`

	if err := r.Dispatch(ctx, Event{Name: "issue_comment", Action: "created", Payload: []byte(onPR)}); err != nil {
		t.Fatal(err)
	}
	if err := r.Dispatch(ctx, Event{Name: "issue_comment", Action: "created", Payload: []byte(onIssue)}); err != nil {
		t.Fatal(err)
	}

	c, _ := store.GetComment(ctx, 100)
	if c.Kind != mirror.CommentPR || c.Number != 42 {
		t.Errorf("PR comment = %+v", c)
	}
	c, _ = store.GetComment(ctx, 101)
	if c.Kind != mirror.CommentIssue {
		t.Errorf("issue comment kind = %q", c.Kind)
	}
	if _, err := store.GetIssue(ctx, 7, 5); err != nil {
		t.Errorf("issue not mirrored: %v", err)
	}
	if _, err := store.GetIssue(ctx, 7, 42); !errors.Is(err, mirror.ErrNotFound) {
		t.Errorf("PR conversation must not create an issue row, got %v", err)
	}

	deleted := `{"action":"deleted","issue":{"id":1,"number":42,"pull_request":{"url":"x"}},"comment":{"id":100},"repository":{"id":7}}`
	if err := r.Dispatch(ctx, Event{Name: "issue_comment", Action: "deleted", Payload: []byte(deleted)}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetComment(ctx, 100); !errors.Is(err, mirror.ErrNotFound) {
		t.Errorf("deleted comment still present: %v", err)
	}
}

func TestReviewAndPush(t *testing.T) {
	store := memory.NewMirror()
	r := newTestRegistry(store, nil)
	ctx := context.Background()

	review := `{"action":"submitted","review":{"id":55,"state":"approved","user":{"login":"r"}},
	  "pull_request":{"id":9001,"number":42,"state":"open"},"repository":{"id":7,"name":"hello","owner":{"login":"octo"}}}`
	if err := r.Dispatch(ctx, Event{Name: "pull_request_review", Action: "submitted", Payload: []byte(review)}); err != nil {
		t.Fatal(err)
	}
	reviews, _ := store.ListReviews(ctx, 7, 42)
	if len(reviews) != 1 || reviews[0].State != "approved" {
		t.Errorf("reviews = %+v", reviews)
	}

	push := `{"ref":"refs/heads/main","repository":{"id":7,"name":"hello","owner":{"login":"octo"}},
	  "commits":[{"id":"aaa","message":"one"},{"id":"bbb","message":"two"}]}`
	if err := r.Dispatch(ctx, Event{Name: "push", Payload: []byte(push)}); err != nil {
		t.Fatal(err)
	}
	commits, _ := store.ListCommits(ctx, 7, 0)
	if len(commits) != 2 {
		t.Errorf("commits = %d, want 2", len(commits))
	}
}

func TestPingMarksWebhookActive(t *testing.T) {
	store := memory.NewMirror()
	r := newTestRegistry(store, nil)
	ctx := context.Background()

	// Unknown repository: acknowledged without error.
	if err := r.Dispatch(ctx, Event{Name: "ping", Payload: []byte(`{"zen":"hi","repository":{"id":7}}`)}); err != nil {
		t.Fatal(err)
	}
	_ = store.UpsertRepository(ctx, mirror.Repository{ID: 7, FullName: "octo/hello"})
	if err := r.Dispatch(ctx, Event{Name: "ping", Payload: []byte(`{"repository":{"id":7}}`)}); err != nil {
		t.Fatal(err)
	}
	repo, _ := store.GetRepository(ctx, 7)
	if repo.WebhookStatus != "active" {
		t.Errorf("WebhookStatus = %q, want active", repo.WebhookStatus)
	}

	// A ping without a body is acknowledged; a malformed one is not retried.
	if err := r.Dispatch(ctx, Event{Name: "ping"}); err != nil {
		t.Errorf("empty ping error = %v", err)
	}
	err := r.Dispatch(ctx, Event{Name: "ping", Payload: []byte(`{"repository":"oops"`)})
	if err == nil || retry.Classify(err) != retry.ClassPermanent {
		t.Errorf("malformed ping error = %v, want permanent", err)
	}
}
