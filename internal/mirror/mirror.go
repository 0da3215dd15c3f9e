// Package mirror defines the locally held copy of provider entities.
//
// Every write is an upsert keyed by the provider's stable id that merges only
// provider-owned fields. Local annotations (webhook status, sync notes,
// tracking flags) live in separate columns that upserts never touch. Upserts
// carrying an older ProviderUpdatedAt than the stored row are ignored so
// out-of-order deliveries cannot roll an entity back.
package mirror

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("mirror: not found")

type Repository struct {
	ID                int64     `json:"id"`
	Owner             string    `json:"owner"`
	Name              string    `json:"name"`
	FullName          string    `json:"full_name"`
	Private           bool      `json:"private"`
	DefaultBranch     string    `json:"default_branch"`
	HTMLURL           string    `json:"html_url"`
	ProviderUpdatedAt time.Time `json:"provider_updated_at"`

	// local only
	WebhookStatus string `json:"webhook_status,omitempty"`
	Tracked       bool   `json:"tracked"`
}

type PullRequest struct {
	ID                int64      `json:"id"`
	RepoID            int64      `json:"repo_id"`
	Number            int        `json:"number"`
	Title             string     `json:"title"`
	State             string     `json:"state"` // open | closed
	Draft             bool       `json:"draft"`
	Merged            bool       `json:"merged"`
	AuthorLogin       string     `json:"author_login"`
	HeadSHA           string     `json:"head_sha"`
	HeadRef           string     `json:"head_ref"`
	BaseRef           string     `json:"base_ref"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	MergedAt          *time.Time `json:"merged_at,omitempty"`
	ProviderUpdatedAt time.Time  `json:"provider_updated_at"`

	// local only
	SyncNote string `json:"sync_note,omitempty"`
}

type Review struct {
	ID          int64     `json:"id"`
	RepoID      int64     `json:"repo_id"`
	PRNumber    int       `json:"pr_number"`
	AuthorLogin string    `json:"author_login"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	CommitID    string    `json:"commit_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type CommentKind string

const (
	CommentPR     CommentKind = "pr"
	CommentIssue  CommentKind = "issue"
	CommentReview CommentKind = "review"
)

type Comment struct {
	ID                int64       `json:"id"`
	RepoID            int64       `json:"repo_id"`
	Number            int         `json:"number"` // PR or issue number
	Kind              CommentKind `json:"kind"`
	AuthorLogin       string      `json:"author_login"`
	Body              string      `json:"body"`
	Path              string      `json:"path,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	ProviderUpdatedAt time.Time   `json:"provider_updated_at"`
}

type Commit struct {
	SHA         string    `json:"sha"`
	RepoID      int64     `json:"repo_id"`
	PRNumber    int       `json:"pr_number,omitempty"`
	Message     string    `json:"message"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	CommittedAt time.Time `json:"committed_at"`
}

type Issue struct {
	ID                int64     `json:"id"`
	RepoID            int64     `json:"repo_id"`
	Number            int       `json:"number"`
	Title             string    `json:"title"`
	State             string    `json:"state"`
	AuthorLogin       string    `json:"author_login"`
	ProviderUpdatedAt time.Time `json:"provider_updated_at"`
}

// Store is the mirror write/read contract used by event handlers and sync jobs.
type Store interface {
	UpsertRepository(ctx context.Context, r Repository) error
	UpsertPullRequest(ctx context.Context, pr PullRequest) error
	UpsertReview(ctx context.Context, rv Review) error
	UpsertComment(ctx context.Context, c Comment) error
	DeleteComment(ctx context.Context, id int64) error
	UpsertCommit(ctx context.Context, c Commit) error
	UpsertIssue(ctx context.Context, is Issue) error

	// LinkUser associates a repository with a user; repeated links are no-ops.
	LinkUser(ctx context.Context, userID string, repoID int64) error
	// UserForRepository returns the first user tracking the repository.
	UserForRepository(ctx context.Context, repoID int64) (string, error)
	ListRepositories(ctx context.Context, userID string) ([]Repository, error)
	SetWebhookStatus(ctx context.Context, repoID int64, status string) error

	GetRepository(ctx context.Context, id int64) (Repository, error)
	GetPullRequest(ctx context.Context, repoID int64, number int) (PullRequest, error)
	GetIssue(ctx context.Context, repoID int64, number int) (Issue, error)
	GetComment(ctx context.Context, id int64) (Comment, error)
	ListReviews(ctx context.Context, repoID int64, number int) ([]Review, error)
	ListComments(ctx context.Context, repoID int64, number int) ([]Comment, error)
	ListCommits(ctx context.Context, repoID int64, prNumber int) ([]Commit, error)
}
