// Package syncjob schedules and runs pull-based reconciliation jobs against
// the provider API. Jobs are split into named steps and checkpoint after
// each one, so a crash or a rate-limit stop resumes where it left off.
package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/austindbirch/harbor_mirror/internal/ratelimit"
)

type JobType string

const (
	OverviewSync JobType = "overview_sync"
	RepoSync     JobType = "repo_sync"
	PRDetailSync JobType = "pr_detail_sync"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var (
	ErrNotFound = errors.New("syncjob: not found")
	// ErrNotRunning is returned when a running-only update finds the job in another state.
	ErrNotRunning = errors.New("syncjob: job is not running")
)

// Resource types used as coalescing keys.
const (
	ResourceAccount = "account"
	ResourceRepo    = "repository"
	ResourcePull    = "pull_request"
)

type Job struct {
	ID             int64           `json:"id"`
	JobType        JobType         `json:"job_type"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id,omitempty"` // empty for account-wide jobs
	State          State           `json:"state"`
	Priority       int             `json:"priority"` // lower runs sooner
	NextRunAt      time.Time       `json:"next_run_at"`
	CurrentStep    string          `json:"current_step,omitempty"`
	CompletedSteps int             `json:"completed_steps"`
	TotalSteps     int             `json:"total_steps"`
	ItemsFetched   int             `json:"items_fetched"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Error          string          `json:"error,omitempty"`
	UserID         string          `json:"user_id"`
	Checkpoint     json.RawMessage `json:"checkpoint,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ClaimToken     string          `json:"-"` // set by ClaimNext, checked by every running-only update
}

// Retryable reports whether a failed job will be picked up again.
func (j Job) Retryable() bool {
	return j.State == StateFailed && j.Attempts < j.MaxAttempts
}

// Active reports whether the job still blocks a new job for the same key.
// A failed job with attempts left is still scheduled, so it counts.
func (j Job) Active() bool {
	return j.State == StatePending || j.State == StateRunning || j.Retryable()
}

// Key is the coalescing identity of a job.
func (j Job) Key() string {
	return string(j.JobType) + "|" + j.ResourceType + "|" + j.ResourceID + "|" + j.UserID
}

// Progress is the checkpoint persisted after every step.
type Progress struct {
	CurrentStep    string
	CompletedSteps int
	ItemsFetched   int
	Checkpoint     json.RawMessage
}

type Filter struct {
	UserID  string
	State   State
	JobType JobType
	Limit   int
}

// Store persists jobs. Every state change is a compare-and-set so concurrent
// schedulers never run the same job twice.
type Store interface {
	// CreateOrGetActive inserts job unless an active job with the same Key
	// exists, in which case that job is returned with created=false.
	CreateOrGetActive(ctx context.Context, job Job) (Job, bool, error)
	// ClaimNext moves the most urgent due job to running: pending jobs, or
	// failed jobs with attempts left, whose next_run_at <= now, ordered by
	// priority then next_run_at. ErrNotFound when nothing is due.
	ClaimNext(ctx context.Context, now time.Time) (Job, error)
	Get(ctx context.Context, id int64) (Job, error)
	// SaveProgress, Defer, Complete and Fail apply only while the job is
	// running under the given claim token; otherwise they return the
	// current state and ErrNotRunning.
	SaveProgress(ctx context.Context, id int64, claim string, p Progress, now time.Time) (State, error)
	// Defer returns a running job to pending without consuming an attempt.
	Defer(ctx context.Context, id int64, claim string, nextRunAt, now time.Time) error
	Complete(ctx context.Context, id int64, claim string, p Progress, now time.Time) error
	Fail(ctx context.Context, id int64, claim string, attempts int, nextRunAt time.Time, errText string, now time.Time) error
	// Cancel moves pending, running or failed jobs to cancelled. Cancelling a
	// finished job is a no-op that returns the job unchanged.
	Cancel(ctx context.Context, id int64, now time.Time) (Job, error)
	List(ctx context.Context, f Filter) ([]Job, error)
	// Purge deletes completed, cancelled and exhausted failed jobs last updated before olderThan.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
	// ReleaseStale returns running jobs not updated since olderThan to pending, keeping progress.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// SyncState records the outcome of pulls per user and resource.
type SyncState struct {
	UserID       string              `json:"user_id"`
	ResourceType string              `json:"resource_type"`
	ResourceID   string              `json:"resource_id,omitempty"`
	LastSyncedAt *time.Time          `json:"last_synced_at,omitempty"`
	LastETag     string              `json:"last_etag,omitempty"`
	RateLimit    *ratelimit.Snapshot `json:"rate_limit,omitempty"`
	SyncStatus   SyncStatus          `json:"sync_status"`
	SyncError    string              `json:"sync_error,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// StateStore keeps sync state; writes are last-write-wins.
type StateStore interface {
	GetSyncState(ctx context.Context, userID, resourceType, resourceID string) (*SyncState, error)
	PutSyncState(ctx context.Context, s SyncState) error
	ListSyncStates(ctx context.Context, userID string) ([]SyncState, error)
}
