package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/metrics"
	"github.com/austindbirch/harbor_mirror/internal/mirror"
	"github.com/austindbirch/harbor_mirror/internal/provider"
	"github.com/austindbirch/harbor_mirror/internal/ratelimit"
	"github.com/austindbirch/harbor_mirror/internal/retry"
	"github.com/austindbirch/harbor_mirror/internal/tracing"
)

var ErrInvalidRequest = errors.New("syncjob: invalid request")

// admissionErrorDelay is how long a job waits when its budget cannot be read.
const admissionErrorDelay = 30 * time.Second

// Priorities; lower runs sooner.
const (
	PriorityHigh       = 0  // webhook-triggered detail syncs
	PriorityNormal     = 10 // operator and cron requests
	PriorityBackground = 20 // repo syncs fanned out by an overview
)

// API is the subset of the provider client used by the job runners.
type API interface {
	ListUserRepos(ctx context.Context) ([]provider.Repo, provider.Meta, error)
	ListOrgs(ctx context.Context) ([]provider.Org, provider.Meta, error)
	ListOrgRepos(ctx context.Context, org string) ([]provider.Repo, provider.Meta, error)
	GetRepo(ctx context.Context, owner, name string) (provider.Repo, provider.Meta, error)
	ListPulls(ctx context.Context, owner, name, etag string) ([]provider.Pull, provider.Meta, error)
	GetPull(ctx context.Context, owner, name string, number int) (provider.Pull, provider.Meta, error)
	ListReviews(ctx context.Context, owner, name string, number int) ([]provider.Review, provider.Meta, error)
	ListReviewComments(ctx context.Context, owner, name string, number int) ([]provider.Comment, provider.Meta, error)
	ListIssueComments(ctx context.Context, owner, name string, number int) ([]provider.Comment, provider.Meta, error)
	ListCommits(ctx context.Context, owner, name string, number int) ([]provider.Commit, provider.Meta, error)
}

// APIFactory returns the API used for a user's jobs. observe must see every
// provider response so the rate limit tracker stays current.
type APIFactory func(userID string, observe func(ctx context.Context, m provider.Meta)) API

// ProviderAPI adapts a provider client to an APIFactory.
func ProviderAPI(c *provider.Client) APIFactory {
	return func(_ string, observe func(ctx context.Context, m provider.Meta)) API {
		return c.Observe(observe)
	}
}

type Options struct {
	MaxAttempts     int
	Policy          retry.Policy
	FreshnessWindow time.Duration
}

// Request asks for a pull sync. ResourceID is empty for overview syncs,
// "owner/name" for repo syncs and "owner/name#number" for PR detail syncs.
type Request struct {
	JobType    JobType `json:"job_type"`
	UserID     string  `json:"user_id"`
	ResourceID string  `json:"resource_id,omitempty"`
	Priority   *int    `json:"priority,omitempty"`
	Force      bool    `json:"force,omitempty"` // ignore the freshness window
}

type RequestResult struct {
	Job     Job  `json:"job"`
	Created bool `json:"created"`
	// Skipped is set when the resource was synced inside the freshness window.
	Skipped bool `json:"skipped"`
}

type Scheduler struct {
	jobs    Store
	states  StateStore
	mirror  mirror.Store
	tracker *ratelimit.Tracker
	apis    APIFactory
	runners map[JobType]Runner
	ids     ids.Generator
	opts    Options
	logger  *logging.Logger
	now     func() time.Time
}

func NewScheduler(jobs Store, states StateStore, store mirror.Store, tracker *ratelimit.Tracker, apis APIFactory, gen ids.Generator, opts Options, logger *logging.Logger) *Scheduler {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		jobs:    jobs,
		states:  states,
		mirror:  store,
		tracker: tracker,
		apis:    apis,
		runners: DefaultRunners(),
		ids:     gen,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WithRunner replaces the runner for a job type.
func (s *Scheduler) WithRunner(t JobType, r Runner) *Scheduler {
	s.runners[t] = r
	return s
}

func resourceTypeFor(t JobType) (string, bool) {
	switch t {
	case OverviewSync:
		return ResourceAccount, true
	case RepoSync:
		return ResourceRepo, true
	case PRDetailSync:
		return ResourcePull, true
	}
	return "", false
}

func (s *Scheduler) validate(r Request) (string, error) {
	rtype, ok := resourceTypeFor(r.JobType)
	if !ok {
		return "", fmt.Errorf("%w: unknown job type %q", ErrInvalidRequest, r.JobType)
	}
	if r.UserID == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	switch r.JobType {
	case OverviewSync:
		if r.ResourceID != "" {
			return "", fmt.Errorf("%w: overview sync takes no resource", ErrInvalidRequest)
		}
	case RepoSync:
		if _, _, err := ParseRepo(r.ResourceID); err != nil {
			return "", err
		}
	case PRDetailSync:
		if _, _, _, err := ParsePull(r.ResourceID); err != nil {
			return "", err
		}
	}
	return rtype, nil
}

// Request creates a pending job or returns the active job for the same
// resource. Repo and overview requests inside the freshness window are
// skipped unless forced.
func (s *Scheduler) Request(ctx context.Context, r Request) (RequestResult, error) {
	rtype, err := s.validate(r)
	if err != nil {
		return RequestResult{}, err
	}
	now := s.now().UTC()
	log := s.logger.WithContext(ctx).WithUser(r.UserID).WithFields(map[string]any{
		"job_type":    string(r.JobType),
		"resource_id": r.ResourceID,
	})

	if !r.Force && r.JobType != PRDetailSync && s.opts.FreshnessWindow > 0 {
		st, err := s.states.GetSyncState(ctx, r.UserID, rtype, r.ResourceID)
		if err != nil {
			return RequestResult{}, fmt.Errorf("load sync state: %w", err)
		}
		if st != nil && st.LastSyncedAt != nil && now.Sub(*st.LastSyncedAt) < s.opts.FreshnessWindow {
			log.Debug("sync request skipped, resource is fresh")
			return RequestResult{Skipped: true}, nil
		}
	}

	priority := PriorityNormal
	if r.JobType == PRDetailSync {
		priority = PriorityHigh
	}
	if r.Priority != nil {
		priority = *r.Priority
	}
	job := Job{
		JobType:      r.JobType,
		ResourceType: rtype,
		ResourceID:   r.ResourceID,
		State:        StatePending,
		Priority:     priority,
		NextRunAt:    now,
		TotalSteps:   len(s.runners[r.JobType].Steps()),
		MaxAttempts:  s.opts.MaxAttempts,
		UserID:       r.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.ids != nil {
		job.ID = s.ids.Next()
	}
	got, created, err := s.jobs.CreateOrGetActive(ctx, job)
	if err != nil {
		return RequestResult{}, fmt.Errorf("create job: %w", err)
	}
	if created {
		log.WithJob(got.ID).Info("sync job created")
	} else {
		log.WithJob(got.ID).Debug("sync request coalesced into active job")
	}
	return RequestResult{Job: got, Created: created}, nil
}

// RequestPRDetail schedules a high priority detail sync for a pull request.
func (s *Scheduler) RequestPRDetail(ctx context.Context, userID string, repo mirror.Repository, number int) error {
	full := repo.FullName
	if full == "" {
		full = repo.Owner + "/" + repo.Name
	}
	_, err := s.Request(ctx, Request{
		JobType:    PRDetailSync,
		UserID:     userID,
		ResourceID: PullResource(full, number),
	})
	return err
}

func (s *Scheduler) Get(ctx context.Context, id int64) (Job, error) {
	return s.jobs.Get(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, f Filter) ([]Job, error) {
	return s.jobs.List(ctx, f)
}

// Cancel stops a job. A running job stops at its next step boundary.
func (s *Scheduler) Cancel(ctx context.Context, id int64) (Job, error) {
	job, err := s.jobs.Cancel(ctx, id, s.now().UTC())
	if err == nil && job.State == StateCancelled {
		s.logger.WithContext(ctx).WithJob(id).Info("sync job cancelled")
	}
	return job, err
}

func (s *Scheduler) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.jobs.Purge(ctx, olderThan)
}

func (s *Scheduler) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := s.jobs.ReleaseStale(ctx, olderThan)
	if err == nil && n > 0 {
		s.logger.WithContext(ctx).WithField("count", n).Warn("released stale sync jobs")
	}
	return n, err
}

func (s *Scheduler) SyncStates(ctx context.Context, userID string) ([]SyncState, error) {
	return s.states.ListSyncStates(ctx, userID)
}

// RunOnce claims the most urgent due job and runs it. ran is false when no
// job was due.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.jobs.ClaimNext(ctx, s.now().UTC())
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return true, s.run(ctx, job)
}

// RunDue runs jobs until none is due or ctx ends.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		ran, err := s.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	ctx, span := tracing.StartSpan(ctx, "scheduler.RunJob",
		attribute.Int64("job_id", job.ID),
		attribute.String("job_type", string(job.JobType)),
		attribute.String("resource_id", job.ResourceID),
	)
	defer span.End()
	log := s.logger.WithContext(ctx).WithJob(job.ID).WithUser(job.UserID)

	if deferred, err := s.admit(ctx, job); deferred || err != nil {
		return err
	}

	runner, ok := s.runners[job.JobType]
	if !ok {
		return s.fail(ctx, job, retry.Permanentf("no runner for job type %q", job.JobType))
	}
	prev, err := s.states.GetSyncState(ctx, job.UserID, job.ResourceType, job.ResourceID)
	if err != nil {
		return s.fail(ctx, job, retry.Transient(fmt.Errorf("load sync state: %w", err)))
	}
	s.putState(ctx, job, prev, SyncSyncing, "", nil)

	rc := &RunContext{
		Job:       job,
		Mirror:    s.mirror,
		Scheduler: s,
		Previous:  prev,
		fetched:   job.ItemsFetched,
	}
	rc.API = s.apis(job.UserID, func(ctx context.Context, m provider.Meta) {
		if _, _, err := s.tracker.RecordFromResponse(ctx, job.UserID, m.Header); err != nil {
			log.WithError(err).Warn("rate limit snapshot write failed")
		}
	})
	if len(job.Checkpoint) > 0 {
		if err := json.Unmarshal(job.Checkpoint, &rc.cp); err != nil {
			return s.fail(ctx, job, retry.Permanent(fmt.Errorf("decode checkpoint: %w", err)))
		}
	}

	steps := runner.Steps()
	for i := job.CompletedSteps; i < len(steps); i++ {
		step := steps[i]
		if i > job.CompletedSteps {
			// The previous step's responses may have spent the budget.
			if deferred, err := s.admit(ctx, job); deferred || err != nil {
				if err == nil {
					s.putState(ctx, job, prev, SyncIdle, "", nil)
				}
				return err
			}
		}
		if _, err := s.jobs.SaveProgress(ctx, job.ID, job.ClaimToken, rc.progress(step, i), s.now().UTC()); err != nil {
			return s.stopped(ctx, job, err)
		}
		start := time.Now()
		err := runner.RunStep(ctx, rc, step)
		metrics.RecordSyncStep(string(job.JobType), step, time.Since(start))
		if err != nil {
			return s.fail(ctx, job, fmt.Errorf("step %s: %w", step, err))
		}
		if _, err := s.jobs.SaveProgress(ctx, job.ID, job.ClaimToken, rc.progress(step, i+1), s.now().UTC()); err != nil {
			return s.stopped(ctx, job, err)
		}
		log.WithFields(map[string]any{"step": step, "items_fetched": rc.fetched}).Debug("sync step completed")
	}

	now := s.now().UTC()
	if err := s.jobs.Complete(ctx, job.ID, job.ClaimToken, rc.progress("", len(steps)), now); err != nil {
		return s.stopped(ctx, job, err)
	}
	etag := rc.cp.ETag
	if etag == "" && prev != nil {
		etag = prev.LastETag
	}
	s.putState(ctx, job, prev, SyncIdle, etag, &now)
	metrics.RecordSyncJob(string(job.JobType), "completed")
	log.WithField("items_fetched", rc.fetched).Info("sync job completed")
	return nil
}

// admit checks the user's rate limit budget before provider calls. A denied
// or unreadable budget defers the job without consuming an attempt; deferred
// is true when the caller must stop running the job.
func (s *Scheduler) admit(ctx context.Context, job Job) (deferred bool, err error) {
	log := s.logger.WithContext(ctx).WithJob(job.ID).WithUser(job.UserID)
	now := s.now().UTC()
	decision, err := s.tracker.Admit(ctx, job.UserID)
	if err != nil {
		// Without a budget reading the job waits a while; other users' jobs go on.
		if derr := s.jobs.Defer(ctx, job.ID, job.ClaimToken, now.Add(admissionErrorDelay), now); derr != nil {
			return true, s.stopped(ctx, job, derr)
		}
		metrics.RecordSyncJob(string(job.JobType), "deferred")
		log.WithError(err).Warn("admission check failed, sync job deferred")
		return true, nil
	}
	if decision.Allowed {
		return false, nil
	}
	if err := s.jobs.Defer(ctx, job.ID, job.ClaimToken, decision.ResetAt, now); err != nil {
		return true, s.stopped(ctx, job, err)
	}
	metrics.RecordSyncJob(string(job.JobType), "deferred")
	tracing.AddSpanEvent(ctx, "admission.denied")
	log.WithFields(map[string]any{
		"remaining":       decision.Remaining,
		"reset_at":        decision.ResetAt.UTC().Format(time.RFC3339),
		"completed_steps": job.CompletedSteps,
	}).Info("sync job deferred until rate limit reset")
	return true, nil
}

// stopped handles a running-only update that found the job in another state,
// which is how cancellation surfaces to the runner. A job released as stale
// and claimed by another worker is left to that worker.
func (s *Scheduler) stopped(ctx context.Context, job Job, err error) error {
	if errors.Is(err, ErrNotRunning) {
		if cur, gerr := s.jobs.Get(ctx, job.ID); gerr == nil && cur.State == StateRunning {
			s.logger.WithContext(ctx).WithJob(job.ID).Warn("sync job claimed by another worker, stopping")
			return nil
		}
		metrics.RecordSyncJob(string(job.JobType), "cancelled")
		s.logger.WithContext(ctx).WithJob(job.ID).Info("sync job stopped, no longer running")
		prev, _ := s.states.GetSyncState(ctx, job.UserID, job.ResourceType, job.ResourceID)
		s.putState(ctx, job, prev, SyncIdle, "", nil)
		return nil
	}
	return fmt.Errorf("persist job %d: %w", job.ID, err)
}

func (s *Scheduler) fail(ctx context.Context, job Job, cause error) error {
	now := s.now().UTC()
	attempts := job.Attempts + 1
	next := now
	outcome := "retry"

	switch retry.Classify(cause) {
	case retry.ClassPermanent:
		attempts = job.MaxAttempts
	case retry.ClassRateLimited:
		next, _ = retry.ResetAt(cause)
		if next.Before(now) {
			next = now
		}
	default:
		next = now.Add(s.opts.Policy.Delay(attempts))
	}
	if attempts >= job.MaxAttempts {
		outcome = "failed"
	}

	tracing.SetSpanError(ctx, cause)
	if err := s.jobs.Fail(ctx, job.ID, job.ClaimToken, attempts, next, cause.Error(), now); err != nil {
		return s.stopped(ctx, job, err)
	}
	prev, _ := s.states.GetSyncState(ctx, job.UserID, job.ResourceType, job.ResourceID)
	st := s.baseState(job, prev)
	st.SyncStatus = SyncError
	st.SyncError = cause.Error()
	if err := s.states.PutSyncState(ctx, st); err != nil {
		s.logger.WithContext(ctx).WithJob(job.ID).WithError(err).Warn("sync state write failed")
	}
	metrics.RecordSyncJob(string(job.JobType), outcome)
	s.logger.WithContext(ctx).WithJob(job.ID).WithError(cause).WithFields(map[string]any{
		"attempts":    attempts,
		"outcome":     outcome,
		"next_run_at": next.Format(time.RFC3339),
	}).Warn("sync job failed")
	return nil
}

func (s *Scheduler) baseState(job Job, prev *SyncState) SyncState {
	st := SyncState{
		UserID:       job.UserID,
		ResourceType: job.ResourceType,
		ResourceID:   job.ResourceID,
		UpdatedAt:    s.now().UTC(),
	}
	if prev != nil {
		st.LastSyncedAt = prev.LastSyncedAt
		st.LastETag = prev.LastETag
	}
	return st
}

func (s *Scheduler) putState(ctx context.Context, job Job, prev *SyncState, status SyncStatus, etag string, syncedAt *time.Time) {
	st := s.baseState(job, prev)
	st.SyncStatus = status
	if etag != "" {
		st.LastETag = etag
	}
	if syncedAt != nil {
		st.LastSyncedAt = syncedAt
	}
	if snap, err := s.tracker.GetLast(ctx, job.UserID); err == nil {
		st.RateLimit = snap
	}
	if err := s.states.PutSyncState(ctx, st); err != nil {
		s.logger.WithContext(ctx).WithJob(job.ID).WithError(err).Warn("sync state write failed")
	}
}

// ParseRepo splits "owner/name".
func ParseRepo(resource string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(resource, "/")
	if !ok || owner == "" || name == "" || strings.ContainsAny(name, "/#") {
		return "", "", fmt.Errorf("%w: repository must be owner/name, got %q", ErrInvalidRequest, resource)
	}
	return owner, name, nil
}

// ParsePull splits "owner/name#number".
func ParsePull(resource string) (owner, name string, number int, err error) {
	repo, num, ok := strings.Cut(resource, "#")
	if !ok {
		return "", "", 0, fmt.Errorf("%w: pull request must be owner/name#number, got %q", ErrInvalidRequest, resource)
	}
	if owner, name, err = ParseRepo(repo); err != nil {
		return "", "", 0, err
	}
	number, err = strconv.Atoi(num)
	if err != nil || number < 1 {
		return "", "", 0, fmt.Errorf("%w: bad pull request number %q", ErrInvalidRequest, num)
	}
	return owner, name, number, nil
}

func PullResource(fullName string, number int) string {
	return fullName + "#" + strconv.Itoa(number)
}
