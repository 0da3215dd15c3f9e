package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/ratelimit"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
)

type Jobs struct {
	mu   sync.Mutex
	jobs map[int64]*syncjob.Job
	next int64
}

func NewJobs() *Jobs {
	return &Jobs{jobs: map[int64]*syncjob.Job{}}
}

func copyJob(j *syncjob.Job) syncjob.Job {
	out := *j
	if j.Checkpoint != nil {
		out.Checkpoint = append([]byte(nil), j.Checkpoint...)
	}
	return out
}

func (s *Jobs) CreateOrGetActive(_ context.Context, job syncjob.Job) (syncjob.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := job.Key()
	for _, j := range s.jobs {
		if j.Active() && j.Key() == key {
			return copyJob(j), false, nil
		}
	}
	if job.ID == 0 {
		s.next++
		job.ID = s.next
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	job.ClaimToken = ""
	if job.State == "" {
		job.State = syncjob.StatePending
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = job.CreatedAt
	}
	stored := copyJob(&job)
	s.jobs[job.ID] = &stored
	return copyJob(&stored), true, nil
}

func (s *Jobs) ClaimNext(_ context.Context, now time.Time) (syncjob.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *syncjob.Job
	for _, j := range s.jobs {
		if j.NextRunAt.After(now) {
			continue
		}
		if j.State != syncjob.StatePending && !j.Retryable() {
			continue
		}
		if best == nil || j.Priority < best.Priority ||
			(j.Priority == best.Priority && (j.NextRunAt.Before(best.NextRunAt) ||
				(j.NextRunAt.Equal(best.NextRunAt) && j.ID < best.ID))) {
			best = j
		}
	}
	if best == nil {
		return syncjob.Job{}, syncjob.ErrNotFound
	}
	best.State = syncjob.StateRunning
	best.StartedAt = timePtr(now)
	best.UpdatedAt = now
	best.ClaimToken = ids.NewUUID()
	return copyJob(best), nil
}

func (s *Jobs) Get(_ context.Context, id int64) (syncjob.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return syncjob.Job{}, syncjob.ErrNotFound
	}
	return copyJob(j), nil
}

// running returns the job if the caller still holds its claim.
func (s *Jobs) running(id int64, claim string) (*syncjob.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, syncjob.ErrNotFound
	}
	if j.State != syncjob.StateRunning || j.ClaimToken != claim {
		return j, syncjob.ErrNotRunning
	}
	return j, nil
}

func applyProgress(j *syncjob.Job, p syncjob.Progress) {
	j.CurrentStep = p.CurrentStep
	if p.CompletedSteps > j.CompletedSteps {
		j.CompletedSteps = p.CompletedSteps
	}
	j.ItemsFetched = p.ItemsFetched
	if p.Checkpoint != nil {
		j.Checkpoint = append([]byte(nil), p.Checkpoint...)
	}
}

func (s *Jobs) SaveProgress(_ context.Context, id int64, claim string, p syncjob.Progress, now time.Time) (syncjob.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.running(id, claim)
	if err != nil {
		if j != nil {
			return j.State, err
		}
		return "", err
	}
	applyProgress(j, p)
	j.UpdatedAt = now
	return j.State, nil
}

func (s *Jobs) Defer(_ context.Context, id int64, claim string, nextRunAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.running(id, claim)
	if err != nil {
		return err
	}
	j.State = syncjob.StatePending
	j.NextRunAt = nextRunAt
	j.UpdatedAt = now
	j.ClaimToken = ""
	return nil
}

func (s *Jobs) Complete(_ context.Context, id int64, claim string, p syncjob.Progress, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.running(id, claim)
	if err != nil {
		return err
	}
	applyProgress(j, p)
	j.State = syncjob.StateCompleted
	j.ClaimToken = ""
	j.Error = ""
	j.CompletedAt = timePtr(now)
	j.UpdatedAt = now
	return nil
}

func (s *Jobs) Fail(_ context.Context, id int64, claim string, attempts int, nextRunAt time.Time, errText string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.running(id, claim)
	if err != nil {
		return err
	}
	j.State = syncjob.StateFailed
	j.ClaimToken = ""
	j.Attempts = attempts
	j.NextRunAt = nextRunAt
	j.Error = errText
	j.UpdatedAt = now
	if attempts >= j.MaxAttempts {
		j.CompletedAt = timePtr(now)
	}
	return nil
}

func (s *Jobs) Cancel(_ context.Context, id int64, now time.Time) (syncjob.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return syncjob.Job{}, syncjob.ErrNotFound
	}
	switch j.State {
	case syncjob.StatePending, syncjob.StateRunning, syncjob.StateFailed:
		j.State = syncjob.StateCancelled
		j.ClaimToken = ""
		j.CompletedAt = timePtr(now)
		j.UpdatedAt = now
	}
	return copyJob(j), nil
}

func (s *Jobs) List(_ context.Context, f syncjob.Filter) ([]syncjob.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []syncjob.Job
	for _, j := range s.jobs {
		if f.UserID != "" && j.UserID != f.UserID {
			continue
		}
		if f.State != "" && j.State != f.State {
			continue
		}
		if f.JobType != "" && j.JobType != f.JobType {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Jobs) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		finished := j.State == syncjob.StateCompleted || j.State == syncjob.StateCancelled ||
			(j.State == syncjob.StateFailed && !j.Retryable())
		if finished && j.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Jobs) ReleaseStale(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.State == syncjob.StateRunning && j.UpdatedAt.Before(olderThan) {
			j.State = syncjob.StatePending
			j.UpdatedAt = time.Now().UTC()
			j.ClaimToken = ""
			n++
		}
	}
	return n, nil
}

type stateKey struct {
	user, rtype, rid string
}

type SyncStates struct {
	mu sync.Mutex
	m  map[stateKey]syncjob.SyncState
}

func NewSyncStates() *SyncStates {
	return &SyncStates{m: map[stateKey]syncjob.SyncState{}}
}

func (s *SyncStates) GetSyncState(_ context.Context, userID, resourceType, resourceID string) (*syncjob.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[stateKey{userID, resourceType, resourceID}]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *SyncStates) PutSyncState(_ context.Context, st syncjob.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	s.m[stateKey{st.UserID, st.ResourceType, st.ResourceID}] = st
	return nil
}

func (s *SyncStates) ListSyncStates(_ context.Context, userID string) ([]syncjob.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []syncjob.SyncState
	for k, st := range s.m {
		if k.user == userID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceType == out[j].ResourceType {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].ResourceType < out[j].ResourceType
	})
	return out, nil
}

type RateLimits struct {
	mu sync.Mutex
	m  map[string]ratelimit.Snapshot
}

func NewRateLimits() *RateLimits {
	return &RateLimits{m: map[string]ratelimit.Snapshot{}}
}

func (r *RateLimits) PutSnapshot(_ context.Context, s ratelimit.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[s.UserID] = s
	return nil
}

func (r *RateLimits) GetSnapshot(_ context.Context, userID string) (*ratelimit.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}
