package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/ratelimit"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
)

// createAttempts bounds the insert/select race against a concurrently finishing job.
const createAttempts = 3

type Jobs struct {
	pool *pgxpool.Pool
}

func NewJobs(pool *pgxpool.Pool) *Jobs {
	return &Jobs{pool: pool}
}

const jobColumns = `id, job_type, resource_type, resource_id, state, priority, next_run_at, current_step,
	completed_steps, total_steps, items_fetched, attempts, max_attempts, error, user_id, checkpoint,
	started_at, completed_at, created_at, updated_at, claim_token`

func scanJob(row pgx.Row) (syncjob.Job, error) {
	var j syncjob.Job
	var jobType, state string
	var checkpoint []byte
	err := row.Scan(&j.ID, &jobType, &j.ResourceType, &j.ResourceID, &state, &j.Priority, &j.NextRunAt,
		&j.CurrentStep, &j.CompletedSteps, &j.TotalSteps, &j.ItemsFetched, &j.Attempts, &j.MaxAttempts,
		&j.Error, &j.UserID, &checkpoint, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt, &j.ClaimToken)
	if err != nil {
		return syncjob.Job{}, err
	}
	j.JobType = syncjob.JobType(jobType)
	j.State = syncjob.State(state)
	if len(checkpoint) > 0 {
		j.Checkpoint = checkpoint
	}
	return j, nil
}

func (s *Jobs) CreateOrGetActive(ctx context.Context, job syncjob.Job) (syncjob.Job, bool, error) {
	if job.ID == 0 {
		return syncjob.Job{}, false, errors.New("sync job id is required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = job.CreatedAt
	}
	if job.State == "" {
		job.State = syncjob.StatePending
	}

	for i := 0; i < createAttempts; i++ {
		created, err := scanJob(s.pool.QueryRow(ctx, `
			INSERT INTO harbormirror.sync_jobs
				(id, job_type, resource_type, resource_id, state, priority, next_run_at, total_steps,
				 max_attempts, user_id, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
			ON CONFLICT DO NOTHING
			RETURNING `+jobColumns,
			job.ID, string(job.JobType), job.ResourceType, job.ResourceID, string(job.State), job.Priority,
			job.NextRunAt, job.TotalSteps, job.MaxAttempts, job.UserID, job.CreatedAt))
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return syncjob.Job{}, false, fmt.Errorf("insert sync job: %w", err)
		}

		active, err := scanJob(s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM harbormirror.sync_jobs
			WHERE job_type=$1 AND resource_type=$2 AND resource_id=$3 AND user_id=$4
			  AND (state IN ('pending','running') OR (state='failed' AND attempts < max_attempts))
			LIMIT 1`,
			string(job.JobType), job.ResourceType, job.ResourceID, job.UserID))
		if err == nil {
			return active, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return syncjob.Job{}, false, fmt.Errorf("select active job: %w", err)
		}
		// the conflicting job settled between the two statements
	}
	return syncjob.Job{}, false, fmt.Errorf("sync job %d: conflicting active job kept changing", job.ID)
}

func (s *Jobs) ClaimNext(ctx context.Context, now time.Time) (syncjob.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE harbormirror.sync_jobs
		SET state='running', started_at=$1, updated_at=$1, claim_token=$2
		WHERE id = (
			SELECT id FROM harbormirror.sync_jobs
			WHERE next_run_at <= $1
			  AND (state='pending' OR (state='failed' AND attempts < max_attempts))
			ORDER BY priority, next_run_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now, ids.NewUUID()))
	if errors.Is(err, pgx.ErrNoRows) {
		return syncjob.Job{}, syncjob.ErrNotFound
	}
	return j, err
}

func (s *Jobs) Get(ctx context.Context, id int64) (syncjob.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM harbormirror.sync_jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return syncjob.Job{}, syncjob.ErrNotFound
	}
	return j, err
}

// whyNotRunning resolves a running-only update that matched no row.
func (s *Jobs) whyNotRunning(ctx context.Context, id int64) (syncjob.State, error) {
	var state string
	err := s.pool.QueryRow(ctx, `SELECT state FROM harbormirror.sync_jobs WHERE id=$1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", syncjob.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return syncjob.State(state), syncjob.ErrNotRunning
}

// whileRunning applies an update that requires the caller to hold the claim.
// $1 is the job id and $2 the claim token.
func (s *Jobs) whileRunning(ctx context.Context, id int64, claim, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, append([]any{id, claim}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		_, err := s.whyNotRunning(ctx, id)
		return err
	}
	return nil
}

func (s *Jobs) SaveProgress(ctx context.Context, id int64, claim string, p syncjob.Progress, now time.Time) (syncjob.State, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE harbormirror.sync_jobs
		SET current_step=$3, completed_steps=GREATEST(completed_steps,$4), items_fetched=$5,
			checkpoint=COALESCE($6, checkpoint), updated_at=$7
		WHERE id=$1 AND state='running' AND claim_token=$2`,
		id, claim, p.CurrentStep, p.CompletedSteps, p.ItemsFetched, nullJSON(p.Checkpoint), now)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return s.whyNotRunning(ctx, id)
	}
	return syncjob.StateRunning, nil
}

func (s *Jobs) Defer(ctx context.Context, id int64, claim string, nextRunAt, now time.Time) error {
	return s.whileRunning(ctx, id, claim, `
		UPDATE harbormirror.sync_jobs
		SET state='pending', next_run_at=$3, updated_at=$4, claim_token=''
		WHERE id=$1 AND state='running' AND claim_token=$2`, nextRunAt, now)
}

func (s *Jobs) Complete(ctx context.Context, id int64, claim string, p syncjob.Progress, now time.Time) error {
	return s.whileRunning(ctx, id, claim, `
		UPDATE harbormirror.sync_jobs
		SET state='completed', current_step=$3, completed_steps=GREATEST(completed_steps,$4),
			items_fetched=$5, checkpoint=COALESCE($6, checkpoint), error='',
			completed_at=$7, updated_at=$7, claim_token=''
		WHERE id=$1 AND state='running' AND claim_token=$2`,
		p.CurrentStep, p.CompletedSteps, p.ItemsFetched, nullJSON(p.Checkpoint), now)
}

func (s *Jobs) Fail(ctx context.Context, id int64, claim string, attempts int, nextRunAt time.Time, errText string, now time.Time) error {
	return s.whileRunning(ctx, id, claim, `
		UPDATE harbormirror.sync_jobs
		SET state='failed', attempts=$3, next_run_at=$4, error=$5, updated_at=$6, claim_token='',
			completed_at=CASE WHEN $3 >= max_attempts THEN $6 ELSE completed_at END
		WHERE id=$1 AND state='running' AND claim_token=$2`, attempts, nextRunAt, errText, now)
}

func (s *Jobs) Cancel(ctx context.Context, id int64, now time.Time) (syncjob.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE harbormirror.sync_jobs
		SET state='cancelled', completed_at=$2, updated_at=$2, claim_token=''
		WHERE id=$1 AND state IN ('pending','running','failed')
		RETURNING `+jobColumns, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.Get(ctx, id)
	}
	return j, err
}

func (s *Jobs) List(ctx context.Context, f syncjob.Filter) ([]syncjob.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM harbormirror.sync_jobs
		WHERE ($1 = '' OR user_id=$1) AND ($2 = '' OR state=$2) AND ($3 = '' OR job_type=$3)
		ORDER BY id DESC
		LIMIT $4`, f.UserID, string(f.State), string(f.JobType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []syncjob.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Jobs) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM harbormirror.sync_jobs
		WHERE updated_at < $1
		  AND (state IN ('completed','cancelled') OR (state='failed' AND attempts >= max_attempts))`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Jobs) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE harbormirror.sync_jobs
		SET state='pending', updated_at=now(), claim_token=''
		WHERE state='running' AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type SyncStates struct {
	pool *pgxpool.Pool
}

func NewSyncStates(pool *pgxpool.Pool) *SyncStates {
	return &SyncStates{pool: pool}
}

const stateColumns = `user_id, resource_type, resource_id, last_synced_at, last_etag,
	rate_limit_remaining, rate_limit_limit, rate_limit_used, rate_limit_reset_at,
	sync_status, sync_error, updated_at`

func scanState(row pgx.Row) (syncjob.SyncState, error) {
	var st syncjob.SyncState
	var status string
	var remaining, limit, used *int
	var resetAt *time.Time
	err := row.Scan(&st.UserID, &st.ResourceType, &st.ResourceID, &st.LastSyncedAt, &st.LastETag,
		&remaining, &limit, &used, &resetAt, &status, &st.SyncError, &st.UpdatedAt)
	if err != nil {
		return syncjob.SyncState{}, err
	}
	st.SyncStatus = syncjob.SyncStatus(status)
	if remaining != nil && limit != nil && resetAt != nil {
		st.RateLimit = &ratelimit.Snapshot{
			UserID:    st.UserID,
			Remaining: *remaining,
			Limit:     *limit,
			ResetAt:   *resetAt,
			UpdatedAt: st.UpdatedAt,
		}
		if used != nil {
			st.RateLimit.Used = *used
		}
	}
	return st, nil
}

func (s *SyncStates) GetSyncState(ctx context.Context, userID, resourceType, resourceID string) (*syncjob.SyncState, error) {
	st, err := scanState(s.pool.QueryRow(ctx, `
		SELECT `+stateColumns+` FROM harbormirror.sync_state
		WHERE user_id=$1 AND resource_type=$2 AND resource_id=$3`, userID, resourceType, resourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SyncStates) PutSyncState(ctx context.Context, st syncjob.SyncState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	var remaining, limit, used *int
	var resetAt *time.Time
	if rl := st.RateLimit; rl != nil {
		remaining, limit, used, resetAt = &rl.Remaining, &rl.Limit, &rl.Used, &rl.ResetAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO harbormirror.sync_state (`+stateColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (user_id, resource_type, resource_id) DO UPDATE SET
			last_synced_at=EXCLUDED.last_synced_at, last_etag=EXCLUDED.last_etag,
			rate_limit_remaining=EXCLUDED.rate_limit_remaining, rate_limit_limit=EXCLUDED.rate_limit_limit,
			rate_limit_used=EXCLUDED.rate_limit_used, rate_limit_reset_at=EXCLUDED.rate_limit_reset_at,
			sync_status=EXCLUDED.sync_status, sync_error=EXCLUDED.sync_error, updated_at=EXCLUDED.updated_at`,
		st.UserID, st.ResourceType, st.ResourceID, st.LastSyncedAt, st.LastETag,
		remaining, limit, used, resetAt, string(st.SyncStatus), st.SyncError, st.UpdatedAt)
	return err
}

func (s *SyncStates) ListSyncStates(ctx context.Context, userID string) ([]syncjob.SyncState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stateColumns+` FROM harbormirror.sync_state
		WHERE user_id=$1 ORDER BY resource_type, resource_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []syncjob.SyncState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type RateLimits struct {
	pool *pgxpool.Pool
}

func NewRateLimits(pool *pgxpool.Pool) *RateLimits {
	return &RateLimits{pool: pool}
}

func (r *RateLimits) PutSnapshot(ctx context.Context, s ratelimit.Snapshot) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO harbormirror.rate_limits (user_id, remaining, "limit", used, reset_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id) DO UPDATE SET
			remaining=EXCLUDED.remaining, "limit"=EXCLUDED."limit", used=EXCLUDED.used,
			reset_at=EXCLUDED.reset_at, updated_at=EXCLUDED.updated_at`,
		s.UserID, s.Remaining, s.Limit, s.Used, s.ResetAt, s.UpdatedAt)
	return err
}

func (r *RateLimits) GetSnapshot(ctx context.Context, userID string) (*ratelimit.Snapshot, error) {
	s := ratelimit.Snapshot{UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT remaining, "limit", used, reset_at, updated_at
		FROM harbormirror.rate_limits WHERE user_id=$1`, userID).
		Scan(&s.Remaining, &s.Limit, &s.Used, &s.ResetAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
