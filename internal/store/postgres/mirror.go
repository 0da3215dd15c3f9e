package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_mirror/internal/mirror"
)

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Mirror is the postgres mirror.Store. Upserts guard on provider_updated_at
// so a late, older payload never overwrites a newer row.
type Mirror struct {
	pool *pgxpool.Pool
}

func NewMirror(pool *pgxpool.Pool) *Mirror {
	return &Mirror{pool: pool}
}

func (m *Mirror) UpsertRepository(ctx context.Context, r mirror.Repository) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO harbormirror.repositories
			(id, owner, name, full_name, private, default_branch, html_url, provider_updated_at, tracked, local_updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,
			EXISTS (SELECT 1 FROM harbormirror.repository_users WHERE repo_id=$1), now())
		ON CONFLICT (id) DO UPDATE SET
			owner=EXCLUDED.owner, name=EXCLUDED.name, full_name=EXCLUDED.full_name,
			private=EXCLUDED.private, default_branch=EXCLUDED.default_branch,
			html_url=EXCLUDED.html_url, provider_updated_at=EXCLUDED.provider_updated_at,
			local_updated_at=now()
		WHERE repositories.provider_updated_at IS NULL
		   OR repositories.provider_updated_at <= EXCLUDED.provider_updated_at`,
		r.ID, r.Owner, r.Name, r.FullName, r.Private, r.DefaultBranch, r.HTMLURL, nullTime(r.ProviderUpdatedAt))
	return err
}

func (m *Mirror) UpsertPullRequest(ctx context.Context, pr mirror.PullRequest) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO harbormirror.pull_requests
			(repo_id, number, id, title, state, draft, merged, author_login, head_sha, head_ref, base_ref,
			 closed_at, merged_at, provider_updated_at, local_updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now())
		ON CONFLICT (repo_id, number) DO UPDATE SET
			id=EXCLUDED.id, title=EXCLUDED.title, state=EXCLUDED.state, draft=EXCLUDED.draft,
			merged=EXCLUDED.merged, author_login=EXCLUDED.author_login, head_sha=EXCLUDED.head_sha,
			head_ref=EXCLUDED.head_ref, base_ref=EXCLUDED.base_ref, closed_at=EXCLUDED.closed_at,
			merged_at=EXCLUDED.merged_at, provider_updated_at=EXCLUDED.provider_updated_at,
			local_updated_at=now()
		WHERE pull_requests.provider_updated_at IS NULL
		   OR pull_requests.provider_updated_at <= EXCLUDED.provider_updated_at`,
		pr.RepoID, pr.Number, pr.ID, pr.Title, pr.State, pr.Draft, pr.Merged, pr.AuthorLogin,
		pr.HeadSHA, pr.HeadRef, pr.BaseRef, pr.ClosedAt, pr.MergedAt, nullTime(pr.ProviderUpdatedAt))
	return err
}

func (m *Mirror) UpsertReview(ctx context.Context, rv mirror.Review) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO harbormirror.reviews (id, repo_id, pr_number, author_login, state, body, commit_id, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			repo_id=EXCLUDED.repo_id, pr_number=EXCLUDED.pr_number, author_login=EXCLUDED.author_login,
			state=EXCLUDED.state, body=EXCLUDED.body, commit_id=EXCLUDED.commit_id,
			submitted_at=EXCLUDED.submitted_at`,
		rv.ID, rv.RepoID, rv.PRNumber, rv.AuthorLogin, rv.State, rv.Body, rv.CommitID, nullTime(rv.SubmittedAt))
	return err
}

func (m *Mirror) UpsertComment(ctx context.Context, c mirror.Comment) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO harbormirror.comments
			(id, repo_id, number, kind, author_login, body, path, created_at, provider_updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			repo_id=EXCLUDED.repo_id, number=EXCLUDED.number, kind=EXCLUDED.kind,
			author_login=EXCLUDED.author_login, body=EXCLUDED.body, path=EXCLUDED.path,
			created_at=EXCLUDED.created_at, provider_updated_at=EXCLUDED.provider_updated_at
		WHERE comments.provider_updated_at IS NULL
		   OR comments.provider_updated_at <= EXCLUDED.provider_updated_at`,
		c.ID, c.RepoID, c.Number, string(c.Kind), c.AuthorLogin, c.Body, c.Path,
		nullTime(c.CreatedAt), nullTime(c.ProviderUpdatedAt))
	return err
}

func (m *Mirror) DeleteComment(ctx context.Context, id int64) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM harbormirror.comments WHERE id=$1`, id)
	return err
}

func (m *Mirror) UpsertCommit(ctx context.Context, c mirror.Commit) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO harbormirror.commits (repo_id, sha, pr_number, message, author_name, author_email, committed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (repo_id, sha) DO UPDATE SET
			pr_number=CASE WHEN EXCLUDED.pr_number = 0 THEN commits.pr_number ELSE EXCLUDED.pr_number END,
			message=EXCLUDED.message, author_name=EXCLUDED.author_name,
			author_email=EXCLUDED.author_email, committed_at=EXCLUDED.committed_at`,
		c.RepoID, c.SHA, c.PRNumber, c.Message, c.AuthorName, c.AuthorEmail, nullTime(c.CommittedAt))
	return err
}

func (m *Mirror) UpsertIssue(ctx context.Context, is mirror.Issue) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO harbormirror.issues (repo_id, number, id, title, state, author_login, provider_updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (repo_id, number) DO UPDATE SET
			id=EXCLUDED.id, title=EXCLUDED.title, state=EXCLUDED.state,
			author_login=EXCLUDED.author_login, provider_updated_at=EXCLUDED.provider_updated_at
		WHERE issues.provider_updated_at IS NULL
		   OR issues.provider_updated_at <= EXCLUDED.provider_updated_at`,
		is.RepoID, is.Number, is.ID, is.Title, is.State, is.AuthorLogin, nullTime(is.ProviderUpdatedAt))
	return err
}

func (m *Mirror) LinkUser(ctx context.Context, userID string, repoID int64) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO harbormirror.repository_users (repo_id, user_id, linked_at)
		VALUES ($1,$2,clock_timestamp())
		ON CONFLICT (repo_id, user_id) DO NOTHING`, repoID, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE harbormirror.repositories SET tracked=true WHERE id=$1 AND NOT tracked`, repoID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (m *Mirror) UserForRepository(ctx context.Context, repoID int64) (string, error) {
	var user string
	err := m.pool.QueryRow(ctx, `
		SELECT user_id FROM harbormirror.repository_users
		WHERE repo_id=$1 ORDER BY linked_at, user_id LIMIT 1`, repoID).Scan(&user)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", mirror.ErrNotFound
	}
	return user, err
}

const repoColumns = `r.id, r.owner, r.name, r.full_name, r.private, r.default_branch, r.html_url,
	r.provider_updated_at, r.webhook_status, r.tracked`

func scanRepo(row pgx.Row) (mirror.Repository, error) {
	var r mirror.Repository
	var updated *time.Time
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.FullName, &r.Private, &r.DefaultBranch, &r.HTMLURL,
		&updated, &r.WebhookStatus, &r.Tracked)
	r.ProviderUpdatedAt = derefTime(updated)
	return r, err
}

func (m *Mirror) ListRepositories(ctx context.Context, userID string) ([]mirror.Repository, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT `+repoColumns+`
		FROM harbormirror.repositories r
		JOIN harbormirror.repository_users u ON u.repo_id = r.id
		WHERE u.user_id=$1
		ORDER BY r.full_name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []mirror.Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (m *Mirror) SetWebhookStatus(ctx context.Context, repoID int64, status string) error {
	tag, err := m.pool.Exec(ctx,
		`UPDATE harbormirror.repositories SET webhook_status=$2, local_updated_at=now() WHERE id=$1`,
		repoID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mirror.ErrNotFound
	}
	return nil
}

func (m *Mirror) GetRepository(ctx context.Context, id int64) (mirror.Repository, error) {
	r, err := scanRepo(m.pool.QueryRow(ctx,
		`SELECT `+repoColumns+` FROM harbormirror.repositories r WHERE r.id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return mirror.Repository{}, mirror.ErrNotFound
	}
	return r, err
}

func (m *Mirror) GetPullRequest(ctx context.Context, repoID int64, number int) (mirror.PullRequest, error) {
	var pr mirror.PullRequest
	var updated *time.Time
	err := m.pool.QueryRow(ctx, `
		SELECT id, repo_id, number, title, state, draft, merged, author_login, head_sha, head_ref, base_ref,
			closed_at, merged_at, provider_updated_at, sync_note
		FROM harbormirror.pull_requests WHERE repo_id=$1 AND number=$2`, repoID, number).
		Scan(&pr.ID, &pr.RepoID, &pr.Number, &pr.Title, &pr.State, &pr.Draft, &pr.Merged, &pr.AuthorLogin,
			&pr.HeadSHA, &pr.HeadRef, &pr.BaseRef, &pr.ClosedAt, &pr.MergedAt, &updated, &pr.SyncNote)
	if errors.Is(err, pgx.ErrNoRows) {
		return mirror.PullRequest{}, mirror.ErrNotFound
	}
	pr.ProviderUpdatedAt = derefTime(updated)
	return pr, err
}

func (m *Mirror) GetIssue(ctx context.Context, repoID int64, number int) (mirror.Issue, error) {
	var is mirror.Issue
	var updated *time.Time
	err := m.pool.QueryRow(ctx, `
		SELECT id, repo_id, number, title, state, author_login, provider_updated_at
		FROM harbormirror.issues WHERE repo_id=$1 AND number=$2`, repoID, number).
		Scan(&is.ID, &is.RepoID, &is.Number, &is.Title, &is.State, &is.AuthorLogin, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return mirror.Issue{}, mirror.ErrNotFound
	}
	is.ProviderUpdatedAt = derefTime(updated)
	return is, err
}

const commentColumns = `id, repo_id, number, kind, author_login, body, path, created_at, provider_updated_at`

func scanComment(row pgx.Row) (mirror.Comment, error) {
	var c mirror.Comment
	var kind string
	var created, updated *time.Time
	err := row.Scan(&c.ID, &c.RepoID, &c.Number, &kind, &c.AuthorLogin, &c.Body, &c.Path, &created, &updated)
	c.Kind = mirror.CommentKind(kind)
	c.CreatedAt, c.ProviderUpdatedAt = derefTime(created), derefTime(updated)
	return c, err
}

func (m *Mirror) GetComment(ctx context.Context, id int64) (mirror.Comment, error) {
	c, err := scanComment(m.pool.QueryRow(ctx,
		`SELECT `+commentColumns+` FROM harbormirror.comments WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return mirror.Comment{}, mirror.ErrNotFound
	}
	return c, err
}

func (m *Mirror) ListReviews(ctx context.Context, repoID int64, number int) ([]mirror.Review, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT id, repo_id, pr_number, author_login, state, body, commit_id, submitted_at
		FROM harbormirror.reviews WHERE repo_id=$1 AND pr_number=$2 ORDER BY id`, repoID, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []mirror.Review
	for rows.Next() {
		var rv mirror.Review
		var submitted *time.Time
		if err := rows.Scan(&rv.ID, &rv.RepoID, &rv.PRNumber, &rv.AuthorLogin, &rv.State, &rv.Body,
			&rv.CommitID, &submitted); err != nil {
			return nil, err
		}
		rv.SubmittedAt = derefTime(submitted)
		out = append(out, rv)
	}
	return out, rows.Err()
}

func (m *Mirror) ListComments(ctx context.Context, repoID int64, number int) ([]mirror.Comment, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT `+commentColumns+` FROM harbormirror.comments
		WHERE repo_id=$1 AND number=$2 ORDER BY id`, repoID, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []mirror.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCommits returns every commit of the repository when prNumber is 0.
func (m *Mirror) ListCommits(ctx context.Context, repoID int64, prNumber int) ([]mirror.Commit, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT sha, repo_id, pr_number, message, author_name, author_email, committed_at
		FROM harbormirror.commits
		WHERE repo_id=$1 AND ($2 = 0 OR pr_number=$2)
		ORDER BY sha`, repoID, prNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []mirror.Commit
	for rows.Next() {
		var c mirror.Commit
		var committed *time.Time
		if err := rows.Scan(&c.SHA, &c.RepoID, &c.PRNumber, &c.Message, &c.AuthorName, &c.AuthorEmail,
			&committed); err != nil {
			return nil, err
		}
		c.CommittedAt = derefTime(committed)
		out = append(out, c)
	}
	return out, rows.Err()
}
