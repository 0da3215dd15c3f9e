package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/austindbirch/harbor_mirror/internal/mirror"
)

type numberKey struct {
	repoID int64
	number int
}

type commitKey struct {
	repoID int64
	sha    string
}

// Mirror is the in-memory mirror.Store.
type Mirror struct {
	mu       sync.Mutex
	repos    map[int64]mirror.Repository
	pulls    map[numberKey]mirror.PullRequest
	reviews  map[int64]mirror.Review
	comments map[int64]mirror.Comment
	commits  map[commitKey]mirror.Commit
	issues   map[numberKey]mirror.Issue
	links    map[int64][]string // repo id -> users in link order
}

func NewMirror() *Mirror {
	return &Mirror{
		repos:    map[int64]mirror.Repository{},
		pulls:    map[numberKey]mirror.PullRequest{},
		reviews:  map[int64]mirror.Review{},
		comments: map[int64]mirror.Comment{},
		commits:  map[commitKey]mirror.Commit{},
		issues:   map[numberKey]mirror.Issue{},
		links:    map[int64][]string{},
	}
}

func (m *Mirror) UpsertRepository(_ context.Context, r mirror.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.repos[r.ID]; ok {
		if cur.ProviderUpdatedAt.After(r.ProviderUpdatedAt) {
			return nil
		}
		r.WebhookStatus, r.Tracked = cur.WebhookStatus, cur.Tracked
	} else {
		r.WebhookStatus, r.Tracked = "", len(m.links[r.ID]) > 0
	}
	m.repos[r.ID] = r
	return nil
}

func (m *Mirror) UpsertPullRequest(_ context.Context, pr mirror.PullRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := numberKey{pr.RepoID, pr.Number}
	if cur, ok := m.pulls[k]; ok {
		if cur.ProviderUpdatedAt.After(pr.ProviderUpdatedAt) {
			return nil
		}
		pr.SyncNote = cur.SyncNote
	} else {
		pr.SyncNote = ""
	}
	m.pulls[k] = pr
	return nil
}

func (m *Mirror) UpsertReview(_ context.Context, rv mirror.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[rv.ID] = rv
	return nil
}

func (m *Mirror) UpsertComment(_ context.Context, c mirror.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.comments[c.ID]; ok && cur.ProviderUpdatedAt.After(c.ProviderUpdatedAt) {
		return nil
	}
	m.comments[c.ID] = c
	return nil
}

func (m *Mirror) DeleteComment(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.comments, id)
	return nil
}

func (m *Mirror) UpsertCommit(_ context.Context, c mirror.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := commitKey{c.RepoID, c.SHA}
	if cur, ok := m.commits[k]; ok && c.PRNumber == 0 {
		c.PRNumber = cur.PRNumber
	}
	m.commits[k] = c
	return nil
}

func (m *Mirror) UpsertIssue(_ context.Context, is mirror.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := numberKey{is.RepoID, is.Number}
	if cur, ok := m.issues[k]; ok && cur.ProviderUpdatedAt.After(is.ProviderUpdatedAt) {
		return nil
	}
	m.issues[k] = is
	return nil
}

func (m *Mirror) LinkUser(_ context.Context, userID string, repoID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.links[repoID] {
		if u == userID {
			return nil
		}
	}
	m.links[repoID] = append(m.links[repoID], userID)
	if r, ok := m.repos[repoID]; ok {
		r.Tracked = true
		m.repos[repoID] = r
	}
	return nil
}

func (m *Mirror) UserForRepository(_ context.Context, repoID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.links[repoID]
	if len(users) == 0 {
		return "", mirror.ErrNotFound
	}
	return users[0], nil
}

func (m *Mirror) ListRepositories(_ context.Context, userID string) ([]mirror.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mirror.Repository
	for repoID, users := range m.links {
		for _, u := range users {
			if u == userID {
				if r, ok := m.repos[repoID]; ok {
					out = append(out, r)
				}
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

func (m *Mirror) SetWebhookStatus(_ context.Context, repoID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[repoID]
	if !ok {
		return mirror.ErrNotFound
	}
	r.WebhookStatus = status
	m.repos[repoID] = r
	return nil
}

func (m *Mirror) GetRepository(_ context.Context, id int64) (mirror.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[id]
	if !ok {
		return mirror.Repository{}, mirror.ErrNotFound
	}
	return r, nil
}

func (m *Mirror) GetPullRequest(_ context.Context, repoID int64, number int) (mirror.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.pulls[numberKey{repoID, number}]
	if !ok {
		return mirror.PullRequest{}, mirror.ErrNotFound
	}
	return pr, nil
}

func (m *Mirror) GetIssue(_ context.Context, repoID int64, number int) (mirror.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.issues[numberKey{repoID, number}]
	if !ok {
		return mirror.Issue{}, mirror.ErrNotFound
	}
	return is, nil
}

func (m *Mirror) GetComment(_ context.Context, id int64) (mirror.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[id]
	if !ok {
		return mirror.Comment{}, mirror.ErrNotFound
	}
	return c, nil
}

func (m *Mirror) ListReviews(_ context.Context, repoID int64, number int) ([]mirror.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mirror.Review
	for _, rv := range m.reviews {
		if rv.RepoID == repoID && rv.PRNumber == number {
			out = append(out, rv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mirror) ListComments(_ context.Context, repoID int64, number int) ([]mirror.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mirror.Comment
	for _, c := range m.comments {
		if c.RepoID == repoID && c.Number == number {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mirror) ListCommits(_ context.Context, repoID int64, prNumber int) ([]mirror.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mirror.Commit
	for _, c := range m.commits {
		if c.RepoID == repoID && (prNumber == 0 || c.PRNumber == prNumber) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SHA < out[j].SHA })
	return out, nil
}
