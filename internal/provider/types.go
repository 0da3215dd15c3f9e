package provider

import (
	"time"

	"github.com/austindbirch/harbor_mirror/internal/mirror"
)

// The wire shapes below are shared by pull API responses and webhook payloads.

type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

type Org struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

type Repo struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	Private       bool      `json:"private"`
	Owner         User      `json:"owner"`
	DefaultBranch string    `json:"default_branch"`
	HTMLURL       string    `json:"html_url"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Ref struct {
	Ref  string `json:"ref"`
	SHA  string `json:"sha"`
	Repo *Repo  `json:"repo,omitempty"`
}

type Pull struct {
	ID        int64      `json:"id"`
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	Draft     bool       `json:"draft"`
	Merged    bool       `json:"merged"`
	User      User       `json:"user"`
	Head      Ref        `json:"head"`
	Base      Ref        `json:"base"`
	ClosedAt  *time.Time `json:"closed_at"`
	MergedAt  *time.Time `json:"merged_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Review struct {
	ID          int64     `json:"id"`
	User        User      `json:"user"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	CommitID    string    `json:"commit_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Comment struct {
	ID        int64     `json:"id"`
	User      User      `json:"user"`
	Body      string    `json:"body"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CommitAuthor struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

type Commit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string       `json:"message"`
		Author  CommitAuthor `json:"author"`
	} `json:"commit"`
}

// PushCommit is the commit shape inside push webhook payloads.
type PushCommit struct {
	ID        string       `json:"id"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
	Author    CommitAuthor `json:"author"`
}

type Issue struct {
	ID          int64     `json:"id"`
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	User        User      `json:"user"`
	UpdatedAt   time.Time `json:"updated_at"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request,omitempty"`
}

// IsPullRequest reports whether the issue is the conversation side of a PR.
func (i Issue) IsPullRequest() bool {
	return i.PullRequest != nil
}

func (r Repo) ToMirror() mirror.Repository {
	owner, name := r.Owner.Login, r.Name
	full := r.FullName
	if full == "" && owner != "" {
		full = owner + "/" + name
	}
	return mirror.Repository{
		ID:                r.ID,
		Owner:             owner,
		Name:              name,
		FullName:          full,
		Private:           r.Private,
		DefaultBranch:     r.DefaultBranch,
		HTMLURL:           r.HTMLURL,
		ProviderUpdatedAt: r.UpdatedAt,
	}
}

func (p Pull) ToMirror(repoID int64) mirror.PullRequest {
	return mirror.PullRequest{
		ID:                p.ID,
		RepoID:            repoID,
		Number:            p.Number,
		Title:             p.Title,
		State:             p.State,
		Draft:             p.Draft,
		Merged:            p.Merged || p.MergedAt != nil,
		AuthorLogin:       p.User.Login,
		HeadSHA:           p.Head.SHA,
		HeadRef:           p.Head.Ref,
		BaseRef:           p.Base.Ref,
		ClosedAt:          p.ClosedAt,
		MergedAt:          p.MergedAt,
		ProviderUpdatedAt: p.UpdatedAt,
	}
}

func (r Review) ToMirror(repoID int64, number int) mirror.Review {
	return mirror.Review{
		ID:          r.ID,
		RepoID:      repoID,
		PRNumber:    number,
		AuthorLogin: r.User.Login,
		State:       r.State,
		Body:        r.Body,
		CommitID:    r.CommitID,
		SubmittedAt: r.SubmittedAt,
	}
}

func (c Comment) ToMirror(repoID int64, number int, kind mirror.CommentKind) mirror.Comment {
	return mirror.Comment{
		ID:                c.ID,
		RepoID:            repoID,
		Number:            number,
		Kind:              kind,
		AuthorLogin:       c.User.Login,
		Body:              c.Body,
		Path:              c.Path,
		CreatedAt:         c.CreatedAt,
		ProviderUpdatedAt: c.UpdatedAt,
	}
}

func (c Commit) ToMirror(repoID int64, number int) mirror.Commit {
	return mirror.Commit{
		SHA:         c.SHA,
		RepoID:      repoID,
		PRNumber:    number,
		Message:     c.Commit.Message,
		AuthorName:  c.Commit.Author.Name,
		AuthorEmail: c.Commit.Author.Email,
		CommittedAt: c.Commit.Author.Date,
	}
}

func (c PushCommit) ToMirror(repoID int64) mirror.Commit {
	ts := c.Timestamp
	if ts.IsZero() {
		ts = c.Author.Date
	}
	return mirror.Commit{
		SHA:         c.ID,
		RepoID:      repoID,
		Message:     c.Message,
		AuthorName:  c.Author.Name,
		AuthorEmail: c.Author.Email,
		CommittedAt: ts,
	}
}

func (i Issue) ToMirror(repoID int64) mirror.Issue {
	return mirror.Issue{
		ID:                i.ID,
		RepoID:            repoID,
		Number:            i.Number,
		Title:             i.Title,
		State:             i.State,
		AuthorLogin:       i.User.Login,
		ProviderUpdatedAt: i.UpdatedAt,
	}
}
