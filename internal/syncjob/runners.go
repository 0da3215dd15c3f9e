package syncjob

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/austindbirch/harbor_mirror/internal/mirror"
	"github.com/austindbirch/harbor_mirror/internal/provider"
	"github.com/austindbirch/harbor_mirror/internal/retry"
)

// Step names.
const (
	StepFetchRepos    = "fetch_repos"
	StepFetchOrgs     = "fetch_orgs"
	StepFetchRepo     = "fetch_repo"
	StepFetchPulls    = "fetch_pulls"
	StepFetchPull     = "fetch_pull"
	StepFetchReviews  = "fetch_reviews"
	StepFetchComments = "fetch_comments"
	StepFetchCommits  = "fetch_commits"
	StepUpsert        = "upsert"
)

// Runner executes one job type as an ordered list of named steps. A step
// stores whatever later steps need in the run checkpoint.
type Runner interface {
	Steps() []string
	RunStep(ctx context.Context, rc *RunContext, step string) error
}

// checkpoint is persisted with the job after every step.
type checkpoint struct {
	Repos          []provider.Repo    `json:"repos,omitempty"`
	Repo           *provider.Repo     `json:"repo,omitempty"`
	Pulls          []provider.Pull    `json:"pulls,omitempty"`
	Pull           *provider.Pull     `json:"pull,omitempty"`
	Reviews        []provider.Review  `json:"reviews,omitempty"`
	ReviewComments []provider.Comment `json:"review_comments,omitempty"`
	IssueComments  []provider.Comment `json:"issue_comments,omitempty"`
	Commits        []provider.Commit  `json:"commits,omitempty"`
	ETag           string             `json:"etag,omitempty"`
	NotModified    bool               `json:"not_modified,omitempty"`
}

// RunContext is the state shared by the steps of one run.
type RunContext struct {
	Job       Job
	API       API
	Mirror    mirror.Store
	Scheduler *Scheduler
	Previous  *SyncState // sync state before this run, may be nil

	cp      checkpoint
	fetched int
}

func (rc *RunContext) progress(step string, completed int) Progress {
	raw, _ := json.Marshal(rc.cp)
	return Progress{
		CurrentStep:    step,
		CompletedSteps: completed,
		ItemsFetched:   rc.fetched,
		Checkpoint:     raw,
	}
}

func DefaultRunners() map[JobType]Runner {
	return map[JobType]Runner{
		OverviewSync: overviewRunner{},
		RepoSync:     repoRunner{},
		PRDetailSync: prDetailRunner{},
	}
}

func unknownStep(step string) error {
	return retry.Permanentf("unknown step %q", step)
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return retry.Transient(err)
}

type overviewRunner struct{}

func (overviewRunner) Steps() []string {
	return []string{StepFetchRepos, StepFetchOrgs, StepUpsert}
}

func (overviewRunner) RunStep(ctx context.Context, rc *RunContext, step string) error {
	switch step {
	case StepFetchRepos:
		repos, _, err := rc.API.ListUserRepos(ctx)
		if err != nil {
			return err
		}
		rc.cp.Repos = repos
		rc.fetched += len(repos)
		return nil

	case StepFetchOrgs:
		orgs, _, err := rc.API.ListOrgs(ctx)
		if err != nil {
			return err
		}
		seen := make(map[int64]bool, len(rc.cp.Repos))
		for _, r := range rc.cp.Repos {
			seen[r.ID] = true
		}
		for _, org := range orgs {
			repos, _, err := rc.API.ListOrgRepos(ctx, org.Login)
			if err != nil {
				return err
			}
			for _, r := range repos {
				if !seen[r.ID] {
					seen[r.ID] = true
					rc.cp.Repos = append(rc.cp.Repos, r)
				}
			}
			rc.fetched += len(repos)
		}
		return nil

	case StepUpsert:
		for _, r := range rc.cp.Repos {
			if err := rc.Mirror.UpsertRepository(ctx, r.ToMirror()); err != nil {
				return storeErr(err)
			}
			if err := rc.Mirror.LinkUser(ctx, rc.Job.UserID, r.ID); err != nil {
				return storeErr(err)
			}
			stored, err := rc.Mirror.GetRepository(ctx, r.ID)
			if err != nil {
				return storeErr(err)
			}
			if !stored.Tracked {
				continue
			}
			prio := PriorityBackground
			if _, err := rc.Scheduler.Request(ctx, Request{
				JobType:    RepoSync,
				UserID:     rc.Job.UserID,
				ResourceID: stored.FullName,
				Priority:   &prio,
			}); err != nil {
				return storeErr(err)
			}
		}
		return nil
	}
	return unknownStep(step)
}

type repoRunner struct{}

func (repoRunner) Steps() []string {
	return []string{StepFetchRepo, StepFetchPulls, StepUpsert}
}

func (repoRunner) RunStep(ctx context.Context, rc *RunContext, step string) error {
	owner, name, err := ParseRepo(rc.Job.ResourceID)
	if err != nil {
		return retry.Permanent(err)
	}
	switch step {
	case StepFetchRepo:
		repo, _, err := rc.API.GetRepo(ctx, owner, name)
		if err != nil {
			return err
		}
		rc.cp.Repo = &repo
		rc.fetched++
		return nil

	case StepFetchPulls:
		var etag string
		if rc.Previous != nil {
			etag = rc.Previous.LastETag
		}
		pulls, meta, err := rc.API.ListPulls(ctx, owner, name, etag)
		if err != nil {
			return err
		}
		if meta.NotModified {
			rc.cp.NotModified = true
			rc.cp.ETag = etag
			return nil
		}
		rc.cp.Pulls = pulls
		rc.cp.ETag = meta.ETag
		rc.fetched += len(pulls)
		return nil

	case StepUpsert:
		if rc.cp.Repo == nil {
			return retry.Permanentf("checkpoint has no repository")
		}
		if err := rc.Mirror.UpsertRepository(ctx, rc.cp.Repo.ToMirror()); err != nil {
			return storeErr(err)
		}
		if err := rc.Mirror.LinkUser(ctx, rc.Job.UserID, rc.cp.Repo.ID); err != nil {
			return storeErr(err)
		}
		if rc.cp.NotModified {
			return nil
		}
		for _, p := range rc.cp.Pulls {
			if err := rc.Mirror.UpsertPullRequest(ctx, p.ToMirror(rc.cp.Repo.ID)); err != nil {
				return storeErr(err)
			}
		}
		return nil
	}
	return unknownStep(step)
}

type prDetailRunner struct{}

func (prDetailRunner) Steps() []string {
	return []string{StepFetchPull, StepFetchReviews, StepFetchComments, StepFetchCommits, StepUpsert}
}

func (prDetailRunner) RunStep(ctx context.Context, rc *RunContext, step string) error {
	owner, name, number, err := ParsePull(rc.Job.ResourceID)
	if err != nil {
		return retry.Permanent(err)
	}
	switch step {
	case StepFetchPull:
		pull, _, err := rc.API.GetPull(ctx, owner, name, number)
		if err != nil {
			return err
		}
		if pull.Base.Repo == nil {
			return retry.Permanentf("pull %s has no base repository", rc.Job.ResourceID)
		}
		rc.cp.Pull = &pull
		rc.fetched++
		return nil

	case StepFetchReviews:
		reviews, _, err := rc.API.ListReviews(ctx, owner, name, number)
		if err != nil {
			return err
		}
		rc.cp.Reviews = reviews
		rc.fetched += len(reviews)
		return nil

	case StepFetchComments:
		review, _, err := rc.API.ListReviewComments(ctx, owner, name, number)
		if err != nil {
			return err
		}
		issue, _, err := rc.API.ListIssueComments(ctx, owner, name, number)
		if err != nil {
			return err
		}
		rc.cp.ReviewComments = review
		rc.cp.IssueComments = issue
		rc.fetched += len(review) + len(issue)
		return nil

	case StepFetchCommits:
		commits, _, err := rc.API.ListCommits(ctx, owner, name, number)
		if err != nil {
			return err
		}
		rc.cp.Commits = commits
		rc.fetched += len(commits)
		return nil

	case StepUpsert:
		return upsertPullDetail(ctx, rc, number)
	}
	return unknownStep(step)
}

func upsertPullDetail(ctx context.Context, rc *RunContext, number int) error {
	pull := rc.cp.Pull
	if pull == nil || pull.Base.Repo == nil {
		return retry.Permanentf("checkpoint has no pull request")
	}
	repo := pull.Base.Repo
	if err := rc.Mirror.UpsertRepository(ctx, repo.ToMirror()); err != nil {
		return storeErr(err)
	}
	if err := rc.Mirror.UpsertPullRequest(ctx, pull.ToMirror(repo.ID)); err != nil {
		return storeErr(err)
	}
	for _, rv := range rc.cp.Reviews {
		if err := rc.Mirror.UpsertReview(ctx, rv.ToMirror(repo.ID, number)); err != nil {
			return storeErr(err)
		}
	}
	comments := make([]mirror.Comment, 0, len(rc.cp.ReviewComments)+len(rc.cp.IssueComments))
	for _, c := range rc.cp.ReviewComments {
		comments = append(comments, c.ToMirror(repo.ID, number, mirror.CommentReview))
	}
	for _, c := range rc.cp.IssueComments {
		comments = append(comments, c.ToMirror(repo.ID, number, mirror.CommentPR))
	}
	for _, c := range comments {
		if err := rc.Mirror.UpsertComment(ctx, c); err != nil {
			return storeErr(err)
		}
	}
	for _, c := range rc.cp.Commits {
		if err := rc.Mirror.UpsertCommit(ctx, c.ToMirror(repo.ID, number)); err != nil {
			return fmt.Errorf("commit %s: %w", c.SHA, storeErr(err))
		}
	}
	return nil
}
