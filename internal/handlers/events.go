package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/mirror"
	"github.com/austindbirch/harbor_mirror/internal/provider"
	"github.com/austindbirch/harbor_mirror/internal/retry"
)

// SyncRequester asks the scheduler for a follow-up pull.
type SyncRequester interface {
	RequestPRDetail(ctx context.Context, userID string, repo mirror.Repository, number int) error
}

// Deps are the collaborators shared by the built-in handlers.
type Deps struct {
	Store  mirror.Store
	Sync   SyncRequester // optional
	Logger *logging.Logger
}

// RegisterDefaults installs the handlers for every event the mirror tracks.
func RegisterDefaults(r *Registry, d Deps) {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	h := &eventHandlers{Deps: d}
	r.Register("ping", HandlerFunc(h.ping))
	r.Register("pull_request", HandlerFunc(h.pullRequest))
	r.Register("pull_request_review", HandlerFunc(h.pullRequestReview))
	r.Register("pull_request_review_comment", HandlerFunc(h.reviewComment))
	r.Register("issue_comment", HandlerFunc(h.issueComment))
	r.Register("issues", HandlerFunc(h.issues))
	r.Register("push", HandlerFunc(h.push))
	r.Register("repository", HandlerFunc(h.repository))
}

type eventHandlers struct {
	Deps
}

var knownActions = map[string]map[string]bool{
	"pull_request": set("opened", "edited", "closed", "reopened", "synchronize", "ready_for_review",
		"converted_to_draft", "labeled", "unlabeled", "assigned", "unassigned",
		"review_requested", "review_request_removed", "locked", "unlocked", "auto_merge_enabled",
		"auto_merge_disabled", "milestoned", "demilestoned"),
	"pull_request_review":         set("submitted", "edited", "dismissed"),
	"pull_request_review_comment": set("created", "edited", "deleted"),
	"issue_comment":               set("created", "edited", "deleted"),
	"issues": set("opened", "edited", "closed", "reopened", "deleted", "assigned", "unassigned",
		"labeled", "unlabeled", "transferred", "pinned", "unpinned", "locked", "unlocked",
		"milestoned", "demilestoned"),
	"repository": set("created", "deleted", "archived", "unarchived", "edited", "renamed",
		"transferred", "publicized", "privatized"),
}

func set(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

func checkAction(ev Event) error {
	actions, ok := knownActions[ev.Name]
	if !ok {
		return nil
	}
	if !actions[ev.Action] {
		return retry.Permanentf("%s: unknown action %q", ev.Name, ev.Action)
	}
	return nil
}

func decode(ev Event, out any) error {
	if len(ev.Payload) == 0 {
		return retry.Permanentf("%s: empty payload", ev.Name)
	}
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		return retry.Permanent(fmt.Errorf("%s: decode payload: %w", ev.Name, err))
	}
	return nil
}

// storeErr marks a mirror write failure as retryable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return retry.Transient(fmt.Errorf("%s: %w", op, err))
}

// upsertRepo writes the repository and links it to the delivering user.
func (h *eventHandlers) upsertRepo(ctx context.Context, ev Event, r provider.Repo) (mirror.Repository, error) {
	if r.ID == 0 {
		return mirror.Repository{}, retry.Permanentf("%s: payload has no repository", ev.Name)
	}
	repo := r.ToMirror()
	if err := h.Store.UpsertRepository(ctx, repo); err != nil {
		return repo, storeErr("upsert repository", err)
	}
	if ev.UserID != "" {
		if err := h.Store.LinkUser(ctx, ev.UserID, repo.ID); err != nil {
			return repo, storeErr("link user", err)
		}
	}
	return repo, nil
}

func (h *eventHandlers) ping(ctx context.Context, ev Event) error {
	var p struct {
		Repository *provider.Repo `json:"repository"`
	}
	if len(ev.Payload) > 0 {
		if err := decode(ev, &p); err != nil {
			return err
		}
	}
	if p.Repository == nil || p.Repository.ID == 0 {
		return nil
	}
	err := h.Store.SetWebhookStatus(ctx, p.Repository.ID, "active")
	if errors.Is(err, mirror.ErrNotFound) {
		return nil
	}
	return storeErr("set webhook status", err)
}

type pullRequestPayload struct {
	Action      string        `json:"action"`
	Number      int           `json:"number"`
	PullRequest provider.Pull `json:"pull_request"`
	Repository  provider.Repo `json:"repository"`
}

func (h *eventHandlers) pullRequest(ctx context.Context, ev Event) error {
	if err := checkAction(ev); err != nil {
		return err
	}
	var p pullRequestPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	if p.PullRequest.ID == 0 || p.PullRequest.Number == 0 {
		return retry.Permanentf("pull_request: payload has no pull request")
	}
	repo, err := h.upsertRepo(ctx, ev, p.Repository)
	if err != nil {
		return err
	}
	if err := h.Store.UpsertPullRequest(ctx, p.PullRequest.ToMirror(repo.ID)); err != nil {
		return storeErr("upsert pull request", err)
	}
	if ev.Action == "synchronize" && h.Sync != nil && ev.UserID != "" {
		// New commits: reviews and commit lists come from a detail pull.
		if err := h.Sync.RequestPRDetail(ctx, ev.UserID, repo, p.PullRequest.Number); err != nil {
			h.Logger.WithContext(ctx).WithDelivery(ev.DeliveryID).WithError(err).Warn("pr detail sync request failed")
		}
	}
	return nil
}

func (h *eventHandlers) pullRequestReview(ctx context.Context, ev Event) error {
	if err := checkAction(ev); err != nil {
		return err
	}
	var p struct {
		Review      provider.Review `json:"review"`
		PullRequest provider.Pull   `json:"pull_request"`
		Repository  provider.Repo   `json:"repository"`
	}
	if err := decode(ev, &p); err != nil {
		return err
	}
	if p.Review.ID == 0 || p.PullRequest.Number == 0 {
		return retry.Permanentf("pull_request_review: payload has no review")
	}
	repo, err := h.upsertRepo(ctx, ev, p.Repository)
	if err != nil {
		return err
	}
	if p.PullRequest.ID != 0 {
		if err := h.Store.UpsertPullRequest(ctx, p.PullRequest.ToMirror(repo.ID)); err != nil {
			return storeErr("upsert pull request", err)
		}
	}
	return storeErr("upsert review", h.Store.UpsertReview(ctx, p.Review.ToMirror(repo.ID, p.PullRequest.Number)))
}

func (h *eventHandlers) reviewComment(ctx context.Context, ev Event) error {
	if err := checkAction(ev); err != nil {
		return err
	}
	var p struct {
		Comment     provider.Comment `json:"comment"`
		PullRequest provider.Pull    `json:"pull_request"`
		Repository  provider.Repo    `json:"repository"`
	}
	if err := decode(ev, &p); err != nil {
		return err
	}
	if p.Comment.ID == 0 {
		return retry.Permanentf("pull_request_review_comment: payload has no comment")
	}
	if ev.Action == "deleted" {
		return storeErr("delete comment", h.Store.DeleteComment(ctx, p.Comment.ID))
	}
	repo, err := h.upsertRepo(ctx, ev, p.Repository)
	if err != nil {
		return err
	}
	c := p.Comment.ToMirror(repo.ID, p.PullRequest.Number, mirror.CommentReview)
	return storeErr("upsert comment", h.Store.UpsertComment(ctx, c))
}

type issueCommentPayload struct {
	Action     string           `json:"action"`
	Issue      provider.Issue   `json:"issue"`
	Comment    provider.Comment `json:"comment"`
	Repository provider.Repo    `json:"repository"`
}

// issueComment routes to PR conversation or issue handling depending on
// whether the referenced issue is a pull request.
func (h *eventHandlers) issueComment(ctx context.Context, ev Event) error {
	if err := checkAction(ev); err != nil {
		return err
	}
	var p issueCommentPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	if p.Comment.ID == 0 || p.Issue.Number == 0 {
		return retry.Permanentf("issue_comment: payload has no comment or issue")
	}
	if ev.Action == "deleted" {
		return storeErr("delete comment", h.Store.DeleteComment(ctx, p.Comment.ID))
	}
	if p.Issue.IsPullRequest() {
		return h.prConversationComment(ctx, ev, p)
	}
	return h.issueConversationComment(ctx, ev, p)
}

func (h *eventHandlers) prConversationComment(ctx context.Context, ev Event, p issueCommentPayload) error {
	repo, err := h.upsertRepo(ctx, ev, p.Repository)
	if err != nil {
		return err
	}
	c := p.Comment.ToMirror(repo.ID, p.Issue.Number, mirror.CommentPR)
	return storeErr("upsert comment", h.Store.UpsertComment(ctx, c))
}

func (h *eventHandlers) issueConversationComment(ctx context.Context, ev Event, p issueCommentPayload) error {
	repo, err := h.upsertRepo(ctx, ev, p.Repository)
	if err != nil {
		return err
	}
	if p.Issue.ID != 0 {
		if err := h.Store.UpsertIssue(ctx, p.Issue.ToMirror(repo.ID)); err != nil {
			return storeErr("upsert issue", err)
		}
	}
	c := p.Comment.ToMirror(repo.ID, p.Issue.Number, mirror.CommentIssue)
	return storeErr("upsert comment", h.Store.UpsertComment(ctx, c))
}

func (h *eventHandlers) issues(ctx context.Context, ev Event) error {
	if err := checkAction(ev); err != nil {
		return err
	}
	var p struct {
		Issue      provider.Issue `json:"issue"`
		Repository provider.Repo  `json:"repository"`
	}
	if err := decode(ev, &p); err != nil {
		return err
	}
	if p.Issue.ID == 0 || p.Issue.Number == 0 {
		return retry.Permanentf("issues: payload has no issue")
	}
	repo, err := h.upsertRepo(ctx, ev, p.Repository)
	if err != nil {
		return err
	}
	is := p.Issue.ToMirror(repo.ID)
	if ev.Action == "deleted" {
		is.State = "deleted"
	}
	return storeErr("upsert issue", h.Store.UpsertIssue(ctx, is))
}

func (h *eventHandlers) push(ctx context.Context, ev Event) error {
	var p struct {
		Ref        string                `json:"ref"`
		After      string                `json:"after"`
		Repository provider.Repo         `json:"repository"`
		Commits    []provider.PushCommit `json:"commits"`
	}
	if err := decode(ev, &p); err != nil {
		return err
	}
	repo, err := h.upsertRepo(ctx, ev, p.Repository)
	if err != nil {
		return err
	}
	for _, c := range p.Commits {
		if c.ID == "" {
			continue
		}
		if err := h.Store.UpsertCommit(ctx, c.ToMirror(repo.ID)); err != nil {
			return storeErr("upsert commit", err)
		}
	}
	return nil
}

func (h *eventHandlers) repository(ctx context.Context, ev Event) error {
	if err := checkAction(ev); err != nil {
		return err
	}
	var p struct {
		Repository provider.Repo `json:"repository"`
	}
	if err := decode(ev, &p); err != nil {
		return err
	}
	repo, err := h.upsertRepo(ctx, ev, p.Repository)
	if err != nil {
		return err
	}
	if ev.Action == "deleted" {
		return storeErr("set webhook status", h.Store.SetWebhookStatus(ctx, repo.ID, "deleted"))
	}
	return nil
}
