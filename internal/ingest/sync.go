package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/harbor_mirror/internal/auth"
	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/mirror"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
)

func (s *Server) requestSync(w http.ResponseWriter, r *http.Request) {
	var req syncjob.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		req.UserID, _ = auth.UserIDFromContext(r.Context())
	}
	res, err := s.d.Scheduler.Request(r.Context(), req)
	if errors.Is(err, syncjob.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := s.d.Scheduler.List(r.Context(), syncjob.Filter{
		UserID:  q.Get("user"),
		State:   syncjob.State(q.Get("state")),
		JobType: syncjob.JobType(q.Get("type")),
		Limit:   queryLimit(r, 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []syncjob.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "job id must be an integer")
		return 0, false
	}
	return id, true
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.d.Scheduler.Get(r.Context(), id)
	if errors.Is(err, syncjob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.d.Scheduler.Cancel(r.Context(), id)
	if errors.Is(err, syncjob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) syncStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.d.Scheduler.SyncStates(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if states == nil {
		states = []syncjob.SyncState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

func (s *Server) rateLimit(w http.ResponseWriter, r *http.Request) {
	snap, err := s.d.Tracker.GetLast(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "no rate limit observed for user")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	st, ok, err := s.d.Settings.GetSettings(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no settings for user")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var st delivery.Settings
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	st.UserID = chi.URLParam(r, "user")
	if err := s.d.Settings.PutSettings(r.Context(), st); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.d.Mirror.ListRepositories(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if repos == nil {
		repos = []mirror.Repository{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

// pullDetail is a mirrored pull request with its children.
type pullDetail struct {
	mirror.PullRequest
	Reviews  []mirror.Review  `json:"reviews"`
	Comments []mirror.Comment `json:"comments"`
	Commits  []mirror.Commit  `json:"commits"`
}

func (s *Server) getPull(w http.ResponseWriter, r *http.Request) {
	repoID, err := strconv.ParseInt(chi.URLParam(r, "repo"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "repository id must be an integer")
		return
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "pull number must be an integer")
		return
	}
	ctx := r.Context()
	pr, err := s.d.Mirror.GetPullRequest(ctx, repoID, number)
	if errors.Is(err, mirror.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pull request not mirrored")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := pullDetail{PullRequest: pr}
	if out.Reviews, err = s.d.Mirror.ListReviews(ctx, repoID, number); err == nil {
		if out.Comments, err = s.d.Mirror.ListComments(ctx, repoID, number); err == nil {
			out.Commits, err = s.d.Mirror.ListCommits(ctx, repoID, number)
		}
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}
