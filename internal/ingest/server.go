// Package ingest is the HTTP shell of the mirror: the signed webhook
// receiver and the operator admin API.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/metrics"
	"github.com/austindbirch/harbor_mirror/internal/mirror"
	"github.com/austindbirch/harbor_mirror/internal/ratelimit"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
	"github.com/austindbirch/harbor_mirror/internal/tracing"
	"github.com/austindbirch/harbor_mirror/internal/webhook"
)

// maxPayloadBytes matches the provider's documented webhook size cap.
const maxPayloadBytes = 25 << 20

// Deps are the collaborators the server routes to. Health and Metrics are
// optional; Auth defaults to rejecting every admin request.
type Deps struct {
	Intake    *webhook.Intake
	Operator  *webhook.Operator
	Scheduler *syncjob.Scheduler
	Mirror    mirror.Store
	Settings  delivery.SettingsStore
	Tracker   *ratelimit.Tracker
	Provider  config.Provider
	Retention time.Duration
	Auth      func(http.Handler) http.Handler
	Health    http.Handler
	Metrics   http.Handler
	Logger    *logging.Logger
}

type Server struct {
	d   Deps
	now func() time.Time
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Auth == nil {
		d.Auth = func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "admin API disabled", http.StatusUnauthorized)
			})
		}
	}
	if d.Retention <= 0 {
		d.Retention = 7 * 24 * time.Hour
	}
	return &Server{d: d, now: time.Now}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	if s.d.Health != nil {
		r.Method(http.MethodGet, "/healthz", s.d.Health)
	}
	if s.d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.d.Metrics)
	}
	r.Post("/webhooks", s.receiveWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ping", s.ping)
		r.Group(func(r chi.Router) {
			r.Use(s.d.Auth)

			r.Get("/queue", s.listQueue)
			r.Get("/queue/stats", s.queueStats)
			r.Post("/queue/retry-all", s.retryAll)
			r.Post("/queue/discard-all", s.discardAll)
			r.Post("/queue/purge-all", s.purgeAll)
			r.Post("/queue/{id}/retry", s.retryItem)
			r.Delete("/queue/{id}", s.discardItem)
			r.Get("/ledger/failed", s.failedDeliveries)

			r.Post("/sync/jobs", s.requestSync)
			r.Get("/sync/jobs", s.listJobs)
			r.Get("/sync/jobs/{id}", s.getJob)
			r.Post("/sync/jobs/{id}/cancel", s.cancelJob)
			r.Get("/sync/state/{user}", s.syncStates)
			r.Get("/ratelimit/{user}", s.rateLimit)

			r.Get("/users/{user}/settings", s.getSettings)
			r.Put("/users/{user}/settings", s.putSettings)
			r.Get("/users/{user}/repositories", s.listRepositories)
			r.Get("/repositories/{repo}/pulls/{number}", s.getPull)
		})
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tracing.ExtractHTTP(r.Context(), r.Header)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.d.Logger.WithContext(ctx).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(ctx),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// webhookEnvelope is the slice of every payload the receiver needs.
type webhookEnvelope struct {
	Action     string `json:"action"`
	Repository *struct {
		ID    int64 `json:"id"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := s.d.Provider
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if !webhook.VerifySignature([]byte(p.WebhookSecret), body, r.Header.Get(p.SignatureHeader)) {
		s.d.Logger.WithContext(ctx).Warn("webhook signature mismatch")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get(p.EventHeader)
	deliveryID := r.Header.Get(p.DeliveryHeader)
	if event == "" || deliveryID == "" {
		writeError(w, http.StatusBadRequest, "missing event or delivery header")
		return
	}
	metrics.RecordWebhookReceived(event)

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "payload is not a JSON object")
		return
	}

	res, err := s.d.Intake.Enqueue(ctx, webhook.Delivery{
		DeliveryID: deliveryID,
		Event:      event,
		Action:     env.Action,
		UserID:     s.resolveUser(ctx, r, env),
		Payload:    body,
	})
	switch {
	case errors.Is(err, webhook.ErrInvalidDelivery):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.d.Logger.WithContext(ctx).WithDelivery(deliveryID).WithError(err).Error("enqueue failed")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
	case res.Duplicate:
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "reason": res.Reason, "delivery_id": deliveryID})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "delivery_id": deliveryID})
	}
}

// resolveUser prefers the explicit header, then a user tracking the
// repository, then the repository owner's login.
func (s *Server) resolveUser(ctx context.Context, r *http.Request, env webhookEnvelope) string {
	if h := s.d.Provider.UserHeader; h != "" {
		if u := r.Header.Get(h); u != "" {
			return u
		}
	}
	if env.Repository == nil {
		return ""
	}
	if s.d.Mirror != nil && env.Repository.ID != 0 {
		u, err := s.d.Mirror.UserForRepository(ctx, env.Repository.ID)
		if err == nil {
			return u
		}
		if !errors.Is(err, mirror.ErrNotFound) {
			s.d.Logger.WithContext(ctx).WithError(err).Warn("user lookup failed")
		}
	}
	return env.Repository.Owner.Login
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func queryLimit(r *http.Request, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return def
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.d.Operator.List(r.Context(), delivery.Status(r.URL.Query().Get("status")), queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if items == nil {
		items = []delivery.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.d.Operator.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) retryItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.d.Operator.Retry(r.Context(), id)
	if errors.Is(err, delivery.ErrNotFound) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery_id": id, "rearmed": ok})
}

func (s *Server) retryAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.d.Operator.RetryAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rearmed": ids})
}

func (s *Server) discardItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.d.Operator.Discard(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery_id": id, "deleted": ok})
}

func (s *Server) discardAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.d.Operator.DiscardAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

type purgeRequest struct {
	OlderThan string `json:"older_than,omitempty"` // Go duration, defaults to the retention window
}

func (s *Server) purgeAll(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	window := s.d.Retention
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a non-negative duration")
			return
		}
		window = d
	}
	res, err := s.d.Operator.PurgeAll(r.Context(), s.now().UTC().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) failedDeliveries(w http.ResponseWriter, r *http.Request) {
	recs, err := s.d.Operator.FailedDeliveries(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []delivery.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": recs})
}
