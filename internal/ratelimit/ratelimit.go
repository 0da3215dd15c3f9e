// Package ratelimit tracks the provider's per-user API budget as reported in
// response headers and gates pull calls on it.
//
// The tracker is advisory. The provider remains the final arbiter and may
// still answer 403/429, which callers treat as a rate-limited failure.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/harbor_mirror/internal/metrics"
)

const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderReset     = "X-RateLimit-Reset" // unix seconds
	HeaderUsed      = "X-RateLimit-Used"
)

// Snapshot is the most recent provider-reported budget for a user.
type Snapshot struct {
	UserID    string    `json:"user_id"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	ResetAt   time.Time `json:"reset_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists snapshots. Put overwrites; Get returns nil for unknown users.
type Store interface {
	PutSnapshot(ctx context.Context, s Snapshot) error
	GetSnapshot(ctx context.Context, userID string) (*Snapshot, error)
}

// Decision is the answer to an admission check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitempty"` // set when denied
}

type Tracker struct {
	store  Store
	margin int
	now    func() time.Time
}

// NewTracker denies admission once remaining drops to margin or below.
func NewTracker(store Store, margin int) *Tracker {
	if margin < 0 {
		margin = 0
	}
	return &Tracker{store: store, margin: margin, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// ParseHeaders extracts a snapshot from response headers. ok is false when
// the response carries no usable remaining/reset pair.
func ParseHeaders(h http.Header) (s Snapshot, ok bool) {
	remaining, err := strconv.Atoi(h.Get(HeaderRemaining))
	if err != nil {
		return Snapshot{}, false
	}
	reset, err := strconv.ParseInt(h.Get(HeaderReset), 10, 64)
	if err != nil {
		return Snapshot{}, false
	}
	s.Remaining = remaining
	s.ResetAt = time.Unix(reset, 0).UTC()
	if v, err := strconv.Atoi(h.Get(HeaderLimit)); err == nil {
		s.Limit = v
	}
	if v, err := strconv.Atoi(h.Get(HeaderUsed)); err == nil {
		s.Used = v
	} else if s.Limit > 0 {
		s.Used = s.Limit - s.Remaining
	}
	return s, true
}

// RecordFromResponse stores the snapshot carried by h. Responses without
// rate-limit headers leave the previous snapshot untouched and return ok=false.
func (t *Tracker) RecordFromResponse(ctx context.Context, userID string, h http.Header) (Snapshot, bool, error) {
	s, ok := ParseHeaders(h)
	if !ok {
		return Snapshot{}, false, nil
	}
	s.UserID = userID
	s.UpdatedAt = t.now().UTC()
	if err := t.store.PutSnapshot(ctx, s); err != nil {
		return s, true, err
	}
	metrics.UpdateRateLimitRemaining(userID, s.Remaining)
	return s, true, nil
}

func (t *Tracker) GetLast(ctx context.Context, userID string) (*Snapshot, error) {
	return t.store.GetSnapshot(ctx, userID)
}

// Admit allows a pull call unless the last snapshot shows the budget at or
// below the safety margin with a reset still in the future. Unknown users are
// admitted.
func (t *Tracker) Admit(ctx context.Context, userID string) (Decision, error) {
	s, err := t.store.GetSnapshot(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if s == nil {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	if s.Remaining <= t.margin && s.ResetAt.After(t.now()) {
		metrics.RecordAdmissionDenied()
		return Decision{Allowed: false, Remaining: s.Remaining, ResetAt: s.ResetAt}, nil
	}
	return Decision{Allowed: true, Remaining: s.Remaining}, nil
}
