// Package delivery holds the durable records of inbound webhook deliveries:
// the queue item worked by the processor and the terminal ledger entry used
// for deduplication once the queue item is gone.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether the status ends processing without operator action.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusDeadLetter
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Outcome is the terminal result kept in the ledger.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
)

var (
	// ErrDuplicate is returned when a row with the same delivery id already exists.
	ErrDuplicate = errors.New("delivery: duplicate delivery id")
	// ErrNotFound is returned when no matching row exists (or nothing is ready to claim).
	ErrNotFound = errors.New("delivery: not found")
	// ErrAlreadyClaimed is returned when a compare-and-set claim loses the race.
	ErrAlreadyClaimed = errors.New("delivery: already claimed")
)

// Item is one queued webhook delivery. The delivery id is both identity and dedup key.
type Item struct {
	DeliveryID  string          `json:"delivery_id"`
	Event       string          `json:"event"`
	Action      string          `json:"action,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ClaimToken  string          `json:"-"` // set by a claim, checked when it is settled
}

// Record is the immutable terminal ledger entry for a delivery id.
type Record struct {
	DeliveryID string          `json:"delivery_id"`
	Event      string          `json:"event"`
	Action     string          `json:"action,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Outcome    Outcome         `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"` // kept for failed deliveries only
	RecordedAt time.Time       `json:"recorded_at"`
}

// Ledger remembers every delivery id that reached a terminal outcome.
type Ledger interface {
	HasProcessed(ctx context.Context, deliveryID string) (bool, error)
	// Get returns ErrNotFound when the id has no ledger entry.
	Get(ctx context.Context, deliveryID string) (Record, error)
	// RecordTerminal returns ErrDuplicate when the id is already recorded.
	RecordTerminal(ctx context.Context, rec Record) error
	// Forget drops the tombstone so an operator retry can settle the delivery again.
	Forget(ctx context.Context, deliveryID string) error
	ListFailed(ctx context.Context, limit int) ([]Record, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Queue is the durable work list the processor drains.
type Queue interface {
	// Insert returns ErrDuplicate when the delivery id already exists.
	Insert(ctx context.Context, item Item) error
	// ClaimNext atomically moves the oldest ready item to processing.
	// Ready means pending, or failed with a due next_retry_at.
	ClaimNext(ctx context.Context, now time.Time) (Item, error)
	// Claim moves a specific item pending -> processing or returns ErrAlreadyClaimed.
	Claim(ctx context.Context, deliveryID string, now time.Time) (Item, error)
	Get(ctx context.Context, deliveryID string) (Item, error)
	// The Mark methods settle a claim. They return ErrAlreadyClaimed unless
	// the item is still processing under the given claim token.
	MarkProcessed(ctx context.Context, deliveryID, claim string, attempts int, at time.Time) error
	MarkFailed(ctx context.Context, deliveryID, claim string, attempts int, nextRetryAt time.Time, lastErr string, at time.Time) error
	MarkDeadLetter(ctx context.Context, deliveryID, claim string, attempts int, lastErr string, at time.Time) error
	Delete(ctx context.Context, deliveryID string) (bool, error)
	// Rearm moves an item that is not currently processing back to pending; attempts are kept.
	Rearm(ctx context.Context, deliveryID string, now time.Time) (bool, error)
	RearmAll(ctx context.Context, status Status, now time.Time) ([]string, error)
	DeleteByStatus(ctx context.Context, status Status) (int64, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
	// ReleaseStale returns processing items untouched since olderThan to pending.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)
	List(ctx context.Context, status Status, limit int) ([]Item, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// Settings carries the per-user retention preference. With DebugRetention
// off, queue items are deleted as soon as they reach a terminal outcome;
// with it on they stay for the retention window.
type Settings struct {
	UserID         string `json:"user_id"`
	DebugRetention bool   `json:"debug_retention"`
}

// SettingsStore resolves retention preferences; unknown users get ok=false.
type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (Settings, bool, error)
	PutSettings(ctx context.Context, s Settings) error
}
