package delivery

import (
	"encoding/json"
	"time"
)

const DLQType = "webhook.dead_letter"

// DeadLetter is the envelope published to the dead letter topic when an item
// exhausts its retry budget or fails permanently.
type DeadLetter struct {
	Type        string          `json:"type"`    // "webhook.dead_letter"
	Version     string          `json:"version"` // schema version
	At          string          `json:"at"`      // RFC3339 time the item was dead-lettered
	Reason      string          `json:"reason"`  // transient_exhausted | permanent
	DeliveryID  string          `json:"delivery_id"`
	Event       string          `json:"event"`
	Action      string          `json:"action,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func NewDeadLetter(item Item, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:        DLQType,
		Version:     "v1",
		At:          at.UTC().Format(time.RFC3339Nano),
		Reason:      reason,
		DeliveryID:  item.DeliveryID,
		Event:       item.Event,
		Action:      item.Action,
		UserID:      item.UserID,
		Attempts:    item.Attempts,
		MaxAttempts: item.MaxAttempts,
		LastError:   item.LastError,
		Payload:     item.Payload,
	}
}
