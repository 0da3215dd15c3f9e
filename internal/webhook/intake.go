// Package webhook is the push side of the mirror: deduplicating intake,
// the queue processor state machine and the operator queue controls.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/metrics"
	"github.com/austindbirch/harbor_mirror/internal/notify"
	"github.com/austindbirch/harbor_mirror/internal/tracing"
)

var ErrInvalidDelivery = errors.New("webhook: delivery id and event are required")

// Delivery is a signature-verified webhook ready for enqueue.
type Delivery struct {
	DeliveryID string
	Event      string
	Action     string
	UserID     string
	Payload    json.RawMessage
}

const (
	ReasonLedger   = "ledger"
	ReasonInflight = "inflight"
)

// Result reports whether the delivery was new.
type Result struct {
	Duplicate bool   `json:"duplicate"`
	Reason    string `json:"reason,omitempty"` // ledger | inflight
}

type Intake struct {
	ledger      delivery.Ledger
	queue       delivery.Queue
	notifier    notify.Notifier
	maxAttempts int
	logger      *logging.Logger
	now         func() time.Time
}

func NewIntake(ledger delivery.Ledger, queue delivery.Queue, notifier notify.Notifier, maxAttempts int, logger *logging.Logger) *Intake {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Intake{ledger: ledger, queue: queue, notifier: notifier, maxAttempts: maxAttempts, logger: logger, now: time.Now}
}

// Enqueue creates a pending queue item unless the delivery id was already
// settled (ledger) or is still queued (inflight). Both duplicates are no-ops.
func (in *Intake) Enqueue(ctx context.Context, d Delivery) (Result, error) {
	if d.DeliveryID == "" || d.Event == "" {
		return Result{}, ErrInvalidDelivery
	}
	ctx, span := tracing.StartSpan(ctx, "ingest.Enqueue",
		attribute.String("delivery_id", d.DeliveryID),
		attribute.String("event", d.Event),
		attribute.String("action", d.Action),
	)
	defer span.End()
	log := in.logger.WithContext(ctx).WithDelivery(d.DeliveryID).WithEvent(d.Event).WithUser(d.UserID)

	seen, err := in.ledger.HasProcessed(ctx, d.DeliveryID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("ledger lookup: %w", err)
	}
	if seen {
		metrics.RecordEnqueue("duplicate_ledger")
		log.Debug("duplicate delivery already settled")
		return Result{Duplicate: true, Reason: ReasonLedger}, nil
	}

	now := in.now().UTC()
	item := delivery.Item{
		DeliveryID:  d.DeliveryID,
		Event:       d.Event,
		Action:      d.Action,
		UserID:      d.UserID,
		Payload:     d.Payload,
		Status:      delivery.StatusPending,
		MaxAttempts: in.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := in.queue.Insert(ctx, item); err != nil {
		if errors.Is(err, delivery.ErrDuplicate) {
			metrics.RecordEnqueue("duplicate_inflight")
			log.Debug("duplicate delivery still queued")
			return Result{Duplicate: true, Reason: ReasonInflight}, nil
		}
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("queue insert: %w", err)
	}
	// The processor records the ledger entry before it deletes a settled
	// item, so a delivery that settled after the first lookup shows up here.
	seen, err = in.ledger.HasProcessed(ctx, d.DeliveryID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("ledger recheck: %w", err)
	}
	if seen {
		if _, err := in.queue.Delete(ctx, d.DeliveryID); err != nil {
			return Result{}, fmt.Errorf("drop settled duplicate: %w", err)
		}
		metrics.RecordEnqueue("duplicate_ledger")
		log.Debug("duplicate delivery settled during enqueue")
		return Result{Duplicate: true, Reason: ReasonLedger}, nil
	}
	metrics.RecordEnqueue("enqueued")
	tracing.AddSpanEvent(ctx, "queue.inserted")

	if err := in.notifier.Kick(ctx, d.DeliveryID); err != nil {
		log.WithError(err).Warn("processor kick failed, relying on poll")
	}
	log.Info("delivery enqueued")
	return Result{}, nil
}
