package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/handlers"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/metrics"
	"github.com/austindbirch/harbor_mirror/internal/notify"
	"github.com/austindbirch/harbor_mirror/internal/retry"
	"github.com/austindbirch/harbor_mirror/internal/tracing"
)

// Dispatcher runs the handler for an event; handlers.Registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev handlers.Event) error
}

// Outcome is what happened to a claimed item.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeNotHandled Outcome = "not_handled"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeLost       Outcome = "lost" // claim was taken away mid-flight
	OutcomeDuplicate  Outcome = "duplicate"
)

type Processor struct {
	queue      delivery.Queue
	ledger     delivery.Ledger
	settings   delivery.SettingsStore
	dispatcher Dispatcher
	policy     retry.Policy
	dlq        notify.DeadLetterPublisher
	logger     *logging.Logger
	now        func() time.Time
}

func NewProcessor(queue delivery.Queue, ledger delivery.Ledger, settings delivery.SettingsStore, dispatcher Dispatcher, policy retry.Policy, logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{
		queue:      queue,
		ledger:     ledger,
		settings:   settings,
		dispatcher: dispatcher,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
}

// WithDeadLetters publishes an envelope for every dead-lettered item.
func (p *Processor) WithDeadLetters(pub notify.DeadLetterPublisher) *Processor {
	p.dlq = pub
	return p
}

// WithClock overrides the time source, for tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Drain claims and processes ready items until none is left or ctx ends.
// It returns how many items were processed.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		item, err := p.queue.ClaimNext(ctx, p.now().UTC())
		if errors.Is(err, delivery.ErrNotFound) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("claim next: %w", err)
		}
		p.process(ctx, item)
		n++
	}
}

// ProcessOne claims a specific pending item and processes it. It returns
// delivery.ErrAlreadyClaimed when another worker holds it.
func (p *Processor) ProcessOne(ctx context.Context, deliveryID string) (Outcome, error) {
	item, err := p.queue.Claim(ctx, deliveryID, p.now().UTC())
	if err != nil {
		return "", err
	}
	return p.process(ctx, item), nil
}

func (p *Processor) process(ctx context.Context, item delivery.Item) Outcome {
	ctx, span := tracing.StartSpan(ctx, "processor.Process",
		attribute.String("delivery_id", item.DeliveryID),
		attribute.String("event", item.Event),
		attribute.String("action", item.Action),
		attribute.Int("attempt", item.Attempts+1),
	)
	defer span.End()
	log := p.logger.WithContext(ctx).WithDelivery(item.DeliveryID).WithEvent(item.Event).WithUser(item.UserID)

	// A redelivery can be inserted just after the original settled; the
	// ledger entry is written before the original leaves the queue.
	if seen, err := p.ledger.HasProcessed(ctx, item.DeliveryID); err != nil {
		log.WithError(err).Warn("ledger lookup failed, processing anyway")
	} else if seen {
		if _, err := p.queue.Delete(ctx, item.DeliveryID); err != nil {
			log.WithError(err).Warn("dropping settled duplicate failed")
		}
		metrics.RecordProcessed(item.Event, string(OutcomeDuplicate), 0)
		log.Info("queue item already settled, dropped")
		return OutcomeDuplicate
	}

	attempts := item.Attempts + 1
	start := time.Now()
	err := p.dispatcher.Dispatch(ctx, handlers.Event{
		DeliveryID: item.DeliveryID,
		Name:       item.Event,
		Action:     item.Action,
		UserID:     item.UserID,
		Payload:    item.Payload,
	})
	latency := time.Since(start)
	now := p.now().UTC()

	var outcome Outcome
	switch {
	case err == nil:
		outcome = p.succeed(ctx, item, attempts, now, OutcomeProcessed)
	case errors.Is(err, handlers.ErrNotHandled):
		outcome = p.succeed(ctx, item, attempts, now, OutcomeNotHandled)
	default:
		tracing.SetSpanError(ctx, err)
		outcome = p.fail(ctx, item, attempts, err, now)
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	metrics.RecordProcessed(item.Event, string(outcome), latency)
	log.WithFields(map[string]any{
		"attempts": attempts,
		"outcome":  string(outcome),
		"latency":  latency.String(),
	}).Info("queue item processed")
	return outcome
}

func (p *Processor) succeed(ctx context.Context, item delivery.Item, attempts int, now time.Time, outcome Outcome) Outcome {
	if err := p.queue.MarkProcessed(ctx, item.DeliveryID, item.ClaimToken, attempts, now); err != nil {
		return p.lost(ctx, item, err)
	}
	p.recordTerminal(ctx, delivery.Record{
		DeliveryID: item.DeliveryID,
		Event:      item.Event,
		Action:     item.Action,
		UserID:     item.UserID,
		Outcome:    delivery.OutcomeProcessed,
		RecordedAt: now,
	})
	p.applyRetention(ctx, item)
	return outcome
}

func (p *Processor) fail(ctx context.Context, item delivery.Item, attempts int, cause error, now time.Time) Outcome {
	log := p.logger.WithContext(ctx).WithDelivery(item.DeliveryID).WithEvent(item.Event).WithError(cause)
	class := retry.Classify(cause)

	if class == retry.ClassPermanent {
		return p.deadLetter(ctx, item, attempts, cause, "permanent", now)
	}
	if attempts >= item.MaxAttempts {
		return p.deadLetter(ctx, item, attempts, cause, "transient_exhausted", now)
	}

	next := now.Add(p.policy.Delay(attempts))
	if reset, ok := retry.ResetAt(cause); ok && reset.After(next) {
		next = reset
	}
	if err := p.queue.MarkFailed(ctx, item.DeliveryID, item.ClaimToken, attempts, next, cause.Error(), now); err != nil {
		return p.lost(ctx, item, err)
	}
	metrics.RecordRetry(string(class))
	log.WithFields(map[string]any{
		"attempts":      attempts,
		"next_retry_at": next.Format(time.RFC3339),
	}).Warn("handler failed, retry scheduled")
	return OutcomeRetry
}

func (p *Processor) deadLetter(ctx context.Context, item delivery.Item, attempts int, cause error, reason string, now time.Time) Outcome {
	if err := p.queue.MarkDeadLetter(ctx, item.DeliveryID, item.ClaimToken, attempts, cause.Error(), now); err != nil {
		return p.lost(ctx, item, err)
	}
	p.recordTerminal(ctx, delivery.Record{
		DeliveryID: item.DeliveryID,
		Event:      item.Event,
		Action:     item.Action,
		UserID:     item.UserID,
		Outcome:    delivery.OutcomeFailed,
		Error:      cause.Error(),
		Payload:    item.Payload,
		RecordedAt: now,
	})
	metrics.RecordDeadLetter(reason)
	tracing.AddSpanEvent(ctx, "queue.dead_letter", attribute.String("reason", reason))
	p.logger.WithContext(ctx).WithDelivery(item.DeliveryID).WithEvent(item.Event).WithError(cause).
		WithField("reason", reason).Error("queue item dead-lettered")

	if p.dlq != nil {
		item.Attempts = attempts
		item.LastError = cause.Error()
		if err := p.dlq.PublishDeadLetter(ctx, delivery.NewDeadLetter(item, reason, now)); err != nil {
			p.logger.WithContext(ctx).WithDelivery(item.DeliveryID).WithError(err).Warn("dead letter publish failed")
		}
	}
	p.applyRetention(ctx, item)
	return OutcomeDeadLetter
}

// recordTerminal writes the ledger tombstone; an existing one is not an error.
func (p *Processor) recordTerminal(ctx context.Context, rec delivery.Record) {
	err := p.ledger.RecordTerminal(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrDuplicate):
		p.logger.WithContext(ctx).WithDelivery(rec.DeliveryID).Debug("ledger already has delivery")
	default:
		p.logger.WithContext(ctx).WithDelivery(rec.DeliveryID).WithError(err).Error("ledger write failed")
	}
}

// applyRetention deletes the terminal item right away unless the owning user
// keeps debug history. Users without settings keep items for the window.
func (p *Processor) applyRetention(ctx context.Context, item delivery.Item) {
	if p.settings == nil || item.UserID == "" {
		return
	}
	s, ok, err := p.settings.GetSettings(ctx, item.UserID)
	if err != nil {
		p.logger.WithContext(ctx).WithUser(item.UserID).WithError(err).Warn("settings lookup failed, keeping item")
		return
	}
	if !ok || s.DebugRetention {
		return
	}
	if _, err := p.queue.Delete(ctx, item.DeliveryID); err != nil {
		p.logger.WithContext(ctx).WithDelivery(item.DeliveryID).WithError(err).Warn("retention delete failed")
	}
}

func (p *Processor) lost(ctx context.Context, item delivery.Item, err error) Outcome {
	p.logger.WithContext(ctx).WithDelivery(item.DeliveryID).WithError(err).Warn("lost claim before settling item")
	return OutcomeLost
}
