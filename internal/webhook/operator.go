package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/metrics"
	"github.com/austindbirch/harbor_mirror/internal/notify"
)

// Operator exposes the idempotent queue controls used by the admin API and
// the retention cron.
type Operator struct {
	queue       delivery.Queue
	ledger      delivery.Ledger
	notifier    notify.Notifier
	maxAttempts int
	logger      *logging.Logger
	now         func() time.Time
}

func NewOperator(queue delivery.Queue, ledger delivery.Ledger, notifier notify.Notifier, logger *logging.Logger) *Operator {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Operator{queue: queue, ledger: ledger, notifier: notifier, maxAttempts: 1, logger: logger, now: time.Now}
}

// WithMaxAttempts sets the attempt budget of deliveries replayed from the ledger.
func (o *Operator) WithMaxAttempts(n int) *Operator {
	if n > 0 {
		o.maxAttempts = n
	}
	return o
}

// Retry re-arms a failed, dead-lettered or processed item. Attempts are kept.
// The ledger tombstone is dropped first so the rerun can settle again.
// Retrying a pending or processing item is a no-op reported as false.
func (o *Operator) Retry(ctx context.Context, deliveryID string) (bool, error) {
	item, err := o.queue.Get(ctx, deliveryID)
	if errors.Is(err, delivery.ErrNotFound) {
		return o.replay(ctx, deliveryID)
	}
	if err != nil {
		return false, err
	}
	if item.Status == delivery.StatusPending || item.Status == delivery.StatusProcessing {
		return false, nil
	}
	if err := o.ledger.Forget(ctx, deliveryID); err != nil {
		return false, fmt.Errorf("forget ledger entry: %w", err)
	}
	ok, err := o.queue.Rearm(ctx, deliveryID, o.now().UTC())
	if err != nil || !ok {
		return ok, err
	}
	o.kick(ctx, deliveryID)
	o.logger.WithContext(ctx).WithDelivery(deliveryID).WithField("attempts", item.Attempts).Info("queue item re-armed")
	return true, nil
}

// replay re-queues a failed delivery whose queue item is already gone,
// using the payload kept in the ledger.
func (o *Operator) replay(ctx context.Context, deliveryID string) (bool, error) {
	rec, err := o.ledger.Get(ctx, deliveryID)
	if err != nil {
		return false, err
	}
	if rec.Outcome != delivery.OutcomeFailed || len(rec.Payload) == 0 {
		return false, delivery.ErrNotFound
	}
	// The tombstone goes first so the processor does not drop the new item
	// as already settled.
	if err := o.ledger.Forget(ctx, deliveryID); err != nil {
		return false, fmt.Errorf("forget ledger entry: %w", err)
	}
	now := o.now().UTC()
	err = o.queue.Insert(ctx, delivery.Item{
		DeliveryID:  rec.DeliveryID,
		Event:       rec.Event,
		Action:      rec.Action,
		UserID:      rec.UserID,
		Payload:     rec.Payload,
		Status:      delivery.StatusPending,
		MaxAttempts: o.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, delivery.ErrDuplicate) {
		// re-queued concurrently; the item is pending or processing
		return false, nil
	}
	if err != nil {
		if rerr := o.ledger.RecordTerminal(ctx, rec); rerr != nil && !errors.Is(rerr, delivery.ErrDuplicate) {
			o.logger.WithContext(ctx).WithDelivery(deliveryID).WithError(rerr).Error("ledger entry lost after failed replay")
		}
		return false, fmt.Errorf("replay insert: %w", err)
	}
	o.kick(ctx, deliveryID)
	o.logger.WithContext(ctx).WithDelivery(deliveryID).WithEvent(rec.Event).Info("failed delivery replayed from ledger")
	return true, nil
}

// RetryAll re-arms every dead-lettered item and returns their ids.
func (o *Operator) RetryAll(ctx context.Context) ([]string, error) {
	dead, err := o.queue.List(ctx, delivery.StatusDeadLetter, 0)
	if err != nil {
		return nil, err
	}
	for _, it := range dead {
		if err := o.ledger.Forget(ctx, it.DeliveryID); err != nil {
			return nil, fmt.Errorf("forget ledger entry %s: %w", it.DeliveryID, err)
		}
	}
	ids, err := o.queue.RearmAll(ctx, delivery.StatusDeadLetter, o.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		o.kick(ctx, id)
	}
	o.logger.WithContext(ctx).WithField("count", len(ids)).Info("dead letters re-armed")
	return ids, nil
}

// Discard deletes one item. A missing item is a no-op.
func (o *Operator) Discard(ctx context.Context, deliveryID string) (bool, error) {
	return o.queue.Delete(ctx, deliveryID)
}

// DiscardAll deletes every dead-lettered item. Ledger entries stay, so the
// deliveries remain deduplicated.
func (o *Operator) DiscardAll(ctx context.Context) (int64, error) {
	return o.queue.DeleteByStatus(ctx, delivery.StatusDeadLetter)
}

type PurgeResult struct {
	Items  int64 `json:"items"`
	Ledger int64 `json:"ledger"`
}

// PurgeAll removes terminal items and ledger entries older than olderThan.
func (o *Operator) PurgeAll(ctx context.Context, olderThan time.Time) (PurgeResult, error) {
	var res PurgeResult
	var err error
	if res.Items, err = o.queue.PurgeTerminal(ctx, olderThan); err != nil {
		return res, fmt.Errorf("purge queue: %w", err)
	}
	if res.Ledger, err = o.ledger.Purge(ctx, olderThan); err != nil {
		return res, fmt.Errorf("purge ledger: %w", err)
	}
	o.logger.WithContext(ctx).WithFields(map[string]any{
		"items":      res.Items,
		"ledger":     res.Ledger,
		"older_than": olderThan.UTC().Format(time.RFC3339),
	}).Info("retention purge finished")
	return res, nil
}

// ReleaseStale hands processing items of crashed workers back to pending.
func (o *Operator) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := o.queue.ReleaseStale(ctx, olderThan)
	if err == nil && n > 0 {
		o.logger.WithContext(ctx).WithField("count", n).Warn("released stale queue items")
	}
	return n, err
}

// Stats returns item counts by status and refreshes the depth gauges.
func (o *Operator) Stats(ctx context.Context) (map[delivery.Status]int64, error) {
	counts, err := o.queue.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	gauge := make(map[string]int64, len(counts))
	for s, n := range counts {
		gauge[string(s)] = n
	}
	metrics.UpdateQueueDepth(gauge)
	return counts, nil
}

func (o *Operator) List(ctx context.Context, status delivery.Status, limit int) ([]delivery.Item, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return o.queue.List(ctx, status, limit)
}

func (o *Operator) FailedDeliveries(ctx context.Context, limit int) ([]delivery.Record, error) {
	return o.ledger.ListFailed(ctx, limit)
}

func (o *Operator) kick(ctx context.Context, deliveryID string) {
	if err := o.notifier.Kick(ctx, deliveryID); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.WithContext(ctx).WithDelivery(deliveryID).WithError(err).Warn("processor kick failed")
	}
}
