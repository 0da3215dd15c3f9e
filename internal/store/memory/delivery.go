// Package memory holds mutex-guarded implementations of every store contract.
// They honor the same compare-and-set semantics as the Postgres stores and
// back the unit tests and STORE_DRIVER=memory development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/ids"
)

type Ledger struct {
	mu      sync.Mutex
	records map[string]delivery.Record
}

func NewLedger() *Ledger {
	return &Ledger{records: map[string]delivery.Record{}}
}

func (l *Ledger) HasProcessed(_ context.Context, deliveryID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[deliveryID]
	return ok, nil
}

func (l *Ledger) RecordTerminal(_ context.Context, rec delivery.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.DeliveryID]; ok {
		return delivery.ErrDuplicate
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	l.records[rec.DeliveryID] = rec
	return nil
}

func (l *Ledger) Forget(_ context.Context, deliveryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, deliveryID)
	return nil
}

func (l *Ledger) Get(_ context.Context, deliveryID string) (delivery.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[deliveryID]
	if !ok {
		return delivery.Record{}, delivery.ErrNotFound
	}
	if rec.Payload != nil {
		rec.Payload = append([]byte(nil), rec.Payload...)
	}
	return rec, nil
}

func (l *Ledger) ListFailed(_ context.Context, limit int) ([]delivery.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []delivery.Record
	for _, rec := range l.records {
		if rec.Outcome == delivery.OutcomeFailed {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, rec := range l.records {
		if rec.RecordedAt.Before(olderThan) {
			delete(l.records, id)
			n++
		}
	}
	return n, nil
}

type Queue struct {
	mu    sync.Mutex
	items map[string]*delivery.Item
	seq   map[string]int64 // insertion order, breaks created_at ties
	next  int64
}

func NewQueue() *Queue {
	return &Queue{items: map[string]*delivery.Item{}, seq: map[string]int64{}}
}

func (q *Queue) before(a, b *delivery.Item) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return q.seq[a.DeliveryID] < q.seq[b.DeliveryID]
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func copyItem(it *delivery.Item) delivery.Item {
	out := *it
	if it.Payload != nil {
		out.Payload = append([]byte(nil), it.Payload...)
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }

func (q *Queue) Insert(_ context.Context, item delivery.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[item.DeliveryID]; ok {
		return delivery.ErrDuplicate
	}
	now := time.Now().UTC()
	if item.Status == "" {
		item.Status = delivery.StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = item.CreatedAt
	item.ClaimToken = ""
	stored := copyItem(&item)
	q.items[item.DeliveryID] = &stored
	q.next++
	q.seq[item.DeliveryID] = q.next
	return nil
}

func ready(it *delivery.Item, now time.Time) bool {
	switch it.Status {
	case delivery.StatusPending:
		return it.NextRetryAt == nil || !it.NextRetryAt.After(now)
	case delivery.StatusFailed:
		return it.NextRetryAt != nil && !it.NextRetryAt.After(now) && it.Attempts < it.MaxAttempts
	}
	return false
}

func (q *Queue) ClaimNext(_ context.Context, now time.Time) (delivery.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *delivery.Item
	for _, it := range q.items {
		if !ready(it, now) {
			continue
		}
		if best == nil || q.before(it, best) {
			best = it
		}
	}
	if best == nil {
		return delivery.Item{}, delivery.ErrNotFound
	}
	takeClaim(best, now)
	return copyItem(best), nil
}

func (q *Queue) Claim(_ context.Context, deliveryID string, now time.Time) (delivery.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[deliveryID]
	if !ok {
		return delivery.Item{}, delivery.ErrNotFound
	}
	if it.Status != delivery.StatusPending {
		return delivery.Item{}, delivery.ErrAlreadyClaimed
	}
	takeClaim(it, now)
	return copyItem(it), nil
}

func takeClaim(it *delivery.Item, now time.Time) {
	it.Status = delivery.StatusProcessing
	it.NextRetryAt = nil
	it.UpdatedAt = now
	it.ClaimToken = ids.NewUUID()
}

func (q *Queue) Get(_ context.Context, deliveryID string) (delivery.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[deliveryID]
	if !ok {
		return delivery.Item{}, delivery.ErrNotFound
	}
	return copyItem(it), nil
}

// processing returns the item if the caller still holds its claim.
func (q *Queue) processing(deliveryID, claim string) (*delivery.Item, error) {
	it, ok := q.items[deliveryID]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	if it.Status != delivery.StatusProcessing || it.ClaimToken != claim {
		return nil, delivery.ErrAlreadyClaimed
	}
	it.ClaimToken = ""
	return it, nil
}

func (q *Queue) MarkProcessed(_ context.Context, deliveryID, claim string, attempts int, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.processing(deliveryID, claim)
	if err != nil {
		return err
	}
	it.Status = delivery.StatusProcessed
	it.Attempts = attempts
	it.NextRetryAt = nil
	it.LastError = ""
	it.ProcessedAt = timePtr(at)
	it.UpdatedAt = at
	return nil
}

func (q *Queue) MarkFailed(_ context.Context, deliveryID, claim string, attempts int, nextRetryAt time.Time, lastErr string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.processing(deliveryID, claim)
	if err != nil {
		return err
	}
	it.Status = delivery.StatusFailed
	it.Attempts = attempts
	it.NextRetryAt = timePtr(nextRetryAt)
	it.LastError = lastErr
	it.FailedAt = timePtr(at)
	it.UpdatedAt = at
	return nil
}

func (q *Queue) MarkDeadLetter(_ context.Context, deliveryID, claim string, attempts int, lastErr string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.processing(deliveryID, claim)
	if err != nil {
		return err
	}
	it.Status = delivery.StatusDeadLetter
	it.Attempts = attempts
	it.NextRetryAt = nil
	it.LastError = lastErr
	it.FailedAt = timePtr(at)
	it.UpdatedAt = at
	return nil
}

func (q *Queue) Delete(_ context.Context, deliveryID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[deliveryID]; !ok {
		return false, nil
	}
	delete(q.items, deliveryID)
	delete(q.seq, deliveryID)
	return true, nil
}

func rearm(it *delivery.Item, now time.Time) bool {
	switch it.Status {
	case delivery.StatusFailed, delivery.StatusDeadLetter, delivery.StatusProcessed:
		it.Status = delivery.StatusPending
		it.NextRetryAt = nil
		it.UpdatedAt = now
		it.ClaimToken = ""
		return true
	}
	return false
}

func (q *Queue) Rearm(_ context.Context, deliveryID string, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[deliveryID]
	if !ok {
		return false, delivery.ErrNotFound
	}
	return rearm(it, now), nil
}

func (q *Queue) RearmAll(_ context.Context, status delivery.Status, now time.Time) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for id, it := range q.items {
		if it.Status == status && rearm(it, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (q *Queue) DeleteByStatus(_ context.Context, status delivery.Status) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, it := range q.items {
		if it.Status == status {
			delete(q.items, id)
			delete(q.seq, id)
			n++
		}
	}
	return n, nil
}

func (q *Queue) PurgeTerminal(_ context.Context, olderThan time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, it := range q.items {
		if it.Status.Terminal() && it.UpdatedAt.Before(olderThan) {
			delete(q.items, id)
			delete(q.seq, id)
			n++
		}
	}
	return n, nil
}

func (q *Queue) ReleaseStale(_ context.Context, olderThan time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, it := range q.items {
		if it.Status == delivery.StatusProcessing && it.UpdatedAt.Before(olderThan) {
			it.Status = delivery.StatusPending
			it.UpdatedAt = time.Now().UTC()
			it.ClaimToken = ""
			n++
		}
	}
	return n, nil
}

func (q *Queue) List(_ context.Context, status delivery.Status, limit int) ([]delivery.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var matched []*delivery.Item
	for _, it := range q.items {
		if status == "" || it.Status == status {
			matched = append(matched, it)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return q.before(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]delivery.Item, 0, len(matched))
	for _, it := range matched {
		out = append(out, copyItem(it))
	}
	return out, nil
}

func (q *Queue) CountByStatus(_ context.Context) (map[delivery.Status]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[delivery.Status]int64{}
	for _, it := range q.items {
		counts[it.Status]++
	}
	return counts, nil
}

type Settings struct {
	mu sync.Mutex
	m  map[string]delivery.Settings
}

func NewSettings() *Settings {
	return &Settings{m: map[string]delivery.Settings{}}
}

func (s *Settings) GetSettings(_ context.Context, userID string) (delivery.Settings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[userID]
	return v, ok, nil
}

func (s *Settings) PutSettings(_ context.Context, v delivery.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[v.UserID] = v
	return nil
}
