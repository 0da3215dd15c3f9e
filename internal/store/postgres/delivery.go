// Package postgres implements the durable stores on top of pgx. Every state
// transition is a single conditional UPDATE so concurrent workers never both
// win a claim.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/ids"
)

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

func (l *Ledger) HasProcessed(ctx context.Context, deliveryID string) (bool, error) {
	var ok bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM harbormirror.delivery_ledger WHERE delivery_id=$1)`,
		deliveryID).Scan(&ok)
	return ok, err
}

func (l *Ledger) Get(ctx context.Context, deliveryID string) (delivery.Record, error) {
	rec, err := scanRecord(l.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM harbormirror.delivery_ledger WHERE delivery_id=$1`, deliveryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Record{}, delivery.ErrNotFound
	}
	return rec, err
}

func (l *Ledger) RecordTerminal(ctx context.Context, rec delivery.Record) error {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO harbormirror.delivery_ledger
			(delivery_id, event, action, user_id, status, error, payload, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (delivery_id) DO NOTHING`,
		rec.DeliveryID, rec.Event, rec.Action, rec.UserID, string(rec.Outcome), rec.Error,
		nullJSON(rec.Payload), rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return delivery.ErrDuplicate
	}
	return nil
}

func (l *Ledger) Forget(ctx context.Context, deliveryID string) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM harbormirror.delivery_ledger WHERE delivery_id=$1`, deliveryID)
	return err
}

func (l *Ledger) ListFailed(ctx context.Context, limit int) ([]delivery.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM harbormirror.delivery_ledger
		WHERE status='failed'
		ORDER BY recorded_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const recordColumns = `delivery_id, event, action, user_id, status, error, payload, recorded_at`

func scanRecord(row pgx.Row) (delivery.Record, error) {
	var rec delivery.Record
	var outcome string
	var payload []byte
	if err := row.Scan(&rec.DeliveryID, &rec.Event, &rec.Action, &rec.UserID, &outcome,
		&rec.Error, &payload, &rec.RecordedAt); err != nil {
		return delivery.Record{}, err
	}
	rec.Outcome = delivery.Outcome(outcome)
	rec.Payload = payload
	return rec, nil
}

func (l *Ledger) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM harbormirror.delivery_ledger WHERE recorded_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type Queue struct {
	pool *pgxpool.Pool
}

func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

const itemColumns = `delivery_id, event, action, user_id, payload, status, attempts, max_attempts,
	next_retry_at, last_error, processed_at, failed_at, created_at, updated_at, claim_token`

func scanItem(row pgx.Row) (delivery.Item, error) {
	var it delivery.Item
	var status string
	var payload []byte
	err := row.Scan(&it.DeliveryID, &it.Event, &it.Action, &it.UserID, &payload, &status,
		&it.Attempts, &it.MaxAttempts, &it.NextRetryAt, &it.LastError, &it.ProcessedAt,
		&it.FailedAt, &it.CreatedAt, &it.UpdatedAt, &it.ClaimToken)
	if err != nil {
		return delivery.Item{}, err
	}
	it.Status = delivery.Status(status)
	it.Payload = payload
	return it, nil
}

func (q *Queue) Insert(ctx context.Context, item delivery.Item) error {
	payload := []byte(item.Payload)
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	tag, err := q.pool.Exec(ctx, `
		INSERT INTO harbormirror.webhook_queue
			(delivery_id, event, action, user_id, payload, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$7,$7)
		ON CONFLICT (delivery_id) DO NOTHING`,
		item.DeliveryID, item.Event, item.Action, item.UserID, payload, item.MaxAttempts, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return delivery.ErrDuplicate
	}
	return nil
}

func (q *Queue) ClaimNext(ctx context.Context, now time.Time) (delivery.Item, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE harbormirror.webhook_queue
		SET status='processing', next_retry_at=NULL, updated_at=$1, claim_token=$2
		WHERE delivery_id = (
			SELECT delivery_id FROM harbormirror.webhook_queue
			WHERE (status='pending' AND (next_retry_at IS NULL OR next_retry_at <= $1))
			   OR (status='failed' AND next_retry_at <= $1 AND attempts < max_attempts)
			ORDER BY created_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+itemColumns, now, ids.NewUUID())
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Item{}, delivery.ErrNotFound
	}
	return it, err
}

func (q *Queue) Claim(ctx context.Context, deliveryID string, now time.Time) (delivery.Item, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE harbormirror.webhook_queue
		SET status='processing', next_retry_at=NULL, updated_at=$2, claim_token=$3
		WHERE delivery_id=$1 AND status='pending'
		RETURNING `+itemColumns, deliveryID, now, ids.NewUUID())
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Item{}, q.missOrClaimed(ctx, deliveryID)
	}
	return it, err
}

// missOrClaimed explains a conditional update that touched no row.
func (q *Queue) missOrClaimed(ctx context.Context, deliveryID string) error {
	var exists bool
	if err := q.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM harbormirror.webhook_queue WHERE delivery_id=$1)`,
		deliveryID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return delivery.ErrNotFound
	}
	return delivery.ErrAlreadyClaimed
}

func (q *Queue) Get(ctx context.Context, deliveryID string) (delivery.Item, error) {
	it, err := scanItem(q.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM harbormirror.webhook_queue WHERE delivery_id=$1`, deliveryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Item{}, delivery.ErrNotFound
	}
	return it, err
}

// settle applies a transition that requires the caller to hold the claim.
// $1 is the delivery id and $2 the claim token.
func (q *Queue) settle(ctx context.Context, deliveryID, claim, sql string, args ...any) error {
	tag, err := q.pool.Exec(ctx, sql, append([]any{deliveryID, claim}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return q.missOrClaimed(ctx, deliveryID)
	}
	return nil
}

func (q *Queue) MarkProcessed(ctx context.Context, deliveryID, claim string, attempts int, at time.Time) error {
	return q.settle(ctx, deliveryID, claim, `
		UPDATE harbormirror.webhook_queue
		SET status='processed', attempts=GREATEST(attempts,$3), processed_at=$4, updated_at=$4,
			last_error='', next_retry_at=NULL, claim_token=''
		WHERE delivery_id=$1 AND status='processing' AND claim_token=$2`, attempts, at)
}

func (q *Queue) MarkFailed(ctx context.Context, deliveryID, claim string, attempts int, nextRetryAt time.Time, lastErr string, at time.Time) error {
	return q.settle(ctx, deliveryID, claim, `
		UPDATE harbormirror.webhook_queue
		SET status='failed', attempts=GREATEST(attempts,$3), next_retry_at=$4, last_error=$5,
			failed_at=$6, updated_at=$6, claim_token=''
		WHERE delivery_id=$1 AND status='processing' AND claim_token=$2`, attempts, nextRetryAt, lastErr, at)
}

func (q *Queue) MarkDeadLetter(ctx context.Context, deliveryID, claim string, attempts int, lastErr string, at time.Time) error {
	return q.settle(ctx, deliveryID, claim, `
		UPDATE harbormirror.webhook_queue
		SET status='dead_letter', attempts=GREATEST(attempts,$3), next_retry_at=NULL, last_error=$4,
			failed_at=$5, updated_at=$5, claim_token=''
		WHERE delivery_id=$1 AND status='processing' AND claim_token=$2`, attempts, lastErr, at)
}

func (q *Queue) Delete(ctx context.Context, deliveryID string) (bool, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM harbormirror.webhook_queue WHERE delivery_id=$1`, deliveryID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (q *Queue) Rearm(ctx context.Context, deliveryID string, now time.Time) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE harbormirror.webhook_queue
		SET status='pending', next_retry_at=NULL, updated_at=$2, claim_token=''
		WHERE delivery_id=$1 AND status IN ('failed','dead_letter','processed')`, deliveryID, now)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if err := q.missOrClaimed(ctx, deliveryID); errors.Is(err, delivery.ErrNotFound) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (q *Queue) RearmAll(ctx context.Context, status delivery.Status, now time.Time) ([]string, error) {
	rows, err := q.pool.Query(ctx, `
		UPDATE harbormirror.webhook_queue
		SET status='pending', next_retry_at=NULL, updated_at=$2, claim_token=''
		WHERE status=$1 AND status IN ('failed','dead_letter','processed')
		RETURNING delivery_id`, string(status), now)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (q *Queue) DeleteByStatus(ctx context.Context, status delivery.Status) (int64, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM harbormirror.webhook_queue WHERE status=$1`, string(status))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queue) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM harbormirror.webhook_queue
		WHERE status IN ('processed','dead_letter') AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queue) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE harbormirror.webhook_queue
		SET status='pending', updated_at=now(), claim_token=''
		WHERE status='processing' AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queue) List(ctx context.Context, status delivery.Status, limit int) ([]delivery.Item, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := q.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM harbormirror.webhook_queue
		WHERE $1 = '' OR status = $1
		ORDER BY created_at, seq
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []delivery.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (q *Queue) CountByStatus(ctx context.Context) (map[delivery.Status]int64, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM harbormirror.webhook_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[delivery.Status]int64{}
	for rows.Next() {
		var s string
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[delivery.Status(s)] = n
	}
	return out, rows.Err()
}

type Settings struct {
	pool *pgxpool.Pool
}

func NewSettings(pool *pgxpool.Pool) *Settings {
	return &Settings{pool: pool}
}

func (s *Settings) GetSettings(ctx context.Context, userID string) (delivery.Settings, bool, error) {
	v := delivery.Settings{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT debug_retention FROM harbormirror.user_settings WHERE user_id=$1`, userID).
		Scan(&v.DebugRetention)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Settings{}, false, nil
	}
	if err != nil {
		return delivery.Settings{}, false, err
	}
	return v, true, nil
}

func (s *Settings) PutSettings(ctx context.Context, v delivery.Settings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO harbormirror.user_settings (user_id, debug_retention, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (user_id) DO UPDATE SET debug_retention=EXCLUDED.debug_retention, updated_at=now()`,
		v.UserID, v.DebugRetention)
	return err
}
