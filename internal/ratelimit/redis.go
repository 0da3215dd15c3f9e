package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per user that expires shortly after the reported reset.
type RedisStore struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "harbormirror:ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix, grace: time.Minute, now: time.Now}
}

func (r *RedisStore) key(userID string) string {
	return r.prefix + userID
}

// ttl keeps a snapshot until grace after reset; a reset already past still
// gets the grace period so reads right after a write see it.
func (r *RedisStore) ttl(resetAt time.Time) time.Duration {
	d := resetAt.Sub(r.now()) + r.grace
	if d < r.grace {
		d = r.grace
	}
	return d
}

func (r *RedisStore) PutSnapshot(ctx context.Context, s Snapshot) error {
	key := r.key(s.UserID)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, snapshotFields(s))
	pipe.Expire(ctx, key, r.ttl(s.ResetAt))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put snapshot %s: %w", s.UserID, err)
	}
	return nil
}

func (r *RedisStore) GetSnapshot(ctx context.Context, userID string) (*Snapshot, error) {
	vals, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get snapshot %s: %w", userID, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	s, err := snapshotFromFields(userID, vals)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func snapshotFields(s Snapshot) map[string]any {
	return map[string]any{
		"remaining":  s.Remaining,
		"limit":      s.Limit,
		"used":       s.Used,
		"reset_at":   s.ResetAt.Unix(),
		"updated_at": s.UpdatedAt.UnixMilli(),
	}
}

func snapshotFromFields(userID string, vals map[string]string) (Snapshot, error) {
	s := Snapshot{UserID: userID}
	var err error
	if s.Remaining, err = strconv.Atoi(vals["remaining"]); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s remaining: %w", userID, err)
	}
	s.Limit, _ = strconv.Atoi(vals["limit"])
	s.Used, _ = strconv.Atoi(vals["used"])
	reset, err := strconv.ParseInt(vals["reset_at"], 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s reset_at: %w", userID, err)
	}
	s.ResetAt = time.Unix(reset, 0).UTC()
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		s.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return s, nil
}
