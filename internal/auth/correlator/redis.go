package correlator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLedger keeps pending logins in a Redis hash per correlator, each field
// holding the unix time its login began. The key expires with the most
// recent Begin, so abandoned correlators clean themselves up; Consume checks
// the per-provider age on its own.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLedger wraps a connected client.
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &RedisLedger{client: client, ttl: ttl, prefix: "nexus:pending:", now: time.Now}
}

func (l *RedisLedger) key(correlator string) string {
	return l.prefix + correlator
}

func (l *RedisLedger) Begin(ctx context.Context, correlator, provider string) error {
	key := l.key(correlator)
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, key, provider, strconv.FormatInt(l.now().Unix(), 10))
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis begin pending login: %w", err)
	}
	return nil
}

func (l *RedisLedger) Consume(ctx context.Context, correlator, provider string) (bool, error) {
	key := l.key(correlator)
	pipe := l.client.TxPipeline()
	begun := pipe.HGet(ctx, key, provider)
	pipe.HDel(ctx, key, provider)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis consume pending login: %w", err)
	}
	stamp, err := begun.Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis consume pending login: %w", err)
	}
	return beganWithin(stamp, l.now(), l.ttl), nil
}

func (l *RedisLedger) Forget(ctx context.Context, correlator string) error {
	if err := l.client.Del(ctx, l.key(correlator)).Err(); err != nil {
		return fmt.Errorf("redis forget pending logins: %w", err)
	}
	return nil
}

// beganWithin reports whether a login stamped with unix seconds is still
// inside ttl at now. An unreadable stamp counts as expired.
func beganWithin(stamp string, now time.Time, ttl time.Duration) bool {
	sec, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return false
	}
	return now.Before(time.Unix(sec, 0).Add(ttl))
}
