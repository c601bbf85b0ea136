// Package lock provides a best-effort distributed lock over doctor time
// slots. The database uniqueness constraint remains the real arbiter; the
// lock only narrows the window in which two bookings race to it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("slot lock not acquired")

// SlotLocker guards the hold-and-confirm critical section for one doctor slot.
type SlotLocker interface {
	WithSlotLock(ctx context.Context, doctorID uuid.UUID, start time.Time, fn func(ctx context.Context) error) error
}

type redisSlotLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSlotLocker creates a locker backed by a per slot Redis key.
func NewRedisSlotLocker(client *redis.Client, ttl time.Duration) SlotLocker {
	return &redisSlotLocker{
		client: client,
		ttl:    ttl,
	}
}

func slotKey(doctorID uuid.UUID, start time.Time) string {
	return fmt.Sprintf("lock:doctor:%s:slot:%d", doctorID, start.UTC().Unix())
}

func (l *redisSlotLocker) WithSlotLock(ctx context.Context, doctorID uuid.UUID, start time.Time, fn func(ctx context.Context) error) error {
	key := slotKey(doctorID, start)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire slot lock: %w", err)
	}
	if !ok {
		return ErrNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	lockCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(lockCtx)
}

// The token check keeps one process from deleting a lock another process
// acquired after this one's TTL lapsed.
var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisSlotLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}

type noopLocker struct{}

// NewNoopLocker returns a locker that runs fn directly. Used when Redis is
// not configured; the database constraint still serializes confirms.
func NewNoopLocker() SlotLocker {
	return noopLocker{}
}

func (noopLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, _ time.Time, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
