package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("doctor booking lock not acquired")
)

// Locker guards the check-then-insert critical section of booking writes.
// The lock key is scoped to (doctor, calendar day): bookings for different
// doctors or days never contend, while racing bookings for the same doctor
// serialize so the loser observes the winner's row.
type Locker interface {
	WithDoctorLock(ctx context.Context, doctorProfileID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error
}

type redisDoctorLocker struct {
	client   *redis.Client
	ttl      time.Duration
	pollWait time.Duration
}

// NewRedisDoctorLocker creates a locker using a per (doctor, day) Redis key.
func NewRedisDoctorLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisDoctorLocker{
		client:   client,
		ttl:      ttl,
		pollWait: 25 * time.Millisecond,
	}
}

func (l *redisDoctorLocker) WithDoctorLock(ctx context.Context, doctorProfileID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:doctor:%s:%s", doctorProfileID.String(), day.UTC().Format("2006-01-02"))
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

// acquire polls SetNX until the lock is held or the ttl-sized deadline
// passes. Polling (rather than failing fast) lets a racing booking wait for
// the winner to commit and then fail on the conflict re-check instead of on
// lock contention.
func (l *redisDoctorLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.ttl)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire doctor lock: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollWait):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisDoctorLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release doctor lock: %w", err)
	}
	return nil
}
