// Package lock provides a Redis-backed mutual exclusion primitive keyed by account.
//
// Acquire never waits: contention is reported immediately with ErrBusy. A lock is only
// released by the token that created it; an expired lock is implicitly free.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 5 * time.Minute

var (
	ErrBusy     = errors.New("lock is held by another owner")
	ErrNotOwner = errors.New("lock is not owned by this token")
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Key returns the lock key guarding sends from one account.
func Key(accountID string) string {
	return "session_lock:" + accountID
}

type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire sets key to a fresh token if, and only if, no unexpired lock holds it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if !ok {
		return "", ErrBusy
	}

	return token, nil
}

// Release deletes key when it still holds token. A lock that expired and was taken by
// someone else is left alone and ErrNotOwner is returned.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotOwner
	}

	return nil
}
