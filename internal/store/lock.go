package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	lockKeyPrefix = "analytics-status:"

	// LockTTL bounds how long an abandoned run can block a user from
	// re-triggering. Status writes never refresh it.
	LockTTL = 12 * time.Hour
)

// RunStatus is the observable state of a user's analytics run lock.
type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusProcessing RunStatus = "processing"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
)

// LockManager is the per-user mutual-exclusion guard for analytics runs.
// The lock record doubles as the run's observable status.
type LockManager interface {
	// TryAcquire sets the lock to queued with LockTTL only if no lock exists.
	// Returns false when a lock is already held.
	TryAcquire(ctx context.Context, userID string) (bool, error)
	// SetStatus unconditionally overwrites the status without touching the TTL.
	SetStatus(ctx context.Context, userID string, status RunStatus) error
	// GetStatus returns the current status, or ErrLockNotFound when absent.
	GetStatus(ctx context.Context, userID string) (RunStatus, error)
}

type RedisLockManager struct {
	conn redis.UniversalClient
}

func NewRedisLockManager(conn redis.UniversalClient) LockManager {
	return &RedisLockManager{conn: conn}
}

func lockKey(userID string) string {
	return lockKeyPrefix + userID
}

func (l *RedisLockManager) TryAcquire(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	acquired, err := l.conn.SetNX(ctx, lockKey(userID), string(StatusQueued), LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("%w: lock acquire for user %s: %s", ErrStoreOperation, userID, err)
	}
	return acquired, nil
}

func (l *RedisLockManager) SetStatus(ctx context.Context, userID string, status RunStatus) error {
	err := l.conn.Set(ctx, lockKey(userID), string(status), redis.KeepTTL).Err()
	if err != nil {
		return fmt.Errorf("%w: lock status write for user %s: %s", ErrStoreOperation, userID, err)
	}
	log.Debug().Msgf("lock status for user %s set to %s", userID, status)
	return nil
}

func (l *RedisLockManager) GetStatus(ctx context.Context, userID string) (RunStatus, error) {
	val, err := l.conn.Get(ctx, lockKey(userID)).Result()
	if err == redis.Nil {
		return "", ErrLockNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: lock status read for user %s: %s", ErrStoreOperation, userID, err)
	}
	return RunStatus(val), nil
}
