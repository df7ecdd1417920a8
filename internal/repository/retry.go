package repository

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"deepchat/internal/platform/mysql"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
)

// Pool is the slice of the pool manager the repositories need. The concrete
// implementation is mysql.Pool; tests substitute a fixed-handle fake.
type Pool interface {
	Acquire(ctx context.Context) (*gorm.DB, error)
	Reset()
}

// withRetry runs op up to maxAttempts times. Between attempts the pool is
// reset (a stale pooled connection is the usual culprit) and the wait grows
// linearly with the attempt number. The last error is returned unchanged.
func withRetry(ctx context.Context, pool Pool, maxAttempts int, baseDelay time.Duration, op func(db *gorm.DB) error) error {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		db, err := pool.Acquire(ctx)
		if err == nil {
			err = op(db)
		}
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}

		lastErr = err
		log.Printf("store operation failed, attempt %d/%d: %v", attempt, maxAttempts, err)

		if attempt < maxAttempts {
			pool.Reset()
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(baseDelay * time.Duration(attempt)):
			}
		}
	}
	return lastErr
}

// Validation, not-found and configuration failures are deterministic; only
// persistence-class failures are worth another attempt.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrInvalidTitle),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, mysql.ErrNotConfigured):
		return false
	}
	return true
}
