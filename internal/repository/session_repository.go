package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"deepchat/internal/model"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidTitle    = errors.New("session title is empty")
	ErrInvalidMessage  = errors.New("invalid message data")
)

// EnsureSchema creates the sessions and messages tables if they are missing,
// including the cascade foreign key from messages to sessions. Safe to run on
// every cold start.
func EnsureSchema(ctx context.Context, pool Pool) error {
	return withRetry(ctx, pool, defaultMaxAttempts, defaultBaseDelay, func(db *gorm.DB) error {
		if err := db.WithContext(ctx).AutoMigrate(&model.Session{}, &model.Message{}); err != nil {
			return fmt.Errorf("migrate schema failed: %w", err)
		}
		return nil
	})
}

type SessionRepository struct {
	pool        Pool
	maxAttempts int
	baseDelay   time.Duration
}

func NewSessionRepository(pool Pool) *SessionRepository {
	return &SessionRepository{
		pool:        pool,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
}

func (r *SessionRepository) Create(ctx context.Context) (*model.Session, error) {
	session := &model.Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}
	err := withRetry(ctx, r.pool, r.maxAttempts, r.baseDelay, func(db *gorm.DB) error {
		if err := db.WithContext(ctx).Create(session).Error; err != nil {
			return fmt.Errorf("create session failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	err := withRetry(ctx, r.pool, r.maxAttempts, r.baseDelay, func(db *gorm.DB) error {
		if err := db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
			}
			return fmt.Errorf("get session failed: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (r *SessionRepository) List(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := withRetry(ctx, r.pool, r.maxAttempts, r.baseDelay, func(db *gorm.DB) error {
		if err := db.WithContext(ctx).Order("created_at DESC").Find(&sessions).Error; err != nil {
			return fmt.Errorf("list sessions failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *SessionRepository) UpdateTitle(ctx context.Context, sessionID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrInvalidTitle
	}
	return withRetry(ctx, r.pool, r.maxAttempts, r.baseDelay, func(db *gorm.DB) error {
		if err := db.WithContext(ctx).Model(&model.Session{}).
			Where("id = ?", sessionID).
			Update("title", title).Error; err != nil {
			return fmt.Errorf("update session title failed: %w", err)
		}
		return nil
	})
}

// Delete removes the session's messages first, then the session row. Deleting
// an unknown session is a no-op, so the call is idempotent even when the
// backing store also cascades.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	return withRetry(ctx, r.pool, r.maxAttempts, r.baseDelay, func(db *gorm.DB) error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("session_id = ?", sessionID).Delete(&model.Message{}).Error; err != nil {
				return fmt.Errorf("delete session messages failed: %w", err)
			}
			if err := tx.Where("id = ?", sessionID).Delete(&model.Session{}).Error; err != nil {
				return fmt.Errorf("delete session failed: %w", err)
			}
			return nil
		})
	})
}
