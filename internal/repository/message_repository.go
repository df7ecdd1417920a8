package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"deepchat/internal/model"
)

type MessageRepository struct {
	pool        Pool
	maxAttempts int
	baseDelay   time.Duration
}

func NewMessageRepository(pool Pool) *MessageRepository {
	return &MessageRepository{
		pool:        pool,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
}

// Save validates the message, verifies the owning session exists and inserts
// the row. An identifier and timestamp are assigned when the caller left them
// empty. Messages are never updated after insertion.
func (r *MessageRepository) Save(ctx context.Context, message *model.Message) error {
	if message == nil {
		return ErrInvalidMessage
	}
	if message.Content == "" || message.SessionID == "" || !model.ValidRole(message.Role) {
		return fmt.Errorf("%w: content, role and session_id are required", ErrInvalidMessage)
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}

	return withRetry(ctx, r.pool, r.maxAttempts, r.baseDelay, func(db *gorm.DB) error {
		var count int64
		if err := db.WithContext(ctx).Model(&model.Session{}).
			Where("id = ?", message.SessionID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check session failed: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, message.SessionID)
		}
		if err := db.WithContext(ctx).Create(message).Error; err != nil {
			return fmt.Errorf("create message failed: %w", err)
		}
		return nil
	})
}

// ListBySession returns the session's messages in ascending creation order.
// A session without messages yields an empty slice, not an error.
func (r *MessageRepository) ListBySession(ctx context.Context, sessionID string) ([]model.Message, error) {
	var messages []model.Message
	err := withRetry(ctx, r.pool, r.maxAttempts, r.baseDelay, func(db *gorm.DB) error {
		if err := db.WithContext(ctx).
			Where("session_id = ?", sessionID).
			Order("created_at ASC").
			Find(&messages).Error; err != nil {
			return fmt.Errorf("list messages failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}
