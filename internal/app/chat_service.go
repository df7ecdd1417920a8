package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"deepchat/internal/ai"
	"deepchat/internal/model"
	"deepchat/internal/repository"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrSessionNotFound = repository.ErrSessionNotFound
	ErrLLMConfig       = errors.New("llm config is invalid")
)

type SessionStore interface {
	Create(ctx context.Context) (*model.Session, error)
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	List(ctx context.Context) ([]model.Session, error)
	UpdateTitle(ctx context.Context, sessionID, title string) error
	Delete(ctx context.Context, sessionID string) error
}

type MessageStore interface {
	Save(ctx context.Context, message *model.Message) error
	ListBySession(ctx context.Context, sessionID string) ([]model.Message, error)
}

// TitlePublisher hands the first user message of a session to the async
// title pipeline.
type TitlePublisher interface {
	PublishFirstMessage(ctx context.Context, sessionID, content string) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID string) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID string, messages []model.Message) error
	DeleteHistory(ctx context.Context, sessionID string) error
	MarkDirty(ctx context.Context, sessionID string) error
	IsDirty(ctx context.Context, sessionID string) (bool, error)
}

// StreamCompleter is the upstream half of the relay; ai.Client implements it.
type StreamCompleter interface {
	StreamChat(ctx context.Context, cfg ai.ChatConfig, messages []ai.ChatMessage, onChunk func(chunk string) error) (string, error)
}

type ChatService struct {
	sessions     SessionStore
	messages     MessageStore
	titles       TitlePublisher
	historyCache HistoryCache
	llm          StreamCompleter
	llmCfg       ai.ChatConfig
	systemPrompt string
}

type SaveMessageInput struct {
	SessionID string
	Role      string
	Content   string
	Timestamp time.Time
}

func NewChatService(
	sessions SessionStore,
	messages MessageStore,
	titles TitlePublisher,
	historyCache HistoryCache,
	llm StreamCompleter,
	llmCfg ai.ChatConfig,
	systemPrompt string,
) *ChatService {
	return &ChatService{
		sessions:     sessions,
		messages:     messages,
		titles:       titles,
		historyCache: historyCache,
		llm:          llm,
		llmCfg:       llmCfg,
		systemPrompt: systemPrompt,
	}
}

func (s *ChatService) CreateSession(ctx context.Context) (*model.Session, []model.Message, error) {
	session, err := s.sessions.Create(ctx)
	if err != nil {
		return nil, nil, err
	}
	return session, []model.Message{}, nil
}

func (s *ChatService) GetSession(ctx context.Context, sessionID string) (*model.Session, []model.Message, error) {
	if sessionID == "" {
		return nil, nil, ErrInvalidInput
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, ErrSessionNotFound
	}
	messages, err := s.History(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}

func (s *ChatService) ListSessions(ctx context.Context) ([]model.Session, error) {
	return s.sessions.List(ctx)
}

func (s *ChatService) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	if sessionID == "" || strings.TrimSpace(title) == "" {
		return ErrInvalidInput
	}
	return s.sessions.UpdateTitle(ctx, sessionID, title)
}

// DeleteSession cascades messages, then the session. Idempotent: deleting an
// unknown identifier succeeds.
func (s *ChatService) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidInput
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	if s.historyCache != nil {
		_ = s.historyCache.DeleteHistory(ctx, sessionID)
	}
	return nil
}

func (s *ChatService) SaveMessage(ctx context.Context, input SaveMessageInput) (*model.Message, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" || input.SessionID == "" || !model.ValidRole(input.Role) {
		return nil, ErrInvalidInput
	}

	session, err := s.sessions.Get(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	message := &model.Message{
		SessionID: input.SessionID,
		Role:      input.Role,
		Content:   content,
		CreatedAt: input.Timestamp,
	}
	if err := s.messages.Save(ctx, message); err != nil {
		return nil, err
	}

	if s.historyCache != nil {
		_ = s.historyCache.MarkDirty(ctx, input.SessionID)
		_ = s.historyCache.DeleteHistory(ctx, input.SessionID)
	}
	if s.titles != nil && input.Role == model.RoleUser && session.Title == "" {
		if err := s.titles.PublishFirstMessage(ctx, input.SessionID, content); err != nil {
			log.Printf("publish title event failed: %v", err)
		}
	}
	return message, nil
}

// History returns the session's messages in ascending creation order, served
// from the cache when it is present and clean.
func (s *ChatService) History(ctx context.Context, sessionID string) ([]model.Message, error) {
	if sessionID == "" {
		return nil, ErrInvalidInput
	}

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return cached, nil
			}
		}
	}

	messages, err := s.messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, sessionID, messages)
		}
	}
	return messages, nil
}

// StreamChat opens one upstream streaming completion for the given history,
// with the configured system preamble prepended, and forwards each chunk to
// onChunk in arrival order. Implements Relay.
func (s *ChatService) StreamChat(ctx context.Context, history []ai.ChatMessage, onChunk func(chunk string) error) error {
	if len(history) == 0 {
		return ErrInvalidInput
	}
	for _, msg := range history {
		if msg.Content == "" || !model.ValidRole(msg.Role) {
			return ErrInvalidInput
		}
	}
	if s.llmCfg.BaseURL == "" || s.llmCfg.APIKey == "" || s.llmCfg.Model == "" {
		return ErrLLMConfig
	}

	messages := make([]ai.ChatMessage, 0, len(history)+1)
	if s.systemPrompt != "" {
		messages = append(messages, ai.ChatMessage{Role: model.RoleSystem, Content: s.systemPrompt})
	}
	messages = append(messages, history...)

	if _, err := s.llm.StreamChat(ctx, s.llmCfg, messages, onChunk); err != nil {
		return fmt.Errorf("stream chat failed: %w", err)
	}
	return nil
}
