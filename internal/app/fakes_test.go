package app_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deepchat/internal/ai"
	"deepchat/internal/model"
	"deepchat/internal/repository"
)

// In-memory fakes shared by the tests in this package.

type memSessionStore struct {
	mu        sync.Mutex
	sessions  map[string]*model.Session
	createErr error
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: map[string]*model.Session{}}
}

func (s *memSessionStore) Create(ctx context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	session := &model.Session{ID: uuid.NewString(), CreatedAt: time.Now()}
	s.sessions[session.ID] = session
	return session, nil
}

func (s *memSessionStore) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (s *memSessionStore) List(ctx context.Context) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, *session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memSessionStore) UpdateTitle(ctx context.Context, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok {
		session.Title = title
	}
	return nil
}

func (s *memSessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

type memMessageStore struct {
	mu       sync.Mutex
	sessions *memSessionStore
	saved    []model.Message
	saveErr  error
}

func newMemMessageStore(sessions *memSessionStore) *memMessageStore {
	return &memMessageStore{sessions: sessions}
}

func (s *memMessageStore) Save(ctx context.Context, message *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if message.Content == "" || message.SessionID == "" || !model.ValidRole(message.Role) {
		return repository.ErrInvalidMessage
	}
	if s.sessions != nil {
		s.sessions.mu.Lock()
		_, ok := s.sessions.sessions[message.SessionID]
		s.sessions.mu.Unlock()
		if !ok {
			return repository.ErrSessionNotFound
		}
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	s.saved = append(s.saved, *message)
	return nil
}

func (s *memMessageStore) ListBySession(ctx context.Context, sessionID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Message{}
	for _, msg := range s.saved {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memMessageStore) bySession(sessionID string) []model.Message {
	out, _ := s.ListBySession(context.Background(), sessionID)
	return out
}

type relayFunc func(ctx context.Context, history []ai.ChatMessage, onChunk func(string) error) error

func (f relayFunc) StreamChat(ctx context.Context, history []ai.ChatMessage, onChunk func(string) error) error {
	return f(ctx, history, onChunk)
}

type scriptedRelay struct {
	chunks  []string
	err     error
	history []ai.ChatMessage
	calls   int
}

func (r *scriptedRelay) StreamChat(ctx context.Context, history []ai.ChatMessage, onChunk func(string) error) error {
	r.calls++
	r.history = history
	for _, chunk := range r.chunks {
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return r.err
}

var errBoom = errors.New("boom")
