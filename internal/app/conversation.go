package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deepchat/internal/ai"
	"deepchat/internal/model"
)

var ErrTurnInFlight = errors.New("a turn is already in flight")

// Relay turns one upstream streaming completion into per-chunk callbacks.
// *ChatService satisfies it; tests script it.
type Relay interface {
	StreamChat(ctx context.Context, history []ai.ChatMessage, onChunk func(chunk string) error) error
}

// Conversation owns the authoritative in-memory transcript for one session
// and reconciles the relay's byte stream into it: a single pending entry
// while streaming, a finalized persisted message on clean completion, a
// synthetic assistant error entry on failure. Only one turn may be in flight
// at a time; new input is rejected, not queued.
type Conversation struct {
	sessions SessionStore
	messages MessageStore
	relay    Relay

	mu        sync.Mutex
	inFlight  bool
	sessionID string
	entries   []Entry
}

func NewConversation(sessions SessionStore, messages MessageStore, relay Relay) *Conversation {
	return &Conversation{
		sessions: sessions,
		messages: messages,
		relay:    relay,
	}
}

func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Transcript returns a snapshot of the current entries.
func (c *Conversation) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Resume switches the conversation to an existing session and loads its
// persisted messages. Disallowed while a turn is in flight.
func (c *Conversation) Resume(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.mu.Unlock()

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	history, err := c.messages.ListBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return ErrTurnInFlight
	}
	c.sessionID = sessionID
	c.entries = c.entries[:0]
	for i := range history {
		msg := history[i]
		c.entries = append(c.entries, Entry{Message: &msg})
	}
	return nil
}

// Send runs one full turn: ensure a session exists, append and persist the
// user message, stream the assistant reply into the pending entry, finalize
// and persist it. Every failure path leaves a visible synthetic assistant
// entry in the transcript.
func (c *Conversation) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrInvalidInput
	}
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	if c.SessionID() == "" {
		session, err := c.sessions.Create(ctx)
		if err != nil {
			err = fmt.Errorf("create session failed: %w", err)
			c.appendErrorEntry(err)
			return err
		}
		c.mu.Lock()
		c.sessionID = session.ID
		c.mu.Unlock()
	}

	userMsg := &model.Message{
		ID:        uuid.NewString(),
		SessionID: c.SessionID(),
		Role:      model.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	}
	c.appendEntry(Entry{Message: userMsg})
	if err := c.messages.Save(ctx, userMsg); err != nil {
		// The entry stays visible; a lost write is reported, not hidden.
		log.Printf("persist user message failed: %v", err)
	}

	history := c.history()

	c.appendEntry(Entry{})
	var full strings.Builder
	streamErr := c.relay.StreamChat(ctx, history, func(chunk string) error {
		if msg, ok := decodeErrorMarker(chunk); ok {
			return fmt.Errorf("%w: %s", ai.ErrUpstream, msg)
		}
		full.WriteString(chunk)
		c.replacePending(full.String())
		return nil
	})
	if streamErr != nil {
		c.dropPending()
		c.appendErrorEntry(streamErr)
		return streamErr
	}

	final := &model.Message{
		ID:        uuid.NewString(),
		SessionID: c.SessionID(),
		Role:      model.RoleAssistant,
		Content:   full.String(),
		CreatedAt: time.Now(),
	}
	c.finalizePending(final)

	if final.Content == "" {
		return nil
	}
	if err := c.messages.Save(ctx, final); err != nil {
		return fmt.Errorf("assistant reply shown but not persisted: %w", err)
	}
	return nil
}

func (c *Conversation) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return ErrTurnInFlight
	}
	c.inFlight = true
	return nil
}

func (c *Conversation) end() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

// history builds the upstream context: finalized entries in chronological
// order, pending and system entries skipped, consecutive same-role runs
// collapsed to their newest entry, leading assistant entries dropped. The
// result strictly alternates user/assistant starting with user, and the
// just-appended user message always survives as the final entry.
func (c *Conversation) history() []ai.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ai.ChatMessage, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Pending() || e.Message.Role == model.RoleSystem {
			continue
		}
		msg := ai.ChatMessage{Role: e.Message.Role, Content: e.Message.Content}
		if n := len(out); n > 0 && out[n-1].Role == msg.Role {
			out[n-1] = msg
			continue
		}
		out = append(out, msg)
	}
	for len(out) > 0 && out[0].Role != model.RoleUser {
		out = out[1:]
	}
	return out
}

func (c *Conversation) appendEntry(e Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

// replacePending overwrites the trailing pending entry's text. The pending
// entry is always the last slot; it is replaced in place, never duplicated.
func (c *Conversation) replacePending(partial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.entries); n > 0 && c.entries[n-1].Pending() {
		c.entries[n-1].Partial = partial
	}
}

func (c *Conversation) dropPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.entries); n > 0 && c.entries[n-1].Pending() {
		c.entries = c.entries[:n-1]
	}
}

func (c *Conversation) finalizePending(final *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.entries); n > 0 && c.entries[n-1].Pending() {
		c.entries[n-1] = Entry{Message: final}
		return
	}
	c.entries = append(c.entries, Entry{Message: final})
}

// appendErrorEntry gives the user a visible outcome for a failed turn. The
// synthetic message is never persisted.
func (c *Conversation) appendErrorEntry(err error) {
	c.appendEntry(Entry{Message: &model.Message{
		ID:        uuid.NewString(),
		Role:      model.RoleAssistant,
		Content:   err.Error(),
		CreatedAt: time.Now(),
	}})
}

// decodeErrorMarker reports whether the chunk is, in its entirety, the
// in-band {"error": "..."} marker. Error-looking text inside a larger chunk
// is ordinary content.
func decodeErrorMarker(chunk string) (string, bool) {
	trimmed := strings.TrimSpace(chunk)
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var marker struct {
		Error string `json:"error"`
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&marker); err != nil || marker.Error == "" {
		return "", false
	}
	if dec.More() {
		return "", false
	}
	return marker.Error, true
}
