package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepchat/internal/ai"
	"deepchat/internal/app"
	"deepchat/internal/model"
)

func newConversation(relay app.Relay) (*app.Conversation, *memSessionStore, *memMessageStore) {
	sessions := newMemSessionStore()
	messages := newMemMessageStore(sessions)
	return app.NewConversation(sessions, messages, relay), sessions, messages
}

func seedSession(t *testing.T, sessions *memSessionStore, messages *memMessageStore, history ...model.Message) string {
	t.Helper()
	session, err := sessions.Create(context.Background())
	require.NoError(t, err)
	base := time.Now().Add(-time.Hour)
	for i := range history {
		history[i].SessionID = session.ID
		history[i].CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, messages.Save(context.Background(), &history[i]))
	}
	return session.ID
}

func TestSendCreatesSessionAndPersistsBothSides(t *testing.T) {
	relay := &scriptedRelay{chunks: []string{"Hi ", "there"}}
	conv, sessions, messages := newConversation(relay)

	require.NoError(t, conv.Send(context.Background(), "hello"))

	sessionID := conv.SessionID()
	require.NotEmpty(t, sessionID)
	_, ok := sessions.sessions[sessionID]
	assert.True(t, ok)

	saved := messages.bySession(sessionID)
	require.Len(t, saved, 2)
	assert.Equal(t, model.RoleUser, saved[0].Role)
	assert.Equal(t, "hello", saved[0].Content)
	assert.Equal(t, model.RoleAssistant, saved[1].Role)
	assert.Equal(t, "Hi there", saved[1].Content)

	transcript := conv.Transcript()
	require.Len(t, transcript, 2)
	assert.False(t, transcript[0].Pending())
	assert.False(t, transcript[1].Pending())
	assert.Equal(t, "Hi there", transcript[1].Content())
}

func TestFinalContentEqualsChunkConcatenation(t *testing.T) {
	relay := &scriptedRelay{chunks: []string{"Hel", "lo"}}
	conv, _, messages := newConversation(relay)

	require.NoError(t, conv.Send(context.Background(), "say hello"))

	saved := messages.bySession(conv.SessionID())
	require.Len(t, saved, 2)
	assert.Equal(t, "Hello", saved[1].Content)
}

func TestHistoryStrictlyAlternates(t *testing.T) {
	relay := &scriptedRelay{chunks: []string{"ok"}}
	conv, sessions, messages := newConversation(relay)

	sessionID := seedSession(t, sessions, messages,
		model.Message{Role: model.RoleUser, Content: "first"},
		model.Message{Role: model.RoleUser, Content: "second"},
		model.Message{Role: model.RoleAssistant, Content: "draft"},
		model.Message{Role: model.RoleAssistant, Content: "final"},
		model.Message{Role: model.RoleUser, Content: "third"},
	)
	require.NoError(t, conv.Resume(context.Background(), sessionID))

	require.NoError(t, conv.Send(context.Background(), "fourth"))

	history := relay.history
	require.NotEmpty(t, history)
	assert.Equal(t, model.RoleUser, history[0].Role)
	for i := 1; i < len(history); i++ {
		assert.NotEqual(t, history[i-1].Role, history[i].Role,
			"history must not contain two consecutive %s entries", history[i].Role)
	}
	// The just-sent user message is always the effective final user entry.
	assert.Equal(t, model.RoleUser, history[len(history)-1].Role)
	assert.Equal(t, "fourth", history[len(history)-1].Content)
}

func TestHistoryDropsLeadingAssistantEntries(t *testing.T) {
	relay := &scriptedRelay{chunks: []string{"ok"}}
	conv, sessions, messages := newConversation(relay)

	sessionID := seedSession(t, sessions, messages,
		model.Message{Role: model.RoleAssistant, Content: "welcome"},
	)
	require.NoError(t, conv.Resume(context.Background(), sessionID))

	require.NoError(t, conv.Send(context.Background(), "hi"))

	require.NotEmpty(t, relay.history)
	assert.Equal(t, model.RoleUser, relay.history[0].Role)
}

func TestMidStreamErrorMarkerDiscardsPlaceholder(t *testing.T) {
	relay := &scriptedRelay{chunks: []string{"Par", `{"error": "upstream connection lost"}`}}
	conv, _, messages := newConversation(relay)

	err := conv.Send(context.Background(), "tell me about Paris")
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrUpstream)

	// No partial assistant content may be persisted.
	for _, msg := range messages.bySession(conv.SessionID()) {
		assert.NotEqual(t, model.RoleAssistant, msg.Role)
		assert.NotEqual(t, "Par", msg.Content)
	}

	transcript := conv.Transcript()
	require.NotEmpty(t, transcript)
	last := transcript[len(transcript)-1]
	assert.False(t, last.Pending())
	assert.Equal(t, model.RoleAssistant, last.Role())
	assert.Contains(t, last.Content(), "upstream connection lost")
	for _, entry := range transcript {
		assert.False(t, entry.Pending(), "no pending entry may survive a failed turn")
	}
}

func TestErrorLookingTextInsideContentIsNotAMarker(t *testing.T) {
	relay := &scriptedRelay{chunks: []string{`Use {"error": "x"} as an example payload.`}}
	conv, _, messages := newConversation(relay)

	require.NoError(t, conv.Send(context.Background(), "show me an error payload"))

	saved := messages.bySession(conv.SessionID())
	require.Len(t, saved, 2)
	assert.Contains(t, saved[1].Content, `{"error": "x"}`)
}

func TestRelayFailureAppendsVisibleErrorEntry(t *testing.T) {
	relay := &scriptedRelay{err: errBoom}
	conv, _, messages := newConversation(relay)

	err := conv.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, errBoom)

	transcript := conv.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, model.RoleUser, transcript[0].Role())
	assert.Equal(t, model.RoleAssistant, transcript[1].Role())
	assert.Contains(t, transcript[1].Content(), "boom")

	// Only the user message reached the store.
	saved := messages.bySession(conv.SessionID())
	require.Len(t, saved, 1)
	assert.Equal(t, model.RoleUser, saved[0].Role)
}

func TestSessionCreateFailureSendsNothingUpstream(t *testing.T) {
	relay := &scriptedRelay{chunks: []string{"never"}}
	conv, sessions, _ := newConversation(relay)
	sessions.createErr = errBoom

	err := conv.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, relay.calls)
	assert.Empty(t, conv.SessionID())

	transcript := conv.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, model.RoleAssistant, transcript[0].Role())
}

func TestPendingEntryIsSingleAndReplacedInPlace(t *testing.T) {
	var conv *app.Conversation
	relay := relayFunc(func(ctx context.Context, history []ai.ChatMessage, onChunk func(string) error) error {
		require.NoError(t, onChunk("a"))
		transcript := conv.Transcript()
		pending := 0
		for _, e := range transcript {
			if e.Pending() {
				pending++
				assert.Equal(t, "a", e.Content())
			}
		}
		assert.Equal(t, 1, pending)
		assert.True(t, transcript[len(transcript)-1].Pending(), "pending entry must be the trailing slot")

		require.NoError(t, onChunk("b"))
		transcript = conv.Transcript()
		pending = 0
		for _, e := range transcript {
			if e.Pending() {
				pending++
				assert.Equal(t, "ab", e.Content())
			}
		}
		assert.Equal(t, 1, pending)
		return nil
	})

	sessions := newMemSessionStore()
	messages := newMemMessageStore(sessions)
	conv = app.NewConversation(sessions, messages, relay)

	require.NoError(t, conv.Send(context.Background(), "hi"))

	saved := messages.bySession(conv.SessionID())
	require.Len(t, saved, 2)
	assert.Equal(t, "ab", saved[1].Content)
}

func TestPlaceholderVisibleBeforeFirstByte(t *testing.T) {
	var conv *app.Conversation
	relay := relayFunc(func(ctx context.Context, history []ai.ChatMessage, onChunk func(string) error) error {
		transcript := conv.Transcript()
		require.NotEmpty(t, transcript)
		last := transcript[len(transcript)-1]
		assert.True(t, last.Pending())
		assert.Empty(t, last.Content())
		return onChunk("done")
	})

	sessions := newMemSessionStore()
	messages := newMemMessageStore(sessions)
	conv = app.NewConversation(sessions, messages, relay)

	require.NoError(t, conv.Send(context.Background(), "hi"))
}

func TestSecondSendRejectedWhileTurnInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var conv *app.Conversation
	firstCall := true
	relay := relayFunc(func(ctx context.Context, history []ai.ChatMessage, onChunk func(string) error) error {
		if firstCall {
			firstCall = false
			close(started)
			<-release
		}
		return onChunk("ok")
	})

	sessions := newMemSessionStore()
	messages := newMemMessageStore(sessions)
	conv = app.NewConversation(sessions, messages, relay)

	done := make(chan error, 1)
	go func() { done <- conv.Send(context.Background(), "first") }()
	<-started

	assert.ErrorIs(t, conv.Send(context.Background(), "second"), app.ErrTurnInFlight)

	otherID := seedSession(t, sessions, messages)
	assert.ErrorIs(t, conv.Resume(context.Background(), otherID), app.ErrTurnInFlight)

	close(release)
	require.NoError(t, <-done)

	// The guard lifts once the turn is over.
	require.NoError(t, conv.Send(context.Background(), "third"))
}

func TestEmptyInputRejected(t *testing.T) {
	relay := &scriptedRelay{}
	conv, _, _ := newConversation(relay)

	assert.ErrorIs(t, conv.Send(context.Background(), "   "), app.ErrInvalidInput)
	assert.Zero(t, relay.calls)
}

func TestResumeLoadsPersistedTranscript(t *testing.T) {
	relay := &scriptedRelay{}
	conv, sessions, messages := newConversation(relay)

	sessionID := seedSession(t, sessions, messages,
		model.Message{Role: model.RoleUser, Content: "hello"},
		model.Message{Role: model.RoleAssistant, Content: "hi there"},
	)

	require.NoError(t, conv.Resume(context.Background(), sessionID))
	assert.Equal(t, sessionID, conv.SessionID())

	transcript := conv.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "hello", transcript[0].Content())
	assert.Equal(t, "hi there", transcript[1].Content())
}

func TestResumeUnknownSession(t *testing.T) {
	relay := &scriptedRelay{}
	conv, _, _ := newConversation(relay)

	assert.ErrorIs(t, conv.Resume(context.Background(), "missing"), app.ErrSessionNotFound)
}

func TestEmptyCompletionIsNotPersisted(t *testing.T) {
	relay := &scriptedRelay{}
	conv, _, messages := newConversation(relay)

	require.NoError(t, conv.Send(context.Background(), "hello"))

	saved := messages.bySession(conv.SessionID())
	require.Len(t, saved, 1)
	assert.Equal(t, model.RoleUser, saved[0].Role)

	// The finalized empty entry is still visible.
	transcript := conv.Transcript()
	require.Len(t, transcript, 2)
	assert.False(t, transcript[1].Pending())
}
