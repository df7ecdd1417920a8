package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"deepchat/internal/ai"
	"deepchat/internal/app"
	"deepchat/internal/transport/http/response"
)

type ChatHandler struct {
	chatService *app.ChatService
}

func NewChatHandler(chatService *app.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

type UpdateTitleRequest struct {
	Title string `json:"title"`
}

type SaveMessageRequest struct {
	SessionID string     `json:"sessionId" binding:"required"`
	Role      string     `json:"role" binding:"required"`
	Content   string     `json:"content" binding:"required"`
	Timestamp *time.Time `json:"timestamp"`
}

type ChatRequest struct {
	Messages []ChatMessageRequest `json:"messages" binding:"required"`
}

type ChatMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	session, messages, err := h.chatService.CreateSession(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "create session failed")
		return
	}
	response.OK(c, gin.H{
		"sessionId": session.ID,
		"messages":  messages,
	})
}

func (h *ChatHandler) GetSession(c *gin.Context) {
	session, messages, err := h.chatService.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrSessionNotFound):
			response.Error(c, http.StatusNotFound, "session not found")
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, "invalid session id")
		default:
			response.Error(c, http.StatusInternalServerError, "get session failed")
		}
		return
	}
	response.OK(c, gin.H{
		"sessionId": session.ID,
		"session":   session,
		"messages":  messages,
	})
}

func (h *ChatHandler) UpdateSessionTitle(c *gin.Context) {
	var req UpdateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	err := h.chatService.UpdateSessionTitle(c.Request.Context(), c.Param("id"), req.Title)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, "title must not be empty")
		default:
			response.Error(c, http.StatusInternalServerError, "update session title failed")
		}
		return
	}
	response.OK(c, gin.H{})
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	if err := h.chatService.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, http.StatusInternalServerError, "delete session failed")
		return
	}
	response.OK(c, gin.H{})
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	sessions, err := h.chatService.ListSessions(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "list sessions failed")
		return
	}
	response.OK(c, gin.H{"sessions": sessions})
}

func (h *ChatHandler) SaveMessage(c *gin.Context) {
	var req SaveMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid message data")
		return
	}

	input := app.SaveMessageInput{
		SessionID: req.SessionID,
		Role:      req.Role,
		Content:   req.Content,
	}
	if req.Timestamp != nil {
		input.Timestamp = *req.Timestamp
	}

	message, err := h.chatService.SaveMessage(c.Request.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, "invalid message data")
		case errors.Is(err, app.ErrSessionNotFound):
			response.Error(c, http.StatusNotFound, "session not found")
		default:
			response.Error(c, http.StatusInternalServerError, "save message failed")
		}
		return
	}
	response.OK(c, gin.H{"messageId": message.ID})
}

// Chat relays the upstream completion as a raw incremental byte stream.
// Headers are committed on the first chunk, so a pre-stream upstream failure
// still yields a structured error; after that, failures are reported with a
// single in-band JSON marker and the stream is closed.
func (h *ChatHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		response.Error(c, http.StatusBadRequest, "messages are required")
		return
	}

	history := make([]ai.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		history = append(history, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, "stream not supported")
		return
	}

	started := false
	err := h.chatService.StreamChat(c.Request.Context(), history, func(chunk string) error {
		if !started {
			header := c.Writer.Header()
			header.Set("Content-Type", "text/event-stream")
			header.Set("Cache-Control", "no-cache")
			header.Set("Connection", "keep-alive")
			header.Set("X-Accel-Buffering", "no")
			c.Writer.WriteHeader(http.StatusOK)
			started = true
		}
		if _, writeErr := c.Writer.WriteString(chunk); writeErr != nil {
			return writeErr
		}
		flusher.Flush()
		return nil
	})
	if err == nil {
		return
	}

	if !started {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, "invalid chat history")
		case errors.Is(err, app.ErrLLMConfig):
			response.Error(c, http.StatusInternalServerError, "llm is not configured")
		default:
			response.Error(c, http.StatusBadGateway, "upstream request failed")
		}
		return
	}

	// Bytes are already on the wire; emit the terminal in-band marker.
	marker, _ := json.Marshal(gin.H{"error": err.Error()})
	if _, writeErr := c.Writer.Write(marker); writeErr == nil {
		flusher.Flush()
	}
}
