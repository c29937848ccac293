package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tinyteams/booking-agent/internal/transcript"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

// TranscriptHandler serves stored conversation history.
type TranscriptHandler struct {
	store  *transcript.Store
	logger *logging.Logger
}

// NewTranscriptHandler creates a transcript handler. A nil store disables the
// endpoint with 503 responses instead of panicking, matching the optional
// transcript persistence.
func NewTranscriptHandler(store *transcript.Store, logger *logging.Logger) *TranscriptHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &TranscriptHandler{store: store, logger: logger}
}

type messageBody struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type conversationBody struct {
	ConversationID string        `json:"conversation_id"`
	Status         string        `json:"status"`
	MessageCount   int           `json:"message_count"`
	StartedAt      string        `json:"started_at"`
	Messages       []messageBody `json:"messages"`
}

// GetConversation processes GET /v1/conversations/{conversationID}.
func (h *TranscriptHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript persistence disabled")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")
	if strings.TrimSpace(conversationID) == "" {
		writeError(w, http.StatusBadRequest, "conversation id required")
		return
	}

	rec, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to load conversation", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	messages, err := h.store.GetMessages(r.Context(), conversationID, limit)
	if err != nil {
		h.logger.Error("failed to load messages", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	body := conversationBody{
		ConversationID: rec.ConversationID,
		Status:         rec.Status,
		MessageCount:   rec.MessageCount,
		StartedAt:      rec.StartedAt.Format(time.RFC3339),
		Messages:       make([]messageBody, 0, len(messages)),
	}
	for _, msg := range messages {
		body.Messages = append(body.Messages, messageBody{
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, body)
}
