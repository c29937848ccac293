// Package handlers exposes the booking engine over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tinyteams/booking-agent/internal/engine"
	"github.com/tinyteams/booking-agent/pkg/logging"
)

// turnEngine is the engine surface the handler needs.
type turnEngine interface {
	HandleTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
}

// TurnHandler accepts inbound chat messages and returns the engine's reply.
type TurnHandler struct {
	engine turnEngine
	logger *logging.Logger
}

// NewTurnHandler creates a turn handler. The engine is required.
func NewTurnHandler(eng turnEngine, logger *logging.Logger) *TurnHandler {
	if eng == nil {
		panic("handlers: engine cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TurnHandler{engine: eng, logger: logger}
}

type turnRequestBody struct {
	Message string `json:"message"`
}

type bookingBody struct {
	Status        string `json:"status"`
	AppointmentID string `json:"appointment_id,omitempty"`
	Start         string `json:"start,omitempty"`
}

type turnResponseBody struct {
	ConversationID string       `json:"conversation_id"`
	Intent         string       `json:"intent,omitempty"`
	Action         string       `json:"action,omitempty"`
	Message        string       `json:"message,omitempty"`
	Superseded     bool         `json:"superseded,omitempty"`
	Booking        *bookingBody `json:"booking,omitempty"`
}

// HandleMessage processes POST /v1/conversations/{conversationID}/messages.
func (h *TurnHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if strings.TrimSpace(conversationID) == "" {
		writeError(w, http.StatusBadRequest, "conversation id required")
		return
	}

	var body turnRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}

	result, err := h.engine.HandleTurn(r.Context(), engine.TurnRequest{
		ConversationID: conversationID,
		Message:        body.Message,
	})
	if err != nil {
		h.logger.Error("turn processing failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	resp := turnResponseBody{
		ConversationID: result.ConversationID,
		Intent:         string(result.Intent),
		Action:         string(result.Action),
		Message:        result.Message,
		Superseded:     result.Superseded,
	}
	if result.Booking != nil {
		resp.Booking = &bookingBody{
			Status:        string(result.Booking.Status),
			AppointmentID: result.Booking.AppointmentID,
			Start:         result.Booking.Start.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
