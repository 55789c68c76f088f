// Package api is the HTTP surface: event ingestion for the
// orchestrator plus read endpoints over the send log.
package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prepstack/prepmail/internal/db"
	"github.com/prepstack/prepmail/internal/orchestrator"
)

const eventSignatureHeader = "X-Event-Signature"

// SendLogReader is the read slice of the repository the API needs.
type SendLogReader interface {
	GetEmailLog(ctx context.Context, id uuid.UUID) (*db.EmailLog, error)
	ListEmailLogsByUser(ctx context.Context, userID string, limit, offset int) ([]*db.EmailLog, error)
}

// EventResponse is the body for POST /v1/events. Business rejections
// ride a 200 with Success=false and a Reason; HTTP error codes are
// reserved for malformed or unauthenticated requests and for
// infrastructure failure.
type EventResponse struct {
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	EmailType string `json:"emailType,omitempty"`
	QueuedAt  string `json:"queuedAt,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	orch        *orchestrator.Orchestrator
	sends       SendLogReader
	eventSecret string
}

// NewHandler creates a new API handler. An empty eventSecret disables
// event signature checks; the config layer refuses that in production.
func NewHandler(logger *zap.Logger, orch *orchestrator.Orchestrator, sends SendLogReader, eventSecret string) *Handler {
	if eventSecret == "" {
		logger.Warn("UNSAFE: event signature verification disabled, all event posts will be accepted")
	}
	return &Handler{
		logger:      logger,
		orch:        orch,
		sends:       sends,
		eventSecret: eventSecret,
	}
}

// HandleEvent handles POST /v1/events.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "read_error", "Failed to read request body", "")
		return
	}

	if h.eventSecret != "" && !h.verifyEventSignature(body, r.Header.Get(eventSignatureHeader)) {
		h.logger.Warn("rejected event with missing or invalid signature")
		h.writeJSON(w, http.StatusUnauthorized, EventResponse{
			Success: false,
			Reason:  orchestrator.ReasonUnauthorized,
		})
		return
	}

	var event orchestrator.DomainEvent
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&event); err != nil {
		h.writeJSON(w, http.StatusBadRequest, EventResponse{
			Success: false,
			Reason:  orchestrator.ReasonInvalidRequest,
		})
		return
	}

	result, err := h.orch.Handle(ctx, &event)
	if err != nil {
		h.logger.Error("event handling failed",
			zap.Error(err),
			zap.String("event_type", event.EventType),
			zap.String("user_id", event.UserID),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process event", "")
		return
	}

	resp := EventResponse{
		Success:   result.Success,
		Reason:    result.Reason,
		EmailType: result.EmailType,
	}
	if result.QueuedAt != nil {
		resp.QueuedAt = result.QueuedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}

	status := http.StatusOK
	if result.Reason == orchestrator.ReasonInvalidRequest {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) verifyEventSignature(body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.eventSecret))
	mac.Write(body)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, expected)
}

// GetSend handles GET /v1/sends/{id}
func (h *Handler) GetSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	logID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid send ID", "ID must be a valid UUID")
		return
	}

	entry, err := h.sends.GetEmailLog(ctx, logID)
	if err != nil {
		h.logger.Warn("send log lookup failed",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Send not found", "")
		return
	}

	h.writeJSON(w, http.StatusOK, entry)
}

// ListSends handles GET /v1/sends?user_id=xxx&limit=20&offset=0
func (h *Handler) ListSends(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	logs, err := h.sends.ListEmailLogsByUser(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list sends",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list sends", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   logs,
		"limit":  limit,
		"offset": offset,
		"count":  len(logs),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
