package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const signatureHeader = "Webhook-Signature"

// Handler is the HTTP surface for provider callbacks.
type Handler struct {
	reconciler *Reconciler
	secret     string
	logger     *zap.Logger
}

// NewHandler creates the webhook HTTP handler. An empty secret disables
// verification entirely, which is acceptable only in development; the
// config layer refuses to start production without one.
func NewHandler(reconciler *Reconciler, secret string, logger *zap.Logger) *Handler {
	if secret == "" {
		logger.Warn("UNSAFE: webhook signature verification disabled, all callbacks will be accepted")
	}
	return &Handler{
		reconciler: reconciler,
		secret:     secret,
		logger:     logger,
	}
}

// HandleProviderEvent handles POST /v1/webhooks/provider.
//
// 200 means the event is settled and must not be redelivered — that
// includes unknown types and events matching no rows. 500 is reserved
// for internal failures where the provider's retry is wanted.
func (h *Handler) HandleProviderEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read failed"})
		return
	}

	if h.secret != "" {
		if !VerifySignature(h.secret, body, r.Header.Get(signatureHeader)) {
			h.logger.Warn("rejected webhook with missing or invalid signature")
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}
	}

	ev, err := ParseEvent(body)
	if err != nil {
		// A body that authenticated but does not parse is the
		// provider's bug; retrying it will not help.
		h.logger.Warn("ignoring unparseable webhook payload", zap.Error(err))
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err := h.reconciler.Apply(r.Context(), ev); err != nil {
		h.logger.Error("webhook reconciliation failed",
			zap.Error(err),
			zap.String("event_type", ev.Type),
		)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
