package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prepstack/prepmail/internal/metrics"
)

// Provider event types we reconcile. Anything else is acknowledged and
// dropped so the provider does not retry it forever.
const (
	EventDelivered  = "email.delivered"
	EventOpened     = "email.opened"
	EventClicked    = "email.clicked"
	EventBounced    = "email.bounced"
	EventComplained = "email.complained"
)

// Event is the provider's callback payload.
type Event struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      EventData `json:"data"`
}

// EventData identifies the send the event refers to.
type EventData struct {
	EmailID string `json:"email_id"`
	To      string `json:"to"`
	Subject string `json:"subject"`
}

// SendLogUpdater is the slice of the repository the reconciler needs.
// The ByProviderID updates guard in SQL so the first open and first
// click win; they return the number of rows changed.
type SendLogUpdater interface {
	MarkDeliveredByProviderID(ctx context.Context, providerMessageID string, at time.Time) (int64, error)
	MarkOpenedByProviderID(ctx context.Context, providerMessageID string, at time.Time) (int64, error)
	MarkClickedByProviderID(ctx context.Context, providerMessageID string, at time.Time) (int64, error)
	MarkBouncedByProviderID(ctx context.Context, providerMessageID string, at time.Time) (int64, error)
	FindUserIDsByProviderID(ctx context.Context, providerMessageID string) ([]string, error)
	SetUnsubscribedAll(ctx context.Context, userID string, unsubscribed bool) error
}

// Reconciler applies provider delivery events to the send log.
type Reconciler struct {
	store  SendLogUpdater
	logger *zap.Logger
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(store SendLogUpdater, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Apply reconciles one parsed event. A nil error means the event was
// handled (including "matched nothing" and "unknown type" — both are
// final outcomes the provider must not redeliver).
func (r *Reconciler) Apply(ctx context.Context, ev *Event) error {
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	logger := r.logger.With(
		zap.String("event_type", ev.Type),
		zap.String("provider_message_id", ev.Data.EmailID),
	)

	var (
		updated int64
		err     error
	)

	switch ev.Type {
	case EventDelivered:
		updated, err = r.store.MarkDeliveredByProviderID(ctx, ev.Data.EmailID, at)
	case EventOpened:
		updated, err = r.store.MarkOpenedByProviderID(ctx, ev.Data.EmailID, at)
	case EventClicked:
		updated, err = r.store.MarkClickedByProviderID(ctx, ev.Data.EmailID, at)
	case EventBounced:
		updated, err = r.store.MarkBouncedByProviderID(ctx, ev.Data.EmailID, at)
	case EventComplained:
		return r.applyComplaint(ctx, ev, at, logger)
	default:
		logger.Info("ignoring unhandled webhook event type")
		metrics.RecordWebhookEvent(ev.Type, "ignored")
		return nil
	}

	if err != nil {
		metrics.RecordWebhookEvent(ev.Type, "error")
		return fmt.Errorf("failed to apply %s: %w", ev.Type, err)
	}

	if updated > 0 {
		metrics.RecordWebhookEvent(ev.Type, "applied")
		logger.Info("webhook event applied", zap.Int64("rows", updated))
	} else {
		// Zero rows is normal: a duplicate open/click, or an event for
		// a send this system did not produce.
		metrics.RecordWebhookEvent(ev.Type, "noop")
		logger.Info("webhook event matched no rows")
	}

	return nil
}

// applyComplaint stamps the send log and, more importantly, flips the
// user's global unsubscribe. The flip is irreversible by this pipeline;
// re-subscribing takes explicit user action elsewhere.
func (r *Reconciler) applyComplaint(ctx context.Context, ev *Event, at time.Time, logger *zap.Logger) error {
	updated, err := r.store.MarkBouncedByProviderID(ctx, ev.Data.EmailID, at)
	if err != nil {
		metrics.RecordWebhookEvent(ev.Type, "error")
		return fmt.Errorf("failed to mark complained send: %w", err)
	}

	userIDs, err := r.store.FindUserIDsByProviderID(ctx, ev.Data.EmailID)
	if err != nil {
		metrics.RecordWebhookEvent(ev.Type, "error")
		return fmt.Errorf("failed to resolve complaining user: %w", err)
	}

	for _, userID := range userIDs {
		if err := r.store.SetUnsubscribedAll(ctx, userID, true); err != nil {
			metrics.RecordWebhookEvent(ev.Type, "error")
			return fmt.Errorf("failed to unsubscribe user %s: %w", userID, err)
		}
		logger.Warn("spam complaint received, user unsubscribed from all email",
			zap.String("user_id", userID),
		)
	}

	if len(userIDs) == 0 && updated == 0 {
		metrics.RecordWebhookEvent(ev.Type, "unmatched")
		logger.Warn("complaint matched no send log rows")
		return nil
	}

	metrics.RecordWebhookEvent(ev.Type, "applied")
	return nil
}

// ParseEvent decodes a raw webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("webhook payload missing type")
	}
	return &ev, nil
}
