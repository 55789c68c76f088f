package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

type mockUpdater struct {
	openedAt       *time.Time
	findErr        error
	userIDs        []string
	unsubscribed   []string
	delivered      []string
	clicked        []string
	bounced        []string
	markDeliverErr error
}

func (m *mockUpdater) MarkDeliveredByProviderID(ctx context.Context, id string, at time.Time) (int64, error) {
	if m.markDeliverErr != nil {
		return 0, m.markDeliverErr
	}
	m.delivered = append(m.delivered, id)
	return 1, nil
}

func (m *mockUpdater) MarkOpenedByProviderID(ctx context.Context, id string, at time.Time) (int64, error) {
	// First open wins, matching the SQL guard.
	if m.openedAt != nil {
		return 0, nil
	}
	m.openedAt = &at
	return 1, nil
}

func (m *mockUpdater) MarkClickedByProviderID(ctx context.Context, id string, at time.Time) (int64, error) {
	m.clicked = append(m.clicked, id)
	return 1, nil
}

func (m *mockUpdater) MarkBouncedByProviderID(ctx context.Context, id string, at time.Time) (int64, error) {
	m.bounced = append(m.bounced, id)
	return 1, nil
}

func (m *mockUpdater) FindUserIDsByProviderID(ctx context.Context, id string) ([]string, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.userIDs, nil
}

func (m *mockUpdater) SetUnsubscribedAll(ctx context.Context, userID string, unsubscribed bool) error {
	if unsubscribed {
		m.unsubscribed = append(m.unsubscribed, userID)
	}
	return nil
}

func event(eventType, emailID string) *Event {
	return &Event{
		Type:      eventType,
		CreatedAt: time.Now(),
		Data:      EventData{EmailID: emailID},
	}
}

func TestApplyDelivered(t *testing.T) {
	store := &mockUpdater{}
	r := NewReconciler(store, zap.NewNop())

	if err := r.Apply(context.Background(), event(EventDelivered, "ses-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.delivered) != 1 || store.delivered[0] != "ses-1" {
		t.Errorf("expected delivered mark for ses-1, got %v", store.delivered)
	}
}

func TestApplyOpenedFirstEventWins(t *testing.T) {
	store := &mockUpdater{}
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	first := &Event{Type: EventOpened, CreatedAt: time.Now().Add(-time.Hour), Data: EventData{EmailID: "ses-1"}}
	second := &Event{Type: EventOpened, CreatedAt: time.Now(), Data: EventData{EmailID: "ses-1"}}

	if err := r.Apply(ctx, first); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := r.Apply(ctx, second); err != nil {
		t.Fatalf("second open: %v", err)
	}

	if store.openedAt == nil {
		t.Fatal("expected openedAt to be set")
	}
	if !store.openedAt.Equal(first.CreatedAt) {
		t.Errorf("expected first open timestamp to win, got %v", store.openedAt)
	}
}

func TestApplyComplaintUnsubscribes(t *testing.T) {
	store := &mockUpdater{userIDs: []string{"u1"}}
	r := NewReconciler(store, zap.NewNop())

	if err := r.Apply(context.Background(), event(EventComplained, "ses-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.unsubscribed) != 1 || store.unsubscribed[0] != "u1" {
		t.Errorf("expected u1 unsubscribed from all email, got %v", store.unsubscribed)
	}
}

func TestApplyUnknownTypeIsIgnored(t *testing.T) {
	store := &mockUpdater{}
	r := NewReconciler(store, zap.NewNop())

	if err := r.Apply(context.Background(), event("email.scheduled", "ses-1")); err != nil {
		t.Fatalf("unknown types must not error: %v", err)
	}
	if len(store.delivered)+len(store.clicked)+len(store.bounced) != 0 {
		t.Error("unknown event type must not touch the store")
	}
}

func TestApplyStoreErrorPropagates(t *testing.T) {
	store := &mockUpdater{markDeliverErr: errors.New("db down")}
	r := NewReconciler(store, zap.NewNop())

	if err := r.Apply(context.Background(), event(EventDelivered, "ses-1")); err == nil {
		t.Fatal("expected store error to propagate for provider retry")
	}
}

func postWebhook(t *testing.T, h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/provider", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("Webhook-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.HandleProviderEvent(rec, req)
	return rec
}

func marshalEvent(t *testing.T, ev *Event) []byte {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestHandlerAcceptsSignedEvent(t *testing.T) {
	store := &mockUpdater{}
	h := NewHandler(NewReconciler(store, zap.NewNop()), "whsec_test", zap.NewNop())

	body := marshalEvent(t, event(EventDelivered, "ses-1"))
	rec := postWebhook(t, h, body, Sign("whsec_test", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(store.delivered) != 1 {
		t.Error("expected event applied")
	}
}

func TestHandlerRejectsInvalidSignature(t *testing.T) {
	store := &mockUpdater{}
	h := NewHandler(NewReconciler(store, zap.NewNop()), "whsec_test", zap.NewNop())

	body := marshalEvent(t, event(EventDelivered, "ses-1"))
	rec := postWebhook(t, h, body, Sign("whsec_wrong", body))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(store.delivered) != 0 {
		t.Error("rejected webhook must not mutate the send log")
	}
}

func TestHandlerRejectsMissingSignature(t *testing.T) {
	h := NewHandler(NewReconciler(&mockUpdater{}, zap.NewNop()), "whsec_test", zap.NewNop())

	rec := postWebhook(t, h, marshalEvent(t, event(EventDelivered, "ses-1")), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with secret configured and no signature, got %d", rec.Code)
	}
}

func TestHandlerAcceptsUnsignedWhenNoSecret(t *testing.T) {
	store := &mockUpdater{}
	h := NewHandler(NewReconciler(store, zap.NewNop()), "", zap.NewNop())

	rec := postWebhook(t, h, marshalEvent(t, event(EventDelivered, "ses-1")), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with verification disabled, got %d", rec.Code)
	}
	if len(store.delivered) != 1 {
		t.Error("expected event applied")
	}
}

func TestHandlerUnparseableBodyIs200(t *testing.T) {
	h := NewHandler(NewReconciler(&mockUpdater{}, zap.NewNop()), "whsec_test", zap.NewNop())

	body := []byte("{not json")
	rec := postWebhook(t, h, body, Sign("whsec_test", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated garbage should be acknowledged, got %d", rec.Code)
	}
}

func TestHandlerInternalErrorIs500(t *testing.T) {
	store := &mockUpdater{markDeliverErr: errors.New("db down")}
	h := NewHandler(NewReconciler(store, zap.NewNop()), "whsec_test", zap.NewNop())

	body := marshalEvent(t, event(EventDelivered, "ses-1"))
	rec := postWebhook(t, h, body, Sign("whsec_test", body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the provider retries, got %d", rec.Code)
	}
}
