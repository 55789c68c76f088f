package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/prepstack/prepmail/internal/db"
	"github.com/prepstack/prepmail/internal/redis"
	"github.com/prepstack/prepmail/internal/sqs"
)

type mockUsers struct {
	users map[string]*db.User
	err   error
}

func (m *mockUsers) GetUser(ctx context.Context, userID string) (*db.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.users[userID], nil
}

type mockPrefs struct {
	rows    map[string]*db.EmailPreferences
	ensured []string
	err     error
}

func (m *mockPrefs) EnsurePreferences(ctx context.Context, userID string) (*db.EmailPreferences, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.ensured = append(m.ensured, userID)
	if row, ok := m.rows[userID]; ok {
		return row, nil
	}
	row := defaultPrefs(userID)
	if m.rows == nil {
		m.rows = map[string]*db.EmailPreferences{}
	}
	m.rows[userID] = row
	return row, nil
}

func defaultPrefs(userID string) *db.EmailPreferences {
	return &db.EmailPreferences{
		UserID:               userID,
		ProductUpdates:       true,
		MilestoneEmails:      true,
		WeeklyProgressReport: true,
		AIAnalysisNotifs:     true,
		FeatureUpdates:       true,
		MarketingEmails:      true,
	}
}

type mockAudit struct {
	recorded int
}

func (m *mockAudit) RecordEvent(ctx context.Context, eventType, userID string, eventData json.RawMessage, processed bool) error {
	m.recorded++
	return nil
}

type mockProducer struct {
	messages []*sqs.Message
	err      error
}

func (m *mockProducer) Enqueue(ctx context.Context, msg *sqs.Message) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.messages = append(m.messages, msg)
	return "sqs-" + msg.MessageID, nil
}

// brokenDedup simulates a cache outage on every call.
type brokenDedup struct{}

func (brokenDedup) LastSent(ctx context.Context, userID, emailType string) (*time.Time, error) {
	return nil, errors.New("connection refused")
}

func (brokenDedup) MarkSent(ctx context.Context, userID, emailType string, window time.Duration) error {
	return errors.New("connection refused")
}

func setupCache(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	host, portStr, err := net.SplitHostPort(mr.Addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	client, err := redis.New(context.Background(), redis.Config{Host: host, Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}

	return client, func() {
		client.Close()
		mr.Close()
	}
}

func testUser(id string) *db.User {
	return &db.User{ID: id, Email: id + "@example.com", FirstName: "Alice"}
}

func newOrchestrator(users *mockUsers, prefs *mockPrefs, producer *mockProducer, dedup DedupCache, limiter SendRateLimiter) (*Orchestrator, *mockAudit) {
	audit := &mockAudit{}
	return New(users, prefs, audit, producer, dedup, limiter, zap.NewNop()), audit
}

func TestHandle_WelcomeScenario(t *testing.T) {
	users := &mockUsers{users: map[string]*db.User{"u1": testUser("u1")}}
	prefs := &mockPrefs{}
	producer := &mockProducer{}
	o, audit := newOrchestrator(users, prefs, producer, nil, nil)

	result, err := o.Handle(context.Background(), &DomainEvent{
		EventType: "user.created",
		UserID:    "u1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Success {
		t.Fatalf("expected success, got reason %s", result.Reason)
	}
	if result.EmailType != "welcome" {
		t.Errorf("expected welcome, got %s", result.EmailType)
	}
	if result.QueuedAt == nil {
		t.Error("expected queuedAt to be set")
	}

	if len(producer.messages) != 1 {
		t.Fatalf("expected 1 enqueued message, got %d", len(producer.messages))
	}
	msg := producer.messages[0]
	if msg.Priority != sqs.PriorityHigh {
		t.Errorf("welcome should be high priority, got %s", msg.Priority)
	}
	if !strings.Contains(msg.From, "welcome@") {
		t.Errorf("expected welcome-specific from address, got %s", msg.From)
	}
	if !strings.Contains(msg.Subject, "Welcome") {
		t.Errorf("expected Welcome in subject, got %s", msg.Subject)
	}
	if msg.TemplateData["username"] != "Alice" {
		t.Errorf("template data missing username: %v", msg.TemplateData)
	}
	if msg.To != "u1@example.com" {
		t.Errorf("unexpected to address: %s", msg.To)
	}

	if audit.recorded != 1 {
		t.Errorf("expected 1 audit row, got %d", audit.recorded)
	}
}

func TestHandle_InvalidRequest(t *testing.T) {
	o, _ := newOrchestrator(&mockUsers{}, &mockPrefs{}, &mockProducer{}, nil, nil)

	for _, event := range []*DomainEvent{
		{EventType: "", UserID: "u1"},
		{EventType: "user.created", UserID: ""},
	} {
		result, err := o.Handle(context.Background(), event)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Success || result.Reason != ReasonInvalidRequest {
			t.Errorf("expected INVALID_REQUEST, got %+v", result)
		}
	}
}

func TestHandle_UserNotFound(t *testing.T) {
	o, _ := newOrchestrator(&mockUsers{}, &mockPrefs{}, &mockProducer{}, nil, nil)

	result, err := o.Handle(context.Background(), &DomainEvent{EventType: "user.created", UserID: "ghost"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != ReasonUserNotFound {
		t.Errorf("expected USER_NOT_FOUND, got %+v", result)
	}
}

func TestHandle_NoMapping(t *testing.T) {
	users := &mockUsers{users: map[string]*db.User{"u1": testUser("u1")}}
	producer := &mockProducer{}
	o, _ := newOrchestrator(users, &mockPrefs{}, producer, nil, nil)

	result, err := o.Handle(context.Background(), &DomainEvent{EventType: "quiz.abandoned", UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != ReasonNoMapping {
		t.Errorf("expected NO_MAPPING, got %+v", result)
	}
	if len(producer.messages) != 0 {
		t.Error("unmapped event must not enqueue")
	}
}

func TestHandle_UnsubscribedAllBlocksEverything(t *testing.T) {
	users := &mockUsers{users: map[string]*db.User{"u1": testUser("u1")}}
	unsubscribed := defaultPrefs("u1")
	unsubscribed.UnsubscribedAll = true
	prefs := &mockPrefs{rows: map[string]*db.EmailPreferences{"u1": unsubscribed}}
	producer := &mockProducer{}
	o, _ := newOrchestrator(users, prefs, producer, nil, nil)

	// Every mapped event type is blocked, including account-level ones.
	for eventType := range eventTypeMap {
		result, err := o.Handle(context.Background(), &DomainEvent{EventType: eventType, UserID: "u1"})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", eventType, err)
		}
		if result.Reason != ReasonOptedOut {
			t.Errorf("%s: expected OPTED_OUT, got %+v", eventType, result)
		}
	}
	if len(producer.messages) != 0 {
		t.Error("unsubscribed user must never produce a queued message")
	}
}

func TestHandle_TypeToggleBlocks(t *testing.T) {
	users := &mockUsers{users: map[string]*db.User{"u1": testUser("u1")}}
	row := defaultPrefs("u1")
	row.WeeklyProgressReport = false
	prefs := &mockPrefs{rows: map[string]*db.EmailPreferences{"u1": row}}
	producer := &mockProducer{}
	o, _ := newOrchestrator(users, prefs, producer, nil, nil)

	result, err := o.Handle(context.Background(), &DomainEvent{EventType: "weekly.progress", UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != ReasonOptedOut {
		t.Errorf("expected OPTED_OUT, got %+v", result)
	}

	// A toggle for another category does not block a welcome send.
	result, err = o.Handle(context.Background(), &DomainEvent{EventType: "user.created", UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Errorf("welcome should not be gated by the digest toggle: %+v", result)
	}
}

func TestHandle_PreferencesEnsuredEvenWhenRejected(t *testing.T) {
	users := &mockUsers{users: map[string]*db.User{"u1": testUser("u1")}}
	prefs := &mockPrefs{}
	limiter := alwaysBlockedLimiter{}
	o, _ := newOrchestrator(users, prefs, &mockProducer{}, nil, limiter)

	result, err := o.Handle(context.Background(), &DomainEvent{EventType: "user.created", UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != ReasonRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %+v", result)
	}
	if len(prefs.ensured) != 1 {
		t.Error("preference row must be created even on a rejected path")
	}
}

type alwaysBlockedLimiter struct{}

func (alwaysBlockedLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	return &redis.RateLimitResult{Allowed: false}, nil
}

func TestHandle_DuplicateSuppressed(t *testing.T) {
	client, cleanup := setupCache(t)
	defer cleanup()

	users := &mockUsers{users: map[string]*db.User{"u2": testUser("u2")}}
	producer := &mockProducer{}
	dedup := redis.NewDedupService(client, zap.NewNop())
	o, _ := newOrchestrator(users, &mockPrefs{}, producer, dedup, nil)

	event := &DomainEvent{EventType: "quiz.perfect_score", UserID: "u2", EventData: map[string]any{}}

	first, err := o.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("first event failed: %v", err)
	}
	if !first.Success {
		t.Fatalf("first event should enqueue, got %+v", first)
	}

	second, err := o.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("second event failed: %v", err)
	}
	if second.Success || second.Reason != ReasonDuplicateSuppressed {
		t.Fatalf("expected DUPLICATE_SUPPRESSED, got %+v", second)
	}

	if len(producer.messages) != 1 {
		t.Errorf("expected exactly 1 enqueue, got %d", len(producer.messages))
	}
}

func TestHandle_DedupFailsOpen(t *testing.T) {
	users := &mockUsers{users: map[string]*db.User{"u1": testUser("u1")}}
	producer := &mockProducer{}
	o, _ := newOrchestrator(users, &mockPrefs{}, producer, brokenDedup{}, nil)

	result, err := o.Handle(context.Background(), &DomainEvent{EventType: "user.created", UserID: "u1"})
	if err != nil {
		t.Fatalf("cache outage must not fail the event: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected fail-open enqueue, got %+v", result)
	}
	if len(producer.messages) != 1 {
		t.Errorf("expected enqueue despite cache outage, got %d messages", len(producer.messages))
	}
}

func TestHandle_RateLimitEleventh(t *testing.T) {
	client, cleanup := setupCache(t)
	defer cleanup()

	users := &mockUsers{users: map[string]*db.User{"u1": testUser("u1")}}
	producer := &mockProducer{}
	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{
		Limit:  10,
		Window: time.Hour,
	})
	o, _ := newOrchestrator(users, &mockPrefs{}, producer, nil, limiter)

	// quiz_summary has a 24h dedup window but no dedup cache is wired
	// here, so every event reaches the rate limiter.
	for i := 0; i < 10; i++ {
		result, err := o.Handle(context.Background(), &DomainEvent{EventType: "quiz.completed", UserID: "u1"})
		if err != nil {
			t.Fatalf("event %d failed: %v", i, err)
		}
		if !result.Success {
			t.Fatalf("event %d should pass, got %+v", i, result)
		}
	}

	result, err := o.Handle(context.Background(), &DomainEvent{EventType: "quiz.completed", UserID: "u1"})
	if err != nil {
		t.Fatalf("11th event failed: %v", err)
	}
	if result.Success || result.Reason != ReasonRateLimited {
		t.Fatalf("11th event should be RATE_LIMITED, got %+v", result)
	}
}

func TestHandle_EnqueueFailureIsHardError(t *testing.T) {
	users := &mockUsers{users: map[string]*db.User{"u1": testUser("u1")}}
	producer := &mockProducer{err: errors.New("sqs unavailable")}
	o, audit := newOrchestrator(users, &mockPrefs{}, producer, nil, nil)

	result, err := o.Handle(context.Background(), &DomainEvent{EventType: "user.created", UserID: "u1"})
	if err == nil {
		t.Fatal("enqueue failure must propagate as an error")
	}
	if result != nil {
		t.Errorf("no result on hard error, got %+v", result)
	}
	if audit.recorded != 0 {
		t.Error("no audit row when enqueue failed")
	}
}

func TestHandle_PriorityClassification(t *testing.T) {
	users := &mockUsers{users: map[string]*db.User{"u1": testUser("u1")}}
	producer := &mockProducer{}
	o, _ := newOrchestrator(users, &mockPrefs{}, producer, nil, nil)

	cases := []struct {
		eventType string
		priority  string
	}{
		{"user.created", sqs.PriorityHigh},
		{"quiz.completed", sqs.PriorityNormal},
		{"weekly.progress", sqs.PriorityLow},
	}

	for _, tc := range cases {
		producer.messages = nil
		result, err := o.Handle(context.Background(), &DomainEvent{EventType: tc.eventType, UserID: "u1"})
		if err != nil || !result.Success {
			t.Fatalf("%s: handle failed: %v %+v", tc.eventType, err, result)
		}
		if producer.messages[0].Priority != tc.priority {
			t.Errorf("%s: expected priority %s, got %s", tc.eventType, tc.priority, producer.messages[0].Priority)
		}
	}
}
