// Package orchestrator decides whether a domain event becomes a queued
// email. Expected business rejections come back as Result values;
// errors are reserved for infrastructure failures the caller should
// surface.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/prepstack/prepmail/internal/db"
	"github.com/prepstack/prepmail/internal/metrics"
	"github.com/prepstack/prepmail/internal/redis"
	"github.com/prepstack/prepmail/internal/sqs"
)

// Rejection reason codes. These are contract values returned to
// callers; they are expected conditions, never alarmed on or retried.
const (
	ReasonInvalidRequest      = "INVALID_REQUEST"
	ReasonUnauthorized        = "UNAUTHORIZED"
	ReasonUserNotFound        = "USER_NOT_FOUND"
	ReasonNoMapping           = "NO_MAPPING"
	ReasonOptedOut            = "OPTED_OUT"
	ReasonDuplicateSuppressed = "DUPLICATE_SUPPRESSED"
	ReasonRateLimited         = "RATE_LIMITED"
)

// DomainEvent is an occurrence in the product that may trigger an
// email. Field names match the wire format external callers produce.
type DomainEvent struct {
	EventType string         `json:"eventType"`
	UserID    string         `json:"userId"`
	EventData map[string]any `json:"eventData,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// Result is the outcome of an eligibility decision.
type Result struct {
	Success   bool       `json:"success"`
	Reason    string     `json:"reason,omitempty"`
	EmailType string     `json:"emailType,omitempty"`
	QueuedAt  *time.Time `json:"queuedAt,omitempty"`
}

// UserDirectory resolves user ids to accounts.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*db.User, error)
}

// PreferenceStore provides lazily-created preference rows.
type PreferenceStore interface {
	EnsurePreferences(ctx context.Context, userID string) (*db.EmailPreferences, error)
}

// AuditLog records accepted events for diagnosability.
type AuditLog interface {
	RecordEvent(ctx context.Context, eventType, userID string, eventData json.RawMessage, processed bool) error
}

// Enqueuer hands the built message to the queue. Enqueue failure is a
// hard error, never fail-open: "could not guarantee delivery" must be
// distinguishable from "chose not to send".
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *sqs.Message) (string, error)
}

// DedupCache answers "was this type sent to this user recently".
type DedupCache interface {
	LastSent(ctx context.Context, userID, emailType string) (*time.Time, error)
	MarkSent(ctx context.Context, userID, emailType string, window time.Duration) error
}

// SendRateLimiter caps per-user send volume.
type SendRateLimiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// Orchestrator runs the eligibility pipeline. dedup and limiter may be
// nil (cache not configured); both then behave as permanently open.
type Orchestrator struct {
	users    UserDirectory
	prefs    PreferenceStore
	audit    AuditLog
	producer Enqueuer
	dedup    DedupCache
	limiter  SendRateLimiter
	logger   *zap.Logger
}

// New creates an orchestrator.
func New(users UserDirectory, prefs PreferenceStore, audit AuditLog, producer Enqueuer, dedup DedupCache, limiter SendRateLimiter, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		users:    users,
		prefs:    prefs,
		audit:    audit,
		producer: producer,
		dedup:    dedup,
		limiter:  limiter,
		logger:   logger,
	}
}

func reject(reason string) *Result {
	metrics.RecordEventRejected(reason)
	return &Result{Success: false, Reason: reason}
}

// Handle runs the full eligibility pipeline for one event. An error
// return means infrastructure failed mid-decision; a Result with
// Success=false is an ordinary business rejection.
//
// There is no lock between the dedup check and the marker write: two
// concurrent events for the same (user, type) can both pass. Accepted —
// the cache is fail-open by design and cannot also be a mutex.
func (o *Orchestrator) Handle(ctx context.Context, event *DomainEvent) (*Result, error) {
	if event.EventType == "" || event.UserID == "" {
		return reject(ReasonInvalidRequest), nil
	}

	user, err := o.users.GetUser(ctx, event.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		// Frequent and expected: events race account deletion.
		o.logger.Debug("event for unknown user",
			zap.String("event_type", event.EventType),
			zap.String("user_id", event.UserID),
		)
		return reject(ReasonUserNotFound), nil
	}

	emailType, ok := eventTypeMap[event.EventType]
	if !ok {
		return reject(ReasonNoMapping), nil
	}

	// Ensuring the row is a deliberate side effect even when the send
	// is later rejected: the user's preference page needs a row to
	// edit.
	prefs, err := o.prefs.EnsurePreferences(ctx, event.UserID)
	if err != nil {
		return nil, err
	}

	if prefs.UnsubscribedAll || !allowedByPreferences(prefs, emailType) {
		return reject(ReasonOptedOut), nil
	}

	if o.dedup != nil {
		last := failOpen(o.logger, "dedup check", nil, func() (*time.Time, error) {
			return o.dedup.LastSent(ctx, event.UserID, emailType)
		})
		if last != nil {
			o.logger.Info("duplicate send suppressed",
				zap.String("user_id", event.UserID),
				zap.String("email_type", emailType),
				zap.Time("last_sent", *last),
			)
			return reject(ReasonDuplicateSuppressed), nil
		}
	}

	if o.limiter != nil {
		allowed := failOpen(o.logger, "rate limit", true, func() (bool, error) {
			result, err := o.limiter.Allow(ctx, "user:"+event.UserID)
			if err != nil {
				return true, err
			}
			return result.Allowed, nil
		})
		if !allowed {
			return reject(ReasonRateLimited), nil
		}
	}

	now := time.Now()
	msg := o.buildMessage(now, user, emailType, event.EventData)

	if _, err := o.producer.Enqueue(ctx, msg); err != nil {
		return nil, err
	}

	metrics.RecordEmailEnqueued(emailType, msg.Priority)
	o.logger.Info("email enqueued",
		zap.String("message_id", msg.MessageID),
		zap.String("user_id", event.UserID),
		zap.String("email_type", emailType),
		zap.String("priority", msg.Priority),
	)

	// Post-enqueue bookkeeping is best-effort: the email is already
	// committed to the queue.
	if o.dedup != nil {
		if err := o.dedup.MarkSent(ctx, event.UserID, emailType, dedupWindowFor(emailType)); err != nil {
			o.logger.Warn("failed to write dedup marker",
				zap.Error(err),
				zap.String("user_id", event.UserID),
				zap.String("email_type", emailType),
			)
		}
	}

	if o.audit != nil {
		eventData, _ := json.Marshal(event.EventData)
		if err := o.audit.RecordEvent(ctx, event.EventType, event.UserID, eventData, true); err != nil {
			o.logger.Warn("failed to record event audit", zap.Error(err))
		}
	}

	return &Result{
		Success:   true,
		EmailType: emailType,
		QueuedAt:  &now,
	}, nil
}

func (o *Orchestrator) buildMessage(now time.Time, user *db.User, emailType string, eventData map[string]any) *sqs.Message {
	templateData := make(map[string]any, len(eventData)+1)
	for k, v := range eventData {
		templateData[k] = v
	}
	templateData["username"] = user.FirstName

	return &sqs.Message{
		MessageID:    sqs.NewMessageID(now, user.ID, emailType),
		EmailType:    emailType,
		UserID:       user.ID,
		To:           user.Email,
		From:         fromFor(emailType),
		Subject:      subjectFor(emailType),
		TemplateData: templateData,
		Priority:     priorityFor(emailType),
		CreatedAt:    now.Unix(),
		RetryCount:   0,
	}
}
