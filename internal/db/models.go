package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User is the directory view of a platform account. User ids come from
// the auth provider and are opaque strings, not UUIDs.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	CreatedAt time.Time `json:"created_at"`
}

// EmailPreferences holds one row per user. Rows are created lazily on
// the first event for a user with every toggle defaulting to true.
// UnsubscribedAll overrides every per-category toggle.
type EmailPreferences struct {
	UserID               string     `json:"user_id"`
	ProductUpdates       bool       `json:"product_updates"`
	MilestoneEmails      bool       `json:"milestone_emails"`
	WeeklyProgressReport bool       `json:"weekly_progress_report"`
	AIAnalysisNotifs     bool       `json:"ai_analysis_notifs"`
	FeatureUpdates       bool       `json:"feature_updates"`
	MarketingEmails      bool       `json:"marketing_emails"`
	UnsubscribedAll      bool       `json:"unsubscribed_all"`
	UnsubscribedAt       *time.Time `json:"unsubscribed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// EmailLog is one row per send attempt.
//
// Status moves linearly: sending -> sent -> delivered -> opened -> clicked.
// failed is terminal for the attempt; bounced can follow sent or delivered.
// OpenedAt and ClickedAt record the first occurrence only — later
// duplicate webhook events never overwrite them.
type EmailLog struct {
	ID                uuid.UUID       `json:"id"`
	MessageID         string          `json:"message_id"`
	UserID            string          `json:"user_id"`
	EmailType         string          `json:"email_type"`
	ToAddress         string          `json:"to"`
	FromAddress       string          `json:"from"`
	Subject           string          `json:"subject"`
	Status            string          `json:"status"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	RetryCount        int             `json:"retry_count"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time      `json:"opened_at,omitempty"`
	ClickedAt         *time.Time      `json:"clicked_at,omitempty"`
	BouncedAt         *time.Time      `json:"bounced_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
}

// Email log status constants
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusOpened    = "opened"
	StatusClicked   = "clicked"
	StatusBounced   = "bounced"
	StatusFailed    = "failed"
)

// EventAudit records every domain event the orchestrator accepted,
// kept for diagnosing "the email never arrived" reports.
type EventAudit struct {
	ID        uuid.UUID       `json:"id"`
	EventType string          `json:"event_type"`
	UserID    string          `json:"user_id"`
	EventData json.RawMessage `json:"event_data,omitempty"`
	Processed bool            `json:"processed"`
	CreatedAt time.Time       `json:"created_at"`
}

// EmailTemplate is a registry row pointing at a compiled template
// component by opaque key. Rows can be deactivated without a deploy;
// the renderer then falls back to the built-in static table.
type EmailTemplate struct {
	ID           uuid.UUID `json:"id"`
	EmailType    string    `json:"email_type"`
	ComponentKey string    `json:"component_key"`
	Subject      string    `json:"subject"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
