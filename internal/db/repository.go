package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for the email pipeline:
// user directory reads, preference rows, the send log, the template
// registry, and the domain event audit trail.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetUser looks up a user by id. Returns (nil, nil) when the user does
// not exist — absent users are an expected, frequent condition for the
// orchestrator, not an error.
func (r *Repository) GetUser(ctx context.Context, userID string) (*User, error) {
	query := `
		SELECT id, email, first_name, created_at
		FROM users
		WHERE id = $1
	`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&u.ID,
		&u.Email,
		&u.FirstName,
		&u.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		r.logger.Error("failed to get user",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &u, nil
}

const preferenceColumns = `
	user_id, product_updates, milestone_emails, weekly_progress_report,
	ai_analysis_notifs, feature_updates, marketing_emails,
	unsubscribed_all, unsubscribed_at, created_at, updated_at
`

func scanPreferences(row pgx.Row) (*EmailPreferences, error) {
	var p EmailPreferences
	err := row.Scan(
		&p.UserID,
		&p.ProductUpdates,
		&p.MilestoneEmails,
		&p.WeeklyProgressReport,
		&p.AIAnalysisNotifs,
		&p.FeatureUpdates,
		&p.MarketingEmails,
		&p.UnsubscribedAll,
		&p.UnsubscribedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPreferences retrieves a user's preference row.
// Returns (nil, nil) when no row exists yet.
func (r *Repository) GetPreferences(ctx context.Context, userID string) (*EmailPreferences, error) {
	query := `SELECT ` + preferenceColumns + ` FROM email_preferences WHERE user_id = $1`

	prefs, err := scanPreferences(r.db.Pool().QueryRow(ctx, query, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	return prefs, nil
}

// EnsurePreferences returns the user's preference row, creating it with
// every toggle defaulting to true if it does not exist. The insert is
// idempotent under concurrent calls for the same user.
func (r *Repository) EnsurePreferences(ctx context.Context, userID string) (*EmailPreferences, error) {
	insert := `
		INSERT INTO email_preferences (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`

	if _, err := r.db.Pool().Exec(ctx, insert, userID); err != nil {
		return nil, fmt.Errorf("insert preferences: %w", err)
	}

	prefs, err := r.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if prefs == nil {
		return nil, fmt.Errorf("preferences missing after insert: %s", userID)
	}

	return prefs, nil
}

// SetUnsubscribedAll flips the global unsubscribe flag. Used by the
// webhook reconciler on a spam complaint; the system never flips it
// back — re-subscription requires explicit user action.
func (r *Repository) SetUnsubscribedAll(ctx context.Context, userID string, unsubscribed bool) error {
	query := `
		UPDATE email_preferences
		SET unsubscribed_all = $1,
		    unsubscribed_at = CASE WHEN $1 THEN NOW() ELSE NULL END,
		    updated_at = NOW()
		WHERE user_id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, unsubscribed, userID)
	if err != nil {
		r.logger.Error("failed to set unsubscribed_all",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return fmt.Errorf("update preferences: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("preferences not found: %s", userID)
	}

	return nil
}

const emailLogColumns = `
	id, message_id, user_id, email_type, to_address, from_address, subject,
	status, provider_message_id, retry_count, error_message, metadata,
	created_at, sent_at, delivered_at, opened_at, clicked_at, bounced_at, failed_at
`

func scanEmailLog(row pgx.Row) (*EmailLog, error) {
	var e EmailLog
	err := row.Scan(
		&e.ID,
		&e.MessageID,
		&e.UserID,
		&e.EmailType,
		&e.ToAddress,
		&e.FromAddress,
		&e.Subject,
		&e.Status,
		&e.ProviderMessageID,
		&e.RetryCount,
		&e.ErrorMessage,
		&e.Metadata,
		&e.CreatedAt,
		&e.SentAt,
		&e.DeliveredAt,
		&e.OpenedAt,
		&e.ClickedAt,
		&e.BouncedAt,
		&e.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateSendingLog inserts a send-log row in status "sending", keyed by
// the queue message id. If a row for the message id already exists
// (queue redelivery), the existing row is returned with created=false
// so the consumer can decide whether the attempt was already handled.
func (r *Repository) CreateSendingLog(ctx context.Context, log *EmailLog) (*EmailLog, bool, error) {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	insert := `
		INSERT INTO email_log (
			id, message_id, user_id, email_type, to_address, from_address,
			subject, status, retry_count, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, insert,
		log.ID,
		log.MessageID,
		log.UserID,
		log.EmailType,
		log.ToAddress,
		log.FromAddress,
		log.Subject,
		log.Status,
		log.RetryCount,
		log.Metadata,
	).Scan(&log.CreatedAt)

	if err == nil {
		return log, true, nil
	}

	if err != pgx.ErrNoRows {
		r.logger.Error("failed to create send log",
			zap.Error(err),
			zap.String("message_id", log.MessageID),
		)
		return nil, false, fmt.Errorf("insert email log: %w", err)
	}

	// Conflict: a previous delivery of this queue message already
	// created the row.
	existing, err := r.GetEmailLogByMessageID(ctx, log.MessageID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("email log missing after conflict: %s", log.MessageID)
	}

	return existing, false, nil
}

// MarkSent records a successful provider handoff.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	query := `
		UPDATE email_log
		SET status = $1, provider_message_id = $2, sent_at = NOW(), error_message = NULL
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusSent, providerMessageID, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("email log not found: %s", id)
	}

	return nil
}

// MarkFailed records a failed send attempt with the provider or
// rendering error message.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	query := `
		UPDATE email_log
		SET status = $1, error_message = $2, failed_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusFailed, errorMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("email log not found: %s", id)
	}

	return nil
}

// GetEmailLog retrieves a send-log row by id
func (r *Repository) GetEmailLog(ctx context.Context, id uuid.UUID) (*EmailLog, error) {
	query := `SELECT ` + emailLogColumns + ` FROM email_log WHERE id = $1`

	log, err := scanEmailLog(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("email log not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query email log: %w", err)
	}

	return log, nil
}

// GetEmailLogByMessageID retrieves a send-log row by queue message id.
// Returns (nil, nil) when no row exists.
func (r *Repository) GetEmailLogByMessageID(ctx context.Context, messageID string) (*EmailLog, error) {
	query := `SELECT ` + emailLogColumns + ` FROM email_log WHERE message_id = $1`

	log, err := scanEmailLog(r.db.Pool().QueryRow(ctx, query, messageID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query email log by message id: %w", err)
	}

	return log, nil
}

// ListEmailLogsByUser retrieves send-log rows for a user with pagination
func (r *Repository) ListEmailLogsByUser(ctx context.Context, userID string, limit, offset int) ([]*EmailLog, error) {
	query := `
		SELECT ` + emailLogColumns + `
		FROM email_log
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query email logs: %w", err)
	}
	defer rows.Close()

	var logs []*EmailLog
	for rows.Next() {
		log, err := scanEmailLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return logs, nil
}

// MarkDeliveredByProviderID stamps delivered_at on every log row
// matching the provider message id whose delivered_at is still unset.
// Returns the number of rows updated.
func (r *Repository) MarkDeliveredByProviderID(ctx context.Context, providerMessageID string, at time.Time) (int64, error) {
	query := `
		UPDATE email_log
		SET status = $1, delivered_at = $2
		WHERE provider_message_id = $3 AND delivered_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusDelivered, at, providerMessageID)
	if err != nil {
		return 0, fmt.Errorf("mark delivered: %w", err)
	}

	return result.RowsAffected(), nil
}

// MarkOpenedByProviderID records the first open. Subsequent open events
// for the same provider message id are no-ops.
func (r *Repository) MarkOpenedByProviderID(ctx context.Context, providerMessageID string, at time.Time) (int64, error) {
	query := `
		UPDATE email_log
		SET status = $1, opened_at = $2
		WHERE provider_message_id = $3 AND opened_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusOpened, at, providerMessageID)
	if err != nil {
		return 0, fmt.Errorf("mark opened: %w", err)
	}

	return result.RowsAffected(), nil
}

// MarkClickedByProviderID records the first click only, like opens.
func (r *Repository) MarkClickedByProviderID(ctx context.Context, providerMessageID string, at time.Time) (int64, error) {
	query := `
		UPDATE email_log
		SET status = $1, clicked_at = $2
		WHERE provider_message_id = $3 AND clicked_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusClicked, at, providerMessageID)
	if err != nil {
		return 0, fmt.Errorf("mark clicked: %w", err)
	}

	return result.RowsAffected(), nil
}

// MarkBouncedByProviderID stamps bounced_at; a bounce can arrive after
// either sent or delivered.
func (r *Repository) MarkBouncedByProviderID(ctx context.Context, providerMessageID string, at time.Time) (int64, error) {
	query := `
		UPDATE email_log
		SET status = $1, bounced_at = $2
		WHERE provider_message_id = $3 AND bounced_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusBounced, at, providerMessageID)
	if err != nil {
		return 0, fmt.Errorf("mark bounced: %w", err)
	}

	return result.RowsAffected(), nil
}

// FindUserIDsByProviderID returns the distinct user ids behind a
// provider message id. Used by the complaint handler to know whose
// unsubscribe flag to flip.
func (r *Repository) FindUserIDsByProviderID(ctx context.Context, providerMessageID string) ([]string, error) {
	query := `
		SELECT DISTINCT user_id FROM email_log WHERE provider_message_id = $1
	`

	rows, err := r.db.Pool().Query(ctx, query, providerMessageID)
	if err != nil {
		return nil, fmt.Errorf("query user ids: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}

	return userIDs, rows.Err()
}

// FindActiveTemplate returns the active registry row for an email type,
// or (nil, nil) when none is configured.
func (r *Repository) FindActiveTemplate(ctx context.Context, emailType string) (*EmailTemplate, error) {
	query := `
		SELECT id, email_type, component_key, subject, is_active, created_at, updated_at
		FROM email_templates
		WHERE email_type = $1 AND is_active = TRUE
	`

	var t EmailTemplate
	err := r.db.Pool().QueryRow(ctx, query, emailType).Scan(
		&t.ID,
		&t.EmailType,
		&t.ComponentKey,
		&t.Subject,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}

	return &t, nil
}

// RecordEvent appends a domain event to the audit trail.
func (r *Repository) RecordEvent(ctx context.Context, eventType, userID string, eventData json.RawMessage, processed bool) error {
	query := `
		INSERT INTO email_events (id, event_type, user_id, event_data, processed)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Pool().Exec(ctx, query, uuid.New(), eventType, userID, eventData, processed)
	if err != nil {
		r.logger.Error("failed to record event audit",
			zap.Error(err),
			zap.String("event_type", eventType),
			zap.String("user_id", userID),
		)
		return fmt.Errorf("insert event audit: %w", err)
	}

	return nil
}
