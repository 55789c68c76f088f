package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prepstack/prepmail/internal/db"
	"github.com/prepstack/prepmail/internal/metrics"
	"github.com/prepstack/prepmail/internal/sqs"
	"github.com/prepstack/prepmail/internal/template"
)

// SendLogStore is the slice of the repository the processor needs.
type SendLogStore interface {
	CreateSendingLog(ctx context.Context, log *db.EmailLog) (*db.EmailLog, bool, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error
}

// Renderer resolves an email type and template data into subject and body.
type Renderer interface {
	Render(ctx context.Context, emailType string, data map[string]any) (*template.Rendered, error)
}

// Queue is the slice of the SQS consumer the processor needs.
type Queue interface {
	DeleteMessage(ctx context.Context, receiptHandle string) error
}

// Processor handles one queue delivery end to end. The queue message is
// deleted only after the send-log row reflects the outcome, so a crash
// mid-send results in redelivery, and the message-id upsert on the send
// log keeps redelivery from double-sending.
type Processor struct {
	store    SendLogStore
	renderer Renderer
	provider Provider
	queue    Queue
	logger   *zap.Logger
}

// NewProcessor creates a queue message processor.
func NewProcessor(store SendLogStore, renderer Renderer, provider Provider, queue Queue, logger *zap.Logger) *Processor {
	return &Processor{
		store:    store,
		renderer: renderer,
		provider: provider,
		queue:    queue,
		logger:   logger,
	}
}

// Process handles a single queue delivery. A returned error leaves the
// message on the queue for redelivery; after the redrive policy's
// attempts it lands on the DLQ.
func (p *Processor) Process(ctx context.Context, rm sqs.ReceivedMessage) error {
	var msg sqs.Message
	if err := json.Unmarshal([]byte(rm.Body), &msg); err != nil {
		p.logger.Error("malformed queue message",
			zap.Error(err),
			zap.String("sqs_message_id", rm.SQSMessageID),
		)
		metrics.RecordEmailFailed("unknown", "parse")
		return fmt.Errorf("failed to parse queue message: %w", err)
	}

	logger := p.logger.With(
		zap.String("message_id", msg.MessageID),
		zap.String("email_type", msg.EmailType),
		zap.String("user_id", msg.UserID),
	)

	row, created, err := p.store.CreateSendingLog(ctx, &db.EmailLog{
		MessageID:   msg.MessageID,
		UserID:      msg.UserID,
		EmailType:   msg.EmailType,
		ToAddress:   msg.To,
		FromAddress: msg.From,
		Subject:     msg.Subject,
		Status:      db.StatusSending,
		RetryCount:  msg.RetryCount,
	})
	if err != nil {
		metrics.RecordEmailFailed(msg.EmailType, "log")
		return fmt.Errorf("failed to record sending log: %w", err)
	}

	// Redelivery of a message that already made it past the send is a
	// no-op: acknowledge and move on. A row still in sending means the
	// previous attempt died before recording an outcome; failed means
	// it recorded one and the queue is retrying. Both warrant another
	// attempt against the existing row.
	if !created && row.Status != db.StatusSending && row.Status != db.StatusFailed {
		logger.Info("duplicate delivery for completed send, acknowledging",
			zap.String("status", row.Status),
		)
		if err := p.queue.DeleteMessage(ctx, rm.ReceiptHandle); err != nil {
			return fmt.Errorf("failed to delete duplicate message: %w", err)
		}
		return nil
	}

	rendered, err := p.renderer.Render(ctx, msg.EmailType, msg.TemplateData)
	if err != nil {
		logger.Error("template render failed", zap.Error(err))
		metrics.RecordEmailFailed(msg.EmailType, "render")
		if markErr := p.store.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
			logger.Error("failed to mark log failed", zap.Error(markErr))
		}
		return fmt.Errorf("render failed for %s: %w", msg.EmailType, err)
	}

	subject := msg.Subject
	if rendered.Subject != "" {
		subject = rendered.Subject
	}

	providerID, err := p.provider.Send(ctx, Email{
		From:    msg.From,
		To:      msg.To,
		Subject: subject,
		HTML:    rendered.HTML,
	})
	if err != nil {
		logger.Error("provider send failed", zap.Error(err))
		metrics.RecordEmailFailed(msg.EmailType, "provider")
		if markErr := p.store.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
			logger.Error("failed to mark log failed", zap.Error(markErr))
		}
		return fmt.Errorf("send failed: %w", err)
	}

	if err := p.store.MarkSent(ctx, row.ID, providerID); err != nil {
		// The email went out but the log does not say so. Leaving the
		// message on the queue risks a duplicate send; losing the sent
		// state breaks webhook reconciliation. Retry wins: the next
		// attempt hits the existing row and the provider-side
		// suppression is the lesser evil.
		logger.Error("failed to mark log sent", zap.Error(err),
			zap.String("provider_message_id", providerID),
		)
		metrics.RecordEmailFailed(msg.EmailType, "log")
		return fmt.Errorf("failed to record sent state: %w", err)
	}

	metrics.RecordEmailSent(msg.EmailType)
	logger.Info("email sent",
		zap.String("provider_message_id", providerID),
	)

	if err := p.queue.DeleteMessage(ctx, rm.ReceiptHandle); err != nil {
		// The send is durably recorded; redelivery will be recognized
		// as a completed send and acknowledged.
		logger.Warn("failed to delete processed message", zap.Error(err))
	}

	return nil
}
