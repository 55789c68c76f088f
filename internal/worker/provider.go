// Package worker drains the email queue: parse, log, render, deliver,
// reconcile the send-log row, and delete the queue message only once
// the sent state is durably recorded.
package worker

import "context"

// Email is a fully-resolved outbound message.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Provider delivers one email and returns the provider's message id,
// which later webhook events reference. Any error — provider-reported
// or transport — fails the attempt the same way.
type Provider interface {
	Send(ctx context.Context, email Email) (string, error)
}
