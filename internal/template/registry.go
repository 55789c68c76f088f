// Package template turns an email type and a data bag into a subject
// and an HTML body. Active registry rows in the database select a
// compiled component by opaque key; a built-in static table backs the
// registry so a bad row or a database outage cannot stop critical
// sends.
package template

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"

	"go.uber.org/zap"

	"github.com/prepstack/prepmail/internal/db"
)

// ErrNoTemplate means neither the registry nor the built-in fallback
// can render the email type. Unrecoverable: retrying cannot help.
var ErrNoTemplate = errors.New("no template available for email type")

// RegistryStore provides the database-backed template rows.
type RegistryStore interface {
	FindActiveTemplate(ctx context.Context, emailType string) (*db.EmailTemplate, error)
}

// Rendered is the output of a render: the HTML body plus an optional
// subject override from the registry row. An empty Subject means the
// caller keeps the subject it already resolved.
type Rendered struct {
	Subject string
	HTML    string
}

// Renderer resolves and executes templates. Components are compiled
// once at construction; registry rows only ever reference them by key,
// never by file path.
type Renderer struct {
	store      RegistryStore
	components map[string]*htmltemplate.Template
	logger     *zap.Logger
}

// NewRenderer compiles the built-in component set and returns a
// renderer backed by the given registry store. store may be nil in
// tests; the renderer then uses only the fallback table.
func NewRenderer(store RegistryStore, logger *zap.Logger) (*Renderer, error) {
	components := make(map[string]*htmltemplate.Template, len(componentSources))
	for key, src := range componentSources {
		tmpl, err := htmltemplate.New(key).Option("missingkey=zero").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("compile component %s: %w", key, err)
		}
		components[key] = tmpl
	}

	return &Renderer{
		store:      store,
		components: components,
		logger:     logger,
	}, nil
}

// Render produces the HTML for an email type. Registry failures — a
// missing row, an unknown component key, an execution error — fall back
// to the built-in table; only when both sources come up empty does it
// return ErrNoTemplate.
func (r *Renderer) Render(ctx context.Context, emailType string, data map[string]any) (*Rendered, error) {
	if out := r.renderFromRegistry(ctx, emailType, data); out != nil {
		return out, nil
	}

	fb, ok := fallbackTemplates[emailType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, emailType)
	}

	html, err := r.execute(fb.component, data)
	if err != nil {
		// Fallback components are compiled from the table below; an
		// execution error here is a programming bug.
		return nil, fmt.Errorf("render fallback for %s: %w", emailType, err)
	}

	return &Rendered{Subject: fb.subject, HTML: html}, nil
}

func (r *Renderer) renderFromRegistry(ctx context.Context, emailType string, data map[string]any) *Rendered {
	if r.store == nil {
		return nil
	}

	row, err := r.store.FindActiveTemplate(ctx, emailType)
	if err != nil {
		r.logger.Warn("template registry unavailable, using fallback",
			zap.Error(err),
			zap.String("email_type", emailType),
		)
		return nil
	}
	if row == nil {
		return nil
	}

	html, err := r.execute(row.ComponentKey, data)
	if err != nil {
		r.logger.Warn("registry template failed, using fallback",
			zap.Error(err),
			zap.String("email_type", emailType),
			zap.String("component_key", row.ComponentKey),
		)
		return nil
	}

	return &Rendered{Subject: row.Subject, HTML: html}
}

func (r *Renderer) execute(componentKey string, data map[string]any) (string, error) {
	tmpl, ok := r.components[componentKey]
	if !ok {
		return "", fmt.Errorf("unknown component key: %s", componentKey)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	return buf.String(), nil
}
