// Package delivery runs one claimed job end to end: resolve the recipient,
// render the template, invoke the provider, and record the outcome.
package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"campaign-scheduler/internal/audience"
	"campaign-scheduler/internal/mailer"
	"campaign-scheduler/internal/models"
)

// JobStore is the slice of the persistence layer the worker needs. The
// worker may only move a job it was handed after a successful claim.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.EmailJob, error)
	GetTemplate(ctx context.Context, id string) (models.Template, error)
	MarkSent(ctx context.Context, id string, now time.Time, providerMessageID string) error
	AppendEvent(ctx context.Context, jobID, eventType string, meta map[string]any) error
}

// Archiver stores a copy of the rendered message. Optional; failures are
// logged, not treated as delivery failures.
type Archiver interface {
	PutMessage(ctx context.Context, jobID, html, text string) error
}

// Worker delivers claimed jobs.
type Worker struct {
	store    JobStore
	resolver audience.Resolver
	links    *LinkBuilder
	provider mailer.Provider
	archiver Archiver
	from     string
	pixelURL string
	logger   *zap.Logger
}

// NewWorker wires the delivery collaborators. archiver may be nil.
func NewWorker(store JobStore, resolver audience.Resolver, links *LinkBuilder, provider mailer.Provider, archiver Archiver, from, pixelURL string, logger *zap.Logger) *Worker {
	return &Worker{
		store:    store,
		resolver: resolver,
		links:    links,
		provider: provider,
		archiver: archiver,
		from:     from,
		pixelURL: pixelURL,
		logger:   logger,
	}
}

// Process delivers one claimed (processing) job. Exactly one provider send
// is attempted per invocation; resolution and rendering failures surface
// before the provider is called and count as delivery failures all the
// same. The returned error is nil only after the job is marked sent.
func (w *Worker) Process(ctx context.Context, jobID string) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	if err := w.store.AppendEvent(ctx, job.ID, models.EventSendAttempt, map[string]any{
		"attempt": job.Attempts + 1,
	}); err != nil {
		w.logger.Warn("append send_attempt event failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	member, err := w.resolver.Resolve(ctx, job.RecipientID)
	if err != nil {
		return fmt.Errorf("resolve recipient %s: %w", job.RecipientID, err)
	}

	link, err := w.links.Build(member.InviteToken)
	if err != nil {
		return fmt.Errorf("build tracking link: %w", err)
	}

	tmpl, err := w.store.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		return fmt.Errorf("load template %s: %w", job.TemplateID, err)
	}

	rendered, err := Render(tmpl, map[string]string{
		"business_name": member.BusinessName,
		"business_id":   member.BusinessID,
		"invite_link":   link,
	}, w.pixelURL)
	if err != nil {
		return fmt.Errorf("render template %s: %w", job.TemplateID, err)
	}

	msgID, err := w.provider.Send(ctx, mailer.Message{
		From:    w.from,
		To:      job.RecipientEmail,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	})
	if err != nil {
		return fmt.Errorf("provider send: %w", err)
	}

	if w.archiver != nil {
		if err := w.archiver.PutMessage(ctx, job.ID, rendered.HTML, rendered.Text); err != nil {
			w.logger.Warn("archive rendered message failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	now := time.Now().UTC()
	if err := w.store.MarkSent(ctx, job.ID, now, msgID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if err := w.store.AppendEvent(ctx, job.ID, models.EventSent, map[string]any{
		"provider_message_id": msgID,
		"to":                  job.RecipientEmail,
	}); err != nil {
		w.logger.Warn("append sent event failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	w.logger.Info("email sent",
		zap.String("job_id", job.ID),
		zap.String("campaign_id", job.CampaignID),
		zap.String("to", job.RecipientEmail),
		zap.String("provider_message_id", msgID),
	)
	return nil
}
