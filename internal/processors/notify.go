package processors

import (
	"context"
	"log/slog"

	"bidforge-engine/internal/models"
	"bidforge-engine/internal/queue"
)

// Notification is one outbound message
type Notification struct {
	Channel   string            `json:"channel"` // email | webhook
	CompanyID string            `json:"company_id,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	URL       string            `json:"url,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
}

// Notifier delivers notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier records notifications in the log instead of sending them
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Logger.Info("notification", "channel", n.Channel, "recipient", n.Recipient, "url", n.URL, "subject", n.Subject)
	return nil
}

func (p *Processors) EmailNotification(ctx context.Context, job *models.Job, progress queue.Progress) (any, error) {
	return p.notify(ctx, job, "email")
}

func (p *Processors) WebhookNotification(ctx context.Context, job *models.Job, progress queue.Progress) (any, error) {
	return p.notify(ctx, job, "webhook")
}

func (p *Processors) notify(ctx context.Context, job *models.Job, channel string) (any, error) {
	var n Notification
	if err := job.DecodePayload(&n); err != nil {
		return nil, err
	}
	n.Channel = channel
	switch {
	case channel == "email" && n.Recipient == "":
		return nil, models.Validation("email notification needs a recipient")
	case channel == "webhook" && n.URL == "":
		return nil, models.Validation("webhook notification needs a url")
	}
	if err := p.Notifier.Notify(ctx, n); err != nil {
		return nil, err
	}
	p.Ledger.Meter(ctx, n.CompanyID, models.EventNotification, 1, usageMetadata(job, "channel", channel))
	return map[string]string{"channel": channel, "status": "sent"}, nil
}
