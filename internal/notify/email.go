// Package notify tells operators about finished jobs by email.
package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/resend/resend-go/v2"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender logs emails instead of sending them. Used with ENV=local.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(ctx context.Context, to, subject, body string) error {
	s.logger.InfoContext(ctx, "email (local dev)", "to", to, "subject", subject, "body", body)
	return nil
}

// ResendSender sends emails through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}
	_, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// NewSender returns a LogSender for ENV=local, ResendSender otherwise.
func NewSender(env, apiKey, from string, logger *slog.Logger) Sender {
	if env == "local" {
		return &LogSender{logger: logger.With("component", "email")}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

// JobNotifier mails a short summary of every finished job to one address.
type JobNotifier struct {
	sender Sender
	to     string
}

// NewJobNotifier returns nil when to is empty, which disables notifications.
func NewJobNotifier(sender Sender, to string) *JobNotifier {
	if to == "" {
		return nil
	}
	return &JobNotifier{sender: sender, to: to}
}

func (n *JobNotifier) JobFinished(ctx context.Context, job *domain.Job) error {
	if n == nil {
		return nil
	}
	subject := fmt.Sprintf("Harvest job %s finished", job.ID)
	body := fmt.Sprintf(
		"<p>Job <b>%s</b> for record %s (collection %s, provider %s) finished with %d tasks.</p>",
		html.EscapeString(job.ID),
		html.EscapeString(job.Owner.RecordID),
		html.EscapeString(job.Owner.CollectionID),
		html.EscapeString(job.Owner.ProviderID),
		len(job.Tasks),
	)
	return n.sender.Send(ctx, n.to, subject, body)
}
