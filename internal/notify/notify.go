// Package notify announces finished runs.
package notify

import (
	"context"
	"fmt"

	"github.com/nadmax/relayq/internal/repository/models"
	"github.com/rs/zerolog"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Notifier interface {
	RunCompleted(ctx context.Context, run models.Run) error
}

type Nop struct{}

func (Nop) RunCompleted(context.Context, models.Run) error { return nil }

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type EmailConfig struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          string
}

// EmailNotifier sends a run summary through SendGrid.
type EmailNotifier struct {
	client mailSender
	from   *mail.Email
	to     *mail.Email
	logger zerolog.Logger
}

func NewEmailNotifier(cfg EmailConfig, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		client: sendgrid.NewSendClient(cfg.APIKey),
		from:   mail.NewEmail(cfg.FromName, cfg.FromAddress),
		to:     mail.NewEmail("", cfg.To),
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

func (n *EmailNotifier) RunCompleted(ctx context.Context, run models.Run) error {
	subject := fmt.Sprintf("Run %s completed", run.ID)
	body := fmt.Sprintf(
		"Project %s finished run %s.\n\nTotal jobs: %d\nSent: %d\nFailed: %d\n",
		run.ProjectID, run.ID, run.Stats.TotalJobs, run.Stats.SuccessCount, run.Stats.ErrorCount,
	)

	email := mail.NewSingleEmail(n.from, subject, n.to, body, "")
	response, err := n.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	n.logger.Info().
		Str("run_id", run.ID).
		Int("status", response.StatusCode).
		Msg("completion email sent")

	return nil
}
