package email

import (
	"context"
	"log/slog"

	"github.com/lorrc/invoice-tracker/internal/core/ports"
)

// MockSMTPNotifier is a secondary adapter that mocks sending emails.
// It implements the ports.Notifier interface.
type MockSMTPNotifier struct {
	from   string
	logger *slog.Logger
}

var _ ports.Notifier = (*MockSMTPNotifier)(nil)

// NewMockSMTPNotifier creates a new mock notifier that sends as from.
func NewMockSMTPNotifier(from string, logger *slog.Logger) *MockSMTPNotifier {
	return &MockSMTPNotifier{
		from:   from,
		logger: logger.With("component", "email_notifier"),
	}
}

// Notify logs the notification instead of sending an email.
// It is called from a separate goroutine and handles its own errors.
func (n *MockSMTPNotifier) Notify(ctx context.Context, params ports.NotificationParams) {
	if params.RecipientEmail == "" {
		n.logger.Warn("notification dropped: no recipient",
			"invoice_id", params.InvoiceID,
		)
		return
	}

	if err := ctx.Err(); err != nil {
		n.logger.Warn("notification cancelled",
			"invoice_id", params.InvoiceID,
			"error", err,
		)
		return
	}

	n.logger.Info("mock email sent",
		"from", n.from,
		"to_email", params.RecipientEmail,
		"subject", params.Subject,
		"body", params.Message,
		"invoice_id", params.InvoiceID,
	)
}
