package auth

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"text/template"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Mailer delivers password-reset instructions.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, link string) error
}

// ResetLink appends the reset token to base as the "token" query parameter.
func ResetLink(base, token string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

const resetPlain = `Someone asked to reset the password for your gallery account.

Open the link below to choose a new password:

{{.Link}}

If this wasn't you, ignore this message.
`

var resetPlainTemplate = template.Must(template.New("reset").Parse(resetPlain))

// SendGridMailer sends mail through the SendGrid v3 API.
type SendGridMailer struct {
	client   *sendgrid.Client
	from     string
	fromName string
}

// NewSendGridMailer constructs a mailer for the given API key and sender.
func NewSendGridMailer(apiKey, from string) *SendGridMailer {
	return &SendGridMailer{
		client:   sendgrid.NewSendClient(apiKey),
		from:     from,
		fromName: "Gallery",
	}
}

// SendPasswordReset mails the reset link to email.
func (m *SendGridMailer) SendPasswordReset(ctx context.Context, email, link string) error {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(m.fromName, m.from))
	message.Subject = "Reset your gallery password"

	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail("", email))
	message.AddPersonalizations(personalization)

	body := &bytes.Buffer{}
	if err := resetPlainTemplate.Execute(body, struct{ Link string }{Link: link}); err != nil {
		return fmt.Errorf("while templating reset email: %w", err)
	}
	message.AddContent(mail.NewContent("text/plain", body.String()))

	resp, err := m.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("while sending mail through SendGrid: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2XX response while sending mail through SendGrid: %d %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// LogMailer writes reset links to a logger instead of sending mail. Used when
// no SendGrid key is configured.
type LogMailer struct {
	Logger *slog.Logger
}

// SendPasswordReset logs the reset link.
func (m LogMailer) SendPasswordReset(ctx context.Context, email, link string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "password reset requested", "email", email, "link", link)
	return nil
}
