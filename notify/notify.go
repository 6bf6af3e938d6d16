// Package notify reports exchange failures to the operators by mail.
package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/luckylud/pyas2/config"
)

// Mailer delivers operator error reports over SMTP. It satisfies
// as2.Notifier.
type Mailer struct {
	client *mail.Client
	from   string
	to     []string
}

// NewMailer builds a mailer from the mail settings. Plain auth is used when
// a username is configured. TLS is opportunistic so internal relays without
// certificates keep working.
func NewMailer(cfg config.Mail) (*Mailer, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("mail reporting is not configured")
	}
	opts := []mail.Option{
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Port != 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mail client: %w", err)
	}
	return &Mailer{client: client, from: cfg.From, to: cfg.To}, nil
}

// NotifyError mails the report to every configured recipient.
func (m *Mailer) NotifyError(ctx context.Context, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("report sender: %w", err)
	}
	if err := msg.To(m.to...); err != nil {
		return fmt.Errorf("report recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending report: %w", err)
	}
	return nil
}
