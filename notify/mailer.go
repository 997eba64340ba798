package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"

	"github.com/rs/zerolog"
)

// Mailer sends one HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// SMTPMailer delivers mail through a plain SMTP relay.
type SMTPMailer struct {
	Host   string
	Port   int
	User   string
	Pass   string
	From   string
	Logger zerolog.Logger
}

// Send delivers an HTML message. Without User no AUTH is attempted, which
// suits local relays such as MailHog.
func (m *SMTPMailer) Send(_ context.Context, to, subject, html string) error {
	if to == "" {
		return fmt.Errorf("email recipient is empty")
	}
	if m.Host == "" {
		return fmt.Errorf("SMTP host not configured")
	}
	from := m.From
	if from == "" {
		from = m.User
	}
	if from == "" {
		return fmt.Errorf("SMTP sender not configured")
	}
	port := m.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", m.Host, port)

	var buf bytes.Buffer
	for _, h := range [][2]string{
		{"From", from},
		{"To", to},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=UTF-8"},
	} {
		buf.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString(html)

	var auth smtp.Auth
	if m.User != "" {
		auth = smtp.PlainAuth("", m.User, m.Pass, m.Host)
	}
	if err := smtp.SendMail(addr, auth, from, []string{to}, buf.Bytes()); err != nil {
		m.Logger.Error().Err(err).Str("to", to).Str("subject", subject).Msg("email delivery failed")
		return err
	}
	m.Logger.Debug().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}
