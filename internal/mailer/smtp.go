package mailer

import (
	"context"

	"gopkg.in/gomail.v2"
)

// SMTPProvider sends through a plain SMTP relay.
type SMTPProvider struct {
	dialer *gomail.Dialer
	host   string
}

// NewSMTPProvider builds a provider around a gomail dialer.
func NewSMTPProvider(host string, port int, user, password string) *SMTPProvider {
	return &SMTPProvider{
		dialer: gomail.NewDialer(host, port, user, password),
		host:   host,
	}
}

// Send dials and transmits one message. SMTP has no message id to report,
// so the relay host stands in.
func (p *SMTPProvider) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)
	if msg.Text != "" {
		m.AddAlternative("text/plain", msg.Text)
	}

	if err := p.dialer.DialAndSend(m); err != nil {
		return "", err
	}
	return "smtp:" + p.host, nil
}
