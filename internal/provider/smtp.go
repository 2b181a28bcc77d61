package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPProvider delivers mail over plain SMTP. Useful for local relays and
// development; SMTP reports no provider message id, so one is generated for
// webhook reconciliation.
type SMTPProvider struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPProvider(host string, port int, username, password, from string) (*SMTPProvider, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if port <= 0 {
		return nil, fmt.Errorf("smtp port must be positive")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}

	return &SMTPProvider{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}, nil
}

func (p *SMTPProvider) Send(ctx context.Context, msg Message) (*SendResult, error) {
	if p == nil || p.dialer == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	from := msg.From
	if from == "" {
		from = p.from
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)
	if msg.Text != "" {
		m.AddAlternative("text/plain", msg.Text)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return nil, &ProviderError{
			Message:   "smtp send abandoned",
			Transient: true,
			Cause:     ctx.Err(),
		}
	case err := <-done:
		if err != nil {
			return nil, &ProviderError{
				Message:   "smtp send failed",
				Transient: true,
				Cause:     err,
			}
		}
	}

	return &SendResult{
		StatusCode: 250,
		MessageID:  uuid.NewString(),
	}, nil
}
