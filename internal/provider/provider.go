package provider

import "context"

// Message is one outbound email handed to a provider adapter. Subject and
// bodies arrive already rendered; the adapter only moves bytes.
type Message struct {
	To      string
	From    string
	Subject string
	HTML    string
	Text    string
	Tags    []string
}

// SendResult stores provider call metadata for audit and persistence.
type SendResult struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Provider is the outbound email delivery port.
type Provider interface {
	Send(ctx context.Context, msg Message) (*SendResult, error)
}
