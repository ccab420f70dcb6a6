// Package mailer holds the outbound email providers. The provider is an
// opaque, possibly-flaky collaborator: the dispatcher handles its failures
// by rescheduling the job, never by retrying inside one invocation.
package mailer

import (
	"context"
)

// Message is one fully rendered outbound email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Provider performs one transmission attempt and returns the provider's
// message id when it has one.
type Provider interface {
	Send(ctx context.Context, msg Message) (string, error)
}
