// Package mail holds the outbound transports used by the mailer. A transport
// either confirms delivery by returning nil or rejects the message; it never
// retries on its own.
package mail

import (
	"context"
	"errors"
	"strings"
)

// ErrNoAddress is returned when a message has no deliverable address.
var ErrNoAddress = errors.New("recipient has no email address")

// Address is a display name plus mailbox.
type Address struct {
	Name  string
	Email string
}

// Valid reports whether the mailbox looks deliverable.
func (a Address) Valid() bool {
	at := strings.LastIndex(a.Email, "@")
	return at > 0 && at < len(a.Email)-1
}

// Transport hands one fully rendered message to the outside world.
type Transport interface {
	SendMail(ctx context.Context, to Address, subject, body string, headers map[string]string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, to Address, subject, body string, headers map[string]string) error

// SendMail implements Transport.
func (f TransportFunc) SendMail(ctx context.Context, to Address, subject, body string, headers map[string]string) error {
	return f(ctx, to, subject, body, headers)
}
