// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import "context"

// Message is a templated notification handed to the Notifier. CallbackURL
// embeds the relevant token; Token carries the raw value separately for
// flows whose frontend assembles its own URL (password reset).
type Message struct {
	Kind        TokenKind
	Recipient   string
	CallbackURL string
	Token       string
}

// Notifier is the outbound port for email delivery. The core depends only
// on this interface, never on a concrete mail transport. Send failures must
// not fail the primary operation; the facade invokes Send asynchronously
// and logs errors.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f NotifierFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
