// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

// fakeSender records deliveries and fails the first failN attempts.
type fakeSender struct {
	failN int
	calls int

	from string
	to   []string
	msg  []byte
}

func (f *fakeSender) Send(_ context.Context, from string, to []string, msg []byte) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("connection refused")
	}
	f.from = from
	f.to = to
	f.msg = msg
	return nil
}

func newTestNotifier(t *testing.T, sender Sender) *SMTPNotifier {
	t.Helper()
	n, err := NewSMTPNotifierWithSender("auth@example.com", sender, nil)
	require.NoError(t, err)
	// No waiting between attempts in tests.
	n.newBackoff = func() retry.Backoff {
		return retry.WithMaxRetries(3, retry.NewConstant(time.Nanosecond))
	}
	return n
}

func verifyMessage() auth.Message {
	return auth.Message{
		Kind:        auth.TokenVerifyEmail,
		Recipient:   "user@example.com",
		CallbackURL: "https://app.example.com/auth/verify-email?token=abc123",
		Token:       "abc123",
	}
}

func TestSMTPNotifier_Send(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(t, sender)

	err := n.Send(context.Background(), verifyMessage())
	require.NoError(t, err)

	assert.Equal(t, 1, sender.calls)
	assert.Equal(t, "auth@example.com", sender.from)
	assert.Equal(t, []string{"user@example.com"}, sender.to)

	msg := string(sender.msg)
	assert.Contains(t, msg, "To: user@example.com")
	assert.Contains(t, msg, "Subject: Verify your email address")
	assert.Contains(t, msg, "https://app.example.com/auth/verify-email?token=abc123")
}

func TestSMTPNotifier_SubjectPerKind(t *testing.T) {
	tests := []struct {
		kind    auth.TokenKind
		subject string
	}{
		{auth.TokenVerifyEmail, "Verify your email address"},
		{auth.TokenResetPassword, "Reset your password"},
		{auth.TokenDeleteAccount, "Confirm account deletion"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			sender := &fakeSender{}
			n := newTestNotifier(t, sender)

			msg := verifyMessage()
			msg.Kind = tt.kind
			require.NoError(t, n.Send(context.Background(), msg))
			assert.Contains(t, string(sender.msg), "Subject: "+tt.subject)
		})
	}
}

func TestSMTPNotifier_RetriesTransientFailures(t *testing.T) {
	sender := &fakeSender{failN: 2}
	n := newTestNotifier(t, sender)

	err := n.Send(context.Background(), verifyMessage())
	require.NoError(t, err)
	assert.Equal(t, 3, sender.calls)
}

func TestSMTPNotifier_GivesUpAfterRetries(t *testing.T) {
	sender := &fakeSender{failN: 100}
	n := newTestNotifier(t, sender)

	err := n.Send(context.Background(), verifyMessage())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "NOTIFY_SEND_FAILED")
	// Initial attempt plus three retries.
	assert.Equal(t, 4, sender.calls)
}

func TestSMTPNotifier_UnknownKind(t *testing.T) {
	n := newTestNotifier(t, &fakeSender{})

	msg := verifyMessage()
	msg.Kind = auth.TokenKind("carrier-pigeon")
	err := n.Send(context.Background(), msg)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "NOTIFY_UNKNOWN_KIND")
}

func TestNewSMTPNotifier_Validation(t *testing.T) {
	_, err := NewSMTPNotifier(SMTPOptions{From: "auth@example.com"}, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "NOTIFY_INVALID")

	_, err = NewSMTPNotifier(SMTPOptions{Host: "mail.example.com"}, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "NOTIFY_INVALID")

	_, err = NewSMTPNotifierWithSender("auth@example.com", nil, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "NOTIFY_INVALID")
}

func TestLogNotifier_NeverFails(t *testing.T) {
	n := NewLogNotifier(nil)
	require.NoError(t, n.Send(context.Background(), verifyMessage()))
}
