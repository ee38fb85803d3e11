// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package notify delivers authentication emails over SMTP. The core never
// depends on this package directly; it is wired in as an auth.Notifier at
// startup. Dev deployments use the log notifier instead of a real transport.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net/smtp"
	"text/template"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/observability"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Sender is the raw mail transport seam. The production implementation
// wraps net/smtp; tests substitute a recorder.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// smtpSender sends mail through a single SMTP relay.
type smtpSender struct {
	addr string
	auth smtp.Auth
}

// Send submits the message. net/smtp has no context support, so
// cancellation only takes effect between retry attempts.
func (s *smtpSender) Send(_ context.Context, from string, to []string, msg []byte) error {
	//nolint:wrapcheck // callers wrap with delivery context
	return smtp.SendMail(s.addr, s.auth, from, to, msg)
}

var subjects = map[auth.TokenKind]string{
	auth.TokenVerifyEmail:   "Verify your email address",
	auth.TokenResetPassword: "Reset your password",
	auth.TokenDeleteAccount: "Confirm account deletion",
}

var templateNames = map[auth.TokenKind]string{
	auth.TokenVerifyEmail:   "verify_email.tmpl",
	auth.TokenResetPassword: "reset_password.tmpl",
	auth.TokenDeleteAccount: "delete_account.tmpl",
}

// SMTPOptions configures the SMTP notifier. Username and Password are
// optional; when empty the relay is used unauthenticated.
type SMTPOptions struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// SMTPNotifier renders and delivers authentication mail with retries.
type SMTPNotifier struct {
	sender    Sender
	from      string
	templates *template.Template
	logger    *slog.Logger

	// newBackoff builds a fresh backoff per delivery; retry state must
	// not leak between messages.
	newBackoff func() retry.Backoff
}

var _ auth.Notifier = (*SMTPNotifier)(nil)

// NewSMTPNotifier creates a notifier that delivers through the given relay.
func NewSMTPNotifier(opts SMTPOptions, logger *slog.Logger) (*SMTPNotifier, error) {
	if opts.Host == "" {
		return nil, oops.Code("NOTIFY_INVALID").Errorf("smtp host is required")
	}
	if opts.From == "" {
		return nil, oops.Code("NOTIFY_INVALID").Errorf("smtp from address is required")
	}

	var smtpAuth smtp.Auth
	if opts.Username != "" {
		smtpAuth = smtp.PlainAuth("", opts.Username, opts.Password, opts.Host)
	}
	sender := &smtpSender{
		addr: fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		auth: smtpAuth,
	}
	return NewSMTPNotifierWithSender(opts.From, sender, logger)
}

// NewSMTPNotifierWithSender creates a notifier with an explicit transport.
func NewSMTPNotifierWithSender(from string, sender Sender, logger *slog.Logger) (*SMTPNotifier, error) {
	if sender == nil {
		return nil, oops.Code("NOTIFY_INVALID").Errorf("sender is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	templates, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, oops.Code("NOTIFY_INVALID").
			With("operation", "parse templates").
			Wrap(err)
	}

	return &SMTPNotifier{
		sender:    sender,
		from:      from,
		templates: templates,
		logger:    logger,
		newBackoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
		},
	}, nil
}

// Send renders the message for its kind and delivers it, retrying transient
// transport failures with exponential backoff.
func (n *SMTPNotifier) Send(ctx context.Context, msg auth.Message) error {
	name, ok := templateNames[msg.Kind]
	if !ok {
		return oops.Code("NOTIFY_UNKNOWN_KIND").
			With("kind", string(msg.Kind)).
			Errorf("no mail template for kind")
	}

	var body bytes.Buffer
	data := struct {
		CallbackURL string
		Token       string
	}{msg.CallbackURL, msg.Token}
	if err := n.templates.ExecuteTemplate(&body, name, data); err != nil {
		return oops.Code("NOTIFY_RENDER_FAILED").
			With("kind", string(msg.Kind)).
			Wrap(err)
	}

	var mail bytes.Buffer
	fmt.Fprintf(&mail, "From: %s\r\n", n.from)
	fmt.Fprintf(&mail, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&mail, "Subject: %s\r\n", subjects[msg.Kind])
	mail.WriteString("MIME-Version: 1.0\r\n")
	mail.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	mail.WriteString("\r\n")
	mail.Write(body.Bytes())

	err := retry.Do(ctx, n.newBackoff(), func(ctx context.Context) error {
		if sendErr := n.sender.Send(ctx, n.from, []string{msg.Recipient}, mail.Bytes()); sendErr != nil {
			n.logger.Warn("mail delivery attempt failed",
				"kind", string(msg.Kind),
				"error", sendErr,
			)
			return retry.RetryableError(sendErr)
		}
		return nil
	})
	if err != nil {
		observability.RecordNotifyFailure(string(msg.Kind))
		return oops.Code("NOTIFY_SEND_FAILED").
			With("kind", string(msg.Kind)).
			Wrap(err)
	}

	n.logger.Debug("mail delivered", "kind", string(msg.Kind))
	return nil
}

// NewLogNotifier returns a notifier that only logs messages. Used in dev
// mode where no relay is configured; the callback URL lands in the log so
// flows stay testable by hand.
func NewLogNotifier(logger *slog.Logger) auth.Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return auth.NotifierFunc(func(_ context.Context, msg auth.Message) error {
		logger.Info("mail suppressed, no smtp relay configured",
			"kind", string(msg.Kind),
			"recipient", msg.Recipient,
			"callback_url", msg.CallbackURL,
		)
		return nil
	})
}
