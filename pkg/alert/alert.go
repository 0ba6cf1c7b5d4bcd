package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/pipelinoor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
)

const sendTimeout = 15 * time.Second

// Notifier delivers failure alerts. Implementations never return errors:
// alerting is optional and must not block ingestion.
type Notifier interface {
	SendFailureAlert(ctx context.Context, subject, body string) bool
}

// Compile-time interface checks.
var (
	_ Notifier = (*smtpNotifier)(nil)
	_ Notifier = Noop{}
)

// Noop drops every alert.
type Noop struct{}

// SendFailureAlert implements Notifier.
func (Noop) SendFailureAlert(context.Context, string, string) bool { return false }

// dialer abstracts the SMTP session so the transport can be swapped in tests.
type dialer interface {
	DialAndSendWithContext(ctx context.Context, msgs ...*mail.Msg) error
}

type smtpNotifier struct {
	log  logrus.FieldLogger
	cfg  config.SMTPConfig
	dial func() (dialer, error)
}

// NewNotifier returns an SMTP-backed Notifier. When the SMTP settings are
// incomplete every call is a no-op returning false.
func NewNotifier(log logrus.FieldLogger, cfg config.SMTPConfig) Notifier {
	n := &smtpNotifier{
		log: log.WithField("component", "alert"),
		cfg: cfg,
	}

	n.dial = func() (dialer, error) {
		return mail.NewClient(cfg.Host,
			mail.WithPort(cfg.Port),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
			mail.WithTLSPolicy(mail.TLSMandatory),
			mail.WithTimeout(sendTimeout),
		)
	}

	return n
}

// SendFailureAlert emails subject and body to the configured recipient.
func (n *smtpNotifier) SendFailureAlert(
	ctx context.Context, subject, body string,
) bool {
	if !n.cfg.Configured() {
		n.log.Debug("SMTP not configured, skipping alert")

		return false
	}

	if err := n.send(ctx, subject, body); err != nil {
		n.log.WithError(err).
			WithField("to", n.cfg.To).
			Warn("Failed to send failure alert")

		return false
	}

	n.log.WithField("to", n.cfg.To).Info("Failure alert sent")

	return true
}

func (n *smtpNotifier) send(ctx context.Context, subject, body string) error {
	msg := mail.NewMsg()

	if err := msg.From(n.cfg.Sender()); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}

	if err := msg.To(n.cfg.To); err != nil {
		return fmt.Errorf("setting recipient: %w", err)
	}

	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := n.dial()
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}

	return nil
}
