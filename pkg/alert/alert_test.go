package alert

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"github.com/ethpandaops/pipelinoor/pkg/config"
)

type fakeDialer struct {
	sent []*mail.Msg
	err  error
}

func (f *fakeDialer) DialAndSendWithContext(_ context.Context, msgs ...*mail.Msg) error {
	if f.err != nil {
		return f.err
	}

	f.sent = append(f.sent, msgs...)

	return nil
}

func configured() config.SMTPConfig {
	return config.SMTPConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "ci@example.com",
		Password: "secret",
		To:       "oncall@example.com",
	}
}

func newTestNotifier(cfg config.SMTPConfig, d *fakeDialer) *smtpNotifier {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	n, ok := NewNotifier(log, cfg).(*smtpNotifier)
	if !ok {
		panic("unexpected notifier type")
	}

	n.dial = func() (dialer, error) { return d, nil }

	return n
}

func TestNotifier_SkipsWhenUnconfigured(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.SMTPConfig)
	}{
		{name: "no host", mutate: func(c *config.SMTPConfig) { c.Host = "" }},
		{name: "no port", mutate: func(c *config.SMTPConfig) { c.Port = 0 }},
		{name: "no username", mutate: func(c *config.SMTPConfig) { c.Username = "" }},
		{name: "no password", mutate: func(c *config.SMTPConfig) { c.Password = "" }},
		{name: "no recipient", mutate: func(c *config.SMTPConfig) { c.To = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := configured()
			tt.mutate(&cfg)

			d := &fakeDialer{}
			n := newTestNotifier(cfg, d)

			assert.False(t, n.SendFailureAlert(context.Background(), "subj", "body"))
			assert.Empty(t, d.sent)
		})
	}
}

func TestNotifier_Sends(t *testing.T) {
	d := &fakeDialer{}
	n := newTestNotifier(configured(), d)

	ok := n.SendFailureAlert(context.Background(), "[CI/CD] Failure: api", "Pipeline: api")
	require.True(t, ok)
	require.Len(t, d.sent, 1)

	msg := d.sent[0]
	assert.Equal(t, []string{"[CI/CD] Failure: api"}, msg.GetGenHeader(mail.HeaderSubject))

	from := msg.GetFromString()
	require.Len(t, from, 1)
	assert.Contains(t, from[0], "ci@example.com")

	to := msg.GetToString()
	require.Len(t, to, 1)
	assert.Contains(t, to[0], "oncall@example.com")
}

func TestNotifier_TransportErrorReturnsFalse(t *testing.T) {
	d := &fakeDialer{err: errors.New("dial tcp: connection refused")}
	n := newTestNotifier(configured(), d)

	assert.False(t, n.SendFailureAlert(context.Background(), "subj", "body"))
}

func TestNotifier_InvalidRecipientReturnsFalse(t *testing.T) {
	cfg := configured()
	cfg.To = "not an address"

	d := &fakeDialer{}
	n := newTestNotifier(cfg, d)

	assert.False(t, n.SendFailureAlert(context.Background(), "subj", "body"))
	assert.Empty(t, d.sent)
}

func TestNotifier_ClientCreationErrorReturnsFalse(t *testing.T) {
	n := newTestNotifier(configured(), &fakeDialer{})
	n.dial = func() (dialer, error) { return nil, errors.New("invalid host") }

	assert.False(t, n.SendFailureAlert(context.Background(), "subj", "body"))
}

func TestNoop(t *testing.T) {
	assert.False(t, Noop{}.SendFailureAlert(context.Background(), "a", "b"))
}
