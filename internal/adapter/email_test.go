package adapter

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/multidash/messaging-gateway/internal/core"
)

func emailIntegration() *core.Integration {
	return &core.Integration{
		ID:   "int-1",
		Type: core.IntegrationEmail,
		Credentials: map[string]string{
			"smtpHost": "smtp.example.com", "smtpPort": "587",
			"smtpUser": "mailer", "smtpPassword": "secret",
		},
		Config: map[string]string{"fromEmail": "noreply@example.com"},
	}
}

func TestEmailValidateIntegration(t *testing.T) {
	e := NewEmail(newFakeEmailStore(), "")

	require.NoError(t, e.ValidateIntegration(emailIntegration()))

	for _, key := range []string{"smtpHost", "smtpPort", "smtpUser", "smtpPassword"} {
		in := emailIntegration()
		delete(in.Credentials, key)
		err := e.ValidateIntegration(in)
		require.True(t, core.IsConfiguration(err), "missing %s", key)
		require.Contains(t, err.Error(), key)
	}

	in := emailIntegration()
	in.Config = map[string]string{}
	err := e.ValidateIntegration(in)
	require.True(t, core.IsConfiguration(err))
	require.Contains(t, err.Error(), "fromEmail")
}

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func TestEmailDeliver(t *testing.T) {
	store := newFakeEmailStore()
	store.emails["u-linked"] = "fallback@example.com"

	var sends []capturedMail
	e := NewEmail(store, "TestApp")
	e.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sends = append(sends, capturedMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}

	title := "Weekly report"
	email := "direct@example.com"
	logs := []*core.MessageLog{
		{ID: "log-1", RecipientEmail: &email, Title: &title},
		{ID: "log-2", RecipientUserID: strp("u-linked")},
		{ID: "log-3", RecipientUserID: strp("u-unlinked")},
	}

	e.Deliver(context.Background(), emailIntegration(), logs, "body text", []core.Attachment{
		{Filename: "f.pdf", OriginalName: "report.pdf", URL: "https://files/f.pdf"},
	})

	require.Len(t, sends, 2)
	require.Equal(t, "smtp.example.com:587", sends[0].addr)
	require.Equal(t, "noreply@example.com", sends[0].from)
	require.Equal(t, []string{"direct@example.com"}, sends[0].to)
	require.Contains(t, sends[0].msg, "From: TestApp <noreply@example.com>\r\n")
	require.Contains(t, sends[0].msg, "Subject: Weekly report\r\n")
	require.Contains(t, sends[0].msg, "body text")
	require.Contains(t, sends[0].msg, "Attachments:\nreport.pdf: https://files/f.pdf")

	// Row without its own address uses the account email and default subject.
	require.Equal(t, []string{"fallback@example.com"}, sends[1].to)
	require.Contains(t, sends[1].msg, "Subject: New message\r\n")

	require.Equal(t, []string{"log-1", "log-2"}, store.sent)
	require.Equal(t, "Recipient has no email address.", store.failed["log-3"])
}

func TestEmailDeliverTransportError(t *testing.T) {
	store := newFakeEmailStore()
	e := NewEmail(store, "")
	e.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("dial tcp: connection refused")
	}

	email := "a@example.com"
	logs := []*core.MessageLog{{ID: "log-1", RecipientEmail: &email}}
	e.Deliver(context.Background(), emailIntegration(), logs, "x", nil)

	require.Empty(t, store.sent)
	require.True(t, strings.Contains(store.failed["log-1"], "connection refused"))
}

func TestEmailTransportCacheInvalidation(t *testing.T) {
	e := NewEmail(newFakeEmailStore(), "")
	in := emailIntegration()

	t1 := e.transport(in)
	require.Same(t, t1, e.transport(in))

	// Changed credentials under the same key set still hit the cache until
	// the integration is invalidated.
	e.Invalidate(in.ID)
	t2 := e.transport(in)
	require.NotSame(t, t1, t2)
	require.Equal(t, t1.addr, t2.addr)

	// Invalidating one integration leaves others alone.
	other := emailIntegration()
	other.ID = "int-2"
	t3 := e.transport(other)
	e.Invalidate(in.ID)
	require.Same(t, t3, e.transport(other))
}

func TestEmailBadPortFallsBack(t *testing.T) {
	e := NewEmail(newFakeEmailStore(), "")
	in := emailIntegration()
	in.Credentials["smtpPort"] = "not-a-number"
	require.Equal(t, "smtp.example.com:587", e.transport(in).addr)
}

func strp(s string) *string { return &s }
