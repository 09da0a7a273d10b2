package adapter

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/multidash/messaging-gateway/internal/core"
	"github.com/multidash/messaging-gateway/internal/metrics"
	"golang.org/x/time/rate"
)

var emailRequiredCredentials = []string{"smtpHost", "smtpPort", "smtpUser", "smtpPassword"}

// EmailStore is what email delivery needs from the store: row finalization
// plus the account-email fallback lookup.
type EmailStore interface {
	LogMarker
	UserEmail(ctx context.Context, userID string) (email, name string, err error)
}

// smtpTransport is the cached per-integration sending configuration: the
// resolved server address and auth. smtp.SendMail still dials per message;
// nothing here holds a live connection.
type smtpTransport struct {
	addr string
	auth smtp.Auth
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email delivers via SMTP. Sending configuration is cached per
// (integration, host, port, user) and invalidated explicitly when an
// integration's credentials change.
type Email struct {
	store    EmailStore
	appName  string
	limiter  *rate.Limiter
	sendMail sendMailFunc

	mu    sync.Mutex
	cache map[string]*smtpTransport
}

func NewEmail(store EmailStore, appName string) *Email {
	if appName == "" {
		appName = "MultiDashboard"
	}
	return &Email{
		store:    store,
		appName:  appName,
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		sendMail: smtp.SendMail,
		cache:    make(map[string]*smtpTransport),
	}
}

func (e *Email) Type() core.IntegrationType { return core.IntegrationEmail }

func (e *Email) ValidateIntegration(in *core.Integration) error {
	for _, key := range emailRequiredCredentials {
		if in.Credentials[key] == "" {
			return &core.ConfigurationError{Integration: core.IntegrationEmail, Key: "credential " + key}
		}
	}
	if in.Config["fromEmail"] == "" {
		return &core.ConfigurationError{Integration: core.IntegrationEmail, Key: "config fromEmail"}
	}
	return nil
}

func (e *Email) transport(in *core.Integration) *smtpTransport {
	creds := in.Credentials
	key := fmt.Sprintf("%s:%s:%s:%s", in.ID, creds["smtpHost"], creds["smtpPort"], creds["smtpUser"])

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.cache[key]; ok {
		return t
	}

	port, err := strconv.Atoi(creds["smtpPort"])
	if err != nil || port == 0 {
		port = 587
	}
	t := &smtpTransport{
		addr: fmt.Sprintf("%s:%d", creds["smtpHost"], port),
		auth: smtp.PlainAuth("", creds["smtpUser"], creds["smtpPassword"], creds["smtpHost"]),
	}
	e.cache[key] = t
	return t
}

// Invalidate drops cached transports for an integration; call it whenever the
// integration's credentials are updated.
func (e *Email) Invalidate(integrationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.cache {
		if strings.HasPrefix(key, integrationID+":") {
			delete(e.cache, key)
		}
	}
}

func (e *Email) Deliver(ctx context.Context, in *core.Integration, logs []*core.MessageLog, content string, attachments []core.Attachment) {
	transport := e.transport(in)

	defaultSubject := in.Config["defaultSubject"]
	if defaultSubject == "" {
		defaultSubject = "New message"
	}
	fromName := in.Config["fromName"]
	if fromName == "" {
		fromName = e.appName
	}
	fromAddress := in.Config["fromEmail"]
	fromHeader := fromAddress
	if fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", fromName, fromAddress)
	}

	body := content
	if len(attachments) > 0 {
		var names []string
		for _, a := range attachments {
			name := a.OriginalName
			if name == "" {
				name = a.Filename
			}
			if a.URL != "" {
				name += ": " + a.URL
			}
			names = append(names, name)
		}
		body += "\n\nAttachments:\n" + strings.Join(names, "\n")
	}

	for _, row := range logs {
		targetEmail := ""
		if row.RecipientEmail != nil {
			targetEmail = *row.RecipientEmail
		}
		if targetEmail == "" && row.RecipientUserID != nil {
			email, _, err := e.store.UserEmail(ctx, *row.RecipientUserID)
			if err == nil {
				targetEmail = email
			}
		}
		if targetEmail == "" {
			e.fail(ctx, row, "Recipient has no email address.")
			continue
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return
		}

		subject := defaultSubject
		if row.Title != nil && *row.Title != "" {
			subject = *row.Title
		}
		msg := buildEmailMessage(fromHeader, targetEmail, subject, body)

		start := time.Now()
		err := e.sendMail(transport.addr, transport.auth, fromAddress, []string{targetEmail}, []byte(msg))
		metrics.DeliveryDuration.WithLabelValues("email").Observe(time.Since(start).Seconds())
		if err != nil {
			e.fail(ctx, row, err.Error())
			continue
		}
		if err := e.store.MarkLogSent(ctx, row.ID); err == nil {
			metrics.DeliveryTotal.WithLabelValues("email", "sent").Inc()
		}
	}
}

func (e *Email) fail(ctx context.Context, row *core.MessageLog, msg string) {
	metrics.DeliveryTotal.WithLabelValues("email", "failed").Inc()
	_ = e.store.MarkLogFailed(ctx, row.ID, msg)
}

func buildEmailMessage(from, to, subject, body string) string {
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body)
}
