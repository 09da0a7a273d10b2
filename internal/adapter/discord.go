package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/multidash/messaging-gateway/internal/core"
	"github.com/multidash/messaging-gateway/internal/metrics"
	"golang.org/x/time/rate"
)

// discordMaxContent is the channel's message length ceiling. Truncation
// happens at the webhook call; the persisted row keeps the full content.
const discordMaxContent = 2000

// Discord posts messages to a channel webhook. The webhook URL is the
// integration's only required credential.
type Discord struct {
	store         LogMarker
	client        *http.Client
	limiter       *rate.Limiter
	publicBaseURL string
}

func NewDiscord(store LogMarker, publicBaseURL string) *Discord {
	return &Discord{
		store:         store,
		client:        newWebhookClient(10 * time.Second),
		limiter:       rate.NewLimiter(rate.Limit(5), 10),
		publicBaseURL: publicBaseURL,
	}
}

func (d *Discord) Type() core.IntegrationType { return core.IntegrationDiscord }

func (d *Discord) ValidateIntegration(in *core.Integration) error {
	if in.Credentials["webhookUrl"] == "" {
		return &core.ConfigurationError{Integration: core.IntegrationDiscord, Key: "credential webhookUrl"}
	}
	return nil
}

func (d *Discord) Deliver(ctx context.Context, in *core.Integration, logs []*core.MessageLog, content string, attachments []core.Attachment) {
	webhookURL := in.Credentials["webhookUrl"]
	attachmentNotes := d.attachmentNotes(attachments)

	for _, row := range logs {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		text := content
		if row.Title != nil && *row.Title != "" {
			text = "**" + *row.Title + "**\n" + content
		}
		text = strings.TrimSpace(text + attachmentNotes)

		start := time.Now()
		err := d.post(ctx, webhookURL, text)
		metrics.DeliveryDuration.WithLabelValues("discord").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.DeliveryTotal.WithLabelValues("discord", "failed").Inc()
			_ = d.store.MarkLogFailed(ctx, row.ID, err.Error())
			continue
		}
		if err := d.store.MarkLogSent(ctx, row.ID); err == nil {
			metrics.DeliveryTotal.WithLabelValues("discord", "sent").Inc()
		}
	}
}

func (d *Discord) attachmentNotes(attachments []core.Attachment) string {
	var b strings.Builder
	for _, a := range attachments {
		url := a.URL
		if url == "" {
			continue
		}
		if !strings.HasPrefix(url, "http") {
			url = d.publicBaseURL + url
		}
		name := a.OriginalName
		if name == "" {
			name = a.Filename
		}
		if name == "" {
			name = "file"
		}
		fmt.Fprintf(&b, "\n📎 %s: %s", name, url)
	}
	return b.String()
}

func (d *Discord) post(ctx context.Context, webhookURL, content string) error {
	if runes := []rune(content); len(runes) > discordMaxContent {
		content = string(runes[:discordMaxContent])
	}
	data, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("Discord webhook failed (%d): %s", resp.StatusCode, readBody(resp.Body))
	}
	return nil
}
