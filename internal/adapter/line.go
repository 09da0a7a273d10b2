package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/multidash/messaging-gateway/internal/core"
	"github.com/multidash/messaging-gateway/internal/metrics"
	"golang.org/x/time/rate"
)

const linePushEndpoint = "https://api.line.me/v2/bot/message/push"

// Line delivers through the LINE Messaging API push endpoint.
type Line struct {
	store    LogMarker
	client   *http.Client
	limiter  *rate.Limiter
	endpoint string
}

func NewLine(store LogMarker) *Line {
	return &Line{
		store:    store,
		client:   newWebhookClient(10 * time.Second),
		limiter:  rate.NewLimiter(rate.Limit(20), 40),
		endpoint: linePushEndpoint,
	}
}

func (l *Line) Type() core.IntegrationType { return core.IntegrationLine }

func (l *Line) ValidateIntegration(in *core.Integration) error {
	if in.Credentials["channelAccessToken"] == "" {
		return &core.ConfigurationError{Integration: core.IntegrationLine, Key: "credential channelAccessToken"}
	}
	return nil
}

func (l *Line) Deliver(ctx context.Context, in *core.Integration, logs []*core.MessageLog, content string, _ []core.Attachment) {
	token := in.Credentials["channelAccessToken"]

	for _, row := range logs {
		if row.LineRecipientID == nil || *row.LineRecipientID == "" {
			metrics.DeliveryTotal.WithLabelValues("line", "failed").Inc()
			_ = l.store.MarkLogFailed(ctx, row.ID, "Recipient missing LINE user ID.")
			continue
		}

		if err := l.limiter.Wait(ctx); err != nil {
			return
		}

		text := content
		if row.Title != nil && *row.Title != "" {
			text = *row.Title + "\n\n" + content
		}

		start := time.Now()
		err := l.push(ctx, token, *row.LineRecipientID, text)
		metrics.DeliveryDuration.WithLabelValues("line").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.DeliveryTotal.WithLabelValues("line", "failed").Inc()
			_ = l.store.MarkLogFailed(ctx, row.ID, err.Error())
			continue
		}
		if err := l.store.MarkLogSent(ctx, row.ID); err == nil {
			metrics.DeliveryTotal.WithLabelValues("line", "sent").Inc()
		}
	}
}

func (l *Line) push(ctx context.Context, token, to, text string) error {
	payload := map[string]any{
		"to": to,
		"messages": []map[string]string{
			{"type": "text", "text": text},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("LINE push failed (%d): %s", resp.StatusCode, readBody(resp.Body))
	}
	return nil
}
