// Package adapter holds the per-channel delivery implementations behind
// core.Adapter. Each adapter performs exactly one delivery attempt per log row
// and records the terminal status itself; batch-level misconfiguration is
// rejected up front via ValidateIntegration.
package adapter

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"
)

// LogMarker is the slice of the store adapters need to finalize rows.
type LogMarker interface {
	MarkLogSent(ctx context.Context, id string) error
	MarkLogFailed(ctx context.Context, id, errMsg string) error
}

// newWebhookClient tunes an http.Client for short webhook calls.
func newWebhookClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   3 * time.Second,
			ResponseHeaderTimeout: 5 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// readBody drains a bounded amount of a response body for error messages.
func readBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil {
		return ""
	}
	return string(b)
}
