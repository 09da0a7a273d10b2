package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/multidash/messaging-gateway/internal/core"
)

func lineIntegration() *core.Integration {
	return &core.Integration{
		ID:          "int-line",
		Type:        core.IntegrationLine,
		Credentials: map[string]string{"channelAccessToken": "tok-123"},
	}
}

func TestLineValidateIntegration(t *testing.T) {
	l := NewLine(newFakeMarker())
	require.NoError(t, l.ValidateIntegration(lineIntegration()))

	err := l.ValidateIntegration(&core.Integration{Credentials: map[string]string{}})
	require.True(t, core.IsConfiguration(err))
	require.Contains(t, err.Error(), "channelAccessToken")
}

type linePush struct {
	To       string `json:"to"`
	Messages []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"messages"`
}

func TestLineDeliver(t *testing.T) {
	var pushes []linePush
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		var p linePush
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		pushes = append(pushes, p)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeMarker()
	l := NewLine(store)
	l.endpoint = srv.URL

	title := "Notice"
	logs := []*core.MessageLog{
		{ID: "log-1", LineRecipientID: strp("U111"), Title: &title},
		{ID: "log-2", LineRecipientID: strp("U222")},
		{ID: "log-3"}, // no LINE account linked
	}
	l.Deliver(context.Background(), lineIntegration(), logs, "hello there", nil)

	require.Len(t, pushes, 2)
	require.Equal(t, "U111", pushes[0].To)
	require.Equal(t, "text", pushes[0].Messages[0].Type)
	require.Equal(t, "Notice\n\nhello there", pushes[0].Messages[0].Text)
	require.Equal(t, "hello there", pushes[1].Messages[0].Text)
	require.Equal(t, "Bearer tok-123", auths[0])

	require.Equal(t, []string{"log-1", "log-2"}, store.sent)
	require.Equal(t, "Recipient missing LINE user ID.", store.failed["log-3"])
}

func TestLineDeliverAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid token"}`))
	}))
	defer srv.Close()

	store := newFakeMarker()
	l := NewLine(store)
	l.endpoint = srv.URL

	logs := []*core.MessageLog{{ID: "log-1", LineRecipientID: strp("U111")}}
	l.Deliver(context.Background(), lineIntegration(), logs, "hi", nil)

	require.Empty(t, store.sent)
	require.Contains(t, store.failed["log-1"], "LINE push failed (401)")
	require.Contains(t, store.failed["log-1"], "invalid token")
}
