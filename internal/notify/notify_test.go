package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/notify"
)

func TestWebhookSender(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender, err := notify.New(config.NotifyConfig{Backend: "webhook", WebhookURL: srv.URL}, events.Discard())
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), "alice@example.com", "Recovery", "token ABC"))
	assert.Equal(t, "alice@example.com", got["recipient"])
	assert.Equal(t, "Recovery", got["subject"])
	assert.Equal(t, "token ABC", got["message"])
}

func TestWebhookSenderClientError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	sender := notify.NewWebhookSender(config.NotifyConfig{WebhookURL: srv.URL, MaxRetries: 3}, events.Discard())
	err := sender.Send(context.Background(), "a", "s", "m")

	assert.ErrorIs(t, err, models.ErrNotifyFailed)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.ErrCodeNotifyFailure, models.Code(err))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.NotifyConfig
		wantErr bool
	}{
		{name: "default", cfg: config.NotifyConfig{}},
		{name: "log", cfg: config.NotifyConfig{Backend: "log"}},
		{name: "webhook without url", cfg: config.NotifyConfig{Backend: "webhook"}, wantErr: true},
		{name: "unknown", cfg: config.NotifyConfig{Backend: "smtp"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := notify.New(tt.cfg, events.Discard())
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	require.NoError(t, notify.NewLogSender(logger).Send(context.Background(), "bob", "subj", "hello"))
	assert.Contains(t, buf.String(), `"recipient":"bob"`)
	assert.Contains(t, buf.String(), "hello")
}
