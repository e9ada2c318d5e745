package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/models"
)

// WebhookSender POSTs each message as JSON to a fixed URL.
type WebhookSender struct {
	client *http.Client
	url    string
	logger *events.Logger

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

type webhookPayload struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sent_at"`
}

// permanentError stops the retry loop.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// NewWebhookSender creates a sender with an HTTP/2 capable transport.
func NewWebhookSender(cfg config.NotifyConfig, logger *events.Logger) *WebhookSender {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookSender{
		client:     &http.Client{Timeout: timeout, Transport: transport},
		url:        cfg.WebhookURL,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
		logger:     logger.WithField("component", "webhook"),
	}
}

// Send posts the message, retrying server errors with backoff.
func (w *WebhookSender) Send(ctx context.Context, recipient, subject, message string) error {
	body, err := json.Marshal(webhookPayload{
		Recipient: recipient,
		Subject:   subject,
		Message:   message,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	// The message carries a token; only its size is logged.
	w.logger.WithFields(map[string]interface{}{
		"recipient": recipient,
		"size":      len(body),
	}).Debug("Sending notification")

	err = w.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return &permanentError{fmt.Errorf("create request: %w", err)}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "tresor")

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case isRetryable(resp.StatusCode):
			return fmt.Errorf("server error %d: %s", resp.StatusCode, respBody)
		default:
			return &permanentError{fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)}
		}
	})
	if err != nil {
		w.logger.WithError(err).WithField("recipient", recipient).Warn("Notification failed")
		return fmt.Errorf("%w: %v", models.ErrNotifyFailed, err)
	}
	return nil
}

// retry executes a function with exponential backoff.
func (w *WebhookSender) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := w.retryDelay

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			w.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying notification")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isRetryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}
