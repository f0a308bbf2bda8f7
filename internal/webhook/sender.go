// Package webhook delivers received push payloads to tenant endpoints with
// bounded exponential retry, persisting every attempt's outcome.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"fcmrelay/internal/logging"
	"fcmrelay/internal/metrics"
	"fcmrelay/internal/model"
)

const (
	maxRetries   = 3
	maxBodyBytes = 64 << 10 // response bodies beyond this are truncated in the log
)

// OutcomeStore persists delivery outcomes back to the message log.
type OutcomeStore interface {
	UpdateWebhookOutcome(ctx context.Context, logID string, status int, response string) error
}

// Sender posts payloads to webhook URLs. Safe for concurrent use.
type Sender struct {
	client    *http.Client
	baseDelay time.Duration
	log       *logging.Logger
}

// NewSender creates a Sender with a 10 s total timeout and 5 s connect timeout.
func NewSender(log *logging.Logger) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
		baseDelay: time.Second,
		log:       log,
	}
}

// SetBaseDelay overrides the retry backoff base. Used by tests.
func (s *Sender) SetBaseDelay(d time.Duration) {
	s.baseDelay = d
}

// Send posts payload to url with up to 1+maxRetries attempts, sleeping
// baseDelay*2^(n-1) between attempts. Every attempt's outcome is written to
// the store; transport failures record status 0. Delivery failure is never
// surfaced to the caller; the log row is the outcome.
func (s *Sender) Send(ctx context.Context, url, payload string, headers map[string]string, entry *model.MessageLog, store OutcomeStore) {
	var lastErr string

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay * (1 << (attempt - 1))
			s.log.Warn("webhook retry",
				"message", entry.ID, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.recordOutcome(entry, store, 0, "delivery cancelled: "+ctx.Err().Error())
				return
			}
		}

		status, body, err := s.sendOnce(ctx, url, payload, headers)
		if err != nil {
			lastErr = err.Error()
			metrics.WebhookAttempts.WithLabelValues("transport_error").Inc()
			s.log.Error("webhook request failed", "message", entry.ID, "error", err)
			s.recordOutcome(entry, store, 0, lastErr)
			continue
		}

		s.recordOutcome(entry, store, status, body)
		if status >= 200 && status < 300 {
			metrics.WebhookAttempts.WithLabelValues("success").Inc()
			s.log.Info("webhook delivered", "message", entry.ID, "status", status)
			return
		}
		metrics.WebhookAttempts.WithLabelValues("non_2xx").Inc()
		lastErr = fmt.Sprintf("HTTP %d: %s", status, body)
		s.log.Warn("webhook returned non-2xx", "message", entry.ID, "status", status)
	}

	final := fmt.Sprintf("All %d retries failed. Last error: %s", maxRetries, lastErr)
	s.recordOutcome(entry, store, 0, final)
	s.log.Warn("webhook delivery failed", "message", entry.ID, "error", final)
}

// RetryMessage replays a stored payload. Used by the control plane's
// explicit retry endpoint.
func (s *Sender) RetryMessage(ctx context.Context, entry *model.MessageLog, url string, headers map[string]string, store OutcomeStore) {
	s.log.Info("retrying webhook", "message", entry.ID)
	s.Send(ctx, url, entry.Payload, headers, entry, store)
}

func (s *Sender) sendOnce(ctx context.Context, url, payload string, headers map[string]string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		// Malformed custom headers are skipped rather than failing delivery.
		if !validHeaderName(k) || !validHeaderValue(v) {
			s.log.Warn("skipping invalid webhook header", "name", k)
			continue
		}
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	return resp.StatusCode, string(body), nil
}

func (s *Sender) recordOutcome(entry *model.MessageLog, store OutcomeStore, status int, response string) {
	entry.WebhookStatus = &status
	entry.WebhookResponse = response
	// Outcome writes use a fresh context: the result should land even when
	// the delivery context was cancelled mid-flight.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.UpdateWebhookOutcome(ctx, entry.ID, status, response); err != nil {
		s.log.Error("failed to persist webhook outcome", "message", entry.ID, "error", err)
	}
}

// validHeaderName reports whether name is a valid HTTP token.
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r >= 0x7f || strings.ContainsRune("()<>@,;:\\\"/[]?={}", r) {
			return false
		}
	}
	return true
}

// validHeaderValue rejects control characters that would break the wire format.
func validHeaderValue(v string) bool {
	for _, r := range v {
		if r == '\r' || r == '\n' || (r < ' ' && r != '\t') {
			return false
		}
	}
	return true
}
