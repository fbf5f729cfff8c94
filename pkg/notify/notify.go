// Package notify dispatches email notifications for captured tasks through an
// HTTP email API. The sender owns its credential; there is no package-level
// token cache. Throttling responses surface as backoff.RateLimitedError so
// the executor's retry loop can honor provider hints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/inklet/inklet/pkg/backoff"
)

const defaultBaseURL = "https://api.resend.com"

// PermanentError marks auth/permission failures that no retry can fix.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("notify: permanent failure (HTTP %d): %s", e.StatusCode, e.Body)
}

// Sender sends email through the configured API.
type Sender struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
}

// NewSender builds a sender for the given credential. baseURL is overridable
// for self-hosted gateways and tests; empty means the hosted API.
func NewSender(apiKey, from, baseURL string) *Sender {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Sender{
		baseURL: baseURL,
		apiKey:  apiKey,
		from:    from,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Send delivers one email and returns the provider message id. A 429 returns
// a backoff.RateLimitedError carrying the Retry-After hint; 401/403 return
// PermanentError; other non-2xx statuses return plain errors.
func (s *Sender) Send(ctx context.Context, subject, body, recipient string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"from":    s.from,
		"to":      []string{recipient},
		"subject": subject,
		"text":    body,
	})
	if err != nil {
		return "", fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("notify: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var parsed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return "", fmt.Errorf("notify: parse response: %w", err)
		}
		return parsed.ID, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &backoff.RateLimitedError{RetryAfter: retryAfterHint(resp)}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &PermanentError{StatusCode: resp.StatusCode, Body: string(respBody)}

	default:
		return "", fmt.Errorf("notify: send failed (HTTP %d): %s", resp.StatusCode, respBody)
	}
}

// retryAfterHint parses the Retry-After header, which may be either delay
// seconds or an HTTP-date.
func retryAfterHint(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(raw)
	if err != nil {
		return 0
	}
	if d := time.Until(at); d > 0 {
		return d
	}
	return 0
}
