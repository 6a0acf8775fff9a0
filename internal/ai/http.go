package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"pdf-vector-ingest/internal/logger"
)

// ProviderError is a non-2xx answer from an embeddings API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s embeddings failed: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// jsonClient posts JSON to an embeddings endpoint with bounded retries.
type jsonClient struct {
	provider   string
	apiKey     string
	client     *http.Client
	maxRetries int
	sleep      func(context.Context, time.Duration) error
}

func newJSONClient(provider, apiKey string, timeout time.Duration, maxRetries int) *jsonClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &jsonClient{
		provider:   provider,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		sleep:      sleepCtx,
	}
}

func (c *jsonClient) post(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", c.provider, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt - 1)
			var pe *ProviderError
			if errors.As(lastErr, &pe) && pe.RetryAfter > 0 {
				delay = pe.RetryAfter
			}
			logger.Warn("Retrying embeddings request", "provider", c.provider, "attempt", attempt, "delay", delay.String(), "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = c.do(ctx, url, data, out)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		var pe *ProviderError
		if errors.As(lastErr, &pe) && !pe.Retryable {
			return lastErr
		}
	}
	return lastErr
}

func (c *jsonClient) do(ctx context.Context, url string, data []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.provider, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", c.provider, err)
	}

	if resp.StatusCode >= 300 {
		return &ProviderError{
			Provider:   c.provider,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(payload, resp.Status),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.provider, err)
	}
	return nil
}

// errorMessage pulls a human readable message out of the common error shapes.
func errorMessage(payload []byte, status string) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(payload, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		switch e := body.Error.(type) {
		case string:
			return e
		case map[string]any:
			if msg, ok := e["message"].(string); ok {
				return msg
			}
		}
	}
	if len(payload) > 0 && len(payload) < 512 {
		return string(payload)
	}
	return status
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		return 5 * time.Second
	}
	d := 200 * time.Millisecond << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
