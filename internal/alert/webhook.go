package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

var httpClient = &http.Client{Timeout: requestTimeout}

// newBackOff returns the retry schedule between attempts.
var newBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 4 * time.Second
	return b
}

// Send posts m to the webhook, retrying transport errors and 5xx responses.
// A 4xx response is final.
func Send(ctx context.Context, cfg Config, m Message) error {
	body, err := FormatPayload(cfg, m)
	if err != nil {
		return fmt.Errorf("alert: format payload: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return struct{}{}, backoff.Permanent(fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode))
		default:
			return struct{}{}, fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
		}
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxTries(maxRetries))
	if err != nil {
		return fmt.Errorf("alert: send to %s: %w", redactURL(cfg.URL), err)
	}
	return nil
}

// redactURL drops the path, which for chat webhooks carries the token.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "webhook"
	}
	return u.Scheme + "://" + u.Host
}
