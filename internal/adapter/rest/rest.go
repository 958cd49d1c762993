// Package rest is the JSON-over-HTTP client shared by the REST adapters.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultTimeout bounds a single HTTP attempt.
const DefaultTimeout = 15 * time.Second

// DefaultMaxTries is how many attempts a retryable request gets.
const DefaultMaxTries = 3

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client sends JSON requests relative to BaseURL.
type Client struct {
	BaseURL  string
	Header   http.Header
	HTTP     *http.Client
	MaxTries uint
	// BackOff builds the delay schedule for one request; nil uses an
	// exponential schedule starting at 500ms.
	BackOff func() backoff.BackOff
}

// New returns a client with default timeout and retry settings.
func New(baseURL string, header http.Header) *Client {
	if header == nil {
		header = make(http.Header)
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Header:   header,
		HTTP:     &http.Client{Timeout: DefaultTimeout},
		MaxTries: DefaultMaxTries,
	}
}

func (c *Client) backOff() backoff.BackOff {
	if c.BackOff != nil {
		return c.BackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// Do sends in (JSON-encoded when non-nil) and decodes the response into
// out (when non-nil). Transport errors, 429 and 5xx are retried; other
// statuses are returned as *StatusError at once.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	tries := c.MaxTries
	if tries == 0 {
		tries = 1
	}
	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.once(ctx, method, path, body)
	}, backoff.WithBackOff(c.backOff()), backoff.WithMaxTries(tries))
	if err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) once(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	se := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)))}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, se
	case resp.StatusCode >= 500:
		return nil, se
	default:
		return nil, backoff.Permanent(se)
	}
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "..."
}
