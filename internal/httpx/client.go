// Package httpx is the JSON-over-HTTP client shared by the aggregator and
// market API providers.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/logging"
)

const (
	userAgent     = "defi-bundler/1.0"
	maxRetryDelay = 2 * time.Second
	// maxErrorBody bounds how much of a failed response is read for its message.
	maxErrorBody = 4 << 10
)

type Client struct {
	httpClient *http.Client
	retries    int
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
	}
}

// attemptError is a failed attempt; retry is set when another attempt may succeed.
type attemptError struct {
	err        error
	retry      bool
	retryAfter time.Duration
}

// DoJSON sends req, retrying rate limits, server errors and network failures,
// and decodes a 2xx body into out when out is non-nil.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	log := logging.ForComponent(ctx, "httpx").With().Str("method", req.Method).Str("host", req.URL.Host).Str("path", req.URL.Path).Logger()

	var header http.Header
	var failure *attemptError
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			if failure.retryAfter > delay {
				delay = min(failure.retryAfter, maxRetryDelay)
			}
			select {
			case <-ctx.Done():
				return header, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}

		start := time.Now()
		header, failure = c.attempt(ctx, req, out)
		event := log.Debug().Int("attempt", attempt+1).Dur("latency", time.Since(start))
		if failure == nil {
			event.Msg("request ok")
			return header, nil
		}
		event.Err(failure.err).Bool("retry", failure.retry).Msg("request failed")
		if !failure.retry {
			break
		}
	}
	return header, failure.err
}

func (c *Client) attempt(ctx context.Context, req *http.Request, out any) (http.Header, *attemptError) {
	cloneReq := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, &attemptError{err: clierr.Wrap(clierr.CodeInternal, "clone request body", err)}
		}
		cloneReq.Body = body
	}

	resp, err := c.httpClient.Do(cloneReq)
	if err != nil {
		return nil, &attemptError{err: mapNetError(err), retry: ctx.Err() == nil}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.Header, statusError(resp, providerMessage(buf))
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, &attemptError{err: clierr.Wrap(clierr.CodeUnavailable, "read provider response", err), retry: true}
	}
	if out == nil {
		return resp.Header, nil
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return resp.Header, &attemptError{err: clierr.New(clierr.CodeUnavailable, "provider returned empty response")}
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return resp.Header, &attemptError{err: clierr.Wrap(clierr.CodeUnavailable, "decode provider JSON", err)}
	}
	return resp.Header, nil
}

func statusError(resp *http.Response, message string) *attemptError {
	detail := ""
	if message != "" {
		detail = ": " + message
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &attemptError{
			err:        clierr.New(clierr.CodeRateLimited, "provider rate limited request"+detail),
			retry:      true,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &attemptError{err: clierr.New(clierr.CodeAuth, "provider authentication failed"+detail)}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &attemptError{
			err:   clierr.New(clierr.CodeUnavailable, fmt.Sprintf("provider unavailable (status %d)%s", resp.StatusCode, detail)),
			retry: true,
		}
	default:
		return &attemptError{err: clierr.New(clierr.CodeUnavailable, fmt.Sprintf("provider rejected request (status %d)%s", resp.StatusCode, detail))}
	}
}

// providerMessage extracts the error text APIs put in {"error": ...} or
// {"message": ...}, falling back to a short plain-text body.
func providerMessage(buf []byte) string {
	buf = bytes.TrimSpace(buf)
	if len(buf) == 0 {
		return ""
	}
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(buf, &body); err == nil {
		if s, ok := body.Error.(string); ok && s != "" {
			return s
		}
		if body.Message != "" {
			return body.Message
		}
		return ""
	}
	text := strings.TrimSpace(string(buf))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func parseRetryAfter(v string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// DoBodyJSON sends body with the given method; a nil body sends none.
func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.DoJSON(ctx, req, out)
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "provider timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "provider request failed", err)
}

func backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}
