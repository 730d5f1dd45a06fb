package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultMaxRetries is the total number of attempts per dispatch,
	// including the first.
	DefaultMaxRetries = 3

	// DefaultAttemptTimeout caps each attempt independently; it is not
	// cumulative across retries.
	DefaultAttemptTimeout = 120 * time.Second

	// defaultBackoffBase is the unit for the exponential backoff schedule:
	// the sleep before retry n is backoffBase << n (1s, 2s, 4s, ...).
	defaultBackoffBase = time.Second
)

// Response is what the backend actually returned, at any HTTP status.
// The body is relayed verbatim — the dispatcher never synthesizes a
// different error payload on the backend's behalf.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the backend answered with HTTP 200.
func (r *Response) OK() bool { return r.StatusCode == http.StatusOK }

// DispatchError means the dispatcher never got an HTTP response: every
// attempt failed at the transport level (connection refused, timeout).
// It is distinct from a backend HTTP error response, which is returned as a
// *Response with its original status code.
type DispatchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("backend: dispatch to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// DispatcherOptions holds optional tuning parameters. Zero values use the
// package defaults.
type DispatcherOptions struct {
	// MaxRetries is the total number of attempts per dispatch. Must be ≥ 1.
	MaxRetries int

	// AttemptTimeout is the per-attempt HTTP deadline.
	AttemptTimeout time.Duration

	// BackoffBase scales the 2^attempt backoff schedule. Intended for tests;
	// production uses the 1-second default.
	BackoffBase time.Duration

	// Logger for attempt diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Dispatcher forwards chat-completion bodies to inference backends.
//
// Retry policy:
//   - HTTP 200            → returned immediately.
//   - HTTP 5xx            → retried with exponential backoff; when retries
//     are exhausted the LAST backend response is returned as-is.
//   - HTTP 4xx            → returned immediately, no retry (client errors
//     are not transient).
//   - transport failure   → retried with the same schedule; a final
//     transport failure surfaces a *DispatchError.
//
// The dispatcher never touches the cache and has no side effects beyond the
// network call.
type Dispatcher struct {
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
	log         *slog.Logger
}

// NewDispatcher creates a Dispatcher with a tuned HTTP transport: bounded
// dial and header timeouts, HTTP/2 where available, and a keep-alive pool
// sized for many concurrent in-flight requests.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: attemptTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		ForceAttemptHTTP2:     true,
	}

	return &Dispatcher{
		client: &http.Client{
			// The client timeout is the per-attempt deadline; each retry gets
			// a fresh one.
			Timeout:   attemptTimeout,
			Transport: transport,
		},
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		log:         log,
	}
}

// Dispatch POSTs body to url with the given headers and applies the retry
// policy documented on Dispatcher. Content-Type is always application/json.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	var (
		lastResp *Response
		lastErr  error
	)

	for attempt := 0; attempt < d.maxRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, attempt-1); err != nil {
				break
			}
		}

		resp, err := d.do(ctx, url, body, headers)
		if err != nil {
			lastResp, lastErr = nil, err
			d.log.WarnContext(ctx, "backend_attempt_failed",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			lastResp, lastErr = resp, nil
			d.log.WarnContext(ctx, "backend_server_error",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Int("status", resp.StatusCode),
			)
			continue
		}

		// 200 and client errors return immediately — 4xx will not change on retry.
		return resp, nil
	}

	if lastResp != nil {
		// Retries exhausted on server errors: relay the last response as-is.
		return lastResp, nil
	}

	return nil, &DispatchError{URL: url, Attempts: d.maxRetries, Err: lastErr}
}

// do performs a single attempt.
func (d *Dispatcher) do(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	httpResp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: respBody}, nil
}

// sleep blocks for backoffBase * 2^attempt, waking early if ctx is done.
// Only the current request's goroutine sleeps; other in-flight requests are
// unaffected.
func (d *Dispatcher) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(d.backoffBase << uint(attempt))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
