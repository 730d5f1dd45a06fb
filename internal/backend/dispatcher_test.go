package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestDispatcher returns a Dispatcher with a millisecond backoff base so
// the retry schedule completes quickly in tests.
func newTestDispatcher(maxRetries int) *Dispatcher {
	return NewDispatcher(DispatcherOptions{
		MaxRetries:     maxRetries,
		AttemptTimeout: 2 * time.Second,
		BackoffBase:    time.Millisecond,
	})
}

func TestDispatchOK(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %s, want application/json", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-internal" {
			t.Errorf("Authorization = %q, want Bearer sk-internal", auth)
		}
		w.Write([]byte(`{"id":"chatcmpl-1"}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(3)
	resp, err := d.Dispatch(context.Background(), srv.URL, []byte(`{}`),
		map[string]string{"Authorization": "Bearer sk-internal"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"id":"chatcmpl-1"}` {
		t.Fatalf("body = %s", resp.Body)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("backend called %d times, want 1", n)
	}
}

// TestDispatchRetriesServerErrors verifies that 5xx responses are retried
// and a late success is returned.
func TestDispatchRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"chatcmpl-2"}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(3)
	resp, err := d.Dispatch(context.Background(), srv.URL, []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("backend called %d times, want 3", n)
	}
}

// TestDispatchRelaysLastServerError verifies that when every attempt returns
// 5xx, the final backend response is relayed verbatim rather than replaced
// with a synthesized error.
func TestDispatchRelaysLastServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"backend overloaded"}}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(3)
	resp, err := d.Dispatch(context.Background(), srv.URL, []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Dispatch must not error when the backend responded: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if string(resp.Body) != `{"error":{"message":"backend overloaded"}}` {
		t.Fatalf("body not relayed as-is: %s", resp.Body)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("backend called %d times, want exactly max retries (3)", n)
	}
}

// TestDispatchNoRetryOnClientError verifies that 4xx responses return
// immediately — client errors are not transient.
func TestDispatchNoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"bad params"}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(3)
	resp, err := d.Dispatch(context.Background(), srv.URL, []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("backend called %d times, want 1 (no retry on 4xx)", n)
	}
}

// TestDispatchTransportFailure verifies that an unreachable backend yields a
// typed *DispatchError after exhausting retries.
func TestDispatchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening any more

	d := newTestDispatcher(3)
	resp, err := d.Dispatch(context.Background(), srv.URL, []byte(`{}`), nil)
	if resp != nil {
		t.Fatalf("expected nil response, got status %d", resp.StatusCode)
	}

	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DispatchError, got %T: %v", err, err)
	}
	if de.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", de.Attempts)
	}
}

// TestDispatchTransportThenServerError: when the final attempt gets an HTTP
// response, that response wins over earlier transport failures.
func TestDispatchTransportThenServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream"}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(2)
	resp, err := d.Dispatch(context.Background(), srv.URL, []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestDispatchBackoffSchedule(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	base := 10 * time.Millisecond
	d := NewDispatcher(DispatcherOptions{
		MaxRetries:     3,
		AttemptTimeout: time.Second,
		BackoffBase:    base,
	})

	start := time.Now()
	_, _ = d.Dispatch(context.Background(), srv.URL, []byte(`{}`), nil)
	elapsed := time.Since(start)

	// Sleeps are base*2^0 + base*2^1 = 3*base between the three attempts.
	if elapsed < 3*base {
		t.Fatalf("elapsed %v, want at least %v (exponential backoff)", elapsed, 3*base)
	}
}
