package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/catalog"
	"github.com/nulpointcorp/inference-gateway/internal/secrets"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// --- helpers ----------------------------------------------------------------

// testBackend is an httptest inference backend with a programmable handler
// and a call counter.
type testBackend struct {
	srv   *httptest.Server
	calls int32
}

func newTestBackend(t *testing.T, handler http.HandlerFunc) *testBackend {
	t.Helper()
	tb := &testBackend{}
	tb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tb.calls, 1)
		handler(w, r)
	}))
	t.Cleanup(tb.srv.Close)
	return tb
}

func (tb *testBackend) Calls() int32 { return atomic.LoadInt32(&tb.calls) }

func completionBody(content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"choices": []map[string]any{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	})
	return b
}

func okBackend(t *testing.T) *testBackend {
	return newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionBody("hello"))
	})
}

// newTestGateway wires a Gateway against backendURL with an in-process cache
// and a millisecond retry schedule.
func newTestGateway(t *testing.T, backendURL string) *Gateway {
	t.Helper()

	mem := cache.NewMemoryCache(context.Background())
	t.Cleanup(func() { mem.Close() })

	store := secrets.NewInMemoryStore()
	store.SetSecret("internal-service-key", "sk-internal-test")

	d := backend.NewDispatcher(backend.DispatcherOptions{
		MaxRetries:     3,
		AttemptTimeout: 2 * time.Second,
		BackoffBase:    time.Millisecond,
	})

	return NewGatewayWithOptions(
		context.Background(),
		catalog.Default(),
		mem,
		backend.NewResolver(backendURL, nil),
		d,
		store,
		GatewayOptions{},
	)
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline. Returns an HTTP client that routes to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doPost(t *testing.T, client *http.Client, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://gateway"+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, body)
	}
	return env.Error.Code
}

// --- constructor ------------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, catalog.Default(), nil, nil, nil, nil)
}

func TestNewGateway_PanicsOnEmptyCatalog(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for empty catalog")
		}
	}()
	NewGateway(context.Background(), catalog.New(nil), nil, nil, nil, nil)
}

// --- request pipeline -------------------------------------------------------

func TestChatCompletions_MinimalRequest(t *testing.T) {
	tb := okBackend(t)
	client := serveGateway(t, newTestGateway(t, tb.srv.URL))

	resp := doPost(t, client, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	// "hi" is short and simple → economy tier.
	if got := resp.Header.Get("X-Model"); got != "phi-3-mini" {
		t.Errorf("X-Model = %q, want phi-3-mini", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing")
	}
	if resp.Header.Get("X-Duration-Ms") == "" {
		t.Error("X-Duration-Ms missing")
	}
	if tb.Calls() != 1 {
		t.Errorf("backend calls = %d, want 1", tb.Calls())
	}
}

func TestChatCompletions_RepeatIsCacheHit(t *testing.T) {
	tb := okBackend(t)
	client := serveGateway(t, newTestGateway(t, tb.srv.URL))

	const reqBody = `{"messages":[{"role":"user","content":"hi"}]}`

	first := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, first)
	if got := first.Header.Get("X-Cache"); got != "MISS" {
		t.Fatalf("first X-Cache = %q, want MISS", got)
	}

	second := doPost(t, client, "/v1/chat/completions", reqBody)
	body := readBody(t, second)
	if got := second.Header.Get("X-Cache"); got != "HIT" {
		t.Fatalf("second X-Cache = %q, want HIT", got)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal hit body: %v", err)
	}
	if payload["_cached"] != true {
		t.Error("hit body must carry _cached: true")
	}
	if tb.Calls() != 1 {
		t.Errorf("backend calls = %d, want 1 (no second dispatch on hit)", tb.Calls())
	}
}

// Equivalent requests differing only in field order and explicit defaults
// must share a cache entry.
func TestChatCompletions_EquivalentRequestsShareEntry(t *testing.T) {
	tb := okBackend(t)
	client := serveGateway(t, newTestGateway(t, tb.srv.URL))

	readBody(t, doPost(t, client, "/v1/chat/completions",
		`{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}]}`))

	resp := doPost(t, client, "/v1/chat/completions",
		`{"messages":[{"content":"hi","role":"user"}],"temperature":1.0,"model":"phi-3-mini","max_tokens":256}`)
	readBody(t, resp)

	if got := resp.Header.Get("X-Cache"); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT for an equivalent request", got)
	}
	if tb.Calls() != 1 {
		t.Errorf("backend calls = %d, want 1", tb.Calls())
	}
}

func TestChatCompletions_MalformedJSON(t *testing.T) {
	tb := okBackend(t)
	client := serveGateway(t, newTestGateway(t, tb.srv.URL))

	resp := doPost(t, client, "/v1/chat/completions", `{"messages": [`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "invalid_request" {
		t.Errorf("code = %q, want invalid_request", code)
	}
	if tb.Calls() != 0 {
		t.Errorf("backend calls = %d, want 0", tb.Calls())
	}
}

func TestChatCompletions_ValidationError(t *testing.T) {
	tb := okBackend(t)
	client := serveGateway(t, newTestGateway(t, tb.srv.URL))

	resp := doPost(t, client, "/v1/chat/completions",
		`{"temperature":2.5,"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "invalid_request" {
		t.Errorf("code = %q, want invalid_request", code)
	}
	if tb.Calls() != 0 {
		t.Errorf("backend calls = %d, want 0 (validation precedes dispatch)", tb.Calls())
	}
}

// A backend that answers 503 for every retry: the gateway relays the final
// backend response verbatim, status included.
func TestChatCompletions_BackendErrorRelayed(t *testing.T) {
	tb := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"model overloaded"}}`))
	})
	client := serveGateway(t, newTestGateway(t, tb.srv.URL))

	resp := doPost(t, client, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 relayed from the backend", resp.StatusCode)
	}
	if string(body) != `{"error":{"message":"model overloaded"}}` {
		t.Errorf("body not relayed verbatim: %s", body)
	}
	if tb.Calls() != 3 {
		t.Errorf("backend calls = %d, want 3 (retries exhausted)", tb.Calls())
	}
}

func TestChatCompletions_UnreachableBackend(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	client := serveGateway(t, newTestGateway(t, dead.URL))

	resp := doPost(t, client, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "internal_error" {
		t.Errorf("code = %q, want internal_error", code)
	}
}

// The backend receives the resolved request: concrete model, defaults filled
// in, and the bearer credential from the secret store.
func TestChatCompletions_ResolvedRequestForwarded(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	tb := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		w.Write(completionBody("ok"))
	})
	client := serveGateway(t, newTestGateway(t, tb.srv.URL))

	readBody(t, doPost(t, client, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`))

	var fwd struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
	}
	if err := json.Unmarshal(gotBody, &fwd); err != nil {
		t.Fatalf("unmarshal forwarded body: %v", err)
	}
	if fwd.Model != "phi-3-mini" {
		t.Errorf("forwarded model = %q, want phi-3-mini", fwd.Model)
	}
	if fwd.Temperature != 1.0 || fwd.MaxTokens != 256 {
		t.Errorf("defaults not resolved: temperature=%g max_tokens=%d", fwd.Temperature, fwd.MaxTokens)
	}
	if gotAuth != "Bearer sk-internal-test" {
		t.Errorf("Authorization = %q, want Bearer sk-internal-test", gotAuth)
	}
}

// Streaming requests bypass the cache in both directions.
func TestChatCompletions_StreamBypassesCache(t *testing.T) {
	tb := okBackend(t)
	client := serveGateway(t, newTestGateway(t, tb.srv.URL))

	const reqBody = `{"messages":[{"role":"user","content":"hi"}],"stream":true}`

	readBody(t, doPost(t, client, "/v1/chat/completions", reqBody))
	resp := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp)

	if got := resp.Header.Get("X-Cache"); got == "HIT" {
		t.Error("streaming request must never be served from the cache")
	}
	if tb.Calls() != 2 {
		t.Errorf("backend calls = %d, want 2 (no cache write for streams)", tb.Calls())
	}
}

// --- models & health endpoints ----------------------------------------------

func TestModelsEndpoint(t *testing.T) {
	tb := okBackend(t)
	client := serveGateway(t, newTestGateway(t, tb.srv.URL))

	resp, err := client.Get("http://gateway/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID            string `json:"id"`
			ContextLength int    `json:"context_length"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if list.Object != "list" {
		t.Errorf("object = %q, want list", list.Object)
	}
	if len(list.Data) != 3 {
		t.Fatalf("len(data) = %d, want 3", len(list.Data))
	}
}

func TestHealthEndpointWithoutChecker(t *testing.T) {
	tb := okBackend(t)
	client := serveGateway(t, newTestGateway(t, tb.srv.URL))

	resp, err := client.Get("http://gateway/health")
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	}, recovery)

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if code := errorCode(t, ctx.Response.Body()); code != "internal_error" {
		t.Errorf("code = %q, want internal_error", code)
	}
}

func TestRequestIDMiddlewarePreservesClientID(t *testing.T) {
	var seen string
	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	}, requestID)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "client-supplied")
	handler(ctx)

	if seen != "client-supplied" {
		t.Fatalf("request_id = %q, want client-supplied", seen)
	}
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-supplied" {
		t.Fatalf("X-Request-ID = %q, want client-supplied", got)
	}
}
