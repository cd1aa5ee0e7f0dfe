package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/relaypoint/model-gateway/internal/analytics"
	"github.com/relaypoint/model-gateway/internal/batch"
	"github.com/relaypoint/model-gateway/internal/cache"
	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/endpoint"
	"github.com/relaypoint/model-gateway/internal/gateway"
	"github.com/relaypoint/model-gateway/internal/health"
	"github.com/relaypoint/model-gateway/internal/metrics"
	"github.com/relaypoint/model-gateway/internal/router"
	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/internal/webhook"
)

// stubAdapter serves every model of its provider with a canned reply.
type stubAdapter struct {
	name string

	mu    sync.Mutex
	calls int
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Available(context.Context, string) bool { return true }

func (a *stubAdapter) Complete(_ context.Context, req *upstream.Request) (*upstream.Result, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return &upstream.Result{
		ID:           "prov-1",
		Content:      "pong from " + a.name,
		FinishReason: "stop",
		Usage:        upstream.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (a *stubAdapter) Stream(_ context.Context, _ *upstream.Request) (<-chan upstream.StreamChunk, error) {
	ch := make(chan upstream.StreamChunk, 4)
	ch <- upstream.StreamChunk{Content: "Hello"}
	ch <- upstream.StreamChunk{Content: ", world"}
	ch <- upstream.StreamChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (a *stubAdapter) completeCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// testEnv serves the full route table over an in-memory listener.
type testEnv struct {
	client   *http.Client
	adapters map[string]*stubAdapter
	usage    *analytics.Store
	hooks    *webhook.Dispatcher
}

func newTestEnv(t *testing.T, extra ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()

	cat := catalog.Default()
	adapters := map[string]*stubAdapter{
		"openai":    {name: "openai"},
		"anthropic": {name: "anthropic"},
		"google":    {name: "google"},
		"meta":      {name: "meta"},
	}
	byProvider := make(map[string]upstream.Adapter, len(adapters))
	for name, a := range adapters {
		byProvider[name] = a
	}
	rt := router.New(cat, byProvider, router.WithProbeConfig(router.ProbeConfig{
		Timeout:     100 * time.Millisecond,
		Retries:     1,
		BackoffBase: time.Millisecond,
	}))

	usage := analytics.NewStore()
	eps := endpoint.NewStore()
	whStore := webhook.NewStore()
	hooks, err := webhook.NewDispatcher(ctx, whStore)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(func() { hooks.Close() })

	memStore := cache.NewMemoryStore(ctx, time.Minute)
	t.Cleanup(func() { memStore.Close() })
	respCache := cache.NewResponseCache(memStore)

	gw := gateway.New(cat, rt,
		gateway.WithRecorder(usage),
		gateway.WithEndpoints(eps),
		gateway.WithEvents(hooks),
		gateway.WithCache(respCache),
	)

	proc, err := batch.NewProcessor(ctx, gw)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	t.Cleanup(func() { proc.Close() })

	opts := append([]Option{
		WithEndpoints(eps),
		WithWebhooks(whStore, hooks),
		WithBatches(proc),
		WithUsage(usage),
		WithResponseCache(respCache),
		WithMetrics(metrics.New()),
	}, extra...)
	srv := New(gw, cat, opts...)

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, srv.Handler()) }()
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &testEnv{client: client, adapters: adapters, usage: usage, hooks: hooks}
}

// do sends a request as the given owner and returns status plus body.
func (e *testEnv) do(t *testing.T, method, path, owner string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, "http://gateway"+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return v
}

const chatBody = `{"model":"anthropic/claude-3-haiku","messages":[{"role":"user","content":"ping"}]}`

// --- chat completions ---------------------------------------------------------

func TestChatCompletions_OK(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/v1/chat/completions", "acme", chatBody)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}

	out := decode[upstream.ModelResponse](t, body)
	if out.ID != "prov-1" {
		t.Errorf("id = %q, want the provider id passed through", out.ID)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if out.RoutedThrough != "anthropic/claude-3-haiku" {
		t.Errorf("routed_through = %q", out.RoutedThrough)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "pong from anthropic" {
		t.Errorf("choices = %+v", out.Choices)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", out.Usage.TotalTokens)
	}
}

func TestChatCompletions_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/v1/chat/completions", "acme", `{not json`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	env.assertErrType(t, body, "invalid_request_error")
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/v1/chat/completions", "acme",
		`{"model":"nope/unknown","messages":[{"role":"user","content":"hi"}]}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", status, body)
	}
}

func (e *testEnv) assertErrType(t *testing.T, body []byte, wantType string) {
	t.Helper()
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("error envelope %s: %v", body, err)
	}
	if env.Error.Type != wantType {
		t.Errorf("error.type = %q, want %q", env.Error.Type, wantType)
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	env := newTestEnv(t)

	body := `{"model":"anthropic/claude-3-haiku","stream":true,"messages":[{"role":"user","content":"ping"}]}`
	req, _ := http.NewRequest("POST", "http://gateway/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-ID", "acme")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}

	var content strings.Builder
	var sawDone bool
	var finish string
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		frame := decode[chunkFrame](t, []byte(payload))
		if frame.Object != "chat.completion.chunk" {
			t.Errorf("frame object = %q", frame.Object)
		}
		if !strings.HasPrefix(frame.ID, "chatcmpl-") {
			t.Errorf("frame id = %q, want chatcmpl- prefix", frame.ID)
		}
		if len(frame.Choices) != 1 {
			t.Fatalf("frame choices = %+v", frame.Choices)
		}
		content.WriteString(frame.Choices[0].Delta.Content)
		if fr := frame.Choices[0].FinishReason; fr != nil {
			finish = *fr
		}
	}

	if content.String() != "Hello, world" {
		t.Errorf("streamed content = %q, want %q", content.String(), "Hello, world")
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}
	if !sawDone {
		t.Error("stream did not terminate with [DONE]")
	}
}

// --- models -------------------------------------------------------------------

func TestModels_List(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "GET", "/v1/models", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}

	list := decode[modelList](t, body)
	if list.Object != "list" {
		t.Errorf("object = %q", list.Object)
	}
	if len(list.Data) != catalog.Default().Len() {
		t.Errorf("model count = %d, want %d", len(list.Data), catalog.Default().Len())
	}

	var opus *modelEntry
	for i := range list.Data {
		if list.Data[i].ID == "anthropic/claude-3-opus" {
			opus = &list.Data[i]
			break
		}
	}
	if opus == nil {
		t.Fatal("anthropic/claude-3-opus missing from listing")
	}
	if opus.Object != "model" || opus.OwnedBy != "anthropic" {
		t.Errorf("opus entry = %+v", opus)
	}
	if opus.Pricing.Input != 15.0 || opus.Pricing.Output != 75.0 {
		t.Errorf("opus pricing = %+v", opus.Pricing)
	}
	if !opus.Features.Vision {
		t.Error("opus should report vision")
	}
	if len(opus.Fallbacks) == 0 {
		t.Error("opus should list recommended fallbacks")
	}
}

// --- endpoints ----------------------------------------------------------------

func TestEndpoints_CRUD(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/v1/endpoints", "acme", map[string]any{
		"name":          "support-bot",
		"base_model":    "anthropic/claude-3-haiku",
		"system_prompt": "You are a support assistant.",
		"temperature":   0.2,
	})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", status, body)
	}
	ep := decode[endpoint.Endpoint](t, body)
	if ep.ID == "" || ep.Owner != "acme" || ep.Name != "support-bot" {
		t.Fatalf("created endpoint = %+v", ep)
	}

	status, body = env.do(t, "GET", "/v1/endpoints/"+ep.ID, "acme", nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	if got := decode[endpoint.Endpoint](t, body); got.BaseModel != "anthropic/claude-3-haiku" {
		t.Errorf("base_model = %q", got.BaseModel)
	}

	// Private endpoints are invisible to other owners.
	status, _ = env.do(t, "GET", "/v1/endpoints/"+ep.ID, "globex", nil)
	if status != http.StatusNotFound {
		t.Errorf("cross-owner get status = %d, want 404", status)
	}

	status, body = env.do(t, "PATCH", "/v1/endpoints/"+ep.ID, "acme",
		map[string]any{"name": "support-bot-v2"})
	if status != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", status, body)
	}
	if got := decode[endpoint.Endpoint](t, body); got.Name != "support-bot-v2" {
		t.Errorf("patched name = %q", got.Name)
	}

	status, body = env.do(t, "GET", "/v1/endpoints", "acme", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	var list struct {
		Data []endpoint.Endpoint `json:"data"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 {
		t.Errorf("list length = %d, want 1", len(list.Data))
	}

	status, _ = env.do(t, "DELETE", "/v1/endpoints/"+ep.ID, "acme", nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	status, _ = env.do(t, "GET", "/v1/endpoints/"+ep.ID, "acme", nil)
	if status != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", status)
	}
}

func TestEndpointChat_AppliesPreset(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.do(t, "POST", "/v1/endpoints", "acme", map[string]any{
		"name":       "router-bot",
		"base_model": "anthropic/claude-3-haiku",
	})
	ep := decode[endpoint.Endpoint](t, body)

	status, body := env.do(t, "POST", "/v1/endpoints/"+ep.ID+"/chat/completions", "acme",
		`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	out := decode[upstream.ModelResponse](t, body)
	if out.RoutedThrough != "anthropic/claude-3-haiku" {
		t.Errorf("routed_through = %q, want the endpoint base model", out.RoutedThrough)
	}
}

func TestEndpointChat_UnknownEndpoint(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/v1/endpoints/ep-missing/chat/completions", "acme", chatBody)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", status, body)
	}
}

// --- webhooks -----------------------------------------------------------------

func TestWebhooks_CRUDAndEvents(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/v1/webhooks", "acme", map[string]any{
		"url":    "http://127.0.0.1:1/hook",
		"name":   "audit",
		"events": []string{"endpoint.created"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", status, body)
	}
	wh := decode[webhook.Config](t, body)
	if wh.ID == "" || !wh.Active {
		t.Fatalf("created webhook = %+v", wh)
	}

	status, _ = env.do(t, "GET", "/v1/webhooks/"+wh.ID, "acme", nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}

	// Creating an endpoint fires endpoint.created into the event log.
	env.do(t, "POST", "/v1/endpoints", "acme", map[string]any{
		"name":       "evt-probe",
		"base_model": "anthropic/claude-3-haiku",
	})

	deadline := time.Now().Add(2 * time.Second)
	var events []webhook.Event
	for time.Now().Before(deadline) {
		_, body = env.do(t, "GET", "/v1/events", "acme", nil)
		var list struct {
			Data []webhook.Event `json:"data"`
		}
		if err := json.Unmarshal(body, &list); err != nil {
			t.Fatal(err)
		}
		events = list.Data
		if len(events) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	var found bool
	for _, ev := range events {
		if ev.Type == webhook.EventEndpointCreated {
			found = true
		}
	}
	if !found {
		t.Errorf("events = %+v, want endpoint.created", events)
	}

	// Deliveries for the webhook exist (the URL is unreachable, so they fail,
	// but the records are there).
	status, _ = env.do(t, "GET", "/v1/webhooks/"+wh.ID+"/deliveries", "acme", nil)
	if status != http.StatusOK {
		t.Fatalf("deliveries status = %d", status)
	}

	status, _ = env.do(t, "DELETE", "/v1/webhooks/"+wh.ID, "acme", nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
}

func TestWebhooks_RetryUnknownDelivery(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, "POST", "/v1/deliveries/del-missing/retry", "acme", nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

// --- batches ------------------------------------------------------------------

func TestBatches_Lifecycle(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/v1/batches", "acme", map[string]any{
		"requests": []any{
			map[string]any{"model": "anthropic/claude-3-haiku", "messages": []any{map[string]any{"role": "user", "content": "one"}}},
			map[string]any{"model": "openai/gpt-4o", "messages": []any{map[string]any{"role": "user", "content": "two"}}},
		},
		"priority": "high",
	})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", status, body)
	}
	created := decode[createBatchResponse](t, body)
	if created.Batch == nil || !strings.HasPrefix(created.Batch.ID, "batch-") {
		t.Fatalf("created = %+v", created)
	}
	if len(created.InvalidRequests) != 0 {
		t.Errorf("invalid_requests = %+v", created.InvalidRequests)
	}

	var final *batch.Batch
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, body = env.do(t, "GET", "/v1/batches/"+created.Batch.ID, "acme", nil)
		b := decode[batch.Batch](t, body)
		if b.State.Terminal() {
			final = &b
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if final == nil {
		t.Fatal("batch did not reach a terminal state")
	}
	if final.State != batch.StateCompleted || final.CompletedCount != 2 {
		t.Errorf("final batch = %+v", final)
	}
	if len(final.Results) != 2 || final.Results[0] == nil || final.Results[0].Response == nil {
		t.Errorf("results = %+v", final.Results)
	}

	// Owner isolation.
	status, _ = env.do(t, "GET", "/v1/batches/"+created.Batch.ID, "globex", nil)
	if status != http.StatusNotFound {
		t.Errorf("cross-owner get = %d, want 404", status)
	}
}

func TestBatches_AllInvalidRejected(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/v1/batches", "acme", map[string]any{
		"requests": []any{
			map[string]any{"model": "", "messages": []any{}},
		},
	})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", status, body)
	}
}

// --- usage --------------------------------------------------------------------

func TestUsage_QueryAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	if status, body := env.do(t, "POST", "/v1/chat/completions", "acme", chatBody); status != http.StatusOK {
		t.Fatalf("chat status = %d, body %s", status, body)
	}

	var page usagePage
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, body := env.do(t, "GET", "/v1/usage", "acme", nil)
		page = decode[usagePage](t, body)
		if page.Total > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if page.Total != 1 || len(page.Data) != 1 {
		t.Fatalf("usage page = %+v", page)
	}
	rec := page.Data[0]
	if rec.Owner != "acme" || rec.Model.Actual != "anthropic/claude-3-haiku" || !rec.Success {
		t.Errorf("record = %+v", rec)
	}

	// Usage is scoped to the caller.
	_, body := env.do(t, "GET", "/v1/usage", "globex", nil)
	if other := decode[usagePage](t, body); other.Total != 0 {
		t.Errorf("cross-owner usage total = %d, want 0", other.Total)
	}

	status, body := env.do(t, "GET", "/v1/usage/metrics", "acme", nil)
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d", status)
	}
	m := decode[analytics.Metrics](t, body)
	if m.TotalRequests != 1 || m.Successful != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Tokens.Total != 15 {
		t.Errorf("tokens = %+v", m.Tokens)
	}
}

func TestUsage_BadTimeFilter(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "GET", "/v1/usage?start=yesterday", "acme", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", status, body)
	}
	env.assertErrType(t, body, "invalid_request_error")
}

// --- cache administration -----------------------------------------------------

func TestCachePolicy_RoundTrip(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.do(t, "GET", "/v1/cache/policy", "acme", nil)
	p := decode[cache.Policy](t, body)
	if !p.Enabled || p.TTLSeconds != 3600 || p.KeyStrategy != cache.KeyExact {
		t.Fatalf("default policy = %+v", p)
	}

	status, body := env.do(t, "PUT", "/v1/cache/policy", "acme",
		`{"enabled":true,"ttl_seconds":120,"key_strategy":"semantic"}`)
	if status != http.StatusOK {
		t.Fatalf("put status = %d, body %s", status, body)
	}
	p = decode[cache.Policy](t, body)
	if p.TTLSeconds != 120 || p.KeyStrategy != cache.KeySemantic {
		t.Errorf("updated policy = %+v", p)
	}

	status, body = env.do(t, "PUT", "/v1/cache/policy", "acme",
		`{"key_strategy":"fuzzy"}`)
	if status != http.StatusBadRequest {
		t.Fatalf("invalid strategy status = %d, body %s", status, body)
	}
}

func TestCacheInvalidate_EvictsStoredResponses(t *testing.T) {
	env := newTestEnv(t)
	anthropic := env.adapters["anthropic"]

	env.do(t, "POST", "/v1/chat/completions", "acme", chatBody)
	env.do(t, "POST", "/v1/chat/completions", "acme", chatBody)
	if calls := anthropic.completeCalls(); calls != 1 {
		t.Fatalf("upstream calls before invalidate = %d, want 1 (second request cached)", calls)
	}

	status, body := env.do(t, "POST", "/v1/cache/invalidate", "acme", `{}`)
	if status != http.StatusOK {
		t.Fatalf("invalidate status = %d", status)
	}
	var out struct {
		Invalidated int `json:"invalidated"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", out.Invalidated)
	}

	env.do(t, "POST", "/v1/chat/completions", "acme", chatBody)
	if calls := anthropic.completeCalls(); calls != 2 {
		t.Errorf("upstream calls after invalidate = %d, want 2", calls)
	}
}

// --- operational routes -------------------------------------------------------

func TestHealth_WithoutChecker(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "GET", "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
}

func TestHealthAndReadiness_WithChecker(t *testing.T) {
	ad := &stubAdapter{name: "openai"}
	hc := health.New(context.Background(),
		map[string]upstream.Adapter{"openai": ad}, catalog.Default())
	t.Cleanup(hc.Close)

	env := newTestEnv(t, WithHealth(hc))

	status, body := env.do(t, "GET", "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
	snap := decode[health.Snapshot](t, body)
	if snap.Status != "ok" || snap.Providers["openai"] != "ok" {
		t.Errorf("snapshot = %+v", snap)
	}

	status, _ = env.do(t, "GET", "/readiness", "", nil)
	if status != http.StatusOK {
		t.Errorf("readiness status = %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// Generate at least one observation first.
	env.do(t, "GET", "/v1/models", "", nil)

	status, body := env.do(t, "GET", "/metrics", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(string(body), "gateway_http_requests_total") {
		t.Error("metrics output should expose gateway_http_requests_total")
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, "GET", "/v1/nope", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestResponseHeaders(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest("GET", "http://gateway/v1/models", nil)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be set")
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("X-Response-Time should be set")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers should be applied")
	}
}
