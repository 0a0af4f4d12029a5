package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aihq/cascade-router/internal/admission"
	"github.com/aihq/cascade-router/internal/backend"
	"github.com/aihq/cascade-router/internal/cascade"
	"github.com/aihq/cascade-router/internal/registry"
	"github.com/aihq/cascade-router/internal/routing"
)

const testDoc = `
models:
  entries:
    - id: local-chat
      provider: local_gpu
      provider_model_name: llama3.2:instruct
default_fallback: ["local-chat"]
`

func loadTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	if err := os.WriteFile(path, []byte(testDoc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	reg, err := registry.Load(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

type stubClassifier struct{ meta routing.RoutingMeta }

func (s stubClassifier) Classify(ctx context.Context, messages []routing.Message, cloudAvailable bool) routing.RoutingMeta {
	return s.meta
}

type stubSelector struct{ plan []string }

func (s stubSelector) Select(meta routing.RoutingMeta, cloudAvailable bool) []string {
	return s.plan
}

type stubInvoker struct {
	text string
	err  error
}

func (s stubInvoker) Invoke(ctx context.Context, backendID string, messages []routing.Message, deadline time.Duration) (string, error) {
	return s.text, s.err
}

func newTestServer(t *testing.T, invoker cascade.Invoker, authToken string) *Server {
	t.Helper()
	reg := loadTestRegistry(t)
	engine := cascade.New(cascade.Config{
		Registry:       reg,
		Classifier:     stubClassifier{meta: routing.RoutingMeta{Task: routing.TaskChitchat, Complexity: routing.ComplexityLow}},
		Selector:       stubSelector{plan: []string{"local-chat"}},
		Invoker:        invoker,
		Admission:      admission.New(admission.Config{}),
		CloudAvailable: func() bool { return false },
	})
	return New(Config{Engine: engine, Registry: reg, AuthToken: authToken, RateLimitRPS: 1000, RateLimitBurst: 1000})
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, stubInvoker{text: "hi"}, "")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Errorf("ok = %v, want true", body["ok"])
	}
}

func TestModels_IncludesVirtualAndRegistryIDs(t *testing.T) {
	s := newTestServer(t, stubInvoker{text: "hi"}, "")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ids := map[string]bool{}
	for _, m := range body.Data {
		ids[m["id"].(string)] = true
	}
	for _, want := range []string{"router-auto", "router-local", "router-code", "local-chat"} {
		if !ids[want] {
			t.Errorf("models missing %s", want)
		}
	}
}

func TestChatCompletions_SuccessSetsRouterHeaders(t *testing.T) {
	s := newTestServer(t, stubInvoker{text: "hello there"}, "")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body := `{"messages":[{"role":"user","content":"Hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-AI-Router-Final-Model"); got != "local-chat" {
		t.Errorf("final-model header = %q, want local-chat", got)
	}
	if got := rec.Header().Get("X-AI-Router-Escalated"); got != "false" {
		t.Errorf("escalated header = %q, want false", got)
	}
}

func TestChatCompletions_UpstreamErrorPropagatesStatus(t *testing.T) {
	s := newTestServer(t, stubInvoker{err: &backend.UpstreamError{StatusCode: 402, Body: "payment required"}}, "")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body := `{"messages":[{"role":"user","content":"Hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != 402 {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestAuth_RejectsMissingKey(t *testing.T) {
	s := newTestServer(t, stubInvoker{text: "hi"}, "secret")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body := `{"messages":[{"role":"user","content":"Hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_AcceptsXAPIKey(t *testing.T) {
	s := newTestServer(t, stubInvoker{text: "hi"}, "secret")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body := `{"messages":[{"role":"user","content":"Hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRateLimit_BlocksBurstOverflow(t *testing.T) {
	reg := loadTestRegistry(t)
	engine := cascade.New(cascade.Config{
		Registry:       reg,
		Classifier:     stubClassifier{meta: routing.RoutingMeta{Task: routing.TaskChitchat, Complexity: routing.ComplexityLow}},
		Selector:       stubSelector{plan: []string{"local-chat"}},
		Invoker:        stubInvoker{text: "hi"},
		Admission:      admission.New(admission.Config{}),
		CloudAvailable: func() bool { return false },
	})
	s := New(Config{Engine: engine, Registry: reg, RateLimitRPS: 0.001, RateLimitBurst: 1})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body := `{"messages":[{"role":"user","content":"Hi"}]}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if i == 1 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("second request status = %d, want 429", rec.Code)
		}
	}
}

func TestDebugRouterDecision_NoInvocation(t *testing.T) {
	s := newTestServer(t, stubInvoker{err: context.DeadlineExceeded}, "")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body := `{"messages":[{"role":"user","content":"Hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/debug/router_decision", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["selected_backend_id"] != "local-chat" {
		t.Errorf("selected_backend_id = %v, want local-chat", resp["selected_backend_id"])
	}
}

func TestResponses_NonStreaming(t *testing.T) {
	s := newTestServer(t, stubInvoker{text: "hello"}, "")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body := `{"input":"Hi there"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestResponses_StreamingEventSequence(t *testing.T) {
	s := newTestServer(t, stubInvoker{text: "hello"}, "")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body := `{"input":"Hi there","stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	var eventTypes []string
	scanner := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		eventTypes = append(eventTypes, evt["type"].(string))
	}

	want := []string{
		"response.created",
		"response.output_item.added",
		"response.content_part.added",
		"response.output_text.delta",
		"response.output_text.done",
		"response.output_item.done",
		"response.completed",
	}
	if len(eventTypes) != len(want) {
		t.Fatalf("events = %v, want %v", eventTypes, want)
	}
	for i, w := range want {
		if eventTypes[i] != w {
			t.Errorf("event[%d] = %s, want %s", i, eventTypes[i], w)
		}
	}
}

func TestResponses_StreamingErrorEmitsErrorEvent(t *testing.T) {
	s := newTestServer(t, stubInvoker{err: &backend.UpstreamError{StatusCode: 403, Body: "forbidden"}}, "")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body := `{"input":"Hi there","stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `"type":"error"`) {
		t.Fatalf("expected an error event, got: %s", rec.Body.String())
	}
}

func TestChatCompletions_TransportFailureSurfacesReason(t *testing.T) {
	s := newTestServer(t, stubInvoker{err: context.DeadlineExceeded}, "")
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body := `{"messages":[{"role":"user","content":"Hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if out["error"] == "" {
		t.Error("expected a non-empty error reason in the body")
	}
}
