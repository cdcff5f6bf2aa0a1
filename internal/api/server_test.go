package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenMCP-Collab/internal/auth"
	"OpenMCP-Collab/internal/cache"
	"OpenMCP-Collab/internal/config"
	"OpenMCP-Collab/internal/durable"
	"OpenMCP-Collab/internal/gateway"
	"OpenMCP-Collab/internal/model"
	"OpenMCP-Collab/internal/writequeue"
)

func newTestServer(t *testing.T) (*Server, *durable.MemoryStore) {
	t.Helper()
	durableStore := durable.NewMemoryStore()
	cfg := &config.Config{}
	cfg.Cache.Driver = "memory"
	cfg.Cache.TTLSeconds = 3600
	cfg.Cache.LockTimeoutSec = 60
	cfg.Durable.Driver = "memory"
	cfg.Sync.PullIntervalSec = 3600
	cfg.Sync.PushIntervalSec = 3600
	cfg.Sync.BatchSize = 100
	cfg.Workspace.Root = t.TempDir()

	gw := gateway.New(gateway.Options{
		Cache:   cache.NewMemoryStore(),
		Durable: durableStore,
		Queue:   writequeue.NewMemoryQueue(),
		Config:  cfg,
	})
	if err := gw.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize gateway: %v", err)
	}
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	return NewServer(":0", gw, nil), durableStore
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestToolCallEnvelope(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/claim_file",
		strings.NewReader(`{"taskId":"T1","path":"calc.py"}`))
	rec := httptest.NewRecorder()
	server.handleToolCall(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["locked"] != true {
		t.Fatalf("unexpected envelope: %v", body)
	}

	// 冲突同样走 200，错误在信封里。
	req = httptest.NewRequest(http.MethodPost, "/api/v1/tools/claim_file",
		strings.NewReader(`{"taskId":"T2","path":"calc.py"}`))
	rec = httptest.NewRecorder()
	server.handleToolCall(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["success"] != false || body["code"] != "LOCK_CONFLICT" {
		t.Fatalf("unexpected conflict envelope: %v", body)
	}
	if body["owner"] != "T1" {
		t.Fatalf("conflict envelope missing owner: %v", body)
	}
}

func TestToolCallRejectsBadRequests(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.handleToolCall(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tools/file_read", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleToolCall(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tools/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing tool name, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleToolCall(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tools/file_read",
		strings.NewReader("{broken")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "VALIDATION" {
		t.Fatalf("unexpected code: %v", body["code"])
	}
}

func TestResourceStatusMapping(t *testing.T) {
	server, durableStore := newTestServer(t)

	rec := httptest.NewRecorder()
	server.handleResource(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/resources?uri=tasks://missing/state", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected code: %v", body["code"])
	}

	rec = httptest.NewRecorder()
	server.handleResource(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/resources?uri=garbage://nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad uri, got %d", rec.Code)
	}

	durableStore.PutTask(&model.Task{ID: "t1", Title: "demo", Status: model.StatusPending, UpdatedAt: time.Now()})
	rec = httptest.NewRecorder()
	server.handleResource(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/resources?uri=tasks://t1/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var task model.Task
	if err := json.NewDecoder(rec.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ID != "t1" || task.Title != "demo" {
		t.Fatalf("unexpected task payload: %+v", task)
	}
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["name"] != config.ServiceName || body["state"] != "running" {
		t.Fatalf("unexpected health payload: %v", body)
	}
}

func TestAuthGuardsAPIRoutesButNotHealthz(t *testing.T) {
	server, _ := newTestServer(t)
	tokens, err := auth.NewManager("unit-test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	server.tokens = tokens
	handler := server.routes()

	// 健康探针不要求令牌。
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}

	// API 路由要求令牌。
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tools/collab_agents",
		strings.NewReader(`{"taskId":"t1"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false {
		t.Fatalf("unexpected auth failure body: %v", body)
	}

	token, err := tokens.Issue("agent-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/collab_agents",
		strings.NewReader(`{"taskId":"t1"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["success"] != true {
		t.Fatalf("unexpected envelope: %v", body)
	}
}

func TestLogStreamDeliversEntries(t *testing.T) {
	server, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/stream?taskId=t1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		server.handleLogStream(rec, req)
		close(done)
	}()

	// 等订阅建立后再发布。
	time.Sleep(50 * time.Millisecond)
	result := server.gateway.Call(context.Background(), "log_step", map[string]any{
		"taskId":  "t1",
		"agentId": "agent-1",
		"action":  "compile",
	})
	if result["success"] != true {
		t.Fatalf("log step failed: %v", result)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit on cancel")
	}

	output := rec.Body.String()
	if !strings.Contains(output, "data: ") || !strings.Contains(output, `"action":"compile"`) {
		t.Fatalf("unexpected stream output: %q", output)
	}
}
