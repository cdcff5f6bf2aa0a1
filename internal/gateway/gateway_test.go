package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenMCP-Collab/internal/cache"
	"OpenMCP-Collab/internal/config"
	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/model"
	"OpenMCP-Collab/internal/observability/alerting"
	"OpenMCP-Collab/internal/writequeue"
)

func newTestGateway(t *testing.T) (*Gateway, *durable.MemoryStore) {
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
	gw := New(Options{
		Cache:   cache.NewMemoryStore(),
		Durable: durableStore,
		Queue:   writequeue.NewMemoryQueue(),
		Config:  cfg,
	})
	return gw, durableStore
}

func TestCallBeforeInitializeRejected(t *testing.T) {
	gw, _ := newTestGateway(t)

	result := gw.Call(context.Background(), "file_read", map[string]any{"taskId": "t1", "path": "a"})
	if result["success"] != false {
		t.Fatalf("expected failure envelope, got %v", result)
	}
	if result["code"] != "UNAVAILABLE" {
		t.Fatalf("expected UNAVAILABLE, got %v", result["code"])
	}
}

func TestLifecycle(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	if gw.State() != StateUninitialized {
		t.Fatalf("unexpected initial state: %s", gw.State())
	}
	if err := gw.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if gw.State() != StateRunning {
		t.Fatalf("expected running, got %s", gw.State())
	}

	// 重复初始化被拒绝。
	if err := gw.Initialize(ctx); err == nil {
		t.Fatal("expected second initialize to fail")
	}

	if err := gw.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if gw.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", gw.State())
	}

	// 关闭后调用被拒绝。
	result := gw.Call(ctx, "collab_agents", map[string]any{"taskId": "t1"})
	if result["code"] != "UNAVAILABLE" {
		t.Fatalf("expected UNAVAILABLE after shutdown, got %v", result)
	}

	// 重复关闭是幂等的。
	if err := gw.Shutdown(ctx); err != nil {
		t.Fatalf("repeated shutdown: %v", err)
	}
}

func TestToolDispatchRoundTrip(t *testing.T) {
	gw, durableStore := newTestGateway(t)
	ctx := context.Background()

	if err := gw.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer gw.Shutdown(ctx)

	durableStore.PutTask(&model.Task{ID: "t1", Status: model.StatusInProgress, UpdatedAt: time.Now()})

	write := gw.Call(ctx, "file_write", map[string]any{
		"taskId":  "t1",
		"path":    "t1/main.go",
		"content": "package main",
	})
	if write["success"] != true {
		t.Fatalf("write failed: %v", write)
	}
	if write["bytesWritten"] != len("package main") {
		t.Fatalf("unexpected byte count: %v", write["bytesWritten"])
	}

	read := gw.Call(ctx, "file_read", map[string]any{"taskId": "t1", "path": "t1/main.go"})
	if read["success"] != true || read["content"] != "package main" {
		t.Fatalf("read failed: %v", read)
	}
}

func TestClaimConflictEnvelope(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	if err := gw.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer gw.Shutdown(ctx)

	first := gw.Call(ctx, "claim_file", map[string]any{"taskId": "T1", "path": "calc.py", "timeoutSec": 60})
	if first["success"] != true || first["locked"] != true {
		t.Fatalf("first claim failed: %v", first)
	}

	second := gw.Call(ctx, "claim_file", map[string]any{"taskId": "T2", "path": "calc.py"})
	if second["success"] != false {
		t.Fatalf("expected conflict envelope, got %v", second)
	}
	if second["code"] != "LOCK_CONFLICT" {
		t.Fatalf("expected LOCK_CONFLICT, got %v", second["code"])
	}
	// 冲突信封必须带上当前持有者，调用方据此决定等待还是协商。
	if second["owner"] != "T1" || second["path"] != "calc.py" {
		t.Fatalf("conflict envelope missing owner: %v", second)
	}

	foreignRelease := gw.Call(ctx, "release_file", map[string]any{"taskId": "T2", "path": "calc.py"})
	if foreignRelease["success"] != false || foreignRelease["owner"] != "T1" {
		t.Fatalf("foreign release should report the owner: %v", foreignRelease)
	}

	release := gw.Call(ctx, "release_file", map[string]any{"taskId": "T1", "path": "calc.py"})
	if release["success"] != true {
		t.Fatalf("release failed: %v", release)
	}

	retry := gw.Call(ctx, "claim_file", map[string]any{"taskId": "T2", "path": "calc.py"})
	if retry["success"] != true {
		t.Fatalf("claim after release failed: %v", retry)
	}
}

func TestUnknownToolRejected(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	if err := gw.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer gw.Shutdown(ctx)

	result := gw.Call(ctx, "summon_demon", map[string]any{})
	if result["success"] != false || result["code"] != "VALIDATION" {
		t.Fatalf("expected VALIDATION failure, got %v", result)
	}
}

func TestLogStepAndReadResource(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	if err := gw.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer gw.Shutdown(ctx)

	step := gw.Call(ctx, "log_step", map[string]any{
		"taskId":  "t1",
		"agentId": "agent-1",
		"action":  "plan",
		"actionInput": map[string]any{
			"detail": "outline",
		},
	})
	if step["success"] != true {
		t.Fatalf("log step failed: %v", step)
	}
	entry, ok := step["entry"].(*model.LogEntry)
	if !ok || entry.Step != 1 {
		t.Fatalf("unexpected stamped entry: %v", step["entry"])
	}

	payload, err := gw.ReadResource(ctx, "logs://t1")
	if err != nil {
		t.Fatalf("read resource: %v", err)
	}
	if payload == "" {
		t.Fatal("expected log payload")
	}
}

func TestBuildAlertsSelectsWebhookChannel(t *testing.T) {
	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var alertCfg config.AlertingConfig
	alertCfg.Channels = []string{"webhook"}
	alertCfg.WebhookURL = server.URL
	alertCfg.TimeoutSec = 2

	dispatcher := buildAlerts(alertCfg)
	event, ok := alerting.FromError(xerrors.New(xerrors.CodeStorageFailure, "批量落盘失败"))
	if !ok {
		t.Fatal("storage failures must produce an event")
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case body := <-received:
		if !strings.Contains(body, "STORAGE_FAILURE") {
			t.Fatalf("unexpected webhook payload: %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the event")
	}
}

func TestHealthWithoutStores(t *testing.T) {
	gw, _ := newTestGateway(t)

	health := gw.Health()
	if health["name"] != config.ServiceName {
		t.Fatalf("unexpected name: %v", health["name"])
	}
	if health["state"] != string(StateUninitialized) {
		t.Fatalf("unexpected state: %v", health["state"])
	}
}
