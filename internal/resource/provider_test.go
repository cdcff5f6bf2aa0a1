package resource

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"OpenMCP-Collab/internal/cache"
	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/model"
	"OpenMCP-Collab/internal/workspace"
)

func newTestProvider(t *testing.T) (*Provider, *cache.MemoryStore, *durable.MemoryStore, *workspace.Workspace) {
	t.Helper()
	cacheStore := cache.NewMemoryStore()
	durableStore := durable.NewMemoryStore()
	files, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	return NewProvider(cacheStore, durableStore, files, time.Hour), cacheStore, durableStore, files
}

func TestTaskFallsBackToDurableAndBackfills(t *testing.T) {
	provider, cacheStore, durableStore, _ := newTestProvider(t)
	ctx := context.Background()

	durableStore.PutTask(&model.Task{
		ID:        "task-1",
		Title:     "demo",
		Status:    model.StatusInProgress,
		UpdatedAt: time.Now(),
	})

	task, err := provider.Task(ctx, "task-1")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if task.Title != "demo" {
		t.Fatalf("unexpected task: %+v", task)
	}

	// 回源之后缓存里应当已有副本。
	raw, err := cacheStore.Get(ctx, cache.TaskKey("task-1"))
	if err != nil {
		t.Fatalf("expected backfilled cache entry: %v", err)
	}
	var cached model.Task
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		t.Fatalf("decode cached task: %v", err)
	}
	if cached.ID != "task-1" {
		t.Fatalf("unexpected cached task: %+v", cached)
	}
}

func TestTaskPrefersCache(t *testing.T) {
	provider, cacheStore, _, _ := newTestProvider(t)
	ctx := context.Background()

	encoded, _ := json.Marshal(&model.Task{ID: "task-2", Title: "cached", Status: model.StatusPending})
	if err := cacheStore.SetWithTTL(ctx, cache.TaskKey("task-2"), string(encoded), time.Hour); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	task, err := provider.Task(ctx, "task-2")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if task.Title != "cached" {
		t.Fatalf("expected cached copy, got %+v", task)
	}
}

func TestTaskCorruptCacheFallsThrough(t *testing.T) {
	provider, cacheStore, durableStore, _ := newTestProvider(t)
	ctx := context.Background()

	if err := cacheStore.SetWithTTL(ctx, cache.TaskKey("task-3"), "{not json", time.Hour); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	durableStore.PutTask(&model.Task{ID: "task-3", Title: "authoritative", UpdatedAt: time.Now()})

	task, err := provider.Task(ctx, "task-3")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if task.Title != "authoritative" {
		t.Fatalf("expected durable copy, got %+v", task)
	}
}

func TestTaskMissing(t *testing.T) {
	provider, _, _, _ := newTestProvider(t)
	_, err := provider.Task(context.Background(), "ghost")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestFileContentRequiresTask(t *testing.T) {
	provider, _, durableStore, files := newTestProvider(t)
	ctx := context.Background()

	if _, err := files.Write("task-4/main.go", "package main"); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := provider.FileContent(ctx, "task-4", "task-4/main.go")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND for unknown task, got %v", err)
	}

	durableStore.PutTask(&model.Task{ID: "task-4", UpdatedAt: time.Now()})
	content, err := provider.FileContent(ctx, "task-4", "task-4/main.go")
	if err != nil {
		t.Fatalf("file content: %v", err)
	}
	if content != "package main" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestLogsNewestFirstAndSkipsGarbage(t *testing.T) {
	provider, cacheStore, _, _ := newTestProvider(t)
	ctx := context.Background()

	for step := 1; step <= 3; step++ {
		encoded, _ := json.Marshal(&model.LogEntry{TaskID: "task-5", Step: step, Action: "edit"})
		if err := cacheStore.ListPush(ctx, cache.LogsKey("task-5"), string(encoded)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if err := cacheStore.ListPush(ctx, cache.LogsKey("task-5"), "garbage"); err != nil {
		t.Fatalf("push garbage: %v", err)
	}

	logs, err := provider.Logs(ctx, "task-5", 10)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 decodable entries, got %d", len(logs))
	}
	if logs[0].Step != 3 || logs[2].Step != 1 {
		t.Fatalf("expected newest first, got %+v", logs)
	}
}

func TestReadDispatch(t *testing.T) {
	provider, cacheStore, durableStore, files := newTestProvider(t)
	ctx := context.Background()

	durableStore.PutTask(&model.Task{ID: "task-6", Title: "dispatch", UpdatedAt: time.Now()})
	if _, err := files.Write("task-6/readme.md", "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cacheStore.SetAdd(ctx, cache.TaskFilesKey("task-6"), "task-6/readme.md"); err != nil {
		t.Fatalf("set add: %v", err)
	}

	state, err := provider.Read(ctx, "tasks://task-6/state")
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !strings.Contains(state, `"dispatch"`) {
		t.Fatalf("unexpected state payload: %s", state)
	}

	filesPayload, err := provider.Read(ctx, "tasks://task-6/files")
	if err != nil {
		t.Fatalf("read files: %v", err)
	}
	if !strings.Contains(filesPayload, "readme.md") {
		t.Fatalf("unexpected files payload: %s", filesPayload)
	}

	content, err := provider.Read(ctx, "workspace://task-6/task-6/readme.md")
	if err != nil {
		t.Fatalf("read workspace: %v", err)
	}
	if content != "hello" {
		t.Fatalf("unexpected content: %q", content)
	}

	descriptor, err := provider.Read(ctx, "logs://task-6/stream")
	if err != nil {
		t.Fatalf("read stream descriptor: %v", err)
	}
	if !strings.Contains(descriptor, cache.LogStreamChannel("task-6")) {
		t.Fatalf("unexpected descriptor: %s", descriptor)
	}
}
