package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/model"
)

func TestFetchTask(t *testing.T) {
	store := NewMemoryStore()
	store.PutTask(&model.Task{ID: "t1", Title: "demo", Status: model.StatusPending})

	task, err := store.FetchTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if task.Title != "demo" {
		t.Fatalf("unexpected task: %+v", task)
	}

	// 返回的是副本，调用方修改不会写回存储。
	task.Title = "mutated"
	again, err := store.FetchTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if again.Title != "demo" {
		t.Fatal("store must hand out copies")
	}

	_, err = store.FetchTask(context.Background(), "missing")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestFetchChangedSinceOrdering(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	store.PutTask(&model.Task{ID: "old", UpdatedAt: base.Add(-time.Hour)})
	store.PutTask(&model.Task{ID: "mid", UpdatedAt: base.Add(time.Minute)})
	store.PutTask(&model.Task{ID: "new", UpdatedAt: base.Add(2 * time.Minute)})

	changed, err := store.FetchChangedSince(context.Background(), base, 10)
	if err != nil {
		t.Fatalf("fetch changed: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected 2 changed tasks, got %d", len(changed))
	}
	// 按 updated_at 升序返回，拉取环路依赖该顺序推进水位。
	if changed[0].ID != "mid" || changed[1].ID != "new" {
		t.Fatalf("unexpected order: %s, %s", changed[0].ID, changed[1].ID)
	}

	limited, err := store.FetchChangedSince(context.Background(), base, 1)
	if err != nil {
		t.Fatalf("fetch changed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "mid" {
		t.Fatalf("limit should keep the oldest rows first: %+v", limited)
	}
}

func TestExecuteBatchStatements(t *testing.T) {
	store := NewMemoryStore()
	store.PutTask(&model.Task{ID: "t1", Status: model.StatusInProgress})
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	results := store.ExecuteBatch(context.Background(), []Statement{
		UpdateTaskStatusStatement("t1", model.StatusCompleted, at),
		TouchTaskStatement("t1", at.Add(time.Second)),
		InsertLogEntryStatement(&model.LogEntry{
			ID:        "log-1",
			TaskID:    "t1",
			AgentID:   "agent-1",
			Step:      3,
			Action:    "finalize",
			Timestamp: at,
		}),
	})
	for i, err := range results {
		if err != nil {
			t.Fatalf("statement %d failed: %v", i, err)
		}
	}

	task, err := store.FetchTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if task.Status != model.StatusCompleted {
		t.Fatalf("status not applied: %s", task.Status)
	}
	if !task.UpdatedAt.Equal(at.Add(time.Second)) {
		t.Fatalf("touch not applied: %s", task.UpdatedAt)
	}

	logs := store.Logs("t1")
	if len(logs) != 1 || logs[0].Action != "finalize" || logs[0].Step != 3 {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if !logs[0].Timestamp.Equal(at) {
		t.Fatalf("timestamp not round-tripped: %s", logs[0].Timestamp)
	}
}

func TestExecuteBatchIsolatesFailures(t *testing.T) {
	store := NewMemoryStore()
	store.PutTask(&model.Task{ID: "t1", Status: model.StatusInProgress})
	at := time.Now()

	results := store.ExecuteBatch(context.Background(), []Statement{
		UpdateTaskStatusStatement("ghost", model.StatusCompleted, at),
		UpdateTaskStatusStatement("t1", model.StatusCompleted, at),
		{SQL: "DROP TABLE tasks"},
	})

	if results[0] == nil {
		t.Fatal("missing task should fail its statement")
	}
	if results[1] != nil {
		t.Fatalf("sibling statement should succeed: %v", results[1])
	}
	if xerrors.CodeOf(results[2]) != xerrors.CodeStorageFailure {
		t.Fatalf("unrecognized statement should fail with STORAGE_FAILURE: %v", results[2])
	}

	task, err := store.FetchTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if task.Status != model.StatusCompleted {
		t.Fatal("successful statement should have been applied")
	}
}

func TestInsertLogEntry(t *testing.T) {
	store := NewMemoryStore()

	if err := store.InsertLogEntry(context.Background(), nil); err == nil {
		t.Fatal("nil entry must be rejected")
	}

	entry := &model.LogEntry{ID: "log-1", TaskID: "t1", Action: "plan"}
	if err := store.InsertLogEntry(context.Background(), entry); err != nil {
		t.Fatalf("insert: %v", err)
	}
	entry.Action = "mutated"
	logs := store.Logs("t1")
	if len(logs) != 1 || logs[0].Action != "plan" {
		t.Fatalf("store must keep its own copy: %+v", logs)
	}
}

func TestStatementTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 30, 23, 59, 59, 123_000_000, time.UTC)
	formatted := FormatTime(at)
	parsed, err := time.Parse(TimeLayout, formatted)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(at) {
		t.Fatalf("time lost precision: %s vs %s", parsed, at)
	}

	if errs := NewMemoryStore().ExecuteBatch(context.Background(), []Statement{
		{SQL: "UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?", Params: []any{"done", "not a time", "t1"}},
	}); errs[0] == nil || !errors.Is(errs[0], xerrors.New(xerrors.CodeNotFound, "")) {
		// 任务不存在先于时间解析失败。
		t.Fatalf("unexpected result: %v", errs[0])
	}
}
