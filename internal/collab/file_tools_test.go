package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"OpenMCP-Collab/internal/cache"
	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/model"
	"OpenMCP-Collab/internal/resource"
	"OpenMCP-Collab/internal/workspace"
	"OpenMCP-Collab/internal/writequeue"
)

type fixtures struct {
	cache   *cache.MemoryStore
	durable *durable.MemoryStore
	queue   *writequeue.MemoryQueue
	files   *workspace.Workspace
	fileT   *FileTools
	collabT *CollabTools
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	cacheStore := cache.NewMemoryStore()
	durableStore := durable.NewMemoryStore()
	queue := writequeue.NewMemoryQueue()
	files, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	provider := resource.NewProvider(cacheStore, durableStore, files, time.Hour)
	return &fixtures{
		cache:   cacheStore,
		durable: durableStore,
		queue:   queue,
		files:   files,
		fileT: NewFileTools(cacheStore, queue, provider, files, FileToolsConfig{
			CacheTTL:    time.Hour,
			LockTimeout: time.Minute,
		}),
		collabT: NewCollabTools(cacheStore, queue, provider, time.Hour),
	}
}

func TestClaimReleaseScenario(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	if err := f.fileT.Claim(ctx, "T1", "calc.py", time.Minute); err != nil {
		t.Fatalf("claim by T1: %v", err)
	}

	err := f.fileT.Claim(ctx, "T2", "calc.py", time.Minute)
	if xerrors.CodeOf(err) != xerrors.CodeLockConflict {
		t.Fatalf("expected LOCK_CONFLICT for T2, got %v", err)
	}
	typed, ok := xerrors.From(err)
	if !ok || typed.Metadata()["owner"] != "T1" {
		t.Fatalf("expected owner T1 in error metadata, got %v", err)
	}

	if err := f.fileT.Release(ctx, "T1", "calc.py"); err != nil {
		t.Fatalf("release by T1: %v", err)
	}

	if err := f.fileT.Claim(ctx, "T2", "calc.py", time.Minute); err != nil {
		t.Fatalf("claim by T2 after release: %v", err)
	}
}

func TestReleaseByNonOwner(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	if err := f.fileT.Claim(ctx, "T1", "a.go", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	err := f.fileT.Release(ctx, "T2", "a.go")
	if xerrors.CodeOf(err) != xerrors.CodeLockConflict {
		t.Fatalf("expected LOCK_CONFLICT, got %v", err)
	}

	// 非持有者的释放不得移除锁。
	owner, err := f.cache.Get(ctx, cache.LockKey("a.go"))
	if err != nil || owner != "T1" {
		t.Fatalf("lock should still be held by T1: %q %v", owner, err)
	}
}

func TestReleaseWithoutLock(t *testing.T) {
	f := newFixtures(t)
	err := f.fileT.Release(context.Background(), "T1", "never-locked.go")
	if xerrors.CodeOf(err) != xerrors.CodeLockConflict {
		t.Fatalf("expected LOCK_CONFLICT for unheld lock, got %v", err)
	}
}

func TestWriteBlockedByForeignLock(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	if err := f.fileT.Claim(ctx, "T1", "shared.txt", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err := f.fileT.Write(ctx, "T2", "shared.txt", "content")
	if xerrors.CodeOf(err) != xerrors.CodeLockConflict {
		t.Fatalf("expected LOCK_CONFLICT, got %v", err)
	}

	// 持有者自己可以写。
	if _, err := f.fileT.Write(ctx, "T1", "shared.txt", "content"); err != nil {
		t.Fatalf("write by owner: %v", err)
	}
}

func TestWriteRecordsFileSetAndQueuesTouch(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	sub, err := f.cache.Subscribe(ctx, cache.FileUpdatesChannel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	written, err := f.fileT.Write(ctx, "T1", "T1/report.md", "# report")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if written != len("# report") {
		t.Fatalf("unexpected byte count: %d", written)
	}

	files, err := f.cache.SetMembers(ctx, cache.TaskFilesKey("T1"))
	if err != nil || len(files) != 1 || files[0] != "T1/report.md" {
		t.Fatalf("unexpected file set: %v %v", files, err)
	}

	pending, err := f.queue.Len(ctx)
	if err != nil || pending != 1 {
		t.Fatalf("expected one queued statement, got %d %v", pending, err)
	}
	batch, err := f.queue.DequeueBatch(ctx, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("dequeue: %v %v", batch, err)
	}
	if batch[0].Params[1] != "T1" {
		t.Fatalf("touch statement should target T1: %+v", batch[0])
	}

	select {
	case msg := <-sub.Messages():
		var event map[string]any
		if err := json.Unmarshal([]byte(msg), &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event["taskId"] != "T1" || event["path"] != "T1/report.md" {
			t.Fatalf("unexpected event: %v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for file update event")
	}
}

func TestWriteReadThroughTools(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	f.durable.PutTask(&model.Task{ID: "T1", UpdatedAt: time.Now()})

	content := "x := 1\ny := \"多字节\"\n"
	if _, err := f.fileT.Write(ctx, "T1", "T1/code.go", content); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := f.fileT.Read(ctx, "T1", "T1/code.go")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != content {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestWriteValidatesInput(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	if _, err := f.fileT.Write(ctx, "", "a.txt", "x"); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected VALIDATION for empty task, got %v", err)
	}
	if _, err := f.fileT.Write(ctx, "T1", "", "x"); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected VALIDATION for empty path, got %v", err)
	}
	if _, err := f.fileT.Write(ctx, "T1", "../../etc/passwd", "x"); xerrors.CodeOf(err) != xerrors.CodePathTraversal {
		t.Fatalf("expected PATH_TRAVERSAL, got %v", err)
	}
}
