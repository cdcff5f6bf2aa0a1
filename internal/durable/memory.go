package durable

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/model"
)

// MemoryStore 是 Store 的进程内实现，主要用于测试。ExecuteBatch 只
// 识别 statements.go 中构造的三种语句形态。
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*model.Task
	logs  []*model.LogEntry
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*model.Task)}
}

// PutTask 直接写入或覆盖一个任务，模拟网关之外的写入方。
func (s *MemoryStore) PutTask(task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *task
	s.tasks[task.ID] = &clone
}

// Logs 返回指定任务的全部已落盘日志。
func (s *MemoryStore) Logs(taskID string) []*model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.LogEntry, 0)
	for _, entry := range s.logs {
		if entry.TaskID == taskID {
			clone := *entry
			out = append(out, &clone)
		}
	}
	return out
}

func (s *MemoryStore) FetchTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "任务不存在", xerrors.WithMetadata("task_id", id))
	}
	clone := *task
	return &clone, nil
}

func (s *MemoryStore) FetchChangedSince(_ context.Context, since time.Time, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make([]*model.Task, 0)
	for _, task := range s.tasks {
		if task.UpdatedAt.After(since) {
			clone := *task
			changed = append(changed, &clone)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		return changed[i].UpdatedAt.Before(changed[j].UpdatedAt)
	})
	if len(changed) > limit {
		changed = changed[:limit]
	}
	return changed, nil
}

func (s *MemoryStore) ExecuteBatch(_ context.Context, stmts []Statement) []error {
	results := make([]error, len(stmts))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, stmt := range stmts {
		results[i] = s.applyLocked(stmt)
	}
	return results
}

func (s *MemoryStore) applyLocked(stmt Statement) error {
	switch {
	case strings.HasPrefix(stmt.SQL, "UPDATE tasks SET status"):
		status, _ := stmt.Params[0].(string)
		id, _ := stmt.Params[2].(string)
		task, ok := s.tasks[id]
		if !ok {
			return xerrors.New(xerrors.CodeNotFound, "任务不存在")
		}
		task.Status = model.Status(status)
		task.UpdatedAt = parseParamTime(stmt.Params[1])
		return nil
	case strings.HasPrefix(stmt.SQL, "UPDATE tasks SET updated_at"):
		id, _ := stmt.Params[1].(string)
		task, ok := s.tasks[id]
		if !ok {
			return xerrors.New(xerrors.CodeNotFound, "任务不存在")
		}
		task.UpdatedAt = parseParamTime(stmt.Params[0])
		return nil
	case strings.HasPrefix(stmt.SQL, "INSERT INTO execution_logs"):
		entry := &model.LogEntry{}
		entry.ID, _ = stmt.Params[0].(string)
		entry.TaskID, _ = stmt.Params[1].(string)
		entry.AgentID, _ = stmt.Params[2].(string)
		entry.Step = paramInt(stmt.Params[3])
		entry.Action, _ = stmt.Params[4].(string)
		entry.Observation, _ = stmt.Params[6].(string)
		entry.Timestamp = parseParamTime(stmt.Params[7])
		s.logs = append(s.logs, entry)
		return nil
	default:
		return xerrors.New(xerrors.CodeStorageFailure, "不支持的语句: "+stmt.SQL)
	}
}

// paramInt 兼容 JSON 往返后的数字类型。
func paramInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func parseParamTime(value any) time.Time {
	raw, _ := value.(string)
	parsed, err := time.Parse(TimeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func (s *MemoryStore) InsertLogEntry(_ context.Context, entry *model.LogEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeValidation, "日志条目不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.logs = append(s.logs, &clone)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
