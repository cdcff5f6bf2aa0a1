package resource

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	"OpenMCP-Collab/internal/cache"
	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/model"
	"OpenMCP-Collab/internal/workspace"
	"OpenMCP-Collab/pkg/logger"
)

// 历史日志单次最多返回的条数。
const defaultLogLimit = 100

// Provider 聚合三类只读资源的读取路径。缓存是热路径，任务状态在缓存
// 未命中时回源到持久化存储并回填。
type Provider struct {
	cache    cache.Store
	durable  durable.Store
	files    *workspace.Workspace
	cacheTTL time.Duration
	log      *slog.Logger
}

// NewProvider 构造资源提供者。
func NewProvider(cacheStore cache.Store, durableStore durable.Store, files *workspace.Workspace, cacheTTL time.Duration) *Provider {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Provider{
		cache:    cacheStore,
		durable:  durableStore,
		files:    files,
		cacheTTL: cacheTTL,
		log:      logger.Named("resource"),
	}
}

// Task 返回任务状态。优先读缓存，未命中时回源并回填。
func (p *Provider) Task(ctx context.Context, taskID string) (*model.Task, error) {
	raw, err := p.cache.Get(ctx, cache.TaskKey(taskID))
	if err == nil {
		var task model.Task
		if unmarshalErr := json.Unmarshal([]byte(raw), &task); unmarshalErr == nil {
			return &task, nil
		}
		// 缓存内容损坏时当作未命中，走回源路径覆盖。
		p.log.Warn("任务缓存内容损坏", slog.String("task_id", taskID))
	} else if !stdErrors.Is(err, cache.ErrMiss) {
		return nil, err
	}

	task, err := p.durable.FetchTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(task); err == nil {
		_ = p.cache.SetWithTTL(ctx, cache.TaskKey(taskID), string(encoded), p.cacheTTL)
	}
	return task, nil
}

// TaskExists 判断任务是否存在。
func (p *Provider) TaskExists(ctx context.Context, taskID string) (bool, error) {
	_, err := p.Task(ctx, taskID)
	if err == nil {
		return true, nil
	}
	if xerrors.CodeOf(err) == xerrors.CodeNotFound {
		return false, nil
	}
	return false, err
}

// TaskFiles 返回任务触碰过的文件路径集合。
func (p *Provider) TaskFiles(ctx context.Context, taskID string) ([]string, error) {
	files, err := p.cache.SetMembers(ctx, cache.TaskFilesKey(taskID))
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []string{}
	}
	return files, nil
}

// FileContent 返回任务工作区内文件的原始内容。
func (p *Provider) FileContent(ctx context.Context, taskID, path string) (string, error) {
	exists, err := p.TaskExists(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", xerrors.New(xerrors.CodeNotFound, "任务不存在", xerrors.WithMetadata("task_id", taskID))
	}
	return p.files.Read(path)
}

// Logs 返回任务的历史执行日志，最新的在最前。
func (p *Provider) Logs(ctx context.Context, taskID string, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	raw, err := p.cache.ListRange(ctx, cache.LogsKey(taskID), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	entries := make([]model.LogEntry, 0, len(raw))
	for _, item := range raw {
		var entry model.LogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			p.log.Warn("日志条目解码失败", slog.String("task_id", taskID))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// StreamDescriptor 返回日志流的订阅描述。网关不代理订阅本身，
// 调用方自行连接缓存存储的对应频道。
func (p *Provider) StreamDescriptor(taskID string) map[string]any {
	return map[string]any{
		"taskId":  taskID,
		"stream":  true,
		"channel": cache.LogStreamChannel(taskID),
	}
}

// Read 按 URI 读取资源并编码为 JSON 文本。
func (p *Provider) Read(ctx context.Context, rawURI string) (string, error) {
	uri, err := Parse(rawURI)
	if err != nil {
		return "", err
	}

	switch uri.Kind {
	case KindTask:
		if uri.Field == "state" {
			task, err := p.Task(ctx, uri.TaskID)
			if err != nil {
				return "", err
			}
			return encodeJSON(task)
		}
		files, err := p.TaskFiles(ctx, uri.TaskID)
		if err != nil {
			return "", err
		}
		return encodeJSON(map[string]any{"files": files})

	case KindWorkspace:
		return p.FileContent(ctx, uri.TaskID, uri.Path)

	case KindLog:
		if uri.Stream {
			return encodeJSON(p.StreamDescriptor(uri.TaskID))
		}
		logs, err := p.Logs(ctx, uri.TaskID, defaultLogLimit)
		if err != nil {
			return "", err
		}
		return encodeJSON(map[string]any{"taskId": uri.TaskID, "logs": logs})

	default:
		return "", xerrors.New(xerrors.CodeValidation, "未知的资源类别")
	}
}

func encodeJSON(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "编码资源失败")
	}
	return string(encoded), nil
}
