// Package collab 实现变更类工具：带锁检查的文件读写、文件锁的
// 申请与释放、执行日志追加与实时广播、协作成员的加入与退出。
package collab

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"OpenMCP-Collab/internal/cache"
	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/resource"
	"OpenMCP-Collab/internal/workspace"
	"OpenMCP-Collab/internal/writequeue"
	"OpenMCP-Collab/pkg/logger"
)

// FileTools 提供工作区文件操作。互斥由缓存存储的条件写入保证，
// 多个网关实例共享同一把锁。
type FileTools struct {
	cache       cache.Store
	queue       writequeue.Queue
	provider    *resource.Provider
	files       *workspace.Workspace
	cacheTTL    time.Duration
	lockTimeout time.Duration
	log         *slog.Logger
	audit       *slog.Logger
}

// FileToolsConfig 描述文件工具的参数。
type FileToolsConfig struct {
	CacheTTL    time.Duration
	LockTimeout time.Duration
}

// NewFileTools 构造文件工具。
func NewFileTools(cacheStore cache.Store, queue writequeue.Queue, provider *resource.Provider, files *workspace.Workspace, cfg FileToolsConfig) *FileTools {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 60 * time.Second
	}
	return &FileTools{
		cache:       cacheStore,
		queue:       queue,
		provider:    provider,
		files:       files,
		cacheTTL:    cfg.CacheTTL,
		lockTimeout: cfg.LockTimeout,
		log:         logger.Named("filetools"),
		audit:       logger.Audit(),
	}
}

// Read 读取任务工作区内的文件。
func (t *FileTools) Read(ctx context.Context, taskID, path string) (string, error) {
	if err := requireFields(taskID, path); err != nil {
		return "", err
	}
	return t.provider.FileContent(ctx, taskID, path)
}

// Write 写入文件。路径被其他任务锁定时拒绝写入；成功后把路径记入
// 任务文件集、推进任务的 updated_at 并广播文件变更事件。
func (t *FileTools) Write(ctx context.Context, taskID, path, content string) (int, error) {
	if err := requireFields(taskID, path); err != nil {
		return 0, err
	}

	owner, err := t.lockOwner(ctx, path)
	if err != nil {
		return 0, err
	}
	if owner != "" && owner != taskID {
		return 0, xerrors.New(xerrors.CodeLockConflict, "文件已被其他任务锁定",
			xerrors.WithMetadata("owner", owner), xerrors.WithMetadata("path", path))
	}

	written, err := t.files.Write(path, content)
	if err != nil {
		return 0, err
	}

	filesKey := cache.TaskFilesKey(taskID)
	if err := t.cache.SetAdd(ctx, filesKey, path); err != nil {
		return written, err
	}
	_ = t.cache.Expire(ctx, filesKey, t.cacheTTL)

	if err := t.queue.Enqueue(ctx, durable.TouchTaskStatement(taskID, time.Now())); err != nil {
		t.log.Error("写队列入队失败", slog.String("task_id", taskID), slog.Any("error", err))
	}

	t.broadcast(ctx, cache.FileUpdatesChannel, map[string]any{
		"taskId": taskID,
		"path":   path,
		"action": "write",
	})
	return written, nil
}

// Claim 申请文件锁。锁已被持有时返回 LOCK_CONFLICT，错误中带上当前
// 持有者。
func (t *FileTools) Claim(ctx context.Context, taskID, path string, timeout time.Duration) error {
	if err := requireFields(taskID, path); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = t.lockTimeout
	}

	acquired, err := t.cache.SetNX(ctx, cache.LockKey(path), taskID, timeout)
	if err != nil {
		return err
	}
	if !acquired {
		owner, err := t.lockOwner(ctx, path)
		if err != nil {
			return err
		}
		return xerrors.New(xerrors.CodeLockConflict, "文件已被其他任务锁定",
			xerrors.WithMetadata("owner", owner), xerrors.WithMetadata("path", path))
	}

	t.broadcast(ctx, cache.LockEventsChannel(path), map[string]any{
		"locked": true,
		"by":     taskID,
		"path":   path,
	})
	t.audit.Info("文件锁已获取",
		slog.String("task_id", taskID),
		slog.String("path", path),
		slog.Duration("timeout", timeout),
	)
	return nil
}

// Release 释放文件锁。释放前必须验证调用方仍是持有者：锁可能已经
// 过期并被其他任务重新获取，此时删除键等于偷走别人的锁。
func (t *FileTools) Release(ctx context.Context, taskID, path string) error {
	if err := requireFields(taskID, path); err != nil {
		return err
	}

	owner, err := t.lockOwner(ctx, path)
	if err != nil {
		return err
	}
	if owner == "" {
		return xerrors.New(xerrors.CodeLockConflict, "锁未被持有", xerrors.WithMetadata("path", path))
	}
	if owner != taskID {
		return xerrors.New(xerrors.CodeLockConflict, "锁由其他任务持有",
			xerrors.WithMetadata("owner", owner), xerrors.WithMetadata("path", path))
	}

	if err := t.cache.Delete(ctx, cache.LockKey(path)); err != nil {
		return err
	}

	t.broadcast(ctx, cache.LockEventsChannel(path), map[string]any{
		"locked": false,
		"by":     taskID,
		"path":   path,
	})
	t.audit.Info("文件锁已释放",
		slog.String("task_id", taskID),
		slog.String("path", path),
	)
	return nil
}

// lockOwner 返回路径当前的锁持有者，无锁时返回空串。
func (t *FileTools) lockOwner(ctx context.Context, path string) (string, error) {
	owner, err := t.cache.Get(ctx, cache.LockKey(path))
	if err != nil {
		if stdErrors.Is(err, cache.ErrMiss) {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}

// broadcast 尽力而为地发布事件，失败只记录日志。
func (t *FileTools) broadcast(ctx context.Context, channel string, payload map[string]any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := t.cache.Publish(ctx, channel, string(encoded)); err != nil {
		t.log.Warn("事件广播失败", slog.String("channel", channel), slog.Any("error", err))
	}
}

func requireFields(taskID, path string) error {
	if strings.TrimSpace(taskID) == "" {
		return xerrors.New(xerrors.CodeValidation, "taskId 不能为空")
	}
	if strings.TrimSpace(path) == "" {
		return xerrors.New(xerrors.CodeValidation, "path 不能为空")
	}
	return nil
}
