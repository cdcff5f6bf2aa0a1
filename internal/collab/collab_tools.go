package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Collab/internal/cache"
	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/model"
	"OpenMCP-Collab/internal/resource"
	"OpenMCP-Collab/internal/writequeue"
	"OpenMCP-Collab/pkg/logger"
)

// CollabTools 维护执行日志流与协作成员关系。日志先落缓存列表再广播，
// 订阅者掉线只会错过实时推送，回放仍能从列表读到完整历史。
type CollabTools struct {
	cache    cache.Store
	queue    writequeue.Queue
	provider *resource.Provider
	cacheTTL time.Duration
	log      *slog.Logger
}

// NewCollabTools 构造协作工具。
func NewCollabTools(cacheStore cache.Store, queue writequeue.Queue, provider *resource.Provider, cacheTTL time.Duration) *CollabTools {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &CollabTools{
		cache:    cacheStore,
		queue:    queue,
		provider: provider,
		cacheTTL: cacheTTL,
		log:      logger.Named("collabtools"),
	}
}

// LogStep 追加一条执行日志。条目先写入列表再发布到频道，持久化
// 副本经写队列异步落库，失败不影响追加本身。未指定 step 时按当前
// 列表长度推导：并发追加可能得到相同的步号，列表随 TTL 过期后从头
// 计数。需要严格序号的调用方应自行指定 step。
func (t *CollabTools) LogStep(ctx context.Context, entry *model.LogEntry) (*model.LogEntry, error) {
	if entry == nil || strings.TrimSpace(entry.TaskID) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "taskId 不能为空")
	}
	if strings.TrimSpace(entry.Action) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "action 不能为空")
	}

	stamped := *entry
	if stamped.ID == "" {
		stamped.ID = uuid.NewString()
	}
	if stamped.Timestamp.IsZero() {
		stamped.Timestamp = time.Now()
	}
	if stamped.Step <= 0 {
		length, err := t.cache.ListLen(ctx, cache.LogsKey(stamped.TaskID))
		if err != nil {
			return nil, err
		}
		stamped.Step = int(length) + 1
	}

	encoded, err := json.Marshal(&stamped)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "日志条目序列化失败")
	}

	logsKey := cache.LogsKey(stamped.TaskID)
	if err := t.cache.ListPush(ctx, logsKey, string(encoded)); err != nil {
		return nil, err
	}
	_ = t.cache.Expire(ctx, logsKey, t.cacheTTL)

	if err := t.cache.Publish(ctx, cache.LogStreamChannel(stamped.TaskID), string(encoded)); err != nil {
		t.log.Warn("日志广播失败", slog.String("task_id", stamped.TaskID), slog.Any("error", err))
	}
	if err := t.queue.Enqueue(ctx, durable.InsertLogEntryStatement(&stamped)); err != nil {
		t.log.Error("日志入队失败", slog.String("task_id", stamped.TaskID), slog.Any("error", err))
	}
	return &stamped, nil
}

// SubscribeLogs 返回日志流的订阅描述，调用方据此建立流式连接。
func (t *CollabTools) SubscribeLogs(taskID string) (map[string]any, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "taskId 不能为空")
	}
	return t.provider.StreamDescriptor(taskID), nil
}

// StreamLogs 订阅日志频道并把消息解码为日志条目。返回的通道在订阅
// 关闭或上下文取消后关闭，解码失败的消息被丢弃。
func (t *CollabTools) StreamLogs(ctx context.Context, taskID string) (<-chan model.LogEntry, func() error, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, nil, xerrors.New(xerrors.CodeValidation, "taskId 不能为空")
	}
	sub, err := t.cache.Subscribe(ctx, cache.LogStreamChannel(taskID))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan model.LogEntry, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				var entry model.LogEntry
				if err := json.Unmarshal([]byte(msg), &entry); err != nil {
					t.log.Warn("日志流消息解码失败", slog.String("task_id", taskID), slog.Any("error", err))
					continue
				}
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Close, nil
}

// Join 把代理加入任务协作组。重复加入是幂等的，每次都会刷新成员
// 集合的过期时间。
func (t *CollabTools) Join(ctx context.Context, taskID, agentID string) error {
	return t.membership(ctx, taskID, agentID, true)
}

// Leave 把代理移出任务协作组。成员不存在时同样返回成功。
func (t *CollabTools) Leave(ctx context.Context, taskID, agentID string) error {
	return t.membership(ctx, taskID, agentID, false)
}

// Agents 返回任务当前的协作成员。
func (t *CollabTools) Agents(ctx context.Context, taskID string) ([]string, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "taskId 不能为空")
	}
	return t.cache.SetMembers(ctx, cache.CollaborationKey(taskID))
}

func (t *CollabTools) membership(ctx context.Context, taskID, agentID string, join bool) error {
	if strings.TrimSpace(taskID) == "" {
		return xerrors.New(xerrors.CodeValidation, "taskId 不能为空")
	}
	if strings.TrimSpace(agentID) == "" {
		return xerrors.New(xerrors.CodeValidation, "agentId 不能为空")
	}

	key := cache.CollaborationKey(taskID)
	event := "agent_joined"
	var err error
	if join {
		err = t.cache.SetAdd(ctx, key, agentID)
	} else {
		event = "agent_left"
		err = t.cache.SetRemove(ctx, key, agentID)
	}
	if err != nil {
		return err
	}
	if join {
		_ = t.cache.Expire(ctx, key, t.cacheTTL)
	}

	payload, err := json.Marshal(map[string]any{
		"event":   event,
		"taskId":  taskID,
		"agentId": agentID,
	})
	if err != nil {
		return nil
	}
	if err := t.cache.Publish(ctx, cache.CollaborationEventsChannel(taskID), string(payload)); err != nil {
		t.log.Warn("协作事件广播失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
	return nil
}
