// Package gateway 把缓存、持久存储、写队列、工作区与复制引擎组装成
// 对外的调用面。所有工具调用都经过统一的结果信封，失败不向外抛出。
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"OpenMCP-Collab/internal/cache"
	"OpenMCP-Collab/internal/collab"
	"OpenMCP-Collab/internal/config"
	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/model"
	"OpenMCP-Collab/internal/observability/alerting"
	"OpenMCP-Collab/internal/observability/metrics"
	"OpenMCP-Collab/internal/replication"
	"OpenMCP-Collab/internal/resource"
	"OpenMCP-Collab/internal/workspace"
	"OpenMCP-Collab/internal/writequeue"
	"OpenMCP-Collab/pkg/logger"
)

// State 描述网关生命周期阶段。状态只能单向推进。
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateRunning       State = "running"
	StateShuttingDown  State = "shutting_down"
	StateStopped       State = "stopped"
)

// Options 汇总网关依赖。存储驱动在 main 中按配置构造后注入。
type Options struct {
	Cache   cache.Store
	Durable durable.Store
	Queue   writequeue.Queue
	Config  *config.Config
}

// Gateway 是服务的组合根。
type Gateway struct {
	mu    sync.Mutex
	state State

	cache   cache.Store
	durable durable.Store
	queue   writequeue.Queue
	cfg     *config.Config

	files       *workspace.Workspace
	provider    *resource.Provider
	fileTools   *collab.FileTools
	collabTools *collab.CollabTools
	engine      *replication.Engine

	log *slog.Logger
}

// New 构造处于未初始化状态的网关。
func New(opts Options) *Gateway {
	return &Gateway{
		state:   StateUninitialized,
		cache:   opts.Cache,
		durable: opts.Durable,
		queue:   opts.Queue,
		cfg:     opts.Config,
		log:     logger.Named("gateway"),
	}
}

// State 返回当前生命周期状态。
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Initialize 建立到各个存储的连接并启动复制引擎。任一依赖不可达时
// 立即失败，不进入降级运行。
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateUninitialized {
		state := g.state
		g.mu.Unlock()
		return xerrors.New(xerrors.CodeUnavailable, fmt.Sprintf("网关状态 %s 不允许初始化", state))
	}
	g.state = StateInitializing
	g.mu.Unlock()

	if err := g.cache.Ping(ctx); err != nil {
		g.fail()
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "缓存存储不可达")
	}
	if err := g.durable.Ping(ctx); err != nil {
		g.fail()
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "持久存储不可达")
	}

	files, err := workspace.New(g.cfg.Workspace.Root)
	if err != nil {
		g.fail()
		return err
	}
	g.files = files

	cacheTTL := time.Duration(g.cfg.Cache.TTLSeconds) * time.Second
	g.provider = resource.NewProvider(g.cache, g.durable, g.files, cacheTTL)
	g.fileTools = collab.NewFileTools(g.cache, g.queue, g.provider, g.files, collab.FileToolsConfig{
		CacheTTL:    cacheTTL,
		LockTimeout: time.Duration(g.cfg.Cache.LockTimeoutSec) * time.Second,
	})
	g.collabTools = collab.NewCollabTools(g.cache, g.queue, g.provider, cacheTTL)

	g.engine = replication.NewEngine(g.cache, g.durable, g.queue, replication.Config{
		PullInterval: time.Duration(g.cfg.Sync.PullIntervalSec) * time.Second,
		PushInterval: time.Duration(g.cfg.Sync.PushIntervalSec) * time.Second,
		BatchSize:    g.cfg.Sync.BatchSize,
		CacheTTL:     cacheTTL,
		LagObserver:   metrics.SetSyncLag,
		DepthObserver: metrics.SetQueueDepth,
		Alerts:        buildAlerts(g.cfg.Alerting),
	})
	g.engine.Start(ctx)

	g.mu.Lock()
	g.state = StateRunning
	g.mu.Unlock()
	g.log.Info("网关已就绪",
		slog.String("cache_driver", g.cfg.Cache.Driver),
		slog.String("durable_driver", g.cfg.Durable.Driver),
		slog.String("queue_driver", g.cfg.Queue.Driver),
	)
	return nil
}

// Shutdown 按与初始化相反的顺序收尾：先停复制循环，再关闭连接。
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateRunning {
		state := g.state
		g.mu.Unlock()
		if state == StateStopped {
			return nil
		}
		return xerrors.New(xerrors.CodeUnavailable, fmt.Sprintf("网关状态 %s 不允许关闭", state))
	}
	g.state = StateShuttingDown
	g.mu.Unlock()

	if g.engine != nil {
		g.engine.Stop()
	}
	if err := g.queue.Close(); err != nil {
		g.log.Warn("写队列关闭失败", slog.Any("error", err))
	}
	if err := g.durable.Close(); err != nil {
		g.log.Warn("持久存储关闭失败", slog.Any("error", err))
	}
	if err := g.cache.Close(); err != nil {
		g.log.Warn("缓存存储关闭失败", slog.Any("error", err))
	}

	g.mu.Lock()
	g.state = StateStopped
	g.mu.Unlock()
	g.log.Info("网关已停止")
	return nil
}

// buildAlerts 按配置组装告警渠道。未知渠道已在配置校验阶段拦截。
func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := make([]alerting.Notifier, 0, len(cfg.Channels))
	for _, channel := range cfg.Channels {
		switch alerting.Channel(channel) {
		case alerting.ChannelLog:
			notifiers = append(notifiers, &alerting.LogNotifier{})
		case alerting.ChannelWebhook:
			notifiers = append(notifiers, &alerting.WebhookNotifier{
				Sender: alerting.NewHTTPSender(cfg.WebhookURL, time.Duration(cfg.TimeoutSec)*time.Second),
			})
		}
	}
	return alerting.NewFanout(notifiers...)
}

// fail 把初始化失败回退到停止态。
func (g *Gateway) fail() {
	g.mu.Lock()
	g.state = StateStopped
	g.mu.Unlock()
}

// Call 执行一次工具调用。返回值始终是结果信封：成功为
// {"success":true, ...}，失败为 {"success":false, "error", "code"}
// 加上错误携带的附加字段。
func (g *Gateway) Call(ctx context.Context, tool string, req map[string]any) map[string]any {
	if state := g.State(); state != StateRunning {
		return failure(xerrors.New(xerrors.CodeUnavailable, fmt.Sprintf("网关状态 %s 不接受调用", state)))
	}

	result, err := g.dispatch(ctx, tool, req)
	if err != nil {
		g.log.Warn("工具调用失败",
			slog.String("tool", tool),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		return failure(err)
	}
	if result == nil {
		result = map[string]any{}
	}
	result["success"] = true
	return result
}

func (g *Gateway) dispatch(ctx context.Context, tool string, req map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("工具执行异常: %v", r))
		}
	}()

	switch tool {
	case "file_read":
		content, err := g.fileTools.Read(ctx, stringParam(req, "taskId"), stringParam(req, "path"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"content": content}, nil

	case "file_write":
		written, err := g.fileTools.Write(ctx, stringParam(req, "taskId"), stringParam(req, "path"), stringParam(req, "content"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"bytesWritten": written}, nil

	case "claim_file":
		timeout := time.Duration(intParam(req, "timeoutSec")) * time.Second
		if err := g.fileTools.Claim(ctx, stringParam(req, "taskId"), stringParam(req, "path"), timeout); err != nil {
			return nil, err
		}
		return map[string]any{"locked": true}, nil

	case "release_file":
		if err := g.fileTools.Release(ctx, stringParam(req, "taskId"), stringParam(req, "path")); err != nil {
			return nil, err
		}
		return map[string]any{"released": true}, nil

	case "log_step":
		entry := &model.LogEntry{
			TaskID:      stringParam(req, "taskId"),
			AgentID:     stringParam(req, "agentId"),
			Step:        intParam(req, "step"),
			Action:      stringParam(req, "action"),
			Observation: stringParam(req, "observation"),
		}
		if input, ok := req["actionInput"].(map[string]any); ok {
			entry.ActionInput = input
		}
		stamped, err := g.collabTools.LogStep(ctx, entry)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entry": stamped}, nil

	case "subscribe_logs":
		descriptor, err := g.collabTools.SubscribeLogs(stringParam(req, "taskId"))
		if err != nil {
			return nil, err
		}
		return descriptor, nil

	case "join_collaboration":
		if err := g.collabTools.Join(ctx, stringParam(req, "taskId"), stringParam(req, "agentId")); err != nil {
			return nil, err
		}
		return map[string]any{"joined": true}, nil

	case "leave_collaboration":
		if err := g.collabTools.Leave(ctx, stringParam(req, "taskId"), stringParam(req, "agentId")); err != nil {
			return nil, err
		}
		return map[string]any{"left": true}, nil

	case "collab_agents":
		agents, err := g.collabTools.Agents(ctx, stringParam(req, "taskId"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"agents": agents}, nil

	default:
		return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("未知工具: %s", tool))
	}
}

// ReadResource 解析资源 URI 并返回其 JSON 文本。
func (g *Gateway) ReadResource(ctx context.Context, uri string) (string, error) {
	if state := g.State(); state != StateRunning {
		return "", xerrors.New(xerrors.CodeUnavailable, fmt.Sprintf("网关状态 %s 不接受调用", state))
	}
	return g.provider.Read(ctx, uri)
}

// StreamLogs 透出日志实时流，由 API 层接到流式响应上。
func (g *Gateway) StreamLogs(ctx context.Context, taskID string) (<-chan model.LogEntry, func() error, error) {
	if state := g.State(); state != StateRunning {
		return nil, nil, xerrors.New(xerrors.CodeUnavailable, fmt.Sprintf("网关状态 %s 不接受调用", state))
	}
	return g.collabTools.StreamLogs(ctx, taskID)
}

// Health 返回服务自述信息。不触达任何存储，存储故障不影响健康探针。
func (g *Gateway) Health() map[string]any {
	health := map[string]any{
		"name":    config.ServiceName,
		"version": config.ServiceVersion,
		"state":   string(g.State()),
	}
	if g.engine != nil {
		health["syncLagSeconds"] = g.engine.Lag().Seconds()
	}
	return health
}

func failure(err error) map[string]any {
	envelope := map[string]any{
		"success": false,
		"code":    string(xerrors.CodeOf(err)),
	}
	message := err.Error()
	if typed, ok := xerrors.From(err); ok {
		message = typed.Message()
		// 附加信息随信封透出，锁冲突时调用方由此拿到当前持有者。
		for key, value := range typed.Metadata() {
			if _, reserved := envelope[key]; !reserved {
				envelope[key] = value
			}
		}
	}
	envelope["error"] = message
	return envelope
}

func stringParam(req map[string]any, key string) string {
	if v, ok := req[key].(string); ok {
		return v
	}
	return ""
}

func intParam(req map[string]any, key string) int {
	switch v := req[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
