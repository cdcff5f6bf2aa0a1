// Package replication 实现缓存与持久化存储之间的双向同步：
// 拉取环路把持久化存储的变更带进缓存，推送环路把写队列排空到
// 持久化存储。两条环路互相独立，除关闭信号外不会终止。
package replication

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"OpenMCP-Collab/internal/cache"
	"OpenMCP-Collab/internal/durable"
	"OpenMCP-Collab/internal/observability/alerting"
	"OpenMCP-Collab/internal/writequeue"
	"OpenMCP-Collab/pkg/logger"
)

// Config 控制同步引擎的节奏。LagObserver 非空时在每轮拉取后收到
// 最新的水位线滞后，DepthObserver 非空时在每轮推送后收到写队列的
// 剩余积压。
type Config struct {
	PullInterval  time.Duration
	PushInterval  time.Duration
	BatchSize     int
	CacheTTL      time.Duration
	ErrorBackoff  time.Duration
	LagObserver   func(time.Duration)
	DepthObserver func(int)
	Alerts        alerting.Dispatcher
}

func (c *Config) applyDefaults() {
	if c.PullInterval <= 0 {
		c.PullInterval = time.Second
	}
	if c.PushInterval <= 0 {
		c.PushInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
}

// Engine 持有两条后台环路。冲突解决是最后写入胜出：行的 updated_at
// 单调前移，水位线只会向前推进。
type Engine struct {
	cache   cache.Store
	durable durable.Store
	queue   writequeue.Queue
	cfg     Config
	log     *slog.Logger

	mu        sync.Mutex
	watermark time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine 构造同步引擎。
func NewEngine(cacheStore cache.Store, durableStore durable.Store, queue writequeue.Queue, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cache:   cacheStore,
		durable: durableStore,
		queue:   queue,
		cfg:     cfg,
		log:     logger.Named("replication"),
	}
}

// Start 启动拉取与推送环路。水位线从当前时刻开始，网关启动之前的
// 存量任务按需经由读路径回源。
func (e *Engine) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.mu.Lock()
	if e.watermark.IsZero() {
		e.watermark = time.Now().UTC()
	}
	e.mu.Unlock()

	e.wg.Add(2)
	go e.pullLoop(loopCtx)
	go e.pushLoop(loopCtx)
	e.log.Info("同步引擎已启动",
		slog.Duration("pull_interval", e.cfg.PullInterval),
		slog.Duration("push_interval", e.cfg.PushInterval),
		slog.Int("batch_size", e.cfg.BatchSize),
	)
}

// Stop 通知环路退出并等待它们完成当前批次。
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.log.Info("同步引擎已停止")
}

// Watermark 返回当前拉取水位线。
func (e *Engine) Watermark() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watermark
}

// Lag 返回水位线滞后的时长，用于健康信息与指标。
func (e *Engine) Lag() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watermark.IsZero() {
		return 0
	}
	return time.Since(e.watermark)
}

func (e *Engine) pullLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count, err := e.PullOnce(ctx); err != nil {
				e.log.Error("拉取同步失败", slog.Any("error", err))
				e.alert(ctx, err)
				if !sleep(ctx, e.cfg.ErrorBackoff) {
					return
				}
			} else if count > 0 {
				e.log.Debug("拉取同步完成", slog.Int("tasks", count))
			}
			if e.cfg.LagObserver != nil {
				e.cfg.LagObserver(e.Lag())
			}
		}
	}
}

// PullOnce 执行一次拉取：把 updated_at 晚于水位线的任务写进缓存，
// 终态任务改为从缓存剔除。返回处理的任务数。
func (e *Engine) PullOnce(ctx context.Context) (int, error) {
	since := e.Watermark()
	tasks, err := e.durable.FetchChangedSince(ctx, since, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	newest := since
	for _, task := range tasks {
		if task.Status.Terminal() {
			if err := e.cache.Delete(ctx, cache.TaskKey(task.ID)); err != nil {
				return 0, err
			}
		} else {
			encoded, err := json.Marshal(task)
			if err != nil {
				e.log.Error("编码任务失败", slog.String("task_id", task.ID), slog.Any("error", err))
				continue
			}
			if err := e.cache.SetWithTTL(ctx, cache.TaskKey(task.ID), string(encoded), e.cfg.CacheTTL); err != nil {
				return 0, err
			}
		}
		if task.UpdatedAt.After(newest) {
			newest = task.UpdatedAt
		}
	}

	if newest.After(since) {
		e.mu.Lock()
		if newest.After(e.watermark) {
			e.watermark = newest
		}
		e.mu.Unlock()
	}
	return len(tasks), nil
}

func (e *Engine) pushLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count, err := e.PushOnce(ctx); err != nil {
				e.log.Error("推送同步失败", slog.Any("error", err))
				e.alert(ctx, err)
				if !sleep(ctx, e.cfg.ErrorBackoff) {
					return
				}
			} else if count > 0 {
				e.log.Debug("推送同步完成", slog.Int("statements", count))
			}
		}
	}
}

// PushOnce 排空一批写队列条目。单条语句失败只记录日志，既不阻塞
// 同批的兄弟语句，也不阻塞后续批次。返回提交的语句数。
func (e *Engine) PushOnce(ctx context.Context) (int, error) {
	batch, err := e.queue.DequeueBatch(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	defer e.observeDepth(ctx)
	if len(batch) == 0 {
		return 0, nil
	}

	results := e.durable.ExecuteBatch(ctx, batch)
	for i, stmtErr := range results {
		if stmtErr != nil {
			e.log.Error("批量写入语句失败",
				slog.Int("index", i),
				slog.String("sql", batch[i].SQL),
				slog.Any("error", stmtErr),
			)
		}
	}
	return len(batch), nil
}

// observeDepth 把写队列剩余积压透给观察者。
func (e *Engine) observeDepth(ctx context.Context) {
	if e.cfg.DepthObserver == nil {
		return
	}
	if depth, err := e.queue.Len(ctx); err == nil {
		e.cfg.DepthObserver(depth)
	}
}

// alert 把告警级错误投递到通知渠道。
func (e *Engine) alert(ctx context.Context, err error) {
	if e.cfg.Alerts == nil {
		return
	}
	if event, ok := alerting.FromError(err); ok {
		if notifyErr := e.cfg.Alerts.Notify(ctx, event); notifyErr != nil {
			e.log.Warn("告警投递失败", slog.Any("error", notifyErr))
		}
	}
}

// sleep 等待指定时长，上下文取消时立即返回 false。
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
