package durable

import (
	"context"
	"time"

	"OpenMCP-Collab/internal/model"
)

// Statement 是一条待写入持久化存储的参数化语句。占位符统一使用 ?，
// 由具体驱动在执行前改写为自己的方言。
type Statement struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// Store 抽象了持久化存储。它是任务状态的权威数据源，网关只通过
// 拉取回放和批量写入与它交互。
type Store interface {
	// FetchTask 返回指定任务，不存在时返回 NOT_FOUND 错误。
	FetchTask(ctx context.Context, id string) (*model.Task, error)
	// FetchChangedSince 返回 updated_at 晚于 since 的任务，按 updated_at
	// 升序排列，最多 limit 条。拉取环路必须能分批追上积压，所以这里是
	// 升序而不是倒序。
	FetchChangedSince(ctx context.Context, since time.Time, limit int) ([]*model.Task, error)
	// ExecuteBatch 在一个事务里执行整批语句，返回与语句一一对应的
	// 错误切片。单条语句失败不会中断同批的其他语句。
	ExecuteBatch(ctx context.Context, stmts []Statement) []error
	// InsertLogEntry 直接落盘一条执行日志。
	InsertLogEntry(ctx context.Context, entry *model.LogEntry) error
	// Ping 校验连接可用性。
	Ping(ctx context.Context) error
	Close() error
}
