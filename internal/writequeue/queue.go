// Package writequeue 缓冲所有需要最终到达持久化存储的变更。
// 推送环路按 FIFO 批量取出并提交。memory 驱动与原始设计一致，崩溃时
// 丢失未提交的写入；redis 与 rabbitmq 驱动把队列放在进程之外，重启后
// 可以继续排空。
package writequeue

import (
	"context"
	"encoding/json"
	"log/slog"

	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
)

// Queue 抽象了写队列。实现必须保证单实例内的 FIFO 顺序。
type Queue interface {
	// Enqueue 投递一条待持久化的语句。
	Enqueue(ctx context.Context, stmt durable.Statement) error
	// DequeueBatch 取出最多 max 条语句，队列为空时立即返回空切片。
	DequeueBatch(ctx context.Context, max int) ([]durable.Statement, error)
	// Len 返回当前积压数量。
	Len(ctx context.Context) (int, error)
	Close() error
}

func encodeStatement(stmt durable.Statement) (string, error) {
	encoded, err := json.Marshal(stmt)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码写队列条目失败")
	}
	return string(encoded), nil
}

func decodeStatement(raw string) (durable.Statement, error) {
	var stmt durable.Statement
	if err := json.Unmarshal([]byte(raw), &stmt); err != nil {
		return durable.Statement{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解码写队列条目失败")
	}
	return stmt, nil
}

// decodeBatch 解码一批已出队的原始条目。损坏的条目记录日志后丢弃，
// 同批的完好语句照常返回，单条坏写入不能拖住整批落盘。
func decodeBatch(raws []string, log *slog.Logger) []durable.Statement {
	batch := make([]durable.Statement, 0, len(raws))
	for i, raw := range raws {
		stmt, err := decodeStatement(raw)
		if err != nil {
			log.Error("丢弃损坏的写队列条目", slog.Int("index", i), slog.Any("error", err))
			continue
		}
		batch = append(batch, stmt)
	}
	return batch
}
