package writequeue

import (
	"context"
	"sync"

	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
)

// MemoryQueue 把待写语句保存在进程内存里。进程在入队与排空之间崩溃
// 会丢失这些写入，这是默认驱动已接受的取舍。
type MemoryQueue struct {
	mu      sync.Mutex
	pending []durable.Statement
	closed  bool
}

// NewMemoryQueue 创建内存写队列。
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, stmt durable.Statement) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "写队列已关闭")
	}
	q.pending = append(q.pending, stmt)
	return nil
}

func (q *MemoryQueue) DequeueBatch(_ context.Context, max int) ([]durable.Statement, error) {
	if max <= 0 {
		max = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	n := max
	if n > len(q.pending) {
		n = len(q.pending)
	}
	batch := make([]durable.Statement, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]
	return batch, nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
