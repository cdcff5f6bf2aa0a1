package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss 表示键在缓存中不存在。调用方据此区分"未命中"与连接类错误。
var ErrMiss = errors.New("cache: key not found")

// Subscription 表示对某个频道的一次订阅。Messages 通道在 Close 或连接
// 断开后关闭。
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Store 抽象了缓存存储的能力边界：带 TTL 的键值、原子的条件写入、
// 列表、集合以及发布订阅。本层不携带任何业务语义，互斥等保证都由
// 上层基于 SetNX 组合出来。
type Store interface {
	// Get 返回键对应的值，键不存在时返回 ErrMiss。
	Get(ctx context.Context, key string) (string, error)
	// SetWithTTL 写入键值并设置过期时间。
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX 仅在键不存在时写入，返回是否写入成功。这是全局互斥的唯一
	// 原子原语，仲裁方是缓存存储本身而不是网关进程。
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete 删除键，键不存在时不视为错误。
	Delete(ctx context.Context, key string) error
	// Expire 刷新键的过期时间。
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ListPush 将值推入列表头部。
	ListPush(ctx context.Context, key, value string) error
	// ListRange 返回列表区间 [start, stop]，含义与 Redis LRANGE 一致。
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// ListLen 返回列表长度，键不存在时返回 0。
	ListLen(ctx context.Context, key string) (int64, error)

	// SetAdd 向集合添加成员。
	SetAdd(ctx context.Context, key string, members ...string) error
	// SetRemove 从集合移除成员，移除不存在的成员是空操作。
	SetRemove(ctx context.Context, key string, members ...string) error
	// SetMembers 返回集合全部成员。
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Publish 向频道广播消息。
	Publish(ctx context.Context, channel, message string) error
	// Subscribe 订阅频道。
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Ping 校验连接可用性。
	Ping(ctx context.Context) error
	Close() error
}
