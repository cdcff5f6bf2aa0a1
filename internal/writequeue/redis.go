package writequeue

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/pkg/logger"
)

// RedisConfig 描述 Redis 写队列的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisQueue 使用 Redis list 承载写队列。条目在被取出前一直留在
// Redis 中，网关重启后继续排空，不会丢失已入队的写入。
type RedisQueue struct {
	client *redis.Client
	key    string
	log    *slog.Logger
}

// NewRedisQueue 创建 Redis 写队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "collab:write_queue"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "连接 Redis 写队列失败")
	}
	return &RedisQueue{client: client, key: key, log: logger.Named("writequeue")}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, stmt durable.Statement) error {
	encoded, err := encodeStatement(stmt)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key, encoded).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "写队列入队失败")
	}
	return nil
}

func (q *RedisQueue) DequeueBatch(ctx context.Context, max int) ([]durable.Statement, error) {
	if max <= 0 {
		max = 100
	}
	values, err := q.client.LPopCount(ctx, q.key, max).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "写队列出队失败")
	}

	return decodeBatch(values, q.log), nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "查询写队列长度失败")
	}
	return int(length), nil
}

func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
