package cache

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Collab/internal/errors"
)

// RedisConfig 描述 Redis 缓存的连接参数。
type RedisConfig struct {
	Address        string
	Password       string
	DB             int
	MaxConnections int
}

// RedisStore 基于 go-redis 实现 Store。网关从不假设自己是缓存的唯一
// 写入方，多个网关实例可以共享同一个 Redis。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建并校验 Redis 连接。连接失败立即返回错误，
// 由启动流程决定是否中止。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.MaxConnections,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis GET 失败")
	}
	return value, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis SET 失败")
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis SETNX 失败")
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis DEL 失败")
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis EXPIRE 失败")
	}
	return nil
}

func (s *RedisStore) ListPush(ctx context.Context, key, value string) error {
	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis LPUSH 失败")
	}
	return nil
}

func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis LRANGE 失败")
	}
	return values, nil
}

func (s *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	length, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis LLEN 失败")
	}
	return length, nil
}

func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, 0, len(members))
	for _, member := range members {
		args = append(args, member)
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis SADD 失败")
	}
	return nil
}

func (s *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, 0, len(members))
	for _, member := range members {
		args = append(args, member)
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis SREM 失败")
	}
	return nil
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis SMEMBERS 失败")
	}
	return members, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis PUBLISH 失败")
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	// 等待订阅确认，避免调用方在订阅生效前发布消息。
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis SUBSCRIBE 失败")
	}

	sub := &redisSubscription{pubsub: pubsub, messages: make(chan string, 16)}
	go sub.pump(pubsub.Channel())
	return sub, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "Redis PING 失败")
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan string
}

func (s *redisSubscription) pump(in <-chan *redis.Message) {
	defer close(s.messages)
	for msg := range in {
		s.messages <- msg.Payload
	}
}

func (s *redisSubscription) Messages() <-chan string {
	return s.messages
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

var _ Store = (*RedisStore)(nil)
