package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenMCP-Collab/internal/api"
	"OpenMCP-Collab/internal/auth"
	"OpenMCP-Collab/internal/cache"
	"OpenMCP-Collab/internal/config"
	"OpenMCP-Collab/internal/durable"
	"OpenMCP-Collab/internal/gateway"
	"OpenMCP-Collab/internal/observability/metrics"
	"OpenMCP-Collab/internal/writequeue"
	"OpenMCP-Collab/pkg/logger"
)

// main 是协作网关守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("collabd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("COLLAB_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "collabd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	cacheStore, err := createCacheStore(ctx, cfg)
	if err != nil {
		return err
	}

	durableStore, err := createDurableStore(ctx, cfg)
	if err != nil {
		return err
	}

	queue, err := createWriteQueue(ctx, cfg)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Options{
		Cache:   cacheStore,
		Durable: durableStore,
		Queue:   queue,
		Config:  cfg,
	})
	if err := gw.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.L().Warn("网关关闭失败", slog.Any("error", err))
		}
	}()

	var tokens *auth.Manager
	if cfg.Auth.Enabled {
		tokens, err = auth.NewManager(cfg.Auth.Secret, time.Duration(cfg.Auth.ExpirationSec)*time.Second)
		if err != nil {
			return err
		}
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("metrics 服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, gw, tokens)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createCacheStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Driver {
	case "", "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		return cache.NewRedisStore(ctx, cache.RedisConfig{
			Address:        cfg.Cache.Address,
			Password:       cfg.Cache.Password,
			DB:             cfg.Cache.DB,
			MaxConnections: cfg.Cache.MaxConnections,
		})
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Cache.Driver)
	}
}

func createDurableStore(ctx context.Context, cfg *config.Config) (durable.Store, error) {
	storeCfg := durable.Config{
		DSN:             cfg.Durable.DSN,
		PoolMin:         cfg.Durable.PoolMin,
		PoolMax:         cfg.Durable.PoolMax,
		ConnMaxLifetime: time.Duration(cfg.Durable.ConnLifetime) * time.Second,
	}
	switch cfg.Durable.Driver {
	case "memory":
		return durable.NewMemoryStore(), nil
	case "", "postgres":
		return durable.NewPostgresStore(ctx, storeCfg)
	case "mysql":
		return durable.NewMySQLStore(ctx, storeCfg)
	default:
		return nil, fmt.Errorf("未知的持久存储驱动: %s", cfg.Durable.Driver)
	}
}

func createWriteQueue(ctx context.Context, cfg *config.Config) (writequeue.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return writequeue.NewMemoryQueue(), nil
	case "redis":
		return writequeue.NewRedisQueue(ctx, writequeue.RedisConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Key:      cfg.Queue.Redis.Key,
		})
	case "rabbitmq":
		return writequeue.NewRabbitMQQueue(writequeue.RabbitMQConfig{
			URL:     cfg.Queue.RabbitMQ.URL,
			Queue:   cfg.Queue.RabbitMQ.Queue,
			Durable: cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的写队列驱动: %s", cfg.Queue.Driver)
	}
}
