package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServiceName 与 ServiceVersion 用于健康探针，探针不允许访问任何存储。
const (
	ServiceName    = "collab-gateway"
	ServiceVersion = "1.0.0"
)

// Config 描述了协作网关在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Durable   DurableConfig   `json:"durable" yaml:"durable"`
	Queue     QueueConfig     `json:"write_queue" yaml:"write_queue"`
	Sync      SyncConfig      `json:"sync" yaml:"sync"`
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// MetricsConfig 控制独立的 metrics 端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// CacheConfig 描述缓存存储（热路径）的连接信息。
type CacheConfig struct {
	Driver         string `json:"driver" yaml:"driver"`
	Address        string `json:"address" yaml:"address"`
	Password       string `json:"password" yaml:"password"`
	DB             int    `json:"db" yaml:"db"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
	TTLSeconds     int    `json:"ttl_seconds" yaml:"ttl_seconds"`
	LockTimeoutSec int    `json:"lock_timeout_seconds" yaml:"lock_timeout_seconds"`
}

// DurableConfig 描述持久化存储（权威数据源）的连接信息。
type DurableConfig struct {
	Driver       string `json:"driver" yaml:"driver"`
	DSN          string `json:"dsn" yaml:"dsn"`
	PoolMin      int    `json:"pool_min" yaml:"pool_min"`
	PoolMax      int    `json:"pool_max" yaml:"pool_max"`
	ConnLifetime int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述异步写队列的驱动。memory 驱动在进程崩溃时会丢失
// 未落盘的写入，redis 与 rabbitmq 驱动可以在重启后恢复。
type QueueConfig struct {
	Driver   string              `json:"driver" yaml:"driver"`
	Redis    QueueRedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ QueueRabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// QueueRedisConfig 描述 Redis 写队列参数。
type QueueRedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// QueueRabbitMQConfig 描述 RabbitMQ 写队列参数。
type QueueRabbitMQConfig struct {
	URL     string `json:"url" yaml:"url"`
	Queue   string `json:"queue" yaml:"queue"`
	Durable bool   `json:"durable" yaml:"durable"`
}

// SyncConfig 控制双向同步引擎的节奏。
type SyncConfig struct {
	PullIntervalSec int `json:"pull_interval_seconds" yaml:"pull_interval_seconds"`
	PushIntervalSec int `json:"push_interval_seconds" yaml:"push_interval_seconds"`
	BatchSize       int `json:"batch_size" yaml:"batch_size"`
}

// WorkspaceConfig 指定任务共享文件的根目录。
type WorkspaceConfig struct {
	Root string `json:"root" yaml:"root"`
}

// AuthConfig 控制请求身份校验。签发方在网关之外，这里只消费已签名的
// 令牌。
type AuthConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Secret        string `json:"secret" yaml:"secret"`
	ExpirationSec int    `json:"expiration_seconds" yaml:"expiration_seconds"`
}

// AlertingConfig 选择同步引擎故障的告警渠道。log 渠道写结构化日志，
// webhook 渠道把事件 POST 到配置的回调地址。
type AlertingConfig struct {
	Channels   []string `json:"channels" yaml:"channels"`
	WebhookURL string   `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSec int      `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// LoggingConfig 映射到 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled" yaml:"enabled"`
		Path       string `json:"path" yaml:"path"`
		MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
		MaxBackups int    `json:"max_backups" yaml:"max_backups"`
		MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	} `json:"audit" yaml:"audit"`
}

// Load 解析指定路径的配置文件，按扩展名选择 JSON 或 YAML 解码，
// 然后应用默认值与环境变量覆盖。path 为空时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(content, &cfg); err != nil {
				return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
			}
		default:
			return nil, fmt.Errorf("不支持的配置文件格式: %s", filepath.Ext(path))
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8001"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "redis"
	}
	if c.Cache.Address == "" {
		c.Cache.Address = "127.0.0.1:6379"
	}
	if c.Cache.MaxConnections <= 0 {
		c.Cache.MaxConnections = 50
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 3600
	}
	if c.Cache.LockTimeoutSec <= 0 {
		c.Cache.LockTimeoutSec = 60
	}
	if c.Durable.Driver == "" {
		c.Durable.Driver = "postgres"
	}
	if c.Durable.PoolMin <= 0 {
		c.Durable.PoolMin = 5
	}
	if c.Durable.PoolMax <= 0 {
		c.Durable.PoolMax = 20
	}
	if c.Durable.ConnLifetime <= 0 {
		c.Durable.ConnLifetime = 1800
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "collab:write_queue"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "collab.write_queue"
	}
	if c.Sync.PullIntervalSec <= 0 {
		c.Sync.PullIntervalSec = 1
	}
	if c.Sync.PushIntervalSec <= 0 {
		c.Sync.PushIntervalSec = 5
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 100
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = filepath.Join("data", "workspace")
	}
	if c.Auth.ExpirationSec <= 0 {
		c.Auth.ExpirationSec = 3600
	}
	if len(c.Alerting.Channels) == 0 {
		c.Alerting.Channels = []string{"log"}
	}
	if c.Alerting.TimeoutSec <= 0 {
		c.Alerting.TimeoutSec = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnv 应用环境变量覆盖，优先级高于配置文件。
func (c *Config) applyEnv() {
	setString(&c.Server.Address, "COLLAB_SERVER_ADDR")
	setString(&c.Metrics.Address, "COLLAB_METRICS_ADDR")
	setString(&c.Cache.Address, "COLLAB_REDIS_ADDR")
	setString(&c.Cache.Password, "COLLAB_REDIS_PASSWORD")
	setInt(&c.Cache.DB, "COLLAB_REDIS_DB")
	setInt(&c.Cache.TTLSeconds, "COLLAB_CACHE_TTL")
	setInt(&c.Cache.LockTimeoutSec, "COLLAB_LOCK_TIMEOUT")
	setString(&c.Durable.Driver, "COLLAB_DURABLE_DRIVER")
	setString(&c.Durable.DSN, "COLLAB_DURABLE_DSN")
	setInt(&c.Durable.PoolMin, "COLLAB_POOL_MIN")
	setInt(&c.Durable.PoolMax, "COLLAB_POOL_MAX")
	setString(&c.Queue.Driver, "COLLAB_QUEUE_DRIVER")
	setString(&c.Queue.Redis.Address, "COLLAB_QUEUE_REDIS_ADDR")
	setString(&c.Queue.RabbitMQ.URL, "COLLAB_QUEUE_AMQP_URL")
	setInt(&c.Sync.PullIntervalSec, "COLLAB_PULL_INTERVAL")
	setInt(&c.Sync.PushIntervalSec, "COLLAB_PUSH_INTERVAL")
	setInt(&c.Sync.BatchSize, "COLLAB_SYNC_BATCH_SIZE")
	setString(&c.Workspace.Root, "COLLAB_WORKSPACE_ROOT")
	setString(&c.Auth.Secret, "COLLAB_JWT_SECRET")
}

func (c *Config) validate() error {
	if c.Durable.Driver != "memory" && strings.TrimSpace(c.Durable.DSN) == "" {
		return fmt.Errorf("durable driver %q 需要配置 DSN", c.Durable.Driver)
	}
	if c.Durable.PoolMin > c.Durable.PoolMax {
		return errors.New("durable pool_min 不能大于 pool_max")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("启用认证时必须配置 secret")
	}
	for _, channel := range c.Alerting.Channels {
		switch channel {
		case "log":
		case "webhook":
			if strings.TrimSpace(c.Alerting.WebhookURL) == "" {
				return errors.New("启用 webhook 告警渠道时必须配置 webhook_url")
			}
		default:
			return fmt.Errorf("未知的告警渠道: %s", channel)
		}
	}
	return nil
}

func setString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*target = value
	}
}

func setInt(target *int, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}
