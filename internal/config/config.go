package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"wisefido-telemetry/common/config"
)

// 存储 / 总线后端
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config 遥测服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	HTTP struct {
		Addr string // 监听地址，如 ":8080"
	}

	// 遥测服务特定配置
	Telemetry struct {
		WriteBackend      string // memory | postgres
		ProjectionBackend string // memory | redis
		BusBackend        string // memory | redis

		Streams struct {
			Events     string // 事件流，如 "telemetry.events"
			DeadLetter string // 死信流，如 "telemetry.events.dlt"
		}
		ConsumerGroup string
		ConsumerName  string
		Concurrency   int
		BatchSize     int64

		Retry struct {
			MaxRetries int
			Delay      time.Duration
		}
	}

	Ingest struct {
		MQTTEnabled bool
		MQTTTopic   string // 如 "telemetry/+/temperature"
	}

	Alert struct {
		WebhookURL string // 为空时不发送死信通知
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "telemetry")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-telemetry")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// 遥测服务配置
	cfg.Telemetry.WriteBackend = getEnv("WRITE_BACKEND", BackendMemory)
	cfg.Telemetry.ProjectionBackend = getEnv("STORE_BACKEND", BackendMemory)
	cfg.Telemetry.BusBackend = getEnv("BUS_BACKEND", BackendMemory)
	cfg.Telemetry.Streams.Events = getEnv("STREAM_EVENTS", "telemetry.events")
	cfg.Telemetry.Streams.DeadLetter = getEnv("STREAM_DLT", "telemetry.events.dlt")
	cfg.Telemetry.ConsumerGroup = getEnv("CONSUMER_GROUP", "telemetry-consumer-group")
	cfg.Telemetry.ConsumerName = getEnv("CONSUMER_NAME", "telemetry-consumer-1")

	var err error
	if cfg.Telemetry.Concurrency, err = getEnvInt("CONSUMER_CONCURRENCY", 3); err != nil {
		return nil, err
	}
	batch, err := getEnvInt("BATCH_SIZE", 10)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.BatchSize = int64(batch)
	if cfg.Telemetry.Retry.MaxRetries, err = getEnvInt("RETRY_MAX", 3); err != nil {
		return nil, err
	}
	delayMs, err := getEnvInt("RETRY_DELAY_MS", 1000)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.Retry.Delay = time.Duration(delayMs) * time.Millisecond

	cfg.Ingest.MQTTEnabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.Ingest.MQTTTopic = getEnv("MQTT_TOPIC", "telemetry/+/temperature")

	cfg.Alert.WebhookURL = getEnv("DLQ_WEBHOOK_URL", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验后端选择与数值范围
func (c *Config) Validate() error {
	t := c.Telemetry
	if t.WriteBackend != BackendMemory && t.WriteBackend != BackendPostgres {
		return fmt.Errorf("WRITE_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, t.WriteBackend)
	}
	if t.ProjectionBackend != BackendMemory && t.ProjectionBackend != BackendRedis {
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, t.ProjectionBackend)
	}
	if t.BusBackend != BackendMemory && t.BusBackend != BackendRedis {
		return fmt.Errorf("BUS_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, t.BusBackend)
	}
	if t.Concurrency < 1 {
		return fmt.Errorf("CONSUMER_CONCURRENCY must be >= 1, got %d", t.Concurrency)
	}
	if t.Retry.MaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX must be >= 0, got %d", t.Retry.MaxRetries)
	}
	if t.Retry.Delay < 0 {
		return fmt.Errorf("RETRY_DELAY_MS must be >= 0, got %s", t.Retry.Delay)
	}
	return nil
}

// NeedsRedis 是否有组件依赖 Redis
func (c *Config) NeedsRedis() bool {
	return c.Telemetry.ProjectionBackend == BackendRedis || c.Telemetry.BusBackend == BackendRedis
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}
