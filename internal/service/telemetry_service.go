package service

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-telemetry/common/database"
	rediscommon "wisefido-telemetry/common/redis"
	"wisefido-telemetry/internal/alert"
	"wisefido-telemetry/internal/bus"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/projector"
	"wisefido-telemetry/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// TelemetryService 遥测服务：组装写库、投影库、事件总线与投影更新器
type TelemetryService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	metrics     *metrics.Metrics

	writeStore      repository.WriteStore
	projectionStore repository.ProjectionStore
	bus             bus.Bus
	deadLetters     *bus.StreamDeadLetters
	updater         *projector.ProjectionUpdater
	command         *CommandService
	query           *QueryService

	subscription bus.Subscription
}

// NewTelemetryService 创建遥测服务（按配置选择后端，不启动消费）
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	s := &TelemetryService{
		config: cfg,
		logger: logger,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(reg)

	// 初始化Redis
	if cfg.NeedsRedis() {
		s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(context.Background(), s.redisClient); err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	// 写库
	switch cfg.Telemetry.WriteBackend {
	case config.BackendPostgres:
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		repo := repository.NewPostgresTelemetryRepository(db, logger)
		if err := repo.EnsureSchema(context.Background()); err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to ensure telemetry schema: %w", err)
		}
		s.writeStore = repo
	default:
		s.writeStore = repository.NewMemoryTelemetryRepository()
	}

	// 投影库
	switch cfg.Telemetry.ProjectionBackend {
	case config.BackendRedis:
		s.projectionStore = repository.NewRedisProjectionRepository(s.redisClient, logger)
	default:
		s.projectionStore = repository.NewMemoryProjectionRepository()
	}

	// 事件总线
	opts := bus.Options{
		Concurrency: cfg.Telemetry.Concurrency,
		Retry: bus.RetryPolicy{
			MaxRetries: cfg.Telemetry.Retry.MaxRetries,
			Delay:      cfg.Telemetry.Retry.Delay,
		},
		Metrics: s.metrics,
	}
	switch cfg.Telemetry.BusBackend {
	case config.BackendRedis:
		opts.DeadLetters = s.withAlerts(bus.NewStreamDeadLetterSink(s.redisClient, cfg.Telemetry.Streams.DeadLetter))
		s.bus = bus.NewStreamBus(s.redisClient, bus.StreamConfig{
			Stream:           cfg.Telemetry.Streams.Events,
			DeadLetterStream: cfg.Telemetry.Streams.DeadLetter,
			Group:            cfg.Telemetry.ConsumerGroup,
			Consumer:         cfg.Telemetry.ConsumerName,
			BatchSize:        cfg.Telemetry.BatchSize,
		}, opts, logger)
		s.deadLetters = bus.NewStreamDeadLetters(s.redisClient, cfg.Telemetry.Streams.Events, cfg.Telemetry.Streams.DeadLetter, logger)
	default:
		opts.DeadLetters = s.withAlerts(bus.NewMemoryDeadLetters())
		s.bus = bus.NewMemoryBus(opts, logger)
	}

	s.updater = projector.NewProjectionUpdater(s.projectionStore, s.metrics, logger)
	s.command = NewCommandService(s.writeStore, s.bus, s.metrics, logger)
	s.query = NewQueryService(s.projectionStore, logger)

	logger.Info("Telemetry service configured",
		zap.String("write_backend", cfg.Telemetry.WriteBackend),
		zap.String("projection_backend", cfg.Telemetry.ProjectionBackend),
		zap.String("bus_backend", cfg.Telemetry.BusBackend),
	)
	return s, nil
}

func (s *TelemetryService) withAlerts(primary bus.DeadLetterSink) bus.DeadLetterSink {
	if s.config.Alert.WebhookURL == "" {
		return primary
	}
	return bus.NewFanoutSink(s.logger, primary, alert.NewWebhookNotifier(s.config.Alert.WebhookURL, s.logger))
}

// Start 订阅事件总线，启动投影更新
func (s *TelemetryService) Start(ctx context.Context) error {
	s.logger.Info("Starting telemetry service components")

	sub, err := s.bus.Subscribe(ctx, s.updater.OnEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe projection updater: %w", err)
	}
	s.subscription = sub

	s.logger.Info("Telemetry service started successfully")
	return nil
}

// Stop 停止消费并关闭连接
// 等待在途事件超时则不关闭 Redis / 数据库：仍在执行的 handler 不会撞上已关闭的连接，
// 未确认的消息留在 pending 中由下次启动恢复
func (s *TelemetryService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping telemetry service")

	if s.subscription != nil {
		done := make(chan struct{})
		go func() {
			_ = s.subscription.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("Timed out waiting for in-flight events, leaving connections open",
				zap.Error(ctx.Err()),
			)
			return fmt.Errorf("drain telemetry subscription: %w", ctx.Err())
		}
	}
	if mb, ok := s.bus.(*bus.MemoryBus); ok {
		_ = mb.Close()
	}

	s.closeClients()
	s.logger.Info("Telemetry service stopped")
	return nil
}

func (s *TelemetryService) closeClients() {
	// 关闭Redis
	if err := rediscommon.Close(s.redisClient); err != nil {
		s.logger.Error("Error closing Redis client", zap.Error(err))
	}
	// 关闭数据库
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Error closing database connection", zap.Error(err))
	}
}

// Reset 清空写库与投影库（仅运维/测试）
func (s *TelemetryService) Reset(ctx context.Context) error {
	if err := s.writeStore.DeleteAll(ctx); err != nil {
		return fmt.Errorf("reset write store: %w", err)
	}
	if err := s.projectionStore.DeleteAll(ctx); err != nil {
		return fmt.Errorf("reset projection store: %w", err)
	}
	s.logger.Warn("Telemetry stores reset")
	return nil
}

func (s *TelemetryService) Command() *CommandService {
	return s.command
}

func (s *TelemetryService) Query() *QueryService {
	return s.query
}

func (s *TelemetryService) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *TelemetryService) WriteStore() repository.WriteStore {
	return s.writeStore
}

func (s *TelemetryService) ProjectionStore() repository.ProjectionStore {
	return s.projectionStore
}

// DeadLetters Redis 死信流运维；内存总线时为 nil
func (s *TelemetryService) DeadLetters() *bus.StreamDeadLetters {
	return s.deadLetters
}

// Ping 检查依赖的外部存储
func (s *TelemetryService) Ping(ctx context.Context) error {
	if s.redisClient != nil {
		if err := rediscommon.Ping(ctx, s.redisClient); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}
