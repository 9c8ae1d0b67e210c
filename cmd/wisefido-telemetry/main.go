package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-telemetry/common/logger"
	mqttcommon "wisefido-telemetry/common/mqtt"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/consumer"
	httpapi "wisefido-telemetry/internal/http"
	"wisefido-telemetry/internal/service"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	lg, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-telemetry")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("Starting wisefido-telemetry service",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("write_backend", cfg.Telemetry.WriteBackend),
		zap.String("projection_backend", cfg.Telemetry.ProjectionBackend),
		zap.String("bus_backend", cfg.Telemetry.BusBackend),
		zap.Bool("mqtt_ingest", cfg.Ingest.MQTTEnabled),
	)

	// 创建服务
	telemetryService, err := service.NewTelemetryService(cfg, lg)
	if err != nil {
		lg.Fatal("Failed to create telemetry service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动投影消费
	if err := telemetryService.Start(ctx); err != nil {
		lg.Fatal("Failed to start telemetry service", zap.Error(err))
	}

	router := httpapi.NewRouter(lg)
	router.RegisterTelemetryRoutes(httpapi.NewTelemetryHandler(telemetryService.Command(), telemetryService.Query(), lg))
	router.RegisterOpsRoutes(httpapi.NewHealthHandler(telemetryService, lg), telemetryService.Metrics().Handler())
	server := service.NewServer(cfg.HTTP.Addr, router, lg)

	var mqttClient *mqttcommon.Client
	var mqttConsumer *consumer.MQTTConsumer
	if cfg.Ingest.MQTTEnabled {
		mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, lg)
		if err != nil {
			lg.Fatal("Failed to connect MQTT broker", zap.Error(err))
		}
		mqttConsumer = consumer.NewMQTTConsumer(mqttClient, telemetryService.Command(), cfg.Ingest.MQTTTopic, cfg.MQTT.QoS, lg)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	if mqttConsumer != nil {
		g.Go(func() error { return mqttConsumer.Start(gctx) })
	}

	// 等待中断信号或任一组件退出
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if mqttConsumer != nil {
			mqttConsumer.Stop(shutdownCtx)
			mqttClient.Disconnect()
		}
		if err := server.Stop(shutdownCtx); err != nil {
			lg.Error("Error stopping HTTP server", zap.Error(err))
		}
		if err := telemetryService.Stop(shutdownCtx); err != nil {
			lg.Error("Error stopping telemetry service", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		lg.Error("Service exited with error", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("Service stopped")
}
