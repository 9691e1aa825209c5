package main

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/logger"
	"craftedclimate-telemetry/internal/service"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "craftedclimate-telemetry")
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	log.Info("Starting craftedclimate-telemetry service",
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("ingest_stream", cfg.Ingest.Stream),
	)

	// 3. 创建并启动服务
	svc, err := service.NewTelemetryService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create telemetry service", zap.Error(err))
	}

	if err := svc.Start(); err != nil {
		log.Fatal("Failed to start telemetry service", zap.Error(err))
	}

	// 4. 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	svc.Stop()
}
