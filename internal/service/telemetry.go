package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/alert"
	"craftedclimate-telemetry/internal/cache"
	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/database"
	"craftedclimate-telemetry/internal/flush"
	"craftedclimate-telemetry/internal/ingest"
	"craftedclimate-telemetry/internal/notify"
	"craftedclimate-telemetry/internal/presence"
	"craftedclimate-telemetry/internal/publish"
	"craftedclimate-telemetry/internal/queue"
	"craftedclimate-telemetry/internal/repository"
)

// TelemetryService 遥测服务
// 组装全部组件并管理其生命周期：
// MQTT 上行适配器 -> 摄取队列 -> worker -> 热缓存/心跳 -> 刷盘/巡检/报警
type TelemetryService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *publish.Client

	worker     *ingest.Worker
	scheduler  *flush.Scheduler
	reconciler *presence.Reconciler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelemetryService 创建遥测服务
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 2. 连接Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 3. 仓库层
	deviceRepo := repository.NewDeviceRepository(db, logger)
	readingRepo := repository.NewReadingRepository(db, logger)
	ruleRepo := repository.NewRuleRepository(db, logger)

	// 4. 缓存与队列
	hotCache := cache.NewHotCache(cfg, redisClient, logger)
	ingestQueue := queue.NewQueue(cfg, redisClient, logger)

	// 5. MQTT：上行适配器 + 实时推送共用一个客户端
	mqttClient := publish.NewClient(cfg, ingestQueue, logger)

	// 6. 通知与报警
	dispatcher := notify.NewDispatcher(cfg, mqttClient, logger)
	engine := alert.NewEngine(cfg, ruleRepo, dispatcher, logger)

	// 7. 在线状态
	tracker := presence.NewTracker(cfg, hotCache, deviceRepo, engine, logger)
	reconciler := presence.NewReconciler(cfg, hotCache, deviceRepo, engine, logger)

	// 8. 摄取与刷盘
	normalizer := ingest.NewNormalizer(logger)
	worker := ingest.NewWorker(cfg, ingestQueue, hotCache, deviceRepo, normalizer, tracker, engine, mqttClient, logger)
	scheduler := flush.NewScheduler(cfg, hotCache, readingRepo, logger)

	return &TelemetryService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		worker:      worker,
		scheduler:   scheduler,
		reconciler:  reconciler,
	}, nil
}

// Start 启动服务的全部后台任务
func (s *TelemetryService) Start() error {
	if err := s.mqttClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)

	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(ctx); err != nil {
			s.logger.Error("Ingestion worker exited with error", zap.Error(err))
		}
	}()

	go func() {
		defer s.wg.Done()
		if err := s.scheduler.Start(ctx); err != nil {
			s.logger.Error("Flush scheduler exited with error", zap.Error(err))
		}
	}()

	go func() {
		defer s.wg.Done()
		if err := s.reconciler.Start(ctx); err != nil {
			s.logger.Error("Offline reconciler exited with error", zap.Error(err))
		}
	}()

	s.logger.Info("Telemetry service started")
	return nil
}

// Stop 停止服务并释放资源
func (s *TelemetryService) Stop() {
	s.logger.Info("Stopping telemetry service...")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mqttClient.Disconnect()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis client", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	s.logger.Info("Telemetry service stopped")
}
