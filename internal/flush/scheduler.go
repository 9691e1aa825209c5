package flush

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/cache"
	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/models"
	"craftedclimate-telemetry/internal/repository"
)

// ReadingPersister 持久化接口（按型号落库）
type ReadingPersister interface {
	PersistLatest(ctx context.Context, deviceID, model string, channels map[string]models.ChannelValue) error
}

// Scheduler 写回刷盘调度器
// 定期从脏集合弹出有未刷盘数据的设备，将缓存中的最新读数写入持久存储。
// 代价为 O(脏设备数)；兼容模式退化为全量键空间扫描，仅在脏集合不可用时启用
type Scheduler struct {
	config    *config.Config
	hotCache  *cache.HotCache
	persister ReadingPersister
	logger    *zap.Logger
}

// NewScheduler 创建刷盘调度器
func NewScheduler(cfg *config.Config, hotCache *cache.HotCache, persister ReadingPersister, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		config:    cfg,
		hotCache:  hotCache,
		persister: persister,
		logger:    logger,
	}
}

// Start 启动定时刷盘（阻塞直到 ctx 取消）
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Flush scheduler started",
		zap.Duration("interval", s.config.Flush.Interval),
		zap.Int64("batch_size", s.config.Flush.BatchSize),
		zap.Bool("legacy_full_scan", s.config.Flush.LegacyFullScan),
	)

	ticker := time.NewTicker(s.config.Flush.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Flush cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一轮刷盘
// 单个设备的失败不中断整批；崩溃丢失的只是脏标记，缓存值仍在
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var deviceIDs []string
	var err error

	if s.config.Flush.LegacyFullScan {
		// 兼容模式：全量扫描，O(全部设备)
		deviceIDs, err = s.hotCache.ScanDeviceIDs(ctx)
	} else {
		deviceIDs, err = s.hotCache.PopDirty(ctx, s.config.Flush.BatchSize)
	}
	if err != nil {
		return err
	}

	if len(deviceIDs) == 0 {
		return nil
	}

	var flushed, skipped, failed int
	for _, deviceID := range deviceIDs {
		switch err := s.flushDevice(ctx, deviceID); {
		case err == nil:
			flushed++
		case errors.Is(err, repository.ErrUnknownModel), errors.Is(err, cache.ErrCacheMiss):
			// 数据错误：不重试，下一条读数会重新标脏
			skipped++
			s.logger.Warn("Skipped device during flush",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		default:
			// 落库失败：重新标脏，下一轮重试（数据源仍在缓存中）
			failed++
			s.logger.Error("Failed to flush device",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
			if !s.config.Flush.LegacyFullScan {
				if markErr := s.hotCache.MarkDirty(ctx, deviceID); markErr != nil {
					s.logger.Error("Failed to re-mark device dirty",
						zap.String("device_id", deviceID),
						zap.Error(markErr),
					)
				}
			}
		}
	}

	s.logger.Info("Flush cycle completed",
		zap.Int("flushed", flushed),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
	)

	return nil
}

// flushDevice 刷盘单个设备：读缓存元数据解析型号，写入对应时序表
func (s *Scheduler) flushDevice(ctx context.Context, deviceID string) error {
	meta, err := s.hotCache.GetDeviceMeta(ctx, deviceID)
	if err != nil {
		return err
	}

	if meta.Model == "" {
		return repository.ErrUnknownModel
	}

	channels, err := s.hotCache.GetChannels(ctx, deviceID)
	if err != nil {
		return err
	}

	return s.persister.PersistLatest(ctx, deviceID, meta.Model, channels)
}
