package presence

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/cache"
	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/models"
)

// Reconciler 离线巡检任务
// 定期扫描心跳索引，找出心跳年龄超过阈值的设备，
// 判定离线、回写状态并发送去重后的离线通知。
// 与摄取路径相互独立，只读心跳索引和缓存
type Reconciler struct {
	config   *config.Config
	hotCache *cache.HotCache
	devices  StatusWriter
	notifier StatusNotifier
	logger   *zap.Logger
}

// NewReconciler 创建离线巡检任务
func NewReconciler(
	cfg *config.Config,
	hotCache *cache.HotCache,
	devices StatusWriter,
	notifier StatusNotifier,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		config:   cfg,
		hotCache: hotCache,
		devices:  devices,
		notifier: notifier,
		logger:   logger,
	}
}

// Start 启动定时巡检（阻塞直到 ctx 取消）
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Offline reconciler started",
		zap.Duration("interval", r.config.Presence.ReconcileInterval),
		zap.Duration("default_threshold", r.config.Presence.OfflineThreshold),
	)

	ticker := time.NewTicker(r.config.Presence.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("Offline reconciliation failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一轮离线巡检
// 单个设备的失败不中断整批
func (r *Reconciler) RunOnce(ctx context.Context) error {
	now := time.Now()
	cutoff := now.Add(-r.config.Presence.OfflineThreshold).UnixMilli()

	candidates, err := r.hotCache.StaleDevices(ctx, cutoff)
	if err != nil {
		return err
	}

	var marked int
	for _, deviceID := range candidates {
		ok, err := r.reconcileDevice(ctx, deviceID, now)
		if err != nil {
			r.logger.Error("Failed to reconcile device",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			marked++
		}
	}

	if len(candidates) > 0 {
		r.logger.Info("Offline reconciliation completed",
			zap.Int("candidates", len(candidates)),
			zap.Int("marked_offline", marked),
		)
	}

	return nil
}

// reconcileDevice 巡检单个候选设备，返回是否标记为离线
func (r *Reconciler) reconcileDevice(ctx context.Context, deviceID string, now time.Time) (bool, error) {
	// 本轮之前已经报过警的转换直接跳过，避免每轮重复报警
	exists, err := r.hotCache.HasStatusDedup(ctx, deviceID, models.StatusOffline)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	meta, err := r.hotCache.GetDeviceMeta(ctx, deviceID)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			// 只有心跳没有元数据（缓存被淘汰），下一条读数会补全
			return false, nil
		}
		return false, err
	}

	// 设备自身阈值可能大于全局默认值，按设备阈值复查
	if meta.OfflineThresholdSec > 0 {
		heartbeat, err := r.hotCache.GetHeartbeat(ctx, deviceID)
		if err != nil {
			return false, err
		}
		deviceCutoff := now.Add(-time.Duration(meta.OfflineThresholdSec) * time.Second).UnixMilli()
		if heartbeat >= deviceCutoff {
			// 仍在设备自身的允许范围内
			return false, nil
		}
	}

	// 判定离线：先占去重键再发通知，同一转换 24h 内只报一次
	ok, err := r.hotCache.SetStatusDedup(ctx, deviceID, models.StatusOffline)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := r.hotCache.SetStatus(ctx, deviceID, models.StatusOffline); err != nil {
		r.logger.Error("Failed to update cached status",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	if err := r.devices.UpdateStatus(ctx, deviceID, models.StatusOffline); err != nil {
		r.logger.Error("Failed to update durable status",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	// 清除 online 去重键，恢复上线时可通知
	if err := r.hotCache.ClearStatusDedup(ctx, deviceID, models.StatusOnline); err != nil {
		r.logger.Warn("Failed to clear online dedup key",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	heartbeat, _ := r.hotCache.GetHeartbeat(ctx, deviceID)

	// 状态照常落库，离线报警按设备偏好开关分发
	if meta.OfflineAlertsEnabled {
		r.notifier.NotifyStatusChange(ctx, deviceID, models.StatusOffline, meta.Recipients, time.UnixMilli(heartbeat))
	}

	r.logger.Info("Device marked offline",
		zap.String("device_id", deviceID),
		zap.Int64("last_heartbeat", heartbeat),
		zap.Bool("alert_dispatched", meta.OfflineAlertsEnabled),
	)

	return true, nil
}
