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

// StatusWriter 持久设备状态回写接口
type StatusWriter interface {
	UpdateStatus(ctx context.Context, deviceID, status string) error
}

// StatusNotifier 状态变更通知接口
// 由报警引擎实现：组装离线/恢复消息并分发到各通道
type StatusNotifier interface {
	NotifyStatusChange(ctx context.Context, deviceID, status string, recipients []models.Recipient, lastSeen time.Time)
}

// Tracker 在线状态跟踪器
// 状态机只有 online/offline 两态：
// online -> offline 由离线巡检根据心跳年龄判定（对比墙钟而非读数事件时间）；
// offline -> online 在下一条被接受的心跳上翻转。
// 心跳索引本身单调，迟到的旧读数不会使设备回退为 offline
type Tracker struct {
	config   *config.Config
	hotCache *cache.HotCache
	devices  StatusWriter
	notifier StatusNotifier
	logger   *zap.Logger
}

// NewTracker 创建在线状态跟踪器
func NewTracker(
	cfg *config.Config,
	hotCache *cache.HotCache,
	devices StatusWriter,
	notifier StatusNotifier,
	logger *zap.Logger,
) *Tracker {
	return &Tracker{
		config:   cfg,
		hotCache: hotCache,
		devices:  devices,
		notifier: notifier,
		logger:   logger,
	}
}

// IsOnline 设备当前是否在线（心跳年龄对比生效阈值）
func (t *Tracker) IsOnline(ctx context.Context, deviceID string) (bool, error) {
	heartbeat, err := t.hotCache.GetHeartbeat(ctx, deviceID)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			// 从未上报过心跳的设备视为离线
			return false, nil
		}
		return false, err
	}

	threshold := t.config.Presence.OfflineThreshold
	if meta, err := t.hotCache.GetDeviceMeta(ctx, deviceID); err == nil && meta.OfflineThresholdSec > 0 {
		threshold = time.Duration(meta.OfflineThresholdSec) * time.Second
	}

	age := time.Since(time.UnixMilli(heartbeat))
	return age <= threshold, nil
}

// OnReadingAccepted 读数被接受后的状态处理
// 设备此前为 offline 时翻转为 online，缓存与持久记录分别尽力写入，
// 任一失败不阻塞另一个
func (t *Tracker) OnReadingAccepted(ctx context.Context, device *models.Device) error {
	status, err := t.hotCache.GetStatus(ctx, device.DeviceID)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			return err
		}
		status = device.Status
	}

	if status != models.StatusOffline {
		return nil
	}

	t.logger.Info("Device back online",
		zap.String("device_id", device.DeviceID),
	)

	// (a) 缓存状态（看板读取）
	if err := t.hotCache.SetStatus(ctx, device.DeviceID, models.StatusOnline); err != nil {
		t.logger.Error("Failed to update cached status",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}

	// (b) 持久设备记录（允许滞后）
	if err := t.devices.UpdateStatus(ctx, device.DeviceID, models.StatusOnline); err != nil {
		t.logger.Error("Failed to update durable status",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}

	// 清除离线去重键，下次离线可再次报警
	if err := t.hotCache.ClearStatusDedup(ctx, device.DeviceID, models.StatusOffline); err != nil {
		t.logger.Warn("Failed to clear offline dedup key",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}

	// 恢复上线通知（同一转换去重）
	if device.NotificationPrefs != nil && device.NotificationPrefs.OfflineAlertsEnabled {
		ok, err := t.hotCache.SetStatusDedup(ctx, device.DeviceID, models.StatusOnline)
		if err != nil {
			t.logger.Warn("Failed to set online dedup key",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
		} else if ok {
			heartbeat, _ := t.hotCache.GetHeartbeat(ctx, device.DeviceID)
			recipients := gatherRecipients(device)
			t.notifier.NotifyStatusChange(ctx, device.DeviceID, models.StatusOnline, recipients, time.UnixMilli(heartbeat))
		}
	}

	return nil
}

// gatherRecipients 组装通知收件人（owner + 偏好列表 + 授权协作者）
func gatherRecipients(device *models.Device) []models.Recipient {
	var recipients []models.Recipient

	if device.OwnerContact != nil {
		recipients = append(recipients, *device.OwnerContact)
	}
	if device.NotificationPrefs != nil {
		recipients = append(recipients, device.NotificationPrefs.Recipients...)
	}
	for i := range device.Collaborators {
		c := &device.Collaborators[i]
		if c.CanReceiveAlerts() && (c.Email != "" || c.Phone != "") {
			recipients = append(recipients, models.Recipient{Email: c.Email, Phone: c.Phone})
		}
	}

	return recipients
}
