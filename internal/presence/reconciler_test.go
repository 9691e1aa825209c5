package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/cache"
	"craftedclimate-telemetry/internal/models"
)

func TestReconciler_RunOnce_MarksStaleDeviceOffline(t *testing.T) {
	_, hotCache, writer, notifier, cfg := setupPresence(t)
	reconciler := NewReconciler(cfg, hotCache, writer, notifier, zap.NewNop())
	ctx := context.Background()

	// 心跳 11 分钟前，超过默认 10 分钟阈值
	require.NoError(t, hotCache.AdvanceHeartbeat(ctx, "dev-1", time.Now().Add(-11*time.Minute).UnixMilli()))
	require.NoError(t, hotCache.SetDeviceMeta(ctx, "dev-1", &cache.DeviceMeta{
		Model:                "envsense",
		Status:               models.StatusOnline,
		Recipients:           []models.Recipient{{Email: "owner@example.com"}},
		OfflineAlertsEnabled: true,
	}))

	require.NoError(t, reconciler.RunOnce(ctx))

	// 缓存与持久状态都标记为 offline
	status, err := hotCache.GetStatus(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, status)
	assert.Equal(t, models.StatusOffline, writer.updates["dev-1"])

	// 恰好一次离线通知，使用缓存中的收件人
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, models.StatusOffline, notifier.changes[0].status)
	assert.Equal(t, "owner@example.com", notifier.changes[0].recipients[0].Email)

	// 后续巡检不再重复报警
	require.NoError(t, reconciler.RunOnce(ctx))
	require.NoError(t, reconciler.RunOnce(ctx))
	assert.Equal(t, 1, notifier.count())
}

func TestReconciler_RunOnce_FreshDeviceUntouched(t *testing.T) {
	_, hotCache, writer, notifier, cfg := setupPresence(t)
	reconciler := NewReconciler(cfg, hotCache, writer, notifier, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, hotCache.AdvanceHeartbeat(ctx, "dev-1", time.Now().Add(-time.Minute).UnixMilli()))
	require.NoError(t, hotCache.SetDeviceMeta(ctx, "dev-1", &cache.DeviceMeta{
		Model:  "envsense",
		Status: models.StatusOnline,
	}))

	require.NoError(t, reconciler.RunOnce(ctx))

	assert.Empty(t, writer.updates)
	assert.Zero(t, notifier.count())
}

func TestReconciler_RunOnce_DeviceThresholdOverride(t *testing.T) {
	_, hotCache, writer, notifier, cfg := setupPresence(t)
	reconciler := NewReconciler(cfg, hotCache, writer, notifier, zap.NewNop())
	ctx := context.Background()

	// 超过默认 10 分钟，但设备阈值放宽到 30 分钟，不应判定离线
	require.NoError(t, hotCache.AdvanceHeartbeat(ctx, "dev-slow", time.Now().Add(-15*time.Minute).UnixMilli()))
	require.NoError(t, hotCache.SetDeviceMeta(ctx, "dev-slow", &cache.DeviceMeta{
		Model:                "envsense",
		Status:               models.StatusOnline,
		OfflineThresholdSec:  1800,
		OfflineAlertsEnabled: true,
	}))

	require.NoError(t, reconciler.RunOnce(ctx))

	assert.Empty(t, writer.updates)
	assert.Zero(t, notifier.count())

	// 超出设备自身阈值后才判定离线
	hotCache.ClearStatusDedup(ctx, "dev-slow", models.StatusOffline)
	mrSetHeartbeat(t, hotCache, "dev-slow", time.Now().Add(-31*time.Minute).UnixMilli())

	require.NoError(t, reconciler.RunOnce(ctx))
	assert.Equal(t, models.StatusOffline, writer.updates["dev-slow"])
	assert.Equal(t, 1, notifier.count())
}

// mrSetHeartbeat 回拨心跳用于测试（生产路径只会单调推进）
func mrSetHeartbeat(t *testing.T, hotCache *cache.HotCache, deviceID string, tsMillis int64) {
	t.Helper()
	ctx := context.Background()
	// GT 模式无法回拨，先删除成员再重新写入
	require.NoError(t, hotCache.RemoveHeartbeat(ctx, deviceID))
	require.NoError(t, hotCache.AdvanceHeartbeat(ctx, deviceID, tsMillis))
}

func TestReconciler_RunOnce_MissingMetaSkipped(t *testing.T) {
	_, hotCache, writer, notifier, cfg := setupPresence(t)
	reconciler := NewReconciler(cfg, hotCache, writer, notifier, zap.NewNop())
	ctx := context.Background()

	// 只有心跳没有元数据（缓存被淘汰）
	require.NoError(t, hotCache.AdvanceHeartbeat(ctx, "dev-ghost", time.Now().Add(-time.Hour).UnixMilli()))

	require.NoError(t, reconciler.RunOnce(ctx))

	assert.Empty(t, writer.updates)
	assert.Zero(t, notifier.count())
}

func TestReconciler_RunOnce_OfflineAlertsDisabled(t *testing.T) {
	_, hotCache, writer, notifier, cfg := setupPresence(t)
	reconciler := NewReconciler(cfg, hotCache, writer, notifier, zap.NewNop())
	ctx := context.Background()

	// 设备关闭了离线报警：状态照常落库，但不分发通知
	require.NoError(t, hotCache.AdvanceHeartbeat(ctx, "dev-quiet", time.Now().Add(-11*time.Minute).UnixMilli()))
	require.NoError(t, hotCache.SetDeviceMeta(ctx, "dev-quiet", &cache.DeviceMeta{
		Model:                "envsense",
		Status:               models.StatusOnline,
		Recipients:           []models.Recipient{{Email: "owner@example.com"}},
		OfflineAlertsEnabled: false,
	}))

	require.NoError(t, reconciler.RunOnce(ctx))

	status, err := hotCache.GetStatus(ctx, "dev-quiet")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, status)
	assert.Equal(t, models.StatusOffline, writer.updates["dev-quiet"])
	assert.Zero(t, notifier.count())
}

func TestReconciler_RecoversAfterFailedDurableWrite(t *testing.T) {
	_, hotCache, writer, notifier, cfg := setupPresence(t)
	reconciler := NewReconciler(cfg, hotCache, writer, notifier, zap.NewNop())
	tracker := NewTracker(cfg, hotCache, writer, notifier, zap.NewNop())
	ctx := context.Background()

	device := &models.Device{
		DeviceID: "dev-1",
		Status:   models.StatusOnline, // 持久记录因写入失败停留在旧值
		NotificationPrefs: &models.NotificationPrefs{
			OfflineAlertsEnabled: true,
		},
	}
	meta := &cache.DeviceMeta{
		Model:                "envsense",
		Status:               models.StatusOnline,
		Recipients:           []models.Recipient{{Email: "owner@example.com"}},
		OfflineAlertsEnabled: true,
	}

	require.NoError(t, hotCache.AdvanceHeartbeat(ctx, "dev-1", time.Now().Add(-11*time.Minute).UnixMilli()))
	require.NoError(t, hotCache.SetDeviceMeta(ctx, "dev-1", meta))

	// 第一轮巡检：持久状态写入失败被容忍，缓存状态与报警照常
	writer.err = errors.New("db down")
	require.NoError(t, reconciler.RunOnce(ctx))
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, models.StatusOffline, notifier.changes[0].status)

	// 设备恢复上报：摄取路径刷新元数据（持久记录仍是 online），
	// 缓存状态不得被拉回，翻转与恢复通知照常发生
	writer.err = nil
	require.NoError(t, hotCache.AdvanceHeartbeat(ctx, "dev-1", time.Now().UnixMilli()))
	require.NoError(t, hotCache.SetDeviceMeta(ctx, "dev-1", meta))
	require.NoError(t, tracker.OnReadingAccepted(ctx, device))
	require.Equal(t, 2, notifier.count())
	assert.Equal(t, models.StatusOnline, notifier.changes[1].status)

	// 再次超时：离线去重键已被上线路径清除，第二次离线报警不被吞掉
	mrSetHeartbeat(t, hotCache, "dev-1", time.Now().Add(-11*time.Minute).UnixMilli())
	require.NoError(t, reconciler.RunOnce(ctx))
	require.Equal(t, 3, notifier.count())
	assert.Equal(t, models.StatusOffline, notifier.changes[2].status)
}

func TestReconciler_OfflineThenOnlineCycle(t *testing.T) {
	_, hotCache, writer, notifier, cfg := setupPresence(t)
	reconciler := NewReconciler(cfg, hotCache, writer, notifier, zap.NewNop())
	tracker := NewTracker(cfg, hotCache, writer, notifier, zap.NewNop())
	ctx := context.Background()

	device := &models.Device{
		DeviceID:     "dev-1",
		Status:       models.StatusOnline,
		OwnerContact: &models.Recipient{Email: "owner@example.com"},
		NotificationPrefs: &models.NotificationPrefs{
			OfflineAlertsEnabled: true,
		},
	}

	require.NoError(t, hotCache.AdvanceHeartbeat(ctx, "dev-1", time.Now().Add(-11*time.Minute).UnixMilli()))
	require.NoError(t, hotCache.SetDeviceMeta(ctx, "dev-1", &cache.DeviceMeta{
		Model:                "envsense",
		Status:               models.StatusOnline,
		Recipients:           []models.Recipient{{Email: "owner@example.com"}},
		OfflineAlertsEnabled: true,
	}))

	// 第一轮：判定离线并报警一次
	require.NoError(t, reconciler.RunOnce(ctx))
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, models.StatusOffline, notifier.changes[0].status)

	// 设备恢复上报：翻转为 online 并发恢复通知
	require.NoError(t, hotCache.AdvanceHeartbeat(ctx, "dev-1", time.Now().UnixMilli()))
	require.NoError(t, tracker.OnReadingAccepted(ctx, device))
	require.Equal(t, 2, notifier.count())
	assert.Equal(t, models.StatusOnline, notifier.changes[1].status)

	// 再次超时：离线去重键已被上线路径清除，可以再次报警
	mrSetHeartbeat(t, hotCache, "dev-1", time.Now().Add(-11*time.Minute).UnixMilli())
	require.NoError(t, reconciler.RunOnce(ctx))
	require.Equal(t, 3, notifier.count())
	assert.Equal(t, models.StatusOffline, notifier.changes[2].status)
}
