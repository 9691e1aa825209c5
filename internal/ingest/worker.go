package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/cache"
	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/models"
	"craftedclimate-telemetry/internal/queue"
	"craftedclimate-telemetry/internal/repository"
)

// DeviceDirectory 设备目录接口（外部协作方）
type DeviceDirectory interface {
	ResolveByIdentifier(ctx context.Context, identifier string) (*models.Device, error)
}

// AlertSink 报警引擎接口
// worker 同步调用，但其失败不影响摄取任务结果
type AlertSink interface {
	HandleReading(ctx context.Context, device *models.Device, reading *models.Reading) error
}

// LivePublisher 实时推送接口（尽力而为，至多一次）
type LivePublisher interface {
	PublishReading(deviceID string, reading *models.Reading) error
}

// PresenceNotifier 在线状态跟踪接口
// worker 在接受读数后通知，用于 offline -> online 翻转
type PresenceNotifier interface {
	OnReadingAccepted(ctx context.Context, device *models.Device) error
}

// Worker 摄取 worker
// 无状态，可多实例并行消费同一个消费者组；
// 对同一设备的并发写都是幂等覆盖或单调推进，重复处理是安全的
type Worker struct {
	config     *config.Config
	queue      *queue.Queue
	hotCache   *cache.HotCache
	directory  DeviceDirectory
	normalizer *Normalizer
	presence   PresenceNotifier
	alerts     AlertSink
	publisher  LivePublisher
	logger     *zap.Logger

	droppedUnknown atomic.Int64
}

// NewWorker 创建摄取 worker
func NewWorker(
	cfg *config.Config,
	q *queue.Queue,
	hotCache *cache.HotCache,
	directory DeviceDirectory,
	normalizer *Normalizer,
	presence PresenceNotifier,
	alerts AlertSink,
	publisher LivePublisher,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		config:     cfg,
		queue:      q,
		hotCache:   hotCache,
		directory:  directory,
		normalizer: normalizer,
		presence:   presence,
		alerts:     alerts,
		publisher:  publisher,
		logger:     logger,
	}
}

// DroppedUnknownCount 因设备未注册而丢弃的任务计数
func (w *Worker) DroppedUnknownCount() int64 {
	return w.droppedUnknown.Load()
}

// Start 启动消费循环（阻塞直到 ctx 取消）
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	w.logger.Info("Ingestion worker started",
		zap.String("consumer_group", w.config.Ingest.ConsumerGroup),
		zap.String("consumer_name", w.config.Ingest.ConsumerName),
	)

	// 认领任务：定期重投空闲超时的未确认消息
	go w.claimLoop(ctx)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			messages, err := w.queue.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("Failed to read from ingestion queue",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				// 指数退避后重试
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
				continue
			}

			backoffDuration = time.Second
			w.processBatch(ctx, messages)
		}
	}
}

// claimLoop 认领循环
func (w *Worker) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.Ingest.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, err := w.queue.ClaimStale(ctx)
			if err != nil {
				w.logger.Error("Failed to claim stale messages", zap.Error(err))
				continue
			}
			w.processBatch(ctx, messages)
		}
	}
}

// processBatch 处理一批消息，单条失败不中断其余消息
func (w *Worker) processBatch(ctx context.Context, messages []queue.Message) {
	for _, msg := range messages {
		if err := w.ProcessMessage(ctx, msg); err != nil {
			// 不确认，留在 pending 列表等待重投
			w.logger.Error("Failed to process ingestion job",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

// ProcessMessage 处理单条摄取任务
// 返回 error 表示可重试的失败（消息不确认）；
// 永久性问题（坏消息、未注册设备）确认后丢弃
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	job, err := models.ParseUplinkJob(msg.Values)
	if err != nil {
		// 坏消息重试也不会成功，确认后丢弃
		w.logger.Warn("Dropping malformed uplink message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return w.queue.Ack(ctx, msg.ID)
	}

	// 1. 解析设备；未注册设备属于预期噪音，静默丢弃
	device, err := w.directory.ResolveByIdentifier(ctx, job.DeviceIdentifier)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			w.droppedUnknown.Add(1)
			w.logger.Debug("Dropping reading from unregistered device",
				zap.String("identifier", job.DeviceIdentifier),
			)
			return w.queue.Ack(ctx, msg.ID)
		}
		return err
	}

	// 2-4. 规范化（时间戳、字段强转、派生字段）
	reading := w.normalizer.Normalize(job, device)

	// 5. 写入热缓存、标脏、推进心跳（主要义务，失败则任务重试）
	if err := w.hotCache.SetChannels(ctx, device.DeviceID, reading.Channels); err != nil {
		return err
	}

	meta := &cache.DeviceMeta{
		Model:                device.Model,
		Status:               device.Status,
		OwnerID:              device.OwnerID,
		Recipients:           buildCachedRecipients(device),
		OfflineThresholdSec:  device.EffectiveOfflineThresholdSec(),
		OfflineAlertsEnabled: device.NotificationPrefs != nil && device.NotificationPrefs.OfflineAlertsEnabled,
	}
	if err := w.hotCache.SetDeviceMeta(ctx, device.DeviceID, meta); err != nil {
		return err
	}

	if err := w.hotCache.MarkDirty(ctx, device.DeviceID); err != nil {
		return err
	}

	if err := w.hotCache.AdvanceHeartbeat(ctx, device.DeviceID, reading.EventTime); err != nil {
		return err
	}

	// 主要义务已完成，以下副作用全部失败隔离

	// offline -> online 翻转
	if err := w.presence.OnReadingAccepted(ctx, device); err != nil {
		w.logger.Warn("Failed to update presence on reading",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}

	// 6. 实时推送（尽力而为）
	if err := w.publisher.PublishReading(device.DeviceID, reading); err != nil {
		w.logger.Warn("Failed to publish live reading",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}

	// 7. 阈值评估（失败不影响摄取结果）
	if err := w.alerts.HandleReading(ctx, device, reading); err != nil {
		w.logger.Error("Threshold evaluation failed",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}

	if err := w.queue.Ack(ctx, msg.ID); err != nil {
		return err
	}

	w.logger.Debug("Processed uplink job",
		zap.String("device_id", device.DeviceID),
		zap.String("message_id", msg.ID),
		zap.Int("channel_count", len(reading.Channels)),
	)

	return nil
}

// buildCachedRecipients 组装缓存的收件人列表（owner + 偏好列表 + 授权协作者）
// 供离线巡检使用，避免每轮巡检都查库
func buildCachedRecipients(device *models.Device) []models.Recipient {
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
			recipients = append(recipients, models.Recipient{
				Email: c.Email,
				Phone: c.Phone,
			})
		}
	}

	return recipients
}
