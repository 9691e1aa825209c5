package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/models"
)

// ErrCacheMiss 表示缓存不存在
var ErrCacheMiss = errors.New("cache miss")

// DeviceMeta 缓存中的设备元数据
// 由摄取路径写入，刷盘调度器和离线巡检读取，避免重复查库。
// status 字段只在首次写入时初始化，之后归在线状态路径（SetStatus）所有，
// 摄取路径的元数据刷新不会覆盖它
type DeviceMeta struct {
	Model                string             `json:"model"` // 小写型号键
	Status               string             `json:"status"`
	OwnerID              string             `json:"owner_id"`
	Recipients           []models.Recipient `json:"recipients,omitempty"`
	OfflineThresholdSec  int                `json:"offline_threshold_sec"` // 0 表示使用默认值
	OfflineAlertsEnabled bool               `json:"offline_alerts_enabled"`
}

// HotCache 热缓存（Redis）
// 并发约定：所有写操作均为幂等覆盖（HSET）、集合添加（SADD）或单调推进
// （ZADD GT），多个 worker 并发写同一设备无需加锁
type HotCache struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewHotCache 创建热缓存
func NewHotCache(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *HotCache {
	return &HotCache{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// channelKey 通道哈希键
func (c *HotCache) channelKey(deviceID string) string {
	return c.config.Cache.ChannelKeyPrefix + deviceID + c.config.Cache.ChannelSuffix
}

// metaKey 元数据哈希键
func (c *HotCache) metaKey(deviceID string) string {
	return c.config.Cache.ChannelKeyPrefix + deviceID + c.config.Cache.MetaSuffix
}

// dedupKey 状态去重键
func (c *HotCache) dedupKey(deviceID, status string) string {
	return c.config.Cache.DedupKeyPrefix + deviceID + ":" + status
}

// SetChannels 写入一次读数的全部通道值（逐字段覆盖，最后写入者胜出）
func (c *HotCache) SetChannels(ctx context.Context, deviceID string, channels map[string]models.ChannelValue) error {
	if len(channels) == 0 {
		return nil
	}

	fields := make(map[string]interface{}, len(channels))
	for name, cv := range channels {
		jsonData, err := json.Marshal(cv)
		if err != nil {
			return fmt.Errorf("failed to marshal channel %s: %w", name, err)
		}
		fields[name] = string(jsonData)
	}

	if err := c.redisClient.HSet(ctx, c.channelKey(deviceID), fields).Err(); err != nil {
		return fmt.Errorf("failed to set channel hash: %w", err)
	}

	c.logger.Debug("Updated channel cache",
		zap.String("device_id", deviceID),
		zap.Int("channel_count", len(channels)),
	)

	return nil
}

// GetChannels 读取设备的全部通道值
func (c *HotCache) GetChannels(ctx context.Context, deviceID string) (map[string]models.ChannelValue, error) {
	values, err := c.redisClient.HGetAll(ctx, c.channelKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel hash: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrCacheMiss
	}

	channels := make(map[string]models.ChannelValue, len(values))
	for name, raw := range values {
		var cv models.ChannelValue
		if err := json.Unmarshal([]byte(raw), &cv); err != nil {
			// 单个损坏字段不阻塞其余通道
			c.logger.Warn("Failed to unmarshal channel value",
				zap.String("device_id", deviceID),
				zap.String("channel", name),
				zap.Error(err),
			)
			continue
		}
		channels[name] = cv
	}

	return channels, nil
}

// SetDeviceMeta 写入设备元数据
// status 只做初始化写入（HSETNX）：巡检把设备标为 offline 后，
// 后续读数刷新元数据时不得把缓存状态拉回持久记录的旧值，
// 否则状态翻转及其通知会被吞掉
func (c *HotCache) SetDeviceMeta(ctx context.Context, deviceID string, meta *DeviceMeta) error {
	recipientsJSON, err := json.Marshal(meta.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}

	fields := map[string]interface{}{
		"model":                  meta.Model,
		"owner_id":               meta.OwnerID,
		"recipients":             string(recipientsJSON),
		"offline_threshold_sec":  strconv.Itoa(meta.OfflineThresholdSec),
		"offline_alerts_enabled": strconv.FormatBool(meta.OfflineAlertsEnabled),
	}

	if err := c.redisClient.HSet(ctx, c.metaKey(deviceID), fields).Err(); err != nil {
		return fmt.Errorf("failed to set device meta: %w", err)
	}

	if err := c.redisClient.HSetNX(ctx, c.metaKey(deviceID), "status", meta.Status).Err(); err != nil {
		return fmt.Errorf("failed to initialize cached status: %w", err)
	}

	return nil
}

// GetDeviceMeta 读取设备元数据
func (c *HotCache) GetDeviceMeta(ctx context.Context, deviceID string) (*DeviceMeta, error) {
	values, err := c.redisClient.HGetAll(ctx, c.metaKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get device meta: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrCacheMiss
	}

	meta := &DeviceMeta{
		Model:   values["model"],
		Status:  values["status"],
		OwnerID: values["owner_id"],
	}

	if raw := values["recipients"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta.Recipients); err != nil {
			c.logger.Warn("Failed to unmarshal cached recipients",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}

	if raw := values["offline_threshold_sec"]; raw != "" {
		if sec, err := strconv.Atoi(raw); err == nil {
			meta.OfflineThresholdSec = sec
		}
	}

	if raw := values["offline_alerts_enabled"]; raw != "" {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			meta.OfflineAlertsEnabled = enabled
		}
	}

	return meta, nil
}

// SetStatus 更新缓存中的设备状态（供看板读取）
func (c *HotCache) SetStatus(ctx context.Context, deviceID, status string) error {
	if err := c.redisClient.HSet(ctx, c.metaKey(deviceID), "status", status).Err(); err != nil {
		return fmt.Errorf("failed to set cached status: %w", err)
	}
	return nil
}

// GetStatus 读取缓存中的设备状态
func (c *HotCache) GetStatus(ctx context.Context, deviceID string) (string, error) {
	status, err := c.redisClient.HGet(ctx, c.metaKey(deviceID), "status").Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("failed to get cached status: %w", err)
	}
	return status, nil
}

// MarkDirty 标记设备有未刷盘数据（幂等集合添加）
func (c *HotCache) MarkDirty(ctx context.Context, deviceID string) error {
	if err := c.redisClient.SAdd(ctx, c.config.Cache.DirtyKey, deviceID).Err(); err != nil {
		return fmt.Errorf("failed to mark dirty: %w", err)
	}
	return nil
}

// PopDirty 从脏集合弹出至多 n 个设备
// 弹出后若刷盘失败，调用方可通过 MarkDirty 重新加回；
// 即使标记丢失也只会推迟下一次写入，缓存值本身仍在
func (c *HotCache) PopDirty(ctx context.Context, n int64) ([]string, error) {
	members, err := c.redisClient.SPopN(ctx, c.config.Cache.DirtyKey, n).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop dirty set: %w", err)
	}
	return members, nil
}

// AdvanceHeartbeat 推进设备心跳（单调，迟到的旧读数不会使心跳倒退）
func (c *HotCache) AdvanceHeartbeat(ctx context.Context, deviceID string, tsMillis int64) error {
	err := c.redisClient.ZAddArgs(ctx, c.config.Cache.HeartbeatKey, redis.ZAddArgs{
		GT: true,
		Members: []redis.Z{
			{Score: float64(tsMillis), Member: deviceID},
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to advance heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat 读取设备最后心跳时间（epoch 毫秒）
func (c *HotCache) GetHeartbeat(ctx context.Context, deviceID string) (int64, error) {
	score, err := c.redisClient.ZScore(ctx, c.config.Cache.HeartbeatKey, deviceID).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, ErrCacheMiss
		}
		return 0, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	return int64(score), nil
}

// RemoveHeartbeat 从心跳索引中移除设备（设备注销时调用）
func (c *HotCache) RemoveHeartbeat(ctx context.Context, deviceID string) error {
	if err := c.redisClient.ZRem(ctx, c.config.Cache.HeartbeatKey, deviceID).Err(); err != nil {
		return fmt.Errorf("failed to remove heartbeat: %w", err)
	}
	return nil
}

// StaleDevices 查询心跳早于 cutoff（epoch 毫秒）的设备
func (c *HotCache) StaleDevices(ctx context.Context, cutoffMillis int64) ([]string, error) {
	members, err := c.redisClient.ZRangeByScore(ctx, c.config.Cache.HeartbeatKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoffMillis, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query stale devices: %w", err)
	}
	return members, nil
}

// SetStatusDedup 设置状态去重键
// 返回 true 表示键不存在且已设置（本次应发送报警），false 表示已存在（抑制）
func (c *HotCache) SetStatusDedup(ctx context.Context, deviceID, status string) (bool, error) {
	ok, err := c.redisClient.SetNX(ctx, c.dedupKey(deviceID, status), "1", c.config.Cache.DedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set dedup key: %w", err)
	}
	return ok, nil
}

// HasStatusDedup 查询状态去重键是否存在（不改变其 TTL）
func (c *HotCache) HasStatusDedup(ctx context.Context, deviceID, status string) (bool, error) {
	n, err := c.redisClient.Exists(ctx, c.dedupKey(deviceID, status)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return n > 0, nil
}

// ClearStatusDedup 清除状态去重键（状态翻转时调用）
func (c *HotCache) ClearStatusDedup(ctx context.Context, deviceID, status string) error {
	if err := c.redisClient.Del(ctx, c.dedupKey(deviceID, status)).Err(); err != nil {
		return fmt.Errorf("failed to clear dedup key: %w", err)
	}
	return nil
}

// ScanDeviceIDs 游标扫描全量通道键空间，提取设备 ID
// 仅供兼容模式全量刷盘使用，代价为 O(全部设备)
func (c *HotCache) ScanDeviceIDs(ctx context.Context) ([]string, error) {
	pattern := c.config.Cache.ChannelKeyPrefix + "*" + c.config.Cache.ChannelSuffix

	var deviceIDs []string
	iter := c.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// 去掉前缀和后缀得到 device_id
		deviceID := key[len(c.config.Cache.ChannelKeyPrefix):]
		deviceID = deviceID[:len(deviceID)-len(c.config.Cache.ChannelSuffix)]
		deviceIDs = append(deviceIDs, deviceID)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan device keys: %w", err)
	}

	return deviceIDs, nil
}
