package ingest

import (
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/models"
)

const (
	// 低于该量级的数值时间戳视为秒，换算为毫秒
	millisMagnitude = int64(1e12)
	// 2000-01-01 UTC，早于该时刻的事件时间视为无效
	minValidMillis = int64(946684800000)

	// 事件时间戳在载荷中的保留键，不作为测量通道处理
	timestampField = "ts"
	// 原始电压通道键，用于派生电量百分比
	voltageField = "v"
	// 派生的电量百分比通道名
	batteryChannel = "battery"
)

// Normalizer 读数规范化器
// 负责时间戳规范化、通道值类型强制转换和派生字段计算；
// 规范化本身从不失败，坏值退化为默认值
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer 创建规范化器
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{
		logger: logger,
	}
}

// Normalize 将原始上行任务规范化为标准读数
// 只保留设备声明支持的通道，其余字段丢弃
func (n *Normalizer) Normalize(job *models.UplinkJob, device *models.Device) *models.Reading {
	eventTime := n.NormalizeTimestamp(job.Payload[timestampField], job.ArrivalTime)

	supported := make(map[string]bool, len(device.SupportedChannels))
	for _, name := range device.SupportedChannels {
		supported[name] = true
	}

	channels := make(map[string]models.ChannelValue)
	for name, raw := range job.Payload {
		if name == timestampField {
			continue
		}
		if !supported[name] {
			n.logger.Debug("Dropping unsupported channel",
				zap.String("device_id", device.DeviceID),
				zap.String("channel", name),
			)
			continue
		}

		channels[name] = models.ChannelValue{
			Value:     CoerceValue(raw),
			Timestamp: eventTime,
		}
	}

	// 派生字段：由原始电压估算电量百分比（设备显式上报的 battery 优先）
	if _, reported := channels[batteryChannel]; !reported {
		if voltage, ok := channels[voltageField]; ok {
			channels[batteryChannel] = models.ChannelValue{
				Value:     BatteryPercent(voltage.Value),
				Timestamp: eventTime,
			}
		}
	}

	return &models.Reading{
		DeviceID:    device.DeviceID,
		Model:       device.Model,
		EventTime:   eventTime,
		ArrivalTime: job.ArrivalTime,
		Channels:    channels,
	}
}

// NormalizeTimestamp 规范化事件时间戳为 epoch 毫秒
// 接受 ISO-8601 字符串、epoch 秒、epoch 毫秒；
// 结果早于最小有效时刻时依次回退到传输时间、当前时间
func (n *Normalizer) NormalizeTimestamp(raw interface{}, arrivalMillis int64) int64 {
	millis := parseTimestamp(raw)

	if millis < minValidMillis {
		millis = arrivalMillis
	}
	if millis < minValidMillis {
		millis = time.Now().UnixMilli()
	}

	return millis
}

// parseTimestamp 尽力解析各种格式的时间戳，失败返回 0
func parseTimestamp(raw interface{}) int64 {
	switch v := raw.(type) {
	case nil:
		return 0
	case string:
		// 优先按 ISO-8601 解析
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UnixMilli()
		}
		// 其次按数字字符串解析
		if num, err := strconv.ParseFloat(v, 64); err == nil {
			return scaleToMillis(int64(num))
		}
		return 0
	case float64:
		return scaleToMillis(int64(v))
	case int64:
		return scaleToMillis(v)
	case int:
		return scaleToMillis(int64(v))
	case json.Number:
		if num, err := v.Float64(); err == nil {
			return scaleToMillis(int64(num))
		}
		return 0
	default:
		return 0
	}
}

// scaleToMillis 按量级判断秒/毫秒，统一为毫秒
func scaleToMillis(ts int64) int64 {
	if ts <= 0 {
		return 0
	}
	if ts < millisMagnitude {
		return ts * 1000
	}
	return ts
}

// CoerceValue 将通道值强制转换为数值，解析失败返回 0
// 摄取不会仅因字段格式错误而失败
func CoerceValue(raw interface{}) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if num, err := v.Float64(); err == nil {
			return num
		}
		return 0
	case string:
		if num, err := strconv.ParseFloat(v, 64); err == nil {
			return num
		}
		return 0
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// BatteryPercent 由原始电压估算电量百分比
// 固定线性映射：3.0V -> 0%，4.2V -> 100%，越界截断
func BatteryPercent(voltage float64) float64 {
	percent := (voltage - 3.0) / (4.2 - 3.0) * 100
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
