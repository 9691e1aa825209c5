package models

import (
	"encoding/json"
	"fmt"
)

// UplinkJob 摄取队列中的一条上行任务
// Payload 为设备原始字段集（通道短键，如 "t"/"h"/"p"/"v"），未做任何规范化
type UplinkJob struct {
	JobID            string                 `json:"job_id,omitempty"` // 适配器生成的追踪 ID
	DeviceIdentifier string                 `json:"device_identifier"`
	ModelHint        string                 `json:"model_hint,omitempty"`
	Payload          map[string]interface{} `json:"payload"`
	ArrivalTime      int64                  `json:"arrival_time"` // 传输层到达时间（epoch 毫秒）
}

// ChannelValue 单个测量通道的最新值
type ChannelValue struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"ts"` // 规范化后的事件时间（epoch 毫秒）
}

// Reading 规范化后的一次读数快照
type Reading struct {
	DeviceID    string                  `json:"device_id"`
	Model       string                  `json:"model"`
	EventTime   int64                   `json:"event_time"`   // epoch 毫秒
	ArrivalTime int64                   `json:"arrival_time"` // epoch 毫秒
	Channels    map[string]ChannelValue `json:"channels"`
}

// ParseUplinkJob 从 Stream 消息字段解析上行任务
// 消息格式与 PublishJSONToStream 对应：data 字段为 JSON 字符串
func ParseUplinkJob(values map[string]interface{}) (*UplinkJob, error) {
	raw, ok := values["data"]
	if !ok {
		return nil, fmt.Errorf("missing data field in stream message")
	}

	dataStr, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("data field is not a string")
	}

	var job UplinkJob
	if err := json.Unmarshal([]byte(dataStr), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal uplink job: %w", err)
	}

	if job.DeviceIdentifier == "" {
		return nil, fmt.Errorf("uplink job missing device identifier")
	}

	return &job, nil
}
