package alert

import (
	"fmt"
	"strconv"
	"time"

	"craftedclimate-telemetry/internal/models"
)

// AlertMessage 组装好的报警文案
// Body 用于邮件正文，Short 用于短信和推送（控制在单条短信长度内）
type AlertMessage struct {
	Subject string
	Body    string
	Short   string
}

// channelLabels 通道短键到展示名的映射
var channelLabels = map[string]string{
	"t":       "Temperature",
	"h":       "Humidity",
	"p":       "Pressure",
	"m":       "Moisture",
	"ec":      "Conductivity",
	"battery": "Battery",
}

// channelLabel 通道展示名（未知通道用原始短键）
func channelLabel(channel string) string {
	if label, ok := channelLabels[channel]; ok {
		return label
	}
	return channel
}

// formatValue 读数值展示格式（去掉无意义的尾随零）
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// describeCondition 规则条件的自然语言描述
func describeCondition(rule *models.ThresholdRule) string {
	switch rule.Operator {
	case models.OpGreater:
		return fmt.Sprintf("above %s", formatValue(rule.MinValue))
	case models.OpGreaterEqual:
		return fmt.Sprintf("at or above %s", formatValue(rule.MinValue))
	case models.OpLess:
		return fmt.Sprintf("below %s", formatValue(rule.MinValue))
	case models.OpLessEqual:
		return fmt.Sprintf("at or below %s", formatValue(rule.MinValue))
	case models.OpBetween:
		return fmt.Sprintf("within [%s, %s]", formatValue(rule.MinValue), formatValue(rule.MaxValue))
	case models.OpOutside:
		return fmt.Sprintf("outside [%s, %s]", formatValue(rule.MinValue), formatValue(rule.MaxValue))
	default:
		return rule.Operator
	}
}

// buildThresholdMessage 组装阈值报警文案
func buildThresholdMessage(device *models.Device, rule *models.ThresholdRule, value float64) *AlertMessage {
	label := channelLabel(rule.Channel)

	subject := fmt.Sprintf("[CraftedClimate] %s alert on device %s", label, device.DeviceID)

	body := fmt.Sprintf(
		"Device %s (%s) reported %s = %s, which is %s.\n\n"+
			"Rule: %s\nChannel: %s\nValue: %s\n\n"+
			"This alert will not repeat during the rule's cooldown period.",
		device.DeviceID, device.Model,
		label, formatValue(value),
		describeCondition(rule),
		rule.RuleID, rule.Channel, formatValue(value),
	)

	short := fmt.Sprintf("CraftedClimate: %s on %s is %s (%s)",
		label, device.DeviceID, formatValue(value), describeCondition(rule))

	return &AlertMessage{
		Subject: subject,
		Body:    body,
		Short:   short,
	}
}

// buildStatusMessage 组装设备上下线文案
func buildStatusMessage(deviceID, status string, lastSeen time.Time) *AlertMessage {
	lastSeenStr := lastSeen.UTC().Format(time.RFC3339)

	if status == models.StatusOffline {
		return &AlertMessage{
			Subject: fmt.Sprintf("[CraftedClimate] Device %s is offline", deviceID),
			Body: fmt.Sprintf(
				"Device %s has stopped reporting.\n\nLast heartbeat: %s\n\n"+
					"You will be notified again when the device comes back online.",
				deviceID, lastSeenStr,
			),
			Short: fmt.Sprintf("CraftedClimate: device %s is offline (last seen %s)", deviceID, lastSeenStr),
		}
	}

	return &AlertMessage{
		Subject: fmt.Sprintf("[CraftedClimate] Device %s is back online", deviceID),
		Body: fmt.Sprintf(
			"Device %s has resumed reporting.\n\nFirst heartbeat after recovery: %s",
			deviceID, lastSeenStr,
		),
		Short: fmt.Sprintf("CraftedClimate: device %s is back online", deviceID),
	}
}
