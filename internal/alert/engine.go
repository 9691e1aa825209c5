package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/models"
)

// RuleStore 阈值规则读取与冷却期回写接口
type RuleStore interface {
	FetchActiveRules(ctx context.Context, deviceID string) ([]models.ThresholdRule, error)
	UpdateLastTriggered(ctx context.Context, ruleID string, triggeredAt time.Time) error
}

// Dispatcher 通知分发接口
// 所有发送均为尽力而为：分发器内部记录失败，不向引擎返回错误
type Dispatcher interface {
	SendEmail(ctx context.Context, recipients []models.Recipient, subject, body string)
	SendSMS(ctx context.Context, recipients []models.Recipient, message string)
	SendPush(ctx context.Context, deviceID, title, message string)
}

// Engine 报警引擎
// 在每条被接受的读数上同步评估该设备的全部启用规则，
// 触发后按规则的通道开关分发通知；冷却期内重复触发被抑制。
// 评估失败只影响报警，不影响摄取任务本身
type Engine struct {
	config     *config.Config
	rules      RuleStore
	dispatcher Dispatcher
	logger     *zap.Logger

	now func() time.Time // 测试注入
}

// NewEngine 创建报警引擎
func NewEngine(cfg *config.Config, rules RuleStore, dispatcher Dispatcher, logger *zap.Logger) *Engine {
	return &Engine{
		config:     cfg,
		rules:      rules,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleReading 对一条规范化读数评估阈值规则
func (e *Engine) HandleReading(ctx context.Context, device *models.Device, reading *models.Reading) error {
	// 阈值报警被偏好关闭时整体跳过
	if device.NotificationPrefs != nil && !device.NotificationPrefs.ThresholdAlertsEnabled {
		return nil
	}

	rules, err := e.rules.FetchActiveRules(ctx, device.DeviceID)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	now := e.now()
	recipients := gatherRecipients(device)

	for i := range rules {
		rule := &rules[i]

		// 本次读数未包含目标通道：跳过，不算违规也不算恢复
		cv, ok := reading.Channels[rule.Channel]
		if !ok {
			continue
		}

		if !ruleTriggered(rule, cv.Value) {
			continue
		}

		if rule.InCooldown(now) {
			e.logger.Debug("Threshold breach suppressed by cooldown",
				zap.String("rule_id", rule.RuleID),
				zap.String("device_id", device.DeviceID),
				zap.String("channel", rule.Channel),
			)
			continue
		}

		// 先写冷却期起点再分发，分发慢不应拉长抑制窗口
		if err := e.rules.UpdateLastTriggered(ctx, rule.RuleID, now); err != nil {
			e.logger.Error("Failed to update rule last_triggered",
				zap.String("rule_id", rule.RuleID),
				zap.Error(err),
			)
		}

		e.logger.Info("Threshold rule triggered",
			zap.String("rule_id", rule.RuleID),
			zap.String("device_id", device.DeviceID),
			zap.String("channel", rule.Channel),
			zap.Float64("value", cv.Value),
		)

		e.dispatchThreshold(ctx, device, rule, cv.Value, recipients)
	}

	return nil
}

// dispatchThreshold 按规则的通道开关分发阈值报警
func (e *Engine) dispatchThreshold(ctx context.Context, device *models.Device, rule *models.ThresholdRule, value float64, recipients []models.Recipient) {
	msg := buildThresholdMessage(device, rule, value)

	if rule.NotifyEmail {
		e.dispatcher.SendEmail(ctx, recipients, msg.Subject, msg.Body)
	}
	if rule.NotifySMS {
		e.dispatcher.SendSMS(ctx, recipients, msg.Short)
	}
	if rule.NotifyPush {
		e.dispatcher.SendPush(ctx, device.DeviceID, msg.Subject, msg.Short)
	}
}

// NotifyStatusChange 分发设备上下线通知（由在线状态跟踪调用，已去重）
func (e *Engine) NotifyStatusChange(ctx context.Context, deviceID, status string, recipients []models.Recipient, lastSeen time.Time) {
	msg := buildStatusMessage(deviceID, status, lastSeen)

	e.logger.Info("Dispatching status change alert",
		zap.String("device_id", deviceID),
		zap.String("status", status),
		zap.Int("recipient_count", len(recipients)),
	)

	e.dispatcher.SendEmail(ctx, recipients, msg.Subject, msg.Body)
	e.dispatcher.SendSMS(ctx, recipients, msg.Short)
	e.dispatcher.SendPush(ctx, deviceID, msg.Subject, msg.Short)
}

// ruleTriggered 判断读数值是否违反规则
// 方向操作符只使用 MinValue 作为边界；
// between 为闭区间包含，outside 为其逻辑补（严格区间外）
func ruleTriggered(rule *models.ThresholdRule, value float64) bool {
	switch rule.Operator {
	case models.OpGreater:
		return value > rule.MinValue
	case models.OpGreaterEqual:
		return value >= rule.MinValue
	case models.OpLess:
		return value < rule.MinValue
	case models.OpLessEqual:
		return value <= rule.MinValue
	case models.OpBetween:
		return value >= rule.MinValue && value <= rule.MaxValue
	case models.OpOutside:
		return value < rule.MinValue || value > rule.MaxValue
	default:
		return false
	}
}

// gatherRecipients 组装报警收件人（owner + 偏好列表 + 授权协作者）
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
