package models

import "time"

// 阈值规则比较操作符
const (
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpBetween      = "between" // 闭区间包含
	OpOutside      = "outside" // 区间排除（between 的逻辑补）
)

// ThresholdRule 阈值规则（属于且仅属于一个设备）
// 规则由外部管理面创建/编辑/删除，本服务只读；last_triggered 仅由报警引擎更新
type ThresholdRule struct {
	RuleID   string `json:"rule_id"`
	DeviceID string `json:"device_id"`
	Channel  string `json:"channel"`  // 目标测量通道名
	Operator string `json:"operator"` // ">", ">=", "<", "<=", "between", "outside"

	// 方向操作符使用 MinValue 作为单一边界；
	// 区间操作符使用 [MinValue, MaxValue]，创建时已校验 min < max
	MinValue float64 `json:"min_value"`
	MaxValue float64 `json:"max_value"`

	Enabled       bool          `json:"enabled"`
	Cooldown      time.Duration `json:"cooldown"`
	LastTriggered *time.Time    `json:"last_triggered,omitempty"`

	NotifyEmail bool `json:"notify_email"`
	NotifySMS   bool `json:"notify_sms"`
	NotifyPush  bool `json:"notify_push"`
}

// InCooldown 规则是否仍处于冷却期
func (r *ThresholdRule) InCooldown(now time.Time) bool {
	if r.LastTriggered == nil {
		return false
	}
	return now.Before(r.LastTriggered.Add(r.Cooldown))
}
