package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/models"
)

// RuleRepository 阈值规则仓库
// 规则的增删改由外部管理面负责，本服务只读取启用的规则；
// last_triggered 是唯一例外，由报警引擎在触发时更新
type RuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRuleRepository 创建阈值规则仓库
func NewRuleRepository(db *sql.DB, logger *zap.Logger) *RuleRepository {
	return &RuleRepository{
		db:     db,
		logger: logger,
	}
}

// FetchActiveRules 查询设备所有启用的阈值规则
func (r *RuleRepository) FetchActiveRules(ctx context.Context, deviceID string) ([]models.ThresholdRule, error) {
	query := `
		SELECT
			rule_id,
			device_id,
			channel,
			operator,
			min_value,
			max_value,
			enabled,
			cooldown_sec,
			last_triggered,
			notify_email,
			notify_sms,
			notify_push
		FROM threshold_rules
		WHERE device_id = $1 AND enabled = TRUE
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threshold rules: %w", err)
	}
	defer rows.Close()

	var rules []models.ThresholdRule
	for rows.Next() {
		var rule models.ThresholdRule
		var cooldownSec int64
		var lastTriggered sql.NullTime

		if err := rows.Scan(
			&rule.RuleID,
			&rule.DeviceID,
			&rule.Channel,
			&rule.Operator,
			&rule.MinValue,
			&rule.MaxValue,
			&rule.Enabled,
			&cooldownSec,
			&lastTriggered,
			&rule.NotifyEmail,
			&rule.NotifySMS,
			&rule.NotifyPush,
		); err != nil {
			return nil, fmt.Errorf("failed to scan threshold rule: %w", err)
		}

		rule.Cooldown = time.Duration(cooldownSec) * time.Second
		if lastTriggered.Valid {
			t := lastTriggered.Time
			rule.LastTriggered = &t
		}

		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate threshold rules: %w", err)
	}

	return rules, nil
}

// UpdateLastTriggered 更新规则最近触发时间（冷却期起点）
func (r *RuleRepository) UpdateLastTriggered(ctx context.Context, ruleID string, triggeredAt time.Time) error {
	query := `
		UPDATE threshold_rules
		SET last_triggered = $2
		WHERE rule_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, ruleID, triggeredAt); err != nil {
		return fmt.Errorf("failed to update last_triggered: %w", err)
	}

	return nil
}
