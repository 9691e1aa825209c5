package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/models"
)

// ErrDeviceNotFound 设备不存在
// 未注册设备属于预期噪音，调用方据此静默丢弃而非报错
var ErrDeviceNotFound = errors.New("device not found")

// DeviceRepository 设备目录仓库
// 设备记录由外部管理面维护，本服务只读为主，仅回写 status 和 last_seen_at
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备目录仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// ResolveByIdentifier 根据上报标识符解析设备
func (r *DeviceRepository) ResolveByIdentifier(ctx context.Context, identifier string) (*models.Device, error) {
	query := `
		SELECT
			d.device_id,
			d.identifier,
			d.owner_id,
			LOWER(d.model) AS model,
			d.supported_channels,
			d.status,
			d.threshold_alerts_enabled,
			d.offline_alerts_enabled,
			d.extra_recipients,
			d.offline_threshold_sec,
			u.email,
			u.phone
		FROM devices d
		JOIN users u ON u.user_id = d.owner_id
		WHERE d.identifier = $1
	`

	var device models.Device
	var supportedChannels []byte
	var extraRecipients []byte
	var offlineThresholdSec sql.NullInt64
	var ownerEmail, ownerPhone sql.NullString
	prefs := &models.NotificationPrefs{}

	err := r.db.QueryRowContext(ctx, query, identifier).Scan(
		&device.DeviceID,
		&device.Identifier,
		&device.OwnerID,
		&device.Model,
		&supportedChannels,
		&device.Status,
		&prefs.ThresholdAlertsEnabled,
		&prefs.OfflineAlertsEnabled,
		&extraRecipients,
		&offlineThresholdSec,
		&ownerEmail,
		&ownerPhone,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}

	if len(supportedChannels) > 0 {
		if err := json.Unmarshal(supportedChannels, &device.SupportedChannels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal supported channels: %w", err)
		}
	}

	if len(extraRecipients) > 0 {
		if err := json.Unmarshal(extraRecipients, &prefs.Recipients); err != nil {
			r.logger.Warn("Failed to unmarshal extra recipients",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
		}
	}

	if offlineThresholdSec.Valid {
		sec := int(offlineThresholdSec.Int64)
		prefs.OfflineThresholdSec = &sec
	}

	device.NotificationPrefs = prefs

	if ownerEmail.Valid || ownerPhone.Valid {
		device.OwnerContact = &models.Recipient{
			Email: ownerEmail.String,
			Phone: ownerPhone.String,
		}
	}

	// 加载协作者（含报警授权）
	collaborators, err := r.listCollaborators(ctx, device.DeviceID)
	if err != nil {
		return nil, err
	}
	device.Collaborators = collaborators

	return &device, nil
}

// listCollaborators 查询设备协作者及其联系方式
func (r *DeviceRepository) listCollaborators(ctx context.Context, deviceID string) ([]models.Collaborator, error) {
	query := `
		SELECT
			c.user_id,
			c.role,
			c.alerts_granted,
			u.email,
			u.phone
		FROM device_collaborators c
		JOIN users u ON u.user_id = c.user_id
		WHERE c.device_id = $1
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query collaborators: %w", err)
	}
	defer rows.Close()

	var collaborators []models.Collaborator
	for rows.Next() {
		var c models.Collaborator
		var email, phone sql.NullString

		if err := rows.Scan(&c.UserID, &c.Role, &c.AlertsGranted, &email, &phone); err != nil {
			return nil, fmt.Errorf("failed to scan collaborator: %w", err)
		}

		c.Email = email.String
		c.Phone = phone.String
		collaborators = append(collaborators, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collaborators: %w", err)
	}

	return collaborators, nil
}

// UpdateStatus 回写设备在线状态（持久记录，允许滞后于缓存）
func (r *DeviceRepository) UpdateStatus(ctx context.Context, deviceID, status string) error {
	query := `
		UPDATE devices
		SET status = $2, last_seen_at = NOW()
		WHERE device_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, deviceID, status)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return ErrDeviceNotFound
	}

	return nil
}
