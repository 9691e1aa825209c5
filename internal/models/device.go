package models

// 设备在线状态（只有 online/offline 两种状态）
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device 设备记录（设备目录持有，本服务只读为主）
// 本服务仅回写 status 和 last_seen 字段，其余字段由外部管理面维护
type Device struct {
	DeviceID          string             `json:"device_id"`
	Identifier        string             `json:"identifier"` // 设备上报时使用的稳定标识符
	OwnerID           string             `json:"owner_id"`
	Model             string             `json:"model"` // 型号标签（小写），决定落库 schema
	SupportedChannels []string           `json:"supported_channels"`
	Status            string             `json:"status"`
	OwnerContact      *Recipient         `json:"owner_contact,omitempty"`
	NotificationPrefs *NotificationPrefs `json:"notification_prefs,omitempty"`
	Collaborators     []Collaborator     `json:"collaborators,omitempty"`
}

// NotificationPrefs 通知偏好
type NotificationPrefs struct {
	ThresholdAlertsEnabled bool        `json:"threshold_alerts_enabled"`
	OfflineAlertsEnabled   bool        `json:"offline_alerts_enabled"`
	Recipients             []Recipient `json:"recipients,omitempty"` // 额外收件人列表
	// 每设备离线阈值覆盖（秒），nil 表示使用系统默认值
	OfflineThresholdSec *int `json:"offline_threshold_sec,omitempty"`
}

// Recipient 通知收件人
type Recipient struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Collaborator 设备协作者
type Collaborator struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"` // "admin" / "editor" / "viewer"
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	// 显式报警授权（viewer 角色默认不接收报警，可单独授权）
	AlertsGranted bool `json:"alerts_granted"`
}

// CanReceiveAlerts 协作者是否有权接收报警
func (c *Collaborator) CanReceiveAlerts() bool {
	return c.Role == "admin" || c.Role == "editor" || c.AlertsGranted
}

// EffectiveOfflineThresholdSec 设备生效的离线阈值（秒）
// 返回 0 表示没有覆盖，应使用系统默认值
func (d *Device) EffectiveOfflineThresholdSec() int {
	if d.NotificationPrefs != nil && d.NotificationPrefs.OfflineThresholdSec != nil {
		return *d.NotificationPrefs.OfflineThresholdSec
	}
	return 0
}
