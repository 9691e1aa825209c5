package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jordan-wright/email"
	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/models"
)

// PushPublisher 推送通道接口（经 MQTT 下发到设备看板/客户端）
type PushPublisher interface {
	PublishAlert(deviceID, title, message string) error
}

// Dispatcher 通知分发器
// 所有通道均为尽力而为：单个收件人/通道的失败只记录日志，
// 不向上游返回错误，也不影响其余收件人
type Dispatcher struct {
	config    *config.Config
	smsClient *resty.Client
	push      PushPublisher
	logger    *zap.Logger

	// 测试注入：默认走 SMTP STARTTLS
	sendMail func(e *email.Email) error
}

// NewDispatcher 创建通知分发器
func NewDispatcher(cfg *config.Config, push PushPublisher, logger *zap.Logger) *Dispatcher {
	smsClient := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	d := &Dispatcher{
		config:    cfg,
		smsClient: smsClient,
		push:      push,
		logger:    logger,
	}
	d.sendMail = d.sendViaSMTP

	return d
}

// sendViaSMTP 通过 SMTP STARTTLS 发送邮件
func (d *Dispatcher) sendViaSMTP(e *email.Email) error {
	addr := fmt.Sprintf("%s:%d", d.config.Notify.SMTPHost, d.config.Notify.SMTPPort)

	var auth smtp.Auth
	if d.config.Notify.SMTPUsername != "" {
		auth = smtp.PlainAuth("", d.config.Notify.SMTPUsername, d.config.Notify.SMTPPassword, d.config.Notify.SMTPHost)
	}

	return e.SendWithStartTLS(addr, auth, &tls.Config{
		ServerName: d.config.Notify.SMTPHost,
	})
}

// SendEmail 向全部有邮箱的收件人发送一封邮件
func (d *Dispatcher) SendEmail(_ context.Context, recipients []models.Recipient, subject, body string) {
	var to []string
	for _, r := range recipients {
		if r.Email != "" {
			to = append(to, r.Email)
		}
	}
	if len(to) == 0 {
		return
	}

	e := email.NewEmail()
	e.From = fmt.Sprintf("%s <%s>", d.config.Notify.FromName, d.config.Notify.FromEmail)
	e.To = to
	e.Subject = subject
	e.Text = []byte(body)

	if err := d.sendMail(e); err != nil {
		d.logger.Error("Failed to send alert email",
			zap.Strings("to", to),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	d.logger.Info("Alert email sent",
		zap.Int("recipient_count", len(to)),
		zap.String("subject", subject),
	)
}

// SendSMS 向全部有手机号的收件人逐个发送短信
func (d *Dispatcher) SendSMS(ctx context.Context, recipients []models.Recipient, message string) {
	if d.config.Notify.SMSGatewayURL == "" {
		return
	}

	for _, r := range recipients {
		if r.Phone == "" {
			continue
		}

		resp, err := d.smsClient.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader("Authorization", "Bearer "+d.config.Notify.SMSAPIKey).
			SetBody(map[string]string{
				"to":      r.Phone,
				"message": message,
			}).
			Post(d.config.Notify.SMSGatewayURL)

		if err != nil {
			d.logger.Error("Failed to send alert SMS",
				zap.String("phone", r.Phone),
				zap.Error(err),
			)
			continue
		}
		if resp.StatusCode() >= 300 {
			d.logger.Error("SMS gateway returned error",
				zap.String("phone", r.Phone),
				zap.Int("status_code", resp.StatusCode()),
				zap.String("response", resp.String()),
			)
			continue
		}

		d.logger.Info("Alert SMS sent", zap.String("phone", r.Phone))
	}
}

// SendPush 通过 MQTT 下发推送
func (d *Dispatcher) SendPush(_ context.Context, deviceID, title, message string) {
	if d.push == nil {
		return
	}

	if err := d.push.PublishAlert(deviceID, title, message); err != nil {
		d.logger.Error("Failed to publish push alert",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}

	d.logger.Debug("Push alert published", zap.String("device_id", deviceID))
}
