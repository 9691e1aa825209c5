package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/models"
)

type fakePush struct {
	alerts []string
	err    error
}

func (f *fakePush) PublishAlert(deviceID, _, message string) error {
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, deviceID+":"+message)
	return nil
}

func notifyConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Notify.SMTPHost = "smtp.example.com"
	cfg.Notify.SMTPPort = 587
	cfg.Notify.FromName = "CraftedClimate Alerts"
	cfg.Notify.FromEmail = "alerts@craftedclimate.com"
	return cfg
}

func TestDispatcher_SendEmail(t *testing.T) {
	d := NewDispatcher(notifyConfig(), nil, zap.NewNop())

	var sent *email.Email
	d.sendMail = func(e *email.Email) error {
		sent = e
		return nil
	}

	recipients := []models.Recipient{
		{Email: "a@example.com"},
		{Phone: "+100"}, // 无邮箱，跳过
		{Email: "b@example.com", Phone: "+200"},
	}
	d.SendEmail(context.Background(), recipients, "Test subject", "Test body")

	require.NotNil(t, sent)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, sent.To)
	assert.Equal(t, "Test subject", sent.Subject)
	assert.Equal(t, "Test body", string(sent.Text))
	assert.Contains(t, sent.From, "alerts@craftedclimate.com")
}

func TestDispatcher_SendEmail_NoRecipients(t *testing.T) {
	d := NewDispatcher(notifyConfig(), nil, zap.NewNop())

	called := false
	d.sendMail = func(_ *email.Email) error {
		called = true
		return nil
	}

	// 收件人都没有邮箱时不发送
	d.SendEmail(context.Background(), []models.Recipient{{Phone: "+100"}}, "s", "b")
	assert.False(t, called)
}

func TestDispatcher_SendEmail_FailureLogged(t *testing.T) {
	d := NewDispatcher(notifyConfig(), nil, zap.NewNop())
	d.sendMail = func(_ *email.Email) error {
		return errors.New("smtp down")
	}

	// 发送失败只记录日志，不 panic 不返回错误
	d.SendEmail(context.Background(), []models.Recipient{{Email: "a@example.com"}}, "s", "b")
}

func TestDispatcher_SendSMS(t *testing.T) {
	var requests []map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requests = append(requests, body)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := notifyConfig()
	cfg.Notify.SMSGatewayURL = server.URL
	cfg.Notify.SMSAPIKey = "test-key"
	d := NewDispatcher(cfg, nil, zap.NewNop())

	recipients := []models.Recipient{
		{Phone: "+100"},
		{Email: "a@example.com"}, // 无手机号，跳过
		{Phone: "+200"},
	}
	d.SendSMS(context.Background(), recipients, "alert text")

	require.Len(t, requests, 2)
	assert.Equal(t, "+100", requests[0]["to"])
	assert.Equal(t, "alert text", requests[0]["message"])
	assert.Equal(t, "+200", requests[1]["to"])
}

func TestDispatcher_SendSMS_GatewayNotConfigured(t *testing.T) {
	d := NewDispatcher(notifyConfig(), nil, zap.NewNop())

	// 未配置网关时静默跳过
	d.SendSMS(context.Background(), []models.Recipient{{Phone: "+100"}}, "alert text")
}

func TestDispatcher_SendSMS_GatewayErrorContinues(t *testing.T) {
	var count int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count++
		if count == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := notifyConfig()
	cfg.Notify.SMSGatewayURL = server.URL
	d := NewDispatcher(cfg, nil, zap.NewNop())
	d.smsClient.SetRetryCount(0)

	// 第一个收件人失败不影响第二个
	d.SendSMS(context.Background(), []models.Recipient{{Phone: "+100"}, {Phone: "+200"}}, "alert text")
	assert.Equal(t, 2, count)
}

func TestDispatcher_SendPush(t *testing.T) {
	push := &fakePush{}
	d := NewDispatcher(notifyConfig(), push, zap.NewNop())

	d.SendPush(context.Background(), "dev-1", "title", "message")
	assert.Equal(t, []string{"dev-1:message"}, push.alerts)
}

func TestDispatcher_SendPush_NilPublisher(t *testing.T) {
	d := NewDispatcher(notifyConfig(), nil, zap.NewNop())

	// 未接入推送通道时静默跳过
	d.SendPush(context.Background(), "dev-1", "title", "message")
}

func TestDispatcher_SendPush_FailureLogged(t *testing.T) {
	push := &fakePush{err: errors.New("broker down")}
	d := NewDispatcher(notifyConfig(), push, zap.NewNop())

	d.SendPush(context.Background(), "dev-1", "title", "message")
	assert.Empty(t, push.alerts)
}
