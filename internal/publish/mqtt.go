package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/config"
	"craftedclimate-telemetry/internal/models"
)

// Enqueuer 摄取队列入队接口
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.UplinkJob) (string, error)
}

// Client MQTT 客户端
// 承担两个方向：订阅设备上行主题把原始载荷转入摄取队列（上行适配器），
// 以及把已接受的读数和报警推送到实时主题（下行推送）。
// 实时推送为 QoS 0 至多一次，订阅者掉线期间的读数不补发
type Client struct {
	config     *config.Config
	mqttClient mqtt.Client
	enqueuer   Enqueuer
	logger     *zap.Logger
}

// NewClient 创建 MQTT 客户端（不主动连接，调用 Connect）
func NewClient(cfg *config.Config, enqueuer Enqueuer, logger *zap.Logger) *Client {
	c := &Client{
		config:   cfg,
		enqueuer: enqueuer,
		logger:   logger,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTT.Broker).
		SetClientID(cfg.MQTT.ClientID).
		SetUsername(cfg.MQTT.Username).
		SetPassword(cfg.MQTT.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("MQTT connected", zap.String("broker", cfg.MQTT.Broker))
			// 重连后重新订阅上行主题
			if err := c.subscribeUplink(); err != nil {
				logger.Error("Failed to subscribe uplink topic", zap.Error(err))
			}
		})

	c.mqttClient = mqtt.NewClient(opts)
	return c
}

// Connect 连接 broker（订阅在 OnConnect 回调中完成）
func (c *Client) Connect() error {
	token := c.mqttClient.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.mqttClient.Disconnect(250)
	c.logger.Info("MQTT disconnected")
}

// subscribeUplink 订阅设备上行主题
func (c *Client) subscribeUplink() error {
	token := c.mqttClient.Subscribe(c.config.MQTT.UplinkTopic, c.config.MQTT.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		c.handleUplink(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe %s: %w", c.config.MQTT.UplinkTopic, token.Error())
	}

	c.logger.Info("Subscribed to uplink topic", zap.String("topic", c.config.MQTT.UplinkTopic))
	return nil
}

// handleUplink 处理一条设备上行消息：解析后转入摄取队列
// 队列入队失败时消息丢失（QoS 1 的重传只覆盖 broker 到客户端一段），
// 入队之后的可靠性由消费者组保证
func (c *Client) handleUplink(topic string, payload []byte) {
	identifier, err := identifierFromTopic(topic)
	if err != nil {
		c.logger.Warn("Dropping uplink with malformed topic",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		c.logger.Warn("Dropping uplink with malformed payload",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return
	}

	job := &models.UplinkJob{
		JobID:            uuid.New().String(),
		DeviceIdentifier: identifier,
		Payload:          fields,
		ArrivalTime:      time.Now().UnixMilli(),
	}
	if hint, ok := fields["model"].(string); ok {
		job.ModelHint = hint
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgID, err := c.enqueuer.Enqueue(ctx, job)
	if err != nil {
		c.logger.Error("Failed to enqueue uplink",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return
	}

	c.logger.Debug("Enqueued uplink",
		zap.String("identifier", identifier),
		zap.String("job_id", job.JobID),
		zap.String("message_id", msgID),
	)
}

// identifierFromTopic 从上行主题提取设备标识符
// 主题格式固定为 "telemetry/{identifier}/up"
func identifierFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" {
		return "", fmt.Errorf("unexpected uplink topic format: %s", topic)
	}
	return parts[1], nil
}

// PublishReading 推送一条已接受的读数到实时主题（QoS 0 尽力而为）
func (c *Client) PublishReading(deviceID string, reading *models.Reading) error {
	jsonData, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	topic := c.config.MQTT.LiveTopic + deviceID + "/reading"
	token := c.mqttClient.Publish(topic, 0, false, jsonData)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish reading: %w", token.Error())
	}

	return nil
}

// PublishAlert 推送一条报警到实时主题
func (c *Client) PublishAlert(deviceID, title, message string) error {
	jsonData, err := json.Marshal(map[string]string{
		"title":   title,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	topic := c.config.MQTT.LiveTopic + deviceID + "/alert"
	token := c.mqttClient.Publish(topic, 0, false, jsonData)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish alert: %w", token.Error())
	}

	return nil
}
