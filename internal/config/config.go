package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config 遥测服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 摄取队列配置
	Ingest struct {
		Stream           string        // 上行数据 Stream，如 "telemetry:uplink:stream"
		DeadLetterStream string        // 死信 Stream
		ConsumerGroup    string        // 消费者组名称
		ConsumerName     string        // 消费者名称（多实例时需唯一）
		BatchSize        int64         // 单次读取消息数量
		BlockTimeout     time.Duration // XREADGROUP 阻塞时间
		MaxDeliveries    int64         // 最大投递次数，超过后进入死信
		ClaimMinIdle     time.Duration // 认领超时未确认消息的空闲阈值
		ClaimInterval    time.Duration // 认领任务执行间隔
	}

	// 热缓存配置
	Cache struct {
		ChannelKeyPrefix string // 通道哈希键前缀，如 "telemetry:device:"
		ChannelSuffix    string // 通道哈希键后缀，如 ":channels"
		MetaSuffix       string // 元数据哈希键后缀，如 ":meta"
		DirtyKey         string // 脏标记集合键
		HeartbeatKey     string // 心跳索引（sorted set）键
		DedupKeyPrefix   string // 状态去重键前缀，如 "telemetry:dedup:"
		DedupTTL         time.Duration
	}

	// 写回刷盘配置
	Flush struct {
		Interval  time.Duration // 刷盘间隔
		BatchSize int64         // 每轮从脏集合弹出的设备数量
		// 兼容模式：脏集合不可用时对全量键空间做游标扫描
		LegacyFullScan bool
	}

	// 在线状态配置
	Presence struct {
		OfflineThreshold  time.Duration // 默认离线阈值（设备可单独覆盖）
		ReconcileInterval time.Duration // 离线巡检间隔
	}

	// 报警通知配置
	Notify struct {
		SMTPHost     string
		SMTPPort     int
		SMTPUsername string
		SMTPPassword string
		FromName     string
		FromEmail    string

		SMSGatewayURL string // 短信网关 HTTP API 地址
		SMSAPIKey     string
	}

	Log struct {
		Level  string
		Format string
	}
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	UplinkTopic string // 设备上行主题模式，如 "telemetry/+/up"
	LiveTopic   string // 实时推送主题前缀，如 "telemetry/"
	QoS         byte
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（带默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "craftedclimate")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "craftedclimate-telemetry")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.UplinkTopic = getEnv("MQTT_UPLINK_TOPIC", "telemetry/+/up")
	cfg.MQTT.LiveTopic = getEnv("MQTT_LIVE_TOPIC", "telemetry/")
	cfg.MQTT.QoS = 1

	cfg.Ingest.Stream = getEnv("INGEST_STREAM", "telemetry:uplink:stream")
	cfg.Ingest.DeadLetterStream = getEnv("INGEST_DEADLETTER_STREAM", "telemetry:uplink:deadletter")
	cfg.Ingest.ConsumerGroup = getEnv("INGEST_CONSUMER_GROUP", "telemetry-workers")
	cfg.Ingest.ConsumerName = getEnv("INGEST_CONSUMER_NAME", defaultConsumerName())
	cfg.Ingest.BatchSize = int64(getEnvInt("INGEST_BATCH_SIZE", 10))
	cfg.Ingest.BlockTimeout = getEnvDuration("INGEST_BLOCK_TIMEOUT", 5*time.Second)
	cfg.Ingest.MaxDeliveries = int64(getEnvInt("INGEST_MAX_DELIVERIES", 5))
	cfg.Ingest.ClaimMinIdle = getEnvDuration("INGEST_CLAIM_MIN_IDLE", time.Minute)
	cfg.Ingest.ClaimInterval = getEnvDuration("INGEST_CLAIM_INTERVAL", 30*time.Second)

	cfg.Cache.ChannelKeyPrefix = getEnv("CACHE_CHANNEL_PREFIX", "telemetry:device:")
	cfg.Cache.ChannelSuffix = ":channels"
	cfg.Cache.MetaSuffix = ":meta"
	cfg.Cache.DirtyKey = getEnv("CACHE_DIRTY_KEY", "telemetry:dirty")
	cfg.Cache.HeartbeatKey = getEnv("CACHE_HEARTBEAT_KEY", "telemetry:heartbeat")
	cfg.Cache.DedupKeyPrefix = getEnv("CACHE_DEDUP_PREFIX", "telemetry:dedup:")
	cfg.Cache.DedupTTL = getEnvDuration("CACHE_DEDUP_TTL", 24*time.Hour)

	cfg.Flush.Interval = getEnvDuration("FLUSH_INTERVAL", 30*time.Second)
	cfg.Flush.BatchSize = int64(getEnvInt("FLUSH_BATCH_SIZE", 500))
	cfg.Flush.LegacyFullScan = getEnv("FLUSH_LEGACY_FULL_SCAN", "false") == "true"

	cfg.Presence.OfflineThreshold = getEnvDuration("PRESENCE_OFFLINE_THRESHOLD", 10*time.Minute)
	cfg.Presence.ReconcileInterval = getEnvDuration("PRESENCE_RECONCILE_INTERVAL", time.Minute)

	cfg.Notify.SMTPHost = getEnv("SMTP_HOST", "localhost")
	cfg.Notify.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.Notify.SMTPUsername = getEnv("SMTP_USERNAME", "")
	cfg.Notify.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	cfg.Notify.FromName = getEnv("SMTP_FROM_NAME", "CraftedClimate Alerts")
	cfg.Notify.FromEmail = getEnv("SMTP_FROM_EMAIL", "alerts@craftedclimate.com")
	cfg.Notify.SMSGatewayURL = getEnv("SMS_GATEWAY_URL", "")
	cfg.Notify.SMSAPIKey = getEnv("SMS_API_KEY", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// defaultConsumerName 默认消费者名称（主机名，保证多实例唯一）
func defaultConsumerName() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "telemetry-worker-1"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
