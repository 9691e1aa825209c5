package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "craftedclimate", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "telemetry:uplink:stream", cfg.Ingest.Stream)
	assert.Equal(t, "telemetry:uplink:deadletter", cfg.Ingest.DeadLetterStream)
	assert.Equal(t, "telemetry-workers", cfg.Ingest.ConsumerGroup)
	assert.Equal(t, int64(10), cfg.Ingest.BatchSize)
	assert.Equal(t, int64(5), cfg.Ingest.MaxDeliveries)

	assert.Equal(t, "telemetry:device:", cfg.Cache.ChannelKeyPrefix)
	assert.Equal(t, ":channels", cfg.Cache.ChannelSuffix)
	assert.Equal(t, ":meta", cfg.Cache.MetaSuffix)
	assert.Equal(t, "telemetry:dirty", cfg.Cache.DirtyKey)
	assert.Equal(t, "telemetry:heartbeat", cfg.Cache.HeartbeatKey)
	assert.Equal(t, 24*time.Hour, cfg.Cache.DedupTTL)

	assert.Equal(t, 30*time.Second, cfg.Flush.Interval)
	assert.Equal(t, int64(500), cfg.Flush.BatchSize)
	assert.False(t, cfg.Flush.LegacyFullScan)

	assert.Equal(t, 10*time.Minute, cfg.Presence.OfflineThreshold)
	assert.Equal(t, time.Minute, cfg.Presence.ReconcileInterval)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("INGEST_CONSUMER_NAME", "worker-7")
	os.Setenv("FLUSH_INTERVAL", "10s")
	os.Setenv("FLUSH_LEGACY_FULL_SCAN", "true")
	os.Setenv("PRESENCE_OFFLINE_THRESHOLD", "5m")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证环境变量覆盖
	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "test-db", cfg.Database.Database)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "worker-7", cfg.Ingest.ConsumerName)
	assert.Equal(t, 10*time.Second, cfg.Flush.Interval)
	assert.True(t, cfg.Flush.LegacyFullScan)
	assert.Equal(t, 5*time.Minute, cfg.Presence.OfflineThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 清理环境变量
	os.Clearenv()
}

func TestGetDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db-host",
		Port:     5433,
		User:     "user",
		Password: "pass",
		Database: "telemetry",
		SSLMode:  "require",
	}

	dsn := cfg.GetDSN()
	assert.Equal(t, "host=db-host port=5433 user=user password=pass dbname=telemetry sslmode=require", dsn)
}

func TestGetEnvDuration_Invalid(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_DURATION", "not-a-duration")

	// 解析失败时返回默认值
	d := getEnvDuration("TEST_DURATION", 15*time.Second)
	assert.Equal(t, 15*time.Second, d)

	os.Clearenv()
}
