package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/models"
)

// ErrUnknownModel 未注册的设备型号
// 属于数据错误而非待扩展的代码路径：型号与表的映射在启动时一次性注册
var ErrUnknownModel = errors.New("unknown device model")

// modelSchema 某一型号的落库 schema：目标表 + 通道名到列名的映射
type modelSchema struct {
	table   string
	columns map[string]string // channel name -> column name
}

// ReadingRepository 读数持久化仓库
// 按设备型号将缓存中的最新读数写入对应的时序表
type ReadingRepository struct {
	db      *sql.DB
	logger  *zap.Logger
	schemas map[string]modelSchema
}

// NewReadingRepository 创建读数仓库并注册型号 schema
func NewReadingRepository(db *sql.DB, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{
		db:     db,
		logger: logger,
		// 型号键统一小写
		schemas: map[string]modelSchema{
			"envsense": {
				table: "env_readings",
				columns: map[string]string{
					"t":       "temperature",
					"h":       "humidity",
					"p":       "pressure",
					"battery": "battery",
				},
			},
			"soilsense": {
				table: "soil_readings",
				columns: map[string]string{
					"m":       "moisture",
					"t":       "soil_temperature",
					"ec":      "conductivity",
					"battery": "battery",
				},
			},
		},
	}
}

// SupportsModel 型号是否已注册
func (r *ReadingRepository) SupportsModel(model string) bool {
	_, ok := r.schemas[strings.ToLower(model)]
	return ok
}

// PersistLatest 将设备的最新通道值写入型号对应的时序表
// event_time 取所有通道中最新的时间戳，raw 列保留完整通道快照
func (r *ReadingRepository) PersistLatest(ctx context.Context, deviceID, model string, channels map[string]models.ChannelValue) error {
	schema, ok := r.schemas[strings.ToLower(model)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	if len(channels) == 0 {
		return nil
	}

	// 列按固定顺序构建，保证 SQL 语句可预测
	var eventTime int64
	columns := []string{"device_id", "event_time", "raw"}
	var placeholders []string
	args := []interface{}{deviceID}

	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cv := channels[name]
		if cv.Timestamp > eventTime {
			eventTime = cv.Timestamp
		}

		column, ok := schema.columns[name]
		if !ok {
			// 未映射通道仅保留在 raw 快照中
			continue
		}
		columns = append(columns, column)
		args = append(args, cv.Value)
	}

	rawJSON, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("failed to marshal raw channels: %w", err)
	}

	// 组装参数：device_id, event_time, raw, 各通道列值
	finalArgs := make([]interface{}, 0, len(args)+2)
	finalArgs = append(finalArgs, deviceID, time.UnixMilli(eventTime).UTC(), rawJSON)
	finalArgs = append(finalArgs, args[1:]...)

	for i := range finalArgs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		schema.table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	if _, err := r.db.ExecContext(ctx, query, finalArgs...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", schema.table, err)
	}

	r.logger.Debug("Persisted latest reading",
		zap.String("device_id", deviceID),
		zap.String("model", model),
		zap.String("table", schema.table),
		zap.Int("channel_count", len(channels)),
	)

	return nil
}
