package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"craftedclimate-telemetry/internal/models"
)

func setupMockReadingDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *ReadingRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewReadingRepository(db, logger)

	return db, mock, repo
}

func TestSupportsModel(t *testing.T) {
	db, _, repo := setupMockReadingDB(t)
	defer db.Close()

	assert.True(t, repo.SupportsModel("envsense"))
	assert.True(t, repo.SupportsModel("EnvSense")) // 型号键大小写不敏感
	assert.True(t, repo.SupportsModel("soilsense"))
	assert.False(t, repo.SupportsModel("unknown-model"))
}

func TestPersistLatest_EnvSense(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	channels := map[string]models.ChannelValue{
		"t":       {Value: 25.4, Timestamp: 1700000000000},
		"h":       {Value: 65, Timestamp: 1700000000000},
		"p":       {Value: 1013.25, Timestamp: 1700000000000},
		"battery": {Value: 87, Timestamp: 1700000000000},
	}

	// 通道名排序后列顺序固定：battery, humidity, pressure, temperature
	mock.ExpectExec(`INSERT INTO env_readings \(device_id, event_time, raw, battery, humidity, pressure, temperature\)`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.PersistLatest(context.Background(), "dev-1", "envsense", channels)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistLatest_SoilSense(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	channels := map[string]models.ChannelValue{
		"m": {Value: 42.5, Timestamp: 1700000000000},
		"t": {Value: 18.2, Timestamp: 1700000000000},
	}

	mock.ExpectExec(`INSERT INTO soil_readings \(device_id, event_time, raw, moisture, soil_temperature\)`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.PersistLatest(context.Background(), "dev-2", "SoilSense", channels)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistLatest_UnknownModel(t *testing.T) {
	db, _, repo := setupMockReadingDB(t)
	defer db.Close()

	channels := map[string]models.ChannelValue{
		"t": {Value: 1, Timestamp: 1},
	}

	err := repo.PersistLatest(context.Background(), "dev-1", "mystery", channels)

	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestPersistLatest_UnmappedChannelKeptInRaw(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	// "x" 未映射到列，只保留在 raw 快照中
	channels := map[string]models.ChannelValue{
		"t": {Value: 20, Timestamp: 1700000000000},
		"x": {Value: 99, Timestamp: 1700000000000},
	}

	mock.ExpectExec(`INSERT INTO env_readings \(device_id, event_time, raw, temperature\)`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.PersistLatest(context.Background(), "dev-1", "envsense", channels)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistLatest_EmptyChannels(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	// 空通道集不产生写入
	err := repo.PersistLatest(context.Background(), "dev-1", "envsense", nil)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
