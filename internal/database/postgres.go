package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"craftedclimate-telemetry/internal/config"
)

// NewPostgresDB 打开持久存储连接
// 设备目录、时序读数表和阈值规则共用同一个连接池；
// 启动时 ping 失败直接报错，避免带病启动后在刷盘路径上反复超时
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.GetDSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 连接池上限按配置收紧，刷盘批量写不应吃光连接
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Close 关闭连接池（nil 安全，停机路径直接调用）
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
