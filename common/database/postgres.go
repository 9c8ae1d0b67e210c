package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-telemetry/common/config"

	_ "github.com/lib/pq"
)

const (
	pingTimeout     = 5 * time.Second
	connMaxLifetime = 30 * time.Minute
)

// NewPostgresDB 打开遥测写库连接池并探活
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	configurePool(db, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}

	return db, nil
}

// configurePool 未配置的上限保持 database/sql 默认值
func configurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(connMaxLifetime)
}

// Close 关闭连接池；未启用 Postgres 时 db 为 nil
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
