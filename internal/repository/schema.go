package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// 启动时创建/检查数据表，允许对全新数据库直接启动服务
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		id BIGSERIAL PRIMARY KEY,
		device_id VARCHAR(64) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		temperature DOUBLE PRECISION,
		humidity DOUBLE PRECISION,
		raw_value INTEGER,
		rms_value DOUBLE PRECISION,
		threshold_value DOUBLE PRECISION,
		state SMALLINT,
		movement_count INTEGER,
		is_connected SMALLINT,
		is_alarm SMALLINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_device_timestamp
		ON readings (device_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS alarm_events (
		id BIGSERIAL PRIMARY KEY,
		event_id VARCHAR(36) NOT NULL UNIQUE,
		device_id VARCHAR(64) NOT NULL,
		level VARCHAR(20) NOT NULL,
		metric VARCHAR(32) NOT NULL,
		transition VARCHAR(16) NOT NULL,
		observed_value DOUBLE PRECISION NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		trigger_data JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alarm_events_device_timestamp
		ON alarm_events (device_id, timestamp)`,
}

// EnsureSchema 创建缺失的数据表和索引（幂等）
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
