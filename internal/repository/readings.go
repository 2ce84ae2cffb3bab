package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"

	"go.uber.org/zap"
)

// ReadingsRepository 读数仓库（readings 表）
type ReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingsRepository 创建读数仓库
func NewReadingsRepository(db *sql.DB, logger *zap.Logger) *ReadingsRepository {
	return &ReadingsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertBatch 批量插入读数（单事务）
func (r *ReadingsRepository) InsertBatch(ctx context.Context, readings []*models.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertReadingsTx(ctx, tx, readings); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit readings batch: %w", err)
	}
	return nil
}

// insertReadingsTx 在调用方事务内逐条插入读数
func insertReadingsTx(ctx context.Context, tx *sql.Tx, readings []*models.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO readings (
			device_id, kind, timestamp, received_at,
			temperature, humidity, raw_value, rms_value, threshold_value,
			state, movement_count, is_connected, is_alarm
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, reading := range readings {
		_, err := stmt.ExecContext(ctx,
			reading.DeviceID,
			string(reading.Kind),
			reading.Timestamp,
			reading.ReceivedAt,
			reading.Temperature,
			reading.Humidity,
			reading.RawValue,
			reading.RMSValue,
			reading.ThresholdValue,
			reading.State,
			reading.MovementCount,
			reading.IsConnected,
			reading.IsAlarm,
		)
		if err != nil {
			return fmt.Errorf("failed to insert reading for device %s: %w", reading.DeviceID, err)
		}
	}
	return nil
}

// Insert 插入单条读数（permanent 错误时写入方逐条降级使用）
func (r *ReadingsRepository) Insert(ctx context.Context, reading *models.Reading) error {
	return r.InsertBatch(ctx, []*models.Reading{reading})
}

// ListByDevice 按设备和时间范围查询读数，按时间倒序
func (r *ReadingsRepository) ListByDevice(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]*models.Reading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, kind, timestamp, received_at,
		       temperature, humidity, raw_value, rms_value, threshold_value,
		       state, movement_count, is_connected, is_alarm
		FROM readings
		WHERE device_id = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp DESC
		LIMIT $4
	`, deviceID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []*models.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}
	return readings, nil
}

func scanReading(rows *sql.Rows) (*models.Reading, error) {
	var (
		reading models.Reading
		kind    string

		temperature, humidity, rmsValue, thresholdValue sql.NullFloat64
		rawValue, state, movementCount                  sql.NullInt64
		isConnected, isAlarm                            sql.NullInt64
	)

	err := rows.Scan(
		&reading.DeviceID,
		&kind,
		&reading.Timestamp,
		&reading.ReceivedAt,
		&temperature,
		&humidity,
		&rawValue,
		&rmsValue,
		&thresholdValue,
		&state,
		&movementCount,
		&isConnected,
		&isAlarm,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan reading: %w", err)
	}

	reading.Kind = models.ReadingKind(kind)
	if temperature.Valid {
		reading.Temperature = &temperature.Float64
	}
	if humidity.Valid {
		reading.Humidity = &humidity.Float64
	}
	if rawValue.Valid {
		v := int(rawValue.Int64)
		reading.RawValue = &v
	}
	if rmsValue.Valid {
		reading.RMSValue = &rmsValue.Float64
	}
	if thresholdValue.Valid {
		reading.ThresholdValue = &thresholdValue.Float64
	}
	if state.Valid {
		v := int(state.Int64)
		reading.State = &v
	}
	if movementCount.Valid {
		v := int(movementCount.Int64)
		reading.MovementCount = &v
	}
	if isConnected.Valid {
		v := int(isConnected.Int64)
		reading.IsConnected = &v
	}
	if isAlarm.Valid {
		v := int(isAlarm.Int64)
		reading.IsAlarm = &v
	}
	return &reading, nil
}
