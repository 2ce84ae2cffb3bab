package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"

	"go.uber.org/zap"
)

// AlarmEventsRepository 报警事件仓库（alarm_events 表）
type AlarmEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlarmEventsRepository 创建报警事件仓库
func NewAlarmEventsRepository(db *sql.DB, logger *zap.Logger) *AlarmEventsRepository {
	return &AlarmEventsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertBatch 批量插入报警事件（单事务，追加写入）
func (r *AlarmEventsRepository) InsertBatch(ctx context.Context, events []*models.AlarmEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertAlarmEventsTx(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit alarm events batch: %w", err)
	}
	return nil
}

// insertAlarmEventsTx 在调用方事务内逐条插入报警事件
func insertAlarmEventsTx(ctx context.Context, tx *sql.Tx, events []*models.AlarmEvent) error {
	if len(events) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO alarm_events (
			event_id, device_id, level, metric, transition,
			observed_value, threshold, timestamp, trigger_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		_, err := stmt.ExecContext(ctx,
			event.EventID,
			event.DeviceID,
			event.Level,
			event.Metric,
			event.Transition,
			event.ObservedValue,
			event.Threshold,
			event.Timestamp,
			event.TriggerData,
		)
		if err != nil {
			return fmt.Errorf("failed to insert alarm event %s: %w", event.EventID, err)
		}
	}
	return nil
}

// Insert 插入单条报警事件
func (r *AlarmEventsRepository) Insert(ctx context.Context, event *models.AlarmEvent) error {
	return r.InsertBatch(ctx, []*models.AlarmEvent{event})
}

// ListByDevice 按设备和时间范围查询报警事件，按时间倒序
func (r *AlarmEventsRepository) ListByDevice(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]*models.AlarmEvent, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, device_id, level, metric, transition,
		       observed_value, threshold, timestamp, trigger_data
		FROM alarm_events
		WHERE device_id = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp DESC
		LIMIT $4
	`, deviceID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarm events: %w", err)
	}
	defer rows.Close()

	var events []*models.AlarmEvent
	for rows.Next() {
		var event models.AlarmEvent
		var triggerData sql.NullString
		err := rows.Scan(
			&event.EventID,
			&event.DeviceID,
			&event.Level,
			&event.Metric,
			&event.Transition,
			&event.ObservedValue,
			&event.Threshold,
			&event.Timestamp,
			&triggerData,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alarm event: %w", err)
		}
		if triggerData.Valid {
			event.TriggerData = triggerData.String
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alarm events: %w", err)
	}
	return events, nil
}
