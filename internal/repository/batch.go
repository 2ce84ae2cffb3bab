package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"

	"go.uber.org/zap"
)

// BatchRepository 读数与报警事件的合并批量写入
//
// 一批数据在同一事务内提交：事件插入失败时读数也一并回滚，
// 写入方重试整批不会留下重复的读数行（readings 表没有去重键）
type BatchRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewBatchRepository 创建合并批量写入仓库
func NewBatchRepository(db *sql.DB, logger *zap.Logger) *BatchRepository {
	return &BatchRepository{
		db:     db,
		logger: logger,
	}
}

// InsertBatch 单事务写入一批读数和报警事件
func (r *BatchRepository) InsertBatch(ctx context.Context, readings []*models.Reading, events []*models.AlarmEvent) error {
	if len(readings) == 0 && len(events) == 0 {
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
	if err := insertAlarmEventsTx(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}
