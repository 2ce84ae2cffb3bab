package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
)

func setupBatchMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *BatchRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewBatchRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestBatchInsert_SingleTransaction(t *testing.T) {
	db, mock, repo := setupBatchMock(t)
	defer db.Close()

	// 读数和事件共用一个事务：一次 Begin/Commit
	mock.ExpectBegin()
	readingsPrep := mock.ExpectPrepare(`INSERT INTO readings`)
	readingsPrep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	readingsPrep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	eventsPrep := mock.ExpectPrepare(`INSERT INTO alarm_events`)
	eventsPrep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.InsertBatch(context.Background(),
		[]*models.Reading{sampleReading("blanket-001"), sampleReading("blanket-002")},
		[]*models.AlarmEvent{sampleEvent("ev-1", "blanket-001")},
	)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsert_EventFailureRollsBackReadings(t *testing.T) {
	db, mock, repo := setupBatchMock(t)
	defer db.Close()

	// 事件插入失败时整批回滚：重试不会重复写入已插入的读数
	mock.ExpectBegin()
	readingsPrep := mock.ExpectPrepare(`INSERT INTO readings`)
	readingsPrep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	eventsPrep := mock.ExpectPrepare(`INSERT INTO alarm_events`)
	eventsPrep.ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.InsertBatch(context.Background(),
		[]*models.Reading{sampleReading("blanket-001")},
		[]*models.AlarmEvent{sampleEvent("ev-1", "blanket-001")},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ev-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsert_ReadingsOnly(t *testing.T) {
	db, mock, repo := setupBatchMock(t)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO readings`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.InsertBatch(context.Background(),
		[]*models.Reading{sampleReading("blanket-001")}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsert_Empty(t *testing.T) {
	db, mock, repo := setupBatchMock(t)
	defer db.Close()

	// 空批次不应触碰数据库
	err := repo.InsertBatch(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
