package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/codec"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/config"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/consumer"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/evaluator"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/notifier"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/repository"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/state"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/writer"
	"github.com/LisianthusW/water-blanket-mqtt-backend/pkg/database"
	mqttcommon "github.com/LisianthusW/water-blanket-mqtt-backend/pkg/mqtt"
	rediscommon "github.com/LisianthusW/water-blanket-mqtt-backend/pkg/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PipelineService 摄取管线服务（整合各层）
//
// 数据流：MQTT consumer → dispatcher（按设备分道）→ codec 解码
// → 设备状态更新 → 报警评估 → 批量持久化 + 通知发布
type PipelineService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	store        *state.Store
	engine       *evaluator.Engine
	writer       *writer.Writer
	notifier     *notifier.Notifier
	dispatcher   *consumer.Dispatcher
	mqttConsumer *consumer.MQTTConsumer
	readingsRepo *repository.ReadingsRepository
	eventsRepo   *repository.AlarmEventsRepository

	processed    atomic.Uint64
	decodeErrors atomic.Uint64
	lateReadings atomic.Uint64

	writerCancel context.CancelFunc
	writerDone   chan struct{}
}

// NewPipelineService 创建管线服务
func NewPipelineService(cfg *config.Config, logger *zap.Logger) (*PipelineService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rediscommon.Ping(pingCtx, redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 数据表创建/检查与 Repository 层
	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := repository.EnsureSchema(schemaCtx, db); err != nil {
		db.Close()
		redisClient.Close()
		return nil, err
	}

	readingsRepo := repository.NewReadingsRepository(db, logger)
	eventsRepo := repository.NewAlarmEventsRepository(db, logger)
	batchRepo := repository.NewBatchRepository(db, logger)

	// 4. 写入器（读数+事件合并单事务提交）
	w := writer.NewWriter(writer.Config{
		MaxBatchSize:    cfg.Writer.MaxBatchSize,
		MaxBatchWait:    time.Duration(cfg.Writer.MaxBatchWaitMS) * time.Millisecond,
		MaxRetries:      cfg.Writer.MaxRetries,
		RetryBackoff:    time.Duration(cfg.Writer.RetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.Writer.MaxRetryBackoffMS) * time.Millisecond,
		QueueDepth:      cfg.Writer.QueueDepth,
		OverflowCap:     cfg.Writer.OverflowCap,
	}, batchRepo, logger)

	// 5. 状态存储与评估引擎
	store := state.NewStore()
	engine := evaluator.NewEngine(cfg.Alarm.Rules, store, logger)

	s := &PipelineService{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		logger:       logger,
		store:        store,
		engine:       engine,
		writer:       w,
		notifier:     notifier.NewNotifier(cfg, redisClient, logger),
		readingsRepo: readingsRepo,
		eventsRepo:   eventsRepo,
		writerDone:   make(chan struct{}),
	}

	// 6. 分发器与 MQTT 消费者
	s.dispatcher = consumer.NewDispatcher(cfg.Pipeline.Workers, cfg.Pipeline.QueueDepth, s.process, logger)
	mqttClient := mqttcommon.NewClient(&cfg.MQTT, logger)
	s.mqttConsumer = consumer.NewMQTTConsumer(cfg, mqttClient, s.dispatcher, logger)

	return s, nil
}

// Start 启动服务
func (s *PipelineService) Start(ctx context.Context) error {
	s.logger.Info("Starting ingestion pipeline",
		zap.String("broker", s.config.MQTT.Broker),
		zap.Strings("topics", s.config.Pipeline.Topics),
		zap.Int("workers", s.config.Pipeline.Workers),
		zap.Int("rule_count", len(s.config.Alarm.Rules)),
	)

	writerCtx, cancel := context.WithCancel(context.Background())
	s.writerCancel = cancel
	go func() {
		defer close(s.writerDone)
		s.writer.Run(writerCtx)
	}()

	s.dispatcher.Start()
	go s.pruneLoop(ctx)

	if err := s.mqttConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}
	return nil
}

// Stop 协作式关闭：停止接收 → 排空分道 → flush 写入器 → 断开连接
// 所有阻塞步骤都有超时，不会无限等待
func (s *PipelineService) Stop() error {
	s.logger.Info("Stopping ingestion pipeline")

	s.mqttConsumer.Stop()
	s.dispatcher.Close()

	if s.writerCancel != nil {
		s.writerCancel()
		<-s.writerDone
	}

	flushCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.config.Writer.FlushTimeoutSec)*time.Second)
	defer cancel()
	if err := s.writer.Flush(flushCtx); err != nil {
		s.logger.Error("Writer flush incomplete", zap.Error(err))
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}

	s.logger.Info("Ingestion pipeline stopped",
		zap.Uint64("processed_total", s.processed.Load()),
		zap.Uint64("decode_errors_total", s.decodeErrors.Load()),
	)
	return nil
}

// process 单条消息的完整处理路径（在设备对应的 worker 道内串行执行）
func (s *PipelineService) process(msg consumer.Message) {
	reading, err := codec.Decode(msg.Topic, msg.Payload, msg.ReceivedAt)
	if err != nil {
		// 解码错误只影响这一条消息：记录并丢弃，继续处理后续消息
		errors := s.decodeErrors.Add(1)
		s.logger.Warn("Dropping undecodable message",
			zap.String("topic", msg.Topic),
			zap.Uint64("decode_errors_total", errors),
			zap.Error(err),
		)
		return
	}

	late := s.store.Update(reading.DeviceID, reading)
	if late {
		s.lateReadings.Add(1)
		s.logger.Debug("Late reading accepted",
			zap.String("device_id", reading.DeviceID),
			zap.Time("device_time", reading.Timestamp),
		)
	}

	events := s.engine.Evaluate(reading, late, msg.ReceivedAt)

	s.writer.EnqueueReading(reading)

	if len(events) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var active []models.AlarmEvent
		for i := range events {
			s.writer.EnqueueEvent(&events[i])
			s.notifier.PublishEvent(ctx, &events[i])
			if events[i].Transition == models.TransitionRaised {
				active = append(active, events[i])
			}
		}
		if len(active) > 0 {
			s.notifier.UpdateActiveAlarms(ctx, reading.DeviceID, active)
		}
	}

	s.processed.Add(1)
}

// pruneLoop 定期回收长时间无消息的设备状态
func (s *PipelineService) pruneLoop(ctx context.Context) {
	interval := time.Duration(s.config.Pipeline.PruneIntervalMin) * time.Minute
	ttl := time.Duration(s.config.Pipeline.StateTTLHours) * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.store.Prune(time.Now(), ttl); removed > 0 {
				s.logger.Info("Pruned inactive device state",
					zap.Int("removed", removed),
				)
			}
		}
	}
}

// Health 管线健康状态（供 /health 查询）
type Health struct {
	BrokerConnected   bool         `json:"broker_connected"`
	Devices           int          `json:"devices"`
	Processed         uint64       `json:"processed"`
	DecodeErrors      uint64       `json:"decode_errors"`
	LateReadings      uint64       `json:"late_readings"`
	DispatcherDropped uint64       `json:"dispatcher_dropped"`
	Writer            writer.Stats `json:"writer"`
}

// Health 汇总当前健康状态
func (s *PipelineService) Health() Health {
	return Health{
		BrokerConnected:   s.mqttConsumer.Connected(),
		Devices:           s.store.Len(),
		Processed:         s.processed.Load(),
		DecodeErrors:      s.decodeErrors.Load(),
		LateReadings:      s.lateReadings.Load(),
		DispatcherDropped: s.dispatcher.Dropped(),
		Writer:            s.writer.Stats(),
	}
}

// Devices 设备状态只读快照
func (s *PipelineService) Devices() []state.DeviceSnapshot {
	return s.store.Snapshot()
}

// ReadingsRepo 读数仓库（供查询端使用）
func (s *PipelineService) ReadingsRepo() *repository.ReadingsRepository {
	return s.readingsRepo
}

// EventsRepo 报警事件仓库（供查询端使用）
func (s *PipelineService) EventsRepo() *repository.AlarmEventsRepository {
	return s.eventsRepo
}
