package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/config"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
	rediscommon "github.com/LisianthusW/water-blanket-mqtt-backend/pkg/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Notifier 报警事件发布器
//
// 每条报警事件通过 Redis Streams 发布给下游通知分发服务
// （邮件/推送由下游消费者负责，本服务不做投递）；
// 同时把设备当前活跃报警镜像到带 TTL 的缓存键供查询端读取。
// 发布失败只记录日志，不阻塞管线
type Notifier struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewNotifier 创建发布器
func NewNotifier(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *Notifier {
	return &Notifier{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// PublishEvent 发布一条报警事件到通知流
func (n *Notifier) PublishEvent(ctx context.Context, event *models.AlarmEvent) {
	streamID, err := rediscommon.PublishJSONToStream(ctx, n.redisClient, n.config.Notify.Stream, event)
	if err != nil {
		n.logger.Error("Failed to publish alarm event to stream",
			zap.String("event_id", event.EventID),
			zap.String("device_id", event.DeviceID),
			zap.Error(err),
		)
		return
	}

	n.logger.Info("Published alarm event",
		zap.String("event_id", event.EventID),
		zap.String("device_id", event.DeviceID),
		zap.String("level", event.Level),
		zap.String("transition", event.Transition),
		zap.String("stream_id", streamID),
	)
}

// UpdateActiveAlarms 把设备当前活跃报警写入带 TTL 的缓存键
func (n *Notifier) UpdateActiveAlarms(ctx context.Context, deviceID string, alarms []models.AlarmEvent) {
	key := n.alarmKey(deviceID)

	jsonData, err := json.Marshal(alarms)
	if err != nil {
		n.logger.Error("Failed to marshal active alarms",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}

	ttl := time.Duration(n.config.Notify.AlarmTTLSec) * time.Second
	if err := n.redisClient.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		n.logger.Error("Failed to update alarm cache",
			zap.String("device_id", deviceID),
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}

	n.logger.Debug("Updated alarm cache",
		zap.String("device_id", deviceID),
		zap.String("key", key),
		zap.Int("alarm_count", len(alarms)),
	)
}

func (n *Notifier) alarmKey(deviceID string) string {
	return fmt.Sprintf("%s%s%s",
		n.config.Notify.AlarmKeyPrefix,
		deviceID,
		n.config.Notify.AlarmSuffix,
	)
}
