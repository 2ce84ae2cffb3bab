package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/config"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
)

func setupNotifier(t *testing.T) (*redis.Client, *Notifier) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{}
	cfg.Notify.Stream = "alarm:events"
	cfg.Notify.AlarmKeyPrefix = "blanket:device:"
	cfg.Notify.AlarmSuffix = ":alarms"
	cfg.Notify.AlarmTTLSec = 300

	logger := zap.NewNop()
	return redisClient, NewNotifier(cfg, redisClient, logger)
}

func sampleEvent() *models.AlarmEvent {
	return &models.AlarmEvent{
		EventID:       "ev-1",
		DeviceID:      "blanket-001",
		Level:         models.LevelCritical,
		Metric:        models.MetricTemperature,
		Transition:    models.TransitionRaised,
		ObservedValue: 43.0,
		Threshold:     42.0,
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		TriggerData:   `{"temperature":43}`,
	}
}

func TestPublishEvent_WritesToStream(t *testing.T) {
	redisClient, n := setupNotifier(t)

	ctx := context.Background()
	n.PublishEvent(ctx, sampleEvent())

	// 验证事件已写入通知流
	messages, err := redisClient.XRange(ctx, "alarm:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)

	values := messages[0].Values
	require.Contains(t, values, "data")
	require.Contains(t, values, "timestamp")

	var published models.AlarmEvent
	require.NoError(t, json.Unmarshal([]byte(values["data"].(string)), &published))
	assert.Equal(t, "ev-1", published.EventID)
	assert.Equal(t, "blanket-001", published.DeviceID)
	assert.Equal(t, models.TransitionRaised, published.Transition)
	assert.Equal(t, 43.0, published.ObservedValue)
}

func TestPublishEvent_RedisDownDoesNotPanic(t *testing.T) {
	redisClient, n := setupNotifier(t)
	redisClient.Close()

	// 发布失败只记录日志，管线不受影响
	n.PublishEvent(context.Background(), sampleEvent())
}

func TestUpdateActiveAlarms_SetsKeyWithTTL(t *testing.T) {
	redisClient, n := setupNotifier(t)

	ctx := context.Background()
	n.UpdateActiveAlarms(ctx, "blanket-001", []models.AlarmEvent{*sampleEvent()})

	key := "blanket:device:blanket-001:alarms"
	raw, err := redisClient.Get(ctx, key).Result()
	require.NoError(t, err)

	var alarms []models.AlarmEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &alarms))
	require.Len(t, alarms, 1)
	assert.Equal(t, models.MetricTemperature, alarms[0].Metric)

	ttl, err := redisClient.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 300*time.Second)
}

func TestUpdateActiveAlarms_EmptyListClearsView(t *testing.T) {
	redisClient, n := setupNotifier(t)

	// 全部解除后写入空列表，查询端据此看到无活跃报警
	ctx := context.Background()
	n.UpdateActiveAlarms(ctx, "blanket-001", []models.AlarmEvent{})

	raw, err := redisClient.Get(ctx, "blanket:device:blanket-001:alarms").Result()
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)
}
