package consumer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/codec"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/config"
	mqttcommon "github.com/LisianthusW/water-blanket-mqtt-backend/pkg/mqtt"

	"go.uber.org/zap"
)

// MQTTConsumer MQTT消息消费者
// 管理订阅生命周期；接收路径只提取 device_id 并投递到 dispatcher，
// 不做任何阻塞 I/O
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqttcommon.Client
	dispatcher *Dispatcher
	logger     *zap.Logger

	received atomic.Uint64
	badTopic atomic.Uint64
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqttcommon.Client,
	dispatcher *Dispatcher,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start 连接并订阅配置的主题过滤器
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if len(c.config.Pipeline.Topics) == 0 {
		return fmt.Errorf("no MQTT topics configured")
	}

	if err := c.mqttClient.Connect(); err != nil {
		return err
	}

	for _, topic := range c.config.Pipeline.Topics {
		if err := c.mqttClient.Subscribe(topic, c.config.MQTT.QoS, c.handleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
		}
		c.logger.Info("Subscribed to topic",
			zap.String("topic", topic),
		)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("broker", c.config.MQTT.Broker),
		zap.Strings("topics", c.config.Pipeline.Topics),
	)
	return nil
}

// Stop 取消订阅并断开连接
func (c *MQTTConsumer) Stop() {
	if len(c.config.Pipeline.Topics) > 0 {
		if err := c.mqttClient.Unsubscribe(c.config.Pipeline.Topics...); err != nil {
			c.logger.Error("Failed to unsubscribe", zap.Error(err))
		}
	}
	c.mqttClient.Disconnect()
	c.logger.Info("MQTT consumer stopped")
}

// Connected 当前代理连接状态（供健康检查）
func (c *MQTTConsumer) Connected() bool {
	return c.mqttClient.IsConnected()
}

// Received 累计接收消息数
func (c *MQTTConsumer) Received() uint64 {
	return c.received.Load()
}

// handleMessage 接收回调：提取 device_id 后投递，完整解码在 worker 中进行
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.received.Add(1)

	deviceID, _, err := codec.ExtractDeviceID(topic)
	if err != nil {
		bad := c.badTopic.Add(1)
		c.logger.Warn("Message on unexpected topic dropped",
			zap.String("topic", topic),
			zap.Uint64("bad_topic_total", bad),
		)
		return nil
	}

	// paho 可能复用 payload 缓冲，投递前复制
	body := make([]byte, len(payload))
	copy(body, payload)

	c.dispatcher.Dispatch(deviceID, Message{
		Topic:      topic,
		Payload:    body,
		ReceivedAt: time.Now(),
	})
	return nil
}
