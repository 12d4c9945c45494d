package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mirror-vitals/internal/config"
	"mirror-vitals/internal/models"
	"mirror-vitals/internal/mqtt"

	"go.uber.org/zap"
)

// Ingestor 读数接入处理接口（生产实现为 service.Pipeline）
type Ingestor interface {
	// Ingest 处理一条设备上报的读数
	Ingest(ctx context.Context, userID string, raw *models.RawMirrorReading) error
}

// MQTTConsumer 镜子设备读数的 MQTT 消费者
// 主题格式 mirror/{user_id}/vitals，payload 为 RawMirrorReading JSON
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqtt.Client
	ingestor   Ingestor
	logger     *zap.Logger

	// Start 的生命周期上下文；服务停止时在途的接入随之取消
	baseCtx context.Context
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	ingestor Ingestor,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		ingestor:   ingestor,
		logger:     logger,
	}
}

// Start 启动消费者，阻塞直到上下文取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	topic := c.config.MQTT.Topic
	if topic == "" {
		return fmt.Errorf("mirror MQTT topic not configured")
	}

	c.baseCtx = ctx

	if err := c.mqttClient.Subscribe(topic, c.config.MQTT.QoS, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to mirror topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", topic),
		zap.Uint8("qos", c.config.MQTT.QoS),
	)

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	topic := c.config.MQTT.Topic
	if topic != "" {
		if err := c.mqttClient.Unsubscribe(topic); err != nil {
			c.logger.Error("Failed to unsubscribe", zap.Error(err))
		}
	}

	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理MQTT消息
// 畸形消息记录后跳过，单条失败不中断消费
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	userID, err := extractUserID(topic)
	if err != nil {
		c.logger.Warn("Skipping message with unexpected topic",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return nil
	}

	var raw models.RawMirrorReading
	if err := json.Unmarshal(payload, &raw); err != nil {
		c.logger.Warn("Skipping malformed payload",
			zap.String("topic", topic),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil
	}

	ctx := c.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.ingestor.Ingest(ctx, userID, &raw); err != nil {
		return fmt.Errorf("failed to ingest reading for user %s: %w", userID, err)
	}

	return nil
}

// extractUserID 从主题中提取 user_id（mirror/{user_id}/vitals）
func extractUserID(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "mirror" || parts[2] != "vitals" || parts[1] == "" {
		return "", fmt.Errorf("unexpected topic format: %s", topic)
	}
	return parts[1], nil
}
