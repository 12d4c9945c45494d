package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mirror-vitals/internal/config"
	"mirror-vitals/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheManager Redis 缓存管理器（镜面读数与告警的热路径缓存）
type CacheManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

func (c *CacheManager) latestKey(userID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Mirror.Cache.LatestKeyPrefix,
		userID,
		c.config.Mirror.Cache.LatestSuffix,
	)
}

func (c *CacheManager) alertsKey(userID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Mirror.Cache.AlertsKeyPrefix,
		userID,
		c.config.Mirror.Cache.AlertsSuffix,
	)
}

// SetLatestReading 写入用户最新读数缓存（设置 TTL）
func (c *CacheManager) SetLatestReading(ctx context.Context, userID string, reading *models.VitalReading) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	if reading == nil {
		return fmt.Errorf("reading is required")
	}

	jsonData, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	err = c.redisClient.Set(
		ctx,
		c.latestKey(userID),
		jsonData,
		time.Duration(c.config.Mirror.Cache.LatestTTL)*time.Second,
	).Err()

	if err != nil {
		return fmt.Errorf("failed to set latest reading cache: %w", err)
	}

	return nil
}

// GetLatestReading 读取用户最新读数缓存
// 缓存未命中返回 nil, nil，调用方回退到数据库
func (c *CacheManager) GetLatestReading(ctx context.Context, userID string) (*models.VitalReading, error) {
	val, err := c.redisClient.Get(ctx, c.latestKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest reading cache: %w", err)
	}

	var reading models.VitalReading
	if err := json.Unmarshal([]byte(val), &reading); err != nil {
		return nil, fmt.Errorf("failed to unmarshal latest reading: %w", err)
	}

	return &reading, nil
}

// SetAlerts 写入用户告警列表缓存（设置 TTL）
func (c *CacheManager) SetAlerts(ctx context.Context, userID string, alerts []models.AlertEvent) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	jsonData, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	err = c.redisClient.Set(
		ctx,
		c.alertsKey(userID),
		jsonData,
		time.Duration(c.config.Mirror.Cache.AlertsTTL)*time.Second,
	).Err()

	if err != nil {
		return fmt.Errorf("failed to set alerts cache: %w", err)
	}

	c.logger.Debug("Updated alerts cache",
		zap.String("user_id", userID),
		zap.Int("alert_count", len(alerts)),
	)

	return nil
}

// GetAlerts 读取用户告警列表缓存
// 第二个返回值标识缓存是否命中（空列表也可能是合法的缓存值）
func (c *CacheManager) GetAlerts(ctx context.Context, userID string) ([]models.AlertEvent, bool, error) {
	val, err := c.redisClient.Get(ctx, c.alertsKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get alerts cache: %w", err)
	}

	var alerts []models.AlertEvent
	if err := json.Unmarshal([]byte(val), &alerts); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal alerts: %w", err)
	}

	return alerts, true, nil
}

// InvalidateAlerts 删除用户告警缓存（标记处理后强制回源）
func (c *CacheManager) InvalidateAlerts(ctx context.Context, userID string) error {
	if err := c.redisClient.Del(ctx, c.alertsKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate alerts cache: %w", err)
	}
	return nil
}

// ActiveUserIDs 扫描最新读数缓存键得到活跃用户列表
// 注意：SCAN 对大键空间效率较低，只用于诊断
func (c *CacheManager) ActiveUserIDs(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf("%s*%s",
		c.config.Mirror.Cache.LatestKeyPrefix,
		c.config.Mirror.Cache.LatestSuffix,
	)

	var userIDs []string
	iter := c.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// 去掉前缀和后缀得到 user_id
		userID := key[len(c.config.Mirror.Cache.LatestKeyPrefix):]
		userID = userID[:len(userID)-len(c.config.Mirror.Cache.LatestSuffix)]
		userIDs = append(userIDs, userID)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return userIDs, nil
}
