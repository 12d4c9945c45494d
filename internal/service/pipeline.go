package service

import (
	"context"
	"fmt"
	"time"

	"mirror-vitals/internal/models"
	"mirror-vitals/internal/subscription"
	"mirror-vitals/internal/vitals"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReadingStore 读数持久化抽象
type ReadingStore interface {
	InsertReading(ctx context.Context, reading *models.VitalReading) error
}

// AlertStore 告警持久化抽象
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.AlertEvent) error
	ListAlerts(ctx context.Context, userID string, limit int) ([]models.AlertEvent, error)
	GetRecentAlert(ctx context.Context, userID string, status models.VitalStatus, within time.Duration) (*models.AlertEvent, error)
}

// SnapshotCache 热路径缓存抽象
type SnapshotCache interface {
	SetLatestReading(ctx context.Context, userID string, reading *models.VitalReading) error
	SetAlerts(ctx context.Context, userID string, alerts []models.AlertEvent) error
}

// Publisher 订阅推送抽象
type Publisher interface {
	Publish(key string, snapshot subscription.Snapshot)
}

// Pipeline 读数接入流水线
//
// 每条读数：落库 → 刷新最新读数缓存 → 分类 → 风险/警告时自动建告警
// （带去重窗口）→ 推送订阅快照。缓存和告警步骤失败只记录，不阻断落库
type Pipeline struct {
	readings   ReadingStore
	alerts     AlertStore
	cache      SnapshotCache
	publisher  Publisher
	thresholds models.ThresholdSet
	logger     *zap.Logger

	dedupWindow time.Duration
	listLimit   int

	now func() time.Time
}

// NewPipeline 创建接入流水线
func NewPipeline(
	readings ReadingStore,
	alerts AlertStore,
	cache SnapshotCache,
	publisher Publisher,
	thresholds models.ThresholdSet,
	dedupWindow time.Duration,
	listLimit int,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		readings:    readings,
		alerts:      alerts,
		cache:       cache,
		publisher:   publisher,
		thresholds:  thresholds,
		logger:      logger,
		dedupWindow: dedupWindow,
		listLimit:   listLimit,
		now:         time.Now,
	}
}

// Ingest 处理一条设备上报的读数
func (p *Pipeline) Ingest(ctx context.Context, userID string, raw *models.RawMirrorReading) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	if raw == nil {
		return fmt.Errorf("raw reading is required")
	}

	now := p.now()
	reading := raw.ToReading(uuid.New().String(), userID, now)

	// 时间优先级归一化：deviceTs（秒）> 平台时间 > 裸毫秒 > 当前时间
	reading.TS = time.UnixMilli(vitals.ResolveMillis(reading, p.now))

	classification := vitals.Classify(reading, p.thresholds)

	// 设备没有预判状态时落库计算结果，已有预判时保留原值
	if reading.Status == "" {
		reading.Status = classification.Status
	}
	if len(reading.Reasons) == 0 {
		reading.Reasons = classification.Reasons
	}

	if err := p.readings.InsertReading(ctx, reading); err != nil {
		return fmt.Errorf("failed to persist reading: %w", err)
	}

	if err := p.cache.SetLatestReading(ctx, userID, reading); err != nil {
		p.logger.Error("Failed to refresh latest reading cache",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	if classification.Status == models.StatusRisk || classification.Status == models.StatusWarning {
		if err := p.maybeCreateAlert(ctx, userID, reading, classification); err != nil {
			p.logger.Error("Failed to create alert",
				zap.String("user_id", userID),
				zap.String("status", string(classification.Status)),
				zap.Error(err),
			)
		}
	}

	p.publisher.Publish(userID, subscription.Snapshot{
		UserID:         userID,
		Reading:        reading,
		Classification: classification,
		At:             now,
	})

	return nil
}

// maybeCreateAlert 自动建告警（同状态未处理告警在去重窗口内只建一条）
func (p *Pipeline) maybeCreateAlert(ctx context.Context, userID string, reading *models.VitalReading, classification vitals.Classification) error {
	recent, err := p.alerts.GetRecentAlert(ctx, userID, classification.Status, p.dedupWindow)
	if err != nil {
		return fmt.Errorf("failed to check recent alert: %w", err)
	}
	if recent != nil {
		p.logger.Debug("Suppressing duplicate alert",
			zap.String("user_id", userID),
			zap.String("status", string(classification.Status)),
			zap.String("existing_alert_id", recent.AlertID),
		)
		return nil
	}

	alert := &models.AlertEvent{
		AlertID:   uuid.New().String(),
		UserID:    userID,
		Status:    classification.Status,
		Message:   classification.Reason,
		Reasons:   classification.Reasons,
		ReadingID: &reading.ReadingID,
		CreatedAt: p.now(),
	}

	if err := p.alerts.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	p.logger.Info("Auto alert created",
		zap.String("alert_id", alert.AlertID),
		zap.String("user_id", userID),
		zap.String("status", string(alert.Status)),
	)

	// 刷新告警缓存，让镜面下一次拉取立刻看到新告警
	alerts, err := p.alerts.ListAlerts(ctx, userID, p.listLimit)
	if err != nil {
		return fmt.Errorf("failed to reload alerts: %w", err)
	}
	if err := p.cache.SetAlerts(ctx, userID, alerts); err != nil {
		return fmt.Errorf("failed to refresh alerts cache: %w", err)
	}

	return nil
}
