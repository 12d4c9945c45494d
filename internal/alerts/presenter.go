// Package alerts 告警展示层：过滤、状态→显示映射、标记处理
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mirror-vitals/internal/models"

	"go.uber.org/zap"
)

// FilterMode 告警列表过滤模式
type FilterMode string

const (
	FilterPending FilterMode = "pending" // 只看未处理
	FilterAll     FilterMode = "all"     // 全部
)

// ParseFilterMode 解析过滤参数（未知值回退到 pending）
func ParseFilterMode(s string) FilterMode {
	if s == string(FilterAll) {
		return FilterAll
	}
	return FilterPending
}

// Filter 按模式过滤告警列表（输入顺序保持不变）
func Filter(alerts []models.AlertEvent, mode FilterMode) []models.AlertEvent {
	if mode == FilterAll {
		return alerts
	}

	pending := []models.AlertEvent{}
	for _, alert := range alerts {
		if !alert.Handled {
			pending = append(pending, alert)
		}
	}
	return pending
}

// StatusColor 状态→显示变体的固定映射
func StatusColor(status models.VitalStatus) string {
	switch status {
	case models.StatusRisk:
		return "danger"
	case models.StatusWarning:
		return "warning"
	default:
		return "success"
	}
}

// StatusLabel 状态→显示标签的固定映射
func StatusLabel(status models.VitalStatus) string {
	switch status {
	case models.StatusRisk:
		return "RISK"
	case models.StatusWarning:
		return "WARNING"
	default:
		return "NORMAL"
	}
}

// AlertStore 告警存取抽象（生产实现为 repository.AlertsRepository）
type AlertStore interface {
	ListAlerts(ctx context.Context, userID string, limit int) ([]models.AlertEvent, error)
	MarkHandled(ctx context.Context, userID, alertID string) (bool, error)
}

// Presenter 持有一份已加载的告警列表并提供标记处理能力
// Release 后不再接受任何写入
type Presenter struct {
	store  AlertStore
	logger *zap.Logger

	mu       sync.Mutex
	userID   string
	alerts   []models.AlertEvent
	released bool
}

// NewPresenter 创建告警展示器
func NewPresenter(store AlertStore, logger *zap.Logger) *Presenter {
	return &Presenter{
		store:  store,
		logger: logger,
	}
}

// Load 加载用户的告警列表（覆盖之前持有的列表）
func (p *Presenter) Load(ctx context.Context, userID string, limit int) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	alerts, err := p.store.ListAlerts(ctx, userID, limit)
	if err != nil {
		return fmt.Errorf("failed to load alerts: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return fmt.Errorf("presenter already released")
	}

	p.userID = userID
	p.alerts = alerts
	return nil
}

// Alerts 返回当前持有列表的过滤副本
func (p *Presenter) Alerts(mode FilterMode) []models.AlertEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	filtered := Filter(p.alerts, mode)
	out := make([]models.AlertEvent, len(filtered))
	copy(out, filtered)
	return out
}

// MarkHandled 标记告警为已处理：先写库，成功后乐观更新持有的列表
// 返回写库是否产生了状态变化。第二次调用观察到 handled 已为 true，
// 不产生进一步可见变化；写库失败时错误上抛，本地状态不回滚
func (p *Presenter) MarkHandled(ctx context.Context, alertID string) (bool, error) {
	p.mu.Lock()
	userID := p.userID
	released := p.released
	p.mu.Unlock()

	if released {
		return false, fmt.Errorf("presenter already released")
	}
	if userID == "" {
		return false, fmt.Errorf("no alerts loaded")
	}

	changed, err := p.store.MarkHandled(ctx, userID, alertID)
	if err != nil {
		return false, fmt.Errorf("failed to mark alert handled: %w", err)
	}
	if !changed {
		p.logger.Debug("alert already handled",
			zap.String("alert_id", alertID),
			zap.String("user_id", userID))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Release 和写库并发时允许写完成，但结果不再应用到本地
	if p.released {
		return changed, nil
	}

	now := time.Now()
	for i := range p.alerts {
		if p.alerts[i].AlertID != alertID {
			continue
		}
		if !p.alerts[i].Handled {
			p.alerts[i].Handled = true
			p.alerts[i].HandledAt = &now
		}
		break
	}

	return changed, nil
}

// Release 释放展示器，之后的 Load/MarkHandled 均被拒绝
// 重复调用是幂等的
func (p *Presenter) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.released = true
	p.alerts = nil
}
