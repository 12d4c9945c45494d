package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mirror-vitals/internal/models"

	"go.uber.org/zap"
)

// AlertsRepository 告警仓库（alerts 表）
// 遵循"bottom-up"设计原则，使用强规则实现
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建告警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
			alert_id,
			user_id,
			status,
			level,
			type,
			message,
			reasons,
			reading_id,
			created_at,
			handled,
			handled_at`

// CreateAlert 创建告警（自动告警触发用，handled 初始为 false）
func (r *AlertsRepository) CreateAlert(ctx context.Context, alert *models.AlertEvent) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	reasonsJSON, err := json.Marshal(alert.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			user_id,
			status,
			message,
			reasons,
			reading_id,
			created_at,
			handled
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, FALSE
		)
	`

	_, err = r.db.ExecContext(ctx,
		query,
		alert.AlertID,
		alert.UserID,
		string(alert.Status),
		alert.Message,
		reasonsJSON,
		alert.ReadingID,
		alert.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// ListAlerts 获取用户最近的告警（created_at 降序）
func (r *AlertsRepository) ListAlerts(ctx context.Context, userID string, limit int) ([]models.AlertEvent, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.AlertEvent{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// MarkHandled 标记告警为已处理
// handled 只允许 false → true，handled_at 在转换时设置一次；
// 重复调用是幂等的：第二次调用观察到 handled 已为 true，返回 changed=false 且不报错
func (r *AlertsRepository) MarkHandled(ctx context.Context, userID, alertID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("user_id is required")
	}
	if alertID == "" {
		return false, fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts
		SET handled = TRUE,
		    handled_at = CURRENT_TIMESTAMP
		WHERE alert_id = $1
		  AND user_id = $2
		  AND handled = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, alertID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to mark alert handled: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return true, nil
	}

	// 没有行被更新：要么告警不存在，要么已经处理过（后者不是错误）
	var handled bool
	err = r.db.QueryRowContext(ctx,
		`SELECT handled FROM alerts WHERE alert_id = $1 AND user_id = $2`,
		alertID, userID,
	).Scan(&handled)

	if err != nil {
		if err == sql.ErrNoRows {
			return false, fmt.Errorf("alert not found: alert_id=%s, user_id=%s", alertID, userID)
		}
		return false, fmt.Errorf("failed to check alert state: %w", err)
	}

	return false, nil
}

// GetRecentAlert 获取最近窗口内同状态的未处理告警（自动告警去重检查）
// 没有找到时返回 nil, nil
func (r *AlertsRepository) GetRecentAlert(ctx context.Context, userID string, status models.VitalStatus, within time.Duration) (*models.AlertEvent, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if status == "" {
		return nil, fmt.Errorf("status is required")
	}

	thresholdTime := time.Now().Add(-within)

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE user_id = $1
		  AND status = $2
		  AND created_at > $3
		  AND handled = FALSE
		ORDER BY created_at DESC
		LIMIT 1
	`, alertColumns)

	row := r.db.QueryRowContext(ctx, query, userID, string(status), thresholdTime)
	alert, err := scanAlertRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query recent alert: %w", err)
	}

	return alert, nil
}

// CountPending 统计未处理告警数量（仪表盘角标用）
func (r *AlertsRepository) CountPending(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}

	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE user_id = $1 AND handled = FALSE`,
		userID,
	).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count pending alerts: %w", err)
	}

	return count, nil
}

// scanner 兼容 *sql.Row 和 *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanAlert 扫描单条告警（处理可空字段、JSONB 和 legacy 字段统一）
func scanAlert(s scanner) (*models.AlertEvent, error) {
	var alert models.AlertEvent
	var status, level, alertType, message sql.NullString
	var readingID sql.NullString
	var handledAt sql.NullTime
	var reasonsJSON []byte

	err := s.Scan(
		&alert.AlertID,
		&alert.UserID,
		&status,
		&level,
		&alertType,
		&message,
		&reasonsJSON,
		&readingID,
		&alert.CreatedAt,
		&alert.Handled,
		&handledAt,
	)
	if err != nil {
		return nil, err
	}

	// legacy 字段统一：level > type > status
	alert.Status = models.UnifyAlertStatus(level.String, alertType.String, status.String)

	if len(reasonsJSON) > 0 {
		_ = json.Unmarshal(reasonsJSON, &alert.Reasons)
	}

	// message 缺失时用 reasons 拼接兜底
	if message.Valid && message.String != "" {
		alert.Message = message.String
	} else if len(alert.Reasons) > 0 {
		alert.Message = joinReasons(alert.Reasons)
	}

	if readingID.Valid {
		alert.ReadingID = &readingID.String
	}
	if handledAt.Valid {
		alert.HandledAt = &handledAt.Time
	}

	return &alert, nil
}

func scanAlertRow(row *sql.Row) (*models.AlertEvent, error) {
	alert, err := scanAlert(row)
	if err != nil {
		return nil, err
	}
	return alert, nil
}

func joinReasons(reasons []string) string {
	out := ""
	for i, reason := range reasons {
		if i > 0 {
			out += " • "
		}
		out += reason
	}
	return out
}
