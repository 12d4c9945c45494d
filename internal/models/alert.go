package models

import (
	"time"
)

// AlertEvent 告警事件（对应 alerts 表）
// handled 只允许 false → true 单向转换，handled_at 仅在转换时设置一次
type AlertEvent struct {
	AlertID   string      `json:"alert_id" db:"alert_id"`
	UserID    string      `json:"user_id" db:"user_id"`
	Status    VitalStatus `json:"status" db:"status"` // 统一后的状态（legacy level/type 已合并）
	Message   string      `json:"message" db:"message"`
	Reasons   []string    `json:"reasons,omitempty" db:"reasons"`
	ReadingID *string     `json:"reading_id,omitempty" db:"reading_id"` // 触发该告警的读数（可选）
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	Handled   bool        `json:"handled" db:"handled"`
	HandledAt *time.Time  `json:"handled_at,omitempty" db:"handled_at"`
}

// UnifyAlertStatus 统一 legacy 告警字段
// 旧后端写入 level，部分文档用 type，新文档用 status；优先级 level > type > status
func UnifyAlertStatus(level, alertType, status string) VitalStatus {
	for _, candidate := range []string{level, alertType, status} {
		switch VitalStatus(candidate) {
		case StatusNormal, StatusWarning, StatusRisk:
			return VitalStatus(candidate)
		}
	}
	return StatusNormal
}
