package models

import (
	"time"
)

// VitalStatus 生命体征状态（三级）
type VitalStatus string

const (
	StatusNormal  VitalStatus = "normal"
	StatusWarning VitalStatus = "warning"
	StatusRisk    VitalStatus = "risk"
)

// VitalReading 一次生命体征观测（对应 vital_readings 表）
// 由镜子端/桥接器写入，分类器只读，从不修改
type VitalReading struct {
	ReadingID string      `json:"reading_id" db:"reading_id"`
	UserID    string      `json:"user_id" db:"user_id"`
	HR        *float64    `json:"hr,omitempty" db:"hr"`     // 心率（bpm）
	SpO2      *float64    `json:"spo2,omitempty" db:"spo2"` // 血氧饱和度（%）
	HRV       *float64    `json:"hrv,omitempty" db:"hrv"`   // 心率变异性（ms）
	Temp      *float64    `json:"temp,omitempty" db:"temp"` // 体温（遗留字段，当前未使用）
	Status    VitalStatus `json:"status,omitempty" db:"status"` // 服务端预判状态（可能缺失）
	Reasons   []string    `json:"reasons,omitempty" db:"reasons"`
	TS        time.Time   `json:"ts,omitempty" db:"ts"`            // 平台时间（缺失时为零值）
	TSRaw     *int64      `json:"ts_ms,omitempty"`                 // 裸 epoch 毫秒（旧数据可能只有数值时间）
	DeviceTS  *int64      `json:"device_ts,omitempty" db:"device_ts"` // 设备时钟 epoch 秒
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// RawMirrorReading 镜子设备上报的原始数据（MQTT payload）
// 时间字段格式不统一：可能是 ts（毫秒）、deviceTs（秒）或两者都没有
type RawMirrorReading struct {
	HR       *float64 `json:"hr"`
	SpO2     *float64 `json:"spo2"`
	HRV      *float64 `json:"hrv"`
	Temp     *float64 `json:"temp"`
	Status   string   `json:"status"`
	Reasons  []string `json:"reasons"`
	TS       *int64   `json:"ts"`       // epoch 毫秒
	DeviceTS *int64   `json:"deviceTs"` // epoch 秒
}

// ToReading 转换为 VitalReading（不解析时间优先级，归一化由 vitals 包负责）
func (r *RawMirrorReading) ToReading(readingID, userID string, now time.Time) *VitalReading {
	reading := &VitalReading{
		ReadingID: readingID,
		UserID:    userID,
		HR:        r.HR,
		SpO2:      r.SpO2,
		HRV:       r.HRV,
		Temp:      r.Temp,
		Reasons:   r.Reasons,
		TSRaw:     r.TS,
		DeviceTS:  r.DeviceTS,
		CreatedAt: now,
	}

	switch VitalStatus(r.Status) {
	case StatusNormal, StatusWarning, StatusRisk:
		reading.Status = VitalStatus(r.Status)
	}

	if r.TS != nil {
		reading.TS = time.UnixMilli(*r.TS)
	}

	return reading
}
