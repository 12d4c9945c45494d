package vitals

import (
	"strings"

	"mirror-vitals/internal/models"
)

// 展示文本和原因（与移动端保持一致）
const (
	StatusTextNoData = "NO DATA"

	ReasonNoReadings = "no readings yet"
	ReasonRisk       = "critical values detected"
	ReasonWarning    = "values out of range"
	ReasonNormal     = "reading within normal parameters"

	// 多条原因的展示连接符
	reasonSeparator = " • "
)

// 图表颜色（空隙灰 / 风险红 / 预警琥珀 / 正常绿）
const (
	ColorGap     = "#9ca3af"
	ColorRisk    = "#dc2626"
	ColorWarning = "#f59e0b"
	ColorNormal  = "#16a34a"
)

// Classification 分类结果
// 分类从不失败：任何读数（包括 nil）都产生确定的状态和原因
type Classification struct {
	Status     models.VitalStatus `json:"status"`
	StatusText string             `json:"status_text"` // 展示文本（状态大写，无读数时为 NO DATA）
	Reason     string             `json:"reason"`      // 展示原因
	Reasons    []string           `json:"reasons"`
}

// Classify 对单条读数分类
// 读数自带非空 status 时以其为准（服务端预判优先）；
// 否则按阈值本地计算，先判 risk 再判 warning。
// HRV 不参与汇总状态，只影响图表线段颜色（与历史行为保持一致，见 HRVColor）
func Classify(r *models.VitalReading, t models.ThresholdSet) Classification {
	if r == nil {
		return Classification{
			Status:     models.StatusNormal,
			StatusText: StatusTextNoData,
			Reason:     ReasonNoReadings,
			Reasons:    []string{ReasonNoReadings},
		}
	}

	status := r.Status
	if status == "" {
		status = computeStatus(r, t)
	}

	c := Classification{
		Status:     status,
		StatusText: strings.ToUpper(string(status)),
	}

	// 读数携带的原因始终覆盖本地生成的文本
	if len(r.Reasons) > 0 {
		c.Reasons = r.Reasons
		c.Reason = strings.Join(r.Reasons, reasonSeparator)
		return c
	}

	switch status {
	case models.StatusRisk:
		c.Reason = ReasonRisk
	case models.StatusWarning:
		c.Reason = ReasonWarning
	default:
		c.Reason = ReasonNormal
	}
	c.Reasons = []string{c.Reason}

	return c
}

// computeStatus 本地阈值计算（先严重后轻微，首个命中即返回）
func computeStatus(r *models.VitalReading, t models.ThresholdSet) models.VitalStatus {
	hr := r.HR
	spo2 := r.SpO2

	// risk
	if hr != nil && (*hr >= t.HR.RiskHigh || *hr <= t.HR.RiskLow) {
		return models.StatusRisk
	}
	if spo2 != nil && *spo2 <= t.SpO2.RiskLow {
		return models.StatusRisk
	}

	// warning
	if hr != nil && (*hr >= t.HR.WarningHigh || *hr <= t.HR.WarningLow) {
		return models.StatusWarning
	}
	if spo2 != nil && *spo2 <= t.SpO2.WarningLow {
		return models.StatusWarning
	}

	return models.StatusNormal
}

// HRColor 心率点/线段颜色
func HRColor(v *float64, t models.ThresholdSet) string {
	if v == nil {
		return ColorGap
	}
	if *v >= t.HR.RiskHigh || *v <= t.HR.RiskLow {
		return ColorRisk
	}
	if *v >= t.HR.WarningHigh || *v <= t.HR.WarningLow {
		return ColorWarning
	}
	return ColorNormal
}

// SpO2Color 血氧点/线段颜色
func SpO2Color(v *float64, t models.ThresholdSet) string {
	if v == nil {
		return ColorGap
	}
	if *v <= t.SpO2.RiskLow {
		return ColorRisk
	}
	if *v <= t.SpO2.WarningLow {
		return ColorWarning
	}
	return ColorNormal
}

// HRVColor 心率变异性点/线段颜色
// 注意：HRV 阈值只在这里生效，不影响 Classify 的汇总状态
func HRVColor(v *float64, t models.ThresholdSet) string {
	if v == nil {
		return ColorGap
	}
	if *v <= t.HRV.RiskLow {
		return ColorRisk
	}
	if *v <= t.HRV.WarningLow {
		return ColorWarning
	}
	return ColorNormal
}
