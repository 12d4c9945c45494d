package models

// VitalBounds 单个体征的阈值边界
// 未使用的边界保持为 0（如 SpO2 没有高阈值）
type VitalBounds struct {
	WarningLow  float64
	WarningHigh float64
	RiskLow     float64
	RiskHigh    float64
}

// ThresholdSet 固定阈值配置（不持久化，通过注入传递）
type ThresholdSet struct {
	HR   VitalBounds
	SpO2 VitalBounds
	HRV  VitalBounds
}

// DefaultThresholds 默认阈值
// HR: warning 50-100, risk 40-120; SpO2: warning ≤94, risk ≤90; HRV: warning ≤20, risk ≤10
func DefaultThresholds() ThresholdSet {
	return ThresholdSet{
		HR: VitalBounds{
			WarningLow:  50,
			WarningHigh: 100,
			RiskLow:     40,
			RiskHigh:    120,
		},
		SpO2: VitalBounds{
			WarningLow: 94,
			RiskLow:    90,
		},
		HRV: VitalBounds{
			WarningLow: 20,
			RiskLow:    10,
		},
	}
}
