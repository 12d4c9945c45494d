// Package vitals 提供生命体征数据的归一化、状态分类和区间聚合
//
// 这是仪表盘和报告导出共用的逻辑核心：
// - 时间归一化：设备秒级时间戳 / 平台时间 / 裸毫秒值 → 统一 epoch 毫秒
// - 状态分类：按阈值产生 normal/warning/risk 三级状态
// - 区间聚合：按条数或按小时窗口生成图表数据
//
// 所有函数均为纯函数，阈值通过参数注入，不依赖任何隐式状态
package vitals

import (
	"fmt"
	"sort"
	"time"

	"mirror-vitals/internal/models"
)

// NormalizedSeries 归一化后的时间升序序列
type NormalizedSeries struct {
	Timestamps []int64                `json:"timestamps"` // epoch 毫秒，升序
	Labels     []string               `json:"labels"`     // HH:MM 本地时间
	HR         []*float64             `json:"hr"`         // nil 表示该点无数据（图表绘制空隙，不补 0）
	SpO2       []*float64             `json:"spo2"`
	HRV        []*float64             `json:"hrv"`
	Readings   []models.VitalReading  `json:"-"` // 与上述序列平行的原始读数
}

// ResolveMillis 解析读数的可比时间（epoch 毫秒）
// 优先级：
// 1. deviceTs（正的 epoch 秒）× 1000
// 2. ts 平台时间
// 3. 裸 epoch 毫秒值
// 4. 当前时间（解析失败从不报错，静默回退）
func ResolveMillis(r *models.VitalReading, now func() time.Time) int64 {
	if r == nil {
		return now().UnixMilli()
	}
	if r.DeviceTS != nil && *r.DeviceTS > 0 {
		return *r.DeviceTS * 1000
	}
	if !r.TS.IsZero() {
		return r.TS.UnixMilli()
	}
	if r.TSRaw != nil && *r.TSRaw > 0 {
		return *r.TSRaw
	}
	return now().UnixMilli()
}

// Normalize 将读数集合归一化为时间升序的平行序列
// 排序是稳定的：时间相同的读数保持原有相对顺序。
// 对已升序的输入幂等（再跑一遍结果不变）
func Normalize(readings []models.VitalReading, now func() time.Time) NormalizedSeries {
	if now == nil {
		now = time.Now
	}

	type entry struct {
		reading models.VitalReading
		millis  int64
	}

	entries := make([]entry, 0, len(readings))
	for _, r := range readings {
		r := r
		entries = append(entries, entry{
			reading: r,
			millis:  ResolveMillis(&r, now),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].millis < entries[j].millis
	})

	series := NormalizedSeries{
		Timestamps: make([]int64, 0, len(entries)),
		Labels:     make([]string, 0, len(entries)),
		HR:         make([]*float64, 0, len(entries)),
		SpO2:       make([]*float64, 0, len(entries)),
		HRV:        make([]*float64, 0, len(entries)),
		Readings:   make([]models.VitalReading, 0, len(entries)),
	}

	for _, e := range entries {
		series.Timestamps = append(series.Timestamps, e.millis)
		series.Labels = append(series.Labels, formatTimeLabel(e.millis))
		series.HR = append(series.HR, e.reading.HR)
		series.SpO2 = append(series.SpO2, e.reading.SpO2)
		series.HRV = append(series.HRV, e.reading.HRV)
		series.Readings = append(series.Readings, e.reading)
	}

	return series
}

// formatTimeLabel 格式化为 HH:MM（本地时间，零填充）
func formatTimeLabel(millis int64) string {
	t := time.UnixMilli(millis)
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}
