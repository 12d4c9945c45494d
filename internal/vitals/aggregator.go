package vitals

import (
	"fmt"
	"time"

	"mirror-vitals/internal/models"
)

// RangeMode 区间模式
type RangeMode string

const (
	RangeByCount RangeMode = "count" // 最近 N 条
	RangeByHours RangeMode = "hours" // 最近 H 小时
)

// RangeRequest 区间请求
type RangeRequest struct {
	Mode  RangeMode
	Count int // Mode == RangeByCount 时有效
	Hours int // Mode == RangeByHours 时有效
}

// ParseRangeKey 解析移动端的区间键（"30"、"100"、"24h"、"7d"）
func ParseRangeKey(key string) (RangeRequest, error) {
	switch key {
	case "30":
		return RangeRequest{Mode: RangeByCount, Count: 30}, nil
	case "100":
		return RangeRequest{Mode: RangeByCount, Count: 100}, nil
	case "24h":
		return RangeRequest{Mode: RangeByHours, Hours: 24}, nil
	case "7d":
		return RangeRequest{Mode: RangeByHours, Hours: 24 * 7}, nil
	default:
		return RangeRequest{}, fmt.Errorf("unknown range key: %s", key)
	}
}

// Label 区间展示文本（报告页眉用）
func (r RangeRequest) Label() string {
	switch {
	case r.Mode == RangeByCount:
		return fmt.Sprintf("Last %d readings", r.Count)
	case r.Hours == 24:
		return "Last 24 hours"
	case r.Hours%24 == 0:
		return fmt.Sprintf("Last %d days", r.Hours/24)
	default:
		return fmt.Sprintf("Last %d hours", r.Hours)
	}
}

// Series 图表就绪的序列
type Series struct {
	NormalizedSeries
	// SinglePoint 窗口内不足 2 个点时置位，渲染层据此改画可见标记
	// 而不是零宽度的线段
	SinglePoint bool `json:"single_point"`
}

// Window 报告请求的时间窗口（epoch 毫秒，[From, To) 半开区间安全）
type Window struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Aggregate 把区间内的读数重整为图表序列
// 按条数请求时输入是时间降序的（存储层按 ts DESC 返回），这里截取最近 N 条后
// 归一化为升序；按小时请求时下界过滤已由存储层完成，这里只负责排序和重整
func Aggregate(req RangeRequest, readings []models.VitalReading, now func() time.Time) Series {
	selected := readings
	if req.Mode == RangeByCount && req.Count > 0 && len(readings) > req.Count {
		selected = readings[:req.Count]
	}

	return Series{
		NormalizedSeries: Normalize(selected, now),
		SinglePoint:      len(selected) < 2,
	}
}

// ReportWindow 推导报告生成请求的 {from, to} 窗口
// 固定小时区间：{now - h, now}
// 条数区间：{最早读数, 最晚读数 + 1ms}（上界 +1ms 对半开区间查询安全）
// 读数不足 2 条时回退到最近 24 小时
func ReportWindow(req RangeRequest, readings []models.VitalReading, now func() time.Time) Window {
	if now == nil {
		now = time.Now
	}
	to := now().UnixMilli()

	if req.Mode == RangeByHours {
		return Window{
			From: to - int64(req.Hours)*int64(time.Hour/time.Millisecond),
			To:   to,
		}
	}

	if len(readings) >= 2 {
		series := Normalize(readings, now)
		return Window{
			From: series.Timestamps[0],
			To:   series.Timestamps[len(series.Timestamps)-1] + 1,
		}
	}

	// fallback：最近 24 小时
	return Window{
		From: to - 24*int64(time.Hour/time.Millisecond),
		To:   to,
	}
}
