package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mirror-vitals/internal/alerts"
	"mirror-vitals/internal/models"
	"mirror-vitals/internal/report"
	"mirror-vitals/internal/subscription"
	"mirror-vitals/internal/vitals"

	"go.uber.org/zap"
)

// ReadingSource 读数查询抽象
type ReadingSource interface {
	LatestReading(ctx context.Context, userID string) (*models.VitalReading, error)
	LatestReadings(ctx context.Context, userID string, limit int) ([]models.VitalReading, error)
	ReadingsSince(ctx context.Context, userID string, since time.Time) ([]models.VitalReading, error)
}

// AlertSource 告警查询与状态流转抽象
type AlertSource interface {
	ListAlerts(ctx context.Context, userID string, limit int) ([]models.AlertEvent, error)
	MarkHandled(ctx context.Context, userID, alertID string) (bool, error)
}

// VitalsCache 热路径缓存抽象
type VitalsCache interface {
	GetLatestReading(ctx context.Context, userID string) (*models.VitalReading, error)
	GetAlerts(ctx context.Context, userID string) ([]models.AlertEvent, bool, error)
	SetAlerts(ctx context.Context, userID string, alerts []models.AlertEvent) error
	InvalidateAlerts(ctx context.Context, userID string) error
}

// ReportGenerator 报告生成抽象
type ReportGenerator interface {
	Generate(ctx context.Context, req report.Request) (*report.Result, error)
}

// SnapshotSubscriber 快照流订阅抽象（生产实现为 subscription.Manager）
type SnapshotSubscriber interface {
	Subscribe(key string) *subscription.Handle
}

// MirrorHandler 镜面体征 API 处理器
type MirrorHandler struct {
	readings   ReadingSource
	alertStore AlertSource
	cache      VitalsCache
	reports    ReportGenerator
	streams    SnapshotSubscriber
	presenters *alerts.Registry
	thresholds models.ThresholdSet
	listLimit  int
	logger     *zap.Logger

	now func() time.Time
}

// NewMirrorHandler 创建处理器
func NewMirrorHandler(
	readings ReadingSource,
	alertStore AlertSource,
	cache VitalsCache,
	reports ReportGenerator,
	streams SnapshotSubscriber,
	presenters *alerts.Registry,
	thresholds models.ThresholdSet,
	listLimit int,
	logger *zap.Logger,
) *MirrorHandler {
	return &MirrorHandler{
		readings:   readings,
		alertStore: alertStore,
		cache:      cache,
		reports:    reports,
		streams:    streams,
		presenters: presenters,
		thresholds: thresholds,
		listLimit:  listLimit,
		logger:     logger,
		now:        time.Now,
	}
}

// latestResponse 最新读数 + 分类 + 每项体征的展示颜色
type latestResponse struct {
	Reading        *models.VitalReading  `json:"reading"` // 没有数据时为 null
	Classification vitals.Classification `json:"classification"`
	Colors         struct {
		HR   string `json:"hr"`
		SpO2 string `json:"spo2"`
		HRV  string `json:"hrv"`
	} `json:"colors"`
}

// GetLatest GET /mirror/api/v1/vitals/latest
func (h *MirrorHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing X-User-Id header"))
		return
	}

	ctx := r.Context()

	// 缓存优先，未命中或异常回退数据库
	reading, err := h.cache.GetLatestReading(ctx, userID)
	if err != nil {
		h.logger.Warn("Latest reading cache lookup failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	if reading == nil {
		reading, err = h.readings.LatestReading(ctx, userID)
		if err != nil {
			h.logger.Error("Failed to load latest reading",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, Fail("failed to load latest reading"))
			return
		}
	}

	resp := latestResponse{
		Reading:        reading,
		Classification: vitals.Classify(reading, h.thresholds),
	}
	if reading != nil {
		resp.Colors.HR = vitals.HRColor(reading.HR, h.thresholds)
		resp.Colors.SpO2 = vitals.SpO2Color(reading.SpO2, h.thresholds)
		resp.Colors.HRV = vitals.HRVColor(reading.HRV, h.thresholds)
	} else {
		resp.Colors.HR = vitals.ColorGap
		resp.Colors.SpO2 = vitals.ColorGap
		resp.Colors.HRV = vitals.ColorGap
	}

	writeJSON(w, http.StatusOK, Ok(resp))
}

// GetSeries GET /mirror/api/v1/vitals/series?range=30|100|24h|7d
func (h *MirrorHandler) GetSeries(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing X-User-Id header"))
		return
	}

	rangeReq, err := vitals.ParseRangeKey(r.URL.Query().Get("range"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	readings, err := h.readingsForRange(r.Context(), userID, rangeReq)
	if err != nil {
		h.logger.Error("Failed to load readings for range",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("failed to load readings"))
		return
	}

	series := vitals.Aggregate(rangeReq, readings, h.now)
	writeJSON(w, http.StatusOK, Ok(series))
}

// readingsForRange 按区间模式取读数（存储层返回时间降序）
func (h *MirrorHandler) readingsForRange(ctx context.Context, userID string, req vitals.RangeRequest) ([]models.VitalReading, error) {
	if req.Mode == vitals.RangeByCount {
		return h.readings.LatestReadings(ctx, userID, req.Count)
	}
	since := h.now().Add(-time.Duration(req.Hours) * time.Hour)
	return h.readings.ReadingsSince(ctx, userID, since)
}

// StreamVitals GET /mirror/api/v1/vitals/stream（SSE）
// 连接期间持有该用户的快照订阅句柄和告警展示器，断开时释放。
// 快照积压时只收到最新一条，不逐条重放
func (h *MirrorHandler) StreamVitals(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing X-User-Id header"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, Fail("streaming unsupported"))
		return
	}

	ctx := r.Context()

	handle := h.streams.Subscribe(userID)
	defer handle.Release()

	if _, err := h.presenters.Acquire(ctx, userID, h.listLimit); err != nil {
		// 告警列表加载失败不阻断快照流
		h.logger.Warn("Failed to load alerts for stream",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	} else {
		defer h.presenters.Release(userID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("Vitals stream opened",
		zap.String("user_id", userID),
	)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Vitals stream closed",
				zap.String("user_id", userID),
			)
			return
		case snapshot, ok := <-handle.C():
			if !ok {
				// 句柄被同一用户的新订阅取代
				h.logger.Info("Vitals stream replaced",
					zap.String("user_id", userID),
				)
				return
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				h.logger.Error("Failed to encode snapshot",
					zap.String("user_id", userID),
					zap.Error(err),
				)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// alertView 告警 + 展示映射
type alertView struct {
	models.AlertEvent
	Color string `json:"color"`
	Label string `json:"label"`
}

// GetAlerts GET /mirror/api/v1/alerts?filter=pending|all
func (h *MirrorHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing X-User-Id header"))
		return
	}

	ctx := r.Context()
	mode := alerts.ParseFilterMode(r.URL.Query().Get("filter"))

	// 快照流连接期间由持有的展示器服务（包含乐观更新后的状态）
	if p := h.presenters.Active(userID); p != nil {
		writeJSON(w, http.StatusOK, Ok(h.alertViews(p.Alerts(mode))))
		return
	}

	list, cached, err := h.cache.GetAlerts(ctx, userID)
	if err != nil {
		h.logger.Warn("Alerts cache lookup failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		cached = false
	}
	if !cached {
		list, err = h.alertStore.ListAlerts(ctx, userID, h.listLimit)
		if err != nil {
			h.logger.Error("Failed to load alerts",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, Fail("failed to load alerts"))
			return
		}
		if err := h.cache.SetAlerts(ctx, userID, list); err != nil {
			h.logger.Warn("Failed to warm alerts cache",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	writeJSON(w, http.StatusOK, Ok(h.alertViews(alerts.Filter(list, mode))))
}

// alertViews 给告警列表附加展示映射
func (h *MirrorHandler) alertViews(list []models.AlertEvent) []alertView {
	views := make([]alertView, 0, len(list))
	for _, alert := range list {
		views = append(views, alertView{
			AlertEvent: alert,
			Color:      alerts.StatusColor(alert.Status),
			Label:      alerts.StatusLabel(alert.Status),
		})
	}
	return views
}

// markHandledRequest POST body
type markHandledRequest struct {
	AlertID string `json:"alert_id"`
}

// MarkAlertHandled POST /mirror/api/v1/alerts/handled
func (h *MirrorHandler) MarkAlertHandled(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing X-User-Id header"))
		return
	}

	var body markHandledRequest
	if err := readBodyJSON(r, 1<<20, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	if body.AlertID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("alert_id is required"))
		return
	}

	ctx := r.Context()

	// 有持有的展示器时经由它写入，本地列表同步得到乐观更新
	var changed bool
	var err error
	if p := h.presenters.Active(userID); p != nil {
		changed, err = p.MarkHandled(ctx, body.AlertID)
	} else {
		changed, err = h.alertStore.MarkHandled(ctx, userID, body.AlertID)
	}
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeJSON(w, http.StatusNotFound, Fail("alert not found"))
			return
		}
		h.logger.Error("Failed to mark alert handled",
			zap.String("user_id", userID),
			zap.String("alert_id", body.AlertID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("failed to mark alert handled"))
		return
	}

	// 缓存失效，下一次列表请求回源拿到最新 handled 状态
	if err := h.cache.InvalidateAlerts(ctx, userID); err != nil {
		h.logger.Warn("Failed to invalidate alerts cache",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"alert_id": body.AlertID,
		"handled":  true,
		"changed":  changed,
	}))
}

// reportRequest POST body（range 键与图表一致）
type reportRequest struct {
	Range string `json:"range"`
}

// GenerateReport POST /mirror/api/v1/reports
func (h *MirrorHandler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing X-User-Id header"))
		return
	}

	var body reportRequest
	if err := readBodyJSON(r, 1<<20, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	rangeReq, err := vitals.ParseRangeKey(body.Range)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	ctx := r.Context()

	// 条数模式的窗口由实际读数推导
	var readings []models.VitalReading
	if rangeReq.Mode == vitals.RangeByCount {
		readings, err = h.readings.LatestReadings(ctx, userID, rangeReq.Count)
		if err != nil {
			h.logger.Error("Failed to load readings for report",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, Fail("failed to load readings"))
			return
		}
	}

	window := vitals.ReportWindow(rangeReq, readings, h.now)

	result, err := h.reports.Generate(ctx, report.Request{
		UserID: userID,
		From:   window.From,
		To:     window.To,
	})
	if err != nil {
		h.logger.Error("Report generation failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadGateway, Fail("report generation failed"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(result))
}
