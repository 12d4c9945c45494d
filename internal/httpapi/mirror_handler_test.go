package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mirror-vitals/internal/alerts"
	"mirror-vitals/internal/models"
	"mirror-vitals/internal/report"
	"mirror-vitals/internal/subscription"
	"mirror-vitals/internal/vitals"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReadingSource struct {
	latest  *models.VitalReading
	recents []models.VitalReading
	err     error
}

func (f *fakeReadingSource) LatestReading(ctx context.Context, userID string) (*models.VitalReading, error) {
	return f.latest, f.err
}

func (f *fakeReadingSource) LatestReadings(ctx context.Context, userID string, limit int) ([]models.VitalReading, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recents) {
		return f.recents[:limit], nil
	}
	return f.recents, nil
}

func (f *fakeReadingSource) ReadingsSince(ctx context.Context, userID string, since time.Time) ([]models.VitalReading, error) {
	return f.recents, f.err
}

type fakeAlertSource struct {
	alerts      []models.AlertEvent
	markChanged bool
	markErr     error
	markedIDs   []string
}

func (f *fakeAlertSource) ListAlerts(ctx context.Context, userID string, limit int) ([]models.AlertEvent, error) {
	out := make([]models.AlertEvent, len(f.alerts))
	copy(out, f.alerts)
	return out, nil
}

func (f *fakeAlertSource) MarkHandled(ctx context.Context, userID, alertID string) (bool, error) {
	f.markedIDs = append(f.markedIDs, alertID)
	if f.markErr != nil {
		return false, f.markErr
	}
	return f.markChanged, nil
}

type fakeVitalsCache struct {
	latest       *models.VitalReading
	alerts       []models.AlertEvent
	alertsCached bool
	invalidated  int
}

func (f *fakeVitalsCache) GetLatestReading(ctx context.Context, userID string) (*models.VitalReading, error) {
	return f.latest, nil
}

func (f *fakeVitalsCache) GetAlerts(ctx context.Context, userID string) ([]models.AlertEvent, bool, error) {
	return f.alerts, f.alertsCached, nil
}

func (f *fakeVitalsCache) SetAlerts(ctx context.Context, userID string, alerts []models.AlertEvent) error {
	f.alerts = alerts
	f.alertsCached = true
	return nil
}

func (f *fakeVitalsCache) InvalidateAlerts(ctx context.Context, userID string) error {
	f.invalidated++
	f.alertsCached = false
	return nil
}

type fakeReportGenerator struct {
	lastReq report.Request
	result  *report.Result
	err     error
}

func (f *fakeReportGenerator) Generate(ctx context.Context, req report.Request) (*report.Result, error) {
	f.lastReq = req
	return f.result, f.err
}

type handlerFixture struct {
	handler    *MirrorHandler
	router     *Router
	readings   *fakeReadingSource
	alerts     *fakeAlertSource
	cache      *fakeVitalsCache
	reports    *fakeReportGenerator
	subs       *subscription.Manager
	presenters *alerts.Registry
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	f := &handlerFixture{
		readings: &fakeReadingSource{},
		alerts:   &fakeAlertSource{},
		cache:    &fakeVitalsCache{},
		reports:  &fakeReportGenerator{},
		subs:     subscription.NewManager(zap.NewNop()),
	}
	f.presenters = alerts.NewRegistry(f.alerts, zap.NewNop())
	f.handler = NewMirrorHandler(
		f.readings,
		f.alerts,
		f.cache,
		f.reports,
		f.subs,
		f.presenters,
		models.DefaultThresholds(),
		20,
		zap.NewNop(),
	)
	f.router = NewRouter(zap.NewNop())
	f.router.RegisterMirrorRoutes(f.handler)
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

func hrPtr(v float64) *float64 {
	return &v
}

// ============================================
// 身份与方法守卫
// ============================================

func TestRoutes_MissingUserIDRejected(t *testing.T) {
	f := newHandlerFixture(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/mirror/api/v1/vitals/latest"},
		{http.MethodGet, "/mirror/api/v1/vitals/series?range=30"},
		{http.MethodGet, "/mirror/api/v1/vitals/stream"},
		{http.MethodGet, "/mirror/api/v1/alerts"},
		{http.MethodPost, "/mirror/api/v1/alerts/handled"},
		{http.MethodPost, "/mirror/api/v1/reports"},
	} {
		rec := f.do(t, tc.method, tc.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/mirror/api/v1/vitals/latest", "user-1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = f.do(t, http.MethodGet, "/mirror/api/v1/alerts/handled", "user-1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// ============================================
// GET /vitals/latest
// ============================================

func TestGetLatest_FromCache(t *testing.T) {
	f := newHandlerFixture(t)
	f.cache.latest = &models.VitalReading{
		ReadingID: "r-1",
		UserID:    "user-1",
		HR:        hrPtr(130),
		TS:        time.Now(),
	}

	rec := f.do(t, http.MethodGet, "/mirror/api/v1/vitals/latest", "user-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]any)
	classification := result["classification"].(map[string]any)
	assert.Equal(t, "risk", classification["status"])
	assert.Equal(t, "RISK", classification["status_text"])
	assert.Equal(t, "critical values detected", classification["reason"])

	colors := result["colors"].(map[string]any)
	assert.Equal(t, "#dc2626", colors["hr"])
	assert.Equal(t, "#9ca3af", colors["spo2"])
}

func TestGetLatest_FallsBackToRepository(t *testing.T) {
	f := newHandlerFixture(t)
	f.readings.latest = &models.VitalReading{
		ReadingID: "r-1",
		UserID:    "user-1",
		HR:        hrPtr(72),
		SpO2:      hrPtr(98),
		TS:        time.Now(),
	}

	rec := f.do(t, http.MethodGet, "/mirror/api/v1/vitals/latest", "user-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]any)
	classification := result["classification"].(map[string]any)
	assert.Equal(t, "normal", classification["status"])
}

func TestGetLatest_NoData(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/mirror/api/v1/vitals/latest", "user-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]any)
	assert.Nil(t, result["reading"])

	classification := result["classification"].(map[string]any)
	assert.Equal(t, "NO DATA", classification["status_text"])
	assert.Equal(t, "no readings yet", classification["reason"])

	colors := result["colors"].(map[string]any)
	assert.Equal(t, "#9ca3af", colors["hr"])
}

// ============================================
// GET /vitals/series
// ============================================

func TestGetSeries_CountMode(t *testing.T) {
	f := newHandlerFixture(t)

	base := time.Now().Add(-time.Hour)
	for i := 4; i >= 0; i-- {
		f.readings.recents = append(f.readings.recents, models.VitalReading{
			ReadingID: fmt.Sprintf("r-%d", i),
			UserID:    "user-1",
			HR:        hrPtr(70 + float64(i)),
			TS:        base.Add(time.Duration(i) * time.Minute),
		})
	}

	rec := f.do(t, http.MethodGet, "/mirror/api/v1/vitals/series?range=30", "user-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]any)

	timestamps := result["timestamps"].([]any)
	require.Len(t, timestamps, 5)
	// 升序
	for i := 1; i < len(timestamps); i++ {
		assert.Less(t, timestamps[i-1].(float64), timestamps[i].(float64))
	}
	assert.Equal(t, false, result["single_point"])
}

func TestGetSeries_SinglePoint(t *testing.T) {
	f := newHandlerFixture(t)
	f.readings.recents = []models.VitalReading{
		{ReadingID: "r-1", UserID: "user-1", HR: hrPtr(72), TS: time.Now()},
	}

	rec := f.do(t, http.MethodGet, "/mirror/api/v1/vitals/series?range=24h", "user-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]any)
	assert.Equal(t, true, result["single_point"])
}

func TestGetSeries_UnknownRange(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/mirror/api/v1/vitals/series?range=90", "user-1", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================
// GET /vitals/stream
// ============================================

func TestStreamVitals_DeliversSnapshot(t *testing.T) {
	f := newHandlerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/mirror/api/v1/vitals/stream", nil).WithContext(ctx)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		f.router.ServeHTTP(rec, req)
		close(done)
	}()

	// 等待订阅建立
	require.Eventually(t, func() bool {
		return f.subs.ActiveCount() == 1
	}, time.Second, 5*time.Millisecond)

	reading := &models.VitalReading{
		ReadingID: "r-stream",
		UserID:    "user-1",
		HR:        hrPtr(130),
		TS:        time.Now(),
	}
	f.subs.Publish("user-1", subscription.Snapshot{
		UserID:         "user-1",
		Reading:        reading,
		Classification: vitals.Classify(reading, models.DefaultThresholds()),
		At:             time.Now(),
	})

	// 新订阅取代流持有的句柄：缓冲中的快照先送达，然后流结束
	replacement := f.subs.Subscribe("user-1")
	defer replacement.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not terminate")
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "data: ")
	assert.Contains(t, body, "r-stream")
	assert.Contains(t, body, `"status":"risk"`)

	// 流结束后展示器已释放
	assert.Nil(t, f.presenters.Active("user-1"))
}

func TestStreamVitals_DisconnectReleasesSubscription(t *testing.T) {
	f := newHandlerFixture(t)
	f.alerts.alerts = []models.AlertEvent{
		{AlertID: "a-1", UserID: "user-1", Status: models.StatusRisk},
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/mirror/api/v1/vitals/stream", nil).WithContext(ctx)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		f.router.ServeHTTP(rec, req)
		close(done)
	}()

	// 连接期间持有订阅句柄和展示器
	require.Eventually(t, func() bool {
		return f.subs.ActiveCount() == 1 && f.presenters.Active("user-1") != nil
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not terminate")
	}

	assert.Equal(t, 0, f.subs.ActiveCount())
	assert.Nil(t, f.presenters.Active("user-1"))
}

// ============================================
// GET /alerts
// ============================================

func TestGetAlerts_PendingFilterWithDisplayMapping(t *testing.T) {
	f := newHandlerFixture(t)
	f.alerts.alerts = []models.AlertEvent{
		{AlertID: "a-1", UserID: "user-1", Status: models.StatusRisk, Handled: false},
		{AlertID: "a-2", UserID: "user-1", Status: models.StatusWarning, Handled: true},
	}

	rec := f.do(t, http.MethodGet, "/mirror/api/v1/alerts?filter=pending", "user-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	views := envelope["result"].([]any)
	require.Len(t, views, 1)

	view := views[0].(map[string]any)
	assert.Equal(t, "a-1", view["alert_id"])
	assert.Equal(t, "danger", view["color"])
	assert.Equal(t, "RISK", view["label"])
}

func TestGetAlerts_AllFilter(t *testing.T) {
	f := newHandlerFixture(t)
	f.alerts.alerts = []models.AlertEvent{
		{AlertID: "a-1", UserID: "user-1", Status: models.StatusRisk, Handled: true},
		{AlertID: "a-2", UserID: "user-1", Status: models.StatusWarning, Handled: true},
	}

	rec := f.do(t, http.MethodGet, "/mirror/api/v1/alerts?filter=all", "user-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	assert.Len(t, envelope["result"].([]any), 2)
}

func TestGetAlerts_ServedFromCache(t *testing.T) {
	f := newHandlerFixture(t)
	f.cache.alertsCached = true
	f.cache.alerts = []models.AlertEvent{
		{AlertID: "cached-1", UserID: "user-1", Status: models.StatusWarning},
	}
	// 仓库为空，命中缓存时不回源
	f.alerts.alerts = nil

	rec := f.do(t, http.MethodGet, "/mirror/api/v1/alerts", "user-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	views := envelope["result"].([]any)
	require.Len(t, views, 1)
	assert.Equal(t, "cached-1", views[0].(map[string]any)["alert_id"])
}

func TestAlerts_ServedFromHeldPresenter(t *testing.T) {
	f := newHandlerFixture(t)
	f.alerts.alerts = []models.AlertEvent{
		{AlertID: "a-1", UserID: "user-1", Status: models.StatusRisk},
	}
	f.alerts.markChanged = true

	// 模拟活跃的快照流连接：展示器已加载并持有列表
	_, err := f.presenters.Acquire(context.Background(), "user-1", 20)
	require.NoError(t, err)
	defer f.presenters.Release("user-1")

	rec := f.do(t, http.MethodPost, "/mirror/api/v1/alerts/handled", "user-1",
		`{"alert_id": "a-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]any)
	assert.Equal(t, true, result["changed"])

	// 写入经由展示器落库
	assert.Equal(t, []string{"a-1"}, f.alerts.markedIDs)

	// 持有的列表乐观更新：不回源也看到已处理状态
	rec = f.do(t, http.MethodGet, "/mirror/api/v1/alerts?filter=pending", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	envelope = decodeResult(t, rec)
	assert.Empty(t, envelope["result"])

	rec = f.do(t, http.MethodGet, "/mirror/api/v1/alerts?filter=all", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	envelope = decodeResult(t, rec)
	views := envelope["result"].([]any)
	require.Len(t, views, 1)
	assert.Equal(t, true, views[0].(map[string]any)["handled"])

	// 存储侧的列表没有被本地更新改写
	assert.False(t, f.alerts.alerts[0].Handled)
}

// ============================================
// POST /alerts/handled
// ============================================

func TestMarkAlertHandled_Success(t *testing.T) {
	f := newHandlerFixture(t)
	f.alerts.markChanged = true

	rec := f.do(t, http.MethodPost, "/mirror/api/v1/alerts/handled", "user-1",
		`{"alert_id": "a-1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]any)
	assert.Equal(t, "a-1", result["alert_id"])
	assert.Equal(t, true, result["handled"])
	assert.Equal(t, true, result["changed"])

	assert.Equal(t, []string{"a-1"}, f.alerts.markedIDs)
	assert.Equal(t, 1, f.cache.invalidated)
}

func TestMarkAlertHandled_AlreadyHandled(t *testing.T) {
	f := newHandlerFixture(t)
	f.alerts.markChanged = false

	rec := f.do(t, http.MethodPost, "/mirror/api/v1/alerts/handled", "user-1",
		`{"alert_id": "a-1"}`)

	// 幂等：重复标记不是错误
	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]any)
	assert.Equal(t, true, result["handled"])
	assert.Equal(t, false, result["changed"])
}

func TestMarkAlertHandled_NotFound(t *testing.T) {
	f := newHandlerFixture(t)
	f.alerts.markErr = fmt.Errorf("alert not found: alert_id=a-9")

	rec := f.do(t, http.MethodPost, "/mirror/api/v1/alerts/handled", "user-1",
		`{"alert_id": "a-9"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkAlertHandled_MissingAlertID(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/mirror/api/v1/alerts/handled", "user-1", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================
// POST /reports
// ============================================

func TestGenerateReport_HoursWindow(t *testing.T) {
	f := newHandlerFixture(t)
	f.reports.result = &report.Result{
		ReportID: "report-1",
		FileName: "vitals-report.pdf",
		Base64:   "JVBERi0=",
	}

	rec := f.do(t, http.MethodPost, "/mirror/api/v1/reports", "user-1",
		`{"range": "7d"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeResult(t, rec)
	result := envelope["result"].(map[string]any)
	assert.Equal(t, "report-1", result["report_id"])

	// 7 天窗口
	assert.Equal(t, "user-1", f.reports.lastReq.UserID)
	assert.Equal(t, int64(7*24*60*60*1000), f.reports.lastReq.To-f.reports.lastReq.From)
}

func TestGenerateReport_CountWindowFromReadings(t *testing.T) {
	f := newHandlerFixture(t)
	f.reports.result = &report.Result{ReportID: "report-1"}

	earliest := time.UnixMilli(1700000000000)
	latest := time.UnixMilli(1700003600000)
	f.readings.recents = []models.VitalReading{
		{ReadingID: "r-2", UserID: "user-1", TS: latest},
		{ReadingID: "r-1", UserID: "user-1", TS: earliest},
	}

	rec := f.do(t, http.MethodPost, "/mirror/api/v1/reports", "user-1",
		`{"range": "30"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1700000000000), f.reports.lastReq.From)
	// 上界为最晚读数 +1ms
	assert.Equal(t, int64(1700003600001), f.reports.lastReq.To)
}

func TestGenerateReport_UpstreamFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.reports.err = fmt.Errorf("report API error")

	rec := f.do(t, http.MethodPost, "/mirror/api/v1/reports", "user-1",
		`{"range": "24h"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGenerateReport_UnknownRange(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/mirror/api/v1/reports", "user-1",
		`{"range": "forever"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/mirror/api/v1/health", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}
