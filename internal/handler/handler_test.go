package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/attendance"
	"geoattend/internal/audit"
	"geoattend/internal/auth"
	"geoattend/internal/geo"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/metrics"
	"geoattend/internal/model"
	"geoattend/internal/qrsession"
	"geoattend/internal/queue"
	"geoattend/internal/schedule"
	"geoattend/internal/settings"
	"geoattend/internal/store"
)

const (
	jwtKey    = "jwt-test-key"
	jwtIssuer = "geoattend"
)

var bogota = time.FixedZone("COT", -5*3600)

type env struct {
	router *gin.Engine
	mem    *store.Memory
	queue  *queue.InMemory
	now    time.Time
	site   model.Site
	admin  string
	user   string
}

func newEnv(t *testing.T, autoConfirm bool) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	mem := store.NewMemory()
	radius := 50.0
	site, err := mem.CreateSite(ctx, model.Site{Name: "Main campus", AllowedRadiusMeters: &radius, Active: true})
	require.NoError(t, err)
	classroom := "c1"
	mem.AddClassroom(model.Classroom{ID: classroom, Name: "1A", SiteID: site.ID, Active: true})
	mem.AddUser(model.User{ID: "u1", Role: model.RoleUser, ClassroomID: &classroom, Active: true})
	_, err = mem.CreateSchedule(ctx, model.Schedule{
		ID: "morning", ClassroomID: classroom, SiteID: site.ID,
		DaysOfWeek: []int{1, 2, 3, 4, 5}, StartTime: "08:00", EndTime: "10:00",
		LateAfterMinutes: 10, Active: true,
	})
	require.NoError(t, err)

	e := &env{mem: mem, queue: queue.NewInMemory(64), site: site, now: time.Date(2024, 1, 8, 8, 5, 0, 0, bogota)}
	m := metrics.New(prometheus.NewRegistry())
	pub := audit.NewPublisher(e.queue)
	sessions := qrsession.NewManager(mem, qrsession.Options{SigningKey: []byte("qr-key"), Issuer: jwtIssuer, Location: bogota})
	resolver := schedule.NewResolver(mem, schedule.Options{Location: bogota})
	settingsSvc := settings.NewService(mem, nil, time.Minute)

	h := New(Deps{
		Store:    mem,
		Recorder: attendance.NewRecorder(mem, sessions, resolver, settingsSvc, pub, m, attendance.Config{AutoConfirm: autoConfirm, Location: bogota}),
		Reviewer: attendance.NewReviewer(mem, pub, m),
		Reports:  attendance.NewReports(mem),
		Sessions: sessions,
		Settings: settingsSvc,
		Audit:    pub,
		Metrics:  m,
		Location: bogota,
		Health:   map[string]HealthCheck{"store": func(context.Context) bool { return true }},
		Now:      func() time.Time { return e.now },
	})
	e.router = gin.New()
	limiter := httpmiddleware.NewTokenBucket(100, 100)
	h.Register(e.router, auth.Authenticate(jwtKey, jwtIssuer), limiter.Middleware(ScanLimitKey))

	e.admin = bearer(t, "a1", model.RoleAdmin)
	e.user = bearer(t, "u1", model.RoleUser)
	return e
}

func bearer(t *testing.T, subject string, role model.Role) string {
	t.Helper()
	tok, _, err := auth.Issue(subject, role, jwtIssuer, jwtKey, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (e *env) issue(t *testing.T, mode string) string {
	t.Helper()
	w := e.do(http.MethodPost, "/v1/admin/qr-sessions", e.admin, map[string]any{"site_id": e.site.ID, "mode": mode})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	qr := decode(t, w)["qr"].(map[string]any)
	assert.Contains(t, qr["qr_data_url"], "data:image/png;base64,")
	return qr["token"].(string)
}

func northOf(meters float64) float64 {
	return meters / geo.EarthRadiusMeters * 180 / math.Pi
}

func TestScanFlow(t *testing.T) {
	e := newEnv(t, true)
	token := e.issue(t, "daily")

	w := e.do(http.MethodPost, "/v1/scan", e.user, map[string]any{"qr_token": token, "lat": northOf(10), "lng": 0})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "ON_TIME", body["result"])
	assert.Equal(t, "CONFIRMED", body["status"])
	assert.Equal(t, "Main campus", body["site_name"])

	w = e.do(http.MethodPost, "/v1/scan", e.user, map[string]any{"qr_token": token, "lat": northOf(10), "lng": 0})
	assert.Equal(t, http.StatusConflict, w.Code)
	body = decode(t, w)
	assert.Equal(t, "ALREADY_SCANNED", body["reason"])
	assert.Equal(t, "ON_TIME", body["result"])
	assert.NotNil(t, body["existing"])

	w = e.do(http.MethodGet, "/v1/attendance/mine", e.user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["attendance"], 1)
}

func TestScanErrorMapping(t *testing.T) {
	e := newEnv(t, true)
	token := e.issue(t, "daily")

	t.Run("out of range", func(t *testing.T) {
		w := e.do(http.MethodPost, "/v1/scan", e.user, map[string]any{"qr_token": token, "lat": northOf(80), "lng": 0})
		assert.Equal(t, http.StatusForbidden, w.Code)
		body := decode(t, w)
		assert.Equal(t, "OUT_OF_RANGE", body["reason"])
		assert.InDelta(t, 80, body["distance_meters"], 1e-6)
	})

	t.Run("bad token", func(t *testing.T) {
		w := e.do(http.MethodPost, "/v1/scan", e.user, map[string]any{"qr_token": "nope", "lat": 0, "lng": 0})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "INVALID_OR_EXPIRED_QR", decode(t, w)["reason"])
	})

	t.Run("bad coordinate", func(t *testing.T) {
		w := e.do(http.MethodPost, "/v1/scan", e.user, map[string]any{"qr_token": token, "lat": 120, "lng": 0})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_COORDINATE", decode(t, w)["reason"])
	})

	t.Run("missing fields", func(t *testing.T) {
		w := e.do(http.MethodPost, "/v1/scan", e.user, map[string]any{"qr_token": token})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("window closed", func(t *testing.T) {
		e.now = time.Date(2024, 1, 8, 10, 30, 0, 0, bogota)
		fresh := e.issue(t, "rotating")
		w := e.do(http.MethodPost, "/v1/scan", e.user, map[string]any{"qr_token": fresh, "lat": 0, "lng": 0})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "WINDOW_CLOSED", decode(t, w)["reason"])
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := e.do(http.MethodPost, "/v1/scan", "", map[string]any{"qr_token": token, "lat": 0, "lng": 0})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	e := newEnv(t, true)
	w := e.do(http.MethodPost, "/v1/admin/qr-sessions", e.user, map[string]any{"site_id": e.site.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = e.do(http.MethodGet, "/v1/admin/settings", e.user, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestReviewFlow(t *testing.T) {
	e := newEnv(t, false)
	token := e.issue(t, "daily")
	w := e.do(http.MethodPost, "/v1/scan", e.user, map[string]any{"qr_token": token, "lat": 0, "lng": 0})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode(t, w)["attendance"].(map[string]any)
	assert.Equal(t, "PENDING", rec["status"])
	id := rec["id"].(string)

	w = e.do(http.MethodGet, "/v1/admin/attendance?status=PENDING", e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["attendance"], 1)

	w = e.do(http.MethodPatch, "/v1/admin/attendance/"+id+"/review", e.admin, map[string]any{"status": "PENDING"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPatch, "/v1/admin/attendance/"+id+"/review", e.admin, map[string]any{"status": "REJECTED", "reason": "left early"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode(t, w)["attendance"].(map[string]any)
	assert.Equal(t, "REJECTED", got["status"])
	assert.Equal(t, "left early", got["rejection_reason"])
	assert.Equal(t, "a1", got["reviewed_by"])

	w = e.do(http.MethodPatch, "/v1/admin/attendance/"+id+"/review", e.admin, map[string]any{"status": "CONFIRMED"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", decode(t, w)["reason"])

	w = e.do(http.MethodPatch, "/v1/admin/attendance/missing/review", e.admin, map[string]any{"status": "CONFIRMED"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/v1/admin/reports/attendance?from=2024-01-08&to=2024-01-08", e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode(t, w)["summary"].(map[string]any)
	assert.EqualValues(t, 1, sum["total_records"])
	assert.EqualValues(t, 1, sum["rejected_count"])

	w = e.do(http.MethodGet, "/v1/admin/reports/attendance?from=yesterday", e.admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQRSessionAdmin(t *testing.T) {
	e := newEnv(t, true)
	w := e.do(http.MethodPost, "/v1/admin/qr-sessions", e.admin, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	qr := decode(t, w)["qr"].(map[string]any)
	sess := qr["session"].(map[string]any)
	id := sess["id"].(string)
	assert.Equal(t, "daily", sess["mode"])

	w = e.do(http.MethodGet, "/v1/admin/qr-sessions/"+id, e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["session"].(map[string]any)["total_scans"])

	w = e.do(http.MethodPatch, "/v1/admin/qr-sessions/"+id+"/expire", e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodPost, "/v1/scan", e.user, map[string]any{"qr_token": qr["token"], "lat": 0, "lng": 0})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(http.MethodPost, "/v1/admin/qr-sessions", e.admin, map[string]any{"site_id": e.site.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodPost, "/v1/admin/qr-sessions", e.admin, map[string]any{"site_id": e.site.ID, "mode": "hourly"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/v1/admin/qr-sessions/missing", e.admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/v1/admin/qr-sessions?limit=10", e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["sessions"], 1)

	// issue and expire are audited
	assert.Equal(t, 2, e.queue.Len())
}

func TestSitesSchedulesAndSettings(t *testing.T) {
	e := newEnv(t, true)

	w := e.do(http.MethodPost, "/v1/admin/sites", e.admin, map[string]any{"name": "Annex", "lat": 4.6, "lng": -74.08})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	site := decode(t, w)["site"].(map[string]any)
	assert.Equal(t, true, site["active"])

	w = e.do(http.MethodPost, "/v1/admin/sites", e.admin, map[string]any{"name": "Nowhere", "lat": 95, "lng": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPatch, "/v1/admin/settings", e.admin, map[string]any{"late_default_minutes": 15})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodPost, "/v1/admin/schedules", e.admin, map[string]any{
		"classroom_id": "c1", "site_id": site["id"], "days_of_week": []int{6},
		"start_time": "09:00", "end_time": "12:00",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.EqualValues(t, 15, decode(t, w)["schedule"].(map[string]any)["late_after_minutes"])

	w = e.do(http.MethodPost, "/v1/admin/schedules", e.admin, map[string]any{
		"classroom_id": "c1", "site_id": site["id"], "days_of_week": []int{1},
		"start_time": "12:00", "end_time": "09:00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/v1/admin/schedules", e.admin, map[string]any{
		"classroom_id": "c1", "site_id": "missing", "days_of_week": []int{1},
		"start_time": "08:00", "end_time": "09:00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/v1/me/schedules", e.user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["schedules"], 2)

	w = e.do(http.MethodPatch, "/v1/admin/settings", e.admin, map[string]any{"default_allowed_radius_meters": -3})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/v1/admin/settings", e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 15, decode(t, w)["settings"].(map[string]any)["late_default_minutes"])
}

func TestHealth(t *testing.T) {
	e := newEnv(t, true)
	w := e.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["store"])
}

func TestEnrolmentThenScan(t *testing.T) {
	e := newEnv(t, true)

	w := e.do(http.MethodPost, "/v1/admin/classrooms", e.admin, map[string]any{"name": "2B", "site_id": e.site.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	classroomID := decode(t, w)["classroom"].(map[string]any)["id"].(string)

	w = e.do(http.MethodPut, "/v1/admin/users/u7", e.admin, map[string]any{
		"name": "Ana", "email": "ana@school.test", "classroom_id": classroomID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "USER", decode(t, w)["user"].(map[string]any)["role"])

	w = e.do(http.MethodPost, "/v1/admin/schedules", e.admin, map[string]any{
		"classroom_id": classroomID, "site_id": e.site.ID, "days_of_week": []int{1},
		"start_time": "08:00", "end_time": "09:00", "late_after_minutes": 5,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	token := e.issue(t, "daily")
	w = e.do(http.MethodPost, "/v1/scan", bearer(t, "u7", model.RoleUser), map[string]any{"qr_token": token, "lat": 0, "lng": 0})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "ON_TIME", decode(t, w)["result"])
}

func TestEnrolmentRejectsMissingReferences(t *testing.T) {
	e := newEnv(t, true)

	w := e.do(http.MethodPost, "/v1/admin/classrooms", e.admin, map[string]any{"name": "3C", "site_id": "missing"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPut, "/v1/admin/users/u8", e.admin, map[string]any{
		"name": "Luis", "email": "luis@school.test", "classroom_id": "missing",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPut, "/v1/admin/users/u8", e.admin, map[string]any{"name": "Luis", "email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPut, "/v1/admin/users/u8", e.admin, map[string]any{"name": "Luis", "email": "shared@school.test"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.do(http.MethodPut, "/v1/admin/users/u9", e.admin, map[string]any{"name": "Eva", "email": "shared@school.test"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodPost, "/v1/admin/schedules", e.admin, map[string]any{
		"classroom_id": "missing", "site_id": e.site.ID, "days_of_week": []int{1},
		"start_time": "08:00", "end_time": "09:00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["message"], "classroom_id")
}
