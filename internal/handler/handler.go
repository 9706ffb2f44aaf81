package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"geoattend/internal/attendance"
	"geoattend/internal/audit"
	"geoattend/internal/auth"
	"geoattend/internal/metrics"
	"geoattend/internal/model"
	"geoattend/internal/qrsession"
	"geoattend/internal/settings"
)

// Store covers the plain CRUD the handlers do directly.
type Store interface {
	CreateSite(ctx context.Context, s model.Site) (model.Site, error)
	GetSite(ctx context.Context, id string) (*model.Site, error)
	CreateClassroom(ctx context.Context, c model.Classroom) (model.Classroom, error)
	GetClassroom(ctx context.Context, id string) (*model.Classroom, error)
	UpsertUser(ctx context.Context, u model.User) (model.User, error)
	CreateSchedule(ctx context.Context, s model.Schedule) (model.Schedule, error)
	SchedulesForClassroom(ctx context.Context, classroomID string) ([]model.Schedule, error)
	ClassroomOf(ctx context.Context, userID string) (string, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps wires the handler.
type Deps struct {
	Store    Store
	Recorder *attendance.Recorder
	Reviewer *attendance.Reviewer
	Reports  *attendance.Reports
	Sessions *qrsession.Manager
	Settings *settings.Service
	Audit    *audit.Publisher
	Metrics  *metrics.Metrics
	Location *time.Location
	Health   map[string]HealthCheck
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler serves the HTTP API.
type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	return &Handler{Deps: d}
}

// Register mounts every route. authn validates bearer tokens and scanLimit
// throttles check-ins.
func (h *Handler) Register(r gin.IRouter, authn, scanLimit gin.HandlerFunc) {
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1", authn)
	v1.POST("/scan", scanLimit, h.scan)
	v1.GET("/attendance/mine", h.mine)
	v1.GET("/me/schedules", h.mySchedules)

	admin := v1.Group("/admin", auth.RequireRole(model.RoleAdmin))
	admin.POST("/sites", h.createSite)
	admin.POST("/classrooms", h.createClassroom)
	admin.PUT("/users/:id", h.putUser)
	admin.POST("/schedules", h.createSchedule)
	admin.POST("/qr-sessions", h.issueQR)
	admin.GET("/qr-sessions", h.listQR)
	admin.GET("/qr-sessions/:id", h.getQR)
	admin.PATCH("/qr-sessions/:id/expire", h.expireQR)
	admin.GET("/attendance", h.listAttendance)
	admin.PATCH("/attendance/:id/review", h.review)
	admin.GET("/reports/attendance", h.summary)
	admin.GET("/settings", h.getSettings)
	admin.PATCH("/settings", h.patchSettings)
}

func (h *Handler) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func caller(c *gin.Context) auth.Claims {
	claims, _ := auth.FromContext(c)
	return claims
}

// ScanLimitKey buckets scan requests by authenticated user, falling back to IP.
func ScanLimitKey(c *gin.Context) string {
	if claims, ok := auth.FromContext(c); ok && claims.Subject != "" {
		return "user:" + claims.Subject
	}
	return "ip:" + c.ClientIP()
}

func fail(c *gin.Context, status int, reason, message string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "reason": reason, "message": message})
}

// publish records an admin action without tying it to the request lifetime.
func (h *Handler) publish(c *gin.Context, evt model.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 2*time.Second)
	defer cancel()
	evt.CreatedAt = h.Now()
	h.Audit.Publish(ctx, evt)
}
