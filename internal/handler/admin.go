package handler

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"geoattend/internal/attendance"
	"geoattend/internal/audit"
	"geoattend/internal/model"
	"geoattend/internal/qrsession"
	"geoattend/internal/schedule"
	"geoattend/internal/settings"
	"geoattend/internal/store"
)

type siteRequest struct {
	Name                string   `json:"name" binding:"required"`
	Address             string   `json:"address"`
	Lat                 *float64 `json:"lat" binding:"required"`
	Lng                 *float64 `json:"lng" binding:"required"`
	AllowedRadiusMeters *float64 `json:"allowed_radius_meters"`
	Active              *bool    `json:"active"`
}

func (h *Handler) createSite(c *gin.Context) {
	var req siteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	site := model.Site{
		Name:                req.Name,
		Address:             req.Address,
		Lat:                 *req.Lat,
		Lng:                 *req.Lng,
		AllowedRadiusMeters: req.AllowedRadiusMeters,
		Active:              req.Active == nil || *req.Active,
	}
	if site.AllowedRadiusMeters != nil && *site.AllowedRadiusMeters <= 0 {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "allowed_radius_meters must be positive")
		return
	}
	if err := schedule.ValidateSite(site); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	out, err := h.Store.CreateSite(c.Request.Context(), site)
	if err != nil {
		log.Printf("create site failed: %v", err)
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not create site")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "site": out})
}

type classroomRequest struct {
	Name   string `json:"name" binding:"required"`
	SiteID string `json:"site_id" binding:"required"`
	Active *bool  `json:"active"`
}

func (h *Handler) createClassroom(c *gin.Context) {
	var req classroomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	out, err := h.Store.CreateClassroom(c.Request.Context(), model.Classroom{
		Name:   req.Name,
		SiteID: req.SiteID,
		Active: req.Active == nil || *req.Active,
	})
	if errors.Is(err, store.ErrReference) {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "unknown site_id")
		return
	}
	if err != nil {
		log.Printf("create classroom failed: %v", err)
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not create classroom")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "classroom": out})
}

type userRequest struct {
	Name        string     `json:"name" binding:"required"`
	Email       string     `json:"email" binding:"required,email"`
	Role        model.Role `json:"role" binding:"omitempty,oneof=ADMIN USER"`
	ClassroomID *string    `json:"classroom_id"`
	Active      *bool      `json:"active"`
}

// putUser creates or replaces the account profile the pipeline reads,
// including the classroom assignment that drives schedule resolution.
func (h *Handler) putUser(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	u := model.User{
		ID:          c.Param("id"),
		Name:        req.Name,
		Email:       req.Email,
		Role:        req.Role,
		ClassroomID: req.ClassroomID,
		Active:      req.Active == nil || *req.Active,
	}
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	if u.ClassroomID != nil && *u.ClassroomID == "" {
		u.ClassroomID = nil
	}
	out, err := h.Store.UpsertUser(c.Request.Context(), u)
	switch {
	case errors.Is(err, store.ErrReference):
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "unknown classroom_id")
		return
	case errors.Is(err, store.ErrDuplicate):
		fail(c, http.StatusConflict, "DUPLICATE", "email already in use")
		return
	case err != nil:
		log.Printf("upsert user failed: %v", err)
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not save user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "user": out})
}

type scheduleRequest struct {
	ClassroomID      string  `json:"classroom_id" binding:"required"`
	UserID           *string `json:"user_id"`
	SiteID           string  `json:"site_id" binding:"required"`
	DaysOfWeek       []int   `json:"days_of_week" binding:"required"`
	StartTime        string  `json:"start_time" binding:"required"`
	EndTime          string  `json:"end_time" binding:"required"`
	LateAfterMinutes *int    `json:"late_after_minutes"`
	Active           *bool   `json:"active"`
}

func (h *Handler) createSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	ctx := c.Request.Context()
	site, err := h.Store.GetSite(ctx, req.SiteID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not load site")
		return
	}
	if site == nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "unknown site_id")
		return
	}
	classroom, err := h.Store.GetClassroom(ctx, req.ClassroomID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not load classroom")
		return
	}
	if classroom == nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "unknown classroom_id")
		return
	}

	s := model.Schedule{
		ClassroomID: req.ClassroomID,
		UserID:      req.UserID,
		SiteID:      req.SiteID,
		DaysOfWeek:  req.DaysOfWeek,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Active:      req.Active == nil || *req.Active,
	}
	if req.LateAfterMinutes != nil {
		s.LateAfterMinutes = *req.LateAfterMinutes
	} else {
		defaults, err := h.Settings.Get(ctx)
		if err != nil {
			fail(c, http.StatusInternalServerError, "INTERNAL", "could not load settings")
			return
		}
		s.LateAfterMinutes = defaults.LateDefaultMinutes
	}
	if err := schedule.Validate(s); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	out, err := h.Store.CreateSchedule(ctx, s)
	if errors.Is(err, store.ErrReference) {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "schedule references a missing classroom, user or site")
		return
	}
	if err != nil {
		log.Printf("create schedule failed: %v", err)
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not create schedule")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "schedule": out})
}

type issueRequest struct {
	SiteID string            `json:"site_id"`
	Mode   model.SessionMode `json:"mode"`
}

func (h *Handler) issueQR(c *gin.Context) {
	var req issueRequest
	// an empty body issues a daily session for the first active site
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	admin := caller(c)
	out, err := h.Sessions.Issue(c.Request.Context(), qrsession.IssueRequest{
		SiteID:    req.SiteID,
		Mode:      req.Mode,
		CreatedBy: admin.UserID(),
	}, h.Now())
	switch {
	case errors.Is(err, qrsession.ErrSiteUnavailable), errors.Is(err, qrsession.ErrUnsupportedScope):
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	case errors.Is(err, qrsession.ErrSessionExpired):
		fail(c, http.StatusConflict, "SESSION_CLOSED", "today's session was closed; use a rotating session")
		return
	case err != nil:
		log.Printf("issue qr failed: %v", err)
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not issue qr session")
		return
	}
	h.Metrics.IssuedQR(string(out.Session.Mode))
	h.publish(c, model.AuditEvent{
		ActorID:    admin.UserID(),
		Action:     audit.ActionIssueQR,
		TargetType: "QrSession",
		TargetID:   out.Session.ID,
		Meta:       map[string]any{"site_id": out.Session.SiteID, "mode": out.Session.Mode},
	})
	c.JSON(http.StatusCreated, gin.H{"ok": true, "qr": out})
}

func (h *Handler) listQR(c *gin.Context) {
	sessions, err := h.Sessions.List(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not list sessions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": sessions})
}

func (h *Handler) getQR(c *gin.Context) {
	details, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, qrsession.ErrSessionNotFound) {
		fail(c, http.StatusNotFound, "NOT_FOUND", "qr session not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not load session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session": details})
}

func (h *Handler) expireQR(c *gin.Context) {
	sess, err := h.Sessions.ExpireNow(c.Request.Context(), c.Param("id"), h.Now())
	if errors.Is(err, qrsession.ErrSessionNotFound) {
		fail(c, http.StatusNotFound, "NOT_FOUND", "qr session not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not expire session")
		return
	}
	h.publish(c, model.AuditEvent{
		ActorID:    caller(c).UserID(),
		Action:     audit.ActionExpireQR,
		TargetType: "QrSession",
		TargetID:   sess.ID,
	})
	c.JSON(http.StatusOK, gin.H{"ok": true, "session": sess})
}

func (h *Handler) listAttendance(c *gin.Context) {
	records, err := h.Reports.List(c.Request.Context(), model.AttendanceFilter{
		DateKey:     c.Query("date"),
		Status:      model.Status(c.Query("status")),
		UserID:      c.Query("user_id"),
		ClassroomID: c.Query("classroom_id"),
		Limit:       queryInt(c, "limit", 0),
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not list attendance")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "attendance": records})
}

type reviewRequest struct {
	Status model.Status `json:"status" binding:"required"`
	Reason string       `json:"reason"`
}

func (h *Handler) review(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	out, err := h.Reviewer.Review(c.Request.Context(), c.Param("id"), req.Status, caller(c).UserID(), req.Reason, h.Now())
	switch {
	case errors.Is(err, attendance.ErrInvalidDecision):
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	case errors.Is(err, attendance.ErrNotFound):
		fail(c, http.StatusNotFound, "NOT_FOUND", "attendance not found")
		return
	case errors.Is(err, attendance.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"ok": false, "reason": "INVALID_TRANSITION", "message": err.Error(), "existing": out})
		return
	case err != nil:
		log.Printf("review failed: %v", err)
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not review attendance")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "attendance": out})
}

// summary accepts from/to as YYYY-MM-DD in the institution timezone; to is inclusive.
func (h *Handler) summary(c *gin.Context) {
	var f model.ReportFilter
	if v := c.Query("from"); v != "" {
		from, err := time.ParseInLocation("2006-01-02", v, h.Location)
		if err != nil {
			fail(c, http.StatusBadRequest, "BAD_REQUEST", "from must be YYYY-MM-DD")
			return
		}
		f.From = &from
	}
	if v := c.Query("to"); v != "" {
		day, err := time.ParseInLocation("2006-01-02", v, h.Location)
		if err != nil {
			fail(c, http.StatusBadRequest, "BAD_REQUEST", "to must be YYYY-MM-DD")
			return
		}
		to := day.AddDate(0, 0, 1).Add(-time.Nanosecond)
		f.To = &to
	}
	f.ClassroomID = c.Query("classroom_id")

	sum, err := h.Reports.Summary(c.Request.Context(), f)
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not build report")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "summary": sum})
}

func (h *Handler) getSettings(c *gin.Context) {
	s, err := h.Settings.Get(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not load settings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "settings": s})
}

func (h *Handler) patchSettings(c *gin.Context) {
	var p settings.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s, err := h.Settings.Update(c.Request.Context(), p)
	if errors.Is(err, settings.ErrInvalidSettings) {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not save settings")
		return
	}
	h.publish(c, model.AuditEvent{
		ActorID:    caller(c).UserID(),
		Action:     audit.ActionUpdateConfig,
		TargetType: "AppSetting",
		TargetID:   "1",
		Meta: map[string]any{
			"late_default_minutes":          s.LateDefaultMinutes,
			"qr_required":                   s.QRRequired,
			"default_allowed_radius_meters": s.DefaultAllowedRadiusMeters,
		},
	})
	c.JSON(http.StatusOK, gin.H{"ok": true, "settings": s})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
