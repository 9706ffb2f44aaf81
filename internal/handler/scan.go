package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"geoattend/internal/attendance"
)

type scanRequest struct {
	QRToken string   `json:"qr_token" binding:"required"`
	Lat     *float64 `json:"lat" binding:"required"`
	Lng     *float64 `json:"lng" binding:"required"`
}

func (h *Handler) scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "qr_token, lat and lng are required")
		return
	}
	claims := caller(c)
	out, err := h.Recorder.RecordScan(c.Request.Context(), attendance.ScanRequest{
		UserID:  claims.UserID(),
		Role:    claims.Role,
		QRToken: req.QRToken,
		Lat:     *req.Lat,
		Lng:     *req.Lng,
	}, h.Now())
	if err != nil {
		scanError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"ok":           true,
		"attendance":   out.Attendance,
		"result":       out.Attendance.Result,
		"status":       out.Attendance.Status,
		"site_name":    out.SiteName,
		"minutes_late": out.MinutesLate,
	})
}

var scanStatus = map[attendance.Reason]int{
	attendance.ReasonInvalidOrExpiredQr:  http.StatusUnauthorized,
	attendance.ReasonAlreadyScanned:      http.StatusConflict,
	attendance.ReasonDuplicateAttendance: http.StatusConflict,
	attendance.ReasonSiteUnavailable:     http.StatusBadRequest,
	attendance.ReasonInvalidCoordinate:   http.StatusBadRequest,
	attendance.ReasonOutOfRange:          http.StatusForbidden,
	attendance.ReasonNoScheduleFound:     http.StatusForbidden,
	attendance.ReasonWindowClosed:        http.StatusForbidden,
	attendance.ReasonTooEarly:            http.StatusForbidden,
	attendance.ReasonAmbiguousSchedule:   http.StatusForbidden,
}

var scanMessage = map[attendance.Reason]string{
	attendance.ReasonInvalidOrExpiredQr:  "The QR code is invalid or has expired. Scan a fresh code.",
	attendance.ReasonAlreadyScanned:      "You already checked in with this code.",
	attendance.ReasonDuplicateAttendance: "Your attendance for today is already recorded.",
	attendance.ReasonSiteUnavailable:     "This site is not accepting check-ins.",
	attendance.ReasonInvalidCoordinate:   "Your location could not be read.",
	attendance.ReasonOutOfRange:          "You are too far from the site.",
	attendance.ReasonNoScheduleFound:     "You have no schedule at this site today.",
	attendance.ReasonWindowClosed:        "The check-in window has closed.",
	attendance.ReasonTooEarly:            "The check-in window has not opened yet.",
	attendance.ReasonAmbiguousSchedule:   "More than one schedule matches right now. Contact an administrator.",
}

func scanError(c *gin.Context, err error) {
	var e *attendance.Error
	if !errors.As(err, &e) {
		fail(c, http.StatusInternalServerError, string(attendance.ReasonInternal), "Something went wrong. Try again.")
		return
	}
	body := gin.H{"ok": false, "reason": e.Reason, "message": scanMessage[e.Reason]}
	if e.Distance != nil {
		body["distance_meters"] = *e.Distance
	}
	if e.Existing != nil {
		body["existing"] = e.Existing
		body["result"] = e.Existing.Result
	}
	status, ok := scanStatus[e.Reason]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *Handler) mine(c *gin.Context) {
	records, err := h.Reports.Mine(c.Request.Context(), caller(c).UserID())
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not load attendance")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "attendance": records})
}

func (h *Handler) mySchedules(c *gin.Context) {
	ctx := c.Request.Context()
	classroomID, err := h.Store.ClassroomOf(ctx, caller(c).UserID())
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not load schedules")
		return
	}
	if classroomID == "" {
		c.JSON(http.StatusOK, gin.H{"ok": true, "schedules": []any{}})
		return
	}
	schedules, err := h.Store.SchedulesForClassroom(ctx, classroomID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "INTERNAL", "could not load schedules")
		return
	}
	if schedules == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "classroom_id": classroomID, "schedules": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "classroom_id": classroomID, "schedules": schedules})
}
