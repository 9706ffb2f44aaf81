package model

import "time"

// Role is the authenticated caller role.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// Result is the arrival classification of an attendance record.
type Result string

const (
	ResultOnTime Result = "ON_TIME"
	ResultLate   Result = "LATE"
)

// Status is the review state of an attendance record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
)

// SessionMode selects how a QR session key is scoped.
type SessionMode string

const (
	// ModeDaily keeps one session per site per calendar day.
	ModeDaily SessionMode = "daily"
	// ModeRotating creates a short-lived session on every issue.
	ModeRotating SessionMode = "rotating"
)

// Site is a physical location with a check-in geofence.
type Site struct {
	ID                  string    `json:"id" db:"id"`
	Name                string    `json:"name" db:"name" validate:"required"`
	Address             string    `json:"address" db:"address"`
	Lat                 float64   `json:"lat" db:"lat" validate:"latitude"`
	Lng                 float64   `json:"lng" db:"lng" validate:"longitude"`
	AllowedRadiusMeters *float64  `json:"allowed_radius_meters,omitempty" db:"allowed_radius_meters" validate:"omitempty,gt=0"`
	Active              bool      `json:"active" db:"is_active"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// Classroom groups students that share schedules.
type Classroom struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	SiteID string `json:"site_id" db:"site_id"`
	Active bool   `json:"active" db:"is_active"`
}

// User is the subset of account data the pipeline reads.
type User struct {
	ID          string  `json:"id" db:"id"`
	Name        string  `json:"name" db:"name"`
	Email       string  `json:"email" db:"email"`
	Role        Role    `json:"role" db:"role"`
	ClassroomID *string `json:"classroom_id,omitempty" db:"classroom_id"`
	Active      bool    `json:"active" db:"is_active"`
}

// Schedule is a recurring check-in window. Times are "HH:MM" in the
// institution timezone.
type Schedule struct {
	ID               string    `json:"id"`
	ClassroomID      string    `json:"classroom_id" validate:"required"`
	UserID           *string   `json:"user_id,omitempty"`
	SiteID           string    `json:"site_id" validate:"required"`
	DaysOfWeek       []int     `json:"days_of_week" validate:"dive,min=0,max=6"`
	StartTime        string    `json:"start_time" validate:"required,datetime=15:04"`
	EndTime          string    `json:"end_time" validate:"required,datetime=15:04"`
	LateAfterMinutes int       `json:"late_after_minutes" validate:"min=0"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}

// HasDay reports whether the schedule applies on the given weekday.
func (s Schedule) HasDay(d time.Weekday) bool {
	for _, v := range s.DaysOfWeek {
		if v == int(d) {
			return true
		}
	}
	return false
}

// QrSession is a time-boxed, site-scoped credential for check-in.
type QrSession struct {
	ID         string      `json:"id" db:"id"`
	SiteID     string      `json:"site_id" db:"site_id"`
	SessionKey string      `json:"session_key" db:"session_key"`
	Mode       SessionMode `json:"mode" db:"mode"`
	ExpiresAt  time.Time   `json:"expires_at" db:"expires_at"`
	CreatedBy  string      `json:"created_by" db:"created_by"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// ActiveAt reports whether the session still accepts scans at t.
func (s QrSession) ActiveAt(t time.Time) bool {
	return t.Before(s.ExpiresAt)
}

// Attendance is the authoritative check-in record.
type Attendance struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	SiteID          string     `json:"site_id" db:"site_id"`
	ScheduleID      *string    `json:"schedule_id,omitempty" db:"schedule_id"`
	QrSessionID     string     `json:"qr_session_id" db:"qr_session_id"`
	DateKey         string     `json:"date_key" db:"date_key"`
	MarkedAt        time.Time  `json:"marked_at" db:"marked_at"`
	Lat             float64    `json:"lat" db:"lat"`
	Lng             float64    `json:"lng" db:"lng"`
	DistanceMeters  float64    `json:"distance_meters" db:"distance_meters"`
	Result          Result     `json:"result" db:"result"`
	Status          Status     `json:"status" db:"status"`
	ReviewedBy      *string    `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`
	RejectionReason *string    `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// AppSetting holds global defaults. There is exactly one row.
type AppSetting struct {
	LateDefaultMinutes         int       `json:"late_default_minutes" db:"late_default_minutes"`
	QRRequired                 bool      `json:"qr_required" db:"qr_required"`
	DefaultAllowedRadiusMeters float64   `json:"default_allowed_radius_meters" db:"default_allowed_radius_meters"`
	UpdatedAt                  time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultAppSetting is what a fresh installation starts with.
func DefaultAppSetting() AppSetting {
	return AppSetting{
		LateDefaultMinutes:         10,
		QRRequired:                 true,
		DefaultAllowedRadiusMeters: 50,
	}
}

// AuditEvent is an append-only record of an actor's action.
type AuditEvent struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AttendanceFilter narrows admin listings.
type AttendanceFilter struct {
	DateKey     string
	Status      Status
	UserID      string
	ClassroomID string
	Limit       int
}

// ReportFilter bounds a summary by marked time and classroom.
type ReportFilter struct {
	From        *time.Time
	To          *time.Time
	ClassroomID string
}

// ClassroomCount is one row of the late-arrivals leaderboard.
type ClassroomCount struct {
	Classroom string `json:"classroom" db:"classroom"`
	Count     int    `json:"count" db:"count"`
}

// AttendanceSummary aggregates records matching a ReportFilter.
type AttendanceSummary struct {
	TotalRecords      int              `json:"total_records"`
	OnTimeCount       int              `json:"on_time_count"`
	LateCount         int              `json:"late_count"`
	PendingCount      int              `json:"pending_count"`
	ConfirmedCount    int              `json:"confirmed_count"`
	RejectedCount     int              `json:"rejected_count"`
	PresentRate       float64          `json:"present_rate"`
	LateRate          float64          `json:"late_rate"`
	TopClassroomsLate []ClassroomCount `json:"top_classrooms_late"`
}
