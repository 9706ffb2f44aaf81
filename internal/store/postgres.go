package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"geoattend/internal/model"
	"geoattend/internal/schedule"
)

// Repository persists every entity in Postgres.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// ---------- Sites ----------

const siteColumns = `id, name, address, lat, lng, allowed_radius_meters, is_active, created_at`

// CreateSite inserts a site.
func (r *Repository) CreateSite(ctx context.Context, s model.Site) (model.Site, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO sites (id, name, address, lat, lng, allowed_radius_meters, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, s.ID, s.Name, s.Address, s.Lat, s.Lng, s.AllowedRadiusMeters, s.Active).Scan(&s.CreatedAt)
	if err != nil {
		return model.Site{}, translate(err)
	}
	return s, nil
}

// GetSite returns a site or nil when missing.
func (r *Repository) GetSite(ctx context.Context, id string) (*model.Site, error) {
	var s model.Site
	if err := r.db.GetContext(ctx, &s, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id); err != nil {
		return nil, noRows(err)
	}
	return &s, nil
}

// FirstActiveSite returns the oldest active site.
func (r *Repository) FirstActiveSite(ctx context.Context) (*model.Site, error) {
	var s model.Site
	err := r.db.GetContext(ctx, &s, `SELECT `+siteColumns+` FROM sites WHERE is_active ORDER BY created_at LIMIT 1`)
	if err != nil {
		return nil, noRows(err)
	}
	return &s, nil
}

// ClassroomOf returns the classroom of a user, empty when unassigned.
func (r *Repository) ClassroomOf(ctx context.Context, userID string) (string, error) {
	var id sql.NullString
	err := r.db.GetContext(ctx, &id, `SELECT classroom_id FROM users WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id.String, nil
}

// CreateClassroom inserts a classroom. An unknown site yields ErrReference.
func (r *Repository) CreateClassroom(ctx context.Context, c model.Classroom) (model.Classroom, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO classrooms (id, name, site_id, is_active) VALUES ($1,$2,$3,$4)
	`, c.ID, c.Name, c.SiteID, c.Active)
	if err != nil {
		return model.Classroom{}, translate(err)
	}
	return c, nil
}

func (r *Repository) GetClassroom(ctx context.Context, id string) (*model.Classroom, error) {
	var c model.Classroom
	if err := r.db.GetContext(ctx, &c, `SELECT id, name, site_id, is_active FROM classrooms WHERE id = $1`, id); err != nil {
		return nil, noRows(err)
	}
	return &c, nil
}

// UpsertUser creates or replaces a user keyed by id.
func (r *Repository) UpsertUser(ctx context.Context, u model.User) (model.User, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, classroom_id, is_active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			classroom_id = EXCLUDED.classroom_id,
			is_active = EXCLUDED.is_active
	`, u.ID, u.Name, u.Email, u.Role, u.ClassroomID, u.Active)
	if err != nil {
		return model.User{}, translate(err)
	}
	return u, nil
}

// ---------- Schedules ----------

type scheduleRow struct {
	ID               string         `db:"id"`
	ClassroomID      string         `db:"classroom_id"`
	UserID           sql.NullString `db:"user_id"`
	SiteID           string         `db:"site_id"`
	DaysMask         int            `db:"days_mask"`
	StartTime        string         `db:"start_time"`
	EndTime          string         `db:"end_time"`
	LateAfterMinutes int            `db:"late_after_minutes"`
	Active           bool           `db:"is_active"`
	CreatedAt        time.Time      `db:"created_at"`
}

const scheduleColumns = `id, classroom_id, user_id, site_id, days_mask, start_time, end_time, late_after_minutes, is_active, created_at`

func (row scheduleRow) model() model.Schedule {
	s := model.Schedule{
		ID:               row.ID,
		ClassroomID:      row.ClassroomID,
		SiteID:           row.SiteID,
		DaysOfWeek:       maskDays(row.DaysMask),
		StartTime:        row.StartTime,
		EndTime:          row.EndTime,
		LateAfterMinutes: row.LateAfterMinutes,
		Active:           row.Active,
		CreatedAt:        row.CreatedAt,
	}
	if row.UserID.Valid {
		s.UserID = &row.UserID.String
	}
	return s
}

// daysMask packs weekdays into bits 0 (Sunday) to 6 (Saturday).
func daysMask(days []int) int {
	mask := 0
	for _, d := range days {
		mask |= 1 << d
	}
	return mask
}

func maskDays(mask int) []int {
	days := []int{}
	for d := 0; d < 7; d++ {
		if mask&(1<<d) != 0 {
			days = append(days, d)
		}
	}
	return days
}

// CreateSchedule inserts a schedule.
func (r *Repository) CreateSchedule(ctx context.Context, s model.Schedule) (model.Schedule, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO schedules (id, classroom_id, user_id, site_id, days_mask, start_time, end_time, late_after_minutes, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, s.ID, s.ClassroomID, s.UserID, s.SiteID, daysMask(s.DaysOfWeek), s.StartTime, s.EndTime, s.LateAfterMinutes, s.Active).Scan(&s.CreatedAt)
	if err != nil {
		return model.Schedule{}, translate(err)
	}
	return s, nil
}

// ActiveSchedules returns active schedules for a classroom (and optionally
// a legacy per-user assignment) on a site and weekday.
func (r *Repository) ActiveSchedules(ctx context.Context, q schedule.Query) ([]model.Schedule, error) {
	var rows []scheduleRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE is_active
		  AND site_id = $1
		  AND days_mask & $2 <> 0
		  AND (($3 <> '' AND classroom_id = $3) OR ($4 <> '' AND user_id = $4))
		ORDER BY start_time
	`, q.SiteID, 1<<int(q.Weekday), q.ClassroomID, q.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Schedule, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

// SchedulesForClassroom lists the active schedules of a classroom.
func (r *Repository) SchedulesForClassroom(ctx context.Context, classroomID string) ([]model.Schedule, error) {
	var rows []scheduleRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE classroom_id = $1 AND is_active
		ORDER BY start_time
	`, classroomID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Schedule, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

// ---------- QR sessions ----------

const sessionColumns = `id, site_id, session_key, mode, expires_at, created_by, created_at`

// UpsertDailySession finds or creates the session for (site, key) in one
// statement. The no-op update makes RETURNING yield the existing row.
func (r *Repository) UpsertDailySession(ctx context.Context, s model.QrSession) (model.QrSession, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	var out model.QrSession
	err := r.db.GetContext(ctx, &out, `
		INSERT INTO qr_sessions (id, site_id, session_key, mode, expires_at, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (site_id, session_key) DO UPDATE SET site_id = qr_sessions.site_id
		RETURNING `+sessionColumns,
		s.ID, s.SiteID, s.SessionKey, s.Mode, s.ExpiresAt, s.CreatedBy, s.CreatedAt)
	if err != nil {
		return model.QrSession{}, translate(err)
	}
	return out, nil
}

// CreateSession inserts a new session.
func (r *Repository) CreateSession(ctx context.Context, s model.QrSession) (model.QrSession, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	var out model.QrSession
	err := r.db.GetContext(ctx, &out, `
		INSERT INTO qr_sessions (id, site_id, session_key, mode, expires_at, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING `+sessionColumns,
		s.ID, s.SiteID, s.SessionKey, s.Mode, s.ExpiresAt, s.CreatedBy, s.CreatedAt)
	if err != nil {
		return model.QrSession{}, translate(err)
	}
	return out, nil
}

// GetSession returns a session or nil when missing.
func (r *Repository) GetSession(ctx context.Context, id string) (*model.QrSession, error) {
	var s model.QrSession
	if err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM qr_sessions WHERE id = $1`, id); err != nil {
		return nil, noRows(err)
	}
	return &s, nil
}

// ExpireSession pulls expires_at back to at; later calls never extend it.
func (r *Repository) ExpireSession(ctx context.Context, id string, at time.Time) (*model.QrSession, error) {
	var s model.QrSession
	err := r.db.GetContext(ctx, &s, `
		UPDATE qr_sessions SET expires_at = LEAST(expires_at, $2)
		WHERE id = $1
		RETURNING `+sessionColumns, id, at)
	if err != nil {
		return nil, noRows(err)
	}
	return &s, nil
}

// ListSessions returns the newest sessions first.
func (r *Repository) ListSessions(ctx context.Context, limit int) ([]model.QrSession, error) {
	out := []model.QrSession{}
	err := r.db.SelectContext(ctx, &out, `SELECT `+sessionColumns+` FROM qr_sessions ORDER BY created_at DESC LIMIT $1`, limit)
	return out, err
}

// CountSessionScans counts attendance collected by a session.
func (r *Repository) CountSessionScans(ctx context.Context, sessionID string) (int, int, error) {
	var counts struct {
		Total     int `db:"total"`
		Confirmed int `db:"confirmed"`
	}
	err := r.db.GetContext(ctx, &counts, `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'CONFIRMED') AS confirmed
		FROM attendances WHERE qr_session_id = $1
	`, sessionID)
	return counts.Total, counts.Confirmed, err
}

// ---------- Attendance ----------

const attendanceColumns = `id, user_id, site_id, schedule_id, qr_session_id, date_key, marked_at, lat, lng,
	distance_meters, result, status, reviewed_by, reviewed_at, rejection_reason, created_at`

// FindBySession returns the record a user made with a session, if any.
func (r *Repository) FindBySession(ctx context.Context, userID, sessionID string) (*model.Attendance, error) {
	var a model.Attendance
	err := r.db.GetContext(ctx, &a, `SELECT `+attendanceColumns+` FROM attendances WHERE user_id = $1 AND qr_session_id = $2`, userID, sessionID)
	if err != nil {
		return nil, noRows(err)
	}
	return &a, nil
}

// InsertAttendance writes a record in a single statement. Unique
// violations surface as ErrDuplicate.
func (r *Repository) InsertAttendance(ctx context.Context, a model.Attendance) (model.Attendance, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO attendances (id, user_id, site_id, schedule_id, qr_session_id, date_key, marked_at, lat, lng, distance_meters, result, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at
	`, a.ID, a.UserID, a.SiteID, a.ScheduleID, a.QrSessionID, a.DateKey, a.MarkedAt, a.Lat, a.Lng, a.DistanceMeters, a.Result, a.Status).Scan(&a.CreatedAt)
	if err != nil {
		return model.Attendance{}, translate(err)
	}
	return a, nil
}

// GetAttendance returns a record or nil when missing.
func (r *Repository) GetAttendance(ctx context.Context, id string) (*model.Attendance, error) {
	var a model.Attendance
	if err := r.db.GetContext(ctx, &a, `SELECT `+attendanceColumns+` FROM attendances WHERE id = $1`, id); err != nil {
		return nil, noRows(err)
	}
	return &a, nil
}

// ReviewAttendance moves a PENDING record to status. It returns ErrNotFound
// for unknown ids and ErrConflict (with the current row) otherwise.
func (r *Repository) ReviewAttendance(ctx context.Context, id string, status model.Status, reviewerID, reason string, at time.Time) (model.Attendance, error) {
	var a model.Attendance
	err := r.db.GetContext(ctx, &a, `
		UPDATE attendances
		SET status = $2, reviewed_by = $3, reviewed_at = $4, rejection_reason = NULLIF($5, '')
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+attendanceColumns, id, status, reviewerID, at, reason)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Attendance{}, err
	}
	current, err := r.GetAttendance(ctx, id)
	if err != nil {
		return model.Attendance{}, err
	}
	if current == nil {
		return model.Attendance{}, ErrNotFound
	}
	return *current, ErrConflict
}

// ListAttendance returns records with basic filters, newest first.
func (r *Repository) ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.Attendance, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT ` + attendanceColumns + ` FROM attendances`
	args := []any{}
	clauses := []string{}
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.DateKey != "" {
		add("date_key = $%d", f.DateKey)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ClassroomID != "" {
		add("user_id IN (SELECT id FROM users WHERE classroom_id = $%d)", f.ClassroomID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY marked_at DESC LIMIT $%d", len(args))

	out := []model.Attendance{}
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// SummarizeAttendance aggregates counts and the late-arrival leaderboard.
func (r *Repository) SummarizeAttendance(ctx context.Context, f model.ReportFilter) (model.AttendanceSummary, error) {
	where, args := reportWhere(f)

	var counts []struct {
		Result string `db:"result"`
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := r.db.SelectContext(ctx, &counts, `
		SELECT a.result, a.status, COUNT(*) AS n
		FROM attendances a LEFT JOIN users u ON u.id = a.user_id
		`+where+`
		GROUP BY a.result, a.status`, args...)
	if err != nil {
		return model.AttendanceSummary{}, err
	}

	var sum model.AttendanceSummary
	for _, c := range counts {
		countInto(&sum, model.Result(c.Result), model.Status(c.Status), c.N)
	}

	lateWhere := where + " AND a.result = 'LATE'"
	if where == "" {
		lateWhere = "WHERE a.result = 'LATE'"
	}
	err = r.db.SelectContext(ctx, &sum.TopClassroomsLate, `
		SELECT c.name AS classroom, COUNT(*) AS count
		FROM attendances a
		JOIN users u ON u.id = a.user_id
		JOIN classrooms c ON c.id = u.classroom_id
		`+lateWhere+`
		GROUP BY c.name
		ORDER BY COUNT(*) DESC, c.name
		LIMIT `+fmt.Sprint(topClassrooms), args...)
	if err != nil {
		return model.AttendanceSummary{}, err
	}
	finishSummary(&sum)
	return sum, nil
}

func reportWhere(f model.ReportFilter) (string, []any) {
	args := []any{}
	clauses := []string{}
	if f.From != nil {
		args = append(args, *f.From)
		clauses = append(clauses, fmt.Sprintf("a.marked_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		clauses = append(clauses, fmt.Sprintf("a.marked_at <= $%d", len(args)))
	}
	if f.ClassroomID != "" {
		args = append(args, f.ClassroomID)
		clauses = append(clauses, fmt.Sprintf("u.classroom_id = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ---------- Settings ----------

const settingsColumns = `late_default_minutes, qr_required, default_allowed_radius_meters, updated_at`

// GetOrCreateSettings returns the singleton row, inserting defaults first.
func (r *Repository) GetOrCreateSettings(ctx context.Context) (model.AppSetting, error) {
	d := model.DefaultAppSetting()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO app_settings (id, late_default_minutes, qr_required, default_allowed_radius_meters)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, d.LateDefaultMinutes, d.QRRequired, d.DefaultAllowedRadiusMeters)
	if err != nil {
		return model.AppSetting{}, err
	}
	var s model.AppSetting
	err = r.db.GetContext(ctx, &s, `SELECT `+settingsColumns+` FROM app_settings WHERE id = 1`)
	return s, err
}

// SaveSettings overwrites the singleton row.
func (r *Repository) SaveSettings(ctx context.Context, s model.AppSetting) (model.AppSetting, error) {
	var out model.AppSetting
	err := r.db.GetContext(ctx, &out, `
		INSERT INTO app_settings (id, late_default_minutes, qr_required, default_allowed_radius_meters, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			late_default_minutes = EXCLUDED.late_default_minutes,
			qr_required = EXCLUDED.qr_required,
			default_allowed_radius_meters = EXCLUDED.default_allowed_radius_meters,
			updated_at = NOW()
		RETURNING `+settingsColumns, s.LateDefaultMinutes, s.QRRequired, s.DefaultAllowedRadiusMeters)
	return out, err
}

// ---------- Audit ----------

// InsertAudit appends an audit event.
func (r *Repository) InsertAudit(ctx context.Context, evt model.AuditEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(evt.Meta)
	if err != nil {
		return fmt.Errorf("encode audit meta: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, action, target_type, target_id, meta, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.ActorID, evt.Action, evt.TargetType, evt.TargetID, string(meta), evt.CreatedAt)
	return err
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}
