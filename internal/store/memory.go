package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"geoattend/internal/model"
	"geoattend/internal/schedule"
)

// Memory is a mutex-guarded store for development and tests. It enforces
// the same unique constraints as the Postgres schema.
type Memory struct {
	mu          sync.Mutex
	sites       map[string]model.Site
	classrooms  map[string]model.Classroom
	users       map[string]model.User
	schedules   map[string]model.Schedule
	sessions    map[string]model.QrSession
	sessionKeys map[string]string // site|key -> session id
	attendance  map[string]model.Attendance
	byUserDay   map[string]string // user|date -> attendance id
	byUserQR    map[string]string // user|session -> attendance id
	settings    *model.AppSetting
	audit       []model.AuditEvent
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		sites:       make(map[string]model.Site),
		classrooms:  make(map[string]model.Classroom),
		users:       make(map[string]model.User),
		schedules:   make(map[string]model.Schedule),
		sessions:    make(map[string]model.QrSession),
		sessionKeys: make(map[string]string),
		attendance:  make(map[string]model.Attendance),
		byUserDay:   make(map[string]string),
		byUserQR:    make(map[string]string),
	}
}

// ---------- Sites, classrooms, users ----------

// CreateSite stores a site, assigning an id when missing.
func (m *Memory) CreateSite(_ context.Context, s model.Site) (model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.sites[s.ID] = s
	return s, nil
}

func (m *Memory) GetSite(_ context.Context, id string) (*model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) FirstActiveSite(_ context.Context) (*model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first *model.Site
	for _, s := range m.sites {
		if !s.Active {
			continue
		}
		if first == nil || s.CreatedAt.Before(first.CreatedAt) {
			s := s
			first = &s
		}
	}
	return first, nil
}

// AddClassroom stores a classroom.
func (m *Memory) AddClassroom(c model.Classroom) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classrooms[c.ID] = c
}

// AddUser stores a user.
func (m *Memory) AddUser(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// CreateClassroom stores a classroom on an existing site.
func (m *Memory) CreateClassroom(_ context.Context, c model.Classroom) (model.Classroom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sites[c.SiteID]; !ok {
		return model.Classroom{}, fmt.Errorf("%w: site %s", ErrReference, c.SiteID)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.classrooms[c.ID] = c
	return c, nil
}

func (m *Memory) GetClassroom(_ context.Context, id string) (*model.Classroom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.classrooms[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// UpsertUser creates or replaces a user. The classroom, when set, must exist
// and emails are unique.
func (m *Memory) UpsertUser(_ context.Context, u model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ClassroomID != nil {
		if _, ok := m.classrooms[*u.ClassroomID]; !ok {
			return model.User{}, fmt.Errorf("%w: classroom %s", ErrReference, *u.ClassroomID)
		}
	}
	for id, other := range m.users {
		if id != u.ID && u.Email != "" && other.Email == u.Email {
			return model.User{}, fmt.Errorf("%w: email %s", ErrDuplicate, u.Email)
		}
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) ClassroomOf(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.ClassroomID == nil {
		return "", nil
	}
	return *u.ClassroomID, nil
}

// ---------- Schedules ----------

func (m *Memory) CreateSchedule(_ context.Context, s model.Schedule) (model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.DaysOfWeek = append([]int(nil), s.DaysOfWeek...)
	m.schedules[s.ID] = s
	return s, nil
}

func (m *Memory) ActiveSchedules(_ context.Context, q schedule.Query) ([]model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Schedule
	for _, s := range m.schedules {
		if !s.Active || s.SiteID != q.SiteID || !s.HasDay(q.Weekday) {
			continue
		}
		byClass := q.ClassroomID != "" && s.ClassroomID == q.ClassroomID
		byUser := q.UserID != "" && s.UserID != nil && *s.UserID == q.UserID
		if byClass || byUser {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (m *Memory) SchedulesForClassroom(_ context.Context, classroomID string) ([]model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Schedule
	for _, s := range m.schedules {
		if s.Active && s.ClassroomID == classroomID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

// ---------- QR sessions ----------

func (m *Memory) UpsertDailySession(_ context.Context, s model.QrSession) (model.QrSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.SiteID + "|" + s.SessionKey
	if id, ok := m.sessionKeys[key]; ok {
		return m.sessions[id], nil
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.ID] = s
	m.sessionKeys[key] = s.ID
	return s, nil
}

func (m *Memory) CreateSession(_ context.Context, s model.QrSession) (model.QrSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.SiteID + "|" + s.SessionKey
	if _, ok := m.sessionKeys[key]; ok {
		return model.QrSession{}, ErrDuplicate
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.ID] = s
	m.sessionKeys[key] = s.ID
	return s, nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*model.QrSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ExpireSession(_ context.Context, id string, at time.Time) (*model.QrSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	if at.Before(s.ExpiresAt) {
		s.ExpiresAt = at
		m.sessions[id] = s
	}
	return &s, nil
}

func (m *Memory) ListSessions(_ context.Context, limit int) ([]model.QrSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.QrSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountSessionScans(_ context.Context, sessionID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total, confirmed int
	for _, a := range m.attendance {
		if a.QrSessionID != sessionID {
			continue
		}
		total++
		if a.Status == model.StatusConfirmed {
			confirmed++
		}
	}
	return total, confirmed, nil
}

// ---------- Attendance ----------

func (m *Memory) FindBySession(_ context.Context, userID, sessionID string) (*model.Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byUserQR[userID+"|"+sessionID]
	if !ok {
		return nil, nil
	}
	a := m.attendance[id]
	return &a, nil
}

func (m *Memory) InsertAttendance(_ context.Context, a model.Attendance) (model.Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dayKey := a.UserID + "|" + a.DateKey
	qrKey := a.UserID + "|" + a.QrSessionID
	if _, ok := m.byUserDay[dayKey]; ok {
		return model.Attendance{}, ErrDuplicate
	}
	if _, ok := m.byUserQR[qrKey]; ok {
		return model.Attendance{}, ErrDuplicate
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.attendance[a.ID] = a
	m.byUserDay[dayKey] = a.ID
	m.byUserQR[qrKey] = a.ID
	return a, nil
}

func (m *Memory) GetAttendance(_ context.Context, id string) (*model.Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attendance[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) ReviewAttendance(_ context.Context, id string, status model.Status, reviewerID, reason string, at time.Time) (model.Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attendance[id]
	if !ok {
		return model.Attendance{}, ErrNotFound
	}
	if a.Status != model.StatusPending {
		return a, ErrConflict
	}
	a.Status = status
	a.ReviewedBy = &reviewerID
	a.ReviewedAt = &at
	if reason != "" {
		a.RejectionReason = &reason
	}
	m.attendance[id] = a
	return a, nil
}

func (m *Memory) ListAttendance(_ context.Context, f model.AttendanceFilter) ([]model.Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Attendance{}
	for _, a := range m.attendance {
		if f.DateKey != "" && a.DateKey != f.DateKey {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.ClassroomID != "" && m.classroomOfLocked(a.UserID) != f.ClassroomID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) SummarizeAttendance(_ context.Context, f model.ReportFilter) (model.AttendanceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum model.AttendanceSummary
	late := map[string]int{}
	for _, a := range m.attendance {
		if f.From != nil && a.MarkedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && a.MarkedAt.After(*f.To) {
			continue
		}
		classroom := m.classroomOfLocked(a.UserID)
		if f.ClassroomID != "" && classroom != f.ClassroomID {
			continue
		}
		countInto(&sum, a.Result, a.Status, 1)
		if a.Result == model.ResultLate {
			if c, ok := m.classrooms[classroom]; ok {
				late[c.Name]++
			}
		}
	}
	for name, n := range late {
		sum.TopClassroomsLate = append(sum.TopClassroomsLate, model.ClassroomCount{Classroom: name, Count: n})
	}
	sort.Slice(sum.TopClassroomsLate, func(i, j int) bool {
		a, b := sum.TopClassroomsLate[i], sum.TopClassroomsLate[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Classroom < b.Classroom
	})
	if len(sum.TopClassroomsLate) > topClassrooms {
		sum.TopClassroomsLate = sum.TopClassroomsLate[:topClassrooms]
	}
	finishSummary(&sum)
	return sum, nil
}

func (m *Memory) classroomOfLocked(userID string) string {
	if u, ok := m.users[userID]; ok && u.ClassroomID != nil {
		return *u.ClassroomID
	}
	return ""
}

// ---------- Settings ----------

func (m *Memory) GetOrCreateSettings(_ context.Context) (model.AppSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		s := model.DefaultAppSetting()
		s.UpdatedAt = time.Now().UTC()
		m.settings = &s
	}
	return *m.settings, nil
}

func (m *Memory) SaveSettings(_ context.Context, s model.AppSetting) (model.AppSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	m.settings = &s
	return s, nil
}

// ---------- Audit ----------

func (m *Memory) InsertAudit(_ context.Context, evt model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	m.audit = append(m.audit, evt)
	return nil
}

// AuditEvents returns a copy of every stored audit event.
func (m *Memory) AuditEvents() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEvent(nil), m.audit...)
}
