package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/model"
	"geoattend/internal/schedule"
)

func record(user, session, day string, at time.Time, result model.Result, status model.Status) model.Attendance {
	return model.Attendance{
		UserID: user, SiteID: "s1", QrSessionID: session, DateKey: day,
		MarkedAt: at, Result: result, Status: status,
	}
}

func TestInsertAttendanceUniqueness(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	_, err := m.InsertAttendance(ctx, record("u1", "q1", "2024-01-08", now, model.ResultOnTime, model.StatusPending))
	require.NoError(t, err)

	_, err = m.InsertAttendance(ctx, record("u1", "q2", "2024-01-08", now, model.ResultOnTime, model.StatusPending))
	assert.ErrorIs(t, err, ErrDuplicate, "same user and day")

	_, err = m.InsertAttendance(ctx, record("u1", "q1", "2024-01-09", now, model.ResultOnTime, model.StatusPending))
	assert.ErrorIs(t, err, ErrDuplicate, "same user and session")

	_, err = m.InsertAttendance(ctx, record("u2", "q1", "2024-01-08", now, model.ResultOnTime, model.StatusPending))
	assert.NoError(t, err)

	found, err := m.FindBySession(ctx, "u1", "q1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "2024-01-08", found.DateKey)
}

func TestInsertAttendanceConcurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		dups int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.InsertAttendance(ctx, record("u1", "q1", "2024-01-08", time.Now(), model.ResultOnTime, model.StatusPending))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
			} else if assert.ErrorIs(t, err, ErrDuplicate) {
				dups++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, oks)
	assert.Equal(t, 19, dups)
}

func TestReviewAttendanceTransitions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a, err := m.InsertAttendance(ctx, record("u1", "q1", "2024-01-08", time.Now(), model.ResultLate, model.StatusPending))
	require.NoError(t, err)

	at := time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
	out, err := m.ReviewAttendance(ctx, a.ID, model.StatusRejected, "admin", "not in class", at)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, out.Status)
	require.NotNil(t, out.RejectionReason)
	assert.Equal(t, "not in class", *out.RejectionReason)
	assert.Equal(t, "admin", *out.ReviewedBy)

	current, err := m.ReviewAttendance(ctx, a.ID, model.StatusConfirmed, "admin", "", at)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, model.StatusRejected, current.Status)

	_, err = m.ReviewAttendance(ctx, "missing", model.StatusConfirmed, "admin", "", at)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionsUpsertAndExpire(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	exp := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)
	s := model.QrSession{SiteID: "s1", SessionKey: "2024-01-08", Mode: model.ModeDaily, ExpiresAt: exp}

	first, err := m.UpsertDailySession(ctx, s)
	require.NoError(t, err)
	second, err := m.UpsertDailySession(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = m.CreateSession(ctx, s)
	assert.ErrorIs(t, err, ErrDuplicate)

	early := exp.Add(-time.Hour)
	got, err := m.ExpireSession(ctx, first.ID, early)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(early))

	got, err = m.ExpireSession(ctx, first.ID, exp.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(early))

	missing, err := m.ExpireSession(ctx, "nope", early)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestActiveSchedulesFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := "u9"
	for _, s := range []model.Schedule{
		{ID: "a", ClassroomID: "c1", SiteID: "s1", DaysOfWeek: []int{1}, StartTime: "08:00", EndTime: "09:00", Active: true},
		{ID: "b", ClassroomID: "c1", SiteID: "s1", DaysOfWeek: []int{1}, StartTime: "10:00", EndTime: "11:00", Active: false},
		{ID: "c", ClassroomID: "c1", SiteID: "s2", DaysOfWeek: []int{1}, StartTime: "08:00", EndTime: "09:00", Active: true},
		{ID: "d", ClassroomID: "c2", SiteID: "s1", DaysOfWeek: []int{2}, StartTime: "08:00", EndTime: "09:00", Active: true},
		{ID: "e", ClassroomID: "c3", UserID: &user, SiteID: "s1", DaysOfWeek: []int{1}, StartTime: "07:00", EndTime: "08:00", Active: true},
	} {
		_, err := m.CreateSchedule(ctx, s)
		require.NoError(t, err)
	}

	got, err := m.ActiveSchedules(ctx, schedule.Query{ClassroomID: "c1", SiteID: "s1", Weekday: time.Monday})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	got, err = m.ActiveSchedules(ctx, schedule.Query{ClassroomID: "c1", UserID: user, SiteID: "s1", Weekday: time.Monday})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e", got[0].ID)
}

func TestSummarizeAttendance(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	c1, c2 := "c1", "c2"
	m.AddClassroom(model.Classroom{ID: c1, Name: "1A"})
	m.AddClassroom(model.Classroom{ID: c2, Name: "2B"})
	m.AddUser(model.User{ID: "u1", ClassroomID: &c1})
	m.AddUser(model.User{ID: "u2", ClassroomID: &c1})
	m.AddUser(model.User{ID: "u3", ClassroomID: &c2})

	day := time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC)
	rows := []model.Attendance{
		record("u1", "q1", "2024-01-08", day, model.ResultLate, model.StatusConfirmed),
		record("u2", "q1", "2024-01-08", day, model.ResultLate, model.StatusPending),
		record("u3", "q1", "2024-01-08", day, model.ResultOnTime, model.StatusRejected),
	}
	for _, r := range rows {
		_, err := m.InsertAttendance(ctx, r)
		require.NoError(t, err)
	}

	sum, err := m.SummarizeAttendance(ctx, model.ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalRecords)
	assert.Equal(t, 1, sum.OnTimeCount)
	assert.Equal(t, 2, sum.LateCount)
	assert.Equal(t, 1, sum.PendingCount)
	assert.Equal(t, 1, sum.ConfirmedCount)
	assert.Equal(t, 1, sum.RejectedCount)
	assert.Equal(t, 33.3, sum.PresentRate)
	assert.Equal(t, 66.7, sum.LateRate)
	assert.Equal(t, []model.ClassroomCount{{Classroom: "1A", Count: 2}}, sum.TopClassroomsLate)

	sum, err = m.SummarizeAttendance(ctx, model.ReportFilter{ClassroomID: c2})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalRecords)
	assert.Empty(t, sum.TopClassroomsLate)
	assert.NotNil(t, sum.TopClassroomsLate)

	later := day.Add(time.Hour)
	sum, err = m.SummarizeAttendance(ctx, model.ReportFilter{From: &later})
	require.NoError(t, err)
	assert.Zero(t, sum.TotalRecords)
	assert.Zero(t, sum.PresentRate)
}

func TestDaysMaskRoundTrip(t *testing.T) {
	assert.Equal(t, 0b0111110, daysMask([]int{1, 2, 3, 4, 5}))
	assert.Equal(t, []int{0, 6}, maskDays(daysMask([]int{6, 0})))
	assert.Equal(t, []int{}, maskDays(0))
}

func TestSettingsDefaults(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s, err := m.GetOrCreateSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, s.LateDefaultMinutes)
	assert.Equal(t, 50.0, s.DefaultAllowedRadiusMeters)

	s.DefaultAllowedRadiusMeters = 75
	_, err = m.SaveSettings(ctx, s)
	require.NoError(t, err)
	s, err = m.GetOrCreateSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 75.0, s.DefaultAllowedRadiusMeters)
}

func TestEnrolmentReferences(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.CreateClassroom(ctx, model.Classroom{Name: "1A", SiteID: "nope"})
	require.ErrorIs(t, err, ErrReference)

	site, err := m.CreateSite(ctx, model.Site{Name: "Main", Active: true})
	require.NoError(t, err)
	room, err := m.CreateClassroom(ctx, model.Classroom{Name: "1A", SiteID: site.ID, Active: true})
	require.NoError(t, err)
	assert.NotEmpty(t, room.ID)

	got, err := m.GetClassroom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "1A", got.Name)
	missing, err := m.GetClassroom(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ghost := "nope"
	_, err = m.UpsertUser(ctx, model.User{ID: "u1", Email: "a@x.test", ClassroomID: &ghost})
	require.ErrorIs(t, err, ErrReference)

	_, err = m.UpsertUser(ctx, model.User{ID: "u1", Email: "a@x.test", ClassroomID: &room.ID})
	require.NoError(t, err)
	classroom, err := m.ClassroomOf(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, classroom)

	// re-saving the same user keeps its email
	_, err = m.UpsertUser(ctx, model.User{ID: "u1", Email: "a@x.test"})
	require.NoError(t, err)
	_, err = m.UpsertUser(ctx, model.User{ID: "u2", Email: "a@x.test"})
	require.ErrorIs(t, err, ErrDuplicate)
}
