package attendance

import (
	"context"

	"geoattend/internal/model"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	mineLimit        = 50
)

// ReportStore reads attendance for listings and summaries.
type ReportStore interface {
	ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.Attendance, error)
	SummarizeAttendance(ctx context.Context, f model.ReportFilter) (model.AttendanceSummary, error)
}

// Reports serves admin listings and the per-user history.
type Reports struct {
	store ReportStore
}

func NewReports(st ReportStore) *Reports {
	return &Reports{store: st}
}

// List returns records matching f, newest first.
func (r *Reports) List(ctx context.Context, f model.AttendanceFilter) ([]model.Attendance, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return r.store.ListAttendance(ctx, f)
}

// Mine returns the caller's latest records.
func (r *Reports) Mine(ctx context.Context, userID string) ([]model.Attendance, error) {
	return r.store.ListAttendance(ctx, model.AttendanceFilter{UserID: userID, Limit: mineLimit})
}

// Summary aggregates counts and rates for a period.
func (r *Reports) Summary(ctx context.Context, f model.ReportFilter) (model.AttendanceSummary, error) {
	return r.store.SummarizeAttendance(ctx, f)
}
