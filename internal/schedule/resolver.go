package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"geoattend/internal/model"
)

var (
	ErrNoScheduleFound   = errors.New("no schedule found")
	ErrWindowClosed      = errors.New("schedule window closed")
	ErrTooEarly          = errors.New("schedule window not open yet")
	ErrAmbiguousSchedule = errors.New("ambiguous schedule")
)

// Query selects active schedule candidates for one weekday.
type Query struct {
	ClassroomID string
	// UserID is only set when legacy per-user schedules are honored.
	UserID  string
	SiteID  string
	Weekday time.Weekday
}

// Store returns active schedules matching a Query.
type Store interface {
	ActiveSchedules(ctx context.Context, q Query) ([]model.Schedule, error)
}

// Subject identifies who is checking in.
type Subject struct {
	UserID      string
	ClassroomID string
}

// Resolution is the schedule that applies and how the arrival classifies.
type Resolution struct {
	Schedule    model.Schedule
	Result      model.Result
	MinutesLate int
	Weekday     time.Weekday
}

// Options tune the resolver. Location is required.
type Options struct {
	Location            *time.Location
	AllowEarly          bool
	LegacyUserSchedules bool
}

// Resolver picks the applicable schedule and classifies arrival time.
type Resolver struct {
	store Store
	opts  Options
}

// NewResolver creates a resolver bound to a fixed institution timezone.
func NewResolver(store Store, opts Options) *Resolver {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Resolver{store: store, opts: opts}
}

type window struct {
	sched      model.Schedule
	start, end int
}

// Resolve finds the active schedule for subject at siteID and classifies at.
func (r *Resolver) Resolve(ctx context.Context, subject Subject, siteID string, at time.Time) (Resolution, error) {
	local := at.In(r.opts.Location)
	weekday := local.Weekday()
	nowMin := local.Hour()*60 + local.Minute()

	q := Query{ClassroomID: subject.ClassroomID, SiteID: siteID, Weekday: weekday}
	if r.opts.LegacyUserSchedules {
		q.UserID = subject.UserID
	}
	if q.ClassroomID == "" && q.UserID == "" {
		return Resolution{}, ErrNoScheduleFound
	}

	candidates, err := r.store.ActiveSchedules(ctx, q)
	if err != nil {
		return Resolution{}, fmt.Errorf("load schedules: %w", err)
	}

	var windows []window
	for _, s := range candidates {
		if !s.Active || !s.HasDay(weekday) || s.SiteID != siteID {
			continue
		}
		start, end, err := Window(s)
		if err != nil {
			return Resolution{}, fmt.Errorf("schedule %s: %w", s.ID, err)
		}
		windows = append(windows, window{sched: s, start: start, end: end})
	}
	if len(windows) == 0 {
		return Resolution{}, ErrNoScheduleFound
	}

	var open, upcoming []window
	for _, w := range windows {
		switch {
		case nowMin >= w.start && nowMin <= w.end:
			open = append(open, w)
		case nowMin < w.start:
			upcoming = append(upcoming, w)
		}
	}

	res := Resolution{Weekday: weekday}
	switch {
	case len(open) > 0:
		w, err := tightest(open)
		if err != nil {
			return Resolution{}, err
		}
		res.Schedule = w.sched
		elapsed := nowMin - w.start
		if elapsed <= w.sched.LateAfterMinutes {
			res.Result = model.ResultOnTime
		} else {
			res.Result = model.ResultLate
			res.MinutesLate = elapsed - w.sched.LateAfterMinutes
		}
	case len(upcoming) > 0:
		if !r.opts.AllowEarly {
			return Resolution{}, ErrTooEarly
		}
		w, err := soonest(upcoming)
		if err != nil {
			return Resolution{}, err
		}
		res.Schedule = w.sched
		res.Result = model.ResultOnTime
	default:
		return Resolution{}, ErrWindowClosed
	}
	return res, nil
}

// tightest returns the open window that closes first.
func tightest(ws []window) (window, error) {
	best := ws[0]
	tied := false
	for _, w := range ws[1:] {
		switch {
		case w.end < best.end:
			best, tied = w, false
		case w.end == best.end:
			tied = true
		}
	}
	if tied {
		return window{}, fmt.Errorf("%w: %d schedules close at %s", ErrAmbiguousSchedule, len(ws), best.sched.EndTime)
	}
	return best, nil
}

// soonest returns the upcoming window that opens first, tie-broken by end.
func soonest(ws []window) (window, error) {
	first := ws[0].start
	for _, w := range ws[1:] {
		if w.start < first {
			first = w.start
		}
	}
	var same []window
	for _, w := range ws {
		if w.start == first {
			same = append(same, w)
		}
	}
	return tightest(same)
}
