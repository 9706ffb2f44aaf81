package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"geoattend/internal/audit"
	"geoattend/internal/geo"
	"geoattend/internal/metrics"
	"geoattend/internal/model"
	"geoattend/internal/qrsession"
	"geoattend/internal/schedule"
	"geoattend/internal/store"
)

// Store is the persistence the recorder needs. Getters return (nil, nil)
// when the row does not exist.
type Store interface {
	GetSite(ctx context.Context, id string) (*model.Site, error)
	ClassroomOf(ctx context.Context, userID string) (string, error)
	FindBySession(ctx context.Context, userID, sessionID string) (*model.Attendance, error)
	InsertAttendance(ctx context.Context, a model.Attendance) (model.Attendance, error)
}

// SessionValidator checks scanned QR tokens.
type SessionValidator interface {
	Validate(ctx context.Context, token string, now time.Time) (model.QrSession, error)
}

// ScheduleResolver picks the applicable schedule.
type ScheduleResolver interface {
	Resolve(ctx context.Context, subject schedule.Subject, siteID string, at time.Time) (schedule.Resolution, error)
}

// SettingsReader returns global defaults.
type SettingsReader interface {
	Get(ctx context.Context) (model.AppSetting, error)
}

// Config selects recorder policy.
type Config struct {
	// AutoConfirm stores new records as CONFIRMED instead of PENDING.
	AutoConfirm bool
	// Location is the institution timezone used for date keys.
	Location *time.Location
}

// Recorder runs the check-in pipeline.
type Recorder struct {
	store    Store
	sessions SessionValidator
	resolver ScheduleResolver
	settings SettingsReader
	audit    *audit.Publisher
	metrics  *metrics.Metrics
	cfg      Config
}

// NewRecorder wires the pipeline. pub and m may be nil.
func NewRecorder(st Store, sessions SessionValidator, resolver ScheduleResolver, settings SettingsReader, pub *audit.Publisher, m *metrics.Metrics, cfg Config) *Recorder {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Recorder{
		store:    st,
		sessions: sessions,
		resolver: resolver,
		settings: settings,
		audit:    pub,
		metrics:  m,
		cfg:      cfg,
	}
}

// ScanRequest is an authenticated user's check-in attempt.
type ScanRequest struct {
	UserID  string
	Role    model.Role
	QRToken string
	Lat     float64
	Lng     float64
}

// Receipt is a newly recorded attendance.
type Receipt struct {
	Attendance  model.Attendance `json:"attendance"`
	SiteName    string           `json:"site_name"`
	MinutesLate int              `json:"minutes_late"`
}

// RecordScan validates a scan and persists exactly one record for it.
// Rejections are returned as *Error; anything else is an internal failure.
func (r *Recorder) RecordScan(ctx context.Context, req ScanRequest, now time.Time) (Receipt, error) {
	started := time.Now()
	out, err := r.recordScan(ctx, req, now)
	reason := "ok"
	if err != nil {
		reason = string(ReasonOf(err))
	}
	r.metrics.ObserveScan(reason, started, time.Now())

	if err != nil && ReasonOf(err) == ReasonInternal {
		log.Printf("scan failed user=%s: %v", req.UserID, err)
		r.publish(ctx, model.AuditEvent{
			ActorID:    req.UserID,
			Action:     audit.ActionScanFailed,
			TargetType: "Attendance",
			Meta:       map[string]any{"error": err.Error()},
			CreatedAt:  now,
		})
	}
	return out, err
}

func (r *Recorder) recordScan(ctx context.Context, req ScanRequest, now time.Time) (Receipt, error) {
	point := geo.Point{Lat: req.Lat, Lng: req.Lng}
	if err := point.Validate(); err != nil {
		return Receipt{}, reject(ReasonInvalidCoordinate, err)
	}

	sess, err := r.sessions.Validate(ctx, req.QRToken, now)
	if err != nil {
		if errors.Is(err, qrsession.ErrInvalidToken) || errors.Is(err, qrsession.ErrSessionExpired) {
			return Receipt{}, reject(ReasonInvalidOrExpiredQr, err)
		}
		return Receipt{}, fmt.Errorf("validate qr: %w", err)
	}

	existing, err := r.store.FindBySession(ctx, req.UserID, sess.ID)
	if err != nil {
		return Receipt{}, fmt.Errorf("replay check: %w", err)
	}
	if existing != nil {
		return Receipt{}, &Error{Reason: ReasonAlreadyScanned, Existing: existing}
	}

	site, err := r.store.GetSite(ctx, sess.SiteID)
	if err != nil {
		return Receipt{}, fmt.Errorf("load site: %w", err)
	}
	if site == nil || !site.Active {
		return Receipt{}, reject(ReasonSiteUnavailable, fmt.Errorf("site %s", sess.SiteID))
	}

	distance, err := geo.DistanceMeters(geo.Point{Lat: site.Lat, Lng: site.Lng}, point)
	if err != nil {
		return Receipt{}, fmt.Errorf("site %s has invalid centre: %w", site.ID, err)
	}
	radius, err := r.effectiveRadius(ctx, site)
	if err != nil {
		return Receipt{}, err
	}
	if distance > radius {
		return Receipt{}, &Error{
			Reason:   ReasonOutOfRange,
			Distance: &distance,
			Err:      fmt.Errorf("%.1fm from centre, allowed %.1fm", distance, radius),
		}
	}

	classroomID, err := r.store.ClassroomOf(ctx, req.UserID)
	if err != nil {
		return Receipt{}, fmt.Errorf("load classroom: %w", err)
	}
	res, err := r.resolver.Resolve(ctx, schedule.Subject{UserID: req.UserID, ClassroomID: classroomID}, site.ID, now)
	if err != nil {
		return Receipt{}, scheduleError(err)
	}

	status := model.StatusPending
	if r.cfg.AutoConfirm {
		status = model.StatusConfirmed
	}
	scheduleID := res.Schedule.ID
	rec, err := r.store.InsertAttendance(ctx, model.Attendance{
		UserID:         req.UserID,
		SiteID:         site.ID,
		ScheduleID:     &scheduleID,
		QrSessionID:    sess.ID,
		DateKey:        qrsession.DateKey(now, r.cfg.Location),
		MarkedAt:       now,
		Lat:            req.Lat,
		Lng:            req.Lng,
		DistanceMeters: distance,
		Result:         res.Result,
		Status:         status,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return Receipt{}, reject(ReasonDuplicateAttendance, err)
		}
		return Receipt{}, fmt.Errorf("insert attendance: %w", err)
	}

	r.publish(ctx, model.AuditEvent{
		ActorID:    req.UserID,
		Action:     audit.ActionScan,
		TargetType: "Attendance",
		TargetID:   rec.ID,
		Meta: map[string]any{
			"result":          rec.Result,
			"status":          rec.Status,
			"site_id":         site.ID,
			"site_name":       site.Name,
			"schedule_id":     scheduleID,
			"qr_session_id":   sess.ID,
			"distance_meters": distance,
			"minutes_late":    res.MinutesLate,
		},
		CreatedAt: now,
	})
	return Receipt{Attendance: rec, SiteName: site.Name, MinutesLate: res.MinutesLate}, nil
}

func (r *Recorder) effectiveRadius(ctx context.Context, site *model.Site) (float64, error) {
	if site.AllowedRadiusMeters != nil && *site.AllowedRadiusMeters > 0 {
		return *site.AllowedRadiusMeters, nil
	}
	s, err := r.settings.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	return s.DefaultAllowedRadiusMeters, nil
}

func scheduleError(err error) error {
	switch {
	case errors.Is(err, schedule.ErrNoScheduleFound):
		return reject(ReasonNoScheduleFound, err)
	case errors.Is(err, schedule.ErrWindowClosed):
		return reject(ReasonWindowClosed, err)
	case errors.Is(err, schedule.ErrTooEarly):
		return reject(ReasonTooEarly, err)
	case errors.Is(err, schedule.ErrAmbiguousSchedule):
		return reject(ReasonAmbiguousSchedule, err)
	default:
		return fmt.Errorf("resolve schedule: %w", err)
	}
}

const auditTimeout = 2 * time.Second

// publish sends an audit event that outlives the request.
func (r *Recorder) publish(ctx context.Context, evt model.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	r.audit.Publish(ctx, evt)
}
