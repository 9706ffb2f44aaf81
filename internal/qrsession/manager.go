package qrsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"geoattend/internal/model"
)

var (
	ErrInvalidToken     = errors.New("invalid qr token")
	ErrSessionExpired   = errors.New("qr session expired")
	ErrSessionNotFound  = errors.New("qr session not found")
	ErrSiteUnavailable  = errors.New("site unavailable")
	ErrUnsupportedScope = errors.New("unsupported qr session mode")
)

// Store persists sessions and reads sites. Getters return (nil, nil) when
// the row does not exist.
type Store interface {
	GetSite(ctx context.Context, id string) (*model.Site, error)
	FirstActiveSite(ctx context.Context) (*model.Site, error)
	// UpsertDailySession atomically finds or creates the session keyed by
	// (SiteID, SessionKey) and returns the stored row.
	UpsertDailySession(ctx context.Context, s model.QrSession) (model.QrSession, error)
	CreateSession(ctx context.Context, s model.QrSession) (model.QrSession, error)
	GetSession(ctx context.Context, id string) (*model.QrSession, error)
	// ExpireSession sets expires_at to min(expires_at, at).
	ExpireSession(ctx context.Context, id string, at time.Time) (*model.QrSession, error)
	ListSessions(ctx context.Context, limit int) ([]model.QrSession, error)
	CountSessionScans(ctx context.Context, sessionID string) (total, confirmed int, err error)
}

// Options configure token lifetimes and signing.
type Options struct {
	SigningKey []byte
	Issuer     string
	// TokenTTL caps tokens handed out for daily sessions.
	TokenTTL time.Duration
	// RotateTTL is the lifetime of a rotating session.
	RotateTTL time.Duration
	Location  *time.Location
	QRSize    int
}

// Manager issues and validates QR sessions.
type Manager struct {
	store Store
	opts  Options
}

// NewManager creates a manager with defaults for unset durations.
func NewManager(store Store, opts Options) *Manager {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	if opts.RotateTTL <= 0 {
		opts.RotateTTL = 5 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.QRSize <= 0 {
		opts.QRSize = 256
	}
	return &Manager{store: store, opts: opts}
}

// IssueRequest asks for a session on a site. An empty SiteID picks the
// first active site.
type IssueRequest struct {
	SiteID    string
	Mode      model.SessionMode
	CreatedBy string
}

// Issued is a session together with a token clients can scan.
type Issued struct {
	Session        model.QrSession `json:"session"`
	SiteName       string          `json:"site_name"`
	Token          string          `json:"token"`
	TokenExpiresAt time.Time       `json:"token_expires_at"`
	Payload        Payload         `json:"payload"`
	QRDataURL      string          `json:"qr_data_url"`
}

// Details is a session with its scan counters.
type Details struct {
	Session        model.QrSession `json:"session"`
	TotalScans     int             `json:"total_scans"`
	ConfirmedScans int             `json:"confirmed_scans"`
}

// Issue creates or reuses a session and signs a token for it.
func (m *Manager) Issue(ctx context.Context, req IssueRequest, now time.Time) (Issued, error) {
	site, err := m.resolveSite(ctx, req.SiteID)
	if err != nil {
		return Issued{}, err
	}

	var sess model.QrSession
	switch req.Mode {
	case model.ModeDaily, "":
		sess, err = m.store.UpsertDailySession(ctx, model.QrSession{
			ID:         uuid.NewString(),
			SiteID:     site.ID,
			SessionKey: DateKey(now, m.opts.Location),
			Mode:       model.ModeDaily,
			ExpiresAt:  nextMidnight(now, m.opts.Location),
			CreatedBy:  req.CreatedBy,
			CreatedAt:  now,
		})
	case model.ModeRotating:
		sess, err = m.store.CreateSession(ctx, model.QrSession{
			ID:         uuid.NewString(),
			SiteID:     site.ID,
			SessionKey: now.UTC().Format(time.RFC3339) + "-" + uuid.NewString(),
			Mode:       model.ModeRotating,
			ExpiresAt:  now.Add(m.opts.RotateTTL),
			CreatedBy:  req.CreatedBy,
			CreatedAt:  now,
		})
	default:
		return Issued{}, fmt.Errorf("%w: %q", ErrUnsupportedScope, req.Mode)
	}
	if err != nil {
		return Issued{}, fmt.Errorf("store session: %w", err)
	}
	if !sess.ActiveAt(now) {
		return Issued{}, fmt.Errorf("%w: session %s closed at %s", ErrSessionExpired, sess.ID, sess.ExpiresAt.Format(time.RFC3339))
	}

	tokenExp := now.Add(m.opts.TokenTTL)
	if sess.Mode == model.ModeRotating || sess.ExpiresAt.Before(tokenExp) {
		tokenExp = sess.ExpiresAt
	}
	token, err := signToken(m.opts.SigningKey, m.opts.Issuer, sess.ID, sess.SiteID, now, tokenExp)
	if err != nil {
		return Issued{}, fmt.Errorf("sign qr token: %w", err)
	}

	out := Issued{
		Session:        sess,
		SiteName:       site.Name,
		Token:          token,
		TokenExpiresAt: tokenExp,
		Payload:        Payload{Token: token, SiteID: sess.SiteID, ExpiresAt: tokenExp.UnixMilli()},
	}
	if out.QRDataURL, err = out.Payload.DataURL(m.opts.QRSize); err != nil {
		// the token is still usable without the image
		log.Printf("qr render failed for session %s: %v", sess.ID, err)
	}
	return out, nil
}

// Validate checks a scanned token and the session it points at.
func (m *Manager) Validate(ctx context.Context, token string, now time.Time) (model.QrSession, error) {
	claims, err := parseToken(token, m.opts.SigningKey, m.opts.Issuer, now)
	if err != nil {
		return model.QrSession{}, err
	}
	sess, err := m.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		return model.QrSession{}, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return model.QrSession{}, fmt.Errorf("%w: unknown session %s", ErrInvalidToken, claims.SessionID)
	}
	if sess.SiteID != claims.SiteID {
		return model.QrSession{}, fmt.Errorf("%w: site mismatch", ErrInvalidToken)
	}
	if !sess.ActiveAt(now) {
		return model.QrSession{}, fmt.Errorf("%w: session %s", ErrSessionExpired, sess.ID)
	}
	return *sess, nil
}

// ExpireNow closes a session immediately. Calling it again is a no-op.
func (m *Manager) ExpireNow(ctx context.Context, sessionID string, now time.Time) (model.QrSession, error) {
	sess, err := m.store.ExpireSession(ctx, sessionID, now)
	if err != nil {
		return model.QrSession{}, fmt.Errorf("expire session: %w", err)
	}
	if sess == nil {
		return model.QrSession{}, ErrSessionNotFound
	}
	return *sess, nil
}

// Get returns a session and how many scans it has collected.
func (m *Manager) Get(ctx context.Context, sessionID string) (Details, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Details{}, err
	}
	if sess == nil {
		return Details{}, ErrSessionNotFound
	}
	total, confirmed, err := m.store.CountSessionScans(ctx, sessionID)
	if err != nil {
		return Details{}, err
	}
	return Details{Session: *sess, TotalScans: total, ConfirmedScans: confirmed}, nil
}

// List returns the most recent sessions.
func (m *Manager) List(ctx context.Context, limit int) ([]model.QrSession, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListSessions(ctx, limit)
}

func (m *Manager) resolveSite(ctx context.Context, siteID string) (*model.Site, error) {
	var (
		site *model.Site
		err  error
	)
	if siteID == "" {
		site, err = m.store.FirstActiveSite(ctx)
	} else {
		site, err = m.store.GetSite(ctx, siteID)
	}
	if err != nil {
		return nil, fmt.Errorf("load site: %w", err)
	}
	if site == nil || !site.Active {
		return nil, ErrSiteUnavailable
	}
	return site, nil
}

// DateKey formats t as YYYY-MM-DD in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

func nextMidnight(t time.Time, loc *time.Location) time.Time {
	y, mo, d := t.In(loc).Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
}
