package settings

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"geoattend/internal/model"
	"geoattend/internal/store"
)

const cacheKey = "attendance:settings"

var ErrInvalidSettings = errors.New("invalid settings")

// Store persists the singleton settings row.
type Store interface {
	GetOrCreateSettings(ctx context.Context) (model.AppSetting, error)
	SaveSettings(ctx context.Context, s model.AppSetting) (model.AppSetting, error)
}

// Service reads settings through an optional redis cache.
type Service struct {
	store Store
	cache *store.Redis
	ttl   time.Duration
}

// NewService builds a service. cache may be nil.
func NewService(st Store, cache *store.Redis, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{store: st, cache: cache, ttl: ttl}
}

// Get returns the current settings, creating defaults on first use.
func (s *Service) Get(ctx context.Context) (model.AppSetting, error) {
	var cached model.AppSetting
	hit, err := s.cache.GetJSON(ctx, cacheKey, &cached)
	if err != nil {
		log.Printf("settings cache read failed: %v", err)
	}
	if hit {
		return cached, nil
	}
	out, err := s.store.GetOrCreateSettings(ctx)
	if err != nil {
		return model.AppSetting{}, fmt.Errorf("load settings: %w", err)
	}
	if err := s.cache.SetJSON(ctx, cacheKey, out, s.ttl); err != nil {
		log.Printf("settings cache write failed: %v", err)
	}
	return out, nil
}

// Patch carries the fields an admin may change. Nil fields are kept.
type Patch struct {
	LateDefaultMinutes         *int     `json:"late_default_minutes" binding:"omitempty,min=0"`
	QRRequired                 *bool    `json:"qr_required"`
	DefaultAllowedRadiusMeters *float64 `json:"default_allowed_radius_meters" binding:"omitempty,gt=0"`
}

// Update applies a patch and drops the cached copy.
func (s *Service) Update(ctx context.Context, p Patch) (model.AppSetting, error) {
	current, err := s.store.GetOrCreateSettings(ctx)
	if err != nil {
		return model.AppSetting{}, fmt.Errorf("load settings: %w", err)
	}
	if p.LateDefaultMinutes != nil {
		if *p.LateDefaultMinutes < 0 {
			return model.AppSetting{}, fmt.Errorf("%w: late_default_minutes must be >= 0", ErrInvalidSettings)
		}
		current.LateDefaultMinutes = *p.LateDefaultMinutes
	}
	if p.QRRequired != nil {
		current.QRRequired = *p.QRRequired
	}
	if p.DefaultAllowedRadiusMeters != nil {
		if *p.DefaultAllowedRadiusMeters <= 0 {
			return model.AppSetting{}, fmt.Errorf("%w: default_allowed_radius_meters must be > 0", ErrInvalidSettings)
		}
		current.DefaultAllowedRadiusMeters = *p.DefaultAllowedRadiusMeters
	}
	saved, err := s.store.SaveSettings(ctx, current)
	if err != nil {
		return model.AppSetting{}, fmt.Errorf("save settings: %w", err)
	}
	if err := s.cache.Del(ctx, cacheKey); err != nil {
		log.Printf("settings cache invalidate failed: %v", err)
	}
	return saved, nil
}
