package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INSTITUTION_TZ", "")
	t.Setenv("STORE_BACKEND", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "America/Bogota", cfg.Location.String())
	assert.Equal(t, 15*time.Minute, cfg.QRTokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.QRRotateTTL)
	assert.True(t, cfg.AutoConfirm)
	assert.False(t, cfg.AllowEarly)
	assert.False(t, cfg.LegacySchedules)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("INSTITUTION_TZ", "UTC")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("AUTO_CONFIRM", "false")
	t.Setenv("ALLOW_EARLY", "yes")
	t.Setenv("QR_ROTATE_TTL", "90s")
	t.Setenv("QR_TOKEN_TTL", "soon")
	t.Setenv("RATE_LIMIT_PER_MIN", "7")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.False(t, cfg.AutoConfirm)
	assert.True(t, cfg.AllowEarly)
	assert.Equal(t, 90*time.Second, cfg.QRRotateTTL)
	assert.Equal(t, 15*time.Minute, cfg.QRTokenTTL, "bad duration falls back")
	assert.Equal(t, 7, cfg.RateLimitPerMin)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("timezone", func(t *testing.T) {
		t.Setenv("INSTITUTION_TZ", "Mars/Olympus")
		_, err := Load()
		assert.ErrorContains(t, err, "INSTITUTION_TZ")
	})
	t.Run("backend", func(t *testing.T) {
		t.Setenv("STORE_BACKEND", "mongo")
		_, err := Load()
		assert.ErrorContains(t, err, "STORE_BACKEND")
	})
	for _, env := range []string{"prod", "production"} {
		t.Run("dev keys in "+env, func(t *testing.T) {
			t.Setenv("APP_ENV", env)
			t.Setenv("JWT_SIGNING_KEY", "")
			_, err := Load()
			assert.ErrorContains(t, err, "signing keys")
		})
	}
}

func TestProdKeysAccepted(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SIGNING_KEY", "s3cret-jwt")
	t.Setenv("QR_SIGNING_KEY", "s3cret-qr")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
}

func TestConsumeAuditInProcess(t *testing.T) {
	cases := []struct {
		store, queue string
		want         bool
	}{
		{"postgres", "redis", false},
		{"postgres", "memory", true},
		{"memory", "redis", true},
		{"memory", "memory", true},
	}
	for _, tc := range cases {
		cfg := App{StoreBackend: tc.store, QueueBackend: tc.queue}
		assert.Equal(t, tc.want, cfg.ConsumeAuditInProcess(), "%s/%s", tc.store, tc.queue)
	}
}
