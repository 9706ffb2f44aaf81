package store

import (
	"context"
	"fmt"
)

// schema is applied once at start-up. Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS sites (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	address               TEXT NOT NULL DEFAULT '',
	lat                   DOUBLE PRECISION NOT NULL,
	lng                   DOUBLE PRECISION NOT NULL,
	allowed_radius_meters DOUBLE PRECISION,
	is_active             BOOLEAN NOT NULL DEFAULT TRUE,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS classrooms (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	site_id   TEXT NOT NULL REFERENCES sites(id),
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	email        TEXT UNIQUE NOT NULL,
	role         TEXT NOT NULL DEFAULT 'USER',
	classroom_id TEXT REFERENCES classrooms(id),
	is_active    BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS schedules (
	id                 TEXT PRIMARY KEY,
	classroom_id       TEXT NOT NULL REFERENCES classrooms(id),
	user_id            TEXT REFERENCES users(id),
	site_id            TEXT NOT NULL REFERENCES sites(id),
	days_mask          INTEGER NOT NULL,
	start_time         TEXT NOT NULL,
	end_time           TEXT NOT NULL,
	late_after_minutes INTEGER NOT NULL DEFAULT 10,
	is_active          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_schedules_classroom ON schedules(classroom_id, is_active);

CREATE TABLE IF NOT EXISTS qr_sessions (
	id          TEXT PRIMARY KEY,
	site_id     TEXT NOT NULL REFERENCES sites(id),
	session_key TEXT NOT NULL,
	mode        TEXT NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	created_by  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (site_id, session_key)
);

CREATE TABLE IF NOT EXISTS attendances (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	site_id          TEXT NOT NULL REFERENCES sites(id),
	schedule_id      TEXT REFERENCES schedules(id),
	qr_session_id    TEXT NOT NULL REFERENCES qr_sessions(id),
	date_key         TEXT NOT NULL,
	marked_at        TIMESTAMPTZ NOT NULL,
	lat              DOUBLE PRECISION NOT NULL,
	lng              DOUBLE PRECISION NOT NULL,
	distance_meters  DOUBLE PRECISION NOT NULL CHECK (distance_meters >= 0),
	result           TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'PENDING',
	reviewed_by      TEXT,
	reviewed_at      TIMESTAMPTZ,
	rejection_reason TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, date_key),
	UNIQUE (user_id, qr_session_id)
);
CREATE INDEX IF NOT EXISTS idx_attendances_status_date ON attendances(status, date_key);
CREATE INDEX IF NOT EXISTS idx_attendances_site_date ON attendances(site_id, date_key);
CREATE INDEX IF NOT EXISTS idx_attendances_session ON attendances(qr_session_id);

CREATE TABLE IF NOT EXISTS app_settings (
	id                            SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	late_default_minutes          INTEGER NOT NULL DEFAULT 10,
	qr_required                   BOOLEAN NOT NULL DEFAULT TRUE,
	default_allowed_radius_meters DOUBLE PRECISION NOT NULL DEFAULT 50,
	updated_at                    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id          TEXT PRIMARY KEY,
	actor_id    TEXT NOT NULL,
	action      TEXT NOT NULL,
	target_type TEXT NOT NULL DEFAULT '',
	target_id   TEXT NOT NULL DEFAULT '',
	meta        JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_logs(actor_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action, created_at DESC);
`

// Migrate creates the schema if it does not exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.Client.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
