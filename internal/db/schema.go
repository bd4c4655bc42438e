package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// schema is idempotent; every statement uses IF NOT EXISTS
var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_plan (
		user_id TEXT PRIMARY KEY,
		tier    TEXT NOT NULL DEFAULT 'free'
	)`,
	`CREATE TABLE IF NOT EXISTS device (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		device_type TEXT NOT NULL CHECK (device_type IN ('mobile', 'tablet', 'web')),
		platform    TEXT NOT NULL,
		app_version TEXT NOT NULL,
		fingerprint TEXT,
		last_sync   TIMESTAMPTZ,
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS device_user_idx ON device (user_id, active)`,
	`CREATE TABLE IF NOT EXISTS sync_record (
		owner_id     TEXT NOT NULL,
		table_name   TEXT NOT NULL,
		record_id    TEXT NOT NULL,
		payload_json JSONB NOT NULL,
		version      BIGINT NOT NULL DEFAULT 1,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		device_id    TEXT,
		PRIMARY KEY (owner_id, table_name, record_id)
	)`,
	`CREATE TABLE IF NOT EXISTS change_log (
		id           UUID PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		device_id    TEXT NOT NULL,
		table_name   TEXT NOT NULL,
		record_id    TEXT NOT NULL,
		operation    TEXT NOT NULL CHECK (operation IN ('INSERT', 'UPDATE', 'DELETE')),
		payload_json JSONB,
		sync_version BIGINT NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		synced       BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS change_log_owner_created_idx ON change_log (owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS sync_conflict (
		id                  TEXT PRIMARY KEY,
		owner_id            TEXT NOT NULL,
		table_name          TEXT NOT NULL,
		record_id           TEXT NOT NULL,
		local_data          JSONB,
		remote_data         JSONB,
		conflict_type       TEXT NOT NULL,
		severity            TEXT NOT NULL,
		conflicting_fields  JSONB NOT NULL DEFAULT '[]',
		field_conflicts     JSONB NOT NULL DEFAULT '[]',
		local_device_info   JSONB,
		remote_device_info  JSONB,
		auto_resolvable     BOOLEAN NOT NULL DEFAULT FALSE,
		resolved            BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_data       JSONB,
		resolution_metadata JSONB,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		resolved_at         TIMESTAMPTZ,
		CONSTRAINT sync_conflict_resolution_complete CHECK (
			(resolved AND resolved_data IS NOT NULL AND resolution_metadata IS NOT NULL AND resolved_at IS NOT NULL)
			OR (NOT resolved AND resolved_data IS NULL AND resolution_metadata IS NULL AND resolved_at IS NULL)
		)
	)`,
	`CREATE INDEX IF NOT EXISTS sync_conflict_owner_idx ON sync_conflict (owner_id, resolved, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS conflict_preferences (
		owner_id                  TEXT PRIMARY KEY,
		default_strategy          TEXT NOT NULL,
		table_preferences         JSONB NOT NULL DEFAULT '{}',
		field_preferences         JSONB NOT NULL DEFAULT '{}',
		auto_resolve_low_severity BOOLEAN NOT NULL DEFAULT TRUE,
		notification_preferences  JSONB NOT NULL DEFAULT '{}',
		updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the sync tables if they do not exist
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("schema migrated")
	return nil
}
