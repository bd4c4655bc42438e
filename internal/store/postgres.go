package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/device"
)

// Postgres is the production Store backed by a pgx connection pool.
// Schema lives in internal/db.
type Postgres struct {
	DB *pgxpool.Pool
}

// NewPostgres creates a Postgres store
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{DB: db}
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// ---------------------------------------------------------------------------
// Records

func (p *Postgres) GetRecord(ctx context.Context, userID, table, recordID string) (*Record, error) {
	r := &Record{UserID: userID, TableName: table, RecordID: recordID}
	var deviceID *string
	err := p.DB.QueryRow(ctx, `
		SELECT payload_json, version, updated_at, device_id
		FROM sync_record
		WHERE owner_id = $1 AND table_name = $2 AND record_id = $3
	`, userID, table, recordID).Scan(&r.Data, &r.Version, &r.UpdatedAt, &deviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if deviceID != nil {
		r.DeviceID = *deviceID
	}
	return r, nil
}

// PutRecord is a compare-and-swap on the version column: the insert only
// succeeds when no row exists, the update only when the version still
// matches what the caller read.
func (p *Postgres) PutRecord(ctx context.Context, rec *Record, expected int64) (int64, error) {
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var version int64
	if expected == 0 {
		err = p.DB.QueryRow(ctx, `
			INSERT INTO sync_record (owner_id, table_name, record_id, payload_json, version, updated_at, device_id)
			VALUES ($1, $2, $3, $4, 1, $5, NULLIF($6, ''))
			ON CONFLICT (owner_id, table_name, record_id) DO NOTHING
			RETURNING version
		`, rec.UserID, rec.TableName, rec.RecordID, payload, updatedAt, rec.DeviceID).Scan(&version)
	} else {
		err = p.DB.QueryRow(ctx, `
			UPDATE sync_record
			SET payload_json = $4, version = version + 1, updated_at = $5, device_id = NULLIF($6, '')
			WHERE owner_id = $1 AND table_name = $2 AND record_id = $3 AND version = $7
			RETURNING version
		`, rec.UserID, rec.TableName, rec.RecordID, payload, updatedAt, rec.DeviceID, expected).Scan(&version)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrVersionConflict
		}
		return 0, err
	}
	return version, nil
}

func (p *Postgres) DeleteRecord(ctx context.Context, userID, table, recordID string, expected int64) error {
	tag, err := p.DB.Exec(ctx, `
		DELETE FROM sync_record
		WHERE owner_id = $1 AND table_name = $2 AND record_id = $3 AND version = $4
	`, userID, table, recordID, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 && expected != 0 {
		return ErrVersionConflict
	}
	return nil
}

// ---------------------------------------------------------------------------
// Change log

func (p *Postgres) AppendChange(ctx context.Context, e *ChangeEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	payload, err := marshalJSON(e.Data)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO change_log (id, owner_id, device_id, table_name, record_id, operation, payload_json, sync_version, created_at, synced)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID.String(), e.UserID, e.DeviceID, e.TableName, e.RecordID, string(e.Operation), payload, e.SyncVersion, e.CreatedAt, e.Synced)
	return err
}

func (p *Postgres) MarkSynced(ctx context.Context, userID string, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	_, err := p.DB.Exec(ctx, `
		UPDATE change_log SET synced = TRUE
		WHERE owner_id = $1 AND id = ANY($2::uuid[])
	`, userID, strIDs)
	return err
}

// ListChanges pages the change feed in (tier, created_at, id) order. The
// tier expression is computed in SQL so the cursor comparison and LIMIT
// happen in the database.
func (p *Postgres) ListChanges(ctx context.Context, q ChangeQuery) ([]ChangeEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	tables := q.Tables
	if tables == nil {
		tables = []string{}
	}
	high, medium := q.HighTables, q.MediumTables
	if high == nil {
		high = []string{}
	}
	if medium == nil {
		medium = []string{}
	}

	rows, err := p.DB.Query(ctx, `
		SELECT id_text, device_id, table_name, record_id, operation, payload_json, sync_version, created_at, synced, tier
		FROM (
			SELECT *,
				CASE WHEN table_name = ANY($4) THEN 0
				     WHEN table_name = ANY($5) THEN 1
				     ELSE 2 END AS tier,
				floor(EXTRACT(EPOCH FROM created_at) * 1000)::bigint AS created_ms,
				id::text COLLATE "C" AS id_text
			FROM change_log
			WHERE owner_id = $1
			  AND created_at > $2
			  AND ($3 = '' OR device_id <> $3)
			  AND (cardinality($6::text[]) = 0 OR table_name = ANY($6))
		) c
		WHERE ($7::boolean OR (tier, created_ms, id_text) > ($8::int, $9::bigint, $10::text))
		ORDER BY tier, created_ms, id_text
		LIMIT $11
	`, q.UserID, q.Since, q.ExcludeDevice, high, medium, tables,
		q.After.IsZero(), q.After.Tier, q.After.Ms, q.After.ID.String(), limit)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to query change log")
		return nil, err
	}
	defer rows.Close()

	var out []ChangeEntry
	for rows.Next() {
		e := ChangeEntry{UserID: q.UserID}
		var id, op string
		var payload []byte
		var tier int
		if err := rows.Scan(&id, &e.DeviceID, &e.TableName, &e.RecordID, &op, &payload, &e.SyncVersion, &e.CreatedAt, &e.Synced, &tier); err != nil {
			return nil, err
		}
		e.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("decode change id: %w", err)
		}
		e.Operation = Operation(op)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Data); err != nil {
				return nil, fmt.Errorf("decode change payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) CountChanges(ctx context.Context, userID string) (*ChangeCounts, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT table_name, COUNT(*), COUNT(*) FILTER (WHERE synced), MAX(created_at)
		FROM change_log
		WHERE owner_id = $1
		GROUP BY table_name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := &ChangeCounts{ByTable: map[string]int{}}
	for rows.Next() {
		var table string
		var total, synced int
		var latest time.Time
		if err := rows.Scan(&table, &total, &synced, &latest); err != nil {
			return nil, err
		}
		counts.ByTable[table] = total
		counts.Total += total
		counts.Synced += synced
		if counts.Latest == nil || latest.After(*counts.Latest) {
			l := latest
			counts.Latest = &l
		}
	}
	return counts, rows.Err()
}

// ---------------------------------------------------------------------------
// Conflicts

const conflictColumns = `
	id, owner_id, table_name, record_id, local_data, remote_data, conflict_type, severity,
	conflicting_fields, field_conflicts, local_device_info, remote_device_info,
	auto_resolvable, resolved, resolved_data, resolution_metadata, created_at, resolved_at`

func (p *Postgres) InsertConflict(ctx context.Context, c *conflict.SyncConflict) error {
	local, err := marshalJSON(c.LocalData)
	if err != nil {
		return err
	}
	remote, err := marshalJSON(c.RemoteData)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(c.ConflictingFields)
	if err != nil {
		return err
	}
	fieldConflicts, err := json.Marshal(c.FieldConflicts)
	if err != nil {
		return err
	}
	localInfo, err := json.Marshal(c.LocalDeviceInfo)
	if err != nil {
		return err
	}
	remoteInfo, err := json.Marshal(c.RemoteDeviceInfo)
	if err != nil {
		return err
	}

	_, err = p.DB.Exec(ctx, `
		INSERT INTO sync_conflict (id, owner_id, table_name, record_id, local_data, remote_data,
			conflict_type, severity, conflicting_fields, field_conflicts,
			local_device_info, remote_device_info, auto_resolvable, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, FALSE, $14)
	`, c.ID, c.UserID, c.TableName, c.RecordID, local, remote,
		string(c.ConflictType), string(c.Severity), fields, fieldConflicts,
		localInfo, remoteInfo, c.AutoResolvable, c.CreatedAt)
	return err
}

func scanConflict(row pgx.Row) (*conflict.SyncConflict, error) {
	var c conflict.SyncConflict
	var conflictType, severity string
	var local, remote, fields, fieldConflicts, localInfo, remoteInfo, resolvedData, resolution []byte

	if err := row.Scan(&c.ID, &c.UserID, &c.TableName, &c.RecordID, &local, &remote,
		&conflictType, &severity, &fields, &fieldConflicts, &localInfo, &remoteInfo,
		&c.AutoResolvable, &c.Resolved, &resolvedData, &resolution, &c.CreatedAt, &c.ResolvedAt); err != nil {
		return nil, err
	}
	c.ConflictType = conflict.Type(conflictType)
	c.Severity = conflict.Severity(severity)

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{local, &c.LocalData},
		{remote, &c.RemoteData},
		{fields, &c.ConflictingFields},
		{fieldConflicts, &c.FieldConflicts},
		{localInfo, &c.LocalDeviceInfo},
		{remoteInfo, &c.RemoteDeviceInfo},
		{resolvedData, &c.ResolvedData},
		{resolution, &c.Resolution},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode conflict %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (p *Postgres) GetConflict(ctx context.Context, id string) (*conflict.SyncConflict, error) {
	c, err := scanConflict(p.DB.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflict WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (p *Postgres) ListConflicts(ctx context.Context, f ConflictFilter) ([]conflict.SyncConflict, int, error) {
	tables := f.Tables
	if tables == nil {
		tables = []string{}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	const where = `
		WHERE owner_id = $1
		  AND ($2::boolean IS NULL OR resolved = $2)
		  AND ($3 = '' OR severity = $3)
		  AND (cardinality($4::text[]) = 0 OR table_name = ANY($4))
		  AND ($5::boolean IS NULL OR auto_resolvable = $5)
		  AND ($6 = '' OR record_id = $6)`
	args := []any{f.UserID, f.Resolved, string(f.Severity), tables, f.AutoResolvable, f.RecordID}

	var total int
	if err := p.DB.QueryRow(ctx, `SELECT COUNT(*) FROM sync_conflict`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.DB.Query(ctx, `SELECT `+conflictColumns+` FROM sync_conflict`+where+`
		ORDER BY created_at DESC, id
		LIMIT $7 OFFSET $8`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]conflict.SyncConflict, 0, limit)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (p *Postgres) CountConflicts(ctx context.Context, userID string) (*ConflictCounts, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT severity, conflict_type, resolved,
			COALESCE(resolution_metadata->>'resolved_by', ''),
			COUNT(*),
			COALESCE(SUM((resolution_metadata->>'resolution_time_ms')::bigint), 0)::bigint
		FROM sync_conflict
		WHERE owner_id = $1
		GROUP BY 1, 2, 3, 4
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := newConflictCounts()
	for rows.Next() {
		var sev, typ, by string
		var resolved bool
		var n int
		var ms int64
		if err := rows.Scan(&sev, &typ, &resolved, &by, &n, &ms); err != nil {
			return nil, err
		}
		counts.add(conflict.Severity(sev), conflict.Type(typ), resolved, by, n, ms)
	}
	return counts, rows.Err()
}

// MarkResolved only touches open conflicts, so of two concurrent callers
// exactly one closes the conflict.
func (p *Postgres) MarkResolved(ctx context.Context, id string, data conflict.Record, meta conflict.ResolutionMetadata, at time.Time) error {
	if data == nil {
		data = conflict.Record{}
	}
	resolved, err := json.Marshal(data)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	tag, err := p.DB.Exec(ctx, `
		UPDATE sync_conflict
		SET resolved = TRUE, resolved_data = $2, resolution_metadata = $3, resolved_at = $4
		WHERE id = $1 AND resolved = FALSE
	`, id, resolved, metaJSON, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var isResolved bool
	if err := p.DB.QueryRow(ctx, `SELECT resolved FROM sync_conflict WHERE id = $1`, id).Scan(&isResolved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrAlreadyResolved
}

func (p *Postgres) ReopenConflict(ctx context.Context, id string) error {
	tag, err := p.DB.Exec(ctx, `
		UPDATE sync_conflict
		SET resolved = FALSE, resolved_data = NULL, resolution_metadata = NULL, resolved_at = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteConflict(ctx context.Context, id string) error {
	_, err := p.DB.Exec(ctx, `DELETE FROM sync_conflict WHERE id = $1`, id)
	return err
}

// ---------------------------------------------------------------------------
// Preferences

func (p *Postgres) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	prefs := &Preferences{UserID: userID}
	var strategy string
	var tablePrefs, fieldPrefs, notify []byte
	err := p.DB.QueryRow(ctx, `
		SELECT default_strategy, table_preferences, field_preferences,
		       auto_resolve_low_severity, notification_preferences, updated_at
		FROM conflict_preferences
		WHERE owner_id = $1
	`, userID).Scan(&strategy, &tablePrefs, &fieldPrefs, &prefs.AutoResolveLowSeverity, &notify, &prefs.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	prefs.DefaultStrategy = conflict.Strategy(strategy)
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{tablePrefs, &prefs.TablePreferences},
		{fieldPrefs, &prefs.FieldPreferences},
		{notify, &prefs.NotificationPreferences},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode preferences: %w", err)
		}
	}
	return prefs, nil
}

func (p *Postgres) PutPreferences(ctx context.Context, prefs *Preferences) error {
	tablePrefs, err := json.Marshal(prefs.TablePreferences)
	if err != nil {
		return err
	}
	fieldPrefs, err := json.Marshal(prefs.FieldPreferences)
	if err != nil {
		return err
	}
	notify, err := json.Marshal(prefs.NotificationPreferences)
	if err != nil {
		return err
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO conflict_preferences (owner_id, default_strategy, table_preferences, field_preferences,
			auto_resolve_low_severity, notification_preferences, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			default_strategy          = EXCLUDED.default_strategy,
			table_preferences         = EXCLUDED.table_preferences,
			field_preferences         = EXCLUDED.field_preferences,
			auto_resolve_low_severity = EXCLUDED.auto_resolve_low_severity,
			notification_preferences  = EXCLUDED.notification_preferences,
			updated_at                = NOW()
	`, prefs.UserID, string(prefs.DefaultStrategy), tablePrefs, fieldPrefs, prefs.AutoResolveLowSeverity, notify)
	return err
}

// ---------------------------------------------------------------------------
// Devices and plans

const deviceColumns = `id, user_id, name, device_type, platform, app_version, fingerprint, last_sync, active, created_at`

func scanDevice(row pgx.Row) (*device.Device, error) {
	var d device.Device
	var typ string
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &typ, &d.Platform, &d.AppVersion,
		&d.Fingerprint, &d.LastSync, &d.Active, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Type = device.Type(typ)
	return &d, nil
}

func (p *Postgres) InsertDevice(ctx context.Context, d *device.Device) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO device (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.UserID, d.Name, string(d.Type), d.Platform, d.AppVersion, d.Fingerprint, d.LastSync, d.Active, d.CreatedAt)
	return err
}

func (p *Postgres) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	d, err := scanDevice(p.DB.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, device.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (p *Postgres) ListDevices(ctx context.Context, userID string) ([]device.Device, error) {
	rows, err := p.DB.Query(ctx, `SELECT `+deviceColumns+` FROM device WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *Postgres) CountActiveDevices(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.DB.QueryRow(ctx, `SELECT COUNT(*) FROM device WHERE user_id = $1 AND active`, userID).Scan(&n)
	return n, err
}

func (p *Postgres) DeactivateDevice(ctx context.Context, id string) error {
	tag, err := p.DB.Exec(ctx, `UPDATE device SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return device.ErrNotFound
	}
	return nil
}

func (p *Postgres) TouchDevice(ctx context.Context, id string, at time.Time) error {
	_, err := p.DB.Exec(ctx, `UPDATE device SET last_sync = $2 WHERE id = $1`, id, at)
	return err
}

func (p *Postgres) Plan(ctx context.Context, userID string) (device.Plan, error) {
	var tier string
	err := p.DB.QueryRow(ctx, `SELECT tier FROM user_plan WHERE user_id = $1`, userID).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return device.PlanFor(device.TierFree), nil
		}
		return device.Plan{}, err
	}
	return device.PlanFor(device.Tier(tier)), nil
}

var _ Store = (*Postgres)(nil)
