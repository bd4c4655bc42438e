package syncservice

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/store"
	"github.com/studysync/syncengine/internal/syncx"
)

// Change is one client-submitted mutation
type Change struct {
	TableName string          `json:"table_name"`
	RecordID  string          `json:"record_id"`
	Operation store.Operation `json:"operation"`
	Data      conflict.Record `json:"data"`
	// SyncVersion is the server version the client based this change on;
	// 0 when the client has never seen the record.
	SyncVersion int64      `json:"sync_version"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// ChangeError reports why one change was not applied
type ChangeError struct {
	TableName string `json:"table_name"`
	RecordID  string `json:"record_id"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ApplyResult summarizes one ApplyChanges batch
type ApplyResult struct {
	AppliedCount int                     `json:"applied_count"`
	Conflicts    []conflict.SyncConflict `json:"conflicts"`
	Errors       []ChangeError           `json:"errors"`
}

// maxWriteAttempts bounds compare-and-swap retries for one change
const maxWriteAttempts = 2

type changeOutcome struct {
	applied  bool
	changeID uuid.UUID
	pending  *conflict.SyncConflict
}

// ApplyChanges applies a batch of changes from one device in order. Each
// change is isolated: a failing change is reported in Errors and the batch
// continues. Later changes observe the effects of earlier ones.
func (s *Service) ApplyChanges(ctx context.Context, userID, deviceID string, changes []Change) (*ApplyResult, error) {
	if _, err := s.Devices.ValidateAccess(ctx, userID, deviceID); err != nil {
		return nil, err
	}

	logger := log.Ctx(ctx).With().Str("userId", userID).Str("deviceId", deviceID).Logger()
	ctx = logger.WithContext(ctx)

	result := &ApplyResult{
		Conflicts: []conflict.SyncConflict{},
		Errors:    []ChangeError{},
	}
	var synced []uuid.UUID

	for _, ch := range changes {
		out, cerr := s.applyOne(ctx, userID, deviceID, ch)
		if cerr != nil {
			result.Errors = append(result.Errors, *cerr)
			continue
		}
		if out.pending != nil {
			result.Conflicts = append(result.Conflicts, *out.pending)
			continue
		}
		if out.applied {
			result.AppliedCount++
			if out.changeID != uuid.Nil {
				synced = append(synced, out.changeID)
			}
		}
	}

	if err := s.Store.MarkSynced(ctx, userID, synced); err != nil {
		logger.Error().Err(err).Msg("failed to mark changes synced")
		return nil, err
	}
	if err := s.Devices.TouchLastSync(ctx, deviceID); err != nil {
		logger.Error().Err(err).Msg("failed to update device last sync")
		return nil, err
	}

	logger.Info().
		Int("received", len(changes)).
		Int("applied", result.AppliedCount).
		Int("conflicts", len(result.Conflicts)).
		Int("errors", len(result.Errors)).
		Msg("changes applied")

	return result, nil
}

func validateChange(ch Change) *ChangeError {
	msg := ""
	switch {
	case ch.TableName == "":
		msg = "table_name is required"
	case ch.RecordID == "":
		msg = "record_id is required"
	case !ch.Operation.Valid():
		msg = "operation must be INSERT, UPDATE or DELETE"
	case ch.Operation != store.OpDelete && ch.Data == nil:
		msg = "data is required for " + string(ch.Operation)
	}
	if msg == "" {
		return nil
	}
	return &ChangeError{
		TableName: ch.TableName,
		RecordID:  ch.RecordID,
		ErrorType: ErrorTypeValidation,
		Message:   msg,
	}
}

func applicationError(ch Change, err error) *ChangeError {
	return &ChangeError{
		TableName: ch.TableName,
		RecordID:  ch.RecordID,
		ErrorType: ErrorTypeApplication,
		Message:   err.Error(),
		Retryable: true,
	}
}

// applyOne runs fetch, conflict check and write for one change, re-reading
// once if the write loses a compare-and-swap to a concurrent writer.
func (s *Service) applyOne(ctx context.Context, userID, deviceID string, ch Change) (*changeOutcome, *ChangeError) {
	if cerr := validateChange(ch); cerr != nil {
		return nil, cerr
	}
	logger := log.Ctx(ctx).With().Str("table", ch.TableName).Str("recordId", ch.RecordID).Logger()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		existing, err := s.Store.GetRecord(ctx, userID, ch.TableName, ch.RecordID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Error().Err(err).Msg("failed to load existing record")
			return nil, applicationError(ch, err)
		}
		if errors.Is(err, store.ErrNotFound) {
			existing = nil
		}

		if existing != nil {
			if trigger, versionOnly := conflictTrigger(existing, ch); trigger {
				local := localInfo(existing)
				c := conflict.Detect(conflict.DetectInput{
					UserID:      userID,
					TableName:   ch.TableName,
					RecordID:    ch.RecordID,
					Local:       existing.Data,
					Remote:      ch.Data,
					LocalInfo:   local,
					RemoteInfo:  s.remoteInfo(deviceID, ch, local),
					Delete:      ch.Operation == store.OpDelete,
					VersionOnly: versionOnly,
					Now:         s.Now(),
				})
				if c != nil {
					return s.handleConflict(ctx, logger, c, ch)
				}
			}
		}

		changeID, err := s.write(ctx, userID, deviceID, ch, existing)
		if errors.Is(err, store.ErrVersionConflict) {
			logger.Debug().Int("attempt", attempt+1).Msg("record changed during apply, retrying")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to apply change")
			return nil, applicationError(ch, err)
		}
		return &changeOutcome{applied: true, changeID: changeID}, nil
	}

	logger.Warn().Msg("record kept changing during apply")
	return nil, &ChangeError{
		TableName: ch.TableName,
		RecordID:  ch.RecordID,
		ErrorType: ErrorTypeVersionConflict,
		Message:   "record was modified concurrently",
		Retryable: true,
	}
}

// handleConflict stores a new conflict and, when it is auto-resolvable,
// resolves it on the spot with the user's preferred strategy. A change that
// repeats an already recorded divergence reuses that conflict.
func (s *Service) handleConflict(ctx context.Context, logger zerolog.Logger, c *conflict.SyncConflict, ch Change) (*changeOutcome, *ChangeError) {
	prior, err := s.priorConflict(ctx, c)
	if err != nil {
		logger.Error().Err(err).Msg("failed to look up recorded conflicts")
		return nil, applicationError(ch, err)
	}
	if prior != nil {
		logger.Debug().Str("conflictId", prior.ID).Bool("resolved", prior.Resolved).Msg("change repeats a recorded conflict")
		if prior.Resolved {
			return &changeOutcome{applied: true}, nil
		}
		return &changeOutcome{pending: prior}, nil
	}

	if err := s.Store.InsertConflict(ctx, c); err != nil {
		logger.Error().Err(err).Msg("failed to store conflict")
		return nil, applicationError(ch, err)
	}

	logger.Info().
		Str("conflictId", c.ID).
		Str("type", string(c.ConflictType)).
		Str("severity", string(c.Severity)).
		Strs("fields", c.ConflictingFields).
		Bool("autoResolvable", c.AutoResolvable).
		Msg("conflict detected")

	if !c.AutoResolvable {
		return &changeOutcome{pending: c}, nil
	}

	prefs, err := s.GetPreferences(ctx, c.UserID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load preferences for auto-resolve")
		return &changeOutcome{pending: c}, nil
	}

	strategy := autoStrategy(prefs, c)
	res := s.resolve(ctx, c, strategy, fieldHints(prefs, c), resolvedByAuto, false)
	if !res.Success {
		logger.Warn().Str("conflictId", c.ID).Str("error", res.Error).Msg("auto-resolve failed, conflict left pending")
		return &changeOutcome{pending: c}, nil
	}
	return &changeOutcome{applied: true, changeID: res.changeID}, nil
}

// priorConflict returns a conflict already recorded for the same incoming
// data: an open one over the same stored data, or a resolved one whose
// result is what the table holds now.
func (s *Service) priorConflict(ctx context.Context, c *conflict.SyncConflict) (*conflict.SyncConflict, error) {
	prior, _, err := s.Store.ListConflicts(ctx, store.ConflictFilter{
		UserID:   c.UserID,
		Tables:   []string{c.TableName},
		RecordID: c.RecordID,
		Limit:    MaxConflictLimit,
	})
	if err != nil {
		return nil, err
	}
	for i := range prior {
		p := &prior[i]
		if p.ConflictType != c.ConflictType || !conflict.Equal(p.RemoteData, c.RemoteData) {
			continue
		}
		if !p.Resolved && conflict.Equal(p.LocalData, c.LocalData) {
			return p, nil
		}
		if p.Resolved && conflict.EqualIgnoringSystem(p.ResolvedData, c.LocalData) {
			return p, nil
		}
	}
	return nil, nil
}

// conflictTrigger decides whether the server holds a write the client did
// not see. A change carrying a sync_version is compared by version; without
// one the record timestamps decide, and a missing timestamp on either side
// means no conflict.
func conflictTrigger(existing *store.Record, ch Change) (trigger, versionOnly bool) {
	_, changeHasTime := syncx.UpdatedAtMs(ch.Data)
	if ch.SyncVersion > 0 {
		return existing.Version > ch.SyncVersion, !changeHasTime
	}

	storedMs, ok := syncx.UpdatedAtMs(existing.Data)
	if !ok {
		return false, false
	}
	changeMs, ok := syncx.UpdatedAtMs(ch.Data)
	if !ok {
		return false, false
	}
	return storedMs > changeMs, false
}

func localInfo(existing *store.Record) conflict.DeviceInfo {
	ts := existing.UpdatedAt
	if ms, ok := syncx.UpdatedAtMs(existing.Data); ok {
		ts = time.UnixMilli(ms).UTC()
	}
	return conflict.DeviceInfo{
		DeviceID:  existing.DeviceID,
		Timestamp: ts,
		Version:   existing.Version,
	}
}

// remoteInfo always names the submitting device: it was validated before
// any change was processed. A change without any timestamp only conflicts
// through its sync_version, which means the stored write came later, so it
// is dated just before local.
func (s *Service) remoteInfo(deviceID string, ch Change, local conflict.DeviceInfo) conflict.DeviceInfo {
	info := conflict.DeviceInfo{DeviceID: deviceID, Version: ch.SyncVersion}
	if ms, ok := syncx.UpdatedAtMs(ch.Data); ok {
		info.Timestamp = time.UnixMilli(ms).UTC()
	} else if ch.CreatedAt != nil {
		info.Timestamp = ch.CreatedAt.UTC()
	} else {
		info.Timestamp = local.Timestamp.Add(-time.Millisecond)
	}
	return info
}

// write applies the change to its table with a compare-and-swap against the
// version read earlier. Writing data identical to what is stored is a
// no-op and returns uuid.Nil, which keeps resubmitted changes idempotent.
func (s *Service) write(ctx context.Context, userID, deviceID string, ch Change, existing *store.Record) (uuid.UUID, error) {
	var expected int64
	if existing != nil {
		expected = existing.Version
	}

	entry := &store.ChangeEntry{
		ID:        uuid.New(),
		UserID:    userID,
		DeviceID:  deviceID,
		TableName: ch.TableName,
		RecordID:  ch.RecordID,
		Operation: ch.Operation,
		CreatedAt: s.Now(),
	}

	switch ch.Operation {
	case store.OpDelete:
		if existing == nil {
			return uuid.Nil, nil
		}
		if err := s.Store.DeleteRecord(ctx, userID, ch.TableName, ch.RecordID, expected); err != nil {
			return uuid.Nil, err
		}
	default:
		if existing != nil && conflict.EqualIgnoringSystem(existing.Data, ch.Data) {
			return uuid.Nil, nil
		}
		version, err := s.Store.PutRecord(ctx, &store.Record{
			UserID:    userID,
			TableName: ch.TableName,
			RecordID:  ch.RecordID,
			Data:      ch.Data,
			UpdatedAt: entry.CreatedAt,
			DeviceID:  deviceID,
		}, expected)
		if err != nil {
			return uuid.Nil, err
		}
		entry.Data = ch.Data
		entry.SyncVersion = version
		if existing == nil {
			entry.Operation = store.OpInsert
		} else {
			entry.Operation = store.OpUpdate
		}
	}

	if err := s.Store.AppendChange(ctx, entry); err != nil {
		return uuid.Nil, err
	}
	return entry.ID, nil
}
