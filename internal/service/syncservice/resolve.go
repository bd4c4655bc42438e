package syncservice

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/store"
)

const (
	resolvedByUser = "user"
	resolvedByAuto = "auto"
)

// ResolveResult is the outcome of resolving one conflict. Failures are
// reported here rather than returned as errors so batches can continue.
type ResolveResult struct {
	ConflictID   string                       `json:"conflict_id"`
	Success      bool                         `json:"success"`
	ResolvedData conflict.Record              `json:"resolved_data,omitempty"`
	Metadata     *conflict.ResolutionMetadata `json:"metadata,omitempty"`
	Error        string                       `json:"error,omitempty"`
	ErrorType    string                       `json:"error_type,omitempty"`

	changeID uuid.UUID
}

func failed(id, errType string, err error) *ResolveResult {
	return &ResolveResult{ConflictID: id, Error: err.Error(), ErrorType: errType}
}

// BatchResult summarizes a batch resolution
type BatchResult struct {
	ResolvedCount int             `json:"resolved_count"`
	FailedCount   int             `json:"failed_count"`
	Results       []ResolveResult `json:"results"`
}

// ConflictList is one page of a user's conflicts
type ConflictList struct {
	Conflicts       []conflict.SyncConflict `json:"conflicts"`
	TotalCount      int                     `json:"total_count"`
	UnresolvedCount int                     `json:"unresolved_count"`
}

// Conflict listing bounds
const (
	DefaultConflictLimit = 50
	MaxConflictLimit     = 200
)

// loadConflict fetches a conflict owned by userID. Another user's conflict
// is indistinguishable from a missing one.
func (s *Service) loadConflict(ctx context.Context, userID, conflictID string) (*conflict.SyncConflict, error) {
	c, err := s.Store.GetConflict(ctx, conflictID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrConflictNotFound
	}
	return c, nil
}

// GetConflict returns a single conflict of the user
func (s *Service) GetConflict(ctx context.Context, userID, conflictID string) (*conflict.SyncConflict, error) {
	return s.loadConflict(ctx, userID, conflictID)
}

// ListConflicts returns a filtered page of the user's conflicts
func (s *Service) ListConflicts(ctx context.Context, f store.ConflictFilter) (*ConflictList, error) {
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, validationError("unknown severity %q", f.Severity)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultConflictLimit
	}
	if f.Limit > MaxConflictLimit {
		f.Limit = MaxConflictLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	page, total, err := s.Store.ListConflicts(ctx, f)
	if err != nil {
		return nil, err
	}

	unresolvedOnly := false
	_, unresolved, err := s.Store.ListConflicts(ctx, store.ConflictFilter{
		UserID:   f.UserID,
		Resolved: &unresolvedOnly,
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}

	if page == nil {
		page = []conflict.SyncConflict{}
	}
	return &ConflictList{Conflicts: page, TotalCount: total, UnresolvedCount: unresolved}, nil
}

// ResolveConflict closes a conflict with the given strategy, writes the
// resolved record back to its table and, when savePref is set, remembers
// the strategy for the conflict's table.
func (s *Service) ResolveConflict(ctx context.Context, userID, conflictID string, strategy conflict.Strategy, hints conflict.FieldResolutions, savePref bool) *ResolveResult {
	c, err := s.loadConflict(ctx, userID, conflictID)
	if errors.Is(err, ErrConflictNotFound) {
		return failed(conflictID, ErrorTypeNotFound, err)
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("conflictId", conflictID).Msg("failed to load conflict")
		return failed(conflictID, ErrorTypeApplication, err)
	}
	return s.resolve(ctx, c, strategy, hints, resolvedByUser, savePref)
}

func (s *Service) resolve(ctx context.Context, c *conflict.SyncConflict, strategy conflict.Strategy, hints conflict.FieldResolutions, by string, savePref bool) *ResolveResult {
	logger := log.Ctx(ctx).With().
		Str("conflictId", c.ID).
		Str("table", c.TableName).
		Str("strategy", string(strategy)).
		Logger()

	if c.Resolved {
		return failed(c.ID, ErrorTypeAlreadyResolved, store.ErrAlreadyResolved)
	}

	start := time.Now()
	data, err := s.Engine.Resolve(c, strategy, hints)
	if err != nil {
		logger.Warn().Err(err).Msg("resolution failed")
		return failed(c.ID, ErrorTypeResolution, err)
	}

	meta := conflict.ResolutionMetadata{
		Strategy:         strategy,
		ResolvedBy:       by,
		ResolutionTimeMs: time.Since(start).Milliseconds(),
		FieldResolutions: hints,
	}

	// Close the conflict before touching the record so that of two
	// concurrent resolutions only the winner writes.
	if err := s.Store.MarkResolved(ctx, c.ID, data, meta, s.Now()); err != nil {
		if errors.Is(err, store.ErrAlreadyResolved) {
			return failed(c.ID, ErrorTypeAlreadyResolved, err)
		}
		if errors.Is(err, store.ErrNotFound) {
			return failed(c.ID, ErrorTypeNotFound, ErrConflictNotFound)
		}
		logger.Error().Err(err).Msg("failed to mark conflict resolved")
		return failed(c.ID, ErrorTypeApplication, err)
	}

	changeID, err := s.writeResolved(ctx, c, data)
	if err != nil {
		logger.Error().Err(err).Msg("failed to write resolved record")
		if rerr := s.Store.ReopenConflict(ctx, c.ID); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to reopen conflict")
		}
		return failed(c.ID, ErrorTypeApplication, err)
	}

	if savePref {
		if err := s.saveTablePreference(ctx, c.UserID, c.TableName, strategy); err != nil {
			logger.Warn().Err(err).Msg("failed to save table preference")
		}
	}

	logger.Info().Str("resolvedBy", by).Int64("elapsedMs", meta.ResolutionTimeMs).Msg("conflict resolved")
	return &ResolveResult{
		ConflictID:   c.ID,
		Success:      true,
		ResolvedData: data,
		Metadata:     &meta,
		changeID:     changeID,
	}
}

// writeResolved stores the resolved record under the conflict's primary key
// and logs the change so every device pulls the result. Resolved data with
// no user fields deletes the record.
func (s *Service) writeResolved(ctx context.Context, c *conflict.SyncConflict, data conflict.Record) (uuid.UUID, error) {
	remove := len(stripped(data)) == 0

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var expected int64
		existing, err := s.Store.GetRecord(ctx, c.UserID, c.TableName, c.RecordID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return uuid.Nil, err
		default:
			expected = existing.Version
		}

		entry := &store.ChangeEntry{
			ID:        uuid.New(),
			UserID:    c.UserID,
			TableName: c.TableName,
			RecordID:  c.RecordID,
			CreatedAt: s.Now(),
		}

		if remove {
			if existing == nil {
				return uuid.Nil, nil
			}
			err = s.Store.DeleteRecord(ctx, c.UserID, c.TableName, c.RecordID, expected)
			entry.Operation = store.OpDelete
		} else {
			var version int64
			version, err = s.Store.PutRecord(ctx, &store.Record{
				UserID:    c.UserID,
				TableName: c.TableName,
				RecordID:  c.RecordID,
				Data:      data,
				UpdatedAt: entry.CreatedAt,
			}, expected)
			entry.Operation = store.OpUpdate
			if expected == 0 {
				entry.Operation = store.OpInsert
			}
			entry.Data = data
			entry.SyncVersion = version
		}
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return uuid.Nil, err
		}

		if err := s.Store.AppendChange(ctx, entry); err != nil {
			return uuid.Nil, err
		}
		return entry.ID, nil
	}
	return uuid.Nil, store.ErrVersionConflict
}

func stripped(r conflict.Record) conflict.Record {
	out := conflict.Record{}
	for k, v := range r {
		if !conflict.IsSystemField(k) {
			out[k] = v
		}
	}
	return out
}

// PreviewConflictResolution runs a resolution without persisting anything
func (s *Service) PreviewConflictResolution(ctx context.Context, userID, conflictID string, strategy conflict.Strategy, hints conflict.FieldResolutions) (*conflict.Preview, error) {
	c, err := s.loadConflict(ctx, userID, conflictID)
	if err != nil {
		return nil, err
	}
	return s.Engine.Preview(c, strategy, hints)
}

// BatchResolveConflicts resolves each conflict independently; one failure
// never stops the rest.
func (s *Service) BatchResolveConflicts(ctx context.Context, userID string, ids []string, strategy conflict.Strategy, savePref bool) *BatchResult {
	out := &BatchResult{Results: make([]ResolveResult, 0, len(ids))}
	for _, id := range ids {
		res := s.ResolveConflict(ctx, userID, id, strategy, nil, savePref)
		if res.Success {
			out.ResolvedCount++
		} else {
			out.FailedCount++
		}
		out.Results = append(out.Results, *res)
	}

	log.Ctx(ctx).Info().
		Str("userId", userID).
		Str("strategy", string(strategy)).
		Int("resolved", out.ResolvedCount).
		Int("failed", out.FailedCount).
		Msg("batch resolve finished")
	return out
}

// AutoResolveConflicts resolves the user's open low-severity auto-resolvable
// conflicts with their preferred strategies and returns how many closed.
func (s *Service) AutoResolveConflicts(ctx context.Context, userID string) (int, error) {
	prefs, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !prefs.AutoResolveLowSeverity {
		return 0, nil
	}

	open, yes := false, true
	pending, _, err := s.Store.ListConflicts(ctx, store.ConflictFilter{
		UserID:         userID,
		Resolved:       &open,
		Severity:       conflict.SeverityLow,
		AutoResolvable: &yes,
		Limit:          MaxConflictLimit,
	})
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range pending {
		c := &pending[i]
		res := s.resolve(ctx, c, autoStrategy(prefs, c), fieldHints(prefs, c), resolvedByAuto, false)
		if res.Success {
			resolved++
		}
	}

	log.Ctx(ctx).Info().Str("userId", userID).Int("candidates", len(pending)).Int("resolved", resolved).Msg("auto-resolve finished")
	return resolved, nil
}

// DismissConflict deletes an open conflict without touching the record
func (s *Service) DismissConflict(ctx context.Context, userID, conflictID string) error {
	c, err := s.loadConflict(ctx, userID, conflictID)
	if err != nil {
		return err
	}
	if c.Resolved {
		return store.ErrAlreadyResolved
	}
	if err := s.Store.DeleteConflict(ctx, c.ID); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("conflictId", c.ID).Msg("conflict dismissed")
	return nil
}

// autoStrategy picks the strategy for resolving c without the user: the
// table preference when it needs no input, content_aware for low-severity
// auto-resolvable conflicts, and the default strategy otherwise.
func autoStrategy(prefs *store.Preferences, c *conflict.SyncConflict) conflict.Strategy {
	if st, ok := prefs.TablePreferences[c.TableName]; ok && st != conflict.UserChoice {
		return st
	}
	if c.AutoResolvable && c.Severity == conflict.SeverityLow {
		return conflict.ContentAware
	}
	if prefs.DefaultStrategy == "" || prefs.DefaultStrategy == conflict.UserChoice {
		return conflict.LastWriteWins
	}
	return prefs.DefaultStrategy
}

// fieldHints turns per-field preferences into field resolutions for the
// fields of c that have one.
func fieldHints(prefs *store.Preferences, c *conflict.SyncConflict) conflict.FieldResolutions {
	if len(prefs.FieldPreferences) == 0 {
		return nil
	}
	hints := conflict.FieldResolutions{}
	for _, name := range c.ConflictingFields {
		st, ok := prefs.FieldPreferences[name]
		if !ok {
			continue
		}
		switch st {
		case conflict.LastWriteWins:
			if c.LocalDeviceInfo.Timestamp.After(c.RemoteDeviceInfo.Timestamp) {
				hints[name] = conflict.FieldResolution{Choice: conflict.ChoiceLocal}
			} else {
				hints[name] = conflict.FieldResolution{Choice: conflict.ChoiceRemote}
			}
		case conflict.Merge, conflict.FieldMerge:
			hints[name] = conflict.FieldResolution{Choice: conflict.ChoiceMerged}
		}
	}
	if len(hints) == 0 {
		return nil
	}
	return hints
}
