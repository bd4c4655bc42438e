// Package store persists synced records, the change log, sync conflicts,
// conflict-resolution preferences, devices and plans. Postgres backs
// production; Memory backs tests and database-less development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/device"
	"github.com/studysync/syncengine/internal/syncx"
)

var (
	// ErrNotFound means the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict means a compare-and-swap write lost to a concurrent write
	ErrVersionConflict = errors.New("record version changed")

	// ErrAlreadyResolved means the conflict was resolved before
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// Operation is the mutation a change applies
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is a known operation
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Record is the server copy of one synced row
type Record struct {
	UserID    string
	TableName string
	RecordID  string
	Data      conflict.Record
	// Version increases by one on every write
	Version   int64
	UpdatedAt time.Time
	// DeviceID is the device that made the last write
	DeviceID string
}

// ChangeEntry is one applied change in the per-user change log
type ChangeEntry struct {
	ID          uuid.UUID       `json:"id"`
	UserID      string          `json:"-"`
	DeviceID    string          `json:"device_id"`
	TableName   string          `json:"table_name"`
	RecordID    string          `json:"record_id"`
	Operation   Operation       `json:"operation"`
	Data        conflict.Record `json:"data"`
	SyncVersion int64           `json:"sync_version"`
	CreatedAt   time.Time       `json:"created_at"`
	Synced      bool            `json:"synced"`
}

// ChangeQuery selects a page of the change feed.
// Results are ordered by (tier, created_at, id) where HighTables are tier 0,
// MediumTables tier 1 and everything else tier 2.
type ChangeQuery struct {
	UserID        string
	ExcludeDevice string
	Since         time.Time
	Tables        []string
	HighTables    []string
	MediumTables  []string
	After         syncx.Cursor
	Limit         int
}

// TierOf returns the priority tier of table under q
func (q ChangeQuery) TierOf(table string) int {
	for _, t := range q.HighTables {
		if t == table {
			return 0
		}
	}
	for _, t := range q.MediumTables {
		if t == table {
			return 1
		}
	}
	return 2
}

// ChangeCounts summarizes a user's change log
type ChangeCounts struct {
	Total   int
	Synced  int
	ByTable map[string]int
	Latest  *time.Time
}

// ConflictFilter selects conflicts for listing
type ConflictFilter struct {
	UserID         string
	Resolved       *bool
	Severity       conflict.Severity
	Tables         []string
	RecordID       string
	AutoResolvable *bool
	Limit          int
	Offset         int
}

// ConflictCounts summarizes a user's conflicts
type ConflictCounts struct {
	Total        int
	Unresolved   int
	AutoResolved int
	// UnresolvedBySeverity counts open conflicts per severity
	UnresolvedBySeverity map[conflict.Severity]int
	BySeverity           map[conflict.Severity]int
	ByType               map[conflict.Type]int
	// resolution time summed over resolved conflicts
	totalResolutionMs int64
}

func newConflictCounts() *ConflictCounts {
	return &ConflictCounts{
		UnresolvedBySeverity: map[conflict.Severity]int{},
		BySeverity:           map[conflict.Severity]int{},
		ByType:               map[conflict.Type]int{},
	}
}

func (c *ConflictCounts) add(sev conflict.Severity, typ conflict.Type, resolved bool, resolvedBy string, n int, resolutionMs int64) {
	c.Total += n
	c.BySeverity[sev] += n
	c.ByType[typ] += n
	if !resolved {
		c.Unresolved += n
		c.UnresolvedBySeverity[sev] += n
		return
	}
	if resolvedBy == "auto" {
		c.AutoResolved += n
	}
	c.totalResolutionMs += resolutionMs
}

// Resolved returns the number of closed conflicts
func (c *ConflictCounts) Resolved() int {
	return c.Total - c.Unresolved
}

// AvgResolutionMs is the mean resolution time of closed conflicts
func (c *ConflictCounts) AvgResolutionMs() float64 {
	if c.Resolved() == 0 {
		return 0
	}
	return float64(c.totalResolutionMs) / float64(c.Resolved())
}

// Preferences is a user's conflict-resolution configuration
type Preferences struct {
	UserID                  string                       `json:"-"`
	DefaultStrategy         conflict.Strategy            `json:"default_strategy"`
	TablePreferences        map[string]conflict.Strategy `json:"table_preferences"`
	FieldPreferences        map[string]conflict.Strategy `json:"field_preferences"`
	AutoResolveLowSeverity  bool                         `json:"auto_resolve_low_severity"`
	NotificationPreferences map[string]any               `json:"notification_preferences"`
	UpdatedAt               time.Time                    `json:"updated_at"`
}

// DefaultPreferences returns the preferences a user starts with
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:                 userID,
		DefaultStrategy:        conflict.LastWriteWins,
		TablePreferences:       map[string]conflict.Strategy{},
		FieldPreferences:       map[string]conflict.Strategy{},
		AutoResolveLowSeverity: true,
		NotificationPreferences: map[string]any{
			"notify_on_conflict":     true,
			"notify_on_auto_resolve": false,
		},
	}
}

// Records reads and writes synced rows by (table, primary key)
type Records interface {
	GetRecord(ctx context.Context, userID, table, recordID string) (*Record, error)
	// PutRecord writes rec if the stored version equals expected, where 0
	// means the record must not exist yet. Returns the new version or
	// ErrVersionConflict.
	PutRecord(ctx context.Context, rec *Record, expected int64) (int64, error)
	// DeleteRecord removes the record if the stored version equals expected
	DeleteRecord(ctx context.Context, userID, table, recordID string, expected int64) error
}

// ChangeLog is the append-only log clients pull changes from
type ChangeLog interface {
	AppendChange(ctx context.Context, e *ChangeEntry) error
	MarkSynced(ctx context.Context, userID string, ids []uuid.UUID) error
	ListChanges(ctx context.Context, q ChangeQuery) ([]ChangeEntry, error)
	CountChanges(ctx context.Context, userID string) (*ChangeCounts, error)
}

// Conflicts persists SyncConflicts
type Conflicts interface {
	InsertConflict(ctx context.Context, c *conflict.SyncConflict) error
	GetConflict(ctx context.Context, id string) (*conflict.SyncConflict, error)
	// ListConflicts returns one page and the total number of matches
	ListConflicts(ctx context.Context, f ConflictFilter) ([]conflict.SyncConflict, int, error)
	// MarkResolved closes an open conflict. Only one caller can close a
	// given conflict; the others get ErrAlreadyResolved.
	MarkResolved(ctx context.Context, id string, data conflict.Record, meta conflict.ResolutionMetadata, at time.Time) error
	// ReopenConflict undoes MarkResolved when the resolved record could not
	// be written
	ReopenConflict(ctx context.Context, id string) error
	// DeleteConflict dismisses a conflict without resolving it
	DeleteConflict(ctx context.Context, id string) error
	CountConflicts(ctx context.Context, userID string) (*ConflictCounts, error)
}

// PreferenceStore persists per-user conflict preferences
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (*Preferences, error)
	PutPreferences(ctx context.Context, p *Preferences) error
}

// Store is everything the sync service persists
type Store interface {
	Records
	ChangeLog
	Conflicts
	PreferenceStore
	device.Store
	device.PlanLookup
}
