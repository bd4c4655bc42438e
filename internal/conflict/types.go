// Package conflict detects, classifies and resolves divergent versions of a
// synced record. Everything in this package is pure: persistence and table
// writes live in the sync service.
package conflict

import (
	"encoding/json"
	"time"
)

// Record is a JSON-like snapshot of one row as exchanged with clients
type Record map[string]any

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// systemFields are never compared, merged or reported as conflicting
var systemFields = map[string]bool{
	"id":         true,
	"created_at": true,
	"user_id":    true,
}

// IsSystemField reports whether name is an identity/ownership column
func IsSystemField(name string) bool {
	return systemFields[name]
}

// FieldConflictType classifies a single disagreeing field
type FieldConflictType string

const (
	ValueMismatch FieldConflictType = "value_mismatch"
	TypeMismatch  FieldConflictType = "type_mismatch"
	NullConflict  FieldConflictType = "null_conflict"
)

// Side names which version of a field to keep
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideMerge  Side = "merge"
)

// MergeStrategy labels how a mergeable field would be combined
type MergeStrategy string

const (
	MergeText           MergeStrategy = "text_merge"
	MergeNumericAverage MergeStrategy = "numeric_average"
	MergeArrayUnion     MergeStrategy = "array_union"
	MergeObject         MergeStrategy = "object_merge"
	MergeManual         MergeStrategy = "manual"
)

// FieldConflict is one disagreeing field within a SyncConflict
type FieldConflict struct {
	FieldName           string            `json:"field_name"`
	LocalValue          any               `json:"local_value"`
	RemoteValue         any               `json:"remote_value"`
	ConflictType        FieldConflictType `json:"conflict_type"`
	IsMergeable         bool              `json:"is_mergeable"`
	SuggestedResolution Side              `json:"suggested_resolution"`
	MergeStrategy       MergeStrategy     `json:"merge_strategy,omitempty"`
}

// Type is the record-level conflict classification
type Type string

const (
	UpdateConflict  Type = "update_conflict"
	FieldConflictT  Type = "field_conflict"
	SchemaConflict  Type = "schema_conflict"
	DeleteConflict  Type = "delete_conflict"
	VersionConflict Type = "version_conflict"
)

// Severity gates whether a conflict may be resolved without the user
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Blocking reports whether the severity forbids automatic resolution
func (s Severity) Blocking() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// DeviceInfo identifies which device produced a version and when
type DeviceInfo struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Version   int64     `json:"sync_version,omitempty"`
}

// ResolutionMetadata describes how a conflict was closed
type ResolutionMetadata struct {
	Strategy         Strategy         `json:"strategy"`
	ResolvedBy       string           `json:"resolved_by"`
	ResolutionTimeMs int64            `json:"resolution_time_ms"`
	FieldResolutions FieldResolutions `json:"field_resolutions,omitempty"`
}

// SyncConflict is a detected divergence between the stored (local) state of a
// record and an incoming (remote) change.
//
// ResolvedData, Resolution and ResolvedAt are set and cleared together.
// Once the resolved record has been written a conflict stays resolved.
type SyncConflict struct {
	ID                string              `json:"id"`
	TableName         string              `json:"table_name"`
	RecordID          string              `json:"record_id"`
	UserID            string              `json:"user_id"`
	LocalData         Record              `json:"local_data"`
	RemoteData        Record              `json:"remote_data"`
	ConflictType      Type                `json:"conflict_type"`
	Severity          Severity            `json:"severity"`
	ConflictingFields []string            `json:"conflicting_fields"`
	FieldConflicts    []FieldConflict     `json:"field_conflicts"`
	LocalDeviceInfo   DeviceInfo          `json:"local_device_info"`
	RemoteDeviceInfo  DeviceInfo          `json:"remote_device_info"`
	AutoResolvable    bool                `json:"auto_resolvable"`
	Resolved          bool                `json:"resolved"`
	ResolvedData      Record              `json:"resolved_data,omitempty"`
	Resolution        *ResolutionMetadata `json:"resolution_metadata,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	ResolvedAt        *time.Time          `json:"resolved_at,omitempty"`
}

// HasField reports whether name is one of the conflicting fields
func (c *SyncConflict) HasField(name string) bool {
	for _, f := range c.ConflictingFields {
		if f == name {
			return true
		}
	}
	return false
}

// canonical returns the JSON encoding used for all equality checks.
// encoding/json sorts map keys, so equal records encode identically.
func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Equal reports whether two values are identical once serialized
func Equal(a, b any) bool {
	return canonical(a) == canonical(b)
}

// EqualIgnoringSystem reports whether two records agree on every non-system field
func EqualIgnoringSystem(a, b Record) bool {
	return Equal(stripSystem(a), stripSystem(b))
}

func stripSystem(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		if !IsSystemField(k) {
			out[k] = v
		}
	}
	return out
}
