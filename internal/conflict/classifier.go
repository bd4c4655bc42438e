package conflict

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tables whose rows are too important to ever resolve without the user
var highSeverityTables = map[string]bool{
	"users":         true,
	"content_items": true,
}

var criticalFieldSubstrings = []string{"title", "content", "front_text", "back_text"}

// IsCriticalField reports whether the field holds user-authored primary content
func IsCriticalField(name string) bool {
	return containsAny(name, criticalFieldSubstrings...)
}

// Classification is the classifier's verdict for one set of field conflicts
type Classification struct {
	Type           Type
	Severity       Severity
	AutoResolvable bool
}

// Classify derives conflict type, severity and auto-resolvability from the
// analyzer output and the table the record lives in.
func Classify(table string, fields []FieldConflict) Classification {
	var c Classification

	hasTypeMismatch := false
	allMergeable := len(fields) > 0
	hasCritical := false
	for _, f := range fields {
		if f.ConflictType == TypeMismatch {
			hasTypeMismatch = true
		}
		if !f.IsMergeable {
			allMergeable = false
		}
		if IsCriticalField(f.FieldName) {
			hasCritical = true
		}
	}

	switch {
	case hasTypeMismatch:
		c.Type = SchemaConflict
	case len(fields) > 1:
		c.Type = FieldConflictT
	default:
		c.Type = UpdateConflict
	}

	switch {
	case highSeverityTables[table]:
		c.Severity = SeverityHigh
	case hasCritical:
		c.Severity = SeverityMedium
	case hasTypeMismatch:
		c.Severity = SeverityHigh
	case len(fields) > 3:
		c.Severity = SeverityMedium
	default:
		c.Severity = SeverityLow
	}

	switch {
	case c.Severity.Blocking(), hasTypeMismatch:
		c.AutoResolvable = false
	case allMergeable:
		c.AutoResolvable = true
	case len(fields) == 1 && strings.HasSuffix(strings.ToLower(fields[0].FieldName), "_at"):
		// lone timestamp drift
		c.AutoResolvable = true
	}
	return c
}

// DetectInput carries both versions of a record plus where they came from
type DetectInput struct {
	UserID    string
	TableName string
	RecordID  string
	Local     Record
	Remote    Record
	LocalInfo DeviceInfo
	// RemoteInfo describes the device submitting the change
	RemoteInfo DeviceInfo
	// Delete marks the remote side as a deletion of the record
	Delete bool
	// VersionOnly marks a trigger based on sync_version alone
	VersionOnly bool
	Now         time.Time
}

// Detect runs analysis and classification and builds an unresolved
// SyncConflict. It returns nil when the versions agree on every
// non-system field.
func Detect(in DetectInput) *SyncConflict {
	remote := in.Remote
	if in.Delete {
		// a deletion disagrees with every field the server still holds
		remote = Record{}
	}

	fields := AnalyzeFields(in.Local, remote)
	if len(fields) == 0 {
		return nil
	}

	cls := Classify(in.TableName, fields)
	switch {
	case in.Delete:
		cls.Type = DeleteConflict
		if cls.Severity == SeverityLow {
			cls.Severity = SeverityMedium
		}
		cls.AutoResolvable = false
	case in.VersionOnly && cls.Type == UpdateConflict:
		cls.Type = VersionConflict
	}

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.FieldName
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	return &SyncConflict{
		ID:                uuid.New().String(),
		TableName:         in.TableName,
		RecordID:          in.RecordID,
		UserID:            in.UserID,
		LocalData:         in.Local,
		RemoteData:        remote,
		ConflictType:      cls.Type,
		Severity:          cls.Severity,
		ConflictingFields: names,
		FieldConflicts:    fields,
		LocalDeviceInfo:   in.LocalInfo,
		RemoteDeviceInfo:  in.RemoteInfo,
		AutoResolvable:    cls.AutoResolvable,
		CreatedAt:         now,
	}
}
