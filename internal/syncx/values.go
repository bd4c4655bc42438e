package syncx

import (
	"encoding/json"
	"strconv"
	"time"
)

// Field names clients use for the last-modified timestamp, in lookup order
var updatedAtKeys = []string{"updated_at", "updatedAt", "updatedTs"}

// ParseTimeToMs converts various time formats to Unix milliseconds
// Accepts: RFC3339 (with or without fraction), numeric milliseconds as string
func ParseTimeToMs(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().UnixMilli(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().UnixMilli(), true
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, true
	}

	return 0, false
}

// ToFloat converts any JSON-decoded or Go numeric value to float64.
// Booleans and numeric strings are not numbers.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// TimeValueMs converts a timestamp field value (string or number) to Unix ms
func TimeValueMs(v any) (int64, bool) {
	switch t := v.(type) {
	case string:
		return ParseTimeToMs(t)
	case time.Time:
		return t.UTC().UnixMilli(), true
	}
	if f, ok := ToFloat(v); ok {
		return int64(f), true
	}
	return 0, false
}

// UpdatedAtMs returns the record's last-modified time, tolerating the
// naming conventions different clients use. ok is false when the record
// carries no parseable timestamp.
func UpdatedAtMs(record map[string]any) (int64, bool) {
	for _, k := range updatedAtKeys {
		if v, present := record[k]; present {
			if ms, ok := TimeValueMs(v); ok {
				return ms, true
			}
		}
	}
	return 0, false
}
