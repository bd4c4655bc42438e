package conflict

import (
	"sort"
	"strings"
	"time"

	"github.com/studysync/syncengine/internal/syncx"
)

// AnalyzeFields compares the stored (local) and incoming (remote) versions of
// a record and returns one FieldConflict per disagreeing non-system field,
// ordered by field name. Identical records yield nil.
func AnalyzeFields(local, remote Record) []FieldConflict {
	if canonical(local) == canonical(remote) {
		return nil
	}

	names := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		names[k] = struct{}{}
	}
	for k := range remote {
		names[k] = struct{}{}
	}

	sorted := make([]string, 0, len(names))
	for k := range names {
		if !IsSystemField(k) {
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)

	var out []FieldConflict
	for _, name := range sorted {
		lv, rv := local[name], remote[name]
		if Equal(lv, rv) {
			continue
		}
		out = append(out, analyzeField(name, lv, rv))
	}
	return out
}

func analyzeField(name string, local, remote any) FieldConflict {
	fc := FieldConflict{
		FieldName:   name,
		LocalValue:  local,
		RemoteValue: remote,
	}

	switch {
	case local == nil || remote == nil:
		fc.ConflictType = NullConflict
	case typeOf(local) != typeOf(remote):
		fc.ConflictType = TypeMismatch
	default:
		fc.ConflictType = ValueMismatch
	}

	fc.IsMergeable, fc.MergeStrategy = mergeability(name, local, remote)

	switch {
	case fc.IsMergeable:
		fc.SuggestedResolution = SideMerge
	case isTimestampField(name):
		fc.SuggestedResolution = laterSide(local, remote)
	case isScoreField(name):
		fc.SuggestedResolution = largerSide(local, remote)
	default:
		fc.SuggestedResolution = SideRemote
	}
	return fc
}

// mergeability applies the field-name heuristics. Text and numeric fields
// are only mergeable when both sides carry the matching type; arrays and
// objects always are.
func mergeability(name string, local, remote any) (bool, MergeStrategy) {
	_, ls := local.(string)
	_, rs := remote.(string)
	if isTextField(name) && ls && rs {
		return true, MergeText
	}
	_, ln := syncx.ToFloat(local)
	_, rn := syncx.ToFloat(remote)
	if isCountingField(name) && ln && rn {
		return true, MergeNumericAverage
	}
	if isArray(local) && isArray(remote) {
		return true, MergeArrayUnion
	}
	if isObject(local) && isObject(remote) {
		return true, MergeObject
	}
	return false, MergeManual
}

func laterSide(local, remote any) Side {
	lt, lok := toTime(local)
	rt, rok := toTime(remote)
	if lok && rok && lt.After(rt) {
		return SideLocal
	}
	return SideRemote
}

func largerSide(local, remote any) Side {
	lf, lok := syncx.ToFloat(local)
	rf, rok := syncx.ToFloat(remote)
	if lok && rok && lf > rf {
		return SideLocal
	}
	return SideRemote
}

func toTime(v any) (time.Time, bool) {
	ms, ok := syncx.TimeValueMs(v)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// typeOf mirrors the coarse runtime type classes clients work with:
// arrays and objects share a class, as do all numeric kinds.
func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any, Record, []any:
		return "object"
	}
	if _, ok := syncx.ToFloat(v); ok {
		return "number"
	}
	return "object"
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

func isObject(v any) bool {
	switch v.(type) {
	case map[string]any, Record:
		return true
	}
	return false
}

func asObject(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case Record:
		return m
	}
	return nil
}

func containsAny(name string, subs ...string) bool {
	lower := strings.ToLower(name)
	for _, s := range subs {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func isTextField(name string) bool {
	return containsAny(name, "note", "description", "content")
}

func isCountingField(name string) bool {
	return containsAny(name, "score", "count", "rating")
}

func isScoreField(name string) bool {
	return containsAny(name, "score", "rating")
}

func isTimestampField(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), "_at") || containsAny(name, "timestamp")
}
