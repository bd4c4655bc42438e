package conflict

import (
	"github.com/studysync/syncengine/internal/syncx"
)

// MergedSeparator joins two divergent text values
const MergedSeparator = "\n\n--- MERGED ---\n\n"

// MergeFieldValues combines two versions of a field by value type:
// text fields are concatenated, other strings keep the longer value,
// numbers are averaged, arrays are unioned and objects are overlaid with
// remote keys taking precedence. Values of differing or unmergeable types
// fall back to remote unless remote is null.
func MergeFieldValues(name string, local, remote any) any {
	return mergeValues(name, local, remote, false)
}

// mergeValues implements MergeFieldValues. With scoreMax set, score and
// rating fields keep the larger number instead of the average.
func mergeValues(name string, local, remote any, scoreMax bool) any {
	if Equal(local, remote) {
		return local
	}

	if ls, ok := local.(string); ok {
		if rs, ok := remote.(string); ok {
			return mergeStrings(name, ls, rs)
		}
	}

	lf, lok := syncx.ToFloat(local)
	rf, rok := syncx.ToFloat(remote)
	if lok && rok {
		if scoreMax && isScoreField(name) {
			if lf > rf {
				return local
			}
			return remote
		}
		return (lf + rf) / 2
	}

	if la, ok := local.([]any); ok {
		if ra, ok := remote.([]any); ok {
			return UnionArrays(la, ra)
		}
	}

	if lo, ro := asObject(local), asObject(remote); lo != nil && ro != nil {
		out := make(map[string]any, len(lo)+len(ro))
		for k, v := range lo {
			out[k] = v
		}
		for k, v := range ro {
			out[k] = v
		}
		return out
	}

	if remote == nil {
		return local
	}
	return remote
}

func mergeStrings(name, local, remote string) string {
	switch {
	case local == "":
		return remote
	case remote == "":
		return local
	case isTextField(name):
		return local + MergedSeparator + remote
	case len(local) > len(remote):
		return local
	default:
		return remote
	}
}

// UnionArrays returns the elements of a followed by the elements of b not
// already present, comparing elements by their JSON encoding.
func UnionArrays(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, v := range list {
			key := canonical(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}
