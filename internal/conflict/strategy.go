package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Strategy names an algorithm that collapses two versions into one
type Strategy string

const (
	LastWriteWins Strategy = "last_write_wins"
	Merge         Strategy = "merge"
	UserChoice    Strategy = "user_choice"
	ContentAware  Strategy = "content_aware"
	FieldMerge    Strategy = "field_merge"
)

// Strategies lists every supported strategy
var Strategies = []Strategy{LastWriteWins, Merge, UserChoice, ContentAware, FieldMerge}

var (
	// ErrUnknownStrategy is returned for strategy names outside Strategies
	ErrUnknownStrategy = errors.New("unknown resolution strategy")

	// ErrMissingFieldResolutions is returned by user_choice without any field input
	ErrMissingFieldResolutions = errors.New("user_choice requires field resolutions")
)

// ParseStrategy validates a client-supplied strategy name
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Choice selects the source of one field's resolved value
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
	ChoiceMerged Choice = "merged"
	ChoiceCustom Choice = "custom"
)

// FieldResolution is a user's decision for a single field.
// In JSON it is either a bare choice ("local") or {"choice": "custom", "value": ...}.
type FieldResolution struct {
	Choice Choice `json:"choice"`
	Value  any    `json:"value,omitempty"`
}

func (f *FieldResolution) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		f.Choice = Choice(s)
		return f.validate()
	}
	type plain FieldResolution
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*f = FieldResolution(p)
	return f.validate()
}

func (f *FieldResolution) validate() error {
	switch f.Choice {
	case ChoiceLocal, ChoiceRemote, ChoiceMerged, ChoiceCustom:
		return nil
	}
	return fmt.Errorf("invalid field resolution %q", f.Choice)
}

// FieldResolutions maps field name to the user's decision
type FieldResolutions map[string]FieldResolution

// Resolver computes the resolved record for a conflict
type Resolver interface {
	Resolve(c *SyncConflict, hints FieldResolutions) (Record, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(c *SyncConflict, hints FieldResolutions) (Record, error)

func (f ResolverFunc) Resolve(c *SyncConflict, hints FieldResolutions) (Record, error) {
	return f(c, hints)
}

// Engine dispatches resolution requests to the registered resolvers
type Engine struct {
	resolvers map[Strategy]Resolver
	rules     *RuleSet
}

// NewEngine builds an engine with every strategy registered.
// A nil rule set falls back to the embedded default rules.
func NewEngine(rules *RuleSet) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	e := &Engine{rules: rules}
	e.resolvers = map[Strategy]Resolver{
		LastWriteWins: ResolverFunc(resolveLastWriteWins),
		Merge: ResolverFunc(func(c *SyncConflict, h FieldResolutions) (Record, error) {
			return mergeRecord(c, h, false), nil
		}),
		FieldMerge: ResolverFunc(func(c *SyncConflict, h FieldResolutions) (Record, error) {
			return mergeRecord(c, h, true), nil
		}),
		UserChoice:   ResolverFunc(resolveUserChoice),
		ContentAware: ResolverFunc(e.resolveContentAware),
	}
	return e
}

// Rules returns the content-aware rule set in use
func (e *Engine) Rules() *RuleSet {
	return e.rules
}

// Resolve computes the resolved record for c using strategy s
func (e *Engine) Resolve(c *SyncConflict, s Strategy, hints FieldResolutions) (Record, error) {
	r, ok := e.resolvers[s]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	return r.Resolve(c, hints)
}

// remoteWins reports whether the remote side is the later write.
// Ties go to the remote (incoming) version.
func remoteWins(c *SyncConflict) bool {
	return !c.LocalDeviceInfo.Timestamp.After(c.RemoteDeviceInfo.Timestamp)
}

func resolveLastWriteWins(c *SyncConflict, _ FieldResolutions) (Record, error) {
	if remoteWins(c) {
		return c.RemoteData.Clone(), nil
	}
	return c.LocalData.Clone(), nil
}

func resolveUserChoice(c *SyncConflict, hints FieldResolutions) (Record, error) {
	if len(hints) == 0 {
		return nil, ErrMissingFieldResolutions
	}
	return mergeRecord(c, hints, false), nil
}

// unionFields returns every non-system field name of both versions, sorted
func unionFields(c *SyncConflict) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range []Record{c.LocalData, c.RemoteData} {
		for k := range r {
			if IsSystemField(k) || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// mergeRecord starts from the local version and settles every field:
// explicit hints first, then per-type auto-merge for conflicting fields,
// then the remote value for the rest.
func mergeRecord(c *SyncConflict, hints FieldResolutions, scoreMax bool) Record {
	out := c.LocalData.Clone()
	for _, name := range unionFields(c) {
		if h, ok := hints[name]; ok {
			applyHint(out, c, name, h, scoreMax)
			continue
		}
		if c.HasField(name) {
			setField(out, name, mergeValues(name, c.LocalData[name], c.RemoteData[name], scoreMax))
			continue
		}
		if rv, ok := c.RemoteData[name]; ok {
			out[name] = rv
		}
	}
	return out
}

func applyHint(out Record, c *SyncConflict, name string, h FieldResolution, scoreMax bool) {
	switch h.Choice {
	case ChoiceLocal:
		copyField(out, c.LocalData, name)
	case ChoiceRemote:
		copyField(out, c.RemoteData, name)
	case ChoiceMerged:
		setField(out, name, mergeValues(name, c.LocalData[name], c.RemoteData[name], scoreMax))
	case ChoiceCustom:
		out[name] = h.Value
	}
}

func copyField(dst, src Record, name string) {
	if v, ok := src[name]; ok {
		dst[name] = v
		return
	}
	delete(dst, name)
}

func setField(out Record, name string, v any) {
	if v == nil {
		delete(out, name)
		return
	}
	out[name] = v
}

// resolveContentAware settles each field with the sub-strategy the rule set
// assigns to (table, field). Unmatched fields take the remote value;
// user_choice without input keeps local.
func (e *Engine) resolveContentAware(c *SyncConflict, hints FieldResolutions) (Record, error) {
	out := c.LocalData.Clone()
	for _, name := range unionFields(c) {
		rule, ok := e.rules.Lookup(c.TableName, name)
		if !ok {
			if _, present := c.RemoteData[name]; present {
				out[name] = c.RemoteData[name]
			}
			continue
		}

		switch rule {
		case UserChoice:
			if h, ok := hints[name]; ok {
				applyHint(out, c, name, h, false)
			} else {
				copyField(out, c.LocalData, name)
			}
		case LastWriteWins:
			if remoteWins(c) {
				copyField(out, c.RemoteData, name)
			} else {
				copyField(out, c.LocalData, name)
			}
		case Merge:
			setField(out, name, mergeValues(name, c.LocalData[name], c.RemoteData[name], false))
		case FieldMerge:
			setField(out, name, mergeValues(name, c.LocalData[name], c.RemoteData[name], true))
		default:
			copyField(out, c.RemoteData, name)
		}
	}
	return out, nil
}
