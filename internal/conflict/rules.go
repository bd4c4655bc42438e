package conflict

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed rules/default.yaml
var defaultRulesYAML []byte

// wildcardTable holds rules that apply to every table
const wildcardTable = "*"

// RuleSet maps (table, field) to the strategy content_aware applies to that
// field. It is safe for concurrent use; new content types register rules at
// runtime without touching the resolver.
type RuleSet struct {
	mu      sync.RWMutex
	version int
	tables  map[string]map[string]Strategy
}

type ruleFile struct {
	Version int                          `yaml:"version"`
	Tables  map[string]map[string]string `yaml:"tables"`
}

// ParseRules decodes a YAML rule document
func ParseRules(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	rs := &RuleSet{version: f.Version, tables: make(map[string]map[string]Strategy, len(f.Tables))}
	for table, fields := range f.Tables {
		for field, name := range fields {
			s, err := ParseStrategy(name)
			if err != nil {
				return nil, fmt.Errorf("rule %s.%s: %w", table, field, err)
			}
			rs.set(table, field, s)
		}
	}
	return rs, nil
}

// LoadRulesFile reads a YAML rule document from disk
func LoadRulesFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// DefaultRules returns a fresh copy of the embedded rule set
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic("conflict: embedded rules are invalid: " + err.Error())
	}
	return rs
}

// Version is the rule document version, for auditing resolutions
func (rs *RuleSet) Version() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.version
}

// Lookup returns the strategy for table.field, consulting wildcard rules last
func (rs *RuleSet) Lookup(table, field string) (Strategy, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if s, ok := rs.tables[table][field]; ok {
		return s, true
	}
	s, ok := rs.tables[wildcardTable][field]
	return s, ok
}

// Register adds or replaces a rule
func (rs *RuleSet) Register(table, field string, s Strategy) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.set(table, field, s)
}

func (rs *RuleSet) set(table, field string, s Strategy) {
	if rs.tables[table] == nil {
		rs.tables[table] = make(map[string]Strategy)
	}
	rs.tables[table][field] = s
}

// Replace swaps in the rules and version of next
func (rs *RuleSet) Replace(next *RuleSet) {
	next.mu.RLock()
	tables, version := next.tables, next.version
	next.mu.RUnlock()

	rs.mu.Lock()
	rs.tables, rs.version = tables, version
	rs.mu.Unlock()
}
