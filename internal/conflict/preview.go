package conflict

import "errors"

// Preview is the outcome of a dry-run resolution
type Preview struct {
	Data           Record          `json:"preview_data"`
	FieldConflicts []FieldConflict `json:"field_conflicts"`
	Warnings       []string        `json:"warnings"`
	IsSafe         bool            `json:"is_safe"`
}

const (
	warnLWWHighSeverity  = "last_write_wins on high-severity conflict may lose data"
	warnSensitiveFields  = "resolving sensitive fields needs manual review"
	warnSchemaConflict   = "field types differ between versions; only user_choice preserves both shapes"
	warnDeleteConflict   = "record was deleted on one device and edited on another"
	warnMissingFieldData = "user_choice requires field resolutions"
)

// Preview computes what Resolve would produce without side effects and
// reports whether applying it is considered safe.
func (e *Engine) Preview(c *SyncConflict, s Strategy, hints FieldResolutions) (*Preview, error) {
	p := &Preview{
		FieldConflicts: c.FieldConflicts,
		Warnings:       []string{},
	}

	data, err := e.Resolve(c, s, hints)
	if err != nil {
		if !errors.Is(err, ErrMissingFieldResolutions) {
			return nil, err
		}
		p.Warnings = append(p.Warnings, warnMissingFieldData)
	}
	p.Data = data

	if s == LastWriteWins && c.Severity.Blocking() {
		p.Warnings = append(p.Warnings, warnLWWHighSeverity)
	}
	if s != UserChoice {
		for _, f := range c.ConflictingFields {
			if IsCriticalField(f) {
				p.Warnings = append(p.Warnings, warnSensitiveFields)
				break
			}
		}
	}
	if c.ConflictType == SchemaConflict && s != UserChoice {
		p.Warnings = append(p.Warnings, warnSchemaConflict)
	}
	if c.ConflictType == DeleteConflict {
		p.Warnings = append(p.Warnings, warnDeleteConflict)
	}

	p.IsSafe = err == nil
	if s != UserChoice && (c.Severity.Blocking() || c.ConflictType == SchemaConflict) {
		p.IsSafe = false
	}
	return p, nil
}
