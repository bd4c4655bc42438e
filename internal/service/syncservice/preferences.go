package syncservice

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/store"
)

// GetPreferences returns the user's preferences, or the defaults when the
// user never saved any. Defaults are not persisted until the first write.
func (s *Service) GetPreferences(ctx context.Context, userID string) (*store.Preferences, error) {
	p, err := s.Store.GetPreferences(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, err
	}
	if p.TablePreferences == nil {
		p.TablePreferences = map[string]conflict.Strategy{}
	}
	if p.FieldPreferences == nil {
		p.FieldPreferences = map[string]conflict.Strategy{}
	}
	return p, nil
}

// PreferencesPatch is a partial update; nil fields keep their stored value
type PreferencesPatch struct {
	DefaultStrategy         *conflict.Strategy           `json:"default_strategy"`
	TablePreferences        map[string]conflict.Strategy `json:"table_preferences"`
	FieldPreferences        map[string]conflict.Strategy `json:"field_preferences"`
	AutoResolveLowSeverity  *bool                        `json:"auto_resolve_low_severity"`
	NotificationPreferences map[string]any               `json:"notification_preferences"`
}

func validStrategy(st conflict.Strategy) error {
	if _, err := conflict.ParseStrategy(string(st)); err != nil {
		return validationError("%v", err)
	}
	return nil
}

func (p PreferencesPatch) validate() error {
	if p.DefaultStrategy != nil {
		if err := validStrategy(*p.DefaultStrategy); err != nil {
			return err
		}
	}
	for _, m := range []map[string]conflict.Strategy{p.TablePreferences, p.FieldPreferences} {
		for k, st := range m {
			if k == "" {
				return validationError("preference keys must not be empty")
			}
			if err := validStrategy(st); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdatePreferences applies a patch in place. Maps in the patch replace the
// stored maps wholesale.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, patch PreferencesPatch) (*store.Preferences, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}
	p, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	if patch.DefaultStrategy != nil {
		p.DefaultStrategy = *patch.DefaultStrategy
	}
	if patch.TablePreferences != nil {
		p.TablePreferences = patch.TablePreferences
	}
	if patch.FieldPreferences != nil {
		p.FieldPreferences = patch.FieldPreferences
	}
	if patch.AutoResolveLowSeverity != nil {
		p.AutoResolveLowSeverity = *patch.AutoResolveLowSeverity
	}
	if patch.NotificationPreferences != nil {
		p.NotificationPreferences = patch.NotificationPreferences
	}
	p.UpdatedAt = s.Now()

	if err := s.Store.PutPreferences(ctx, p); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().Str("userId", userID).Str("defaultStrategy", string(p.DefaultStrategy)).Msg("conflict preferences updated")
	return p, nil
}

func (s *Service) saveTablePreference(ctx context.Context, userID, table string, st conflict.Strategy) error {
	p, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return err
	}
	p.TablePreferences[table] = st
	p.UpdatedAt = s.Now()
	return s.Store.PutPreferences(ctx, p)
}
