package syncservice

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/studysync/syncengine/internal/store"
	"github.com/studysync/syncengine/internal/syncx"
)

// Table priority tiers of the change feed. Tables not listed are low priority.
var (
	HighPriorityTables   = []string{"content_items", "notes", "flashcards", "folders"}
	MediumPriorityTables = []string{"summaries", "quizzes", "quiz_questions", "transcripts", "chat_messages"}
)

// ChangesQuery selects changes for one device
type ChangesQuery struct {
	UserID   string
	DeviceID string
	Since    time.Time
	Tables   []string
	Cursor   string
	Limit    int
}

// ChangesPage is one page of the change feed. LatestTimestamp is safe to
// send back as Since: while HasMore is set it stays at the query's Since
// (nil when there was none), because later pages of lower tiers can hold
// older changes.
type ChangesPage struct {
	Changes         []store.ChangeEntry `json:"changes"`
	LatestTimestamp *time.Time          `json:"latest_timestamp"`
	HasMore         bool                `json:"has_more"`
	NextCursor      string              `json:"next_cursor,omitempty"`
}

// GetChangesSince returns changes made by the user's other devices after
// Since, highest priority tables first. Pages continue from NextCursor.
func (s *Service) GetChangesSince(ctx context.Context, q ChangesQuery) (*ChangesPage, error) {
	if _, err := s.Devices.ValidateAccess(ctx, q.UserID, q.DeviceID); err != nil {
		return nil, err
	}

	var after syncx.Cursor
	if q.Cursor != "" {
		c, ok := syncx.DecodeCursor(q.Cursor)
		if !ok {
			return nil, validationError("invalid cursor")
		}
		after = c
	}

	limit := q.Limit
	if limit <= 0 || limit > s.PageLimit {
		limit = s.PageLimit
	}

	query := store.ChangeQuery{
		UserID:        q.UserID,
		ExcludeDevice: q.DeviceID,
		Since:         q.Since,
		Tables:        q.Tables,
		HighTables:    HighPriorityTables,
		MediumTables:  MediumPriorityTables,
		After:         after,
		Limit:         limit + 1,
	}
	changes, err := s.Store.ListChanges(ctx, query)
	if err != nil {
		return nil, err
	}

	page := &ChangesPage{Changes: changes}
	if len(changes) > limit {
		page.Changes = changes[:limit]
		page.HasMore = true
		last := page.Changes[limit-1]
		page.NextCursor = syncx.EncodeCursor(syncx.Cursor{
			Tier: query.TierOf(last.TableName),
			Ms:   last.CreatedAt.UnixMilli(),
			ID:   last.ID,
		})
	}
	if page.Changes == nil {
		page.Changes = []store.ChangeEntry{}
	}
	switch {
	case page.HasMore:
		if !q.Since.IsZero() {
			since := q.Since
			page.LatestTimestamp = &since
		}
	default:
		for _, c := range page.Changes {
			if page.LatestTimestamp == nil || c.CreatedAt.After(*page.LatestTimestamp) {
				t := c.CreatedAt
				page.LatestTimestamp = &t
			}
		}
	}

	log.Ctx(ctx).Debug().
		Str("userId", q.UserID).
		Str("deviceId", q.DeviceID).
		Int("count", len(page.Changes)).
		Bool("hasMore", page.HasMore).
		Msg("changes served")
	return page, nil
}
