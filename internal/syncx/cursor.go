package syncx

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Cursor is a position in the ordered change feed.
// Format: base64("<tier>|<created_at_ms>|<change uuid>")
// Changes are ordered by (tier, created_at_ms, id), so the cursor carries
// all three to resume deterministically.
type Cursor struct {
	Tier int       // table priority tier, 0 = highest
	Ms   int64     // change creation time, Unix milliseconds
	ID   uuid.UUID // change id, tie-breaker within one millisecond
}

// IsZero reports whether the cursor points at the start of the feed
func (c Cursor) IsZero() bool {
	return c.Tier == 0 && c.Ms == 0 && c.ID == uuid.Nil
}

// After reports whether a change at (tier, ms, id) sorts strictly after c
func (c Cursor) After(tier int, ms int64, id uuid.UUID) bool {
	if tier != c.Tier {
		return tier > c.Tier
	}
	if ms != c.Ms {
		return ms > c.Ms
	}
	return strings.Compare(id.String(), c.ID.String()) > 0
}

// EncodeCursor creates an opaque cursor string; zero cursors encode as ""
func EncodeCursor(c Cursor) string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%d|%d|%s", c.Tier, c.Ms, c.ID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor string.
// Returns the zero cursor and false if s is empty or malformed.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}

	parts := strings.Split(string(b), "|")
	if len(parts) != 3 {
		return Cursor{}, false
	}

	tier, err := strconv.Atoi(parts[0])
	if err != nil || tier < 0 {
		return Cursor{}, false
	}

	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, false
	}

	id, err := uuid.Parse(parts[2])
	if err != nil {
		return Cursor{}, false
	}

	return Cursor{Tier: tier, Ms: ms, ID: id}, true
}
