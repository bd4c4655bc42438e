package syncx

import (
	"testing"

	"github.com/google/uuid"
)

var testID = uuid.MustParse("c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f")

func TestEncodeCursor(t *testing.T) {
	tests := []struct {
		name     string
		cursor   Cursor
		expected string
	}{
		{
			name:     "high priority tier",
			cursor:   Cursor{Tier: 0, Ms: 1730635200000, ID: testID},
			expected: "MHwxNzMwNjM1MjAwMDAwfGMxZDliN2RjLWExYjItNGMzZC05ZThmLTdhNmI1YzRkM2UyZg",
		},
		{
			name:     "low tier zero timestamp",
			cursor:   Cursor{Tier: 2, Ms: 0, ID: testID},
			expected: "MnwwfGMxZDliN2RjLWExYjItNGMzZC05ZThmLTdhNmI1YzRkM2UyZg",
		},
		{
			name:     "zero value cursor",
			cursor:   Cursor{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeCursor(tt.cursor)
			if got != tt.expected {
				t.Errorf("EncodeCursor() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDecodeCursor(t *testing.T) {
	tests := []struct {
		name      string
		encoded   string
		want      Cursor
		wantValid bool
	}{
		{
			name:      "valid cursor",
			encoded:   "MHwxNzMwNjM1MjAwMDAwfGMxZDliN2RjLWExYjItNGMzZC05ZThmLTdhNmI1YzRkM2UyZg",
			want:      Cursor{Tier: 0, Ms: 1730635200000, ID: testID},
			wantValid: true,
		},
		{
			name:    "empty string",
			encoded: "",
		},
		{
			name:    "invalid base64",
			encoded: "not-base64!!!",
		},
		{
			name:    "legacy two-part cursor",
			encoded: "MTczMDYzNTIwMDAwMHxjMWQ5YjdkYy1hMWIyLTRjM2QtOWU4Zi03YTZiNWM0ZDNlMmY", // "1730635200000|c1d9..."
		},
		{
			name:    "negative tier",
			encoded: "LTF8NXxjMWQ5YjdkYy1hMWIyLTRjM2QtOWU4Zi03YTZiNWM0ZDNlMmY", // "-1|5|c1d9..."
		},
		{
			name:    "non-numeric tier",
			encoded: "eHw1fGMxZDliN2RjLWExYjItNGMzZC05ZThmLTdhNmI1YzRkM2UyZg", // "x|5|c1d9..."
		},
		{
			name:    "invalid timestamp",
			encoded: "MHxhYmN8YzFkOWI3ZGMtYTFiMi00YzNkLTllOGYtN2E2YjVjNGQzZTJm", // "0|abc|c1d9..."
		},
		{
			name:    "invalid uuid",
			encoded: "MHw1fG5vdC1hLXV1aWQ", // "0|5|not-a-uuid"
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, valid := DecodeCursor(tt.encoded)
			if valid != tt.wantValid {
				t.Fatalf("DecodeCursor() valid = %v, want %v", valid, tt.wantValid)
			}
			if valid && got != tt.want {
				t.Errorf("DecodeCursor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	original := Cursor{Tier: 1, Ms: 1730635200123, ID: uuid.New()}

	decoded, ok := DecodeCursor(EncodeCursor(original))
	if !ok {
		t.Fatal("round trip failed to decode")
	}
	if decoded != original {
		t.Errorf("round trip = %+v, want %+v", decoded, original)
	}
}

func TestCursorAfter(t *testing.T) {
	lo := uuid.MustParse("00000000-0000-4000-8000-000000000001")
	hi := uuid.MustParse("ffffffff-0000-4000-8000-000000000001")
	c := Cursor{Tier: 1, Ms: 1000, ID: lo}

	tests := []struct {
		name string
		tier int
		ms   int64
		id   uuid.UUID
		want bool
	}{
		{"higher tier earlier time", 2, 1, lo, true},
		{"lower tier later time", 0, 9999, hi, false},
		{"same tier later time", 1, 1001, lo, true},
		{"same tier earlier time", 1, 999, hi, false},
		{"same millisecond larger id", 1, 1000, hi, true},
		{"cursor position itself", 1, 1000, lo, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.After(tt.tier, tt.ms, tt.id); got != tt.want {
				t.Errorf("After(%d, %d, %s) = %v, want %v", tt.tier, tt.ms, tt.id, got, tt.want)
			}
		})
	}
}
