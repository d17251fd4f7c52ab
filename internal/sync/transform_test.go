package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dedet2/crmsync/internal/db"
)

// TestToRemoteEncodings tests field renaming, datetime formatting and list
// serialization toward the remote store
func TestToRemoteEncodings(t *testing.T) {
	et, _ := DefaultConfig().EntityTypeByName("revenue_streams")

	rec := db.Record{
		EntityType: "revenue_streams",
		Fields: map[string]any{
			"name":       "Q1 Revenue",
			"revenue":    float64(1000),
			"tags":       []any{"consulting", "retainer"},
			"updated_at": "2026-03-01 09:30:00",
			"ignored":    "not in the field map",
		},
	}

	out := ToRemote(rec, et)
	assert.Equal(t, "Q1 Revenue", out["Stream Name"])
	assert.Equal(t, float64(1000), out["Monthly Revenue"])
	assert.Equal(t, `["consulting","retainer"]`, out["Tags"])
	assert.Equal(t, "2026-03-01T09:30:00Z", out["Last Modified"])
	assert.NotContains(t, out, "ignored")
}

// TestFromRemoteDecodesJSONFields tests the inverse mapping
func TestFromRemoteDecodesJSONFields(t *testing.T) {
	et, _ := DefaultConfig().EntityTypeByName("revenue_streams")

	out := FromRemote(map[string]any{
		"Stream Name":   "Q1 Revenue",
		"Tags":          `["consulting","retainer"]`,
		"Last Modified": "2026-03-01T09:30:00Z",
	}, et)

	assert.Equal(t, "Q1 Revenue", out["name"])
	assert.Equal(t, []any{"consulting", "retainer"}, out["tags"])
	assert.Equal(t, "2026-03-01T09:30:00Z", out["updated_at"])
}

// TestModifiedAtFieldPrecedence tests the timestamp field lookup order
func TestModifiedAtFieldPrecedence(t *testing.T) {
	ts, ok := modifiedAt(map[string]any{
		"updated_at":    "2026-01-01T10:00:00Z",
		"last_activity": "2026-01-02T10:00:00Z",
	})
	assert.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), ts)

	_, ok = modifiedAt(map[string]any{"name": "no timestamps"})
	assert.False(t, ok)
}
