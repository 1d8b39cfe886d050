package docker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuildAndParseLabels verifies labels written for a sandbox are read
// back into the same metadata.
func TestBuildAndParseLabels(t *testing.T) {
	created := time.Date(2026, 2, 28, 10, 0, 0, 0, time.FixedZone("JST", 9*60*60))
	labels := BuildLabels("unit-3.11", "3.11", "/src/bigquery", created)

	assert.Equal(t, ManagedByValue, labels[LabelManagedBy])
	assert.Equal(t, "2026-02-28T01:00:00Z", labels[LabelCreatedAt], "timestamps are stored in UTC")

	info, err := ParseLabels(labels)
	require.NoError(t, err)
	assert.Equal(t, "unit-3.11", info.Session)
	assert.Equal(t, "3.11", info.Python)
	assert.Equal(t, "/src/bigquery", info.Root)
	assert.True(t, created.Equal(info.CreatedAt))
}

func TestParseLabels_Errors(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
	}{
		{"not managed", map[string]string{LabelSession: "unit-3.9"}},
		{"foreign manager", map[string]string{LabelManagedBy: "compose", LabelSession: "unit-3.9"}},
		{"missing session", map[string]string{LabelManagedBy: ManagedByValue}},
		{"bad timestamp", map[string]string{
			LabelManagedBy: ManagedByValue,
			LabelSession:   "unit-3.9",
			LabelCreatedAt: "yesterday",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLabels(tt.labels)
			assert.Error(t, err)
		})
	}
}

// TestParseLabels_Optional checks python and created-at may be absent, as
// for interpreter-less sessions.
func TestParseLabels_Optional(t *testing.T) {
	info, err := ParseLabels(map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelSession:   "docs",
	})
	require.NoError(t, err)
	assert.Equal(t, "docs", info.Session)
	assert.Empty(t, info.Python)
	assert.True(t, info.CreatedAt.IsZero())
}
