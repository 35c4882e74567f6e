package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		pattern   string
		want      bool
	}{
		// Universal wildcard
		{"star matches single segment", "message", "*", true},
		{"star matches deep type", "agent.message.received", "*", true},

		// Exact
		{"exact match", "agent.message", "agent.message", true},
		{"exact mismatch", "agent.message", "agent.reply", false},

		// Two-segment trailing wildcard: any depth under the prefix
		{"trailing wildcard one level", "agent.message", "agent.*", true},
		{"trailing wildcard deep", "a.b.c", "a.*", true},
		{"trailing wildcard wrong prefix", "session.update", "agent.*", false},

		// Mid-pattern wildcard matches exactly one segment
		{"mid wildcard matches", "a.b.c", "a.*.c", true},
		{"mid wildcard tail mismatch", "a.b.c", "a.*.d", false},
		{"mid wildcard not zero segments", "a.c", "a.*.c", false},
		{"mid wildcard not many segments", "a.b.b.c", "a.*.c", false},

		// Segment-count mismatch without the two-segment trailing form
		{"shorter event never matches", "a.b", "a.b.c", false},
		{"longer event never matches", "a.b.c.d", "a.b.c", false},
		{"three segment trailing star is one segment", "a.b.c", "a.b.*", true},
		{"three segment trailing star depth mismatch", "a.b.c.d", "a.b.*", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.eventType, tt.pattern),
				"Matches(%q, %q)", tt.eventType, tt.pattern)
		})
	}
}

func TestMatchesAny(t *testing.T) {
	patterns := []string{"agent.*", "session.update"}

	assert.True(t, MatchesAny("agent.message.received", patterns))
	assert.True(t, MatchesAny("session.update", patterns))
	assert.False(t, MatchesAny("session.delete", patterns))
	assert.False(t, MatchesAny("anything", nil))
}
