package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lobby/internal/session"
)

func TestJoinAttributes_TruncatesRaggedColumns(t *testing.T) {
	got := joinAttributes([]string{"a", "b"}, []string{"1"})
	assert.Equal(t, session.Attributes{{Key: "a", Value: "1"}}, got)
}

// Property: attributes keep their order through the column split.
func TestPropertyAttributesColumnsPreserveOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 10).Draw(t, "n")
		var attrs session.Attributes
		for range n {
			attrs = append(attrs, session.Attribute{
				Key:   rapid.StringMatching(`[A-Za-z]{1,12}`).Draw(t, "key"),
				Value: rapid.String().Draw(t, "value"),
			})
		}
		keys, values := splitAttributes(attrs)
		got := joinAttributes(keys, values)
		if len(got) != len(attrs) {
			t.Fatalf("got %d attributes, want %d", len(got), len(attrs))
		}
		for i := range attrs {
			if got[i] != attrs[i] {
				t.Fatalf("attribute %d: got %v, want %v", i, got[i], attrs[i])
			}
		}
	})
}
