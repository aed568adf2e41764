package migration_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lobby/internal/migration"
	"github.com/cory-johannsen/lobby/internal/session"
)

func roster(ids ...session.PeerID) []session.Member {
	out := make([]session.Member, len(ids))
	for i, id := range ids {
		out[i] = session.Member{ID: id, Index: i, Address: "loop://" + string(id)}
	}
	return out
}

func TestElect_SecondMemberSucceedsHost(t *testing.T) {
	got, ok := migration.Elect(roster("host", "a", "b"), "host")
	assert.True(t, ok)
	assert.Equal(t, session.PeerID("a"), got.ID)
}

func TestElect_DepartedMemberSkippedAnywhere(t *testing.T) {
	got, ok := migration.Elect(roster("a", "host", "b"), "a")
	assert.True(t, ok)
	assert.Equal(t, session.PeerID("host"), got.ID)
}

func TestElect_NobodyLeft(t *testing.T) {
	_, ok := migration.Elect(roster("host"), "host")
	assert.False(t, ok)
	_, ok = migration.Elect(nil, "host")
	assert.False(t, ok)
}

func TestProperty_ElectionDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "members")
		ids := make([]session.PeerID, n)
		for i := range ids {
			ids[i] = session.PeerID(fmt.Sprintf("p%d", i))
		}
		members := roster(ids...)
		departed := ids[rapid.IntRange(0, n-1).Draw(rt, "departed")]

		first, ok1 := migration.Elect(members, departed)
		// Each surviving member evaluates against its own copy.
		for range n {
			cp := append([]session.Member(nil), members...)
			again, ok2 := migration.Elect(cp, departed)
			if ok1 != ok2 || first != again {
				rt.Fatalf("election diverged: %v/%v vs %v/%v", first, ok1, again, ok2)
			}
		}
		if n == 1 {
			if ok1 {
				rt.Fatalf("elected %v from a roster of only the departed host", first)
			}
			return
		}
		if !ok1 || first.ID == departed {
			rt.Fatalf("elected %v (ok=%v) after %s departed", first, ok1, departed)
		}
		for _, m := range members {
			if m.ID == departed {
				continue
			}
			if m != first {
				rt.Fatalf("elected %s but %s joined earlier", first.ID, m.ID)
			}
			break
		}
	})
}
