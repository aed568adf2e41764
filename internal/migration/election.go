package migration

import (
	"github.com/cory-johannsen/lobby/internal/session"
)

// Elect returns the successor of departed: the earliest-joined roster member
// other than departed. With the host at index 0 this is the member at index 1.
//
// Every member evaluates Elect independently against its own last healthy
// roster; no messages are exchanged.
//
// Postcondition: Returns (member, true), or (zero, false) if nobody else is on the roster.
func Elect(members []session.Member, departed session.PeerID) (session.Member, bool) {
	for _, m := range members {
		if m.ID != departed {
			return m, true
		}
	}
	return session.Member{}, false
}
