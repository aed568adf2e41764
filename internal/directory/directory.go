// Package directory defines the lobby directory capability consumed by the
// session lifecycle manager, and an in-memory implementation of it.
package directory

import (
	"context"
	"errors"
	"slices"

	"github.com/cory-johannsen/lobby/internal/session"
)

var (
	// ErrLobbyNotFound is returned when a lobby ID does not exist.
	ErrLobbyNotFound = errors.New("lobby not found")
	// ErrLobbyFull is returned by Join when the lobby is at capacity.
	ErrLobbyFull = errors.New("lobby is full")
	// ErrInvalidMaxMembers is returned by Create for a member cap outside 1..64.
	ErrInvalidMaxMembers = errors.New("max members out of range")
)

// MaxMembers is the largest lobby any backend accepts.
const MaxMembers = 64

// Client is one peer's view of the lobby directory. Every method blocks until
// the backend answers or ctx ends; callers that need callback semantics run
// them on their own goroutines.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Search returns lobbies whose code equals code, newest first.
	Search(ctx context.Context, code string) ([]Handle, error)
	// SearchOpen returns lobbies with at least one free slot, newest first.
	SearchOpen(ctx context.Context) ([]Handle, error)
	// Create registers a new lobby owned by the local peer, who becomes member 0.
	Create(ctx context.Context, code string, maxMembers int, attrs session.Attributes) (Handle, error)
	// Join appends the local peer to the lobby roster. Joining a lobby the
	// peer is already in returns the current handle.
	Join(ctx context.Context, id string) (Handle, error)
	// Leave removes the local peer from the lobby. Leaving a lobby the peer
	// is not in, or one that no longer exists, is not an error.
	Leave(ctx context.Context, id string) error
	// Refresh re-reads the lobby.
	Refresh(ctx context.Context, id string) (Handle, error)
	// Peer returns the local peer this client acts for.
	Peer() session.PeerID
}

// Handle is a point-in-time read of one lobby.
type Handle struct {
	ID         string
	Code       string
	OwnerID    session.PeerID
	Attrs      session.Attributes
	Roster     []session.Member
	MaxMembers int
	// Epoch increments on every roster or ownership change.
	Epoch uint64
}

// Attribute returns the value of key, or "" when unset.
func (h Handle) Attribute(key string) string {
	v, _ := h.Attrs.Get(key)
	return v
}

// MemberCount returns the roster length.
func (h Handle) MemberCount() int {
	return len(h.Roster)
}

// MemberAt returns the roster entry at join-order position i.
func (h Handle) MemberAt(i int) (session.Member, bool) {
	if i < 0 || i >= len(h.Roster) {
		return session.Member{}, false
	}
	return h.Roster[i], true
}

// Owner returns the lobby owner.
func (h Handle) Owner() session.PeerID {
	return h.OwnerID
}

// HasMember reports whether peer is on the roster.
func (h Handle) HasMember(peer session.PeerID) bool {
	return slices.ContainsFunc(h.Roster, func(m session.Member) bool { return m.ID == peer })
}

// Open reports whether the lobby has a free slot.
func (h Handle) Open() bool {
	return len(h.Roster) < h.MaxMembers
}

// Session converts h into a Session value.
func (h Handle) Session() session.Session {
	return session.Session{
		ID:         h.ID,
		Code:       h.Code,
		Host:       h.OwnerID,
		Attributes: slices.Clone(h.Attrs),
		Members:    slices.Clone(h.Roster),
		MaxMembers: h.MaxMembers,
		Epoch:      h.Epoch,
	}
}

// ValidMaxMembers reports whether n is an acceptable lobby size.
func ValidMaxMembers(n int) bool {
	return n >= 1 && n <= MaxMembers
}
