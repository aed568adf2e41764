// Package session defines the locally known lobby session, its roster, and
// the registry that holds the one current session of a peer.
package session

import (
	"slices"
)

// PeerID is an opaque peer identity, stable for the lifetime of a connection.
type PeerID string

// Attribute keys published to and consumed from the directory.
const (
	KeyLobbyCode   = "LobbyCode"
	KeyLobbyName   = "LobbyName"
	KeyHostName    = "HostName"
	KeyHostAddress = "HostAddress"
)

// Attribute is one searchable key/value pair of a lobby.
type Attribute struct {
	Key   string
	Value string
}

// Attributes is an ordered attribute list. Keys are unique; the first
// insertion fixes a key's position.
type Attributes []Attribute

// Get returns the value stored for key.
func (a Attributes) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// With returns a copy of a with key set to value, replacing any existing
// value in place or appending otherwise.
//
// Postcondition: a is not modified.
func (a Attributes) With(key, value string) Attributes {
	out := slices.Clone(a)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Attribute{Key: key, Value: value})
}

// Merge returns a copy of a overlaid with every attribute of b.
func (a Attributes) Merge(b Attributes) Attributes {
	out := slices.Clone(a)
	for _, attr := range b {
		out = out.With(attr.Key, attr.Value)
	}
	return out
}

// Without returns a copy of a with the given keys removed.
func (a Attributes) Without(keys ...string) Attributes {
	out := make(Attributes, 0, len(a))
	for _, attr := range a {
		if !slices.Contains(keys, attr.Key) {
			out = append(out, attr)
		}
	}
	return out
}

// Member is one roster entry.
type Member struct {
	// ID is the member's peer identity.
	ID PeerID
	// Index is the join-order ordinal; the creator has index 0.
	Index int
	// Address is where the member hosts if it is elected.
	Address string
}

// Session is the locally known state of the current lobby. Values are
// treated as immutable once published to a Registry.
type Session struct {
	ID         string
	Code       string
	Host       PeerID
	Attributes Attributes
	// Members is ordered by join order.
	Members    []Member
	MaxMembers int
	// Epoch is the directory's roster version this view was read at.
	Epoch uint64
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Attributes = slices.Clone(s.Attributes)
	out.Members = slices.Clone(s.Members)
	return out
}

// Roster returns member identities in join order.
func (s Session) Roster() []PeerID {
	ids := make([]PeerID, len(s.Members))
	for i, m := range s.Members {
		ids[i] = m.ID
	}
	return ids
}

// Member returns the roster entry for id.
func (s Session) Member(id PeerID) (Member, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// HasMember reports whether id is on the roster.
func (s Session) HasMember(id PeerID) bool {
	_, ok := s.Member(id)
	return ok
}

// HostAddress returns the HostAddress attribute.
func (s Session) HostAddress() string {
	v, _ := s.Attributes.Get(KeyHostAddress)
	return v
}
