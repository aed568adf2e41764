package migration

import (
	"errors"
	"fmt"
	"time"

	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/wire"
	"github.com/cory-johannsen/lobby/internal/world"
)

var (
	// ErrNoSession is returned when capturing without a current session.
	ErrNoSession = errors.New("no session to capture")
	// ErrDuplicateAvatar is returned when a member owns more than one avatar.
	ErrDuplicateAvatar = errors.New("member owns more than one avatar")
)

// Snapshot is an immutable capture of the migratable state of a session,
// taken by its host.
type Snapshot struct {
	SessionID  string
	Host       session.PeerID
	Sequence   uint64
	CapturedAt time.Time
	// Entities excludes every entity tagged excluded-from-migration.
	Entities []world.Entity
	// Avatars maps each member to the avatar entity it controls.
	Avatars map[session.PeerID]string
}

// Capture builds a Snapshot of store for s.
//
// Precondition: store must be non-nil.
// Postcondition: Returns a snapshot without excluded entities, or an error.
func Capture(store *world.Store, s session.Session, seq uint64, now time.Time) (Snapshot, error) {
	if s.ID == "" {
		return Snapshot{}, ErrNoSession
	}
	snap := Snapshot{
		SessionID:  s.ID,
		Host:       s.Host,
		Sequence:   seq,
		CapturedAt: now,
		Avatars:    make(map[session.PeerID]string),
	}
	for _, e := range store.Entities() {
		if e.Excluded {
			continue
		}
		snap.Entities = append(snap.Entities, e)
		if e.Kind != world.KindAvatar || e.Owner == "" {
			continue
		}
		if prev, ok := snap.Avatars[e.Owner]; ok {
			return Snapshot{}, fmt.Errorf("capturing %s: member %s owns %s and %s: %w", s.ID, e.Owner, prev, e.ID, ErrDuplicateAvatar)
		}
		snap.Avatars[e.Owner] = e.ID
	}
	return snap, nil
}

func (s Snapshot) toWire() wire.Snapshot {
	out := wire.Snapshot{
		SessionID:  s.SessionID,
		Host:       string(s.Host),
		Sequence:   s.Sequence,
		CapturedAt: s.CapturedAt.UnixNano(),
	}
	for _, e := range s.Entities {
		out.Entities = append(out.Entities, wire.Entity{
			ID:    e.ID,
			Kind:  string(e.Kind),
			Owner: string(e.Owner),
			State: e.State,
		})
	}
	for member, entity := range s.Avatars {
		out.Ownership = append(out.Ownership, wire.Ownership{Member: string(member), Entity: entity})
	}
	return out
}

func snapshotFromWire(w wire.Snapshot) Snapshot {
	s := Snapshot{
		SessionID:  w.SessionID,
		Host:       session.PeerID(w.Host),
		Sequence:   w.Sequence,
		CapturedAt: time.Unix(0, w.CapturedAt),
		Avatars:    make(map[session.PeerID]string, len(w.Ownership)),
	}
	for _, e := range w.Entities {
		s.Entities = append(s.Entities, world.Entity{
			ID:    e.ID,
			Kind:  world.Kind(e.Kind),
			Owner: session.PeerID(e.Owner),
			State: e.State,
		})
	}
	for _, o := range w.Ownership {
		s.Avatars[session.PeerID(o.Member)] = o.Entity
	}
	return s
}
