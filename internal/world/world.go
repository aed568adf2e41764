// Package world holds the live entity set of a session as seen by one peer.
package world

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/lobby/internal/session"
)

// Kind classifies an entity.
type Kind string

// KindAvatar is the entity a member controls.
const KindAvatar Kind = "avatar"

// ErrEntityNotFound is returned when an entity ID does not exist.
var ErrEntityNotFound = errors.New("entity not found")

// Entity is one networked object.
type Entity struct {
	ID   string
	Kind Kind
	// Owner is the member controlling the entity, empty for scene objects.
	Owner session.PeerID
	// Excluded entities stay local to their peer and are never migrated.
	Excluded bool
	State    []byte
}

func (e Entity) clone() Entity {
	e.State = slices.Clone(e.State)
	return e
}

type record struct {
	Entity
	seq uint64
}

// Store is a concurrency-safe entity set with an authoritative host.
type Store struct {
	mu        sync.RWMutex
	entities  map[string]*record
	seq       uint64
	authority session.PeerID
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{entities: make(map[string]*record)}
}

// Spawn adds a new entity with a generated ID.
//
// Postcondition: Returns the stored entity.
func (s *Store) Spawn(kind Kind, owner session.PeerID, state []byte) Entity {
	e := Entity{ID: uuid.NewString(), Kind: kind, Owner: owner, State: slices.Clone(state)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(e)
	return e.clone()
}

// Put inserts or replaces e.
//
// Precondition: e.ID must be non-empty.
func (s *Store) Put(e Entity) error {
	if e.ID == "" {
		return errors.New("entity id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(e.clone())
	return nil
}

func (s *Store) putLocked(e Entity) {
	if r, ok := s.entities[e.ID]; ok {
		r.Entity = e
		return
	}
	s.seq++
	s.entities[e.ID] = &record{Entity: e, seq: s.seq}
}

// Update replaces the state of entity id.
func (s *Store) Update(id string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("updating %s: %w", id, ErrEntityNotFound)
	}
	r.State = slices.Clone(state)
	return nil
}

// SetExcluded tags or untags entity id as excluded from migration.
func (s *Store) SetExcluded(id string, excluded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("tagging %s: %w", id, ErrEntityNotFound)
	}
	r.Excluded = excluded
	return nil
}

// Remove deletes entity id.
//
// Postcondition: Returns true if the entity existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entities[id]
	delete(s.entities, id)
	return ok
}

// Get returns a copy of entity id.
func (s *Store) Get(id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	return r.Entity.clone(), true
}

// Entities returns copies of every entity in spawn order.
func (s *Store) Entities() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*record, 0, len(s.entities))
	for _, r := range s.entities {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]Entity, len(recs))
	for i, r := range recs {
		out[i] = r.Entity.clone()
	}
	return out
}

// Len returns the number of entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Authority returns the peer authoritative for the set.
func (s *Store) Authority() session.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authority
}

// SetAuthority records the authoritative peer.
func (s *Store) SetAuthority(p session.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authority = p
}

// Adopt re-parents migrated entities under authority. Every migratable entity
// currently held is replaced by entities; excluded entities are kept. Avatars
// owned by departed are dropped.
//
// Postcondition: Returns the number of entities adopted.
func (s *Store) Adopt(authority, departed session.PeerID, entities []Entity) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.entities {
		if !r.Excluded {
			delete(s.entities, id)
		}
	}
	n := 0
	for _, e := range entities {
		if e.Excluded || e.ID == "" {
			continue
		}
		if e.Kind == KindAvatar && departed != "" && e.Owner == departed {
			continue
		}
		s.putLocked(e.clone())
		n++
	}
	s.authority = authority
	return n
}
