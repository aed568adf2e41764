package session

import (
	"sync/atomic"
)

// Registry holds the single current Session of a peer and a version counter
// bumped on every mutation.
//
// Writers must be serialized by the caller (the peer's event loop). Readers
// may call Current and Version from any goroutine; they observe an immutable
// value and use Version to detect that an in-flight result went stale.
type Registry struct {
	current atomic.Pointer[Session]
	version atomic.Uint64
}

// NewRegistry returns an empty Registry at version 0.
func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns a copy of the current session.
//
// Postcondition: Returns (session, true) if one is current, or (zero, false) otherwise.
func (r *Registry) Current() (Session, bool) {
	s := r.current.Load()
	if s == nil {
		return Session{}, false
	}
	return s.Clone(), true
}

// Set makes s the current session.
//
// Postcondition: Returns the new version.
func (r *Registry) Set(s Session) uint64 {
	c := s.Clone()
	r.current.Store(&c)
	return r.version.Add(1)
}

// Clear removes the current session. Clearing an empty registry still bumps
// the version so that results issued before the call are recognizably stale.
//
// Postcondition: Returns the new version.
func (r *Registry) Clear() uint64 {
	r.current.Store(nil)
	return r.version.Add(1)
}

// Version returns the mutation counter.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}
