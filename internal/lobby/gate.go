package lobby

import (
	"context"

	"github.com/cory-johannsen/lobby/internal/session"
)

// Gate is the sanctions check consulted once before a peer may use lobbies.
// A non-nil error means the peer is barred.
type Gate interface {
	Check(ctx context.Context, peer session.PeerID) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, peer session.PeerID) error

// Check calls f.
func (f GateFunc) Check(ctx context.Context, peer session.PeerID) error {
	return f(ctx, peer)
}

// AllowAll is a Gate that never bars anyone.
var AllowAll Gate = GateFunc(func(context.Context, session.PeerID) error { return nil })
