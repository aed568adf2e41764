package migration

import (
	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/wire"
)

// HandleAnnouncement feeds msg to c as if it had arrived from the network.
//
// Precondition: must be called on the loop.
func (c *Coordinator) HandleAnnouncement(from session.PeerID, msg wire.HostMigration) {
	c.announced(from, msg)
}
