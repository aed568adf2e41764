package directory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/lobby/internal/session"
)

type memoryLobby struct {
	id         string
	code       string
	owner      session.PeerID
	attrs      session.Attributes
	roster     []session.Member
	maxMembers int
	epoch      uint64
	seq        uint64
	nextIndex  int
}

func (l *memoryLobby) handle() Handle {
	return Handle{
		ID:         l.id,
		Code:       l.code,
		OwnerID:    l.owner,
		Attrs:      slices.Clone(l.attrs),
		Roster:     slices.Clone(l.roster),
		MaxMembers: l.maxMembers,
		Epoch:      l.epoch,
	}
}

// Memory is an in-process lobby directory shared by every peer of a test or
// simulation. Obtain a per-peer Client with Client.
type Memory struct {
	mu      sync.RWMutex
	lobbies map[string]*memoryLobby
	seq     uint64
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{lobbies: make(map[string]*memoryLobby)}
}

// Client returns a Client acting as peer. address is recorded on every roster
// entry the peer creates so that other members can reach it if it is elected.
func (m *Memory) Client(peer session.PeerID, address string) Client {
	return &memoryClient{dir: m, peer: peer, address: address}
}

// Lobbies returns every lobby, newest first.
func (m *Memory) Lobbies() []Handle {
	return m.find(func(*memoryLobby) bool { return true })
}

// Evict removes peer from every lobby, as the platform does when a peer
// drops without leaving.
//
// Postcondition: Returns the number of lobbies peer was removed from.
func (m *Memory) Evict(peer session.PeerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.lobbies {
		if m.removeLocked(l, peer) {
			n++
		}
	}
	return n
}

func (m *Memory) find(match func(*memoryLobby) bool) []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found []*memoryLobby
	for _, l := range m.lobbies {
		if match(l) {
			found = append(found, l)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq > found[j].seq })
	out := make([]Handle, len(found))
	for i, l := range found {
		out[i] = l.handle()
	}
	return out
}

// removeLocked drops peer from l, handing ownership to the oldest remaining
// member and deleting l once empty.
//
// Precondition: m.mu must be held for writing.
func (m *Memory) removeLocked(l *memoryLobby, peer session.PeerID) bool {
	idx := slices.IndexFunc(l.roster, func(mem session.Member) bool { return mem.ID == peer })
	if idx < 0 {
		return false
	}
	l.roster = slices.Delete(l.roster, idx, idx+1)
	l.epoch++
	if len(l.roster) == 0 {
		delete(m.lobbies, l.id)
		return true
	}
	if l.owner == peer {
		l.owner = l.roster[0].ID
	}
	return true
}

type memoryClient struct {
	dir     *Memory
	peer    session.PeerID
	address string
}

func (c *memoryClient) Peer() session.PeerID {
	return c.peer
}

func (c *memoryClient) Search(ctx context.Context, code string) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.dir.find(func(l *memoryLobby) bool { return l.code == code }), nil
}

func (c *memoryClient) SearchOpen(ctx context.Context) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.dir.find(func(l *memoryLobby) bool { return len(l.roster) < l.maxMembers }), nil
}

func (c *memoryClient) Create(ctx context.Context, code string, maxMembers int, attrs session.Attributes) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if !ValidMaxMembers(maxMembers) {
		return Handle{}, fmt.Errorf("creating lobby %q with %d members: %w", code, maxMembers, ErrInvalidMaxMembers)
	}

	m := c.dir
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	l := &memoryLobby{
		id:         uuid.NewString(),
		code:       code,
		owner:      c.peer,
		attrs:      attrs.With(session.KeyLobbyCode, code),
		roster:     []session.Member{{ID: c.peer, Index: 0, Address: c.address}},
		maxMembers: maxMembers,
		epoch:      1,
		seq:        m.seq,
		nextIndex:  1,
	}
	m.lobbies[l.id] = l
	return l.handle(), nil
}

func (c *memoryClient) Join(ctx context.Context, id string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	m := c.dir
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lobbies[id]
	if !ok {
		return Handle{}, fmt.Errorf("joining lobby %s: %w", id, ErrLobbyNotFound)
	}
	if slices.ContainsFunc(l.roster, func(mem session.Member) bool { return mem.ID == c.peer }) {
		return l.handle(), nil
	}
	if len(l.roster) >= l.maxMembers {
		return Handle{}, fmt.Errorf("joining lobby %s: %w", id, ErrLobbyFull)
	}
	l.roster = append(l.roster, session.Member{ID: c.peer, Index: l.nextIndex, Address: c.address})
	l.nextIndex++
	l.epoch++
	return l.handle(), nil
}

func (c *memoryClient) Leave(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := c.dir
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.lobbies[id]; ok {
		m.removeLocked(l, c.peer)
	}
	return nil
}

func (c *memoryClient) Refresh(ctx context.Context, id string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	m := c.dir
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lobbies[id]
	if !ok {
		return Handle{}, fmt.Errorf("refreshing lobby %s: %w", id, ErrLobbyNotFound)
	}
	return l.handle(), nil
}
