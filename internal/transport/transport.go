// Package transport defines the peer link capability consumed by the session
// lifecycle manager and the migration coordinator.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/cory-johannsen/lobby/internal/session"
)

// Broadcast addresses every connected peer in SendTo.
const Broadcast session.PeerID = ""

// Reliability selects a delivery class.
type Reliability int

const (
	// Reliable frames are delivered in order; SendTo blocks for queue space
	// up to the transport's send timeout.
	Reliable Reliability = iota
	// Unreliable frames are dropped when the peer's queue is full.
	Unreliable
)

// String returns the reliability class name.
func (r Reliability) String() string {
	if r == Unreliable {
		return "unreliable"
	}
	return "reliable"
}

var (
	// ErrNotRunning is returned by SendTo when neither role is active.
	ErrNotRunning = errors.New("transport not running")
	// ErrUnknownPeer is returned by SendTo for a peer with no link.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrSendTimeout is returned when a reliable frame could not be queued in time.
	ErrSendTimeout = errors.New("send timed out")
	// ErrAlreadyRunning is returned when a role is started twice.
	ErrAlreadyRunning = errors.New("transport already running")
)

// MessageHandler receives a payload of one message type from a peer.
type MessageHandler func(from session.PeerID, payload []byte)

// PeerHandler receives link up/down notifications.
type PeerHandler func(peer session.PeerID)

// Transport moves typed messages between the local peer and its lobby.
// A peer is either hosting (accepting members) or a client of one host.
//
// Handlers run on transport goroutines; consumers post into their own loop.
type Transport interface {
	// StartHost begins accepting members.
	//
	// Postcondition: Returns the address members dial.
	StartHost(ctx context.Context) (string, error)
	// StartClient connects to the host at address.
	StartClient(ctx context.Context, address string) error
	// StopHost closes every member link. Idempotent.
	StopHost() error
	// StopClient closes the host link. Idempotent.
	StopClient() error
	// SendTo delivers payload to peer, or to every linked peer for Broadcast.
	SendTo(peer session.PeerID, msgType string, payload []byte, rel Reliability) error
	// OnMessage registers h for msgType and returns its unsubscribe function.
	OnMessage(msgType string, h MessageHandler) func()
	// OnConnected registers h for new links and returns its unsubscribe function.
	OnConnected(h PeerHandler) func()
	// OnDisconnected registers h for lost links and returns its unsubscribe function.
	OnDisconnected(h PeerHandler) func()
	// Connected reports whether a link to peer is up.
	Connected(peer session.PeerID) bool
	// Hosting reports whether the host role is active.
	Hosting() bool
	// Local returns the local peer identity.
	Local() session.PeerID
}

// Handlers is a registry of transport callbacks shared by implementations.
// Safe for concurrent use.
type Handlers struct {
	mu           sync.RWMutex
	next         uint64
	messages     map[string]map[uint64]MessageHandler
	connected    map[uint64]PeerHandler
	disconnected map[uint64]PeerHandler
}

// NewHandlers returns an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{
		messages:     make(map[string]map[uint64]MessageHandler),
		connected:    make(map[uint64]PeerHandler),
		disconnected: make(map[uint64]PeerHandler),
	}
}

// OnMessage registers h for msgType.
func (hs *Handlers) OnMessage(msgType string, h MessageHandler) func() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.next++
	id := hs.next
	if hs.messages[msgType] == nil {
		hs.messages[msgType] = make(map[uint64]MessageHandler)
	}
	hs.messages[msgType][id] = h
	return func() {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		delete(hs.messages[msgType], id)
	}
}

// OnConnected registers h for link up notifications.
func (hs *Handlers) OnConnected(h PeerHandler) func() {
	return hs.addPeer(hs.connected, h)
}

// OnDisconnected registers h for link down notifications.
func (hs *Handlers) OnDisconnected(h PeerHandler) func() {
	return hs.addPeer(hs.disconnected, h)
}

func (hs *Handlers) addPeer(set map[uint64]PeerHandler, h PeerHandler) func() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.next++
	id := hs.next
	set[id] = h
	return func() {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		delete(set, id)
	}
}

// DispatchMessage invokes every handler registered for msgType.
//
// Postcondition: Returns false if no handler was registered.
func (hs *Handlers) DispatchMessage(msgType string, from session.PeerID, payload []byte) bool {
	hs.mu.RLock()
	handlers := make([]MessageHandler, 0, len(hs.messages[msgType]))
	for _, h := range hs.messages[msgType] {
		handlers = append(handlers, h)
	}
	hs.mu.RUnlock()
	for _, h := range handlers {
		h(from, payload)
	}
	return len(handlers) > 0
}

// DispatchConnected invokes every link up handler.
func (hs *Handlers) DispatchConnected(peer session.PeerID) {
	hs.dispatchPeer(hs.connected, peer)
}

// DispatchDisconnected invokes every link down handler.
func (hs *Handlers) DispatchDisconnected(peer session.PeerID) {
	hs.dispatchPeer(hs.disconnected, peer)
}

func (hs *Handlers) dispatchPeer(set map[uint64]PeerHandler, peer session.PeerID) {
	hs.mu.RLock()
	handlers := make([]PeerHandler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	hs.mu.RUnlock()
	for _, h := range handlers {
		h(peer)
	}
}
