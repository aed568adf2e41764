// Package loopback provides an in-process Transport. Every peer of a test or
// simulation obtains its Transport from one shared Network.
package loopback

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/transport"
	"github.com/cory-johannsen/lobby/internal/wire"
)

// Options tunes link behaviour.
type Options struct {
	// Buffer is the per-direction queue length. Defaults to 64.
	Buffer int
	// SendTimeout bounds reliable sends. Defaults to 2s.
	SendTimeout time.Duration
	// UnreliableLoss is the probability in [0,1] that an unreliable frame is dropped.
	UnreliableLoss float64
}

// Network is the shared medium that loopback transports listen and dial on.
type Network struct {
	logger *zap.Logger
	opts   Options

	mu    sync.Mutex
	hosts map[string]*Transport
}

// NewNetwork returns an empty Network.
//
// Precondition: logger must be non-nil.
func NewNetwork(logger *zap.Logger, opts Options) *Network {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	return &Network{
		logger: logger.Named("loopback"),
		opts:   opts,
		hosts:  make(map[string]*Transport),
	}
}

// Address returns the address peer listens on when hosting.
func Address(peer session.PeerID) string {
	return "loop://" + string(peer)
}

// Transport returns a new Transport for peer on n.
func (n *Network) Transport(peer session.PeerID) *Transport {
	return &Transport{
		net:      n,
		local:    peer,
		logger:   n.logger.With(zap.String("peer", string(peer))),
		handlers: transport.NewHandlers(),
		members:  make(map[session.PeerID]*conn),
	}
}

// Transport is one peer's endpoint on a Network.
type Transport struct {
	net      *Network
	local    session.PeerID
	logger   *zap.Logger
	handlers *transport.Handlers

	mu       sync.Mutex
	hosting  bool
	members  map[session.PeerID]*conn
	upstream *conn
}

var _ transport.Transport = (*Transport)(nil)

// conn is one host/member link with a queue per direction.
type conn struct {
	host     *Transport
	member   *Transport
	toMember chan []byte
	toHost   chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *conn) pump(q <-chan []byte, dst *Transport) {
	for {
		select {
		case <-c.done:
			return
		case b := <-q:
			dst.receive(b)
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.host.dropMember(c)
		c.member.dropUpstream(c)
		c.host.handlers.DispatchDisconnected(c.member.local)
		c.member.handlers.DispatchDisconnected(c.host.local)
	})
}

// Local returns the local peer identity.
func (t *Transport) Local() session.PeerID {
	return t.local
}

// StartHost registers t on the network at Address(t.Local()).
func (t *Transport) StartHost(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	if t.hosting || t.upstream != nil {
		t.mu.Unlock()
		return "", transport.ErrAlreadyRunning
	}
	t.hosting = true
	t.mu.Unlock()

	addr := Address(t.local)
	t.net.mu.Lock()
	t.net.hosts[addr] = t
	t.net.mu.Unlock()

	t.logger.Debug("hosting", zap.String("address", addr))
	return addr, nil
}

// StartClient links t to the peer hosting at address.
func (t *Transport) StartClient(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.net.mu.Lock()
	host, ok := t.net.hosts[address]
	t.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("dialing %s: no host listening", address)
	}
	if host == t {
		return fmt.Errorf("dialing %s: refusing to dial self", address)
	}

	c := &conn{
		host:     host,
		member:   t,
		toMember: make(chan []byte, t.net.opts.Buffer),
		toHost:   make(chan []byte, t.net.opts.Buffer),
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	if t.hosting || t.upstream != nil {
		t.mu.Unlock()
		return transport.ErrAlreadyRunning
	}
	t.upstream = c
	t.mu.Unlock()

	host.mu.Lock()
	if !host.hosting {
		host.mu.Unlock()
		t.dropUpstream(c)
		return fmt.Errorf("dialing %s: host stopped", address)
	}
	prev := host.members[t.local]
	host.members[t.local] = c
	host.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go c.pump(c.toMember, t)
	go c.pump(c.toHost, host)

	host.handlers.DispatchConnected(t.local)
	t.handlers.DispatchConnected(host.local)
	t.logger.Debug("connected", zap.String("address", address), zap.String("host", string(host.local)))
	return nil
}

// StopHost closes every member link and stops listening. Idempotent.
func (t *Transport) StopHost() error {
	t.mu.Lock()
	if !t.hosting {
		t.mu.Unlock()
		return nil
	}
	t.hosting = false
	conns := make([]*conn, 0, len(t.members))
	for _, c := range t.members {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	addr := Address(t.local)
	t.net.mu.Lock()
	if t.net.hosts[addr] == t {
		delete(t.net.hosts, addr)
	}
	t.net.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}

// StopClient closes the host link. Idempotent.
func (t *Transport) StopClient() error {
	t.mu.Lock()
	c := t.upstream
	t.mu.Unlock()
	if c != nil {
		c.close()
	}
	return nil
}

func (t *Transport) dropMember(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.members[c.member.local] == c {
		delete(t.members, c.member.local)
	}
}

func (t *Transport) dropUpstream(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.upstream == c {
		t.upstream = nil
	}
}

// Hosting reports whether t is listening.
func (t *Transport) Hosting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hosting
}

// Connected reports whether a link to peer is up.
func (t *Transport) Connected(peer session.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[peer]; ok {
		return true
	}
	return t.upstream != nil && t.upstream.host.local == peer
}

// SendTo queues payload for peer or, with transport.Broadcast, for every link.
func (t *Transport) SendTo(peer session.PeerID, msgType string, payload []byte, rel transport.Reliability) error {
	type target struct {
		c *conn
		q chan []byte
	}
	var targets []target

	t.mu.Lock()
	switch {
	case t.hosting:
		if peer == transport.Broadcast {
			for _, c := range t.members {
				targets = append(targets, target{c, c.toMember})
			}
		} else if c, ok := t.members[peer]; ok {
			targets = append(targets, target{c, c.toMember})
		}
	case t.upstream != nil:
		if peer == transport.Broadcast || peer == t.upstream.host.local {
			targets = append(targets, target{t.upstream, t.upstream.toHost})
		}
	default:
		t.mu.Unlock()
		return transport.ErrNotRunning
	}
	t.mu.Unlock()

	if len(targets) == 0 {
		if peer == transport.Broadcast {
			return nil
		}
		return fmt.Errorf("sending %s to %s: %w", msgType, peer, transport.ErrUnknownPeer)
	}

	frame := wire.MarshalFrame(wire.Frame{Type: msgType, From: string(t.local), Payload: payload})
	for _, tg := range targets {
		if rel == transport.Unreliable {
			if t.net.opts.UnreliableLoss > 0 && rand.Float64() < t.net.opts.UnreliableLoss {
				continue
			}
			select {
			case tg.q <- frame:
			default:
				t.logger.Debug("dropping unreliable frame", zap.String("type", msgType))
			}
			continue
		}

		timer := time.NewTimer(t.net.opts.SendTimeout)
		select {
		case tg.q <- frame:
			timer.Stop()
		case <-tg.c.done:
			timer.Stop()
		case <-timer.C:
			return fmt.Errorf("sending %s to %s: %w", msgType, peer, transport.ErrSendTimeout)
		}
	}
	return nil
}

func (t *Transport) receive(b []byte) {
	f, err := wire.UnmarshalFrame(b)
	if err != nil {
		t.logger.Warn("discarding frame", zap.Error(err))
		return
	}
	if !t.handlers.DispatchMessage(f.Type, session.PeerID(f.From), f.Payload) {
		t.logger.Debug("no handler for frame", zap.String("type", f.Type))
	}
}

// OnMessage registers h for msgType.
func (t *Transport) OnMessage(msgType string, h transport.MessageHandler) func() {
	return t.handlers.OnMessage(msgType, h)
}

// OnConnected registers h for new links.
func (t *Transport) OnConnected(h transport.PeerHandler) func() {
	return t.handlers.OnConnected(h)
}

// OnDisconnected registers h for lost links.
func (t *Transport) OnDisconnected(h transport.PeerHandler) func() {
	return t.handlers.OnDisconnected(h)
}
