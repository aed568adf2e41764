// Package node assembles one lobby peer: the event loop, session registry,
// lifecycle manager, membership tracker and migration coordinator, behind a
// single API.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/directory"
	"github.com/cory-johannsen/lobby/internal/eventloop"
	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/migration"
	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/transport"
	"github.com/cory-johannsen/lobby/internal/world"
)

// ErrPeerMismatch is returned by New when the directory client and the
// transport belong to different peers.
var ErrPeerMismatch = errors.New("directory and transport peers differ")

// Node is one peer's view of the lobby system. Methods are safe for
// concurrent use.
type Node struct {
	cfg    config.Config
	logger *zap.Logger
	dir    directory.Client
	tr     transport.Transport
	gate   lobby.Gate

	loop  *eventloop.Loop
	reg   *session.Registry
	bus   *session.Bus
	world *world.Store
	mgr   *lobby.Manager
	coord *migration.Coordinator

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// New wires a Node over dir and tr. A nil gate allows every peer. logger is
// expected to carry the peer field already.
//
// Precondition: cfg must have passed Validate; dir.Peer() must equal tr.Local().
// Postcondition: Returns a stopped Node, or an error.
func New(cfg config.Config, dir directory.Client, tr transport.Transport, gate lobby.Gate, logger *zap.Logger) (*Node, error) {
	if dir == nil || tr == nil {
		return nil, errors.New("node requires a directory client and a transport")
	}
	if dir.Peer() != tr.Local() {
		return nil, fmt.Errorf("directory peer %q, transport peer %q: %w", dir.Peer(), tr.Local(), ErrPeerMismatch)
	}
	if gate == nil {
		gate = lobby.AllowAll
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,
		dir:    dir,
		tr:     tr,
		gate:   gate,
		loop:   eventloop.New(logger.Named("loop")),
		reg:    session.NewRegistry(),
		bus:    session.NewBus(),
		world:  world.NewStore(),
	}
	n.bus.OnDrop = func(ev session.Event, err error) {
		logger.Warn("dropping event", zap.Stringer("kind", ev.Kind), zap.Error(err))
	}
	n.mgr = lobby.NewManager(n.loop, dir, tr, n.reg, n.bus, LobbyOptions(cfg), logger)
	n.coord = migration.NewCoordinator(n.loop, n.mgr, n.world, n.bus, MigrationOptions(cfg), logger)
	n.coord.Attach()
	return n, nil
}

// LobbyOptions maps configuration onto lobby.Options.
func LobbyOptions(cfg config.Config) lobby.Options {
	return lobby.Options{
		DisplayName:   cfg.Peer.DisplayName,
		RoomLimit:     cfg.Lobby.RoomLimit,
		CallTimeout:   cfg.Directory.CallTimeout,
		PollInterval:  cfg.Lobby.PollInterval,
		HostLossPolls: cfg.Lobby.HostLossPolls,
	}
}

// MigrationOptions maps configuration onto migration.Options.
func MigrationOptions(cfg config.Config) migration.Options {
	m := cfg.Migration
	return migration.Options{
		Enabled:          m.Enabled,
		ElectionTimeout:  m.ElectionTimeout,
		RejoinInterval:   m.RejoinInterval,
		RejoinAttempts:   m.RejoinAttempts,
		SnapshotInterval: m.SnapshotInterval,
		AnnounceWindow:   m.AnnounceWindow,
	}
}

// Start consults the sanctions gate, starts the event loop and, when
// configured, joins a lobby. A failing gate does not fail Start; it bars
// every later lobby operation with lobby.ErrSanctioned.
//
// ctx bounds the gate check only.
// Postcondition: the loop runs until Close or Abort is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return lobby.ErrClosed
	}
	if n.started {
		return errors.New("node already started")
	}

	if err := n.gate.Check(ctx, n.Self()); err != nil {
		n.logger.Warn("peer barred from lobbies", zap.Error(err))
		n.mgr.Block(err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.loop.Start(loopCtx)
	n.started = true
	n.logger.Info("node started",
		zap.String("transport", n.cfg.Transport.Kind),
		zap.String("directory", n.cfg.Directory.Backend),
	)

	switch {
	case n.cfg.Lobby.DefaultCode != "":
		n.autoJoin("join_or_create", n.JoinOrCreateSession(n.cfg.Lobby.DefaultCode, nil))
	case n.cfg.Lobby.AutoJoinRandom:
		n.autoJoin("join_random", n.JoinRandomSession(nil))
	}
	return nil
}

func (n *Node) autoJoin(op string, ch <-chan lobby.Result) {
	go func() {
		r := <-ch
		if r.Err != nil {
			n.logger.Warn("auto join failed", zap.String("op", op), zap.Error(r.Err))
			return
		}
		n.logger.Info("auto joined", zap.String("op", op), zap.String("code", r.Session.Code))
	}()
}

// Self returns the local peer identity.
func (n *Node) Self() session.PeerID {
	return n.dir.Peer()
}

// CreateSession creates a lobby with code and hosts it. A zero maxMembers
// selects lobby.room_limit.
func (n *Node) CreateSession(code string, maxMembers int, attrs session.Attributes) <-chan lobby.Result {
	return n.submit(lobby.Request{Kind: lobby.OpCreate, Code: code, MaxMembers: maxMembers, Attrs: attrs})
}

// JoinSession joins the lobby whose code is code.
func (n *Node) JoinSession(code string) <-chan lobby.Result {
	return n.submit(lobby.Request{Kind: lobby.OpJoin, Code: code})
}

// JoinOrCreateSession joins code, creating it when no lobby has it.
func (n *Node) JoinOrCreateSession(code string, attrs session.Attributes) <-chan lobby.Result {
	return n.submit(lobby.Request{Kind: lobby.OpJoinOrCreate, Code: code, Attrs: attrs})
}

// JoinRandomSession joins any open lobby or creates one with a random code.
func (n *Node) JoinRandomSession(attrs session.Attributes) <-chan lobby.Result {
	return n.submit(lobby.Request{Kind: lobby.OpJoinRandom, Attrs: attrs})
}

// Disconnect leaves the current lobby. Idempotent; never triggers migration.
func (n *Node) Disconnect() <-chan lobby.Result {
	return n.submit(lobby.Request{Kind: lobby.OpDisconnect})
}

// submit runs req on the loop after cancelling any migration in progress.
func (n *Node) submit(req lobby.Request) <-chan lobby.Result {
	ch := make(chan lobby.Result, 1)
	ok := n.loop.Post(func() {
		n.coord.Cancel()
		n.mgr.Do(req, func(r lobby.Result) { ch <- r })
	})
	if !ok {
		ch <- lobby.Result{Err: lobby.ErrClosed}
	}
	return ch
}

// Current returns the current session.
func (n *Node) Current() (session.Session, bool) {
	return n.reg.Current()
}

// IsHost reports whether this peer hosts the current session.
func (n *Node) IsHost() bool {
	return n.mgr.IsHost()
}

// LobbyCode returns the code of the current session, or "".
func (n *Node) LobbyCode() string {
	cur, ok := n.reg.Current()
	if !ok {
		return ""
	}
	return cur.Code
}

// MemberCount returns the roster size of the current session.
func (n *Node) MemberCount() int {
	cur, ok := n.reg.Current()
	if !ok {
		return 0
	}
	return len(cur.Members)
}

// MemberAt returns roster entry i of the current session.
func (n *Node) MemberAt(i int) (session.Member, bool) {
	cur, ok := n.reg.Current()
	if !ok || i < 0 || i >= len(cur.Members) {
		return session.Member{}, false
	}
	return cur.Members[i], true
}

// MigrationState returns the migration coordinator state.
func (n *Node) MigrationState() migration.State {
	return n.coord.State()
}

// LastMigrationOutcome returns how the most recent migration attempt ended.
func (n *Node) LastMigrationOutcome() migration.Outcome {
	return n.coord.LastOutcome()
}

// Subscribe returns a subscription to session events and its unsubscribe
// function.
func (n *Node) Subscribe(buffer int) (*session.Subscription, func()) {
	return n.bus.Subscribe(buffer)
}

// World returns the entity store replicated through host migration.
func (n *Node) World() *world.Store {
	return n.world
}

// Transport returns the node's transport.
func (n *Node) Transport() transport.Transport {
	return n.tr
}

// Close leaves the current lobby, stops the loop and closes every
// subscription. Idempotent.
//
// Postcondition: both transport roles are stopped.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	n.mu.Unlock()

	start := time.Now()
	var errs []error
	if started {
		select {
		case r := <-n.Disconnect():
			if r.Err != nil {
				errs = append(errs, fmt.Errorf("disconnecting: %w", r.Err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("disconnecting: %w", ctx.Err()))
		}
		if err := n.loop.Invoke(ctx, func() {
			n.coord.Detach()
			n.mgr.Close()
		}); err != nil && !errors.Is(err, eventloop.ErrStopped) {
			errs = append(errs, fmt.Errorf("detaching: %w", err))
		}
		n.cancel()
		<-n.loop.Done()
	}
	if err := n.tr.StopHost(); err != nil {
		errs = append(errs, fmt.Errorf("stopping host: %w", err))
	}
	if err := n.tr.StopClient(); err != nil {
		errs = append(errs, fmt.Errorf("stopping client: %w", err))
	}
	n.bus.Close()
	n.logger.Info("node closed", zap.Duration("elapsed", time.Since(start)))
	return errors.Join(errs...)
}

// Abort stops the node without leaving its lobby or telling any peer, the
// way a killed process disappears. The directory keeps listing this peer.
func (n *Node) Abort() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	started := n.started
	n.mu.Unlock()

	if started {
		n.cancel()
		<-n.loop.Done()
	}
	_ = n.tr.StopHost()
	_ = n.tr.StopClient()
	n.bus.Close()
	n.logger.Warn("node aborted")
}
