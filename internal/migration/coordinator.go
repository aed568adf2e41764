// Package migration keeps a lobby alive when its host disappears: the host
// continuously ships a snapshot of migratable state to its would-be
// successor, and on host loss every member elects that successor, which
// re-hosts the lobby under the same code while the others follow it.
package migration

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/directory"
	"github.com/cory-johannsen/lobby/internal/eventloop"
	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/transport"
	"github.com/cory-johannsen/lobby/internal/wire"
	"github.com/cory-johannsen/lobby/internal/world"
)

// ErrMigrationFailed is carried by MigrationFailed events.
var ErrMigrationFailed = errors.New("host migration failed")

// State is the coordinator state.
type State int32

const (
	Idle State = iota
	CapturingSnapshot
	AwaitingElection
	BecomingHost
	Redirecting
	Migrated
	Abandoned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case CapturingSnapshot:
		return "CapturingSnapshot"
	case AwaitingElection:
		return "AwaitingElection"
	case BecomingHost:
		return "BecomingHost"
	case Redirecting:
		return "Redirecting"
	case Migrated:
		return "Migrated"
	case Abandoned:
		return "Abandoned"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Outcome is the resolution of a migration attempt.
type Outcome int32

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("Outcome(%d)", int32(o))
	}
}

// Options configures a Coordinator.
type Options struct {
	// Enabled turns migration on. When off, host loss disconnects the peer.
	Enabled          bool
	ElectionTimeout  time.Duration
	RejoinInterval   time.Duration
	RejoinAttempts   int
	SnapshotInterval time.Duration
	AnnounceWindow   time.Duration
}

// attempt is one migration in progress.
type attempt struct {
	gen       uint64
	departed  session.PeerID
	last      session.Session
	successor session.Member
	started   time.Time
	deadline  time.Time
	outcome   Outcome
	polls     int
	heard     *wire.HostMigration
	cancels   []func()
}

func (a *attempt) stopTimers() {
	for _, cancel := range a.cancels {
		cancel()
	}
	a.cancels = nil
}

// announcement is the migration message a new host repeats to late joiners.
type announcement struct {
	sessionID string
	payload   []byte
	until     time.Time
}

// Coordinator runs the host migration state machine for one peer. All state
// is owned by the event loop.
type Coordinator struct {
	loop   *eventloop.Loop
	mgr    *lobby.Manager
	tr     transport.Transport
	world  *world.Store
	bus    *session.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	state    atomic.Int32
	outcome  atomic.Int32
	gen      uint64
	attempt  *attempt
	seq      uint64
	latest   *Snapshot
	received *Snapshot
	capture  func()
	announce *announcement
	unsubs   []func()
	onState  []func(State)
}

// NewCoordinator returns a Coordinator driving mgr. Call Attach before the
// loop starts.
func NewCoordinator(loop *eventloop.Loop, mgr *lobby.Manager, store *world.Store, bus *session.Bus, opts Options, logger *zap.Logger) *Coordinator {
	if opts.ElectionTimeout <= 0 {
		opts.ElectionTimeout = 5 * time.Second
	}
	if opts.RejoinInterval <= 0 {
		opts.RejoinInterval = 500 * time.Millisecond
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 500 * time.Millisecond
	}
	return &Coordinator{
		loop:   loop,
		mgr:    mgr,
		tr:     mgr.Transport(),
		world:  store,
		bus:    bus,
		logger: logger.Named("migration"),
		opts:   opts,
		now:    time.Now,
	}
}

// Attach subscribes to manager and transport callbacks.
//
// Precondition: must be called once, before the loop starts.
func (c *Coordinator) Attach() {
	c.mgr.OnSessionChanged(c.sessionChanged)
	c.mgr.OnHostLost(c.hostLost)
	c.unsubs = append(c.unsubs,
		c.tr.OnMessage(wire.TypeHostMigration, func(from session.PeerID, payload []byte) {
			msg, err := wire.UnmarshalHostMigration(payload)
			if err != nil {
				c.logger.Warn("discarding host migration message", zap.String("from", string(from)), zap.Error(err))
				return
			}
			c.loop.Post(func() { c.announced(from, msg) })
		}),
		c.tr.OnMessage(wire.TypeSnapshot, func(from session.PeerID, payload []byte) {
			ws, err := wire.UnmarshalSnapshot(payload)
			if err != nil {
				c.logger.Warn("discarding snapshot", zap.String("from", string(from)), zap.Error(err))
				return
			}
			snap := snapshotFromWire(ws)
			c.loop.Post(func() { c.snapshotReceived(from, snap) })
		}),
		c.tr.OnConnected(func(peer session.PeerID) {
			c.loop.Post(func() { c.peerConnected(peer) })
		}),
	)
}

// Detach removes transport subscriptions and stops every timer.
//
// Precondition: must be called on the loop.
func (c *Coordinator) Detach() {
	c.Cancel()
	c.stopCapture()
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// OnStateChange registers fn, called on the loop for every transition.
//
// Precondition: must be called before the loop starts.
func (c *Coordinator) OnStateChange(fn func(State)) {
	c.onState = append(c.onState, fn)
}

// State returns the current state. Safe from any goroutine.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// LastOutcome returns the outcome of the most recent attempt. Safe from any
// goroutine.
func (c *Coordinator) LastOutcome() Outcome {
	return Outcome(c.outcome.Load())
}

// Migrating reports whether an attempt is in progress.
//
// Precondition: must be called on the loop.
func (c *Coordinator) Migrating() bool {
	return c.attempt != nil
}

// LatestSnapshot returns the snapshot most recently captured while hosting.
//
// Precondition: must be called on the loop.
func (c *Coordinator) LatestSnapshot() (Snapshot, bool) {
	if c.latest == nil {
		return Snapshot{}, false
	}
	return *c.latest, true
}

// Cancel abandons any attempt in progress without reporting it, and returns
// to Idle. Late callbacks of the attempt are ignored.
//
// Precondition: must be called on the loop.
func (c *Coordinator) Cancel() {
	if c.attempt == nil {
		return
	}
	c.logger.Info("migration cancelled", zap.String("code", c.attempt.last.Code))
	c.attempt.stopTimers()
	c.attempt = nil
	c.gen++
	c.syncCapture()
}

func (c *Coordinator) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug("state", zap.Stringer("state", s))
	for _, fn := range c.onState {
		fn(s)
	}
}

func (c *Coordinator) current(gen uint64) bool {
	return c.attempt != nil && c.attempt.gen == gen
}

// sessionChanged keeps the capture ticker running exactly while hosting.
func (c *Coordinator) sessionChanged(s *session.Session) {
	if c.announce != nil && (s == nil || s.ID != c.announce.sessionID) {
		c.announce = nil
	}
	if s == nil || (c.received != nil && c.received.SessionID != s.ID) {
		c.received = nil
	}
	if c.attempt != nil {
		return
	}
	c.syncCapture()
}

func (c *Coordinator) syncCapture() {
	if c.attempt != nil {
		return
	}
	if c.mgr.IsHost() {
		if c.capture == nil {
			c.capture = c.loop.Every(c.opts.SnapshotInterval, c.captureTick)
		}
		c.setState(CapturingSnapshot)
		return
	}
	c.stopCapture()
	c.setState(Idle)
}

func (c *Coordinator) stopCapture() {
	if c.capture != nil {
		c.capture()
		c.capture = nil
	}
}

// captureTick snapshots the world and ships it to the successor candidate.
func (c *Coordinator) captureTick() {
	if c.attempt != nil || !c.mgr.IsHost() {
		return
	}
	cur, ok := c.mgr.Current()
	if !ok {
		return
	}
	c.seq++
	snap, err := Capture(c.world, cur, c.seq, c.now())
	if err != nil {
		c.logger.Warn("capturing snapshot", zap.String("session_id", cur.ID), zap.Error(err))
		return
	}
	c.latest = &snap

	candidate, ok := Elect(cur.Members, c.mgr.Self())
	if !ok || !c.tr.Connected(candidate.ID) {
		return
	}
	payload := wire.MarshalSnapshot(snap.toWire())
	tr, logger := c.tr, c.logger
	go func() {
		if err := tr.SendTo(candidate.ID, wire.TypeSnapshot, payload, transport.Reliable); err != nil {
			logger.Debug("sending snapshot", zap.String("to", string(candidate.ID)), zap.Error(err))
		}
	}()
}

func (c *Coordinator) snapshotReceived(from session.PeerID, snap Snapshot) {
	cur, ok := c.mgr.Current()
	if !ok || cur.Host != from || snap.SessionID != cur.ID {
		return
	}
	if c.received != nil && c.received.SessionID == snap.SessionID && c.received.Sequence >= snap.Sequence {
		return
	}
	c.received = &snap
}

func (c *Coordinator) hostLost(loss lobby.HostLoss) {
	if !c.opts.Enabled {
		c.logger.Info("host lost with migration disabled; disconnecting", zap.String("code", loss.Last.Code))
		c.mgr.Do(lobby.Request{Kind: lobby.OpDisconnect}, func(lobby.Result) {})
		return
	}
	if c.attempt != nil {
		return
	}
	c.begin(loss.Departed, loss.Last, nil)
}

// begin opens an attempt and takes the elected branch.
func (c *Coordinator) begin(departed session.PeerID, last session.Session, heard *wire.HostMigration) {
	c.stopCapture()
	c.gen++
	now := c.now()
	a := &attempt{
		gen:      c.gen,
		departed: departed,
		last:     last.Clone(),
		started:  now,
		deadline: now.Add(c.opts.ElectionTimeout),
	}
	c.attempt = a
	c.outcome.Store(int32(OutcomePending))
	c.setState(AwaitingElection)

	successor, ok := Elect(last.Members, departed)
	if !ok {
		c.fail(a, errors.New("no member left to elect"))
		return
	}
	a.successor = successor
	c.logger.Info("host lost; electing successor",
		zap.String("code", last.Code),
		zap.String("session_id", last.ID),
		zap.String("departed", string(departed)),
		zap.String("successor", string(successor.ID)),
		zap.Uint64("epoch", last.Epoch),
	)

	if heard != nil {
		c.follow(a, *heard)
		return
	}
	if successor.ID == c.mgr.Self() {
		c.becomeHost(a)
		return
	}
	c.redirect(a)
}

// becomeHost re-hosts the lobby under the same code.
func (c *Coordinator) becomeHost(a *attempt) {
	c.setState(BecomingHost)

	snap, ok := c.snapshotFor(a)
	var adopted int
	if ok {
		adopted = c.world.Adopt(c.mgr.Self(), a.departed, snap.Entities)
	} else {
		c.world.SetAuthority(c.mgr.Self())
	}

	attrs := a.last.Attributes.Without(session.KeyHostName, session.KeyHostAddress)
	gen := a.gen
	c.mgr.Do(lobby.Request{
		Kind:       lobby.OpCreate,
		Code:       a.last.Code,
		MaxMembers: a.last.MaxMembers,
		Attrs:      attrs,
	}, func(r lobby.Result) {
		if !c.current(gen) {
			return
		}
		if r.Err != nil {
			c.fail(a, fmt.Errorf("re-hosting %q: %w", a.last.Code, r.Err))
			return
		}
		msg := wire.HostMigration{
			NewHost:   string(c.mgr.Self()),
			Code:      r.Session.Code,
			SessionID: r.Session.ID,
			Address:   r.Session.HostAddress(),
			Epoch:     a.last.Epoch,
		}
		payload := wire.MarshalHostMigration(msg)
		c.announce = &announcement{sessionID: msg.SessionID, payload: payload, until: c.now().Add(c.opts.AnnounceWindow)}
		if err := c.tr.SendTo(transport.Broadcast, wire.TypeHostMigration, payload, transport.Unreliable); err != nil {
			c.logger.Debug("broadcasting host migration", zap.Error(err))
		}
		c.logger.Info("re-hosted lobby",
			zap.String("code", r.Session.Code),
			zap.String("session_id", r.Session.ID),
			zap.Int("adopted", adopted),
		)
		c.succeed(a, r.Session)
	})
}

// snapshotFor picks the snapshot received from the departed host, falling
// back to a local capture.
func (c *Coordinator) snapshotFor(a *attempt) (Snapshot, bool) {
	if c.received != nil && c.received.SessionID == a.last.ID {
		snap := *c.received
		c.received = nil
		return snap, true
	}
	c.seq++
	snap, err := Capture(c.world, a.last, c.seq, c.now())
	if err != nil {
		c.logger.Error("capturing local snapshot", zap.String("session_id", a.last.ID), zap.Error(err))
		return Snapshot{}, false
	}
	return snap, true
}

// redirect waits for the successor's announcement while dialing it, then
// falls back to polling the directory.
func (c *Coordinator) redirect(a *attempt) {
	c.setState(Redirecting)
	gen := a.gen

	c.probe(a)
	a.cancels = append(a.cancels,
		c.loop.Every(c.opts.RejoinInterval, func() {
			if c.current(gen) && a.heard == nil {
				c.probe(a)
			}
		}),
		c.loop.AfterFunc(a.deadline.Sub(c.now()), func() {
			if !c.current(gen) || a.heard != nil {
				return
			}
			c.logger.Info("no announcement from successor; polling directory",
				zap.String("code", a.last.Code),
				zap.String("successor", string(a.successor.ID)),
			)
			a.stopTimers()
			c.poll(a)
		}),
	)
}

func (c *Coordinator) probe(a *attempt) {
	if a.successor.Address == "" || c.tr.Connected(a.successor.ID) {
		return
	}
	addr := a.successor.Address
	c.mgr.Probe(addr, func(err error) {
		if err != nil {
			c.logger.Debug("successor not reachable yet", zap.String("address", addr), zap.Error(err))
		}
	})
}

// announced handles a HostMigration message.
func (c *Coordinator) announced(from session.PeerID, msg wire.HostMigration) {
	if session.PeerID(msg.NewHost) == c.mgr.Self() {
		return
	}
	if a := c.attempt; a != nil {
		if a.heard != nil || msg.SessionID == a.last.ID {
			return
		}
		if msg.Code != a.last.Code {
			c.logger.Warn("ignoring announcement for another lobby", zap.String("code", msg.Code))
			return
		}
		c.follow(a, msg)
		return
	}

	cur, ok := c.mgr.Current()
	if !ok || c.mgr.IsHost() || cur.Code != msg.Code || cur.ID == msg.SessionID {
		return
	}
	c.logger.Info("announcement arrived before host loss was detected", zap.String("from", string(from)))
	c.mgr.StopTracking()
	c.begin(cur.Host, cur, &msg)
}

// follow joins the lobby named by msg. The message is authoritative even when
// it disagrees with the local election.
func (c *Coordinator) follow(a *attempt, msg wire.HostMigration) {
	a.heard = &msg
	a.stopTimers()
	// Callbacks of work started before the announcement, such as a re-host
	// the join below supersedes, must not resolve this attempt.
	c.gen++
	a.gen = c.gen
	c.setState(Redirecting)

	newHost := session.PeerID(msg.NewHost)
	if newHost != a.successor.ID {
		c.logger.Warn("announcement disagrees with local election; following announcement",
			zap.String("elected", string(a.successor.ID)),
			zap.String("announced", string(newHost)),
			zap.Uint64("local_epoch", a.last.Epoch),
			zap.Uint64("announced_epoch", msg.Epoch),
		)
	}

	oldID := a.last.ID
	gen := a.gen
	c.mgr.Do(lobby.Request{
		Kind: lobby.OpJoin,
		Code: msg.Code,
		Match: func(h directory.Handle) bool {
			if msg.SessionID != "" {
				return h.ID == msg.SessionID
			}
			return h.ID != oldID && h.Owner() == newHost
		},
	}, func(r lobby.Result) {
		if !c.current(gen) {
			return
		}
		if r.Err != nil {
			c.logger.Info("joining announced lobby failed; polling directory", zap.Error(r.Err))
			c.poll(a)
			return
		}
		c.succeed(a, r.Session)
	})
}

// poll searches the directory for the successor lobby until the rejoin
// budget runs out.
func (c *Coordinator) poll(a *attempt) {
	if a.polls >= c.opts.RejoinAttempts {
		c.fail(a, fmt.Errorf("no successor lobby for %q after %d polls", a.last.Code, a.polls))
		return
	}
	a.polls++
	gen := a.gen
	oldID, departed := a.last.ID, a.departed

	c.mgr.Do(lobby.Request{
		Kind: lobby.OpJoin,
		Code: a.last.Code,
		Match: func(h directory.Handle) bool {
			return h.ID != oldID && h.Owner() != departed
		},
	}, func(r lobby.Result) {
		if !c.current(gen) {
			return
		}
		if r.Err == nil {
			c.succeed(a, r.Session)
			return
		}
		c.logger.Debug("successor lobby not found yet", zap.Int("poll", a.polls), zap.Error(r.Err))
		a.cancels = append(a.cancels, c.loop.AfterFunc(c.opts.RejoinInterval, func() {
			if c.current(gen) {
				c.poll(a)
			}
		}))
	})
}

// peerConnected repeats the announcement to members that reach the new host
// after the first broadcast.
func (c *Coordinator) peerConnected(peer session.PeerID) {
	if c.announce == nil || !c.mgr.IsHost() {
		return
	}
	if c.now().After(c.announce.until) {
		c.announce = nil
		return
	}
	if err := c.tr.SendTo(peer, wire.TypeHostMigration, c.announce.payload, transport.Unreliable); err != nil {
		c.logger.Debug("repeating announcement", zap.String("to", string(peer)), zap.Error(err))
	}
}

func (c *Coordinator) succeed(a *attempt, s session.Session) {
	a.outcome = OutcomeSucceeded
	c.outcome.Store(int32(a.outcome))
	a.stopTimers()
	c.attempt = nil
	c.received = nil
	c.setState(Migrated)
	c.logger.Info("migration completed",
		zap.String("code", s.Code),
		zap.String("session_id", s.ID),
		zap.String("host", string(s.Host)),
		zap.Duration("elapsed", c.now().Sub(a.started)),
	)
	cur := s.Clone()
	c.bus.Publish(session.Event{Kind: session.EventMigrationCompleted, Session: &cur, Host: s.Host})
	c.syncCapture()
}

func (c *Coordinator) fail(a *attempt, reason error) {
	a.outcome = OutcomeAbandoned
	c.outcome.Store(int32(a.outcome))
	a.stopTimers()
	c.attempt = nil
	c.received = nil
	c.setState(Abandoned)
	err := fmt.Errorf("%w: %w", ErrMigrationFailed, reason)
	c.logger.Warn("migration abandoned", zap.String("code", a.last.Code), zap.Error(err))
	c.bus.Publish(session.Event{Kind: session.EventMigrationFailed, Host: a.departed, Err: err})
	c.mgr.Do(lobby.Request{Kind: lobby.OpDisconnect}, func(lobby.Result) {})
	c.setState(Idle)
}
