// Package lobby implements the session lifecycle manager and the membership
// tracker that watches the current lobby for host loss.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/directory"
	"github.com/cory-johannsen/lobby/internal/eventloop"
	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/transport"
)

// Random lobby codes are drawn from [MinRandomCode, MaxRandomCode].
const (
	MinRandomCode = 10000
	MaxRandomCode = 99999
)

// OpKind names a lifecycle operation.
type OpKind string

const (
	OpCreate       OpKind = "create"
	OpJoin         OpKind = "join"
	OpJoinOrCreate OpKind = "join_or_create"
	OpJoinRandom   OpKind = "join_random"
	OpDisconnect   OpKind = "disconnect"
)

// Request describes one lifecycle operation.
type Request struct {
	Kind OpKind
	Code string
	// MaxMembers applies when a lobby is created. Zero selects Options.RoomLimit.
	MaxMembers int
	Attrs      session.Attributes
	// Match, when set, restricts which search results OpJoin may pick.
	Match func(directory.Handle) bool
}

// Result is the outcome of one lifecycle operation.
type Result struct {
	// Session is the published session on success; zero for OpDisconnect.
	Session session.Session
	Err     error
}

// Callback receives a Result on the event loop.
type Callback func(Result)

// HostLoss describes one detected host loss.
type HostLoss struct {
	// Departed is the host of the last healthy roster.
	Departed session.PeerID
	// Last is the frozen last healthy session.
	Last session.Session
}

// Options configures a Manager.
type Options struct {
	// DisplayName is published as HostName.
	DisplayName string
	// RoomLimit is the default member cap for created lobbies.
	RoomLimit int
	// CallTimeout bounds each directory call.
	CallTimeout time.Duration
	// PollInterval is the tracker tick.
	PollInterval time.Duration
	// HostLossPolls is the tracker debounce.
	HostLossPolls int
	// Intn returns a uniform int in [0, n). Defaults to math/rand/v2.IntN.
	Intn func(n int) int
}

// Manager runs create/join/disconnect operations for one peer and publishes
// their outcome into a session.Registry. All state is owned by the event loop;
// exported methods may be called from any goroutine.
type Manager struct {
	loop   *eventloop.Loop
	dir    directory.Client
	tr     transport.Transport
	reg    *session.Registry
	bus    *session.Bus
	logger *zap.Logger
	opts   Options
	self   session.PeerID

	// gen is bumped on the loop for every operation and read by workers.
	gen atomic.Uint64
	// opMu serializes the directory and transport work of operations.
	opMu sync.Mutex
	// held is the lobby the directory lists this peer in. Guarded by opMu.
	held string
	host atomic.Bool

	pending  *operation
	tracker  *Tracker
	blocked  error
	closed   bool
	onChange []func(*session.Session)
	onLost   []func(HostLoss)
}

type operation struct {
	gen      uint64
	req      Request
	ctx      context.Context
	cancel   context.CancelFunc
	cb       Callback
	resolved bool
	started  time.Time
}

func (op *operation) resolve(r Result) {
	if op.resolved {
		return
	}
	op.resolved = true
	op.cancel()
	if op.cb != nil {
		op.cb(r)
	}
}

// outcome is what a worker hands back to the loop.
type outcome struct {
	session session.Session
	hosting bool
	err     error
}

// NewManager returns a Manager bound to dir and tr.
//
// Precondition: every argument must be non-nil and dir.Peer() == tr.Local().
func NewManager(loop *eventloop.Loop, dir directory.Client, tr transport.Transport, reg *session.Registry, bus *session.Bus, opts Options, logger *zap.Logger) *Manager {
	if opts.RoomLimit <= 0 {
		opts.RoomLimit = directory.MaxMembers
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	if opts.DisplayName == "" {
		opts.DisplayName = string(dir.Peer())
	}
	m := &Manager{
		loop:   loop,
		dir:    dir,
		tr:     tr,
		reg:    reg,
		bus:    bus,
		logger: logger.Named("lobby"),
		opts:   opts,
		self:   dir.Peer(),
	}
	m.tracker = newTracker(m, opts.PollInterval, opts.HostLossPolls)
	return m
}

// Self returns the local peer identity.
func (m *Manager) Self() session.PeerID {
	return m.self
}

// Transport returns the transport the manager drives.
func (m *Manager) Transport() transport.Transport {
	return m.tr
}

// Current returns the current session. Safe from any goroutine.
func (m *Manager) Current() (session.Session, bool) {
	return m.reg.Current()
}

// IsHost reports whether this peer hosts the current session. Safe from any goroutine.
func (m *Manager) IsHost() bool {
	return m.host.Load()
}

// OnSessionChanged registers fn, called on the loop with the new current
// session or nil.
//
// Precondition: must be called before the loop starts.
func (m *Manager) OnSessionChanged(fn func(*session.Session)) {
	m.onChange = append(m.onChange, fn)
}

// OnHostLost registers fn, called on the loop once per host loss.
//
// Precondition: must be called before the loop starts.
func (m *Manager) OnHostLost(fn func(HostLoss)) {
	m.onLost = append(m.onLost, fn)
}

// Block makes every later operation except Disconnect fail with ErrSanctioned.
func (m *Manager) Block(reason error) {
	m.loop.Post(func() {
		m.blocked = reason
	})
}

// CreateSession creates a lobby with code and hosts it.
func (m *Manager) CreateSession(code string, maxMembers int, attrs session.Attributes) <-chan Result {
	return m.submit(Request{Kind: OpCreate, Code: code, MaxMembers: maxMembers, Attrs: attrs})
}

// JoinSession joins the first lobby whose code is code.
func (m *Manager) JoinSession(code string) <-chan Result {
	return m.submit(Request{Kind: OpJoin, Code: code})
}

// JoinOrCreateSession joins code if a lobby has it, or creates it otherwise,
// deciding against a single search result.
func (m *Manager) JoinOrCreateSession(code string, attrs session.Attributes) <-chan Result {
	return m.submit(Request{Kind: OpJoinOrCreate, Code: code, Attrs: attrs})
}

// JoinRandomSession joins a random open lobby, or creates one with a random
// five digit code when none is open.
func (m *Manager) JoinRandomSession(attrs session.Attributes) <-chan Result {
	return m.submit(Request{Kind: OpJoinRandom, Attrs: attrs})
}

// Disconnect leaves the current lobby and stops both transport roles.
// Idempotent.
func (m *Manager) Disconnect() <-chan Result {
	return m.submit(Request{Kind: OpDisconnect})
}

func (m *Manager) submit(req Request) <-chan Result {
	ch := make(chan Result, 1)
	if !m.loop.Post(func() { m.Do(req, func(r Result) { ch <- r }) }) {
		ch <- Result{Err: ErrClosed}
	}
	return ch
}

// Do starts req, superseding any operation still in flight. cb is called on
// the loop exactly once.
//
// Precondition: must be called on the loop.
func (m *Manager) Do(req Request, cb Callback) {
	if m.closed {
		cb(Result{Err: ErrClosed})
		return
	}
	if m.blocked != nil && req.Kind != OpDisconnect {
		cb(Result{Err: fmt.Errorf("%s: %w: %v", req.Kind, ErrSanctioned, m.blocked)})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{
		gen:     m.gen.Add(1),
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		cb:      cb,
		started: time.Now(),
	}
	// op is installed before any callback runs, so a callback that calls Do
	// again supersedes op instead of being overwritten by it.
	prev := m.pending
	m.pending = op
	go m.execute(op)

	m.tracker.stop()
	m.host.Store(false)
	if _, ok := m.reg.Current(); ok {
		m.reg.Clear()
		m.publishChange(nil)
	}
	if prev != nil {
		m.logger.Debug("superseding operation", zap.String("op", string(prev.req.Kind)), zap.String("by", string(req.Kind)))
		prev.resolve(Result{Err: fmt.Errorf("%s: %w", prev.req.Kind, ErrSuperseded)})
	}
}

// execute performs op's blocking work off the loop. Only a worker whose
// generation is still current touches the directory or transport, so a
// superseded worker can never undo a newer operation.
func (m *Manager) execute(op *operation) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var out outcome
	if m.gen.Load() != op.gen {
		out.err = ErrSuperseded
	} else {
		m.release()
		m.stopRoles()
		out = m.perform(op)
		if out.err == nil && out.session.ID != "" {
			m.held = out.session.ID
		}
	}
	m.loop.Post(func() { m.complete(op, out) })
}

// release leaves the lobby obtained by the last successful operation, whether
// or not its result was ever published.
//
// Precondition: m.opMu must be held.
func (m *Manager) release() {
	if m.held == "" {
		return
	}
	m.leaveLobby(m.held)
	m.held = ""
}

func (m *Manager) leaveLobby(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
	defer cancel()
	if err := m.dir.Leave(ctx, id); err != nil {
		m.logger.Warn("leaving lobby", zap.String("session_id", id), zap.Error(err))
	}
}

// stopRoles stops both transport roles. Only the current operation may call
// it, so a superseded worker never tears down a newer operation's link.
//
// Precondition: m.opMu must be held.
func (m *Manager) stopRoles() {
	if err := m.tr.StopHost(); err != nil {
		m.logger.Warn("stopping host", zap.Error(err))
	}
	if err := m.tr.StopClient(); err != nil {
		m.logger.Warn("stopping client", zap.Error(err))
	}
}

func (m *Manager) complete(op *operation, out outcome) {
	if op != m.pending || op.gen != m.gen.Load() {
		// A newer worker releases whatever this one obtained.
		return
	}
	m.pending = nil

	elapsed := time.Since(op.started)
	if out.err != nil {
		m.logger.Info("operation failed",
			zap.String("op", string(op.req.Kind)),
			zap.String("code", op.req.Code),
			zap.Duration("elapsed", elapsed),
			zap.Error(out.err),
		)
		op.resolve(Result{Err: out.err})
		return
	}
	if op.req.Kind == OpDisconnect {
		m.logger.Info("disconnected", zap.Duration("elapsed", elapsed))
		op.resolve(Result{})
		return
	}

	s := out.session
	m.reg.Set(s)
	m.host.Store(out.hosting)
	m.logger.Info("session established",
		zap.String("op", string(op.req.Kind)),
		zap.String("code", s.Code),
		zap.String("session_id", s.ID),
		zap.String("host", string(s.Host)),
		zap.Bool("hosting", out.hosting),
		zap.Duration("elapsed", elapsed),
	)
	m.tracker.start(s.ID)
	m.publishChange(&s)
	op.resolve(Result{Session: s})
}

func (m *Manager) perform(op *operation) outcome {
	req := op.req
	switch req.Kind {
	case OpCreate:
		return m.create(op.ctx, req.Code, req.MaxMembers, req.Attrs)
	case OpJoin:
		hs, err := m.search(op.ctx, req.Code, req.Match)
		if err != nil {
			return outcome{err: err}
		}
		if len(hs) == 0 {
			return outcome{err: fmt.Errorf("joining %q: %w", req.Code, ErrSessionNotFound)}
		}
		return m.join(op.ctx, hs[0])
	case OpJoinOrCreate:
		hs, err := m.search(op.ctx, req.Code, req.Match)
		if err != nil {
			return outcome{err: err}
		}
		if len(hs) > 0 {
			return m.join(op.ctx, hs[0])
		}
		return m.create(op.ctx, req.Code, req.MaxMembers, req.Attrs)
	case OpJoinRandom:
		ctx, cancel := context.WithTimeout(op.ctx, m.opts.CallTimeout)
		hs, err := m.dir.SearchOpen(ctx)
		cancel()
		if err != nil {
			return outcome{err: &DirectoryError{Op: "search open", Err: err}}
		}
		if len(hs) > 0 {
			return m.join(op.ctx, hs[m.opts.Intn(len(hs))])
		}
		code := strconv.Itoa(MinRandomCode + m.opts.Intn(MaxRandomCode-MinRandomCode+1))
		return m.create(op.ctx, code, req.MaxMembers, req.Attrs)
	case OpDisconnect:
		return outcome{}
	default:
		return outcome{err: fmt.Errorf("unknown operation %q", req.Kind)}
	}
}

func (m *Manager) search(ctx context.Context, code string, match func(directory.Handle) bool) ([]directory.Handle, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	hs, err := m.dir.Search(cctx, code)
	if err != nil {
		return nil, &DirectoryError{Op: "search", Err: err}
	}
	if match == nil {
		return hs, nil
	}
	out := hs[:0]
	for _, h := range hs {
		if match(h) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *Manager) create(ctx context.Context, code string, maxMembers int, attrs session.Attributes) outcome {
	if maxMembers == 0 {
		maxMembers = m.opts.RoomLimit
	}
	if !directory.ValidMaxMembers(maxMembers) {
		return outcome{err: &DirectoryError{Op: "create", Err: fmt.Errorf("%d members: %w", maxMembers, directory.ErrInvalidMaxMembers)}}
	}

	addr, err := m.tr.StartHost(ctx)
	if err != nil {
		return outcome{err: &TransportError{Op: "start host", Err: err}}
	}

	attrs = attrs.With(session.KeyLobbyCode, code)
	if _, ok := attrs.Get(session.KeyLobbyName); !ok {
		attrs = attrs.With(session.KeyLobbyName, code)
	}
	attrs = attrs.With(session.KeyHostName, m.opts.DisplayName).With(session.KeyHostAddress, addr)

	cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	h, err := m.dir.Create(cctx, code, maxMembers, attrs)
	cancel()
	if err != nil {
		_ = m.tr.StopHost()
		return outcome{err: &DirectoryError{Op: "create", Err: err}}
	}
	return outcome{session: h.Session(), hosting: true}
}

func (m *Manager) join(ctx context.Context, h directory.Handle) outcome {
	addr := h.Attribute(session.KeyHostAddress)
	if addr == "" {
		return outcome{err: &TransportError{Op: "connect", Err: fmt.Errorf("lobby %s: %w", h.ID, ErrNoHostAddress)}}
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	joined, err := m.dir.Join(cctx, h.ID)
	cancel()
	if err != nil {
		return outcome{err: &DirectoryError{Op: "join", Err: err}}
	}

	if err := m.tr.StartClient(ctx, addr); err != nil {
		m.leaveLobby(joined.ID)
		return outcome{err: &TransportError{Op: "connect", Err: err}}
	}
	return outcome{session: joined.Session()}
}

// Probe points the transport client role at address without touching the
// directory, so that a prospective host can reach this peer. It is skipped
// once another operation has started. done runs on the loop.
//
// Precondition: must be called on the loop.
func (m *Manager) Probe(address string, done func(error)) {
	gen := m.gen.Load()
	go func() {
		m.opMu.Lock()
		var err error
		if m.gen.Load() != gen {
			err = ErrSuperseded
		} else {
			_ = m.tr.StopClient()
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
			err = m.tr.StartClient(ctx, address)
			cancel()
		}
		m.opMu.Unlock()
		m.loop.Post(func() { done(err) })
	}()
}

// StopTracking halts the membership tracker until the next session is published.
//
// Precondition: must be called on the loop.
func (m *Manager) StopTracking() {
	m.tracker.stop()
}

// Close supersedes any pending operation and stops tracking. The current
// session is left in place; call Disconnect first to leave it.
//
// Precondition: must be called on the loop.
func (m *Manager) Close() {
	m.closed = true
	m.tracker.stop()
	if op := m.pending; op != nil {
		m.pending = nil
		op.resolve(Result{Err: ErrClosed})
	}
}

func (m *Manager) publishChange(s *session.Session) {
	m.bus.Publish(session.Event{Kind: session.EventSessionChanged, Session: s})
	for _, fn := range m.onChange {
		fn(s)
	}
}

func (m *Manager) hostLost(loss HostLoss) {
	m.tracker.stop()
	m.logger.Warn("host lost",
		zap.String("code", loss.Last.Code),
		zap.String("session_id", loss.Last.ID),
		zap.String("host", string(loss.Departed)),
	)
	last := loss.Last.Clone()
	m.bus.Publish(session.Event{Kind: session.EventHostLost, Session: &last, Host: loss.Departed})
	for _, fn := range m.onLost {
		fn(loss)
	}
}

// IsDirectoryError reports whether err wraps a DirectoryError.
func IsDirectoryError(err error) bool {
	var de *DirectoryError
	return errors.As(err, &de)
}

// IsTransportError reports whether err wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
