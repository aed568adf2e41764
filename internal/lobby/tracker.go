package lobby

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/directory"
	"github.com/cory-johannsen/lobby/internal/session"
)

// Tracker polls the directory for the current lobby, refreshes the registry
// while the lobby owner is reachable, and raises host loss once the owner has
// been unreachable for a number of consecutive polls.
//
// All fields are owned by the manager's event loop.
type Tracker struct {
	m         *Manager
	interval  time.Duration
	lossPolls int

	sessionID string
	token     uint64
	cancel    func()
	inflight  bool
	misses    int
	raised    bool
}

func newTracker(m *Manager, interval time.Duration, lossPolls int) *Tracker {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if lossPolls < 1 {
		lossPolls = 2
	}
	return &Tracker{m: m, interval: interval, lossPolls: lossPolls}
}

func (t *Tracker) start(sessionID string) {
	t.stop()
	t.sessionID = sessionID
	t.misses = 0
	t.raised = false
	t.cancel = t.m.loop.Every(t.interval, t.poll)
}

func (t *Tracker) stop() {
	t.token++
	t.inflight = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Tracker) poll() {
	if t.inflight || t.cancel == nil {
		return
	}
	t.inflight = true
	token, id := t.token, t.sessionID
	dir, timeout := t.m.dir, t.m.opts.CallTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		h, err := dir.Refresh(ctx, id)
		cancel()
		t.m.loop.Post(func() { t.observe(token, h, err) })
	}()
}

func (t *Tracker) observe(token uint64, h directory.Handle, err error) {
	if token != t.token {
		return
	}
	t.inflight = false

	if err != nil {
		if !errors.Is(err, directory.ErrLobbyNotFound) {
			t.m.logger.Warn("refreshing lobby", zap.String("session_id", t.sessionID), zap.Error(err))
			return
		}
		t.miss("lobby vanished")
		return
	}

	if !t.ownerLive(h.Owner()) {
		t.miss("owner unreachable")
		return
	}
	t.misses = 0
	t.raised = false
	t.publish(h)
}

// ownerLive reports whether the directory owner is this hosting peer or a
// peer the transport is linked to.
func (t *Tracker) ownerLive(owner session.PeerID) bool {
	tr := t.m.tr
	if owner == t.m.self {
		return tr.Hosting()
	}
	return tr.Connected(owner)
}

func (t *Tracker) miss(reason string) {
	t.misses++
	t.m.logger.Debug("host liveness miss",
		zap.String("session_id", t.sessionID),
		zap.String("reason", reason),
		zap.Int("misses", t.misses),
	)
	if t.misses < t.lossPolls || t.raised {
		return
	}
	t.raised = true
	last, ok := t.m.reg.Current()
	if !ok || last.ID != t.sessionID {
		return
	}
	t.m.hostLost(HostLoss{Departed: last.Host, Last: last})
}

// publish refreshes the registry when the roster, host or attributes moved.
func (t *Tracker) publish(h directory.Handle) {
	cur, ok := t.m.reg.Current()
	if !ok || cur.ID != h.ID {
		return
	}
	next := h.Session()
	if next.Epoch == cur.Epoch && next.Host == cur.Host &&
		slices.Equal(next.Attributes, cur.Attributes) && slices.Equal(next.Members, cur.Members) {
		return
	}
	t.m.reg.Set(next)
	t.m.host.Store(next.Host == t.m.self && t.m.tr.Hosting())
	t.m.publishChange(&next)
}
