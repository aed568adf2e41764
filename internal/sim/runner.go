package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/directory"
	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/node"
	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/transport/loopback"
	"github.com/cory-johannsen/lobby/internal/world"
)

// ErrExpectation is wrapped by every failed expect step.
var ErrExpectation = errors.New("expectation not met")

// StepResult records how one step went.
type StepResult struct {
	Index   int
	Action  Action
	Peer    string
	Elapsed time.Duration
	Err     error
}

// Report is the outcome of a run.
type Report struct {
	Scenario string
	Steps    []StepResult
	Elapsed  time.Duration
}

// Failed returns the first failed step, if any.
func (r Report) Failed() (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Err != nil {
			return s, true
		}
	}
	return StepResult{}, false
}

// Runner drives one scenario.
type Runner struct {
	sc     *Scenario
	logger *zap.Logger
	dir    *directory.Memory
	net    *loopback.Network
	nodes  map[string]*node.Node
}

// NewRunner builds every peer of sc without starting them.
//
// Precondition: sc must be valid; logger must be non-nil.
func NewRunner(sc *Scenario, logger *zap.Logger) (*Runner, error) {
	r := &Runner{
		sc:     sc,
		logger: logger,
		dir:    directory.NewMemory(),
		net:    loopback.NewNetwork(logger, loopback.Options{UnreliableLoss: sc.UnreliableLoss}),
		nodes:  make(map[string]*node.Node, len(sc.Peers)),
	}
	for _, id := range sc.Peers {
		cfg, err := sc.PeerConfig(id)
		if err != nil {
			return nil, err
		}
		peer := session.PeerID(id)
		n, err := node.New(cfg, r.dir.Client(peer, loopback.Address(peer)), r.net.Transport(peer), lobby.AllowAll, logger.With(zap.String("peer", id)))
		if err != nil {
			return nil, fmt.Errorf("building peer %s: %w", id, err)
		}
		r.nodes[id] = n
	}
	return r, nil
}

// Node returns the peer with the given ID.
func (r *Runner) Node(id string) (*node.Node, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// Run starts every peer, executes the steps in order and stops at the first
// failure. Peers are closed before Run returns.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{Scenario: r.sc.Name}
	defer r.closeAll()

	for _, id := range r.sc.Peers {
		if err := r.nodes[id].Start(ctx); err != nil {
			return report, fmt.Errorf("starting peer %s: %w", id, err)
		}
	}

	for i, st := range r.sc.Steps {
		stepStart := time.Now()
		err := r.step(ctx, st)
		res := StepResult{Index: i + 1, Action: st.Action, Peer: st.Peer, Elapsed: time.Since(stepStart), Err: err}
		report.Steps = append(report.Steps, res)
		if err != nil {
			r.logger.Warn("step failed",
				zap.Int("step", res.Index),
				zap.String("action", string(st.Action)),
				zap.String("peer", st.Peer),
				zap.Error(err),
			)
			report.Elapsed = time.Since(start)
			return report, fmt.Errorf("step %d (%s %s): %w", res.Index, st.Action, st.Peer, err)
		}
		r.logger.Info("step passed",
			zap.Int("step", res.Index),
			zap.String("action", string(st.Action)),
			zap.String("peer", st.Peer),
			zap.Duration("elapsed", res.Elapsed),
		)
	}
	report.Elapsed = time.Since(start)
	return report, nil
}

func (r *Runner) step(ctx context.Context, st Step) error {
	n := r.nodes[st.Peer]
	switch st.Action {
	case ActionCreate:
		return r.await(ctx, st, n.CreateSession(st.Code, st.MaxMembers, nil))
	case ActionJoin:
		return r.await(ctx, st, n.JoinSession(st.Code))
	case ActionJoinOrCreate:
		return r.await(ctx, st, n.JoinOrCreateSession(st.Code, nil))
	case ActionJoinRandom:
		return r.await(ctx, st, n.JoinRandomSession(nil))
	case ActionDisconnect:
		return r.await(ctx, st, n.Disconnect())
	case ActionCrash:
		n.Abort()
		return nil
	case ActionSpawn:
		n.World().Spawn(world.Kind(st.Kind), session.PeerID(st.Owner), []byte(st.State))
		return nil
	case ActionWait:
		return sleep(ctx, st.For)
	case ActionExpect:
		return r.expect(ctx, n, *st.Expect)
	}
	return fmt.Errorf("unknown action %q", st.Action)
}

func (r *Runner) await(ctx context.Context, st Step, ch <-chan lobby.Result) error {
	var res lobby.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	if st.Fail == "" {
		return res.Err
	}
	if res.Err == nil {
		return fmt.Errorf("%w: operation succeeded, wanted error containing %q", ErrExpectation, st.Fail)
	}
	if !strings.Contains(res.Err.Error(), st.Fail) {
		return fmt.Errorf("%w: error %q does not contain %q", ErrExpectation, res.Err, st.Fail)
	}
	return nil
}

func (r *Runner) expect(ctx context.Context, n *node.Node, e Expectation) error {
	within := e.Within
	if within <= 0 {
		within = DefaultExpectWithin
	}
	ctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		mismatch := check(n, e)
		if mismatch == "" {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("%w after %s: %s", ErrExpectation, within, mismatch)
		}
	}
}

// check returns a description of the first unmet condition, or "".
func check(n *node.Node, e Expectation) string {
	cur, ok := n.Current()
	if e.NoSession {
		if ok {
			return fmt.Sprintf("wanted no session, have %s", cur.ID)
		}
		return ""
	}
	needsSession := e.Host != "" || e.Code != "" || e.Members != nil
	if needsSession && !ok {
		return "no current session"
	}
	if e.Host != "" && string(cur.Host) != e.Host {
		return fmt.Sprintf("host is %s, wanted %s", cur.Host, e.Host)
	}
	if e.Code != "" && n.LobbyCode() != e.Code {
		return fmt.Sprintf("code is %q, wanted %q", n.LobbyCode(), e.Code)
	}
	if e.Members != nil && n.MemberCount() != *e.Members {
		return fmt.Sprintf("%d members, wanted %d", n.MemberCount(), *e.Members)
	}
	if e.Hosting != nil && n.IsHost() != *e.Hosting {
		return fmt.Sprintf("hosting is %v, wanted %v", n.IsHost(), *e.Hosting)
	}
	if e.Outcome != "" && n.LastMigrationOutcome().String() != e.Outcome {
		return fmt.Sprintf("migration outcome is %s, wanted %s", n.LastMigrationOutcome(), e.Outcome)
	}
	if e.Entities != nil && n.World().Len() != *e.Entities {
		return fmt.Sprintf("%d entities, wanted %d", n.World().Len(), *e.Entities)
	}
	return ""
}

func (r *Runner) closeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range r.sc.Peers {
		if err := r.nodes[id].Close(ctx); err != nil {
			r.logger.Debug("closing peer", zap.String("peer", id), zap.Error(err))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
