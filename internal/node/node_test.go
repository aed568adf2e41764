package node_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/directory"
	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/migration"
	"github.com/cory-johannsen/lobby/internal/node"
	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/transport/loopback"
	"github.com/cory-johannsen/lobby/internal/wire"
	"github.com/cory-johannsen/lobby/internal/world"
)

func testConfig(id string) config.Config {
	return config.Config{
		Peer:      config.PeerConfig{ID: id, DisplayName: "player-" + id},
		Transport: config.TransportConfig{Kind: "loopback", SendBuffer: 64, SendTimeout: time.Second, ConnectTimeout: time.Second},
		Directory: config.DirectoryConfig{Backend: "memory", CallTimeout: 2 * time.Second},
		Logging:   config.LoggingConfig{Level: "debug", Format: "console"},
		Lobby: config.LobbyConfig{
			RoomLimit:     8,
			PollInterval:  20 * time.Millisecond,
			HostLossPolls: 2,
		},
		Migration: config.MigrationConfig{
			Enabled:          true,
			ElectionTimeout:  500 * time.Millisecond,
			RejoinInterval:   30 * time.Millisecond,
			RejoinAttempts:   20,
			SnapshotInterval: 20 * time.Millisecond,
			AnnounceWindow:   2 * time.Second,
		},
	}
}

type env struct {
	t   testing.TB
	dir *directory.Memory
	net *loopback.Network
}

func newEnv(t testing.TB) *env {
	return &env{
		t:   t,
		dir: directory.NewMemory(),
		net: loopback.NewNetwork(zaptest.NewLogger(t), loopback.Options{}),
	}
}

func (e *env) node(cfg config.Config, gate lobby.Gate) *node.Node {
	e.t.Helper()
	id := session.PeerID(cfg.Peer.ID)
	n, err := node.New(cfg, e.dir.Client(id, loopback.Address(id)), e.net.Transport(id), gate, zaptest.NewLogger(e.t))
	require.NoError(e.t, err)
	require.NoError(e.t, n.Start(context.Background()))
	e.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Close(ctx)
	})
	return n
}

func await(t testing.TB, ch <-chan lobby.Result) lobby.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lobby result")
	}
	return lobby.Result{}
}

func waitEvent(t testing.TB, sub *session.Subscription, kind session.EventKind) session.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed")
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestNew_RejectsMismatchedPeers(t *testing.T) {
	e := newEnv(t)
	_, err := node.New(testConfig("a"), e.dir.Client("a", ""), e.net.Transport("b"), nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, node.ErrPeerMismatch)
}

func TestNode_CreateThenJoin(t *testing.T) {
	e := newEnv(t)
	host := e.node(testConfig("host"), nil)
	member := e.node(testConfig("a"), nil)

	created := await(t, host.CreateSession("42", 0, session.Attributes{{Key: "Mode", Value: "coop"}}))
	require.NoError(t, created.Err)
	assert.Equal(t, 8, created.Session.MaxMembers, "room limit applies when max members is zero")
	name, _ := created.Session.Attributes.Get(session.KeyHostName)
	assert.Equal(t, "player-host", name)

	joined := await(t, member.JoinSession("42"))
	require.NoError(t, joined.Err)
	assert.Equal(t, created.Session.ID, joined.Session.ID)
	assert.Equal(t, created.Session.Host, joined.Session.Host)
	mode, _ := joined.Session.Attributes.Get("Mode")
	assert.Equal(t, "coop", mode)

	assert.True(t, host.IsHost())
	assert.False(t, member.IsHost())
	assert.Equal(t, "42", member.LobbyCode())

	require.Eventually(t, func() bool { return host.MemberCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	first, ok := host.MemberAt(0)
	require.True(t, ok)
	assert.Equal(t, session.PeerID("host"), first.ID)
	second, ok := host.MemberAt(1)
	require.True(t, ok)
	assert.Equal(t, session.PeerID("a"), second.ID)
	_, ok = host.MemberAt(2)
	assert.False(t, ok)
}

func TestNode_JoinUnknownCode(t *testing.T) {
	e := newEnv(t)
	n := e.node(testConfig("a"), nil)
	r := await(t, n.JoinSession("nope"))
	assert.ErrorIs(t, r.Err, lobby.ErrSessionNotFound)
	_, ok := n.Current()
	assert.False(t, ok)
	assert.Equal(t, "", n.LobbyCode())
	assert.Equal(t, 0, n.MemberCount())
}

func TestNode_JoinOrCreateYieldsOneLobby(t *testing.T) {
	for _, preexisting := range []bool{false, true} {
		t.Run(fmt.Sprintf("preexisting=%v", preexisting), func(t *testing.T) {
			e := newEnv(t)
			if preexisting {
				owner := e.node(testConfig("owner"), nil)
				require.NoError(t, await(t, owner.CreateSession("42", 4, nil)).Err)
			}
			n := e.node(testConfig("a"), nil)
			r := await(t, n.JoinOrCreateSession("42", nil))
			require.NoError(t, r.Err)

			count := 0
			for _, h := range e.dir.Lobbies() {
				if h.Code == "42" {
					count++
				}
			}
			assert.Equal(t, 1, count)
			assert.Equal(t, !preexisting, n.IsHost())
		})
	}
}

func TestNode_DisconnectIdempotent(t *testing.T) {
	e := newEnv(t)
	n := e.node(testConfig("a"), nil)

	require.NoError(t, await(t, n.Disconnect()).Err)
	require.NoError(t, await(t, n.CreateSession("42", 4, nil)).Err)
	require.NoError(t, await(t, n.Disconnect()).Err)
	require.NoError(t, await(t, n.Disconnect()).Err)

	_, ok := n.Current()
	assert.False(t, ok)
	assert.False(t, n.IsHost())
	assert.False(t, n.Transport().Hosting())
	assert.Empty(t, e.dir.Lobbies())
}

func TestNode_SanctionedPeerIsBarred(t *testing.T) {
	e := newEnv(t)
	banned := errors.New("banned")
	n := e.node(testConfig("a"), lobby.GateFunc(func(context.Context, session.PeerID) error { return banned }))

	r := await(t, n.CreateSession("42", 4, nil))
	assert.ErrorIs(t, r.Err, lobby.ErrSanctioned)
	assert.ErrorContains(t, r.Err, "banned")
	require.NoError(t, await(t, n.Disconnect()).Err, "disconnect is never barred")
	assert.Empty(t, e.dir.Lobbies())
}

func TestNode_AutoJoinDefaultCode(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig("a")
	cfg.Lobby.DefaultCode = "lobby-7"
	n := e.node(cfg, nil)

	require.Eventually(t, func() bool { return n.LobbyCode() == "lobby-7" }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, n.IsHost())
}

func TestNode_AutoJoinRandom(t *testing.T) {
	e := newEnv(t)
	host := e.node(testConfig("host"), nil)
	require.NoError(t, await(t, host.CreateSession("31337", 4, nil)).Err)

	cfg := testConfig("a")
	cfg.Lobby.AutoJoinRandom = true
	n := e.node(cfg, nil)

	require.Eventually(t, func() bool { return n.LobbyCode() == "31337" }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, n.IsHost())
}

func TestNode_CloseLeavesLobby(t *testing.T) {
	e := newEnv(t)
	n := e.node(testConfig("a"), nil)
	sub, _ := n.Subscribe(8)
	require.NoError(t, await(t, n.CreateSession("42", 4, nil)).Err)

	require.NoError(t, n.Close(context.Background()))
	require.NoError(t, n.Close(context.Background()))
	assert.Empty(t, e.dir.Lobbies())
	assert.False(t, n.Transport().Hosting())

	r := await(t, n.JoinSession("42"))
	assert.ErrorIs(t, r.Err, lobby.ErrClosed)

	for range sub.Events() {
	}
}

func TestNode_CloseAfterStartContextCancelled(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig("a")
	n, err := node.New(cfg, e.dir.Client("a", loopback.Address("a")), e.net.Transport("a"), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))
	require.NoError(t, await(t, n.CreateSession("77", 4, nil)).Err)

	cancel()
	assert.Never(t, func() bool {
		_, ok := n.Current()
		return !ok
	}, 100*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, await(t, n.JoinOrCreateSession("77", nil)).Err, "the loop keeps serving after the start context ends")

	require.NoError(t, n.Close(context.Background()))
	assert.Empty(t, e.dir.Lobbies())
	_, ok := n.Current()
	assert.False(t, ok)
	assert.False(t, n.Transport().Hosting())
}

func TestNode_LogsCarryPeerOnce(t *testing.T) {
	e := newEnv(t)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).With(zap.String("peer", "a"))
	n, err := node.New(testConfig("a"), e.dir.Client("a", loopback.Address("a")), e.net.Transport("a"), nil, logger)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, await(t, n.CreateSession("42", 4, nil)).Err)
	require.NoError(t, n.Close(context.Background()))

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		peers := 0
		for _, f := range entry.Context {
			if f.Key == "peer" {
				peers++
			}
		}
		assert.Equal(t, 1, peers, "entry %q", entry.Message)
	}
}

// crash kills a peer without it leaving the directory.
func crash(t testing.TB, n *node.Node) {
	t.Helper()
	n.Abort()
	require.False(t, n.Transport().Hosting())
}

func TestNode_ThreeMembersSurviveHostDeparture(t *testing.T) {
	e := newEnv(t)
	host := e.node(testConfig("host"), nil)
	a := e.node(testConfig("a"), nil)
	b := e.node(testConfig("b"), nil)

	created := await(t, host.CreateSession("42", 4, nil))
	require.NoError(t, created.Err)
	require.NoError(t, await(t, a.JoinSession("42")).Err)
	require.NoError(t, await(t, b.JoinSession("42")).Err)
	for _, n := range []*node.Node{host, a, b} {
		require.Eventually(t, func() bool { return n.MemberCount() == 3 }, 3*time.Second, 10*time.Millisecond)
	}

	announced := make(chan wire.HostMigration, 4)
	b.Transport().OnMessage(wire.TypeHostMigration, func(_ session.PeerID, payload []byte) {
		if msg, err := wire.UnmarshalHostMigration(payload); err == nil {
			announced <- msg
		}
	})
	subA, _ := a.Subscribe(64)
	subB, _ := b.Subscribe(64)

	crash(t, host)

	lost := waitEvent(t, subB, session.EventHostLost)
	assert.Equal(t, session.PeerID("host"), lost.Host)

	doneA := waitEvent(t, subA, session.EventMigrationCompleted)
	require.NotNil(t, doneA.Session)
	assert.Equal(t, session.PeerID("a"), doneA.Session.Host, "second member is elected")
	assert.True(t, a.IsHost())

	doneB := waitEvent(t, subB, session.EventMigrationCompleted)
	require.NotNil(t, doneB.Session)
	assert.Equal(t, "42", doneB.Session.Code)
	assert.Equal(t, doneA.Session.ID, doneB.Session.ID)
	assert.NotEqual(t, created.Session.ID, doneB.Session.ID)

	select {
	case msg := <-announced:
		assert.Equal(t, "a", msg.NewHost)
		assert.Equal(t, "42", msg.Code)
		assert.Equal(t, doneA.Session.ID, msg.SessionID)
	default:
		t.Fatal("b never received HostMigration{newHost=a}")
	}

	assert.Equal(t, "42", b.LobbyCode())
	assert.False(t, b.IsHost())
	require.Eventually(t, func() bool { return a.MemberCount() == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return a.MigrationState() == migration.CapturingSnapshot }, 2*time.Second, 10*time.Millisecond)
}

func TestNode_MigrationCarriesWorld(t *testing.T) {
	e := newEnv(t)
	host := e.node(testConfig("host"), nil)
	a := e.node(testConfig("a"), nil)
	require.NoError(t, await(t, host.CreateSession("42", 4, nil)).Err)
	require.NoError(t, await(t, a.JoinSession("42")).Err)
	require.Eventually(t, func() bool { return host.MemberCount() == 2 }, 3*time.Second, 10*time.Millisecond)

	avatar := host.World().Spawn(world.KindAvatar, "a", nil)
	door := host.World().Spawn("door", "", []byte("open"))
	hud := host.World().Spawn("hud", "host", nil)
	require.NoError(t, host.World().SetExcluded(hud.ID, true))
	time.Sleep(150 * time.Millisecond)

	sub, _ := a.Subscribe(64)
	crash(t, host)
	waitEvent(t, sub, session.EventMigrationCompleted)

	got, ok := a.World().Get(door.ID)
	require.True(t, ok)
	assert.Equal(t, []byte("open"), got.State)
	_, ok = a.World().Get(avatar.ID)
	assert.True(t, ok)
	_, ok = a.World().Get(hud.ID)
	assert.False(t, ok)
}

func TestNode_DisconnectDuringMigrationCancelsIt(t *testing.T) {
	e := newEnv(t)
	host := e.node(testConfig("host"), nil)
	cfgA := testConfig("a")
	cfgA.Migration.Enabled = false
	a := e.node(cfgA, nil)
	cfgB := testConfig("b")
	cfgB.Migration.ElectionTimeout = 5 * time.Second
	b := e.node(cfgB, nil)

	require.NoError(t, await(t, host.CreateSession("42", 4, nil)).Err)
	require.NoError(t, await(t, a.JoinSession("42")).Err)
	require.NoError(t, await(t, b.JoinSession("42")).Err)
	require.Eventually(t, func() bool { return b.MemberCount() == 3 }, 3*time.Second, 10*time.Millisecond)

	sub, _ := b.Subscribe(64)
	crash(t, host)
	require.Eventually(t, func() bool { return b.MigrationState() == migration.Redirecting }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, await(t, b.Disconnect()).Err)
	assert.Equal(t, migration.Idle, b.MigrationState())
	_, ok := b.Current()
	assert.False(t, ok)

	time.Sleep(200 * time.Millisecond)
	for {
		select {
		case ev := <-sub.Events():
			assert.NotEqual(t, session.EventMigrationFailed, ev.Kind)
			assert.NotEqual(t, session.EventMigrationCompleted, ev.Kind)
			continue
		default:
		}
		break
	}
}

func TestProperty_AtMostOneSessionCurrent(t *testing.T) {
	e := newEnv(t)
	n := e.node(testConfig("p"), nil)
	other := e.node(testConfig("o"), nil)
	require.NoError(t, await(t, other.CreateSession("7", 8, nil)).Err)

	rapid.Check(t, func(rt *rapid.T) {
		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 8).Draw(rt, "ops")
		var last lobby.Result
		for _, op := range ops {
			switch op {
			case 0:
				last = await(t, n.CreateSession("9", 4, nil))
			case 1:
				last = await(t, n.JoinSession("7"))
			case 2:
				last = await(t, n.JoinOrCreateSession("8", nil))
			case 3:
				last = await(t, n.Disconnect())
			}
		}
		cur, ok := n.Current()
		if last.Err == nil && last.Session.ID != "" {
			if !ok || cur.ID != last.Session.ID {
				rt.Fatalf("current %v/%v, want %s", cur.ID, ok, last.Session.ID)
			}
		}
		held := 0
		for _, h := range e.dir.Lobbies() {
			if h.HasMember("p") {
				held++
			}
		}
		if held > 1 {
			rt.Fatalf("peer listed in %d lobbies", held)
		}
		if ok && held != 1 {
			rt.Fatalf("current session %s but peer listed in %d lobbies", cur.ID, held)
		}
		require.NoError(t, await(t, n.Disconnect()).Err)
	})
}
