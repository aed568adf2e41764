package lobby_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/session"
)

func TestTracker_RosterChangesReachHost(t *testing.T) {
	h := newHarness(t)
	host := h.peer("host", lobby.Options{})
	a := h.peer("a", lobby.Options{})

	require.NoError(t, await(t, host.mgr.CreateSession("42", 4, nil)).Err)
	require.NoError(t, await(t, a.mgr.JoinSession("42")).Err)

	require.Eventually(t, func() bool {
		cur, ok := host.reg.Current()
		return ok && len(cur.Members) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cur, _ := host.reg.Current()
	assert.Equal(t, []session.PeerID{"host", "a"}, cur.Roster())
	assert.True(t, host.mgr.IsHost())
}

func TestTracker_HostLossRaisedOnceAfterDebounce(t *testing.T) {
	h := newHarness(t)
	host := h.peer("host", lobby.Options{})
	a := h.peer("a", lobby.Options{HostLossPolls: 3})

	var losses []lobby.HostLoss
	lost := make(chan struct{}, 4)
	a.mgr.OnHostLost(func(l lobby.HostLoss) {
		losses = append(losses, l)
		lost <- struct{}{}
	})
	sub, unsub := a.bus.Subscribe(32)
	defer unsub()

	require.NoError(t, await(t, host.mgr.CreateSession("42", 4, nil)).Err)
	require.NoError(t, await(t, a.mgr.JoinSession("42")).Err)
	require.Eventually(t, func() bool {
		cur, ok := a.reg.Current()
		return ok && len(cur.Members) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The host vanishes without leaving the directory.
	require.NoError(t, host.tr.StopHost())

	ev := waitEvent(t, sub, session.EventHostLost)
	assert.Equal(t, session.PeerID("host"), ev.Host)
	require.NotNil(t, ev.Session)
	assert.Equal(t, []session.PeerID{"host", "a"}, ev.Session.Roster(), "last healthy roster is frozen")

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("hook not called")
	}
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, lost, 0, "host loss is raised once per episode")

	require.NoError(t, a.loop.Invoke(t.Context(), func() {
		require.Len(t, losses, 1)
		assert.Equal(t, session.PeerID("host"), losses[0].Departed)
	}))

	cur, ok := a.reg.Current()
	require.True(t, ok, "the session stays current until migration or disconnect")
	assert.Equal(t, "42", cur.Code)
}

func TestTracker_VanishedLobbyCountsAsLoss(t *testing.T) {
	h := newHarness(t)
	host := h.peer("host", lobby.Options{})
	a := h.peer("a", lobby.Options{})
	sub, unsub := a.bus.Subscribe(32)
	defer unsub()

	require.NoError(t, await(t, host.mgr.CreateSession("42", 4, nil)).Err)
	require.NoError(t, await(t, a.mgr.JoinSession("42")).Err)

	require.NoError(t, host.tr.StopHost())
	h.dir.Evict("host")
	h.dir.Evict("a")

	ev := waitEvent(t, sub, session.EventHostLost)
	assert.Equal(t, session.PeerID("host"), ev.Host)
}

func TestTracker_HealthyHostNeverLost(t *testing.T) {
	h := newHarness(t)
	host := h.peer("host", lobby.Options{})
	a := h.peer("a", lobby.Options{})
	sub, unsub := a.bus.Subscribe(64)
	defer unsub()

	require.NoError(t, await(t, host.mgr.CreateSession("42", 4, nil)).Err)
	require.NoError(t, await(t, a.mgr.JoinSession("42")).Err)

	time.Sleep(300 * time.Millisecond)
	for {
		select {
		case ev := <-sub.Events():
			assert.NotEqual(t, session.EventHostLost, ev.Kind)
			continue
		default:
		}
		break
	}
}
