package loopback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/transport"
)

type received struct {
	from    session.PeerID
	payload string
}

func collect(tr transport.Transport, msgType string) <-chan received {
	ch := make(chan received, 16)
	tr.OnMessage(msgType, func(from session.PeerID, payload []byte) {
		ch <- received{from: from, payload: string(payload)}
	})
	return ch
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestLoopback_HostAndClientExchange(t *testing.T) {
	net := NewNetwork(zaptest.NewLogger(t), Options{})
	host := net.Transport("host")
	member := net.Transport("a")
	ctx := context.Background()

	addr, err := host.StartHost(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address("host"), addr)

	atHost := collect(host, "ping")
	atMember := collect(member, "pong")

	require.NoError(t, member.StartClient(ctx, addr))
	assert.True(t, member.Connected("host"))
	assert.True(t, host.Connected("a"))

	require.NoError(t, member.SendTo(transport.Broadcast, "ping", []byte("hi"), transport.Reliable))
	got := waitFor(t, atHost)
	assert.Equal(t, received{from: "a", payload: "hi"}, got)

	require.NoError(t, host.SendTo("a", "pong", []byte("yo"), transport.Reliable))
	got = waitFor(t, atMember)
	assert.Equal(t, received{from: "host", payload: "yo"}, got)
}

func TestLoopback_ReliableOrdered(t *testing.T) {
	net := NewNetwork(zaptest.NewLogger(t), Options{Buffer: 4})
	host := net.Transport("host")
	member := net.Transport("a")
	ctx := context.Background()
	addr, _ := host.StartHost(ctx)
	atMember := collect(member, "n")
	require.NoError(t, member.StartClient(ctx, addr))

	for i := 0; i < 10; i++ {
		require.NoError(t, host.SendTo("a", "n", []byte{byte('0' + i)}, transport.Reliable))
	}
	for i := 0; i < 10; i++ {
		got := waitFor(t, atMember)
		assert.Equal(t, string([]byte{byte('0' + i)}), got.payload)
	}
}

func TestLoopback_UnreliableLossDropsEverything(t *testing.T) {
	net := NewNetwork(zaptest.NewLogger(t), Options{UnreliableLoss: 1})
	host := net.Transport("host")
	member := net.Transport("a")
	ctx := context.Background()
	addr, _ := host.StartHost(ctx)
	atMember := collect(member, "m")
	require.NoError(t, member.StartClient(ctx, addr))

	require.NoError(t, host.SendTo(transport.Broadcast, "m", []byte("lost"), transport.Unreliable))
	require.NoError(t, host.SendTo(transport.Broadcast, "m", []byte("kept"), transport.Reliable))
	assert.Equal(t, "kept", waitFor(t, atMember).payload)
}

func TestLoopback_StopHostDisconnectsMembers(t *testing.T) {
	net := NewNetwork(zaptest.NewLogger(t), Options{})
	host := net.Transport("host")
	member := net.Transport("a")
	ctx := context.Background()
	addr, _ := host.StartHost(ctx)

	lost := make(chan session.PeerID, 2)
	member.OnDisconnected(func(p session.PeerID) { lost <- p })
	require.NoError(t, member.StartClient(ctx, addr))

	require.NoError(t, host.StopHost())
	require.NoError(t, host.StopHost())
	assert.Equal(t, session.PeerID("host"), waitFor(t, lost))
	assert.False(t, member.Connected("host"))
	assert.False(t, host.Hosting())

	err := net.Transport("b").StartClient(ctx, addr)
	assert.Error(t, err, "nothing listens after StopHost")
}

func TestLoopback_StopClientNotifiesHost(t *testing.T) {
	net := NewNetwork(zaptest.NewLogger(t), Options{})
	host := net.Transport("host")
	member := net.Transport("a")
	ctx := context.Background()
	addr, _ := host.StartHost(ctx)

	var mu sync.Mutex
	var up, down []session.PeerID
	host.OnConnected(func(p session.PeerID) { mu.Lock(); up = append(up, p); mu.Unlock() })
	host.OnDisconnected(func(p session.PeerID) { mu.Lock(); down = append(down, p); mu.Unlock() })

	require.NoError(t, member.StartClient(ctx, addr))
	require.NoError(t, member.StopClient())
	require.NoError(t, member.StopClient())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []session.PeerID{"a"}, up)
	assert.Equal(t, []session.PeerID{"a"}, down)
	assert.False(t, host.Connected("a"))
}

func TestLoopback_SendErrors(t *testing.T) {
	net := NewNetwork(zaptest.NewLogger(t), Options{})
	host := net.Transport("host")

	err := host.SendTo(transport.Broadcast, "x", nil, transport.Reliable)
	assert.ErrorIs(t, err, transport.ErrNotRunning)

	_, err = host.StartHost(context.Background())
	require.NoError(t, err)
	assert.NoError(t, host.SendTo(transport.Broadcast, "x", nil, transport.Reliable), "broadcast to nobody is fine")
	assert.ErrorIs(t, host.SendTo("ghost", "x", nil, transport.Reliable), transport.ErrUnknownPeer)
}

func TestLoopback_ReliableSendTimesOutWhenQueueFull(t *testing.T) {
	net := NewNetwork(zaptest.NewLogger(t), Options{Buffer: 1, SendTimeout: 50 * time.Millisecond})
	host := net.Transport("host")
	member := net.Transport("a")
	ctx := context.Background()
	addr, _ := host.StartHost(ctx)

	block := make(chan struct{})
	defer close(block)
	member.OnMessage("slow", func(session.PeerID, []byte) { <-block })
	require.NoError(t, member.StartClient(ctx, addr))

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = host.SendTo("a", "slow", []byte("x"), transport.Reliable)
	}
	assert.ErrorIs(t, err, transport.ErrSendTimeout)
}

func TestLoopback_RolesAreExclusive(t *testing.T) {
	net := NewNetwork(zaptest.NewLogger(t), Options{})
	host := net.Transport("host")
	ctx := context.Background()
	addr, _ := host.StartHost(ctx)

	_, err := host.StartHost(ctx)
	assert.ErrorIs(t, err, transport.ErrAlreadyRunning)
	assert.Error(t, host.StartClient(ctx, addr))

	member := net.Transport("a")
	require.NoError(t, member.StartClient(ctx, addr))
	_, err = member.StartHost(ctx)
	assert.ErrorIs(t, err, transport.ErrAlreadyRunning)
}
