package grpcnet

import (
	"context"
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

func testHost(t *testing.T, id session.PeerID) (*Transport, string) {
	t.Helper()
	tr := New(id, Options{Listen: "127.0.0.1:0"}, zaptest.NewLogger(t))
	addr, err := tr.StartHost(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.StopHost() })
	return tr, addr
}

func testClient(t *testing.T, id session.PeerID) *Transport {
	t.Helper()
	tr := New(id, Options{ConnectTimeout: 2 * time.Second}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = tr.StopClient() })
	return tr
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
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestGRPC_HelloIdentifiesBothEnds(t *testing.T) {
	host, addr := testHost(t, "host")
	joined := make(chan session.PeerID, 1)
	host.OnConnected(func(p session.PeerID) { joined <- p })

	member := testClient(t, "a")
	require.NoError(t, member.StartClient(context.Background(), addr))

	assert.Equal(t, session.PeerID("a"), waitFor(t, joined))
	assert.True(t, member.Connected("host"))
	assert.True(t, host.Connected("a"))
	assert.True(t, host.Hosting())
	assert.False(t, member.Hosting())
}

func TestGRPC_MessagesBothWays(t *testing.T) {
	host, addr := testHost(t, "host")
	atHost := collect(host, "ping")
	joined := make(chan session.PeerID, 1)
	host.OnConnected(func(p session.PeerID) { joined <- p })

	member := testClient(t, "a")
	atMember := collect(member, "pong")
	require.NoError(t, member.StartClient(context.Background(), addr))
	waitFor(t, joined)

	require.NoError(t, member.SendTo(transport.Broadcast, "ping", []byte("hi"), transport.Reliable))
	assert.Equal(t, received{from: "a", payload: "hi"}, waitFor(t, atHost))

	require.NoError(t, host.SendTo("a", "pong", []byte("yo"), transport.Unreliable))
	assert.Equal(t, received{from: "host", payload: "yo"}, waitFor(t, atMember))
}

func TestGRPC_BroadcastReachesEveryMember(t *testing.T) {
	host, addr := testHost(t, "host")
	joined := make(chan session.PeerID, 2)
	host.OnConnected(func(p session.PeerID) { joined <- p })

	a := testClient(t, "a")
	b := testClient(t, "b")
	atA := collect(a, "news")
	atB := collect(b, "news")
	require.NoError(t, a.StartClient(context.Background(), addr))
	require.NoError(t, b.StartClient(context.Background(), addr))
	waitFor(t, joined)
	waitFor(t, joined)

	require.NoError(t, host.SendTo(transport.Broadcast, "news", []byte("x"), transport.Reliable))
	assert.Equal(t, "x", waitFor(t, atA).payload)
	assert.Equal(t, "x", waitFor(t, atB).payload)
}

func TestGRPC_StopHostDisconnectsMembers(t *testing.T) {
	host, addr := testHost(t, "host")
	member := testClient(t, "a")
	lost := make(chan session.PeerID, 1)
	member.OnDisconnected(func(p session.PeerID) { lost <- p })
	require.NoError(t, member.StartClient(context.Background(), addr))

	require.NoError(t, host.StopHost())
	require.NoError(t, host.StopHost())

	assert.Equal(t, session.PeerID("host"), waitFor(t, lost))
	assert.False(t, member.Connected("host"))
}

func TestGRPC_StopClientNotifiesHost(t *testing.T) {
	host, addr := testHost(t, "host")
	lost := make(chan session.PeerID, 1)
	host.OnDisconnected(func(p session.PeerID) { lost <- p })

	member := testClient(t, "a")
	require.NoError(t, member.StartClient(context.Background(), addr))
	require.NoError(t, member.StopClient())
	require.NoError(t, member.StopClient())

	assert.Equal(t, session.PeerID("a"), waitFor(t, lost))
	assert.ErrorIs(t, member.SendTo(transport.Broadcast, "x", nil, transport.Reliable), transport.ErrNotRunning)
}

func TestGRPC_DialNothingFails(t *testing.T) {
	member := New("a", Options{ConnectTimeout: 300 * time.Millisecond}, zaptest.NewLogger(t))
	err := member.StartClient(context.Background(), "127.0.0.1:1")
	assert.Error(t, err)
	assert.False(t, member.Connected("host"))
}

func TestGRPC_RolesAreExclusive(t *testing.T) {
	host, addr := testHost(t, "host")
	_, err := host.StartHost(context.Background())
	assert.ErrorIs(t, err, transport.ErrAlreadyRunning)
	assert.ErrorIs(t, host.StartClient(context.Background(), addr), transport.ErrAlreadyRunning)
}

func TestGRPC_AdvertiseOverridesListener(t *testing.T) {
	tr := New("host", Options{Listen: "127.0.0.1:0", Advertise: "lobby.example:7777"}, zaptest.NewLogger(t))
	addr, err := tr.StartHost(context.Background())
	require.NoError(t, err)
	defer tr.StopHost()
	assert.Equal(t, "lobby.example:7777", addr)
}
