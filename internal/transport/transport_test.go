package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cory-johannsen/lobby/internal/session"
)

func TestHandlers_DispatchMessageByType(t *testing.T) {
	hs := NewHandlers()
	var got []string
	hs.OnMessage("a", func(from session.PeerID, payload []byte) {
		got = append(got, string(from)+":"+string(payload))
	})

	assert.True(t, hs.DispatchMessage("a", "p1", []byte("x")))
	assert.False(t, hs.DispatchMessage("b", "p1", []byte("y")))
	assert.Equal(t, []string{"p1:x"}, got)
}

func TestHandlers_UnsubscribeIsIdempotent(t *testing.T) {
	hs := NewHandlers()
	calls := 0
	unsub := hs.OnMessage("a", func(session.PeerID, []byte) { calls++ })
	unsub()
	unsub()
	assert.False(t, hs.DispatchMessage("a", "p1", nil))
	assert.Zero(t, calls)
}

func TestHandlers_PeerEvents(t *testing.T) {
	hs := NewHandlers()
	var up, down []session.PeerID
	unsubUp := hs.OnConnected(func(p session.PeerID) { up = append(up, p) })
	hs.OnDisconnected(func(p session.PeerID) { down = append(down, p) })

	hs.DispatchConnected("a")
	hs.DispatchDisconnected("a")
	unsubUp()
	hs.DispatchConnected("b")

	assert.Equal(t, []session.PeerID{"a"}, up)
	assert.Equal(t, []session.PeerID{"a"}, down)
}

func TestHandlers_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	hs := NewHandlers()
	var unsub func()
	calls := 0
	unsub = hs.OnConnected(func(session.PeerID) {
		calls++
		unsub()
	})
	hs.DispatchConnected("a")
	hs.DispatchConnected("a")
	assert.Equal(t, 1, calls)
}

func TestReliability_String(t *testing.T) {
	assert.Equal(t, "reliable", Reliable.String())
	assert.Equal(t, "unreliable", Unreliable.String())
}
