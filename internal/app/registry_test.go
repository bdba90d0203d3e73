package app

import (
	"testing"
	"time"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/core/coretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPresenceLifecycle(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Unix(100, 0)
	a1, a2 := coretest.NewConn("a1"), coretest.NewConn("a2")
	r.Bind(a1, "alice", nil)
	r.Bind(a2, "alice", nil)

	assert.False(t, r.IsOnline("alice"))
	first, ok := r.MarkOnline(a1.ID(), now)
	require.True(t, ok)
	assert.True(t, first)
	first, _ = r.MarkOnline(a2.ID(), now)
	assert.False(t, first)
	assert.Len(t, r.OnlineUsers(), 1)

	u, ok := r.Unbind(a1.ID())
	require.True(t, ok)
	assert.True(t, u.WasOnline)
	assert.False(t, u.LastOnline)

	u, _ = r.Unbind(a2.ID())
	assert.True(t, u.LastOnline)
	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.OnlineUsers())

	_, ok = r.Unbind(a2.ID())
	assert.False(t, ok)
}

func TestRegistryMarkOffline(t *testing.T) {
	r := NewRegistry(nil)
	c := coretest.NewConn("c")
	r.Bind(c, "bob", nil)
	assert.False(t, r.MarkOffline("bob"))
	r.MarkOnline(c.ID(), time.Now())
	assert.True(t, r.MarkOffline("bob"))
	assert.False(t, r.IsOnline("bob"))
	assert.True(t, r.HasUser("bob"))
	assert.False(t, r.Touch("bob", time.Now()))
}

func TestRegistryFanout(t *testing.T) {
	r := NewRegistry(nil)
	a, b, c := coretest.NewConn("a"), coretest.NewConn("b"), coretest.NewConn("c")
	r.Bind(a, "alice", nil)
	r.Bind(b, "bob", nil)
	r.Bind(c, "carol", nil)
	r.SetSession(a.ID(), "s1")
	r.SetSession(b.ID(), "s1")

	assert.Equal(t, 1, r.SendToUser("bob", core.Frame(`{}`)))
	assert.Equal(t, 2, r.Broadcast(core.Frame(`{}`), a.ID()))
	assert.Equal(t, 1, r.BroadcastSession("s1", a.ID(), core.Frame(`{}`)))
	assert.Len(t, b.Frames(), 3)
	assert.Len(t, c.Frames(), 1)
	assert.Empty(t, a.Frames())

	sid, ok := r.SessionOf(b.ID())
	require.True(t, ok)
	assert.EqualValues(t, "s1", sid)
}

func TestRegistryKicksSlowConnection(t *testing.T) {
	r := NewRegistry(SimplePolicy{})
	slow := coretest.NewConn("slow")
	r.Bind(slow, "alice", nil)
	slow.SetFull(true)

	assert.Equal(t, 0, r.SendToUser("alice", core.Frame(`{}`)))
	assert.True(t, slow.Closed())
	assert.ErrorIs(t, r.Send("missing", core.Frame(`{}`)), core.ErrConnClosed)
}

func TestRegistryDropPolicyKeepsConnection(t *testing.T) {
	r := NewRegistry(DropPolicy{})
	slow := coretest.NewConn("slow")
	r.Bind(slow, "alice", nil)
	slow.SetFull(true)

	assert.ErrorIs(t, r.Send(slow.ID(), core.Frame(`{}`)), core.ErrBackpressure)
	assert.False(t, slow.Closed())
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry(nil)
	c := coretest.NewConn("c")
	canceled := false
	r.Bind(c, "alice", func() { canceled = true })
	assert.True(t, r.Cancel(c.ID()))
	assert.True(t, canceled)
	assert.False(t, r.Cancel("nope"))
}
