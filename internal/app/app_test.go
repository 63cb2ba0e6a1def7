package app

import (
	"testing"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoomAssociation(t *testing.T) {
	r := NewRegistry()
	u := r.GetOrCreateUser("u1")
	assert.Same(t, u, r.GetOrCreateUser("u1"))

	sess := core.NewMemberSession(domain.NewMember(u, "s1"))
	canceled := false
	r.BindSignal("s1", sess, func() { canceled = true })
	r.BindSignal("s2", core.NewMemberSession(domain.NewMember(u, "s2")), nil)

	_, _, ok := r.RoomOf("s1")
	assert.False(t, ok)
	require.True(t, r.UpdateRoom("s1", "r1"))
	require.True(t, r.UpdateRoom("s2", "r1"))
	name, got, ok := r.RoomOf("s1")
	require.True(t, ok)
	assert.Equal(t, domain.RoomName("r1"), name)
	assert.Same(t, sess, got)

	snaps := r.MembersOfRoom("r1")
	require.Len(t, snaps, 2)
	assert.Equal(t, core.SessionID("s1"), snaps[0].SID)

	r.RemoveRoom("s1")
	assert.Len(t, r.MembersOfRoom("r1"), 1)
	assert.True(t, r.Cancel("s1"))
	assert.True(t, canceled)
	r.Unbind("s1")
	assert.False(t, r.Cancel("s1"))
	assert.Equal(t, 1, r.Count())
	assert.False(t, r.UpdateRoom("nope", "r1"))
}

func TestRegistryUsername(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreateUser("u1")
	require.NoError(t, r.UpdateUsername("u1", "ada"))
	assert.Equal(t, "ada", r.GetOrCreateUser("u1").Username)
	assert.ErrorIs(t, r.UpdateUsername("u1", ""), domain.ErrUsernameEmpty)
	assert.Error(t, r.UpdateUsername("ghost", "x"))
}

func TestRoomManager(t *testing.T) {
	m := NewRoomManager(3)
	a := m.GetOrCreate("b-room")
	assert.Same(t, a, m.GetOrCreate("b-room"))
	assert.Equal(t, 3, a.Room().MaxPeers)
	m.GetOrCreate("a-room")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoomName("a-room"), list[0].Name)

	_, ok := m.Get("a-room")
	assert.True(t, ok)
	m.StopRoom("a-room")
	_, ok = m.Get("a-room")
	assert.False(t, ok)
}

func TestStrikePolicy(t *testing.T) {
	p := NewStrikePolicy(2)
	a := core.NewMemberSession(domain.NewMember(&domain.User{ID: "u1"}, "s1"))
	b := core.NewMemberSession(domain.NewMember(&domain.User{ID: "u2"}, "s2"))

	assert.Equal(t, MarkSlow, p.OnBackPressure(nil, a))
	assert.Equal(t, MarkSlow, p.OnBackPressure(nil, b))
	assert.Equal(t, KickMember, p.OnBackPressure(nil, a))
	assert.Equal(t, MarkSlow, p.OnBackPressure(nil, a))

	p.Forget("s2")
	assert.Equal(t, MarkSlow, p.OnBackPressure(nil, b))

	assert.Equal(t, KickMember, NewStrikePolicy(0).OnBackPressure(nil, a))
}
