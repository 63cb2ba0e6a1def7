package core

import (
	"errors"
	"testing"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct {
	sent []Notification
	full bool
}

func (f *fakeSignal) TrySend(n Notification) error {
	if f.full {
		return errors.New("backpressure")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeSignal) Close() {}

func member(id, peer string, sc SignalConnection) MemberSession {
	return NewMemberSession(domain.NewMember(&domain.User{ID: domain.UserID(id), Username: id}, peer)).UpdateSignal(sc)
}

func TestRoomCapacity(t *testing.T) {
	r := NewRoomService(&domain.Room{Name: "r1", MaxPeers: 2})
	require.NoError(t, r.AddMember("a", member("u1", "a", &fakeSignal{})))
	assert.ErrorIs(t, r.AddMember("a", member("u1", "a", &fakeSignal{})), ErrAlreadyMember)
	require.NoError(t, r.AddMember("b", member("u1", "b", &fakeSignal{})), "one user may hold two connections")
	assert.ErrorIs(t, r.AddMember("c", member("u2", "c", &fakeSignal{})), ErrRoomFull)
	assert.Equal(t, 2, r.MemberCount())

	assert.True(t, r.RemoveMember("a"))
	assert.False(t, r.RemoveMember("a"))
	require.NoError(t, r.AddMember("c", member("u2", "c", &fakeSignal{})))
	assert.Equal(t, []SessionID{"b", "c"}, r.Members())
}

func TestRoomBroadcastSkipsSenderAndReportsDrops(t *testing.T) {
	r := NewRoomService(&domain.Room{Name: "r1"})
	a, b, c := &fakeSignal{}, &fakeSignal{}, &fakeSignal{full: true}
	require.NoError(t, r.AddMember("a", member("u1", "a", a)))
	require.NoError(t, r.AddMember("b", member("u2", "b", b)))
	require.NoError(t, r.AddMember("c", member("u3", "c", c)))

	res := r.Broadcast("a", Notification{Method: "ping"})
	assert.Equal(t, 1, res.SendTo)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "c", res.Dropped[0].Meta().PeerID)
	assert.Empty(t, a.sent)
	assert.Len(t, b.sent, 1)
}

func TestRoomSendTo(t *testing.T) {
	r := NewRoomService(&domain.Room{Name: "r1"})
	a := &fakeSignal{}
	require.NoError(t, r.AddMember("a", member("u1", "a", a)))
	require.NoError(t, r.SendTo("a", Notification{Method: "x"}))
	assert.Equal(t, "x", a.sent[0].Method)
	assert.ErrorIs(t, r.SendTo("zz", Notification{}), ErrNotInRoom)

	snap := r.MembersSnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, MemberDTO{PeerID: "a", ID: "u1", Username: "u1"}, snap[0])
}
