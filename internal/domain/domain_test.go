package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("u-1", "guest")
	require.NoError(t, err)
	assert.Equal(t, UserID("u-1"), u.ID)

	_, err = NewUser("", "guest")
	assert.ErrorIs(t, err, ErrUserIDEmpty)
	_, err = NewUser("u-1", strings.Repeat("x", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)
	assert.ErrorIs(t, u.SetUsername(""), ErrUsernameEmpty)
}

func TestNewRoomName(t *testing.T) {
	name, err := NewRoomName("r1")
	require.NoError(t, err)
	assert.Equal(t, RoomName("r1"), name)

	_, err = NewRoomName("")
	assert.ErrorIs(t, err, ErrRoomNameEmpty)
	_, err = NewRoomName(strings.Repeat("r", MaxRoomNameLen+1))
	assert.ErrorIs(t, err, ErrRoomNameTooLong)
}
