package domain

import "errors"

const MaxRoomNameLen = 64

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
)

type RoomName string

// Room is created on first join and forgotten once its last member leaves.
type Room struct {
	Name RoomName
	// MaxPeers caps membership; zero means unlimited.
	MaxPeers int
}

func NewRoomName(raw string) (RoomName, error) {
	if raw == "" {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(raw), nil
}
