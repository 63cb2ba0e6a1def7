package core

import (
	"errors"

	"github.com/dkeye/huddle/internal/domain"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrNotInRoom     = errors.New("not in room")
	ErrNoSignal      = errors.New("member has no signal connection")
	ErrAlreadyMember = errors.New("already a member")
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	PeerID   string        `json:"peerID"`
	ID       domain.UserID `json:"id"`
	Username string        `json:"username"`
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO
	Members() []SessionID
	Member(sid SessionID) (MemberSession, bool)

	AddMember(sid SessionID, ms MemberSession) error
	RemoveMember(sid SessionID) bool
	Broadcast(from SessionID, n Notification) PublishResult
	SendTo(sid SessionID, n Notification) error
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"client_count"`
}

type RoomManager interface {
	GetOrCreate(name domain.RoomName) RoomService
	Get(name domain.RoomName) (RoomService, bool)
	List() []RoomInfo
	StopRoom(name domain.RoomName)
}
