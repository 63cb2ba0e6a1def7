package core

import "github.com/dkeye/huddle/internal/domain"

// SessionID identifies one signaling connection. It doubles as the peer ID
// other members address this connection by.
type SessionID string

// MemberSession binds domain.Member and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	UpdateSignal(SignalConnection) MemberSession
}
