package app

import (
	"sync"

	"github.com/dkeye/huddle/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose outbound queue is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
	// Forget drops whatever the policy remembers about sid.
	Forget(sid core.SessionID)
}

// StrikePolicy marks a member slow on each full queue and kicks it once it
// has overflowed Strikes times. Strikes below one behaves like one.
type StrikePolicy struct {
	Strikes int

	mu   sync.Mutex
	seen map[core.SessionID]int
}

func NewStrikePolicy(strikes int) *StrikePolicy {
	return &StrikePolicy{Strikes: strikes, seen: make(map[core.SessionID]int)}
}

func (p *StrikePolicy) OnBackPressure(_ core.RoomService, member core.MemberSession) BackpressureAction {
	sid := core.SessionID(member.Meta().PeerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[sid]++
	if p.seen[sid] >= max(p.Strikes, 1) {
		delete(p.seen, sid)
		return KickMember
	}
	return MarkSlow
}

func (p *StrikePolicy) Forget(sid core.SessionID) {
	p.mu.Lock()
	delete(p.seen, sid)
	p.mu.Unlock()
}
