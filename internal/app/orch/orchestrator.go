// Package orch ties signaling sessions, rooms and the SFU router together.
package orch

import (
	"sync"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/sfu"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/metrics"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Router   *sfu.Router
	Metrics  *metrics.Metrics

	// mu serializes membership changes so a room is never stopped while a
	// join is adding to it.
	mu sync.Mutex
}

// send delivers n to one member and reports whether the member should be
// kicked for not keeping up.
func (o *Orchestrator) send(room core.RoomService, to core.SessionID, n core.Notification) bool {
	err := room.SendTo(to, n)
	if err == nil {
		return false
	}
	log.Debug().Str("module", "orch").Str("sid", string(to)).Str("method", n.Method).Err(err).Msg("notification not delivered")
	member, ok := room.Member(to)
	if !ok || member.Signal() == nil {
		return false
	}
	o.Metrics.Backpressure()
	return o.shouldKick(room, member)
}

// broadcast sends n to everyone in room except from and returns the members
// that fell behind.
func (o *Orchestrator) broadcast(room core.RoomService, from core.SessionID, n core.Notification) []core.SessionID {
	res := room.Broadcast(from, n)
	var slow []core.SessionID
	for _, m := range res.Dropped {
		o.Metrics.Backpressure()
		if o.shouldKick(room, m) {
			slow = append(slow, core.SessionID(m.Meta().PeerID))
		}
	}
	return slow
}

func (o *Orchestrator) shouldKick(room core.RoomService, member core.MemberSession) bool {
	if o.Policy == nil {
		return false
	}
	switch o.Policy.OnBackPressure(room, member) {
	case app.KickMember:
		return true
	case app.MarkSlow, app.DropFrame, app.NoAction:
	}
	return false
}

// kick removes slow members from their rooms and closes their connections.
func (o *Orchestrator) kick(sids []core.SessionID) {
	for _, sid := range sids {
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Msg("kicking slow member")
		o.KickBySID(sid)
		o.Registry.Cancel(sid)
	}
}
