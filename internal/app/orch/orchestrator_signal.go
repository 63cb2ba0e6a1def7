package orch

import (
	"fmt"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/protocol"
)

// RelaySDP forwards a session description to the addressed member of the
// sender's room, with peerID rewritten to the sender.
func (o *Orchestrator) RelaySDP(sid core.SessionID, p protocol.RelaySDPPayload) error {
	to := core.SessionID(p.PeerID)
	p.PeerID = string(sid)
	return o.relay(sid, to, core.Notification{Method: protocol.MethodRelaySDP, Params: p})
}

// RelayICE forwards an ICE candidate the same way RelaySDP forwards
// descriptions.
func (o *Orchestrator) RelayICE(sid core.SessionID, p protocol.RelayICEPayload) error {
	to := core.SessionID(p.PeerID)
	p.PeerID = string(sid)
	return o.relay(sid, to, core.Notification{Method: protocol.MethodRelayICE, Params: p})
}

func (o *Orchestrator) relay(from, to core.SessionID, n core.Notification) error {
	roomName, _, ok := o.Registry.RoomOf(from)
	if !ok {
		return core.ErrNotInRoom
	}
	room, ok := o.Rooms.Get(roomName)
	if !ok {
		return core.ErrNotInRoom
	}
	if to == from {
		return fmt.Errorf("%s to self", n.Method)
	}
	if _, ok := room.Member(to); !ok {
		return fmt.Errorf("peer %s: %w", to, core.ErrNotInRoom)
	}
	if o.send(room, to, n) {
		o.kick([]core.SessionID{to})
	}
	return nil
}
