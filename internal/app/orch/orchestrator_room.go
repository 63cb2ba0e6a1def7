package orch

import (
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Join moves sid into roomName. The newcomer gets add-peer with
// shouldCreateOffer for every member already there; those members get
// add-peer without it. Joining the current room again is a no-op.
func (o *Orchestrator) Join(sid core.SessionID, roomName domain.RoomName) error {
	o.mu.Lock()
	slow, err := o.joinLocked(sid, roomName)
	o.mu.Unlock()
	o.kick(slow)
	return err
}

func (o *Orchestrator) joinLocked(sid core.SessionID, roomName domain.RoomName) ([]core.SessionID, error) {
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, core.ErrNoSignal
	}
	var slow []core.SessionID
	if current, _, ok := o.Registry.RoomOf(sid); ok {
		if current == roomName {
			return nil, nil
		}
		slow = o.leaveLocked(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(current)).Msg("left previous room")
	}

	room := o.Rooms.GetOrCreate(roomName)
	existing := room.Members()
	if err := room.AddMember(sid, session); err != nil {
		if room.MemberCount() == 0 {
			o.Rooms.StopRoom(roomName)
		}
		return slow, err
	}
	o.Registry.UpdateRoom(sid, roomName)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomName)).Int("peers", len(existing)).Msg("added to room")

	for _, other := range existing {
		if o.send(room, sid, core.Notification{
			Method: protocol.MethodAddPeer,
			Params: protocol.AddPeerPayload{PeerID: string(other), ShouldCreateOffer: true},
		}) {
			slow = append(slow, sid)
		}
		if o.send(room, other, core.Notification{
			Method: protocol.MethodAddPeer,
			Params: protocol.AddPeerPayload{PeerID: string(sid), ShouldCreateOffer: false},
		}) {
			slow = append(slow, other)
		}
	}
	return dedupe(slow), nil
}

// Leave takes sid out of its room: its SFU state is closed, remaining members
// get remove-peer for it and producer-closed for its producers, and sid gets
// remove-peer for each of them.
func (o *Orchestrator) Leave(sid core.SessionID) {
	o.mu.Lock()
	slow := o.leaveLocked(sid)
	o.mu.Unlock()
	o.kick(slow)
}

func (o *Orchestrator) leaveLocked(sid core.SessionID) []core.SessionID {
	roomName, session, ok := o.Registry.RoomOf(sid)
	if !ok {
		return nil
	}
	var closed []protocol.ProducerInfo
	if o.Router != nil {
		closed = o.Router.Leave(sid)
	}

	room, ok := o.Rooms.Get(roomName)
	o.Registry.RemoveRoom(sid)
	if !ok {
		return nil
	}
	room.RemoveMember(sid)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomName)).Msg("removed from room")

	var slow []core.SessionID
	slow = append(slow, o.broadcast(room, sid, core.Notification{
		Method: protocol.MethodRemovePeer,
		Params: protocol.RemovePeerPayload{PeerID: string(sid)},
	})...)
	for _, p := range closed {
		slow = append(slow, o.broadcast(room, sid, core.Notification{
			Method: protocol.MethodProducerClosed,
			Params: protocol.ProducerClosedPayload{ProducerID: p.ProducerID},
		})...)
	}

	if sc := session.Signal(); sc != nil {
		for _, other := range room.Members() {
			// Best effort: the member is on its way out.
			_ = sc.TrySend(core.Notification{
				Method: protocol.MethodRemovePeer,
				Params: protocol.RemovePeerPayload{PeerID: string(other)},
			})
		}
	}

	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(roomName)
		log.Info().Str("module", "orch").Str("room", string(roomName)).Msg("room emptied, stopped")
	}
	return dedupe(slow)
}

// OnDisconnect cleans up after a closed signaling connection.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Unbind(sid)
	if o.Policy != nil {
		o.Policy.Forget(sid)
	}
}

func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Leave(sid)
}

// EvictRoom removes every member of name and forgets the room.
func (o *Orchestrator) EvictRoom(name domain.RoomName) {
	for _, snap := range o.Registry.MembersOfRoom(name) {
		o.KickBySID(snap.SID)
	}
	o.Rooms.StopRoom(name)
}

func dedupe(sids []core.SessionID) []core.SessionID {
	if len(sids) < 2 {
		return sids
	}
	seen := make(map[core.SessionID]struct{}, len(sids))
	out := sids[:0]
	for _, sid := range sids {
		if _, ok := seen[sid]; ok {
			continue
		}
		seen[sid] = struct{}{}
		out = append(out, sid)
	}
	return out
}
