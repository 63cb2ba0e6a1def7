package orch

import (
	"context"
	"errors"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrSFUDisabled = errors.New("sfu is disabled on this server")

func nack(err error) protocol.Ack { return protocol.Ack{Error: err.Error()} }

var ackOK = protocol.Ack{Success: true}

func (o *Orchestrator) RouterCapabilities() protocol.RouterCapabilitiesResponse {
	if o.Router == nil {
		return protocol.RouterCapabilitiesResponse{Ack: nack(ErrSFUDisabled)}
	}
	caps := o.Router.Capabilities()
	return protocol.RouterCapabilitiesResponse{Ack: ackOK, RTPCapabilities: &caps}
}

// JoinRoom puts sid in the room (if it is not there yet) and gives it a new
// pair of SFU transports. Producers dropped with its old transports are
// announced as closed.
func (o *Orchestrator) JoinRoom(ctx context.Context, sid core.SessionID, req protocol.RoomRequest) protocol.JoinRoomResponse {
	if o.Router == nil {
		return protocol.JoinRoomResponse{Ack: nack(ErrSFUDisabled)}
	}
	roomName, err := domain.NewRoomName(req.RoomID)
	if err != nil {
		return protocol.JoinRoomResponse{Ack: nack(err)}
	}
	if err := o.Join(sid, roomName); err != nil {
		return protocol.JoinRoomResponse{Ack: nack(err)}
	}

	res, err := o.Router.JoinRoom(ctx, sid, roomName)
	if err != nil {
		log.Error().Str("module", "orch.sfu").Str("sid", string(sid)).Err(err).Msg("join-room failed")
		return protocol.JoinRoomResponse{Ack: nack(err)}
	}
	if room, found := o.Rooms.Get(roomName); found {
		var slow []core.SessionID
		for _, p := range res.Closed {
			slow = append(slow, o.broadcast(room, sid, core.Notification{
				Method: protocol.MethodProducerClosed,
				Params: protocol.ProducerClosedPayload{ProducerID: p.ProducerID},
			})...)
		}
		o.kick(dedupe(slow))
	}
	return protocol.JoinRoomResponse{
		Ack:              ackOK,
		TransportOptions: &res.Transports,
		Producers:        res.Producers,
	}
}

func (o *Orchestrator) ConnectTransport(sid core.SessionID, req protocol.ConnectTransportRequest) protocol.Ack {
	if o.Router == nil {
		return nack(ErrSFUDisabled)
	}
	if err := o.Router.ConnectTransport(sid, req); err != nil {
		log.Warn().Str("module", "orch.sfu").Str("sid", string(sid)).Str("transport", req.TransportID).Err(err).Msg("connect-transport failed")
		return nack(err)
	}
	return ackOK
}

// Produce starts relaying a member's stream and announces it to the rest of
// the room as new-producer.
func (o *Orchestrator) Produce(ctx context.Context, sid core.SessionID, req protocol.ProduceRequest) protocol.ProduceResponse {
	if o.Router == nil {
		return protocol.ProduceResponse{Ack: nack(ErrSFUDisabled)}
	}
	roomName, _, inRoom := o.Registry.RoomOf(sid)
	if !inRoom {
		return protocol.ProduceResponse{Ack: nack(core.ErrNotInRoom)}
	}
	info, err := o.Router.Produce(ctx, sid, req)
	if err != nil {
		log.Warn().Str("module", "orch.sfu").Str("sid", string(sid)).Err(err).Msg("produce failed")
		return protocol.ProduceResponse{Ack: nack(err)}
	}
	if room, found := o.Rooms.Get(roomName); found {
		o.kick(o.broadcast(room, sid, core.Notification{
			Method: protocol.MethodNewProducer,
			Params: protocol.NewProducerPayload(info),
		}))
	}
	return protocol.ProduceResponse{Ack: ackOK, ProducerID: info.ProducerID}
}

func (o *Orchestrator) Consume(sid core.SessionID, req protocol.ConsumeRequest) protocol.ConsumeResponse {
	if o.Router == nil {
		return protocol.ConsumeResponse{Ack: nack(ErrSFUDisabled)}
	}
	resp, err := o.Router.Consume(sid, req)
	if err != nil {
		log.Warn().Str("module", "orch.sfu").Str("sid", string(sid)).Str("producer", req.ProducerID).Err(err).Msg("consume failed")
		return protocol.ConsumeResponse{Ack: nack(err)}
	}
	return resp
}
