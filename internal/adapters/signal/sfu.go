package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/huddle/internal/protocol"
)

func (ctl *SignalWSController) handleRouterCapabilities() protocol.RouterCapabilitiesResponse {
	return ctl.Orch.RouterCapabilities()
}

func (ctl *SignalWSController) handleJoinRoom(ctx context.Context, h *rpcHandler, raw json.RawMessage) (protocol.JoinRoomResponse, error) {
	var req protocol.RoomRequest
	if err := decodeParams(raw, &req); err != nil {
		return protocol.JoinRoomResponse{}, err
	}
	return ctl.Orch.JoinRoom(ctx, h.sid, req), nil
}

func (ctl *SignalWSController) handleConnectTransport(h *rpcHandler, raw json.RawMessage) (protocol.Ack, error) {
	var req protocol.ConnectTransportRequest
	if err := decodeParams(raw, &req); err != nil {
		return protocol.Ack{}, err
	}
	return ctl.Orch.ConnectTransport(h.sid, req), nil
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, h *rpcHandler, raw json.RawMessage) (protocol.ProduceResponse, error) {
	var req protocol.ProduceRequest
	if err := decodeParams(raw, &req); err != nil {
		return protocol.ProduceResponse{}, err
	}
	return ctl.Orch.Produce(ctx, h.sid, req), nil
}

func (ctl *SignalWSController) handleConsume(h *rpcHandler, raw json.RawMessage) (protocol.ConsumeResponse, error) {
	var req protocol.ConsumeRequest
	if err := decodeParams(raw, &req); err != nil {
		return protocol.ConsumeResponse{}, err
	}
	return ctl.Orch.Consume(h.sid, req), nil
}
