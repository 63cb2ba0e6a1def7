package signal

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleRename(h *rpcHandler, raw json.RawMessage) (protocol.WhoAmIResponse, error) {
	var p protocol.RenameRequest
	if err := decodeParams(raw, &p); err != nil {
		return protocol.WhoAmIResponse{}, err
	}
	if err := ctl.Orch.Registry.UpdateUsername(h.uid, p.Name); err != nil {
		return protocol.WhoAmIResponse{}, fmt.Errorf("%w: %v", errBadParams, err)
	}
	log.Info().Str("module", "signal").Str("sid", string(h.sid)).Str("name", p.Name).Msg("rename")
	return ctl.handleWhoAmI(h), nil
}

func (ctl *SignalWSController) handleWhoAmI(h *rpcHandler) protocol.WhoAmIResponse {
	user := ctl.Orch.Registry.GetOrCreateUser(h.uid)
	resp := protocol.WhoAmIResponse{
		PeerID:   string(h.sid),
		UserID:   string(user.ID),
		Username: user.Username,
	}
	if room, _, ok := ctl.Orch.Registry.RoomOf(h.sid); ok {
		resp.Room = string(room)
	}
	return resp
}
