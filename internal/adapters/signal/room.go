package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrJoinRateLimited = errors.New("too many joins, slow down")

func (ctl *SignalWSController) handleJoin(h *rpcHandler, raw json.RawMessage) error {
	var p protocol.JoinPayload
	if err := decodeParams(raw, &p); err != nil {
		return err
	}
	name, err := domain.NewRoomName(p.Room)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadParams, err)
	}
	if ctl.joins != nil && !ctl.joins.Allow(h.uid) {
		ctl.Metrics.Rejected("join_rate")
		return ErrJoinRateLimited
	}
	log.Info().Str("module", "signal").Str("sid", string(h.sid)).Str("room", string(name)).Msg("join")
	return ctl.Orch.Join(h.sid, name)
}

// handleLeave takes the member out of its room; the connection stays open.
func (ctl *SignalWSController) handleLeave(h *rpcHandler) {
	log.Info().Str("module", "signal").Str("sid", string(h.sid)).Msg("leave")
	ctl.Orch.Leave(h.sid)
}
