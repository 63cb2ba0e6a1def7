package signal

import (
	"encoding/json"

	"github.com/dkeye/huddle/internal/protocol"
)

func (ctl *SignalWSController) handleRelaySDP(h *rpcHandler, raw json.RawMessage) error {
	var p protocol.RelaySDPPayload
	if err := decodeParams(raw, &p); err != nil {
		return err
	}
	return ctl.Orch.RelaySDP(h.sid, p)
}

func (ctl *SignalWSController) handleRelayICE(h *rpcHandler, raw json.RawMessage) error {
	var p protocol.RelayICEPayload
	if err := decodeParams(raw, &p); err != nil {
		return err
	}
	return ctl.Orch.RelayICE(h.sid, p)
}
