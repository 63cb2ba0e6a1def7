package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/sourcegraph/jsonrpc2"
)

// callTimeout bounds a single SFU call on the relay side.
const callTimeout = 15 * time.Second

var errBadParams = errors.New("invalid params")

func (ctl *SignalWSController) handleNotification(h *rpcHandler, method string, raw json.RawMessage) error {
	switch method {
	case protocol.MethodJoin:
		return ctl.handleJoin(h, raw)
	case protocol.MethodLeave:
		ctl.handleLeave(h)
		return nil
	case protocol.MethodRelaySDP:
		return ctl.handleRelaySDP(h, raw)
	case protocol.MethodRelayICE:
		return ctl.handleRelayICE(h, raw)
	}
	return fmt.Errorf("%w: %q", protocol.ErrUnknownMethod, method)
}

func (ctl *SignalWSController) handleCall(h *rpcHandler, method string, raw json.RawMessage) (any, error) {
	ctx, cancel := context.WithTimeout(h.ctx, callTimeout)
	defer cancel()

	switch method {
	case protocol.MethodPing:
		return ctl.handlePing(), nil
	case protocol.MethodWhoAmI:
		return ctl.handleWhoAmI(h), nil
	case protocol.MethodRename:
		return ctl.handleRename(h, raw)
	case protocol.MethodJoin:
		return struct{}{}, ctl.handleJoin(h, raw)
	case protocol.MethodLeave:
		ctl.handleLeave(h)
		return struct{}{}, nil
	case protocol.MethodGetRouterRTPCapabilities:
		return ctl.handleRouterCapabilities(), nil
	case protocol.MethodJoinRoom:
		return ctl.handleJoinRoom(ctx, h, raw)
	case protocol.MethodConnectTransport:
		return ctl.handleConnectTransport(h, raw)
	case protocol.MethodProduce:
		return ctl.handleProduce(ctx, h, raw)
	case protocol.MethodConsume:
		return ctl.handleConsume(h, raw)
	}
	return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownMethod, method)
}

func (ctl *SignalWSController) handlePing() protocol.PingResponse {
	return protocol.PingResponse{Time: time.Now().UnixMilli()}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing", errBadParams)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadParams, err)
	}
	return nil
}

func isUnknown(err error) bool { return errors.Is(err, protocol.ErrUnknownMethod) }

// rpcError maps handler errors onto jsonrpc2 error objects. Anything that is
// neither a bad request nor an unknown method is reported as a failed request
// with its message intact.
func rpcError(err error) *jsonrpc2.Error {
	switch {
	case isUnknown(err):
		return &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, errBadParams):
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: err.Error()}
}
