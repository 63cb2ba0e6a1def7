package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is everything a client can observe from its signaling channel: the
// relay's pushes plus the channel's own error and disconnect notices. The set
// is closed; only the types in this file implement it.
type Event interface {
	isEvent()
}

type (
	AddPeer        AddPeerPayload
	RemovePeer     RemovePeerPayload
	RelaySDP       RelaySDPPayload
	RelayICE       RelayICEPayload
	NewProducer    NewProducerPayload
	ProducerClosed ProducerClosedPayload

	// ChannelError reports a transport-level error on a channel that is still open.
	ChannelError struct{ Err error }
	// ChannelDisconnected is the last event a channel emits.
	ChannelDisconnected struct{ Err error }
)

func (AddPeer) isEvent()             {}
func (RemovePeer) isEvent()          {}
func (RelaySDP) isEvent()            {}
func (RelayICE) isEvent()            {}
func (NewProducer) isEvent()         {}
func (ProducerClosed) isEvent()      {}
func (ChannelError) isEvent()        {}
func (ChannelDisconnected) isEvent() {}

// DecodeEvent turns a relay notification into its Event.
func DecodeEvent(method string, params json.RawMessage) (Event, error) {
	switch method {
	case MethodAddPeer:
		var p AddPeer
		return decode(method, params, p)
	case MethodRemovePeer:
		var p RemovePeer
		return decode(method, params, p)
	case MethodRelaySDP:
		var p RelaySDP
		return decode(method, params, p)
	case MethodRelayICE:
		var p RelayICE
		return decode(method, params, p)
	case MethodNewProducer:
		var p NewProducer
		return decode(method, params, p)
	case MethodProducerClosed:
		var p ProducerClosed
		return decode(method, params, p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

func decode[T Event](method string, params json.RawMessage, v T) (Event, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("%s: missing params", method)
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return v, nil
}
