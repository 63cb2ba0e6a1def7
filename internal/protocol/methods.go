// Package protocol is the wire vocabulary shared by the relay and its clients:
// signaling event names and payloads, the SFU RPC requests and responses, and
// the closed Event union clients consume.
package protocol

// Signaling events. Notifications in both directions, no reply expected.
const (
	MethodJoin       = "join"
	MethodLeave      = "leave"
	MethodAddPeer    = "add-peer"
	MethodRemovePeer = "remove-peer"
	MethodRelaySDP   = "relay-sdp"
	MethodRelayICE   = "relay-ice"

	MethodNewProducer    = "new-producer"
	MethodProducerClosed = "producer-closed"
)

// SFU RPCs. Calls carrying an application-level {success, error} result.
const (
	MethodGetRouterRTPCapabilities = "get-router-rtp-capabilities"
	MethodJoinRoom                 = "join-room"
	MethodConnectTransport         = "connect-transport"
	MethodProduce                  = "produce"
	MethodConsume                  = "consume"

	MethodPing   = "ping"
	MethodRename = "rename"
	MethodWhoAmI = "whoami"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }
