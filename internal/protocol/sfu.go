package protocol

import "strings"

// RTPCodec is one codec a router or device can send and receive.
type RTPCodec struct {
	Kind                 MediaKind `json:"kind"`
	MimeType             string    `json:"mimeType"`
	ClockRate            uint32    `json:"clockRate"`
	Channels             uint16    `json:"channels,omitempty"`
	SDPFmtpLine          string    `json:"sdpFmtpLine,omitempty"`
	PreferredPayloadType uint8     `json:"preferredPayloadType"`
}

type RTPCapabilities struct {
	Codecs []RTPCodec `json:"codecs"`
}

// Supports reports whether caps carry a codec with the given mime type.
func (c RTPCapabilities) Supports(mimeType string) bool {
	_, ok := c.Codec(mimeType)
	return ok
}

func (c RTPCapabilities) Codec(mimeType string) (RTPCodec, bool) {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return codec, true
		}
	}
	return RTPCodec{}, false
}

// HasKind reports whether at least one codec of kind is present.
func (c RTPCapabilities) HasKind(kind MediaKind) bool {
	for _, codec := range c.Codecs {
		if codec.Kind == kind {
			return true
		}
	}
	return false
}

// RTPParameters describe a single-encoding RTP stream.
type RTPParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
	SSRC        uint32 `json:"ssrc"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportOptions are what a server hands out for one transport.
type TransportOptions struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type TransportOptionsPair struct {
	Send *TransportOptions `json:"send,omitempty"`
	Recv *TransportOptions `json:"recv,omitempty"`
}

type ProducerInfo struct {
	ProducerID string    `json:"producerId"`
	PeerID     string    `json:"peerID"`
	Kind       MediaKind `json:"kind"`
}

// Ack is the common part of every SFU response.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type RouterCapabilitiesResponse struct {
	Ack
	RTPCapabilities *RTPCapabilities `json:"rtpCapabilities,omitempty"`
}

type JoinRoomResponse struct {
	Ack
	TransportOptions *TransportOptionsPair `json:"transportOptions,omitempty"`
	Producers        []ProducerInfo        `json:"producers,omitempty"`
}

// ConnectTransportRequest carries the client's ICE credentials and candidates
// next to its DTLS parameters; an ORTC server needs all three to start.
type ConnectTransportRequest struct {
	RoomID         string         `json:"roomId"`
	TransportID    string         `json:"transportId"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
}

type ProduceRequest struct {
	RoomID        string        `json:"roomId"`
	TransportID   string        `json:"transportId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

type ProduceResponse struct {
	Ack
	ProducerID string `json:"producerId,omitempty"`
}

type ConsumeRequest struct {
	RoomID          string          `json:"roomId"`
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	Ack
	ConsumerID    string        `json:"consumerId,omitempty"`
	ProducerID    string        `json:"producerId,omitempty"`
	Kind          MediaKind     `json:"kind,omitempty"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

type PingResponse struct {
	Time int64 `json:"time"`
}
