package protocol

import "github.com/pion/webrtc/v4"

type JoinPayload struct {
	Room string `json:"room"`
}

type LeavePayload struct{}

type AddPeerPayload struct {
	PeerID            string `json:"peerID"`
	ShouldCreateOffer bool   `json:"shouldCreateOffer"`
}

type RemovePeerPayload struct {
	PeerID string `json:"peerID"`
}

// RelaySDPPayload is addressed to PeerID on the way in and carries the sender's
// id on the way out; the relay rewrites it.
type RelaySDPPayload struct {
	PeerID             string                    `json:"peerID"`
	SessionDescription webrtc.SessionDescription `json:"sessionDescription"`
}

type RelayICEPayload struct {
	PeerID       string                  `json:"peerID"`
	ICECandidate webrtc.ICECandidateInit `json:"iceCandidate"`
}

type NewProducerPayload struct {
	ProducerID string    `json:"producerId"`
	PeerID     string    `json:"peerID"`
	Kind       MediaKind `json:"kind"`
}

type ProducerClosedPayload struct {
	ProducerID string `json:"producerId"`
}

type RenameRequest struct {
	Name string `json:"name"`
}

// WhoAmIResponse describes the caller as the relay sees it.
type WhoAmIResponse struct {
	PeerID   string `json:"peerID"`
	UserID   string `json:"id"`
	Username string `json:"username"`
	Room     string `json:"room,omitempty"`
}
