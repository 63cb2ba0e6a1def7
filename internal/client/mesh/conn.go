// Package mesh runs the peer-to-peer path: one pion PeerConnection per remote
// member, negotiated through the relay with trickled ICE.
package mesh

import (
	"github.com/dkeye/huddle/internal/rtc"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the part of *webrtc.TrackRemote the registry needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Connection is one negotiated link to a remote peer.
type Connection interface {
	AddTrack(webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnRemoteTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// Dialer opens a fresh Connection for peerID.
type Dialer func(peerID string) (Connection, error)

type pionConnection struct {
	*rtc.PeerConnection
}

func (c pionConnection) OnRemoteTrack(fn func(RemoteTrack)) {
	c.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { fn(track) })
}

// PionDialer opens real PeerConnections from api.
func PionDialer(api *webrtc.API, cfg webrtc.Configuration) Dialer {
	return func(peerID string) (Connection, error) {
		pc, err := rtc.NewPeerConnection(api, cfg, peerID)
		if err != nil {
			return nil, err
		}
		return pionConnection{pc}, nil
	}
}
