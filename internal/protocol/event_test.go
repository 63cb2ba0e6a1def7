package protocol

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent(MethodAddPeer, json.RawMessage(`{"peerID":"p1","shouldCreateOffer":true}`))
	require.NoError(t, err)
	assert.Equal(t, AddPeer{PeerID: "p1", ShouldCreateOffer: true}, ev)

	ev, err = DecodeEvent(MethodRelaySDP, json.RawMessage(`{"peerID":"p2","sessionDescription":{"type":"answer","sdp":"v=0"}}`))
	require.NoError(t, err)
	sdp, ok := ev.(RelaySDP)
	require.True(t, ok)
	assert.Equal(t, "p2", sdp.PeerID)
	assert.Equal(t, webrtc.SDPTypeAnswer, sdp.SessionDescription.Type)

	ev, err = DecodeEvent(MethodRelayICE, json.RawMessage(`{"peerID":"p3","iceCandidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0"}}`))
	require.NoError(t, err)
	ice := ev.(RelayICE)
	require.NotNil(t, ice.ICECandidate.SDPMid)
	assert.Equal(t, "0", *ice.ICECandidate.SDPMid)
}

func TestDecodeEventRejects(t *testing.T) {
	_, err := DecodeEvent("nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownMethod)

	_, err = DecodeEvent(MethodRemovePeer, nil)
	assert.Error(t, err)

	_, err = DecodeEvent(MethodNewProducer, json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestCapabilities(t *testing.T) {
	caps := RTPCapabilities{Codecs: []RTPCodec{
		{Kind: KindAudio, MimeType: "audio/PCMU", ClockRate: 8000, PreferredPayloadType: 0},
	}}
	assert.True(t, caps.Supports("audio/pcmu"))
	assert.False(t, caps.Supports("video/VP8"))
	assert.True(t, caps.HasKind(KindAudio))
	assert.False(t, caps.HasKind(KindVideo))
}
