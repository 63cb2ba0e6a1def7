package sfu

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(RouterOptions{})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func join(t *testing.T, r *Router, sid core.SessionID, room domain.RoomName) JoinResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := r.JoinRoom(ctx, sid, room)
	require.NoError(t, err)
	require.NotNil(t, res.Transports.Send)
	require.NotNil(t, res.Transports.Recv)
	return res
}

// fakeProducer registers a producer fed by src without a real receiver.
func fakeProducer(r *Router, sid core.SessionID, id string, src RTPSource) {
	r.mu.Lock()
	ps := r.peers[sid]
	p := &producer{
		info: protocol.ProducerInfo{ProducerID: id, PeerID: string(sid), Kind: protocol.KindAudio},
		room: ps.room,
		params: protocol.RTPParameters{
			MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2, SSRC: 1234,
		},
	}
	ps.producers[id] = p
	r.producers[id] = p
	r.mu.Unlock()
	r.relays.StartRelay(r.ctx, id, src)
}

func TestRouterCapabilities(t *testing.T) {
	r := newTestRouter(t)
	caps := r.Capabilities()
	assert.True(t, caps.Supports(webrtc.MimeTypeOpus))
	assert.True(t, caps.Supports(webrtc.MimeTypeVP8))
	assert.True(t, caps.HasKind(protocol.KindAudio))
}

func TestRouterJoinReplacesTransports(t *testing.T) {
	r := newTestRouter(t)
	first := join(t, r, "a", "lobby")
	assert.NotEqual(t, first.Transports.Send.ID, first.Transports.Recv.ID)
	assert.Empty(t, first.Producers)

	fakeProducer(r, "a", "p-old", newChanSource())
	second := join(t, r, "a", "lobby")
	assert.NotEqual(t, first.Transports.Send.ID, second.Transports.Send.ID)
	require.Len(t, second.Closed, 1)
	assert.Equal(t, "p-old", second.Closed[0].ProducerID)
	assert.False(t, r.relays.HasRelay("p-old"))

	err := r.ConnectTransport("a", protocol.ConnectTransportRequest{TransportID: first.Transports.Send.ID})
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestRouterNeedsJoin(t *testing.T) {
	r := newTestRouter(t)
	err := r.ConnectTransport("ghost", protocol.ConnectTransportRequest{TransportID: "x"})
	assert.ErrorIs(t, err, ErrNoTransports)
	_, err = r.Produce(context.Background(), "ghost", protocol.ProduceRequest{TransportID: "x"})
	assert.ErrorIs(t, err, ErrNoTransports)
	_, err = r.Consume("ghost", protocol.ConsumeRequest{TransportID: "x"})
	assert.ErrorIs(t, err, ErrNoTransports)
	assert.Nil(t, r.Leave("ghost"))
}

func TestRouterProduceValidation(t *testing.T) {
	r := newTestRouter(t)
	res := join(t, r, "a", "lobby")
	ctx := context.Background()

	_, err := r.Produce(ctx, "a", protocol.ProduceRequest{TransportID: res.Transports.Recv.ID, Kind: protocol.KindAudio})
	assert.ErrorIs(t, err, ErrWrongDirection)

	_, err = r.Produce(ctx, "a", protocol.ProduceRequest{TransportID: res.Transports.Send.ID, Kind: "smell"})
	assert.Error(t, err)

	_, err = r.Produce(ctx, "a", protocol.ProduceRequest{
		TransportID:   res.Transports.Send.ID,
		Kind:          protocol.KindVideo,
		RTPParameters: protocol.RTPParameters{MimeType: "video/H265"},
	})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = r.Produce(short, "a", protocol.ProduceRequest{
		TransportID:   res.Transports.Send.ID,
		Kind:          protocol.KindAudio,
		RTPParameters: protocol.RTPParameters{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, SSRC: 1},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded, "transport was never connected")
}

func TestRouterProducersByRoom(t *testing.T) {
	r := newTestRouter(t)
	join(t, r, "a", "lobby")
	join(t, r, "b", "lobby")
	join(t, r, "c", "attic")
	fakeProducer(r, "a", "pa", newChanSource())
	fakeProducer(r, "c", "pc", newChanSource())

	got := r.Producers("lobby", "b")
	require.Len(t, got, 1)
	assert.Equal(t, "pa", got[0].ProducerID)
	assert.Equal(t, "a", got[0].PeerID)
	assert.Empty(t, r.Producers("lobby", "a"))

	res := join(t, r, "d", "lobby")
	require.Len(t, res.Producers, 1)
	assert.Equal(t, "pa", res.Producers[0].ProducerID)
}

func TestRouterConsume(t *testing.T) {
	r := newTestRouter(t)
	join(t, r, "a", "lobby")
	b := join(t, r, "b", "lobby")
	c := join(t, r, "c", "attic")
	fakeProducer(r, "a", "pa", newChanSource())
	caps := r.Capabilities()

	_, err := r.Consume("b", protocol.ConsumeRequest{TransportID: b.Transports.Send.ID, ProducerID: "pa", RTPCapabilities: caps})
	assert.ErrorIs(t, err, ErrWrongDirection)
	_, err = r.Consume("b", protocol.ConsumeRequest{TransportID: b.Transports.Recv.ID, ProducerID: "nope", RTPCapabilities: caps})
	assert.ErrorIs(t, err, ErrUnknownProducer)
	_, err = r.Consume("b", protocol.ConsumeRequest{TransportID: b.Transports.Recv.ID, ProducerID: "pa"})
	assert.ErrorIs(t, err, ErrCannotConsume)
	_, err = r.Consume("c", protocol.ConsumeRequest{TransportID: c.Transports.Recv.ID, ProducerID: "pa", RTPCapabilities: caps})
	assert.ErrorIs(t, err, ErrWrongRoom)

	resp, err := r.Consume("b", protocol.ConsumeRequest{TransportID: b.Transports.Recv.ID, ProducerID: "pa", RTPCapabilities: caps})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "pa", resp.ProducerID)
	assert.Equal(t, protocol.KindAudio, resp.Kind)
	assert.Equal(t, webrtc.MimeTypeOpus, resp.RTPParameters.MimeType)
	assert.NotZero(t, resp.RTPParameters.SSRC)

	relay, ok := r.relays.Relay("pa")
	require.True(t, ok)
	assert.Equal(t, 1, relay.Subscribers())

	r.Leave("b")
	assert.Equal(t, 0, relay.Subscribers(), "leaving drops the consumer's out track")
}

func TestRouterLeaveClosesProducers(t *testing.T) {
	r := newTestRouter(t)
	join(t, r, "a", "lobby")
	fakeProducer(r, "a", "p2", newChanSource())
	fakeProducer(r, "a", "p1", newChanSource())

	closed := r.Leave("a")
	require.Len(t, closed, 2)
	assert.Equal(t, "p1", closed[0].ProducerID)
	assert.Equal(t, "p2", closed[1].ProducerID)
	assert.False(t, r.relays.HasRelay("p1"))
	assert.Empty(t, r.Producers("lobby", ""))
}
