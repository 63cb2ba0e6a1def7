package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// RTPWriter is where a relay writes forwarded packets; a
// *webrtc.TrackLocalStaticRTP in production.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack represents a single outgoing track to a consumer.
type OutTrack struct {
	Track RTPWriter
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(track RTPWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.Store(int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.Store(int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
