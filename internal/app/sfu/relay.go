package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/huddle/internal/metrics"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// RTPSource is the producer side of a relay; a *webrtc.TrackRemote in
// production.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay copies every packet of one producer to the out tracks of its
// consumers, keyed by consumer ID.
type Relay struct {
	Src RTPSource

	mu        sync.RWMutex
	outTracks map[string]*OutTrack

	metrics *metrics.Metrics
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRelay(src RTPSource, cancel context.CancelFunc, m *metrics.Metrics) *Relay {
	return &Relay{
		Src:       src,
		outTracks: make(map[string]*OutTrack),
		metrics:   m,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	sent := 0
	dirty := make([]string, 0, len(snapshot))
	for consumerID, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, consumerID)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("consumer", consumerID).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				r.metrics.WriteFailed()
				dirty = append(dirty, consumerID)
				continue
			}
			sent++
		}
	}
	r.metrics.Forwarded(sent)

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(consumerID string, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
}

func (r *Relay) outTrack(consumerID string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[consumerID]
	return ot, ok
}

// Subscribers counts out tracks not yet marked for delete.
func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ot := range r.outTracks {
		if ot.GetState() != TrackStateDelete {
			n++
		}
	}
	return n
}
