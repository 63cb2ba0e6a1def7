package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/huddle/internal/metrics"
	"github.com/rs/zerolog/log"
)

// RelayManager owns one Relay per producer.
type RelayManager struct {
	metrics *metrics.Metrics

	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager(m *metrics.Metrics) *RelayManager {
	return &RelayManager{
		metrics: m,
		relays:  make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for the given producer and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, producerID string, src RTPSource) *Relay {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("producer", producerID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel, m.metrics)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		old.cancel()
	} else {
		m.metrics.RelayStarted()
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber attaches an OutTrack for consumerID to the relay of
// producerID. It reports false when the producer has no relay.
func (m *RelayManager) AddSubscriber(producerID, consumerID string, track RTPWriter) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(consumerID, NewOutTrack(track))
	return true
}

// MarkSubscriberDelete marks a consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producerID, consumerID string) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.outTrack(consumerID); ok {
		ot.MarkDelete()
	}
}

// SetSubscriberMuted pauses or resumes forwarding to one consumer.
func (m *RelayManager) SetSubscriberMuted(producerID, consumerID string, muted bool) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ot, ok := relay.outTrack(consumerID)
	if !ok || ot.GetState() == TrackStateDelete {
		return false
	}
	if muted {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
	return true
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
	m.metrics.RelayStopped()
}

// HasRelay reports whether a relay exists for producerID.
func (m *RelayManager) HasRelay(producerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}

func (m *RelayManager) Relay(producerID string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[producerID]
	return relay, ok
}
