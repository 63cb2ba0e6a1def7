package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Signaler relays negotiation messages to one addressed peer.
type Signaler interface {
	RelaySDP(ctx context.Context, peerID string, desc webrtc.SessionDescription) error
	RelayICE(ctx context.Context, peerID string, cand webrtc.ICECandidateInit) error
}

// Negotiator drives offer/answer/ICE per peer from signaling events. Events are
// expected from a single goroutine; pion callbacks may arrive from any.
type Negotiator struct {
	reg      *Registry
	signaler Signaler
	dial     Dialer
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	onClients func([]string)
}

func NewNegotiator(reg *Registry, signaler Signaler, dial Dialer) *Negotiator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		reg:      reg,
		signaler: signaler,
		dial:     dial,
		logger:   log.With().Str("module", "client.mesh").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (n *Negotiator) Registry() *Registry { return n.reg }

// OnClientsChanged fires with the new visible client list whenever a peer
// becomes visible or is removed.
func (n *Negotiator) OnClientsChanged(fn func([]string)) {
	n.mu.Lock()
	n.onClients = fn
	n.mu.Unlock()
}

func (n *Negotiator) HandleEvent(ctx context.Context, ev protocol.Event) error {
	switch e := ev.(type) {
	case protocol.AddPeer:
		return n.AddPeer(ctx, e.PeerID, e.ShouldCreateOffer)
	case protocol.RemovePeer:
		n.RemovePeer(e.PeerID)
		return nil
	case protocol.RelaySDP:
		return n.HandleSessionDescription(ctx, e.PeerID, e.SessionDescription)
	case protocol.RelayICE:
		return n.HandleICECandidate(e.PeerID, e.ICECandidate)
	case protocol.ChannelDisconnected:
		n.Close()
		return nil
	case protocol.ChannelError, protocol.NewProducer, protocol.ProducerClosed:
		return nil
	}
	return fmt.Errorf("mesh: unhandled event %T", ev)
}

// AddPeer opens a connection to peerID and, if shouldOffer, sends it an offer.
// A second AddPeer for the same peer is rejected and not retried.
func (n *Negotiator) AddPeer(ctx context.Context, peerID string, shouldOffer bool) error {
	logger := n.logger.With().Str("peer", peerID).Logger()
	if err := n.reg.reserve(peerID); err != nil {
		logger.Warn().Msg("already connected to peer, ignoring add-peer")
		return err
	}
	conn, err := n.open(peerID)
	if err != nil {
		logger.Error().Err(err).Msg("open connection")
		return err
	}
	logger.Info().Bool("offer", shouldOffer).Msg("peer added")
	if !shouldOffer {
		return nil
	}

	// A peer whose offer never went out is dropped so a later add-peer can
	// start over.
	offer, err := conn.CreateOffer()
	if err != nil {
		logger.Error().Err(err).Msg("create offer")
		n.RemovePeer(peerID)
		return err
	}
	if err := n.signaler.RelaySDP(ctx, peerID, offer); err != nil {
		logger.Error().Err(err).Msg("relay offer")
		n.RemovePeer(peerID)
		return err
	}
	return nil
}

func (n *Negotiator) open(peerID string) (Connection, error) {
	conn, err := n.dial(peerID)
	if err != nil {
		n.reg.remove(peerID)
		return nil, err
	}
	logger := n.logger.With().Str("peer", peerID).Logger()

	conn.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		if err := n.signaler.RelayICE(n.ctx, peerID, cand); err != nil {
			logger.Warn().Err(err).Msg("relay ice candidate")
		}
	})
	conn.OnRemoteTrack(func(track RemoteTrack) { n.remoteTrack(peerID, track) })
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			logger.Warn().Msg("connection failed, not retrying")
		}
	})

	for _, track := range n.reg.localTracks() {
		if err := conn.AddTrack(track); err != nil {
			_ = conn.Close()
			n.reg.remove(peerID)
			return nil, fmt.Errorf("add local track %s: %w", track.ID(), err)
		}
	}
	if !n.reg.attach(peerID, conn) {
		_ = conn.Close()
		return nil, ErrPeerGone
	}
	return conn, nil
}

// HandleSessionDescription applies a remote offer or answer. An offer from a
// peer without a connection opens one.
func (n *Negotiator) HandleSessionDescription(ctx context.Context, peerID string, desc webrtc.SessionDescription) error {
	logger := n.logger.With().Str("peer", peerID).Str("sdp_type", desc.Type.String()).Logger()

	conn := n.reg.connection(peerID)
	if conn == nil {
		if desc.Type != webrtc.SDPTypeOffer {
			logger.Warn().Msg("description for unknown peer")
			return ErrUnknownPeer
		}
		if err := n.reg.reserve(peerID); err != nil {
			return err
		}
		var err error
		if conn, err = n.open(peerID); err != nil {
			logger.Error().Err(err).Msg("open connection")
			return err
		}
	}

	if err := conn.SetRemoteDescription(desc); err != nil {
		logger.Error().Err(err).Msg("set remote description")
		return err
	}
	for _, cand := range n.reg.remoteDescriptionSet(peerID) {
		if err := conn.AddICECandidate(cand); err != nil {
			logger.Warn().Err(err).Msg("add queued candidate")
		}
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}

	answer, err := conn.CreateAnswer()
	if err != nil {
		logger.Error().Err(err).Msg("create answer")
		return err
	}
	return n.signaler.RelaySDP(ctx, peerID, answer)
}

// HandleICECandidate adds cand, or holds it until the peer's connection and
// remote description exist.
func (n *Negotiator) HandleICECandidate(peerID string, cand webrtc.ICECandidateInit) error {
	conn, ready := n.reg.queueCandidate(peerID, cand)
	if !ready {
		n.logger.Debug().Str("peer", peerID).Msg("candidate queued")
		return nil
	}
	return conn.AddICECandidate(cand)
}

func (n *Negotiator) remoteTrack(peerID string, track RemoteTrack) {
	logger := n.logger.With().Str("peer", peerID).Str("kind", track.Kind().String()).Logger()
	res, err := n.reg.addTrack(peerID, track)
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring remote track")
		return
	}
	if !res.visible {
		logger.Debug().Msg("waiting for the other track")
		return
	}
	logger.Info().Msg("peer visible")
	if res.renderer != nil {
		res.renderer.AttachRemote(peerID, res.audio, res.video)
	}
	n.clientsChanged()
}

// RemovePeer closes the peer's connection and forgets it.
func (n *Negotiator) RemovePeer(peerID string) {
	conn, ok := n.reg.remove(peerID)
	if !ok {
		return
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			n.logger.Warn().Err(err).Str("peer", peerID).Msg("close connection")
		}
	}
	n.logger.Info().Str("peer", peerID).Msg("peer removed")
	n.clientsChanged()
}

// Close removes every peer. The negotiator is unusable afterwards.
func (n *Negotiator) Close() {
	n.cancel()
	for _, id := range n.reg.Peers() {
		n.RemovePeer(id)
	}
}

func (n *Negotiator) clientsChanged() {
	n.mu.Lock()
	fn := n.onClients
	n.mu.Unlock()
	if fn != nil {
		fn(n.reg.Clients())
	}
}
