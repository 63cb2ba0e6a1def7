// Package sfu is the relay's selective forwarding unit: per-member ORTC
// transports, producers fed into relays and consumers fed out of them.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/rtc"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoTransports     = errors.New("no transports, join the room first")
	ErrUnknownTransport = errors.New("unknown transport")
	ErrUnknownProducer  = errors.New("unknown producer")
	ErrWrongRoom        = errors.New("producer is in another room")
	ErrCannotConsume    = errors.New("capabilities do not cover producer codec")
	ErrUnsupportedCodec = errors.New("codec not supported by router")
	ErrWrongDirection   = errors.New("transport has the wrong direction")
)

type producer struct {
	info     protocol.ProducerInfo
	room     domain.RoomName
	params   protocol.RTPParameters
	receiver *webrtc.RTPReceiver
}

type consumer struct {
	id         string
	producerID string
	sender     *webrtc.RTPSender
}

type peerState struct {
	room      domain.RoomName
	send      *rtc.Transport
	recv      *rtc.Transport
	producers map[string]*producer
	consumers map[string]*consumer
}

type RouterOptions struct {
	ICEServers []webrtc.ICEServer
	UDPPortMin uint16
	UDPPortMax uint16
	Metrics    *metrics.Metrics
}

// Router answers the SFU requests of every member on this server.
type Router struct {
	api        *webrtc.API
	caps       protocol.RTPCapabilities
	iceServers []webrtc.ICEServer
	relays     *RelayManager
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	peers     map[core.SessionID]*peerState
	producers map[string]*producer
}

func NewRouter(opts RouterOptions) (*Router, error) {
	codecs := rtc.DefaultCodecs()
	api, err := rtc.NewAPI(rtc.APIOptions{
		Codecs:       codecs,
		UDPPortMin:   opts.UDPPortMin,
		UDPPortMax:   opts.UDPPortMax,
		Interceptors: true,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		api:        api,
		caps:       protocol.RTPCapabilities{Codecs: codecs},
		iceServers: opts.ICEServers,
		relays:     NewRelayManager(opts.Metrics),
		logger:     log.With().Str("module", "sfu.router").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[core.SessionID]*peerState),
		producers:  make(map[string]*producer),
	}, nil
}

func (r *Router) Capabilities() protocol.RTPCapabilities { return r.caps }

func (r *Router) Relays() *RelayManager { return r.relays }

// JoinResult is what a member gets back from JoinRoom. Closed lists the
// member's own producers that were discarded with its previous transports.
type JoinResult struct {
	Transports protocol.TransportOptionsPair
	Producers  []protocol.ProducerInfo
	Closed     []protocol.ProducerInfo
}

// JoinRoom gives sid a fresh send/recv transport pair in room, closing any
// pair it had before.
func (r *Router) JoinRoom(ctx context.Context, sid core.SessionID, room domain.RoomName) (JoinResult, error) {
	closed := r.Leave(sid)

	send, err := rtc.NewTransport(ctx, r.api, uuid.NewString(), r.iceServers, webrtc.ICERoleControlled)
	if err != nil {
		return JoinResult{}, fmt.Errorf("send transport: %w", err)
	}
	recv, err := rtc.NewTransport(ctx, r.api, uuid.NewString(), r.iceServers, webrtc.ICERoleControlled)
	if err != nil {
		_ = send.Close()
		return JoinResult{}, fmt.Errorf("recv transport: %w", err)
	}
	sendOpts, err := send.Local()
	if err != nil {
		_ = send.Close()
		_ = recv.Close()
		return JoinResult{}, err
	}
	recvOpts, err := recv.Local()
	if err != nil {
		_ = send.Close()
		_ = recv.Close()
		return JoinResult{}, err
	}

	r.mu.Lock()
	r.peers[sid] = &peerState{
		room:      room,
		send:      send,
		recv:      recv,
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}
	existing := r.roomProducersLocked(room, sid)
	r.mu.Unlock()

	r.logger.Info().Str("sid", string(sid)).Str("room", string(room)).Str("send", send.ID()).Str("recv", recv.ID()).Msg("transports created")
	return JoinResult{
		Transports: protocol.TransportOptionsPair{Send: &sendOpts, Recv: &recvOpts},
		Producers:  existing,
		Closed:     closed,
	}, nil
}

// Producers lists the producers in room that do not belong to sid.
func (r *Router) Producers(room domain.RoomName, sid core.SessionID) []protocol.ProducerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomProducersLocked(room, sid)
}

func (r *Router) roomProducersLocked(room domain.RoomName, except core.SessionID) []protocol.ProducerInfo {
	var out []protocol.ProducerInfo
	for _, p := range r.producers {
		if p.room == room && p.info.PeerID != string(except) {
			out = append(out, p.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProducerID < out[j].ProducerID })
	return out
}

func (r *Router) transport(sid core.SessionID, transportID string) (*peerState, *rtc.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.peers[sid]
	if !ok {
		return nil, nil, ErrNoTransports
	}
	switch transportID {
	case ps.send.ID():
		return ps, ps.send, nil
	case ps.recv.ID():
		return ps, ps.recv, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTransport, transportID)
}

// ConnectTransport starts ICE and DTLS towards the client's parameters. The
// handshake runs in the background.
func (r *Router) ConnectTransport(sid core.SessionID, req protocol.ConnectTransportRequest) error {
	_, t, err := r.transport(sid, req.TransportID)
	if err != nil {
		return err
	}
	return t.Start(protocol.TransportOptions{
		ID:             req.TransportID,
		ICEParameters:  req.ICEParameters,
		ICECandidates:  req.ICECandidates,
		DTLSParameters: req.DTLSParameters,
	})
}

// Produce opens a receiver for the client's stream once the send transport is
// up and starts relaying it.
func (r *Router) Produce(ctx context.Context, sid core.SessionID, req protocol.ProduceRequest) (protocol.ProducerInfo, error) {
	ps, t, err := r.transport(sid, req.TransportID)
	if err != nil {
		return protocol.ProducerInfo{}, err
	}
	if t != ps.send {
		return protocol.ProducerInfo{}, ErrWrongDirection
	}
	if !req.Kind.Valid() {
		return protocol.ProducerInfo{}, fmt.Errorf("%w: %q", rtc.ErrUnknownKind, req.Kind)
	}
	if !r.caps.Supports(req.RTPParameters.MimeType) {
		return protocol.ProducerInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedCodec, req.RTPParameters.MimeType)
	}
	if err := t.Ready(ctx); err != nil {
		return protocol.ProducerInfo{}, fmt.Errorf("transport %s: %w", t.ID(), err)
	}
	receiver, err := t.Receive(req.Kind, req.RTPParameters)
	if err != nil {
		return protocol.ProducerInfo{}, err
	}

	p := &producer{
		info:     protocol.ProducerInfo{ProducerID: uuid.NewString(), PeerID: string(sid), Kind: req.Kind},
		room:     ps.room,
		params:   req.RTPParameters,
		receiver: receiver,
	}
	r.mu.Lock()
	if r.peers[sid] != ps {
		r.mu.Unlock()
		_ = receiver.Stop()
		return protocol.ProducerInfo{}, ErrNoTransports
	}
	ps.producers[p.info.ProducerID] = p
	r.producers[p.info.ProducerID] = p
	r.mu.Unlock()

	r.relays.StartRelay(r.ctx, p.info.ProducerID, receiver.Track())
	r.logger.Info().Str("sid", string(sid)).Str("producer", p.info.ProducerID).Str("kind", string(req.Kind)).Msg("producer created")
	return p.info, nil
}

// Consume binds a new out track on sid's receive transport to the relay of
// req.ProducerID. Sending starts once the transport is connected.
func (r *Router) Consume(sid core.SessionID, req protocol.ConsumeRequest) (protocol.ConsumeResponse, error) {
	ps, t, err := r.transport(sid, req.TransportID)
	if err != nil {
		return protocol.ConsumeResponse{}, err
	}
	if t != ps.recv {
		return protocol.ConsumeResponse{}, ErrWrongDirection
	}
	r.mu.Lock()
	p, ok := r.producers[req.ProducerID]
	r.mu.Unlock()
	if !ok {
		return protocol.ConsumeResponse{}, fmt.Errorf("%w: %s", ErrUnknownProducer, req.ProducerID)
	}
	if p.room != ps.room {
		return protocol.ConsumeResponse{}, ErrWrongRoom
	}
	if !req.RTPCapabilities.Supports(p.params.MimeType) {
		return protocol.ConsumeResponse{}, fmt.Errorf("%w: %s", ErrCannotConsume, p.params.MimeType)
	}

	consumerID := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    p.params.MimeType,
		ClockRate:   p.params.ClockRate,
		Channels:    p.params.Channels,
		SDPFmtpLine: p.params.SDPFmtpLine,
	}, consumerID, p.info.PeerID)
	if err != nil {
		return protocol.ConsumeResponse{}, err
	}
	sender, params, err := t.AddSender(track)
	if err != nil {
		return protocol.ConsumeResponse{}, err
	}
	if !r.relays.AddSubscriber(p.info.ProducerID, consumerID, track) {
		_ = sender.Stop()
		return protocol.ConsumeResponse{}, fmt.Errorf("%w: %s", ErrUnknownProducer, req.ProducerID)
	}

	r.mu.Lock()
	if r.peers[sid] != ps {
		r.mu.Unlock()
		r.relays.MarkSubscriberDelete(p.info.ProducerID, consumerID)
		_ = sender.Stop()
		return protocol.ConsumeResponse{}, ErrNoTransports
	}
	ps.consumers[consumerID] = &consumer{id: consumerID, producerID: p.info.ProducerID, sender: sender}
	r.mu.Unlock()

	go r.startSender(t, sender, consumerID)
	r.logger.Info().Str("sid", string(sid)).Str("consumer", consumerID).Str("producer", p.info.ProducerID).Msg("consumer created")
	return protocol.ConsumeResponse{
		Ack:           protocol.Ack{Success: true},
		ConsumerID:    consumerID,
		ProducerID:    p.info.ProducerID,
		Kind:          p.info.Kind,
		RTPParameters: params,
	}, nil
}

func (r *Router) startSender(t *rtc.Transport, sender *webrtc.RTPSender, consumerID string) {
	if err := t.Ready(r.ctx); err != nil {
		r.logger.Warn().Err(err).Str("consumer", consumerID).Msg("consumer transport never connected")
		return
	}
	if err := t.StartSender(sender); err != nil {
		r.logger.Error().Err(err).Str("consumer", consumerID).Msg("start sender")
	}
}

// Leave closes everything sid owns and returns the producers that went away.
func (r *Router) Leave(sid core.SessionID) []protocol.ProducerInfo {
	r.mu.Lock()
	ps, ok := r.peers[sid]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.peers, sid)
	closed := make([]protocol.ProducerInfo, 0, len(ps.producers))
	for id, p := range ps.producers {
		delete(r.producers, id)
		closed = append(closed, p.info)
	}
	r.mu.Unlock()

	for _, c := range ps.consumers {
		r.relays.MarkSubscriberDelete(c.producerID, c.id)
	}
	for _, p := range closed {
		r.relays.StopRelay(p.ProducerID)
	}
	if err := ps.send.Close(); err != nil {
		r.logger.Warn().Err(err).Str("sid", string(sid)).Msg("close send transport")
	}
	if err := ps.recv.Close(); err != nil {
		r.logger.Warn().Err(err).Str("sid", string(sid)).Msg("close recv transport")
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].ProducerID < closed[j].ProducerID })
	r.logger.Info().Str("sid", string(sid)).Int("producers", len(closed)).Msg("member left sfu")
	return closed
}

// Close drops every member.
func (r *Router) Close() {
	r.mu.Lock()
	sids := make([]core.SessionID, 0, len(r.peers))
	for sid := range r.peers {
		sids = append(sids, sid)
	}
	r.mu.Unlock()
	for _, sid := range sids {
		r.Leave(sid)
	}
	r.cancel()
}
