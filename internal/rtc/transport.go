package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrAlreadyStarted  = errors.New("transport already started")
)

type TransportState string

const (
	TransportNew        TransportState = "new"
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportFailed     TransportState = "failed"
	TransportClosed     TransportState = "closed"
)

// Transport is one ICE+DTLS channel built from pion's ORTC objects. The side
// that hands out its parameters first (the SFU server) runs ICE as controlled,
// the side that answers runs it as controlling.
type Transport struct {
	id     string
	api    *webrtc.API
	role   webrtc.ICERole
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	ready    chan struct{}
	done     chan struct{}
	startErr error

	mu        sync.Mutex
	state     TransportState
	started   bool
	onState   func(TransportState)
	senders   []*webrtc.RTPSender
	receivers []*webrtc.RTPReceiver
}

// NewTransport gathers local candidates and returns once gathering is complete
// or ctx is done.
func NewTransport(ctx context.Context, api *webrtc.API, id string, iceServers []webrtc.ICEServer, role webrtc.ICERole) (*Transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &Transport{
		id:       id,
		api:      api,
		role:     role,
		logger:   log.With().Str("module", "rtc.transport").Str("transport", id).Logger(),
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		state:    TransportNew,
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICETransportStateFailed || s == webrtc.ICETransportStateDisconnected {
			t.setState(TransportFailed)
		}
	})

	if err := gatherer.Gather(); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = t.Close()
		return nil, ctx.Err()
	}
	return t, nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) setState(s TransportState) {
	t.mu.Lock()
	if t.state == s || t.state == TransportClosed {
		t.mu.Unlock()
		return
	}
	t.state = s
	fn := t.onState
	t.mu.Unlock()
	t.logger.Info().Str("state", string(s)).Msg("transport state")
	if fn != nil {
		fn(s)
	}
}

// Local returns what the remote end needs to reach this transport.
func (t *Transport) Local() (protocol.TransportOptions, error) {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return protocol.TransportOptions{}, err
	}
	cands, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return protocol.TransportOptions{}, err
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return protocol.TransportOptions{}, err
	}
	return protocol.TransportOptions{
		ID:             t.id,
		ICEParameters:  iceParametersToWire(iceParams),
		ICECandidates:  candidatesToWire(cands),
		DTLSParameters: dtlsParametersToWire(dtlsParams),
	}, nil
}

// Start connects to remote in the background. Parameter errors are returned
// directly; connectivity errors surface through Ready.
func (t *Transport) Start(remote protocol.TransportOptions) error {
	cands, err := candidatesFromWire(remote.ICECandidates)
	if err != nil {
		return err
	}
	dtlsParams, err := dtlsParametersFromWire(remote.DTLSParameters)
	if err != nil {
		return err
	}
	iceParams := iceParametersFromWire(remote.ICEParameters)

	t.mu.Lock()
	switch {
	case t.state == TransportClosed:
		t.mu.Unlock()
		return ErrTransportClosed
	case t.started:
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()
	t.setState(TransportConnecting)

	go func() {
		err := t.connect(cands, iceParams, dtlsParams)
		if err != nil {
			t.logger.Error().Err(err).Msg("transport connect failed")
			t.startErr = err
			t.setState(TransportFailed)
		} else {
			t.setState(TransportConnected)
		}
		close(t.ready)
	}()
	return nil
}

func (t *Transport) connect(cands []webrtc.ICECandidate, iceParams webrtc.ICEParameters, dtlsParams webrtc.DTLSParameters) error {
	if err := t.ice.SetRemoteCandidates(cands); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}
	role := t.role
	if err := t.ice.Start(nil, iceParams, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(dtlsParams); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	return nil
}

func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Ready blocks until the transport has been started and finished connecting,
// or until it is closed.
func (t *Transport) Ready(ctx context.Context) error {
	select {
	case <-t.ready:
		return t.startErr
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSender binds track to a new RTP sender and reports the parameters it will
// send with. Nothing is sent until StartSender.
func (t *Transport) AddSender(track webrtc.TrackLocal) (*webrtc.RTPSender, protocol.RTPParameters, error) {
	if t.State() == TransportClosed {
		return nil, protocol.RTPParameters{}, ErrTransportClosed
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, protocol.RTPParameters{}, err
	}
	params, err := senderParameters(sender, track)
	if err != nil {
		_ = sender.Stop()
		return nil, protocol.RTPParameters{}, err
	}
	t.mu.Lock()
	t.senders = append(t.senders, sender)
	t.mu.Unlock()
	return sender, params, nil
}

func (t *Transport) StartSender(sender *webrtc.RTPSender) error {
	if err := sender.Send(sender.GetParameters()); err != nil {
		return err
	}
	go drainRTCP(sender)
	return nil
}

// Receive opens a receiver for one SSRC. The transport must be connected.
func (t *Transport) Receive(kind protocol.MediaKind, params protocol.RTPParameters) (*webrtc.RTPReceiver, error) {
	codecType, err := CodecType(kind)
	if err != nil {
		return nil, err
	}
	if t.State() == TransportClosed {
		return nil, ErrTransportClosed
	}
	receiver, err := t.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, err
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.SSRC),
				PayloadType: webrtc.PayloadType(params.PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, err
	}
	t.mu.Lock()
	t.receivers = append(t.receivers, receiver)
	t.mu.Unlock()
	return receiver, nil
}

// Close releases every pion object the transport owns. Safe to call twice.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == TransportClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = TransportClosed
	close(t.done)
	fn := t.onState
	senders, receivers := t.senders, t.receivers
	t.senders, t.receivers = nil, nil
	t.mu.Unlock()

	var errs []error
	for _, s := range senders {
		errs = append(errs, s.Stop())
	}
	for _, r := range receivers {
		errs = append(errs, r.Stop())
	}
	errs = append(errs, t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
	t.logger.Info().Msg("transport closed")
	if fn != nil {
		fn(TransportClosed)
	}
	return errors.Join(errs...)
}
