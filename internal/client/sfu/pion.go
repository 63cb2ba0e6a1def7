package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/rtc"
	"github.com/pion/webrtc/v4"
)

var errNoProduceHandler = errors.New("no produce handler")

// PionDevice builds ORTC transports from the loaded router capabilities.
type PionDevice struct {
	iceServers []webrtc.ICEServer
	udpMin     uint16
	udpMax     uint16

	mu   sync.Mutex
	caps protocol.RTPCapabilities
	api  *webrtc.API
}

func NewPionDevice(iceServers []webrtc.ICEServer, udpMin, udpMax uint16) *PionDevice {
	return &PionDevice{iceServers: iceServers, udpMin: udpMin, udpMax: udpMax}
}

func (d *PionDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.api != nil
}

func (d *PionDevice) Load(caps protocol.RTPCapabilities) error {
	if len(caps.Codecs) == 0 {
		return ErrCapability
	}
	api, err := rtc.NewAPI(rtc.APIOptions{Codecs: caps.Codecs, UDPPortMin: d.udpMin, UDPPortMax: d.udpMax})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.caps, d.api = caps, api
	d.mu.Unlock()
	return nil
}

func (d *PionDevice) RTPCapabilities() protocol.RTPCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *PionDevice) CanProduce(kind protocol.MediaKind) bool {
	return d.RTPCapabilities().HasKind(kind)
}

func (d *PionDevice) CreateSendTransport(ctx context.Context, opts protocol.TransportOptions) (Transport, error) {
	return d.newTransport(ctx, opts)
}

func (d *PionDevice) CreateRecvTransport(ctx context.Context, opts protocol.TransportOptions) (Transport, error) {
	return d.newTransport(ctx, opts)
}

func (d *PionDevice) newTransport(ctx context.Context, opts protocol.TransportOptions) (Transport, error) {
	d.mu.Lock()
	api := d.api
	d.mu.Unlock()
	if api == nil {
		return nil, ErrDeviceNotLoaded
	}
	t, err := rtc.NewTransport(ctx, api, opts.ID, d.iceServers, webrtc.ICERoleControlling)
	if err != nil {
		return nil, err
	}
	return &pionTransport{t: t, remote: opts}, nil
}

// pionTransport connects lazily: the first Produce or Consume fires the
// connect handler, then starts ICE and DTLS against the server's parameters.
type pionTransport struct {
	t      *rtc.Transport
	remote protocol.TransportOptions

	mu        sync.Mutex
	onConnect ConnectHandler
	onProduce ProduceHandler
	connected bool
}

func (p *pionTransport) ID() string { return p.t.ID() }

func (p *pionTransport) State() rtc.TransportState { return p.t.State() }

func (p *pionTransport) Closed() bool { return p.t.State() == rtc.TransportClosed }

func (p *pionTransport) OnConnect(h ConnectHandler) {
	p.mu.Lock()
	p.onConnect = h
	p.mu.Unlock()
}

func (p *pionTransport) OnProduce(h ProduceHandler) {
	p.mu.Lock()
	p.onProduce = h
	p.mu.Unlock()
}

// ensureConnected holds mu across the connect handler so concurrent first
// uses share one connect-transport round trip.
func (p *pionTransport) ensureConnected(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}
	if p.Closed() {
		return rtc.ErrTransportClosed
	}
	local, err := p.t.Local()
	if err != nil {
		return err
	}
	if p.onConnect != nil {
		err := p.onConnect(ctx, ConnectParams{
			DTLSParameters: local.DTLSParameters,
			ICEParameters:  local.ICEParameters,
			ICECandidates:  local.ICECandidates,
		})
		if err != nil {
			return err
		}
	}
	if err := p.t.Start(p.remote); err != nil {
		return err
	}
	p.connected = true
	return nil
}

func (p *pionTransport) Produce(ctx context.Context, track webrtc.TrackLocal) (*Producer, error) {
	kind := rtc.KindOf(track.Kind())
	if err := p.ensureConnected(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	onProduce := p.onProduce
	p.mu.Unlock()
	if onProduce == nil {
		return nil, errNoProduceHandler
	}

	sender, params, err := p.t.AddSender(track)
	if err != nil {
		return nil, err
	}
	id, err := onProduce(ctx, kind, params)
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}
	if err := p.t.Ready(ctx); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("transport %s: %w", p.ID(), err)
	}
	if err := p.t.StartSender(sender); err != nil {
		_ = sender.Stop()
		return nil, err
	}
	return NewProducer(id, kind, track, sender.Stop), nil
}

func (p *pionTransport) Consume(ctx context.Context, opts ConsumerOptions) (*Consumer, error) {
	if err := p.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if err := p.t.Ready(ctx); err != nil {
		return nil, fmt.Errorf("transport %s: %w", p.ID(), err)
	}
	receiver, err := p.t.Receive(opts.Kind, opts.RTPParameters)
	if err != nil {
		return nil, err
	}
	return NewConsumer(opts, receiver, receiver.Stop), nil
}

func (p *pionTransport) Close() error { return p.t.Close() }
