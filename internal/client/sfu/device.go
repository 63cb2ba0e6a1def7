package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/rtc"
	"github.com/pion/webrtc/v4"
)

// Device holds the router's capabilities and builds transports that speak
// them. It is loaded once per room session.
type Device interface {
	Loaded() bool
	Load(caps protocol.RTPCapabilities) error
	RTPCapabilities() protocol.RTPCapabilities
	CanProduce(kind protocol.MediaKind) bool
	CreateSendTransport(ctx context.Context, opts protocol.TransportOptions) (Transport, error)
	CreateRecvTransport(ctx context.Context, opts protocol.TransportOptions) (Transport, error)
}

// ConnectParams is what a transport needs the server to know before media
// can flow.
type ConnectParams struct {
	DTLSParameters protocol.DTLSParameters
	ICEParameters  protocol.ICEParameters
	ICECandidates  []protocol.ICECandidate
}

// ConnectHandler runs the first time a transport is used. A returned error
// fails the operation that needed the connection.
type ConnectHandler func(ctx context.Context, p ConnectParams) error

// ProduceHandler asks the server for a producer ID for one outbound track.
type ProduceHandler func(ctx context.Context, kind protocol.MediaKind, params protocol.RTPParameters) (string, error)

type ConsumerOptions struct {
	ID            string
	ProducerID    string
	Kind          protocol.MediaKind
	RTPParameters protocol.RTPParameters
}

type Transport interface {
	ID() string
	State() rtc.TransportState
	OnConnect(ConnectHandler)
	OnProduce(ProduceHandler)
	Produce(ctx context.Context, track webrtc.TrackLocal) (*Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (*Consumer, error)
	Close() error
	Closed() bool
}

// Producer is one outbound track on the send transport.
type Producer struct {
	ID    string
	Kind  protocol.MediaKind
	Track webrtc.TrackLocal

	once  sync.Once
	close func() error
}

func NewProducer(id string, kind protocol.MediaKind, track webrtc.TrackLocal, closeFn func() error) *Producer {
	return &Producer{ID: id, Kind: kind, Track: track, close: closeFn}
}

func (p *Producer) Close() error {
	var err error
	p.once.Do(func() {
		if p.close != nil {
			err = p.close()
		}
	})
	return err
}

// Consumer is one inbound copy of a remote producer. Track is nil until the
// first packet arrives on a real transport.
type Consumer struct {
	ID            string
	ProducerID    string
	Kind          protocol.MediaKind
	RTPParameters protocol.RTPParameters
	Receiver      *webrtc.RTPReceiver

	once  sync.Once
	close func() error
}

func NewConsumer(opts ConsumerOptions, receiver *webrtc.RTPReceiver, closeFn func() error) *Consumer {
	return &Consumer{
		ID:            opts.ID,
		ProducerID:    opts.ProducerID,
		Kind:          opts.Kind,
		RTPParameters: opts.RTPParameters,
		Receiver:      receiver,
		close:         closeFn,
	}
}

func (c *Consumer) Close() error {
	var err error
	c.once.Do(func() {
		if c.close != nil {
			err = c.close()
		}
	})
	return err
}
