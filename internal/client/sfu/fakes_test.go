package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/rtc"
	"github.com/pion/webrtc/v4"
)

type call struct {
	method string
	params any
}

type handlerFunc func(params any) (any, error)

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]handlerFunc
	calls     []call
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: true, handlers: make(map[string]handlerFunc)}
}

func (c *fakeChannel) handle(method string, h handlerFunc) {
	c.mu.Lock()
	c.handlers[method] = h
	c.mu.Unlock()
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Call(_ context.Context, method string, params, result any) error {
	c.mu.Lock()
	c.calls = append(c.calls, call{method: method, params: params})
	h := c.handlers[method]
	c.mu.Unlock()
	if h == nil {
		return fmt.Errorf("no handler for %s", method)
	}
	resp, err := h(params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func (c *fakeChannel) callsTo(method string) []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []call
	for _, cl := range c.calls {
		if cl.method == method {
			out = append(out, cl)
		}
	}
	return out
}

func (c *fakeChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fakeDevice struct {
	caps    protocol.RTPCapabilities
	loaded  bool
	created *[]*fakeTransport
}

func (d *fakeDevice) Loaded() bool { return d.loaded }

func (d *fakeDevice) Load(caps protocol.RTPCapabilities) error {
	d.caps, d.loaded = caps, true
	return nil
}

func (d *fakeDevice) RTPCapabilities() protocol.RTPCapabilities { return d.caps }

func (d *fakeDevice) CanProduce(kind protocol.MediaKind) bool { return d.caps.HasKind(kind) }

func (d *fakeDevice) CreateSendTransport(_ context.Context, opts protocol.TransportOptions) (Transport, error) {
	return d.newTransport(opts), nil
}

func (d *fakeDevice) CreateRecvTransport(_ context.Context, opts protocol.TransportOptions) (Transport, error) {
	return d.newTransport(opts), nil
}

func (d *fakeDevice) newTransport(opts protocol.TransportOptions) *fakeTransport {
	t := &fakeTransport{id: opts.ID}
	*d.created = append(*d.created, t)
	return t
}

type fakeTransport struct {
	id     string
	closes atomic.Int32

	mu        sync.Mutex
	onConnect ConnectHandler
	onProduce ProduceHandler
	connected bool
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) State() rtc.TransportState {
	if t.Closed() {
		return rtc.TransportClosed
	}
	return rtc.TransportNew
}

func (t *fakeTransport) Closed() bool { return t.closes.Load() > 0 }

func (t *fakeTransport) OnConnect(h ConnectHandler) {
	t.mu.Lock()
	t.onConnect = h
	t.mu.Unlock()
}

func (t *fakeTransport) OnProduce(h ProduceHandler) {
	t.mu.Lock()
	t.onProduce = h
	t.mu.Unlock()
}

func (t *fakeTransport) connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected || t.onConnect == nil {
		return nil
	}
	if err := t.onConnect(ctx, ConnectParams{DTLSParameters: protocol.DTLSParameters{Role: "auto"}}); err != nil {
		return err
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, track webrtc.TrackLocal) (*Producer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	kind := rtc.KindOf(track.Kind())
	id, err := t.onProduce(ctx, kind, protocol.RTPParameters{MimeType: webrtc.MimeTypePCMU, SSRC: 1})
	if err != nil {
		return nil, err
	}
	return NewProducer(id, kind, track, nil), nil
}

func (t *fakeTransport) Consume(ctx context.Context, opts ConsumerOptions) (*Consumer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return NewConsumer(opts, nil, nil), nil
}

func (t *fakeTransport) Close() error {
	t.closes.Add(1)
	return nil
}
