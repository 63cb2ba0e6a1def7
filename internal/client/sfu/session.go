// Package sfu is the client side of the selective forwarding path: it loads
// the router's capabilities into a Device, keeps one send and one receive
// transport per room session and creates producers and consumers on them.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/client/signaling"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/rtc"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
)

const (
	opInitDevice       = "initDevice"
	opCreateTransports = "createTransports"
	opConnect          = "connectTransport"
	opProduce          = "produce"
	opConsume          = "createConsumer"
	opChannel          = "channel"
)

// Channel is the part of the signaling channel the session needs.
type Channel interface {
	signaling.Caller
	Connected() bool
}

type Config struct {
	CapabilitiesTimeout time.Duration
	JoinTimeout         time.Duration
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	// MaxRetries of zero means the default; negative disables retries.
	MaxRetries int
	// AutoConsume consumes every producer the server announces.
	AutoConsume bool
	Clock       clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		CapabilitiesTimeout: 10 * time.Second,
		JoinTimeout:         15 * time.Second,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       8 * time.Second,
		MaxRetries:          3,
	}
}

// Session owns the device, the transport pair, producers and consumers of one
// client in one room.
type Session struct {
	channel   Channel
	roomID    string
	newDevice func() Device
	cfg       Config
	clock     clockwork.Clock
	logger    zerolog.Logger
	done      chan struct{}

	mu          sync.Mutex
	device      Device
	send        Transport
	recv        Transport
	epoch       uint64
	producers   map[string]*Producer
	consumers   map[string]*Consumer
	retries     int
	creating    int
	announced   []string
	initialized bool
	err         error
	closed      bool
	onRetry     func(attempt int, delay time.Duration)
	onConsumer  func(*Consumer)
	onError     func(error)
}

func NewSession(ch Channel, roomID string, newDevice func() Device, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.CapabilitiesTimeout <= 0 {
		cfg.CapabilitiesTimeout = def.CapabilitiesTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = def.MaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{
		channel:   ch,
		roomID:    roomID,
		newDevice: newDevice,
		cfg:       cfg,
		clock:     clock,
		logger:    log.With().Str("module", "client.sfu").Str("room", roomID).Logger(),
		done:      make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
}

// OnRetry is called before each automatic device retry with the delay that
// is about to be waited.
func (s *Session) OnRetry(fn func(attempt int, delay time.Duration)) {
	s.mu.Lock()
	s.onRetry = fn
	s.mu.Unlock()
}

// OnConsumer is called for every consumer the session creates.
func (s *Session) OnConsumer(fn func(*Consumer)) {
	s.mu.Lock()
	s.onConsumer = fn
	s.mu.Unlock()
}

// OnError is called whenever the user-visible error state changes to a
// non-nil error.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// backoff returns the wait before retry n (1-based): base doubled per attempt
// and capped at limit.
func backoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

// InitDevice fetches the router capabilities and loads them into a fresh
// Device. Failures are retried with exponential backoff until MaxRetries
// automatic retries have been spent; the last error is returned.
func (s *Session) InitDevice(ctx context.Context) error {
	if s.channel == nil || !s.channel.Connected() {
		return s.fail(unavailable(opInitDevice, ErrChannelUnavailable))
	}
	if s.roomID == "" {
		return s.fail(unavailable(opInitDevice, ErrNoRoom))
	}

	for {
		s.CloseTransports()
		dev, err := s.loadDevice(ctx)
		if err == nil {
			s.mu.Lock()
			s.device = dev
			s.initialized = true
			s.retries = 0
			s.err = nil
			s.mu.Unlock()
			s.logger.Info().Msg("device loaded")
			return nil
		}
		s.fail(err)
		if ctx.Err() != nil {
			return err
		}

		s.mu.Lock()
		if s.closed || s.retries >= s.cfg.MaxRetries {
			s.mu.Unlock()
			s.logger.Error().Err(err).Msg("device init gave up")
			return err
		}
		s.retries++
		attempt := s.retries
		onRetry := s.onRetry
		s.mu.Unlock()

		delay := backoff(s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, attempt)
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("device init failed, retrying")
		if onRetry != nil {
			onRetry(attempt, delay)
		}
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrSessionClosed
		}
	}
}

func (s *Session) loadDevice(ctx context.Context) (Device, error) {
	resp, err := signaling.Call[protocol.RouterCapabilitiesResponse](ctx, s.channel,
		protocol.MethodGetRouterRTPCapabilities, protocol.RoomRequest{RoomID: s.roomID}, s.cfg.CapabilitiesTimeout)
	if err != nil {
		return nil, rpcError(opInitDevice, err)
	}
	if resp.Error != "" {
		return nil, rejected(opInitDevice, resp.Error)
	}
	if resp.RTPCapabilities == nil || len(resp.RTPCapabilities.Codecs) == 0 {
		return nil, &Error{Kind: KindCapability, Op: opInitDevice, Err: ErrCapability}
	}
	dev := s.newDevice()
	if err := dev.Load(*resp.RTPCapabilities); err != nil {
		return nil, &Error{Kind: KindCapability, Op: opInitDevice, Err: fmt.Errorf("%w: %w", ErrCapability, err)}
	}
	return dev, nil
}

// CreateTransports asks the server for a transport pair and replaces the
// current one. The old pair is closed before the new one is built.
// Producers announced while the pair is being built are consumed once it is up.
func (s *Session) CreateTransports(ctx context.Context) error {
	s.mu.Lock()
	dev := s.device
	s.mu.Unlock()
	if dev == nil || !dev.Loaded() {
		return s.fail(unavailable(opCreateTransports, ErrDeviceNotLoaded))
	}

	s.mu.Lock()
	s.creating++
	s.mu.Unlock()
	existing, err := s.createTransports(ctx, dev)
	s.mu.Lock()
	s.creating--
	var announced []string
	if err == nil || s.creating == 0 {
		announced, s.announced = s.announced, nil
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if s.cfg.AutoConsume {
		seen := make(map[string]bool)
		for _, id := range append(existing, announced...) {
			if !seen[id] {
				seen[id] = true
				s.autoConsume(ctx, id)
			}
		}
	}
	return nil
}

// createTransports replaces the pair and returns the producers the server
// listed as already present.
func (s *Session) createTransports(ctx context.Context, dev Device) ([]string, error) {
	resp, err := signaling.Call[protocol.JoinRoomResponse](ctx, s.channel,
		protocol.MethodJoinRoom, protocol.RoomRequest{RoomID: s.roomID}, s.cfg.JoinTimeout)
	if err != nil {
		return nil, s.fail(rpcError(opCreateTransports, err))
	}
	if !resp.Success {
		return nil, s.fail(&Error{Kind: KindTransportCreation, Op: opCreateTransports, Message: resp.Error, Err: ErrTransportCreationFailed})
	}
	if resp.TransportOptions == nil || resp.TransportOptions.Send == nil || resp.TransportOptions.Recv == nil {
		return nil, s.fail(&Error{Kind: KindTransportCreation, Op: opCreateTransports, Err: fmt.Errorf("%w: missing transport options", ErrTransportCreationFailed)})
	}

	epoch := s.CloseTransports()
	send, err := dev.CreateSendTransport(ctx, *resp.TransportOptions.Send)
	if err != nil {
		return nil, s.fail(creationError(err))
	}
	recv, err := dev.CreateRecvTransport(ctx, *resp.TransportOptions.Recv)
	if err != nil {
		_ = send.Close()
		return nil, s.fail(creationError(err))
	}
	send.OnConnect(s.connectHandler(send.ID()))
	send.OnProduce(s.produceHandler(send.ID()))
	recv.OnConnect(s.connectHandler(recv.ID()))

	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		_ = send.Close()
		_ = recv.Close()
		return nil, s.fail(&Error{Kind: KindTransportCreation, Op: opCreateTransports, Err: ErrTransportsReset})
	}
	s.send, s.recv = send, recv
	s.err = nil
	s.mu.Unlock()
	s.logger.Info().Str("send", send.ID()).Str("recv", recv.ID()).Msg("transports created")

	existing := make([]string, 0, len(resp.Producers))
	for _, p := range resp.Producers {
		existing = append(existing, p.ProducerID)
	}
	return existing, nil
}

func creationError(err error) *Error {
	return &Error{Kind: KindTransportCreation, Op: opCreateTransports, Err: fmt.Errorf("%w: %w", ErrTransportCreationFailed, err)}
}

func (s *Session) connectHandler(transportID string) ConnectHandler {
	return func(ctx context.Context, p ConnectParams) error {
		resp, err := signaling.Call[protocol.Ack](ctx, s.channel, protocol.MethodConnectTransport, protocol.ConnectTransportRequest{
			RoomID:         s.roomID,
			TransportID:    transportID,
			DTLSParameters: p.DTLSParameters,
			ICEParameters:  p.ICEParameters,
			ICECandidates:  p.ICECandidates,
		}, 0)
		if err != nil {
			return rpcError(opConnect, err)
		}
		if !resp.Success {
			return rejected(opConnect, resp.Error)
		}
		s.logger.Debug().Str("transport", transportID).Msg("transport connected")
		return nil
	}
}

func (s *Session) produceHandler(transportID string) ProduceHandler {
	return func(ctx context.Context, kind protocol.MediaKind, params protocol.RTPParameters) (string, error) {
		resp, err := signaling.Call[protocol.ProduceResponse](ctx, s.channel, protocol.MethodProduce, protocol.ProduceRequest{
			RoomID:        s.roomID,
			TransportID:   transportID,
			Kind:          kind,
			RTPParameters: params,
		}, 0)
		if err != nil {
			return "", rpcError(opProduce, err)
		}
		if !resp.Success {
			return "", rejected(opProduce, resp.Error)
		}
		if resp.ProducerID == "" {
			return "", &Error{Kind: KindTimeout, Op: opProduce, Err: ErrNoResponse}
		}
		return resp.ProducerID, nil
	}
}

// Produce sends track through the send transport.
func (s *Session) Produce(ctx context.Context, track webrtc.TrackLocal) (*Producer, error) {
	s.mu.Lock()
	dev, send := s.device, s.send
	s.mu.Unlock()
	if dev == nil || !dev.Loaded() {
		return nil, unavailable(opProduce, ErrDeviceNotLoaded)
	}
	if send == nil || send.Closed() {
		return nil, unavailable(opProduce, ErrTransportUnavailable)
	}
	kind := rtc.KindOf(track.Kind())
	if !dev.CanProduce(kind) {
		return nil, &Error{Kind: KindCapability, Op: opProduce, Err: fmt.Errorf("%w: cannot produce %s", ErrCapability, kind)}
	}

	p, err := send.Produce(ctx, track)
	if err != nil {
		return nil, wrap(opProduce, err)
	}
	s.mu.Lock()
	if s.send != send {
		s.mu.Unlock()
		_ = p.Close()
		return nil, unavailable(opProduce, ErrTransportUnavailable)
	}
	s.producers[p.ID] = p
	s.mu.Unlock()
	s.logger.Info().Str("producer", p.ID).Str("kind", string(p.Kind)).Msg("producing")
	return p, nil
}

// CreateConsumer asks the server to forward producerID and opens the matching
// receiver. It fails without touching the network if there is no receive
// transport.
func (s *Session) CreateConsumer(ctx context.Context, producerID string, caps protocol.RTPCapabilities) (*Consumer, error) {
	s.mu.Lock()
	recv := s.recv
	s.mu.Unlock()
	if recv == nil || recv.Closed() {
		return nil, unavailable(opConsume, ErrTransportUnavailable)
	}

	resp, err := signaling.Call[protocol.ConsumeResponse](ctx, s.channel, protocol.MethodConsume, protocol.ConsumeRequest{
		RoomID:          s.roomID,
		TransportID:     recv.ID(),
		ProducerID:      producerID,
		RTPCapabilities: caps,
	}, 0)
	if err != nil {
		return nil, rpcError(opConsume, err)
	}
	if !resp.Success {
		return nil, rejected(opConsume, resp.Error)
	}

	c, err := recv.Consume(ctx, ConsumerOptions{
		ID:            resp.ConsumerID,
		ProducerID:    resp.ProducerID,
		Kind:          resp.Kind,
		RTPParameters: resp.RTPParameters,
	})
	if err != nil {
		return nil, wrap(opConsume, err)
	}
	s.mu.Lock()
	if s.recv != recv {
		s.mu.Unlock()
		_ = c.Close()
		return nil, unavailable(opConsume, ErrTransportUnavailable)
	}
	s.consumers[c.ID] = c
	fn := s.onConsumer
	s.mu.Unlock()
	s.logger.Info().Str("consumer", c.ID).Str("producer", c.ProducerID).Str("kind", string(c.Kind)).Msg("consuming")
	if fn != nil {
		fn(c)
	}
	return c, nil
}

func (s *Session) autoConsume(ctx context.Context, producerID string) {
	s.mu.Lock()
	dev := s.device
	s.mu.Unlock()
	if dev == nil {
		return
	}
	if _, err := s.CreateConsumer(ctx, producerID, dev.RTPCapabilities()); err != nil {
		s.logger.Warn().Err(err).Str("producer", producerID).Msg("auto consume failed")
	}
}

// CloseTransports closes producers, consumers and both transports and clears
// the references. Calling it again is a no-op. It returns the new epoch.
func (s *Session) CloseTransports() uint64 {
	s.mu.Lock()
	send, recv := s.send, s.recv
	producers, consumers := s.producers, s.consumers
	s.send, s.recv = nil, nil
	s.producers = make(map[string]*Producer)
	s.consumers = make(map[string]*Consumer)
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	if send != nil {
		if err := send.Close(); err != nil {
			s.logger.Warn().Err(err).Str("transport", send.ID()).Msg("close send transport")
		}
	}
	if recv != nil {
		if err := recv.Close(); err != nil {
			s.logger.Warn().Err(err).Str("transport", recv.ID()).Msg("close recv transport")
		}
	}
	if send != nil || recv != nil {
		s.logger.Info().Msg("transports closed")
	}
	return epoch
}

// FullRetry starts over from nothing: counters, transports, device and error
// state are reset and the device is initialised again.
func (s *Session) FullRetry(ctx context.Context) error {
	s.mu.Lock()
	s.retries = 0
	s.device = nil
	s.initialized = false
	s.err = nil
	s.mu.Unlock()
	s.CloseTransports()
	s.logger.Info().Msg("full retry")
	return s.InitDevice(ctx)
}

// HandleEvent applies one signaling event to the session.
func (s *Session) HandleEvent(ctx context.Context, ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.ChannelError:
		s.fail(&Error{Kind: KindTransientChannel, Op: opChannel, Err: ev.Err})
	case protocol.ChannelDisconnected:
		s.CloseTransports()
		err := ev.Err
		if err == nil {
			err = signaling.ErrClosed
		}
		s.fail(&Error{Kind: KindFatalChannelLoss, Op: opChannel, Err: err})
	case protocol.NewProducer:
		if s.cfg.AutoConsume && !s.deferConsume(ev.ProducerID) {
			s.autoConsume(ctx, ev.ProducerID)
		}
	case protocol.ProducerClosed:
		s.forgetAnnounced(ev.ProducerID)
		s.closeConsumersOf(ev.ProducerID)
	case protocol.AddPeer, protocol.RemovePeer, protocol.RelaySDP, protocol.RelayICE:
		// mesh traffic
	}
}

// deferConsume queues producerID while a transport pair is being created.
func (s *Session) deferConsume(producerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creating == 0 {
		return false
	}
	s.announced = append(s.announced, producerID)
	return true
}

func (s *Session) forgetAnnounced(producerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announced = slices.DeleteFunc(s.announced, func(id string) bool { return id == producerID })
}

func (s *Session) closeConsumersOf(producerID string) {
	s.mu.Lock()
	var closing []*Consumer
	for id, c := range s.consumers {
		if c.ProducerID == producerID {
			closing = append(closing, c)
			delete(s.consumers, id)
		}
	}
	s.mu.Unlock()
	for _, c := range closing {
		_ = c.Close()
		s.logger.Info().Str("consumer", c.ID).Str("producer", producerID).Msg("consumer closed")
	}
}

// Close tears the session down and stops any pending retry wait.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.CloseTransports()
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Session) Device() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

func (s *Session) SendTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send
}

func (s *Session) RecvTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv
}

func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

func (s *Session) Producers() []*Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Producer, 0, len(s.producers))
	for _, p := range s.producers {
		out = append(out, p)
	}
	return out
}

func (s *Session) Consumers() []*Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.err = err
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	return err
}

func rpcError(op string, err error) error {
	var rpcErr *jsonrpc2.Error
	switch {
	case errors.As(err, &rpcErr):
		return rejected(op, rpcErr.Message)
	case errors.Is(err, signaling.ErrTimeout):
		return &Error{Kind: KindTimeout, Op: op, Err: fmt.Errorf("%w: %w", ErrNoResponse, err)}
	case errors.Is(err, signaling.ErrClosed), errors.Is(err, signaling.ErrNotConnected):
		return &Error{Kind: KindFatalChannelLoss, Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	}
	return &Error{Kind: KindTransientChannel, Op: op, Err: err}
}

func wrap(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindTransportCreation, Op: op, Err: err}
}
