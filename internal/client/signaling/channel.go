// Package signaling is the client end of the relay connection: a jsonrpc2
// stream over a websocket that carries room membership, negotiation messages
// and acknowledged SFU calls.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
)

var (
	ErrTimeout      = errors.New("no response")
	ErrClosed       = errors.New("signaling channel closed")
	ErrNotConnected = errors.New("signaling channel not connected")
)

type Options struct {
	URL   string
	Token string
	// Room, when set, is joined as soon as the connection is up.
	Room      string
	Dialer    *websocket.Dialer
	ReadLimit int64
}

// Channel is one live relay connection. It is not reconnected automatically;
// after ChannelDisconnected the caller dials again and rejoins.
type Channel struct {
	ws     *websocket.Conn
	conn   *jsonrpc2.Conn
	events *eventQueue
	logger zerolog.Logger

	mu        sync.Mutex
	room      string
	closing   bool
	connected bool
}

func Dial(ctx context.Context, opts Options) (*Channel, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", opts.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}

	c := &Channel{
		ws:        ws,
		events:    newEventQueue(),
		logger:    log.With().Str("module", "client.signaling").Str("url", opts.URL).Logger(),
		connected: true,
	}
	c.conn = jsonrpc2.NewConn(context.Background(), wsjsonrpc2.NewObjectStream(ws), jsonrpc2.HandlerWithError(c.handle))
	go c.watch()

	c.logger.Info().Msg("connected")
	if opts.Room != "" {
		if err := c.Join(ctx, opts.Room); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Events delivers relay pushes in arrival order. The last event is always a
// ChannelDisconnected, after which the channel is closed. It must be drained.
func (c *Channel) Events() <-chan protocol.Event { return c.events.out }

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closing
}

func (c *Channel) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Channel) Join(ctx context.Context, room string) error {
	if err := c.notify(ctx, protocol.MethodJoin, protocol.JoinPayload{Room: room}); err != nil {
		return err
	}
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	c.logger.Info().Str("room", room).Msg("join")
	return nil
}

// Leave is a no-op outside a room.
func (c *Channel) Leave(ctx context.Context) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == "" {
		return nil
	}
	if err := c.notify(ctx, protocol.MethodLeave, protocol.LeavePayload{}); err != nil {
		return err
	}
	c.mu.Lock()
	c.room = ""
	c.mu.Unlock()
	c.logger.Info().Str("room", room).Msg("leave")
	return nil
}

func (c *Channel) RelaySDP(ctx context.Context, peerID string, desc webrtc.SessionDescription) error {
	return c.notify(ctx, protocol.MethodRelaySDP, protocol.RelaySDPPayload{PeerID: peerID, SessionDescription: desc})
}

func (c *Channel) RelayICE(ctx context.Context, peerID string, cand webrtc.ICECandidateInit) error {
	return c.notify(ctx, protocol.MethodRelayICE, protocol.RelayICEPayload{PeerID: peerID, ICECandidate: cand})
}

// Call sends one request and decodes its result. It has no timeout of its
// own; see the package-level Call.
func (c *Channel) Call(ctx context.Context, method string, params, result any) error {
	if !c.Connected() {
		return fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
	err := c.conn.Call(ctx, method, params, result)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jsonrpc2.ErrClosed):
		return fmt.Errorf("%s: %w", method, ErrClosed)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", method, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", method, err)
}

// Close leaves the current room, if any, and closes the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	connected := c.connected
	c.mu.Unlock()

	if connected {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.Leave(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("leave on close")
		}
		cancel()
	}

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Channel) notify(ctx context.Context, method string, params any) error {
	if !c.Connected() {
		return fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
	if err := c.conn.Notify(ctx, method, params); err != nil {
		c.events.push(protocol.ChannelError{Err: err})
		if errors.Is(err, jsonrpc2.ErrClosed) {
			return fmt.Errorf("%s: %w", method, ErrClosed)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Channel) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if !req.Notif {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client accepts notifications only"}
	}
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	ev, err := protocol.DecodeEvent(req.Method, params)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", req.Method).Msg("dropping relay message")
		c.events.push(protocol.ChannelError{Err: err})
		return nil, nil
	}
	c.logger.Debug().Str("method", req.Method).Msg("event")
	c.events.push(ev)
	return nil, nil
}

func (c *Channel) watch() {
	<-c.conn.DisconnectNotify()
	c.mu.Lock()
	c.connected = false
	c.room = ""
	expected := c.closing
	c.mu.Unlock()

	var err error
	if !expected {
		err = ErrClosed
		c.logger.Warn().Msg("disconnected")
	} else {
		c.logger.Info().Msg("closed")
	}
	c.events.push(protocol.ChannelDisconnected{Err: err})
	c.events.close()
}
