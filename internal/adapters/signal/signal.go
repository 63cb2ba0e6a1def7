// Package signal is the relay end of the signaling websocket: one jsonrpc2
// stream per connection, dispatched to the orchestrator.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
	"golang.org/x/time/rate"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// RateLimit is inbound messages per second per connection; zero disables it.
	RateLimit float64
	RateBurst int
	// JoinLimit is joins per second per user; zero disables it.
	JoinLimit float64
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Metrics *metrics.Metrics
	opts    Options
	joins   *JoinRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, m *metrics.Metrics, opts Options) *SignalWSController {
	ctl := &SignalWSController{Orch: o, Metrics: m, opts: opts}
	if opts.JoinLimit > 0 {
		ctl.joins = NewJoinRateLimiter(rate.Limit(opts.JoinLimit), 3)
	}
	return ctl
}

// WsSignalConn queues notifications for one websocket. TrySend never blocks;
// a full queue is reported as ErrBackpressure.
type WsSignalConn struct {
	ws   *websocket.Conn
	rpc  *jsonrpc2.Conn
	send chan core.Notification

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(n core.Notification) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- n:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	if c.rpc != nil {
		_ = c.rpc.Close()
	} else {
		_ = c.ws.Close()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves it until either side hangs up
// or ctx is done. The user comes from the token middleware; the connection
// gets its own session id, which is also its peer id.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	if uid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	sid := core.SessionID(uuid.NewString())
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Str("user", string(uid)).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}

	conn := &WsSignalConn{ws: ws, send: make(chan core.Notification, sendBuffer)}
	user := ctl.Orch.Registry.GetOrCreateUser(uid)
	sess := core.NewMemberSession(domain.NewMember(user, string(sid))).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, sess, cancel)
	ctl.Metrics.SessionOpened()
	if ctl.joins != nil {
		ctl.joins.Acquire(uid)
	}

	h := &rpcHandler{ctl: ctl, sid: sid, uid: uid, conn: conn, ctx: ctx}
	if ctl.opts.RateLimit > 0 {
		burst := ctl.opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(ctl.opts.RateLimit), burst)
	}
	ctl.keepalive(ws)
	conn.rpc = jsonrpc2.NewConn(ctx, wsjsonrpc2.NewObjectStream(ws), h)
	logger.Info().Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.pingPump(ctx, conn)
	go func() {
		select {
		case <-conn.rpc.DisconnectNotify():
		case <-ctx.Done():
		}
		cancel()
		conn.Close()
		ctl.Orch.OnDisconnect(sid)
		if ctl.joins != nil {
			ctl.joins.Release(uid)
		}
		ctl.Metrics.SessionClosed()
		logger.Info().Msg("WS connection closed")
	}()
}
