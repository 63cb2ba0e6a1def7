package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
	"golang.org/x/time/rate"
)

// CodeRateLimited is the jsonrpc2 error code for calls refused by the
// per-connection limiter.
const CodeRateLimited int64 = -32000

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case n, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.rpc.Notify(ctx, n.Method, n.Params); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("method", n.Method).Msg("writePump notify error")
				c.Close()
				return
			}
		}
	}
}

// keepalive makes a silent peer time out: every pong pushes the read
// deadline out by a little more than one ping period.
func (ctl *SignalWSController) keepalive(ws *websocket.Conn) {
	if ctl.opts.PingPeriod <= 0 {
		return
	}
	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (ctl *SignalWSController) pingPump(ctx context.Context, c *WsSignalConn) {
	if ctl.opts.PingPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("ping failed")
				c.Close()
				return
			}
		}
	}
}

// rpcHandler serves one connection. Notifications run inline so their order
// is kept; calls run on their own goroutine and reply when done.
type rpcHandler struct {
	ctl     *SignalWSController
	sid     core.SessionID
	uid     domain.UserID
	conn    *WsSignalConn
	ctx     context.Context
	limiter *rate.Limiter
}

func (h *rpcHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		h.ctl.Metrics.Rejected("rate")
		log.Warn().Str("module", "signal").Str("sid", string(h.sid)).Str("method", req.Method).Msg("rate limited")
		if !req.Notif {
			_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: CodeRateLimited, Message: "rate limited"})
		}
		return
	}
	if req.Notif {
		err := h.ctl.handleNotification(h, req.Method, params(req))
		h.record(req.Method, err)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(h.sid)).Str("method", req.Method).Msg("notification failed")
		}
		return
	}
	go func() {
		result, err := h.ctl.handleCall(h, req.Method, params(req))
		h.record(req.Method, err)
		if err != nil {
			_ = conn.ReplyWithError(ctx, req.ID, rpcError(err))
			return
		}
		if err := conn.Reply(ctx, req.ID, result); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(h.sid)).Str("method", req.Method).Msg("reply failed")
		}
	}()
}

func (h *rpcHandler) record(method string, err error) {
	switch {
	case err == nil:
		h.ctl.Metrics.Event(method, "ok")
	case isUnknown(err):
		h.ctl.Metrics.Event("unknown", "error")
	default:
		h.ctl.Metrics.Event(method, "error")
	}
}

func params(req *jsonrpc2.Request) json.RawMessage {
	if req.Params == nil {
		return nil
	}
	return *req.Params
}
