package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/app/sfu"
	clientsfu "github.com/dkeye/huddle/internal/client/sfu"
	"github.com/dkeye/huddle/internal/client/signaling"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/metrics"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

type relay struct {
	srv   *httptest.Server
	orch  *orch.Orchestrator
	wsURL string
}

func newRelay(t *testing.T, withSFU bool) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(4),
		Policy:   app.NewStrikePolicy(1),
		Metrics:  m,
	}
	if withSFU {
		router, err := sfu.NewRouter(sfu.RouterOptions{Metrics: m})
		require.NoError(t, err)
		t.Cleanup(router.Close)
		o.Router = router
	}
	cfg := &config.Config{Mode: "test", Secret: testSecret, ReadLimit: 1 << 16}
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o, m, reg))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &relay{srv: srv, orch: o, wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"}
}

func (r *relay) get(t *testing.T, path, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, r.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func (r *relay) dial(t *testing.T, user, room string) *signaling.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := signaling.Dial(ctx, signaling.Options{URL: r.wsURL, Token: SignToken(testSecret, user), Room: room})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// next returns the first event of type T, skipping others.
func next[T protocol.Event](t *testing.T, ch *signaling.Channel) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			require.True(t, ok, "channel closed")
			if v, match := ev.(T); match {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func whoami(t *testing.T, ch *signaling.Channel) protocol.WhoAmIResponse {
	t.Helper()
	resp, err := signaling.Call[protocol.WhoAmIResponse](context.Background(), ch, protocol.MethodWhoAmI, struct{}{}, 5*time.Second)
	require.NoError(t, err)
	return resp
}

func TestTokenRoundTrip(t *testing.T) {
	tok := SignToken("k", "alice")
	sub, err := VerifyToken("k", tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	_, err = VerifyToken("other", tok)
	assert.ErrorIs(t, err, ErrBadToken)
	_, err = VerifyToken("k", "alice")
	assert.ErrorIs(t, err, ErrBadToken)
	_, err = VerifyToken("k", "")
	assert.ErrorIs(t, err, ErrBadToken)

	sub, err = VerifyToken("", "anything")
	require.NoError(t, err)
	assert.Equal(t, "anything", sub)
}

func TestRESTNeedsValidToken(t *testing.T) {
	r := newRelay(t, false)

	code, _ := r.get(t, "/api/whoami", "mallory.deadbeef")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := r.get(t, "/api/whoami", SignToken(testSecret, "alice"))
	require.Equal(t, http.StatusOK, code)
	var user struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &user))
	assert.Equal(t, "alice", user.ID)

	code, _ = r.get(t, "/api/whoami", "")
	assert.Equal(t, http.StatusOK, code, "browsers get a minted cookie token")

	code, body = r.get(t, "/api/rooms", SignToken(testSecret, "alice"))
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"rooms":[]}`, body)

	code, _ = r.get(t, "/api/rooms/nowhere/members", SignToken(testSecret, "alice"))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSignalingJoinFanOut(t *testing.T) {
	r := newRelay(t, false)

	alice := r.dial(t, "alice", "lobby")
	aliceID := whoami(t, alice).PeerID
	bob := r.dial(t, "bob", "lobby")
	me := whoami(t, bob)
	assert.Equal(t, "bob", me.UserID)

	toBob := next[protocol.AddPeer](t, bob)
	assert.Equal(t, aliceID, toBob.PeerID)
	assert.True(t, toBob.ShouldCreateOffer)
	toAlice := next[protocol.AddPeer](t, alice)
	assert.Equal(t, me.PeerID, toAlice.PeerID)
	assert.False(t, toAlice.ShouldCreateOffer)
	assert.Equal(t, "lobby", whoami(t, bob).Room)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	require.NoError(t, bob.RelaySDP(context.Background(), aliceID, offer))
	sdp := next[protocol.RelaySDP](t, alice)
	assert.Equal(t, me.PeerID, sdp.PeerID, "relay rewrites peerID to the sender")
	assert.Equal(t, offer, sdp.SessionDescription)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}
	require.NoError(t, alice.RelayICE(context.Background(), me.PeerID, cand))
	ice := next[protocol.RelayICE](t, bob)
	assert.Equal(t, aliceID, ice.PeerID)
	assert.Equal(t, cand.Candidate, ice.ICECandidate.Candidate)

	code, body := r.get(t, "/api/rooms/lobby/members", SignToken(testSecret, "alice"))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, aliceID)
	assert.Contains(t, body, me.PeerID)

	code, body = r.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "huddle_signal_sessions 2")

	require.NoError(t, bob.Close())
	gone := next[protocol.RemovePeer](t, alice)
	assert.Equal(t, me.PeerID, gone.PeerID)
}

func TestSignalingRenameAndErrors(t *testing.T) {
	r := newRelay(t, false)
	ch := r.dial(t, "carol", "")

	resp, err := signaling.Call[protocol.WhoAmIResponse](context.Background(), ch, protocol.MethodRename, protocol.RenameRequest{Name: "Carol"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Carol", resp.Username)
	assert.Empty(t, resp.Room)

	_, err = signaling.Call[protocol.WhoAmIResponse](context.Background(), ch, protocol.MethodRename, protocol.RenameRequest{}, 5*time.Second)
	assert.Error(t, err)

	_, err = signaling.Call[struct{}](context.Background(), ch, "teleport", struct{}{}, 5*time.Second)
	assert.Error(t, err)

	pong, err := signaling.Call[protocol.PingResponse](context.Background(), ch, protocol.MethodPing, struct{}{}, 5*time.Second)
	require.NoError(t, err)
	assert.NotZero(t, pong.Time)

	caps, err := signaling.Call[protocol.RouterCapabilitiesResponse](context.Background(), ch, protocol.MethodGetRouterRTPCapabilities, protocol.RoomRequest{RoomID: "lobby"}, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, caps.Success, "relay runs without an sfu")
}

func TestSFUSessionAgainstRelay(t *testing.T) {
	r := newRelay(t, true)
	ch := r.dial(t, "dave", "")

	cfg := clientsfu.DefaultConfig()
	cfg.MaxRetries = -1
	s := clientsfu.NewSession(ch, "stage", func() clientsfu.Device {
		return clientsfu.NewPionDevice(nil, 0, 0)
	}, cfg)
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.InitDevice(ctx))
	assert.True(t, s.Device().CanProduce(protocol.KindAudio))

	require.NoError(t, s.CreateTransports(ctx))
	require.NotNil(t, s.SendTransport())
	require.NotNil(t, s.RecvTransport())
	assert.NotEqual(t, s.SendTransport().ID(), s.RecvTransport().ID())
	assert.Equal(t, "stage", whoami(t, ch).Room, "join-room also joins the signaling room")
}
