package signal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRateLimiterPerUser(t *testing.T) {
	rl := NewJoinRateLimiter(0, 2)
	rl.Acquire("u1")
	rl.Acquire("u2")

	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"))
}

func TestJoinRateLimiterForgetsDisconnectedUsers(t *testing.T) {
	rl := NewJoinRateLimiter(0, 1)

	rl.Acquire("u1")
	rl.Acquire("u1")
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))

	rl.Release("u1")
	assert.Equal(t, 1, rl.Len(), "one connection still open")
	assert.False(t, rl.Allow("u1"), "budget is shared while any connection is open")

	rl.Release("u1")
	assert.Zero(t, rl.Len())
	rl.Release("u1")
	assert.Zero(t, rl.Len())

	for i := range 100 {
		uid := domain.UserID(fmt.Sprintf("guest-%d", i))
		rl.Acquire(uid)
		rl.Allow(uid)
		rl.Release(uid)
	}
	assert.Zero(t, rl.Len())

	assert.True(t, rl.Allow("stranger"))
	assert.Zero(t, rl.Len())
}

func TestRPCErrorCodes(t *testing.T) {
	e := rpcError(fmt.Errorf("%w: %q", protocol.ErrUnknownMethod, "nope"))
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), e.Code)

	e = rpcError(fmt.Errorf("%w: missing", errBadParams))
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), e.Code)

	e = rpcError(errors.New("room is full"))
	assert.Equal(t, int64(jsonrpc2.CodeInvalidRequest), e.Code)
	assert.Equal(t, "room is full", e.Message)
}

func TestDecodeParams(t *testing.T) {
	var req protocol.RenameRequest
	require.NoError(t, decodeParams([]byte(`{"name":"ada"}`), &req))
	assert.Equal(t, "ada", req.Name)

	assert.ErrorIs(t, decodeParams(nil, &req), errBadParams)
	assert.ErrorIs(t, decodeParams([]byte(`{`), &req), errBadParams)
}
