package signal

import (
	"sync"

	"github.com/dkeye/huddle/internal/domain"
	"golang.org/x/time/rate"
)

type userLimiter struct {
	limiter *rate.Limiter
	conns   int
}

// JoinRateLimiter throttles room joins per user across all of the user's
// connections. A user's limiter lives while the user has a connection open.
type JoinRateLimiter struct {
	mu    sync.Mutex
	users map[domain.UserID]*userLimiter
	limit rate.Limit
	burst int
}

func NewJoinRateLimiter(limit rate.Limit, burst int) *JoinRateLimiter {
	return &JoinRateLimiter{
		users: make(map[domain.UserID]*userLimiter),
		limit: limit,
		burst: burst,
	}
}

// Acquire registers one open connection for uid.
func (rl *JoinRateLimiter) Acquire(uid domain.UserID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.entry(uid).conns++
}

// Release drops one connection for uid and forgets the user after the last.
func (rl *JoinRateLimiter) Release(uid domain.UserID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	u, ok := rl.users[uid]
	if !ok {
		return
	}
	if u.conns--; u.conns <= 0 {
		delete(rl.users, uid)
	}
}

// Allow reports whether uid may join now. A user with no open connection is
// not tracked and always allowed.
func (rl *JoinRateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	u, ok := rl.users[uid]
	rl.mu.Unlock()
	if !ok {
		return true
	}
	return u.limiter.Allow()
}

func (rl *JoinRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.users)
}

func (rl *JoinRateLimiter) entry(uid domain.UserID) *userLimiter {
	u, ok := rl.users[uid]
	if !ok {
		u = &userLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.users[uid] = u
	}
	return u
}
