package signal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dkeye/Meet/internal/core"
)

// RoomRateLimiter is a token bucket on chat messages per session: limit
// messages per window, refilled evenly.
type RoomRateLimiter struct {
	mu       sync.Mutex
	limiters map[core.SessionID]*rate.Limiter
	every    rate.Limit
	burst    int
	now      func() time.Time
}

func NewRoomRateLimiter(limit int, window time.Duration) *RoomRateLimiter {
	return &RoomRateLimiter{
		limiters: make(map[core.SessionID]*rate.Limiter),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		now:      time.Now,
	}
}

func (rl *RoomRateLimiter) Allow(sid core.SessionID) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[sid]
	if !ok {
		lim = rate.NewLimiter(rl.every, rl.burst)
		rl.limiters[sid] = lim
	}
	now := rl.now()
	rl.mu.Unlock()
	return lim.AllowN(now, 1)
}

// Forget drops the session's bucket once it disconnects.
func (rl *RoomRateLimiter) Forget(sid core.SessionID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, sid)
}
