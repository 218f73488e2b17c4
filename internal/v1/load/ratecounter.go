package load

import (
	"sync"
	"time"

	"github.com/signalmesh/gateway/internal/v1/clock"
	"github.com/signalmesh/gateway/internal/v1/types"
)

type counterKey struct {
	user  types.UserIDType
	event string
}

// RateCounter counts per-(user, event) messages over a one-second horizon.
// All counters reset together when the horizon elapses.
type RateCounter struct {
	mu          sync.Mutex
	counts      map[counterKey]int
	windowStart time.Time
	clk         clock.Clock
}

// NewRateCounter creates a counter using the given clock.
func NewRateCounter(clk clock.Clock) *RateCounter {
	if clk == nil {
		clk = clock.System{}
	}
	return &RateCounter{
		counts:      make(map[counterKey]int),
		windowStart: clk.Now(),
		clk:         clk,
	}
}

// Allow increments the counter for (user, event) and reports whether the
// count stayed within limit for the current one-second window.
func (rc *RateCounter) Allow(user types.UserIDType, event string, limit int) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := rc.clk.Now()
	if now.Sub(rc.windowStart) >= time.Second {
		rc.counts = make(map[counterKey]int)
		rc.windowStart = now
	}

	key := counterKey{user: user, event: event}
	rc.counts[key]++
	return rc.counts[key] <= limit
}

// Count returns the current window's count for (user, event).
func (rc *RateCounter) Count(user types.UserIDType, event string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.counts[counterKey{user: user, event: event}]
}
