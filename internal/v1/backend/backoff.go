package backend

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/logging"
)

// Locker acquires short-lived distributed locks. Satisfied by *bus.Service.
type Locker interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// backoffPolicy computes retry delays: exponential growth with a cap and
// symmetric jitter, optionally coordinated across instances through the
// shared store so concurrent retries against a struggling backend fan out.
type backoffPolicy struct {
	initial      time.Duration
	factor       float64
	cap          time.Duration
	jitterFactor float64

	distributed bool
	locker      Locker
	lockTTL     time.Duration
	instanceID  string

	// rngMu serializes rng draws: concurrent Do calls share this policy and
	// math/rand.Rand is not goroutine-safe.
	rngMu sync.Mutex
	rng   *rand.Rand
}

func (b *backoffPolicy) randFloat() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Float64()
}

// delay returns the base delay for attempt n with jitter applied:
// min(cap, initial * factor^n) +/- jitterFactor of that base, clamped to
// the cap. The per-instance bias keeps distinct instances from
// resynchronizing their retry schedules.
func (b *backoffPolicy) delay(attempt int) time.Duration {
	base := float64(b.initial) * math.Pow(b.factor, float64(attempt))
	if base > float64(b.cap) {
		base = float64(b.cap)
	}

	jitter := (b.randFloat()*2 - 1) * b.jitterFactor * base
	d := (base + jitter) * b.instanceBias()

	if d < 0 {
		d = 0
	}
	if d > float64(b.cap) {
		d = float64(b.cap)
	}
	return time.Duration(d)
}

// instanceBias derives a deterministic multiplier in [0.95, 1.05] from the
// instance id.
func (b *backoffPolicy) instanceBias() float64 {
	if b.instanceID == "" {
		return 1.0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(b.instanceID))
	return 0.95 + float64(h.Sum32()%1000)/1000.0*0.1
}

// wait sleeps the retry delay for an attempt. With distributed retry enabled
// one instance (the lock winner) waits the full delay while the others wait
// a shortened 0.5*d + U[0, 0.3*d], so the fleet does not hammer the backend
// in lockstep. Store failures silently fall back to the local delay.
func (b *backoffPolicy) wait(ctx context.Context, requestKey string, attempt int) error {
	d := b.delay(attempt)

	if b.distributed && b.locker != nil {
		key := fmt.Sprintf("retry:%s:%d", requestKey, attempt)
		won, err := b.locker.SetNX(ctx, key, b.instanceID, b.lockTTL)
		if err == nil && !won {
			d = time.Duration(0.5*float64(d) + b.randFloat()*0.3*float64(d))
			logging.Debug(ctx, "Distributed retry: lost lock, shortened delay",
				zap.String("key", key), zap.Duration("delay", d))
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// requestKey builds the lock-key component for one logical request.
func requestKey(method, path string) string {
	return method + ":" + strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
}
