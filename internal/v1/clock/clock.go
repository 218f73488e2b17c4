// Package clock is the single time and identity source for the gateway.
// Every component takes its timestamps and ids from here so tests can
// substitute a fake.
package clock

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock provides monotonic-friendly time reads.
type Clock interface {
	Now() time.Time
	NowMillis() int64
	ISO() string
}

// System reads the real wall clock. time.Time carries a monotonic component,
// so durations computed from Now() are safe across NTP slews.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (s System) NowMillis() int64 { return s.Now().UnixMilli() }

func (s System) ISO() string { return s.Now().UTC().Format(time.RFC3339Nano) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake starts a fake clock at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NowMillis() int64 { return f.Now().UnixMilli() }

func (f *Fake) ISO() string { return f.Now().UTC().Format(time.RFC3339Nano) }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// NewID returns a collision-free opaque id with a kind prefix,
// e.g. NewID("req") -> "req_9f2c…".
func NewID(kind string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if kind == "" {
		return id
	}
	return kind + "_" + id
}

var (
	instanceOnce sync.Once
	instanceID   string
)

// InstanceID is stable for the lifetime of the process.
// Format: <hostname>-<pid>-<short random suffix>.
func InstanceID() string {
	instanceOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		instanceID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
	})
	return instanceID
}
