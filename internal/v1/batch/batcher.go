// Package batch accumulates outbound messages per target and flushes them
// when a batch fills up, when its serialized size would cross the payload
// cap, or when the oldest message has waited long enough.
package batch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/metrics"
)

// FlushFunc delivers one ready batch. A non-nil error re-queues the batch's
// messages at the head of the target's queue.
type FlushFunc func(target string, batch []json.RawMessage) error

// Options configures a Batcher.
type Options struct {
	MaxBatchSize    int
	MaxDelay        time.Duration
	MaxPayloadBytes int
}

// Batcher groups messages per opaque target key.
type Batcher struct {
	mu      sync.Mutex
	targets map[string]*targetQueue
	opts    Options
	onReady FlushFunc
	closed  bool
}

type targetQueue struct {
	messages []json.RawMessage
	bytes    int
	timer    *time.Timer
	flushing bool
	pending  []json.RawMessage // adds that arrived during a flush
}

// New creates a Batcher. onReady must be non-nil.
func New(opts Options, onReady FlushFunc) *Batcher {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 50
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 100 * time.Millisecond
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 1 << 20
	}
	return &Batcher{
		targets: make(map[string]*targetQueue),
		opts:    opts,
		onReady: onReady,
	}
}

// Add queues a message for a target. If the batch is full or the message
// would push the serialized size over the cap, the batch flushes
// immediately; otherwise the delay timer covers it.
func (b *Batcher) Add(target string, msg json.RawMessage) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	q, ok := b.targets[target]
	if !ok {
		q = &targetQueue{}
		b.targets[target] = q
	}

	if q.flushing {
		// The in-flight flush owns the current batch; accumulate for the next.
		q.pending = append(q.pending, msg)
		b.mu.Unlock()
		return
	}

	// Flush first when this message would cross the payload cap.
	if len(q.messages) > 0 && q.bytes+len(msg) >= b.opts.MaxPayloadBytes {
		b.flushLocked(target, q, "bytes")
		b.mu.Unlock()

		b.Add(target, msg)
		return
	}

	q.messages = append(q.messages, msg)
	q.bytes += len(msg)

	if len(q.messages) >= b.opts.MaxBatchSize {
		b.flushLocked(target, q, "size")
		b.mu.Unlock()
		return
	}

	if len(q.messages) == 1 {
		q.timer = time.AfterFunc(b.opts.MaxDelay, func() {
			b.flushTarget(target, "delay")
		})
	}
	b.mu.Unlock()
}

// flushTarget flushes one target if it holds messages.
func (b *Batcher) flushTarget(target, trigger string) {
	b.mu.Lock()
	q, ok := b.targets[target]
	if !ok || q.flushing || len(q.messages) == 0 {
		b.mu.Unlock()
		return
	}
	b.flushLocked(target, q, trigger)
	b.mu.Unlock()
}

// flushLocked hands the current batch to the flush goroutine. Caller holds
// the lock; the delivery itself runs outside it.
func (b *Batcher) flushLocked(target string, q *targetQueue, trigger string) {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}

	batch := q.messages
	q.messages = nil
	q.bytes = 0
	q.flushing = true

	metrics.BatchFlushes.WithLabelValues(trigger).Inc()

	go b.deliver(target, q, batch)
}

// deliver runs the flush callback and settles the queue afterwards: failed
// batches re-queue at the head, pending adds become the next batch.
func (b *Batcher) deliver(target string, q *targetQueue, batch []json.RawMessage) {
	err := b.onReady(target, batch)

	b.mu.Lock()
	q.flushing = false

	if err != nil {
		logging.Warn(context.Background(), "Batch flush failed, re-queuing",
			zap.String("target", target),
			zap.Int("size", len(batch)),
			zap.Error(err))
		q.messages = append(batch, q.pending...)
	} else {
		q.messages = q.pending
	}
	q.pending = nil

	for _, m := range q.messages {
		q.bytes += len(m)
	}

	switch {
	case len(q.messages) >= b.opts.MaxBatchSize && !b.closed && err == nil:
		b.flushLocked(target, q, "size")
	case len(q.messages) > 0 && !b.closed:
		// Re-queued failures wait out MaxDelay before the next attempt even
		// when the batch is size-full, so a failing sink is not hammered in
		// a tight loop.
		q.timer = time.AfterFunc(b.opts.MaxDelay, func() {
			b.flushTarget(target, "delay")
		})
	case len(q.messages) == 0:
		delete(b.targets, target)
	}
	b.mu.Unlock()
}

// FlushAll drains every known target immediately.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	targets := make([]string, 0, len(b.targets))
	for t := range b.targets {
		targets = append(targets, t)
	}
	b.mu.Unlock()

	for _, t := range targets {
		b.flushTarget(t, "manual")
	}
}

// Close stops accepting messages and drains what is queued.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	for _, q := range b.targets {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
	}
	b.mu.Unlock()

	b.mu.Lock()
	targets := make([]string, 0, len(b.targets))
	for t := range b.targets {
		targets = append(targets, t)
	}
	b.mu.Unlock()

	for _, t := range targets {
		b.mu.Lock()
		q, ok := b.targets[t]
		if ok && !q.flushing && len(q.messages) > 0 {
			b.flushLocked(t, q, "manual")
		}
		b.mu.Unlock()
	}
}

// Pending returns the number of queued messages for a target. Used by tests
// and the drain path.
func (b *Batcher) Pending(target string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.targets[target]
	if !ok {
		return 0
	}
	return len(q.messages) + len(q.pending)
}
