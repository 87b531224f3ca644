package events

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity is the default number of buffered events held per
// subscriber before backpressure begins dropping low-severity events.
const DefaultCapacity = 256

// Filter reports whether a subscriber wants to receive event e. A nil
// Filter accepts every event.
type Filter func(e Event) bool

// Subscription is an active registration on a Channel. Closing it stops
// delivery and releases the subscriber's goroutine and buffer.
type Subscription struct {
	ch     chan Event
	cancel func()
	flush  func()
}

// Events returns the lazy, restartable stream of events scoped to this
// subscription's lifetime. The channel is closed when the Subscription is
// closed, or when the parent Channel is closed and the events already
// buffered for this subscription have been delivered.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription. Idempotent.
func (s *Subscription) Close() { s.cancel() }

// Channel is the process-wide, bounded, non-blocking event bus described
// by the runtime: Send is a best-effort enqueue, never blocking the
// producer; Subscribe returns a stream scoped to the subscriber's own
// bounded buffer so one slow subscriber cannot stall another.
//
// Under backpressure — a subscriber's buffer is full — the channel drops
// the lowest-severity queued event to make room for the incoming one.
// step.progress events and llm.response streaming chunks are dropped
// first; lifecycle events (pipeline.started, pipeline.completed,
// step.started, step.completed) are never dropped.
type Channel struct {
	mu       sync.RWMutex
	subs     map[*Subscription]subEntry
	capacity int
	closed   bool
}

type subEntry struct {
	filter Filter
	buf    *ringBuffer
}

// NewChannel constructs an empty Channel. capacity <= 0 uses
// DefaultCapacity.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{
		subs:     make(map[*Subscription]subEntry),
		capacity: capacity,
	}
}

// Subscribe registers a new subscriber and returns its Subscription. filter
// may be nil to receive every event.
func (c *Channel) Subscribe(filter Filter) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := newRingBuffer(c.capacity)
	sub := &Subscription{ch: make(chan Event, 1)}
	entry := subEntry{filter: filter, buf: buf}
	c.subs[sub] = entry

	ctx, cancel := context.WithCancel(context.Background())
	stop, flush := context.WithCancel(ctx)
	sub.flush = flush
	sub.cancel = sync.OnceFunc(func() {
		cancel()
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
	})

	go c.drain(ctx, stop, sub, buf)
	return sub
}

// drain is the per-subscriber goroutine that moves events out of the
// subscriber's ring buffer and onto its delivery channel, blocking only on
// the subscriber's own consumption rate. Only drain closes sub.ch, when it
// returns: at once after ctx is cancelled (Subscription.Close), or once the
// buffer is empty after stop is cancelled (Channel.Close).
func (c *Channel) drain(ctx, stop context.Context, sub *Subscription, buf *ringBuffer) {
	defer close(sub.ch)
	for ctx.Err() == nil {
		e, ok := buf.waitPop(stop)
		if !ok {
			return
		}
		select {
		case sub.ch <- e:
		case <-ctx.Done():
			return
		}
	}
}

// Send enqueues e to every subscriber whose filter accepts it. Send never
// blocks on a slow subscriber: each subscriber has its own bounded ring
// buffer, and a full buffer evicts its lowest-severity non-lifecycle entry
// ranked no higher than e before accepting e. When it holds no such entry,
// e is dropped, unless e is a lifecycle event, which is admitted past the
// buffer's capacity.
//
// Send stamps Timestamp if the caller left it zero.
func (c *Channel) Send(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	for _, entry := range c.subs {
		if entry.filter != nil && !entry.filter(e) {
			continue
		}
		entry.buf.push(e)
	}
}

// Close shuts down the channel: Send becomes a no-op, and every
// subscription's stream is closed once the events already buffered for it
// have been delivered.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.flush()
	}
}
