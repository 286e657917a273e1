// Package bus fans annotated results out from the annotate stage to
// its consumers: the sink always, plus optional observers such as the
// detection-event emitter.
//
// Design: each subscriber owns a bounded channel created at Subscribe
// time. Publish never blocks; a full subscriber loses the incoming
// result and its drop counter advances. One slow consumer therefore
// degrades only itself, and per-subscriber delivery order follows
// publish order, which preserves the sequence ordering the sink relies
// on.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

var (
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("bus: closed")

	// ErrSubscriberExists is returned when a subscriber id is taken.
	ErrSubscriberExists = errors.New("bus: subscriber already exists")

	// ErrSubscriberNotFound is returned for unknown subscriber ids.
	ErrSubscriberNotFound = errors.New("bus: subscriber not found")
)

// SubscriberStats counts deliveries for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a point-in-time snapshot of the bus counters.
type Stats struct {
	Published   uint64
	Subscribers map[string]SubscriberStats
}

type subscriber struct {
	id      string
	ch      chan types.Result
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus is a bounded, non-blocking fan-out of annotated results.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	published atomic.Uint64
	closed    bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a consumer and returns its delivery channel. The
// channel is never closed by the bus; consumers stop via their own
// context.
func (b *Bus) Subscribe(id string, capacity int) (<-chan types.Result, error) {
	if capacity <= 0 {
		capacity = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, exists := b.subs[id]; exists {
		return nil, ErrSubscriberExists
	}

	sub := &subscriber{id: id, ch: make(chan types.Result, capacity)}
	b.subs[id] = sub
	return sub.ch, nil
}

// Unsubscribe removes a consumer. Its channel is left open for the
// consumer to drain.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subs, id)
	return nil
}

// Publish delivers the result to every subscriber without blocking.
// Full subscribers lose the incoming result.
func (b *Bus) Publish(res types.Result) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.published.Add(1)
	for _, sub := range b.subs {
		select {
		case sub.ch <- res:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberStats returns the counters for one subscriber.
func (b *Bus) SubscriberStats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subs[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}, nil
}

// Stats returns a snapshot of all counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		Published:   b.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subs)),
	}
	for id, sub := range b.subs {
		out.Subscribers[id] = SubscriberStats{
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		}
	}
	return out
}

// Close stops delivery. Idempotent; subscriber channels stay open so
// late consumers never read from a closed channel they do not own.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
