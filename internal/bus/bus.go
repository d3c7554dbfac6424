// Package bus implements intra-process topic pub/sub with wildcard
// subscriptions and an optional hook that forwards every event to an
// external broadcaster (the WebSocket layer).
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

// Handler processes one published event.
type Handler func(ctx context.Context, topic string, payload any) error

// Broadcaster receives every published event, typically to fan it out over
// WebSocket.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// Supervisor runs fire-and-forget handlers and absorbs their failures.
// The faults aggregator satisfies this.
type Supervisor interface {
	Go(ctx context.Context, name string, critical bool, fn func(ctx context.Context) error)
}

// TopicStats tracks per-topic publish activity.
type TopicStats struct {
	Published int64
	LastSeen  time.Time
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the process-wide event bus.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	seq    uint64

	stats *xsync.Map[string, TopicStats]

	bcMu        sync.RWMutex
	broadcaster Broadcaster

	supervisor Supervisor
}

// New creates a Bus. The supervisor handles failures of fire-and-forget
// handlers; it must not be nil.
func New(supervisor Supervisor) *Bus {
	return &Bus{
		topics:     map[string][]subscription{},
		stats:      xsync.NewMap[string, TopicStats](),
		supervisor: supervisor,
	}
}

// Subscribe attaches a handler to a topic (or all topics with Wildcard)
// and returns a token for Unsubscribe.
func (b *Bus) Subscribe(topic string, h Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.topics[topic] = append(b.topics[topic], subscription{id: b.seq, handler: h})
	return b.seq
}

// Unsubscribe detaches a previously subscribed handler.
func (b *Bus) Unsubscribe(topic string, token uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == token {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// SetBroadcaster installs (or clears, with nil) the external broadcaster.
func (b *Bus) SetBroadcaster(bc Broadcaster) {
	b.bcMu.Lock()
	b.broadcaster = bc
	b.bcMu.Unlock()
}

// Publish delivers payload to every handler of topic plus the wildcard
// handlers, and to the broadcaster when one is set. With wait=false the
// handlers run fire-and-forget under the supervisor; with wait=true
// handler errors are joined and returned to the caller. Within one call
// every matching handler is invoked exactly once.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, wait bool) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.topics[topic])+len(b.topics[Wildcard]))
	for _, s := range b.topics[topic] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.topics[Wildcard] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	b.stats.Compute(topic, func(old TopicStats, _ bool) (TopicStats, xsync.ComputeOp) {
		old.Published++
		old.LastSeen = time.Now().UTC()
		return old, xsync.UpdateOp
	})

	b.bcMu.RLock()
	bc := b.broadcaster
	b.bcMu.RUnlock()
	if bc != nil {
		bc.Broadcast(topic, payload)
	}

	if !wait {
		for _, h := range handlers {
			handler := h
			b.supervisor.Go(ctx, "bus:"+topic, false, func(ctx context.Context) error {
				return handler(ctx, topic, payload)
			})
		}
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, topic, payload); err != nil {
			errs = append(errs, fmt.Errorf("handler on %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a copy of the per-topic publish counters.
func (b *Bus) Stats() map[string]TopicStats {
	out := map[string]TopicStats{}
	b.stats.Range(func(topic string, st TopicStats) bool {
		out[topic] = st
		return true
	})
	return out
}
