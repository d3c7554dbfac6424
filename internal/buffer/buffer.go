// Package buffer collapses bursts of messages headed for the same
// target into fewer, batched deliveries.
package buffer

import (
	"context"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const sweepInterval = 100 * time.Millisecond

// Defaults used when a call passes a zero Config field.
const (
	DefaultDebounce = 3500 * time.Millisecond
	DefaultMaxWait  = 8 * time.Second
	DefaultMaxBatch = 10
)

// Key identifies one coalescing bucket.
type Key struct {
	RuleID       int64
	TargetChatID int64
}

// Config is the per-call buffering knob set. A disabled config bypasses
// buffering entirely.
type Config struct {
	Enabled  bool
	Debounce time.Duration
	MaxWait  time.Duration
	MaxBatch int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	return c
}

// FlushFunc receives the coalesced items of one bucket. It is always
// called outside the bucket lock.
type FlushFunc[T any] func(key Key, items []T)

type bucket[T any] struct {
	items     []T
	firstSeen time.Time
	lastSeen  time.Time
	cfg       Config
}

func (b *bucket[T]) due(now time.Time) bool {
	return now.Sub(b.lastSeen) >= b.cfg.Debounce || now.Sub(b.firstSeen) >= b.cfg.MaxWait
}

// Buffer groups items by Key and flushes each bucket once the burst
// quiets down, grows too old, or fills up.
type Buffer[T any] struct {
	buckets *xsync.Map[Key, *bucket[T]]
	flush   FlushFunc[T]
	log     *slog.Logger

	clock func() time.Time
}

func New[T any](flush FlushFunc[T], log *slog.Logger) *Buffer[T] {
	return &Buffer[T]{
		buckets: xsync.NewMap[Key, *bucket[T]](),
		flush:   flush,
		log:     log,
		clock:   time.Now,
	}
}

// Add appends the item to the bucket for key, creating the bucket with
// the call's config snapshot if needed. When cfg is disabled the item is
// delivered synchronously as a batch of one.
func (b *Buffer[T]) Add(key Key, item T, cfg Config) {
	if !cfg.Enabled {
		b.flush(key, []T{item})
		return
	}
	cfg = cfg.withDefaults()

	var full []T
	b.buckets.Compute(key, func(bk *bucket[T], loaded bool) (*bucket[T], xsync.ComputeOp) {
		now := b.clock()
		if !loaded {
			bk = &bucket[T]{firstSeen: now, cfg: cfg}
		} else {
			bk = &bucket[T]{items: bk.items, firstSeen: bk.firstSeen, cfg: bk.cfg}
		}
		bk.items = append(bk.items, item)
		bk.lastSeen = now
		if len(bk.items) >= bk.cfg.MaxBatch {
			full = bk.items
			return nil, xsync.DeleteOp
		}
		return bk, xsync.UpdateOp
	})
	if full != nil {
		b.log.Debug("buffer flush", "reason", "max_batch", "rule_id", key.RuleID, "target", key.TargetChatID, "count", len(full))
		b.flush(key, full)
	}
}

// Run sweeps due buckets every 100ms until the context is cancelled,
// then drains whatever remains.
func (b *Buffer[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.FlushAll()
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Buffer[T]) sweep() {
	now := b.clock()
	ready := b.detach(func(bk *bucket[T]) bool { return bk.due(now) })
	for key, items := range ready {
		b.log.Debug("buffer flush", "reason", "timer", "rule_id", key.RuleID, "target", key.TargetChatID, "count", len(items))
		b.flush(key, items)
	}
}

// FlushAll drains every bucket immediately, regardless of age.
func (b *Buffer[T]) FlushAll() {
	for key, items := range b.detach(func(*bucket[T]) bool { return true }) {
		b.flush(key, items)
	}
}

// detach removes matching buckets and returns their contents. Removal
// runs under the per-key map lock so a concurrent Add either lands in
// the detached batch or starts a fresh bucket, never both.
func (b *Buffer[T]) detach(match func(*bucket[T]) bool) map[Key][]T {
	out := make(map[Key][]T)
	b.buckets.Range(func(key Key, _ *bucket[T]) bool {
		b.buckets.Compute(key, func(bk *bucket[T], loaded bool) (*bucket[T], xsync.ComputeOp) {
			if !loaded || !match(bk) {
				return bk, xsync.CancelOp
			}
			out[key] = bk.items
			return nil, xsync.DeleteOp
		})
		return true
	})
	return out
}

// Len reports the number of items currently buffered.
func (b *Buffer[T]) Len() int {
	n := 0
	b.buckets.Range(func(_ Key, bk *bucket[T]) bool {
		n += len(bk.items)
		return true
	})
	return n
}
