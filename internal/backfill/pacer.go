// Package backfill replays a chat's history through the forwarding
// pipeline, pacing itself against live queue depth so a large import
// never starves real-time traffic.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tgrelay/internal/storage"
)

// StatusSource reports queue depth. The task queue satisfies this.
type StatusSource interface {
	QueueStatus(ctx context.Context) (*storage.QueueStatus, error)
}

// sleepSlice bounds each uninterrupted sleep so cancellation is observed
// promptly even during the longest wait.
const sleepSlice = 500 * time.Millisecond

// Pacer throttles a producer based on queue utilization. Every
// sampleEvery produced items it samples the queue and sleeps per the
// utilization ladder.
type Pacer struct {
	status      StatusSource
	maxPending  int
	sampleEvery int
	log         *slog.Logger

	produced int
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPacer creates a Pacer. maxPending <= 0 defaults to 1000,
// sampleEvery <= 0 to 100.
func NewPacer(status StatusSource, maxPending, sampleEvery int, log *slog.Logger) *Pacer {
	if maxPending <= 0 {
		maxPending = 1000
	}
	if sampleEvery <= 0 {
		sampleEvery = 100
	}
	return &Pacer{
		status:      status,
		maxPending:  maxPending,
		sampleEvery: sampleEvery,
		log:         log,
		sleep:       sleepCtx,
	}
}

// Produced records one produced item and, at each sampling boundary,
// blocks for the wait the current utilization calls for. Returns early
// with the context error on cancellation.
func (p *Pacer) Produced(ctx context.Context) error {
	p.produced++
	if p.produced%p.sampleEvery != 0 {
		return ctx.Err()
	}

	st, err := p.status.QueueStatus(ctx)
	if err != nil {
		return fmt.Errorf("sample queue status: %w", err)
	}
	util := float64(st.Pending) / float64(p.maxPending)
	wait := waitFor(util)
	if wait >= 2*time.Second {
		p.log.Info("backfill throttled", "utilization", util, "wait", wait,
			"pending", st.Pending)
	}
	return p.sleep(ctx, wait)
}

// waitFor maps queue utilization to a producer pause.
func waitFor(util float64) time.Duration {
	switch {
	case util >= 1.0:
		return 5 * time.Second
	case util >= 0.95:
		return 3 * time.Second
	case util >= 0.80:
		return 2 * time.Second
	case util >= 0.50:
		return 500 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// sleepCtx sleeps for d in slices, returning the context error if
// cancelled mid-wait.
func sleepCtx(ctx context.Context, d time.Duration) error {
	for d > 0 {
		slice := min(d, sleepSlice)
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		d -= slice
	}
	return ctx.Err()
}
