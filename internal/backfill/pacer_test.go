package backfill

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"tgrelay/internal/storage"
)

type fakeStatus struct {
	pending int
	calls   int
}

func (f *fakeStatus) QueueStatus(context.Context) (*storage.QueueStatus, error) {
	f.calls++
	return &storage.QueueStatus{Pending: f.pending}, nil
}

func TestWaitForLadder(t *testing.T) {
	tests := []struct {
		util float64
		want time.Duration
	}{
		{1.20, 5 * time.Second},
		{1.00, 5 * time.Second},
		{0.97, 3 * time.Second},
		{0.95, 3 * time.Second},
		{0.85, 2 * time.Second},
		{0.80, 2 * time.Second},
		{0.60, 500 * time.Millisecond},
		{0.50, 500 * time.Millisecond},
		{0.10, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := waitFor(tt.util); got != tt.want {
			t.Errorf("waitFor(%v) = %v, want %v", tt.util, got, tt.want)
		}
	}
}

func TestProducedSamplesEveryN(t *testing.T) {
	status := &fakeStatus{pending: 950}
	p := NewPacer(status, 1000, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var waits []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	ctx := context.Background()
	for range 250 {
		if err := p.Produced(ctx); err != nil {
			t.Fatalf("produced: %v", err)
		}
	}
	if status.calls != 2 {
		t.Errorf("status sampled %d times, want 2", status.calls)
	}
	for _, w := range waits {
		if w != 3*time.Second {
			t.Errorf("wait = %v, want 3s at 0.95 utilization", w)
		}
	}
}

func TestSleepCtxInterruptible(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := sleepCtx(ctx, 10*time.Second)
	if err != context.Canceled {
		t.Fatalf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sleep held for %v after cancel", elapsed)
	}
}
