package faults

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIdenticalFailuresMergeWithinWindow(t *testing.T) {
	a := New(10*time.Minute, discard())

	err := errors.New("connection reset by peer")
	if !a.Handle(err, nil, "worker-1") {
		t.Fatal("first failure should be reported")
	}
	for i := 0; i < 5; i++ {
		if a.Handle(err, nil, "worker-1") {
			t.Fatalf("failure %d should merge, not report", i+2)
		}
	}

	stats := a.Stats()
	if stats.Reported != 1 {
		t.Errorf("reported = %d, want 1", stats.Reported)
	}
	if stats.Merged != 5 {
		t.Errorf("merged = %d, want 5", stats.Merged)
	}
}

func TestDifferentFailuresReportSeparately(t *testing.T) {
	a := New(10*time.Minute, discard())

	if !a.Handle(errors.New("disk full"), nil, "t1") {
		t.Error("first error not reported")
	}
	if !a.Handle(errors.New("flood wait"), nil, "t2") {
		t.Error("distinct error not reported")
	}
}

func TestWindowExpiryReportsAgain(t *testing.T) {
	a := New(time.Minute, discard())
	base := time.Now()
	a.clock = func() time.Time { return base }

	err := errors.New("timeout")
	if !a.Handle(err, nil, "t") {
		t.Fatal("first failure should be reported")
	}
	base = base.Add(30 * time.Second)
	if a.Handle(err, nil, "t") {
		t.Fatal("failure inside window should merge")
	}
	base = base.Add(45 * time.Second) // past the window start + 1m
	if !a.Handle(err, nil, "t") {
		t.Fatal("failure after window expiry should report again")
	}
}

func TestZeroWindowSelectsTenMinuteDefault(t *testing.T) {
	a := New(0, discard())
	base := time.Now()
	a.clock = func() time.Time { return base }

	err := errors.New("timeout")
	if !a.Handle(err, nil, "t") {
		t.Fatal("first failure should be reported")
	}
	base = base.Add(9 * time.Minute)
	if a.Handle(err, nil, "t") {
		t.Fatal("failure nine minutes in should merge")
	}
	base = base.Add(2 * time.Minute)
	if !a.Handle(err, nil, "t") {
		t.Fatal("failure past the ten-minute window should report again")
	}
}

func TestCallbacksFireOnNewEventsOnly(t *testing.T) {
	a := New(10*time.Minute, discard())

	var mu sync.Mutex
	var events []Event
	id := a.AddCallback(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	err := errors.New("boom")
	a.Handle(err, map[string]any{"rule_id": 3}, "t")
	a.Handle(err, nil, "t")

	mu.Lock()
	n := len(events)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("callback fired %d times, want 1", n)
	}

	a.RemoveCallback(id)
	a.Handle(errors.New("other"), nil, "t")
	mu.Lock()
	n = len(events)
	mu.Unlock()
	if n != 1 {
		t.Error("removed callback still fired")
	}
}

func TestGoRecoversPanics(t *testing.T) {
	a := New(10*time.Minute, discard())

	done := make(chan struct{})
	cb := a.AddCallback(func(Event) { close(done) })
	defer a.RemoveCallback(cb)

	a.Go(context.Background(), "exploding", false, func(context.Context) error {
		panic("handler bug")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestGoIgnoresCancellation(t *testing.T) {
	a := New(10*time.Minute, discard())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	a.Go(ctx, "loop", false, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	cancel()

	time.Sleep(50 * time.Millisecond)
	if got := a.Stats().Reported; got != 0 {
		t.Errorf("cancellation reported as failure: %d events", got)
	}
}

func TestCancelAllStopsManagedTasks(t *testing.T) {
	a := New(10*time.Minute, discard())

	for i := 0; i < 3; i++ {
		a.Go(context.Background(), "loop", false, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}
	// Wait for registration.
	deadline := time.Now().Add(time.Second)
	for len(a.Active()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	a.CancelAll(2 * time.Second)

	deadline = time.Now().Add(time.Second)
	for len(a.Active()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(a.Active()); n != 0 {
		t.Fatalf("%d tasks still active after CancelAll", n)
	}
}

func TestCriticalHook(t *testing.T) {
	a := New(10*time.Minute, discard())

	hit := make(chan string, 1)
	a.SetCritical(func(name string, err error) { hit <- name })

	a.Go(context.Background(), "dispatcher", true, func(context.Context) error {
		return errors.New("fatal wiring error")
	})

	select {
	case name := <-hit:
		if name != "dispatcher" {
			t.Errorf("critical hook got %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("critical hook not invoked")
	}
}
