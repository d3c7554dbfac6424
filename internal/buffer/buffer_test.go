package buffer

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	mu      sync.Mutex
	flushes []flushCall
}

type flushCall struct {
	Key   Key
	Items []string
}

func (r *recorder) flush(key Key, items []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, flushCall{Key: key, Items: items})
}

func (r *recorder) calls() []flushCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flushCall(nil), r.flushes...)
}

func newTestBuffer(t *testing.T) (*Buffer[string], *recorder, func(time.Duration)) {
	t.Helper()
	rec := &recorder{}
	b := New(rec.flush, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var mu sync.Mutex
	now := time.Now()
	b.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	return b, rec, advance
}

func TestDisabledDeliversSynchronously(t *testing.T) {
	b, rec, _ := newTestBuffer(t)

	b.Add(Key{RuleID: 1, TargetChatID: 100}, "only", Config{Enabled: false})

	want := []flushCall{{Key: Key{RuleID: 1, TargetChatID: 100}, Items: []string{"only"}}}
	if diff := cmp.Diff(want, rec.calls()); diff != "" {
		t.Errorf("flushes mismatch (-want +got):\n%s", diff)
	}
	if got := b.Len(); got != 0 {
		t.Errorf("Len = %d, want 0", got)
	}
}

func TestMaxBatchFlushesImmediately(t *testing.T) {
	b, rec, _ := newTestBuffer(t)
	cfg := Config{Enabled: true, MaxBatch: 3}

	key := Key{RuleID: 1, TargetChatID: 100}
	for _, s := range []string{"a", "b", "c"} {
		b.Add(key, s, cfg)
	}

	want := []flushCall{{Key: key, Items: []string{"a", "b", "c"}}}
	if diff := cmp.Diff(want, rec.calls()); diff != "" {
		t.Errorf("flushes mismatch (-want +got):\n%s", diff)
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	b, rec, advance := newTestBuffer(t)
	cfg := Config{Enabled: true, Debounce: 3500 * time.Millisecond, MaxWait: 8 * time.Second, MaxBatch: 10}
	key := Key{RuleID: 2, TargetChatID: 200}

	// Seven messages 200ms apart, then silence.
	for i := 0; i < 7; i++ {
		b.Add(key, "m", cfg)
		advance(200 * time.Millisecond)
		b.sweep()
	}
	if len(rec.calls()) != 0 {
		t.Fatalf("flushed during burst: %v", rec.calls())
	}

	advance(3400 * time.Millisecond)
	b.sweep()

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("flushes = %d, want 1", len(calls))
	}
	if len(calls[0].Items) != 7 {
		t.Errorf("batch size = %d, want 7", len(calls[0].Items))
	}
}

func TestMaxWaitCapsSteadyTrickle(t *testing.T) {
	b, rec, advance := newTestBuffer(t)
	cfg := Config{Enabled: true, Debounce: 2 * time.Second, MaxWait: 5 * time.Second, MaxBatch: 100}
	key := Key{RuleID: 3, TargetChatID: 300}

	// One message per second keeps resetting the debounce window; the
	// max wait must still cut the batch off.
	for i := 0; i < 6; i++ {
		b.Add(key, "m", cfg)
		advance(1 * time.Second)
		b.sweep()
	}

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("flushes = %d, want 1", len(calls))
	}
	if len(calls[0].Items) != 5 {
		t.Errorf("first batch size = %d, want 5", len(calls[0].Items))
	}
	if got := b.Len(); got != 1 {
		t.Errorf("leftover items = %d, want 1", got)
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	b, rec, advance := newTestBuffer(t)
	cfg := Config{Enabled: true, Debounce: time.Second, MaxWait: 10 * time.Second, MaxBatch: 10}

	b.Add(Key{RuleID: 1, TargetChatID: 100}, "x", cfg)
	advance(600 * time.Millisecond)
	b.Add(Key{RuleID: 1, TargetChatID: 200}, "y", cfg)
	advance(600 * time.Millisecond)
	b.sweep()

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("flushes = %d, want only the idle bucket", len(calls))
	}
	if calls[0].Key.TargetChatID != 100 {
		t.Errorf("flushed target = %d, want 100", calls[0].Key.TargetChatID)
	}
}

func TestFlushAllDrainsEverything(t *testing.T) {
	b, rec, _ := newTestBuffer(t)
	cfg := Config{Enabled: true}

	b.Add(Key{RuleID: 1, TargetChatID: 100}, "a", cfg)
	b.Add(Key{RuleID: 2, TargetChatID: 200}, "b", cfg)
	b.FlushAll()

	if len(rec.calls()) != 2 {
		t.Errorf("flushes = %d, want 2", len(rec.calls()))
	}
	if got := b.Len(); got != 0 {
		t.Errorf("Len = %d, want 0", got)
	}
}
