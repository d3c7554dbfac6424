package maintenance

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tgrelay/internal/storage"
)

type fakeQueue struct {
	rescued int
	status  storage.QueueStatus
}

func (q *fakeQueue) RescueStuck(_ context.Context, _ time.Duration) (int, error) {
	q.rescued++
	return 2, nil
}

func (q *fakeQueue) QueueStatus(context.Context) (*storage.QueueStatus, error) {
	st := q.status
	return &st, nil
}

type fakeSigs struct {
	cutoffs []time.Time
}

func (f *fakeSigs) PurgeSignatures(_ context.Context, olderThan time.Time) (int, error) {
	f.cutoffs = append(f.cutoffs, olderThan)
	return 1, nil
}

type fakeBus struct {
	beats []Heartbeat
}

func (b *fakeBus) Publish(_ context.Context, topic string, payload any, _ bool) error {
	if topic == TopicHeartbeat {
		b.beats = append(b.beats, payload.(Heartbeat))
	}
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *fakeQueue, *fakeSigs, *fakeBus) {
	t.Helper()
	queue := &fakeQueue{status: storage.QueueStatus{Pending: 4, Running: 1}}
	sigs := &fakeSigs{}
	bus := &fakeBus{}
	tomb := NewTombstone(1 << 30)
	svc, err := New(queue, sigs, bus, nil, tomb, Options{InstanceID: "test"}, discard())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, queue, sigs, bus
}

func TestTombstoneTransitions(t *testing.T) {
	var rss uint64
	tomb := NewTombstone(1000)
	tomb.readRSS = func() (uint64, error) { return rss, nil }

	steps := []struct {
		rss        uint64
		transition int
		paused     bool
	}{
		{500, 0, false},
		{1100, 1, true},  // over cap: trip
		{900, 0, true},   // below cap but above 70%: stay tripped
		{1200, 0, true},  // over again: no re-trip
		{600, -1, false}, // below 70%: clear
		{650, 0, false},  // stays clear
	}
	for i, st := range steps {
		rss = st.rss
		got, err := tomb.Check()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != st.transition || tomb.Paused() != st.paused {
			t.Errorf("step %d (rss=%d): transition=%d paused=%v, want %d %v",
				i, st.rss, got, tomb.Paused(), st.transition, st.paused)
		}
	}
}

func TestTombstoneDisabledWithoutCap(t *testing.T) {
	tomb := NewTombstone(0)
	tomb.readRSS = func() (uint64, error) { t.Fatal("rss read with cap disabled"); return 0, nil }
	if n, err := tomb.Check(); n != 0 || err != nil {
		t.Errorf("check = %d, %v", n, err)
	}
}

func TestSweepUnlinksOldestFirst(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, size int, age time.Duration) {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		mtime := time.Now().Add(-age)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
	write("old.bin", 400, 3*time.Hour)
	write("mid.bin", 400, 2*time.Hour)
	write("new.bin", 400, time.Hour)

	s := NewTempSweeper(dir, 900, discard())
	freed, err := s.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if freed != 400 {
		t.Errorf("freed = %d, want 400", freed)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.bin")); !os.IsNotExist(err) {
		t.Error("oldest file survived")
	}
	for _, name := range []string{"mid.bin", "new.bin"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s removed prematurely: %v", name, err)
		}
	}
}

func TestSweepUnderCapIsNoop(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewTempSweeper(dir, 1000, discard())
	freed, err := s.Sweep()
	if err != nil || freed != 0 {
		t.Errorf("sweep = %d, %v", freed, err)
	}
}

func TestHeartbeatPublishesQueueStatus(t *testing.T) {
	svc, _, _, bus := newTestService(t)
	svc.heartbeat()

	if len(bus.beats) != 1 {
		t.Fatalf("beats = %d", len(bus.beats))
	}
	hb := bus.beats[0]
	if hb.InstanceID != "test" || hb.Queue.Pending != 4 || hb.Paused {
		t.Errorf("heartbeat = %+v", hb)
	}
}

func TestRescueRuns(t *testing.T) {
	svc, queue, _, _ := newTestService(t)
	svc.rescueStuck()
	if queue.rescued != 1 {
		t.Errorf("rescue calls = %d", queue.rescued)
	}
}

func TestPurgeSkippedWhileTombstoned(t *testing.T) {
	svc, _, sigs, _ := newTestService(t)
	svc.tombstone.paused.Store(true)
	svc.purgeSignatures()
	if len(sigs.cutoffs) != 0 {
		t.Fatal("purge ran while paused")
	}

	svc.tombstone.paused.Store(false)
	svc.purgeSignatures()
	if len(sigs.cutoffs) != 1 {
		t.Fatalf("purge calls = %d", len(sigs.cutoffs))
	}
	if age := time.Since(sigs.cutoffs[0]); age < 71*time.Hour || age > 73*time.Hour {
		t.Errorf("cutoff age = %v, want ~72h", age)
	}
}
