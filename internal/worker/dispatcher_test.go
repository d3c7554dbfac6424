package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"tgrelay/internal/model"
	"tgrelay/internal/storage"
)

type retryCall struct {
	ID      int64
	RetryIn time.Duration
}

type fakeQueue struct {
	mu        sync.Mutex
	tasks     []model.Task
	completed []int64
	failed    []int64
	retries   []retryCall
}

func (q *fakeQueue) FetchNext(_ context.Context, limit int, _ time.Duration) ([]model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.tasks) {
		limit = len(q.tasks)
	}
	out := q.tasks[:limit]
	q.tasks = q.tasks[limit:]
	return out, nil
}

func (q *fakeQueue) Complete(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, id int64, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, id)
	return nil
}

func (q *fakeQueue) FailOrRetry(_ context.Context, id int64, _ string, _ int, retryIn time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries = append(q.retries, retryCall{ID: id, RetryIn: retryIn})
	return true, nil
}

func (q *fakeQueue) QueueStatus(context.Context) (*storage.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &storage.QueueStatus{Pending: len(q.tasks)}, nil
}

func (q *fakeQueue) snapshot() ([]int64, []int64, []retryCall) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.completed...),
		append([]int64(nil), q.failed...),
		append([]retryCall(nil), q.retries...)
}

func newTestDispatcher(q Queue) *Dispatcher {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(q, log, Options{})
}

func TestDispatchCompletesOnSuccess(t *testing.T) {
	q := &fakeQueue{}
	d := newTestDispatcher(q)
	d.Register("t", func(context.Context, *model.Task) error { return nil })

	d.dispatch(context.Background(), &model.Task{ID: 1, Type: "t"})

	completed, failed, retries := q.snapshot()
	if len(completed) != 1 || completed[0] != 1 {
		t.Errorf("completed = %v", completed)
	}
	if len(failed) != 0 || len(retries) != 0 {
		t.Errorf("failed = %v, retries = %v", failed, retries)
	}
}

func TestDispatchPermanentFailure(t *testing.T) {
	q := &fakeQueue{}
	d := newTestDispatcher(q)
	d.Register("t", func(context.Context, *model.Task) error {
		return tgerr.New(403, "CHAT_WRITE_FORBIDDEN")
	})

	d.dispatch(context.Background(), &model.Task{ID: 2, Type: "t"})

	_, failed, retries := q.snapshot()
	if len(failed) != 1 || failed[0] != 2 {
		t.Errorf("failed = %v", failed)
	}
	if len(retries) != 0 {
		t.Errorf("retries = %v", retries)
	}
}

func TestDispatchFloodWaitDelay(t *testing.T) {
	q := &fakeQueue{}
	d := newTestDispatcher(q)
	d.Register("t", func(context.Context, *model.Task) error {
		return tgerr.New(420, "FLOOD_WAIT_30")
	})

	d.dispatch(context.Background(), &model.Task{ID: 3, Type: "t"})

	_, failed, retries := q.snapshot()
	if len(failed) != 0 {
		t.Errorf("failed = %v", failed)
	}
	if len(retries) != 1 || retries[0].RetryIn != 30*time.Second {
		t.Errorf("retries = %v, want flood delay used verbatim", retries)
	}
}

func TestDispatchRetryableWithoutDelay(t *testing.T) {
	q := &fakeQueue{}
	d := newTestDispatcher(q)
	d.Register("t", func(context.Context, *model.Task) error {
		return errors.New("read tcp: connection reset by peer")
	})

	d.dispatch(context.Background(), &model.Task{ID: 4, Type: "t"})

	_, _, retries := q.snapshot()
	if len(retries) != 1 {
		t.Fatalf("retries = %v", retries)
	}
	if retries[0].RetryIn != 0 {
		t.Errorf("retryIn = %v, want 0 so the queue applies its backoff", retries[0].RetryIn)
	}
}

func TestDispatchUnknownTypeFails(t *testing.T) {
	q := &fakeQueue{}
	d := newTestDispatcher(q)

	d.dispatch(context.Background(), &model.Task{ID: 5, Type: "mystery"})

	_, failed, _ := q.snapshot()
	if len(failed) != 1 || failed[0] != 5 {
		t.Errorf("failed = %v", failed)
	}
}

func TestGroupBatchCollapsesAlbums(t *testing.T) {
	tasks := []model.Task{
		{ID: 1}, {ID: 2, GroupID: 7}, {ID: 3}, {ID: 4, GroupID: 7}, {ID: 5, GroupID: 9},
	}
	out := groupBatch(tasks)
	if len(out) != 4 {
		t.Fatalf("batch size = %d, want 4", len(out))
	}
	rep := out[1]
	if rep.ID != 2 || len(rep.Peers) != 1 || rep.Peers[0].ID != 4 {
		t.Errorf("group 7 representative = %+v", rep)
	}
	if out[3].ID != 5 || len(out[3].Peers) != 0 {
		t.Errorf("single-member group = %+v", out[3])
	}
}

func TestRunEvaluatesAlbumOnce(t *testing.T) {
	q := &fakeQueue{tasks: []model.Task{
		{ID: 1, Type: "t", GroupID: 12345},
		{ID: 2, Type: "t", GroupID: 12345},
		{ID: 3, Type: "t", GroupID: 12345},
	}}
	d := newTestDispatcher(q)

	var mu sync.Mutex
	var calls []model.Task
	d.Register("t", func(_ context.Context, task *model.Task) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, *task)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	deadline := time.After(5 * time.Second)
	for {
		completed, _, _ := q.snapshot()
		if len(completed) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("album not processed, completed = %v", completed)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := d.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("handler invoked %d times, want once for the whole album", len(calls))
	}
	if calls[0].ID != 1 || len(calls[0].Peers) != 2 {
		t.Fatalf("representative = %+v, want task 1 carrying 2 peers", calls[0])
	}
	if calls[0].Peers[0].ID != 2 || calls[0].Peers[1].ID != 3 {
		t.Errorf("peer ids = %d, %d", calls[0].Peers[0].ID, calls[0].Peers[1].ID)
	}
}

func TestRunProcessesAndDrains(t *testing.T) {
	q := &fakeQueue{tasks: []model.Task{
		{ID: 1, Type: "t"}, {ID: 2, Type: "t"}, {ID: 3, Type: "t"},
	}}
	d := newTestDispatcher(q)
	d.Register("t", func(context.Context, *model.Task) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	deadline := time.After(5 * time.Second)
	for {
		completed, _, _ := q.snapshot()
		if len(completed) == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tasks not processed, completed = %v", completed)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := d.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}
