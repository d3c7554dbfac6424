// Package worker drives the task queue: it leases tasks, routes them to
// type handlers and settles the outcome through the retry machinery.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"tgrelay/internal/model"
	"tgrelay/internal/storage"
)

// Queue is the task-queue surface the dispatcher drives.
type Queue interface {
	FetchNext(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string) error
	FailOrRetry(ctx context.Context, id int64, errMsg string, maxRetries int, retryIn time.Duration) (bool, error)
	QueueStatus(ctx context.Context) (*storage.QueueStatus, error)
}

// Handler processes one leased task. A nil return completes the task; an
// error goes through retry classification.
type Handler func(ctx context.Context, task *model.Task) error

// Options tune the dispatcher pool.
type Options struct {
	MinWorkers int
	MaxWorkers int
	Batch      int
	Lease      time.Duration
	Poll       time.Duration
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.MinWorkers <= 0 {
		o.MinWorkers = 2
	}
	if o.MaxWorkers < o.MinWorkers {
		o.MaxWorkers = 10
	}
	if o.Batch <= 0 {
		o.Batch = 5
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.Poll <= 0 {
		o.Poll = 250 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	return o
}

// Dispatcher runs an adaptive worker pool over the queue. Handlers must
// be registered before Run is called.
type Dispatcher struct {
	queue    Queue
	handlers map[string]Handler
	opts     Options
	log      *slog.Logger

	inFlight *xsync.Counter
	done     chan struct{}
}

func NewDispatcher(queue Queue, log *slog.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		handlers: make(map[string]Handler),
		opts:     opts.withDefaults(),
		log:      log,
		inFlight: xsync.NewCounter(),
		done:     make(chan struct{}),
	}
}

// Register binds a handler to a task type.
func (d *Dispatcher) Register(taskType string, h Handler) {
	d.handlers[taskType] = h
}

// InFlight reports how many tasks are currently being processed.
func (d *Dispatcher) InFlight() int64 { return d.inFlight.Value() }

// Run starts the pool and blocks until ctx is cancelled and every worker
// has finished its current task. The pool grows toward MaxWorkers while
// the backlog is deep and shrinks back to MinWorkers when it drains.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	var wg sync.WaitGroup
	var stops []context.CancelFunc

	spawn := func() {
		wctx, cancel := context.WithCancel(ctx)
		stops = append(stops, cancel)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.workLoop(wctx, id)
		}(len(stops))
	}
	for i := 0; i < d.opts.MinWorkers; i++ {
		spawn()
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, stop := range stops {
				stop()
			}
			wg.Wait()
			return
		case <-ticker.C:
			status, err := d.queue.QueueStatus(ctx)
			if err != nil {
				d.log.Warn("queue status", "error", err)
				continue
			}
			// One extra worker per ten pending tasks.
			want := d.opts.MinWorkers + status.Pending/10
			if want > d.opts.MaxWorkers {
				want = d.opts.MaxWorkers
			}
			for len(stops) < want {
				d.log.Debug("pool grow", "workers", len(stops)+1, "pending", status.Pending)
				spawn()
			}
			if status.Pending == 0 && len(stops) > d.opts.MinWorkers {
				last := len(stops) - 1
				stops[last]()
				stops = stops[:last]
				d.log.Debug("pool shrink", "workers", len(stops))
			}
		}
	}
}

// Drain waits for the pool to stop, bounded by ctx.
func (d *Dispatcher) Drain(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) workLoop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		tasks, err := d.queue.FetchNext(ctx, d.opts.Batch, d.opts.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error("fetch tasks", "worker", id, "error", err)
			d.idle(ctx)
			continue
		}
		if len(tasks) == 0 {
			d.idle(ctx)
			continue
		}
		batch := groupBatch(tasks)
		for i := range batch {
			if ctx.Err() != nil {
				return
			}
			d.dispatch(ctx, &batch[i])
		}
	}
}

// groupBatch collapses album members leased in one fetch into a single
// representative task carrying its siblings as peers, so the group is
// evaluated once instead of once per part.
func groupBatch(tasks []model.Task) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	reps := make(map[int64]int)
	for _, t := range tasks {
		if t.GroupID == 0 {
			out = append(out, t)
			continue
		}
		if idx, ok := reps[t.GroupID]; ok {
			out[idx].Peers = append(out[idx].Peers, t)
			continue
		}
		reps[t.GroupID] = len(out)
		out = append(out, t)
	}
	return out
}

func (d *Dispatcher) idle(ctx context.Context) {
	t := time.NewTimer(d.opts.Poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, task *model.Task) {
	log := d.log.With("task_id", task.ID, "correlation_id", uuid.NewString())

	h, ok := d.handlers[task.Type]
	if !ok {
		log.Error("no handler for task type", "type", task.Type)
		d.settleFail(ctx, task, "no handler for type "+task.Type)
		return
	}

	d.inFlight.Inc()
	err := h(ctx, task)
	d.inFlight.Dec()

	switch {
	case err == nil:
		if cerr := d.queue.Complete(ctx, task.ID); cerr != nil {
			log.Error("complete task", "error", cerr)
		}
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Shutdown took the worker down mid-task; the lease expires and
		// the rescue job returns it to pending.
		log.Info("task interrupted by shutdown")
	case !Retryable(err):
		log.Warn("task failed permanently", "type", task.Type, "error", err)
		d.settleFail(ctx, task, err.Error())
	default:
		retryIn, _ := RetryDelay(err)
		retried, rerr := d.queue.FailOrRetry(ctx, task.ID, err.Error(), d.opts.MaxRetries, retryIn)
		if rerr != nil {
			log.Error("retry task", "error", rerr)
			return
		}
		log.Warn("task retry", "type", task.Type, "attempt", task.Attempts+1,
			"retried", retried, "retry_in", retryIn, "error", err)
	}
}

func (d *Dispatcher) settleFail(ctx context.Context, task *model.Task, msg string) {
	if err := d.queue.Fail(ctx, task.ID, msg); err != nil {
		d.log.Error("fail task", "task_id", task.ID, "error", err)
	}
}
