// Package faults wraps background goroutines so uncaught failures become
// structured events instead of crashes, and coalesces repeated identical
// failures within a rolling window to prevent log storms.
package faults

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"
)

// DefaultWindow is the rolling dedup window for identical failures.
const DefaultWindow = 10 * time.Minute

// keyMessageLimit bounds how much of the error message participates in the
// aggregation key.
const keyMessageLimit = 200

// Event is a reported failure aggregate.
type Event struct {
	Key      uint64
	Type     string
	Message  string
	TaskName string
	Count    int
	First    time.Time
	Last     time.Time
	Context  map[string]any
}

// Callback receives newly reported (non-merged) failure events.
type Callback func(Event)

// Stats summarizes aggregator activity.
type Stats struct {
	Reported int64
	Merged   int64
	Active   int
}

type aggregate struct {
	event Event
}

type managed struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Aggregator supervises background tasks and aggregates their failures.
type Aggregator struct {
	window  time.Duration
	log     *slog.Logger
	clock   func() time.Time
	entries *xsync.Map[uint64, *aggregate]

	cbMu      sync.Mutex
	callbacks map[uint64]Callback
	cbSeq     uint64

	taskMu sync.Mutex
	tasks  map[uint64]*managed
	seq    uint64

	reported *xsync.Counter
	merged   *xsync.Counter

	onCritical func(name string, err error)
}

// New creates an Aggregator; window <= 0 selects the 10-minute default.
func New(window time.Duration, log *slog.Logger) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		window:    window,
		log:       log,
		clock:     time.Now,
		entries:   xsync.NewMap[uint64, *aggregate](),
		callbacks: map[uint64]Callback{},
		tasks:     map[uint64]*managed{},
		reported:  xsync.NewCounter(),
		merged:    xsync.NewCounter(),
	}
}

// SetCritical installs the hook invoked when a task started with
// critical=true fails.
func (a *Aggregator) SetCritical(fn func(name string, err error)) {
	a.onCritical = fn
}

// AddCallback registers a callback and returns a handle for removal.
func (a *Aggregator) AddCallback(cb Callback) uint64 {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.cbSeq++
	a.callbacks[a.cbSeq] = cb
	return a.cbSeq
}

// RemoveCallback unregisters a callback by its handle.
func (a *Aggregator) RemoveCallback(id uint64) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	delete(a.callbacks, id)
}

// Go runs fn on a supervised goroutine. Panics are recovered into errors;
// any failure flows through Handle. Cancellation errors propagate silently.
func (a *Aggregator) Go(ctx context.Context, name string, critical bool, fn func(ctx context.Context) error) {
	taskCtx, cancel := context.WithCancel(ctx)
	m := &managed{name: name, cancel: cancel, done: make(chan struct{})}

	a.taskMu.Lock()
	a.seq++
	id := a.seq
	a.tasks[id] = m
	a.taskMu.Unlock()

	go func() {
		defer close(m.done)
		defer func() {
			a.taskMu.Lock()
			delete(a.tasks, id)
			a.taskMu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in %s: %v", name, r)
				a.Handle(err, nil, name)
				if critical && a.onCritical != nil {
					a.onCritical(name, err)
				}
			}
		}()

		err := fn(taskCtx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		a.Handle(err, nil, name)
		if critical && a.onCritical != nil {
			a.onCritical(name, err)
		}
	}()
}

// Handle records a failure. Returns true when this is a new event within
// the window (callbacks fire, full log record emitted) and false when it
// was merged into an existing aggregate and only counted.
func (a *Aggregator) Handle(err error, errCtx map[string]any, task string) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	now := a.clock()
	a.gc(now)

	key := aggregationKey(err)
	fresh := false
	var snapshot Event

	a.entries.Compute(key, func(old *aggregate, loaded bool) (*aggregate, xsync.ComputeOp) {
		if loaded && now.Sub(old.event.First) < a.window {
			old.event.Count++
			old.event.Last = now
			snapshot = old.event
			return old, xsync.UpdateOp
		}
		fresh = true
		snapshot = Event{
			Key:      key,
			Type:     fmt.Sprintf("%T", err),
			Message:  err.Error(),
			TaskName: task,
			Count:    1,
			First:    now,
			Last:     now,
			Context:  Redact(errCtx),
		}
		return &aggregate{event: snapshot}, xsync.UpdateOp
	})

	if !fresh {
		a.merged.Inc()
		a.log.Debug("failure merged", "task", task, "key", key, "count", snapshot.Count)
		return false
	}

	a.reported.Inc()
	a.log.Error("background task failed", "task", task, "error", err)

	a.cbMu.Lock()
	cbs := make([]Callback, 0, len(a.callbacks))
	for _, cb := range a.callbacks {
		cbs = append(cbs, cb)
	}
	a.cbMu.Unlock()
	for _, cb := range cbs {
		cb(snapshot)
	}
	return true
}

// CancelAll cancels every managed task and waits up to timeout for them
// to finish.
func (a *Aggregator) CancelAll(timeout time.Duration) {
	a.taskMu.Lock()
	tasks := make([]*managed, 0, len(a.tasks))
	for _, m := range a.tasks {
		tasks = append(tasks, m)
	}
	a.taskMu.Unlock()

	for _, m := range tasks {
		m.cancel()
	}
	deadline := time.After(timeout)
	for _, m := range tasks {
		select {
		case <-m.done:
		case <-deadline:
			a.log.Warn("managed task did not stop in time", "task", m.name)
			return
		}
	}
}

// Active lists the names of currently managed tasks.
func (a *Aggregator) Active() []string {
	a.taskMu.Lock()
	defer a.taskMu.Unlock()
	names := make([]string, 0, len(a.tasks))
	for _, m := range a.tasks {
		names = append(names, m.name)
	}
	return names
}

// Stats returns aggregate counters.
func (a *Aggregator) Stats() Stats {
	a.taskMu.Lock()
	active := len(a.tasks)
	a.taskMu.Unlock()
	return Stats{
		Reported: a.reported.Value(),
		Merged:   a.merged.Value(),
		Active:   active,
	}
}

// gc drops aggregates idle for more than twice the window.
func (a *Aggregator) gc(now time.Time) {
	a.entries.Range(func(key uint64, agg *aggregate) bool {
		if now.Sub(agg.event.Last) > 2*a.window {
			a.entries.Delete(key)
		}
		return true
	})
}

func aggregationKey(err error) uint64 {
	msg := err.Error()
	if len(msg) > keyMessageLimit {
		msg = msg[:keyMessageLimit]
	}
	return xxh3.HashString(fmt.Sprintf("%T", err) + ":" + msg)
}
