// Package shutdown runs registered cleanup callbacks in priority order on a
// single shutdown signal, bounding both per-step and total elapsed time.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTotalBudget bounds the whole teardown sequence.
const DefaultTotalBudget = 30 * time.Second

// Func is one cleanup callback.
type Func func(ctx context.Context) error

type step struct {
	name     string
	priority int
	timeout  time.Duration
	fn       Func
	seq      int
}

// Result describes one executed (or skipped) cleanup step.
type Result struct {
	Name    string
	Err     error
	Elapsed time.Duration
	Skipped bool
}

// Coordinator collects cleanup callbacks and executes them once, lowest
// priority first. Registration after shutdown has started is rejected.
type Coordinator struct {
	mu       sync.Mutex
	steps    []step
	seq      int
	started  bool
	done     chan struct{}
	ok       bool
	results  []Result
	elapsed  time.Duration
	total    time.Duration
	log      *slog.Logger
	startedT time.Time
}

// New creates a Coordinator with the given total budget; zero means the
// default 30 seconds.
func New(total time.Duration, log *slog.Logger) *Coordinator {
	if total <= 0 {
		total = DefaultTotalBudget
	}
	return &Coordinator{total: total, done: make(chan struct{}), log: log}
}

// Register adds a cleanup callback. Priority must be within 0–9; lower
// priorities run first. Equal priorities keep registration order.
func (c *Coordinator) Register(name string, priority int, timeout time.Duration, fn Func) error {
	if priority < 0 || priority > 9 {
		return fmt.Errorf("shutdown: priority %d outside 0-9", priority)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("shutdown: already shutting down, cannot register %q", name)
	}
	c.steps = append(c.steps, step{name: name, priority: priority, timeout: timeout, fn: fn, seq: c.seq})
	c.seq++
	return nil
}

// IsShuttingDown reports whether Shutdown has been called.
func (c *Coordinator) IsShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Duration returns the elapsed teardown time once shutdown has finished.
func (c *Coordinator) Duration() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.elapsed == 0 {
		return 0, false
	}
	return c.elapsed, true
}

// Results returns the per-step outcomes of the completed shutdown.
func (c *Coordinator) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}

// Shutdown executes the registered callbacks. It is safe to call from
// several goroutines: only the first caller runs the sequence, the others
// block until it finishes and observe its result. Returns true when every
// step completed without error or timeout.
func (c *Coordinator) Shutdown(ctx context.Context) bool {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		<-c.done
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ok
	}
	c.started = true
	c.startedT = time.Now()
	steps := make([]step, len(c.steps))
	copy(steps, c.steps)
	c.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].priority != steps[j].priority {
			return steps[i].priority < steps[j].priority
		}
		return steps[i].seq < steps[j].seq
	})

	deadline := c.startedT.Add(c.total)
	ok := true
	results := make([]Result, 0, len(steps))

	for _, s := range steps {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.log.Warn("shutdown budget exhausted, skipping step", "step", s.name)
			results = append(results, Result{Name: s.name, Skipped: true})
			ok = false
			continue
		}
		timeout := s.timeout
		if timeout <= 0 || timeout > remaining {
			timeout = remaining
		}
		res := c.runStep(ctx, s, timeout)
		if res.Err != nil {
			ok = false
		}
		results = append(results, res)
	}

	elapsed := time.Since(c.startedT)
	c.mu.Lock()
	c.ok = ok
	c.results = results
	c.elapsed = elapsed
	c.mu.Unlock()
	close(c.done)

	c.log.Info("shutdown complete", "ok", ok, "elapsed", elapsed, "steps", len(results))
	return ok
}

func (c *Coordinator) runStep(ctx context.Context, s step, timeout time.Duration) Result {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- s.fn(stepCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-stepCtx.Done():
		err = fmt.Errorf("step %q timed out after %v", s.name, timeout)
	}
	elapsed := time.Since(start)

	if err != nil {
		c.log.Error("shutdown step failed", "step", s.name, "elapsed", elapsed, "error", err)
	} else {
		c.log.Debug("shutdown step done", "step", s.name, "elapsed", elapsed)
	}
	return Result{Name: s.name, Err: err, Elapsed: elapsed}
}
