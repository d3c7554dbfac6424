package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"tgrelay/internal/model"
	"tgrelay/internal/rules"
	"tgrelay/internal/worker"
)

// Status is a backfill run's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Bus topics: requests come in on TopicRequest, progress snapshots go
// out on TopicProgress.
const (
	TopicRequest  = "backfill.request"
	TopicProgress = "backfill.progress"
)

// Request asks for a chat's history to be replayed.
type Request struct {
	ChatID int64 `json:"chat_id"`
}

const fetchBatch = 100

// HistorySource pages through a chat's history, newest first. offsetID=0
// starts from the top; total is the chat's full message count.
type HistorySource interface {
	History(ctx context.Context, chatID int64, offsetID, limit int) (batch []model.Message, total int, err error)
}

// RuleSource lists the enabled rules for a source chat.
type RuleSource interface {
	ListRulesBySource(ctx context.Context, sourceChatID int64) ([]model.ForwardRule, error)
}

// Pusher enqueues tasks.
type Pusher interface {
	Push(ctx context.Context, t *model.Task) (bool, error)
}

// Publisher carries progress snapshots onto the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, wait bool) error
}

// Snapshot is the serialisable view of a run's progress. ETASeconds is a
// linear extrapolation from the observed rate; zero until the rate is
// known.
type Snapshot struct {
	ChatID     int64     `json:"chat_id"`
	Total      int       `json:"total"`
	Done       int       `json:"done"`
	Forwarded  int       `json:"forwarded"`
	Filtered   int       `json:"filtered"`
	Failed     int       `json:"failed"`
	CurrentID  int64     `json:"current_id"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Status     Status    `json:"status"`
	ETASeconds float64   `json:"eta_seconds"`
}

// Backfiller replays one chat's history into the task queue.
type Backfiller struct {
	source HistorySource
	rules  RuleSource
	queue  Pusher
	bus    Publisher
	pacer  *Pacer
	log    *slog.Logger
	clock  func() time.Time

	newBackoff func() retry.Backoff

	mu     sync.Mutex
	prog   Snapshot
	paused bool
}

func New(source HistorySource, ruleSrc RuleSource, queue Pusher, bus Publisher, pacer *Pacer, log *slog.Logger) *Backfiller {
	return &Backfiller{
		source: source,
		rules:  ruleSrc,
		queue:  queue,
		bus:    bus,
		pacer:  pacer,
		log:    log,
		clock:  time.Now,
		newBackoff: func() retry.Backoff {
			return retry.WithMaxRetries(5, retry.NewExponential(time.Second))
		},
	}
}

// Pause suspends the run between messages; already-leased work proceeds.
func (b *Backfiller) Pause() { b.setPaused(true) }

// Resume lifts a pause.
func (b *Backfiller) Resume() { b.setPaused(false) }

func (b *Backfiller) setPaused(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = v
	if b.prog.Status == StatusRunning || b.prog.Status == StatusPaused {
		b.prog.Status = StatusRunning
		if v {
			b.prog.Status = StatusPaused
		}
	}
}

// Snapshot returns the current progress with ETA extrapolated from the
// rate so far.
func (b *Backfiller) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.prog
	if s.Done > 0 && s.Total > s.Done && s.Status == StatusRunning {
		elapsed := b.clock().Sub(s.StartedAt).Seconds()
		s.ETASeconds = elapsed / float64(s.Done) * float64(s.Total-s.Done)
	}
	return s
}

// Run replays chatID's history oldest-relevant-last: pages are fetched
// newest first and every message is pre-checked against the chat's rules
// before it costs a queue row. Blocks until the history is exhausted,
// the context is cancelled, or fetching fails permanently.
func (b *Backfiller) Run(ctx context.Context, chatID int64) error {
	ruleSet, err := b.rules.ListRulesBySource(ctx, chatID)
	if err != nil {
		return fmt.Errorf("list rules for chat %d: %w", chatID, err)
	}
	enabled := ruleSet[:0]
	for _, r := range ruleSet {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	if len(enabled) == 0 {
		return fmt.Errorf("chat %d has no enabled rules", chatID)
	}

	b.start(chatID)
	b.log.Info("backfill started", "chat_id", chatID, "rules", len(enabled))

	offsetID := 0
	for {
		if err := b.waitWhilePaused(ctx); err != nil {
			b.finish(StatusCancelled)
			return err
		}

		batch, total, err := b.fetch(ctx, chatID, offsetID)
		if err != nil {
			b.finish(StatusFailed)
			return fmt.Errorf("fetch history for chat %d: %w", chatID, err)
		}
		b.setTotal(total)
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			if ctx.Err() != nil {
				b.finish(StatusCancelled)
				return ctx.Err()
			}
			b.produce(ctx, &batch[i], enabled)
			if err := b.pacer.Produced(ctx); err != nil {
				b.finish(StatusCancelled)
				return err
			}
		}
		offsetID = int(batch[len(batch)-1].ID)
		b.publishProgress(ctx)
	}

	b.finish(StatusCompleted)
	b.publishProgress(ctx)
	b.log.Info("backfill completed", "chat_id", chatID, "done", b.Snapshot().Done)
	return nil
}

// fetch retries transient history errors with exponential backoff
// starting at one second.
func (b *Backfiller) fetch(ctx context.Context, chatID int64, offsetID int) ([]model.Message, int, error) {
	var batch []model.Message
	var total int
	err := retry.Do(ctx, b.newBackoff(), func(ctx context.Context) error {
		var err error
		batch, total, err = b.source.History(ctx, chatID, offsetID, fetchBatch)
		if err != nil && worker.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return batch, total, err
}

// produce runs the media pre-check and enqueues the message when at least
// one rule would accept it.
func (b *Backfiller) produce(ctx context.Context, m *model.Message, ruleSet []model.ForwardRule) {
	b.bump(func(s *Snapshot) { s.CurrentID = m.ID })

	pass := false
	for i := range ruleSet {
		if _, ok := rules.MediaVerdict(&ruleSet[i], m); ok {
			pass = true
			break
		}
	}
	if !pass {
		b.bump(func(s *Snapshot) { s.Done++; s.Filtered++ })
		return
	}

	payload, err := worker.EncodeMessage(m)
	if err != nil {
		b.log.Error("encode history message", "chat_id", m.ChatID, "msg_id", m.ID, "error", err)
		b.bump(func(s *Snapshot) { s.Done++; s.Failed++ })
		return
	}
	task := &model.Task{
		Type:     worker.TaskProcessMessage,
		Payload:  payload,
		DedupKey: fmt.Sprintf("%s:%d:%d", worker.TaskProcessMessage, m.ChatID, m.ID),
		GroupID:  m.GroupedID,
		Priority: -1, // backfill yields to live traffic
	}
	if _, err := b.queue.Push(ctx, task); err != nil {
		b.log.Error("push history message", "chat_id", m.ChatID, "msg_id", m.ID, "error", err)
		b.bump(func(s *Snapshot) { s.Done++; s.Failed++ })
		return
	}
	b.bump(func(s *Snapshot) { s.Done++; s.Forwarded++ })
}

func (b *Backfiller) waitWhilePaused(ctx context.Context) error {
	for {
		b.mu.Lock()
		paused := b.paused
		b.mu.Unlock()
		if !paused {
			return ctx.Err()
		}
		if err := sleepCtx(ctx, sleepSlice); err != nil {
			return err
		}
	}
}

func (b *Backfiller) start(chatID int64) {
	now := b.clock().UTC()
	b.mu.Lock()
	b.prog = Snapshot{ChatID: chatID, StartedAt: now, UpdatedAt: now, Status: StatusRunning}
	b.mu.Unlock()
}

func (b *Backfiller) finish(st Status) {
	b.bump(func(s *Snapshot) { s.Status = st })
}

func (b *Backfiller) setTotal(total int) {
	b.bump(func(s *Snapshot) {
		if total > s.Total {
			s.Total = total
		}
	})
}

func (b *Backfiller) bump(fn func(*Snapshot)) {
	b.mu.Lock()
	fn(&b.prog)
	b.prog.UpdatedAt = b.clock().UTC()
	b.mu.Unlock()
}

func (b *Backfiller) publishProgress(ctx context.Context) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Publish(ctx, TopicProgress, b.Snapshot(), false); err != nil {
		b.log.Warn("publish backfill progress", "error", err)
	}
}
