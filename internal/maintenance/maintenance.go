// Package maintenance runs the periodic housekeeping jobs: stuck-task
// rescue, dedup signature purge, temp directory sweeps, heartbeat
// publication and the memory tombstone check.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"tgrelay/internal/storage"
)

// TopicHeartbeat carries queue status snapshots onto the bus.
const TopicHeartbeat = "system.heartbeat"

// Queue is the task-queue surface the jobs need.
type Queue interface {
	RescueStuck(ctx context.Context, timeout time.Duration) (int, error)
	QueueStatus(ctx context.Context) (*storage.QueueStatus, error)
}

// SignatureStore purges expired dedup signatures.
type SignatureStore interface {
	PurgeSignatures(ctx context.Context, olderThan time.Time) (int, error)
}

// Publisher is the bus surface for heartbeats.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, wait bool) error
}

// Heartbeat is the payload published on TopicHeartbeat.
type Heartbeat struct {
	InstanceID string               `json:"instance_id"`
	Queue      *storage.QueueStatus `json:"queue"`
	Paused     bool                 `json:"paused"`
	Time       time.Time            `json:"ts"`
}

// Options configures the job schedule knobs.
type Options struct {
	LeaseTimeout time.Duration // stuck threshold, default 5m
	SignatureTTL time.Duration // dedup signature retention, default 72h
	InstanceID   string
}

func (o *Options) withDefaults() {
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 5 * time.Minute
	}
	if o.SignatureTTL <= 0 {
		o.SignatureTTL = 72 * time.Hour
	}
}

// Service owns the cron scheduler.
type Service struct {
	queue     Queue
	sigs      SignatureStore
	bus       Publisher
	sweeper   *TempSweeper
	tombstone *Tombstone
	opts      Options
	log       *slog.Logger

	cron *cron.Cron
}

func New(queue Queue, sigs SignatureStore, bus Publisher, sweeper *TempSweeper, tombstone *Tombstone, opts Options, log *slog.Logger) (*Service, error) {
	opts.withDefaults()
	s := &Service{
		queue:     queue,
		sigs:      sigs,
		bus:       bus,
		sweeper:   sweeper,
		tombstone: tombstone,
		opts:      opts,
		log:       log,
		cron:      cron.New(),
	}

	jobs := []struct {
		spec string
		fn   func()
	}{
		{"@every 1m", s.rescueStuck},
		{"@every 1h", s.purgeSignatures},
		{"@every 10m", s.sweepTemp},
		{"@every 30s", s.heartbeat},
		{"@every 15s", s.checkMemory},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start launches the scheduler.
func (s *Service) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs to return.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tombstone exposes the pause flag for other loops.
func (s *Service) Tombstone() *Tombstone { return s.tombstone }

func (s *Service) rescueStuck() {
	ctx, cancel := jobCtx()
	defer cancel()
	n, err := s.queue.RescueStuck(ctx, s.opts.LeaseTimeout)
	if err != nil {
		s.log.Error("rescue stuck tasks", "error", err)
		return
	}
	if n > 0 {
		s.log.Warn("rescued stuck tasks", "count", n)
	}
}

func (s *Service) purgeSignatures() {
	if s.tombstone.Paused() {
		return
	}
	ctx, cancel := jobCtx()
	defer cancel()
	cutoff := time.Now().UTC().Add(-s.opts.SignatureTTL)
	n, err := s.sigs.PurgeSignatures(ctx, cutoff)
	if err != nil {
		s.log.Error("purge signatures", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("purged dedup signatures", "count", n, "older_than", cutoff)
	}
}

func (s *Service) sweepTemp() {
	if s.sweeper == nil || s.tombstone.Paused() {
		return
	}
	if _, err := s.sweeper.Sweep(); err != nil {
		s.log.Error("sweep temp dir", "error", err)
	}
}

func (s *Service) heartbeat() {
	ctx, cancel := jobCtx()
	defer cancel()
	st, err := s.queue.QueueStatus(ctx)
	if err != nil {
		s.log.Error("heartbeat queue status", "error", err)
		return
	}
	hb := Heartbeat{
		InstanceID: s.opts.InstanceID,
		Queue:      st,
		Paused:     s.tombstone.Paused(),
		Time:       time.Now().UTC(),
	}
	if err := s.bus.Publish(ctx, TopicHeartbeat, hb, false); err != nil {
		s.log.Warn("publish heartbeat", "error", err)
	}
}

func (s *Service) checkMemory() {
	switch transition, err := s.tombstone.Check(); {
	case err != nil:
		s.log.Warn("memory check", "error", err)
	case transition > 0:
		s.log.Warn("memory cap exceeded, pausing background work")
	case transition < 0:
		s.log.Info("memory back under threshold, resuming background work")
	}
}

func jobCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
