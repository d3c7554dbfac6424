// Package app is the composition root: it wires storage, the rule
// engine, the Telegram transports, the worker pool and the maintenance
// jobs together and owns the ordered shutdown sequence.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgrelay/internal/backfill"
	"tgrelay/internal/broadcast"
	"tgrelay/internal/buffer"
	"tgrelay/internal/bus"
	"tgrelay/internal/config"
	"tgrelay/internal/dedup"
	"tgrelay/internal/faults"
	"tgrelay/internal/ingest"
	"tgrelay/internal/maintenance"
	"tgrelay/internal/model"
	"tgrelay/internal/rewrite"
	"tgrelay/internal/rules"
	"tgrelay/internal/shutdown"
	"tgrelay/internal/storage"
	"tgrelay/internal/telegram"
	"tgrelay/internal/worker"
)

// Exit codes the process may end with. ExitUpgrade asks the external
// supervisor to swap the binary, run migrations and restart.
const (
	ExitOK      = 0
	ExitUpgrade = 10
)

// TopicUpgrade requests a supervisor-driven upgrade cycle via the bus.
const TopicUpgrade = "system.upgrade"

// App holds every long-lived component.
type App struct {
	cfg        *config.Config
	log        *slog.Logger
	instanceID string

	db          *storage.SQLite
	coordinator *shutdown.Coordinator
	faults      *faults.Aggregator
	bus         *bus.Bus
	settings    *config.Store
	dedup       *dedup.Engine
	buffer      *buffer.Buffer[model.DeliveryIntent]
	engine      *rules.Engine
	user        *telegram.UserClient
	agents      *telegram.Agents
	dispatcher  *worker.Dispatcher
	pipeline    *worker.Pipeline
	listener    *ingest.Listener
	hub         *broadcast.Hub
	maint       *maintenance.Service
	pacer       *backfill.Pacer

	exitCode atomic.Int32
}

// New assembles the application. Nothing is started yet; Run does that.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{
		cfg:         cfg,
		log:         log,
		instanceID:  uuid.NewString(),
		coordinator: shutdown.New(30*time.Second, log),
	}
	ctx := context.Background()

	db, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db

	settings, err := config.NewStore(db, cfg.DefaultsFile, log)
	if err != nil {
		return nil, fmt.Errorf("config store: %w", err)
	}
	a.settings = settings

	a.faults = faults.New(faults.DefaultWindow, log)
	a.faults.SetCritical(func(name string, err error) {
		log.Error("critical task failed, shutting down", "task", name, "error", err)
		go a.coordinator.Shutdown(context.Background())
	})

	a.bus = bus.New(a.faults)
	a.hub = broadcast.New(100*time.Millisecond, log)
	a.bus.SetBroadcaster(a.hub)

	policy := dedup.RecordPolicy(settings.GetString(ctx, "dedup.policy", string(dedup.PolicyStrict)))
	ttl := time.Duration(settings.GetInt(ctx, "dedup.ttl_hours", 72)) * time.Hour
	a.dedup, err = dedup.New(db, settings.GetInt(ctx, "dedup.cache_size", 100_000), ttl, policy, log)
	if err != nil {
		return nil, fmt.Errorf("dedup engine: %w", err)
	}

	a.listener = ingest.NewListener(db, db, settings, log)

	zlog, err := zap.NewProduction()
	if err != nil {
		zlog = zap.NewNop()
	}
	a.user, err = telegram.NewUserClient(telegram.ClientConfig{
		APIID:      cfg.APIID,
		APIHash:    cfg.APIHash,
		Phone:      cfg.Phone,
		SessionDir: cfg.SessionDir,
	}, a.listener.Dispatcher(), zlog, log)
	if err != nil {
		return nil, fmt.Errorf("user client: %w", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("bot api: %w", err)
	}
	a.agents = telegram.NewAgents(a.user, botAPI, db, log)

	a.pipeline = worker.NewPipeline(a.agents, a.dedup, db, log)
	a.buffer = buffer.New[model.DeliveryIntent](a.pipeline.FlushBatch, log)

	rewriter := rewrite.New(&http.Client{})
	a.engine = rules.NewEngine(db, a.dedup, rewriter, settings, a.handoff, log)

	a.dispatcher = worker.NewDispatcher(db, log, worker.Options{
		MinWorkers: settings.GetInt(ctx, "worker.min", 2),
		MaxWorkers: settings.GetInt(ctx, "worker.max", 10),
	})
	lease := 5 * time.Minute
	forward := worker.NewForwardHandler(db, a.engine, lease, log)
	a.dispatcher.Register(worker.TaskProcessMessage, forward.Handle)
	a.dispatcher.Register(worker.TaskDeliverIntent, a.pipeline.HandleDeliver)
	a.dispatcher.Register(worker.TaskCleanupMessage, a.handleCleanup)

	tombstone := maintenance.NewTombstone(int64(settings.GetInt(ctx, "memory.cap_mb", 0)) << 20)
	sweeper := maintenance.NewTempSweeper(cfg.TempDir,
		int64(settings.GetInt(ctx, "temp.cap_gb", 5))<<30, log)
	a.maint, err = maintenance.New(db, db, a.bus, sweeper, tombstone, maintenance.Options{
		LeaseTimeout: lease,
		SignatureTTL: ttl,
		InstanceID:   a.instanceID,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("maintenance: %w", err)
	}

	a.pacer = backfill.NewPacer(db, settings.GetInt(ctx, "queue.max_pending", 1000), 100, log)

	a.bus.Subscribe(TopicUpgrade, func(context.Context, string, any) error {
		a.exitCode.Store(ExitUpgrade)
		go a.coordinator.Shutdown(context.Background())
		return nil
	})
	a.bus.Subscribe(backfill.TopicRequest, a.onBackfillRequest)

	return a, nil
}

// handoff moves a forwardable intent from the rule engine into the
// smart buffer.
func (a *App) handoff(intent *model.DeliveryIntent, cfg buffer.Config) {
	a.buffer.Add(buffer.Key{
		RuleID:       intent.RuleID,
		TargetChatID: intent.TargetChatID,
	}, *intent, cfg)
}

// handleCleanup processes cleanup_message tasks. Source deletions have
// no downstream mutation yet; the record is the point.
func (a *App) handleCleanup(ctx context.Context, task *model.Task) error {
	var p ingest.CleanupPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", worker.ErrPermanent, err)
	}
	a.log.Info("source messages deleted", "chat_id", p.ChatID, "count", len(p.MessageIDs))
	return nil
}

// onBackfillRequest launches a history backfill for the requested chat.
func (a *App) onBackfillRequest(ctx context.Context, _ string, payload any) error {
	req, ok := payload.(backfill.Request)
	if !ok {
		return fmt.Errorf("unexpected backfill request payload %T", payload)
	}
	bf := backfill.New(a.agents, a.db, a.db, a.bus, a.pacer, a.log)
	a.faults.Go(ctx, fmt.Sprintf("backfill:%d", req.ChatID), false, func(ctx context.Context) error {
		return bf.Run(ctx, req.ChatID)
	})
	return nil
}

// ExitCode reports the code the process should exit with after Run.
func (a *App) ExitCode() int { return int(a.exitCode.Load()) }

// Coordinator exposes the shutdown coordinator for signal handling.
func (a *App) Coordinator() *shutdown.Coordinator { return a.coordinator }

type shutdownStep struct {
	name     string
	priority int
	timeout  time.Duration
	fn       shutdown.Func
}

// shutdownSteps builds the ordered teardown: stop ingest, stop the
// auxiliary loops, drain the worker pool, disconnect the transports,
// close the database.
func (a *App) shutdownSteps(web *http.Server, stopAux, stopWork, stopClient context.CancelFunc) []shutdownStep {
	return []shutdownStep{
		{"stop-ingest", 0, 2 * time.Second, func(context.Context) error {
			a.listener.Stop()
			return nil
		}},
		{"stop-auxiliary", 1, 5 * time.Second, func(ctx context.Context) error {
			stopAux()
			if web != nil {
				_ = web.Shutdown(ctx)
			}
			return a.maint.Stop(ctx)
		}},
		{"drain-workers", 2, 15 * time.Second, func(ctx context.Context) error {
			a.buffer.FlushAll()
			// The pool only winds down once its context is cancelled;
			// Drain then waits for in-flight tasks to finish.
			stopWork()
			return a.dispatcher.Drain(ctx)
		}},
		{"disconnect-transports", 3, 5 * time.Second, func(ctx context.Context) error {
			stopClient()
			a.faults.CancelAll(2 * time.Second)
			return nil
		}},
		{"close-database", 4, 2 * time.Second, func(context.Context) error {
			return a.db.Close()
		}},
	}
}

// Run starts every component and blocks until ctx is cancelled and the
// shutdown sequence has finished.
func (a *App) Run(ctx context.Context) error {
	clientCtx, stopClient := context.WithCancel(context.Background())
	defer stopClient()
	auxCtx, stopAux := context.WithCancel(context.Background())
	defer stopAux()
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	a.faults.Go(clientCtx, "telegram:user", true, a.user.Run)
	go a.hub.Run(auxCtx)
	go a.buffer.Run(auxCtx)
	go a.dispatcher.Run(workCtx)
	a.maint.Start()

	// The event stream is off unless a web port is configured.
	var web *http.Server
	if a.cfg.WebPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/ws", a.hub)
		web = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", a.cfg.WebHost, a.cfg.WebPort),
			Handler: mux,
		}
		a.faults.Go(auxCtx, "web:events", false, func(context.Context) error {
			if err := web.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	a.log.Info("relay started", "instance_id", a.instanceID,
		"db", a.cfg.DatabasePath)

	for _, s := range a.shutdownSteps(web, stopAux, stopWork, stopClient) {
		if err := a.coordinator.Register(s.name, s.priority, s.timeout, s.fn); err != nil {
			return fmt.Errorf("register shutdown step %s: %w", s.name, err)
		}
	}

	<-ctx.Done()
	if ok := a.coordinator.Shutdown(context.Background()); !ok {
		a.log.Warn("shutdown finished with skipped or failed steps")
	}
	if d, done := a.coordinator.Duration(); done {
		a.log.Info("relay stopped", "shutdown_duration", d)
	}
	return nil
}
