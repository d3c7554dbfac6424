package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tgrelay/internal/buffer"
	"tgrelay/internal/dedup"
	"tgrelay/internal/model"
)

// Deliverer performs the actual Telegram send for one intent.
type Deliverer interface {
	Deliver(ctx context.Context, intent *model.DeliveryIntent) error
}

// Recorder is the dedup surface the delivery path writes to.
type Recorder interface {
	Record(ctx context.Context, ruleID int64, keys []string, fileRef string) error
	Forget(ctx context.Context, ruleID int64, keys []string) error
	Policy() dedup.RecordPolicy
}

// Pusher re-enqueues failed deliveries and persists error and audit
// records.
type Pusher interface {
	Push(ctx context.Context, t *model.Task) (bool, error)
	AppendErrorLog(ctx context.Context, l *model.ErrorLog) error
	AppendAudit(ctx context.Context, a *model.AuditLog) error
}

type deliverPayload struct {
	Intents []model.DeliveryIntent `json:"intents"`
}

// Pipeline carries rendered intents from the buffer to a delivery agent,
// records dedup signatures and turns transient failures into retry tasks.
type Pipeline struct {
	deliverer Deliverer
	dedup     Recorder
	queue     Pusher
	log       *slog.Logger
	timeout   time.Duration
}

func NewPipeline(deliverer Deliverer, dedup Recorder, queue Pusher, log *slog.Logger) *Pipeline {
	return &Pipeline{
		deliverer: deliverer,
		dedup:     dedup,
		queue:     queue,
		log:       log,
		timeout:   2 * time.Minute,
	}
}

// FlushBatch is the buffer flush callback. A transient failure requeues
// the undelivered remainder as a deliver_intent task; a permanent one is
// logged and dropped.
func (p *Pipeline) FlushBatch(key buffer.Key, intents []model.DeliveryIntent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	for i := range intents {
		if err := p.deliverOne(ctx, &intents[i]); err != nil {
			p.settle(ctx, key, intents[i:], err)
			return
		}
	}
}

// HandleDeliver implements Handler for deliver_intent tasks, the retry
// path for flushes that hit a transient error.
func (p *Pipeline) HandleDeliver(ctx context.Context, task *model.Task) error {
	var payload deliverPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode intents: %v", ErrPermanent, err)
	}
	for i := range payload.Intents {
		if err := p.deliverOne(ctx, &payload.Intents[i]); err != nil {
			return err
		}
	}
	return nil
}

// deliverOne sends a single intent. Under the strict record policy the
// signatures are persisted before the send so a crash mid-delivery can
// never produce a duplicate; under the lenient policy they are persisted
// only after a confirmed send. A permanent send failure under strict
// un-records the signatures so they cannot ghost-suppress the same
// content later.
func (p *Pipeline) deliverOne(ctx context.Context, intent *model.DeliveryIntent) error {
	strict := p.dedup.Policy() == dedup.PolicyStrict
	if strict {
		if err := p.record(ctx, intent); err != nil {
			return err
		}
	}
	if err := p.deliverer.Deliver(ctx, intent); err != nil {
		if strict && !Retryable(err) && len(intent.DedupKeys) > 0 {
			if ferr := p.dedup.Forget(ctx, intent.RuleID, intent.DedupKeys); ferr != nil {
				p.log.Warn("forget ghost signatures", "rule_id", intent.RuleID, "error", ferr)
			}
		}
		return fmt.Errorf("deliver to %d: %w", intent.TargetChatID, err)
	}
	if !strict {
		if err := p.record(ctx, intent); err != nil {
			p.log.Warn("record after delivery", "rule_id", intent.RuleID, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) record(ctx context.Context, intent *model.DeliveryIntent) error {
	if len(intent.DedupKeys) == 0 {
		return nil
	}
	fileRef := fmt.Sprintf("%d:%d", intent.SourceChatID, intent.SourceMsgID)
	return p.dedup.Record(ctx, intent.RuleID, intent.DedupKeys, fileRef)
}

func (p *Pipeline) settle(ctx context.Context, key buffer.Key, remaining []model.DeliveryIntent, cause error) {
	if !Retryable(cause) {
		p.log.Error("delivery failed permanently", "rule_id", key.RuleID, "target", key.TargetChatID,
			"dropped", len(remaining), "error", cause)
		ruleID := key.RuleID
		chatID := key.TargetChatID
		if err := p.queue.AppendErrorLog(ctx, &model.ErrorLog{
			Level:    "error",
			Module:   "worker",
			Function: "FlushBatch",
			Message:  cause.Error(),
			RuleID:   &ruleID,
			ChatID:   &chatID,
		}); err != nil {
			p.log.Error("append error log", "error", err)
		}
		if err := p.queue.AppendAudit(ctx, &model.AuditLog{
			Actor:    "system",
			Action:   "delivery_failed",
			Resource: "forward_rule",
			ResID:    strconv.FormatInt(ruleID, 10),
			Details:  cause.Error(),
			Status:   "permanent",
		}); err != nil {
			p.log.Error("append audit log", "error", err)
		}
		return
	}

	delay, ok := RetryDelay(cause)
	if !ok {
		delay = 2 * time.Second
	}
	payload, err := json.Marshal(deliverPayload{Intents: remaining})
	if err != nil {
		p.log.Error("encode retry payload", "error", err)
		return
	}
	task := &model.Task{
		Type:        TaskDeliverIntent,
		Payload:     payload,
		Priority:    1,
		ScheduledAt: time.Now().UTC().Add(delay),
	}
	if _, err := p.queue.Push(ctx, task); err != nil {
		p.log.Error("requeue delivery", "rule_id", key.RuleID, "error", err)
		return
	}
	p.log.Warn("delivery requeued", "rule_id", key.RuleID, "target", key.TargetChatID,
		"count", len(remaining), "retry_in", delay, "error", cause)
}
