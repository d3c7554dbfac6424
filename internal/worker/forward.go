package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tgrelay/internal/model"
	"tgrelay/internal/rules"
)

// Task types the relay dispatches.
const (
	TaskProcessMessage = "process_message"
	TaskDeliverIntent  = "deliver_intent"
	TaskCleanupMessage = "cleanup_message"
)

// MessagePayload is the body of a process_message task.
type MessagePayload struct {
	Message model.Message `json:"message"`
}

// EncodeMessage serializes a message for queueing.
func EncodeMessage(m *model.Message) ([]byte, error) {
	data, err := json.Marshal(MessagePayload{Message: *m})
	if err != nil {
		return nil, fmt.Errorf("encode message payload: %w", err)
	}
	return data, nil
}

func decodeMessage(raw []byte) (*model.Message, error) {
	var p MessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode message payload: %w", err)
	}
	return &p.Message, nil
}

// GroupQueue is the queue surface the forward handler needs to collect
// and settle album peers.
type GroupQueue interface {
	FetchGroupTasks(ctx context.Context, groupID, excludeID int64, lease time.Duration) ([]model.Task, error)
	Complete(ctx context.Context, id int64) error
}

// Processor evaluates one logical message against the forward rules.
type Processor interface {
	Process(ctx context.Context, msgs []model.Message) ([]rules.Outcome, error)
}

// ForwardHandler handles process_message tasks. When the task belongs to
// an album it leases the remaining peers and evaluates the whole group
// once, sorted by message id.
type ForwardHandler struct {
	queue  GroupQueue
	engine Processor
	lease  time.Duration
	log    *slog.Logger
}

func NewForwardHandler(queue GroupQueue, engine Processor, lease time.Duration, log *slog.Logger) *ForwardHandler {
	return &ForwardHandler{queue: queue, engine: engine, lease: lease, log: log}
}

// Handle implements Handler for process_message tasks.
func (h *ForwardHandler) Handle(ctx context.Context, task *model.Task) error {
	msg, err := decodeMessage(task.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	msgs := []model.Message{*msg}

	// Album members leased alongside this task arrive as Peers; parts
	// that were still pending when the batch was fetched are collected
	// from the queue and leased here.
	peers := append([]model.Task(nil), task.Peers...)
	if task.GroupID != 0 {
		fetched, err := h.queue.FetchGroupTasks(ctx, task.GroupID, task.ID, h.lease)
		if err != nil {
			return fmt.Errorf("fetch album peers: %w", err)
		}
		for _, f := range fetched {
			if !containsTask(peers, f.ID) {
				peers = append(peers, f)
			}
		}
		for i := range peers {
			pm, perr := decodeMessage(peers[i].Payload)
			if perr != nil {
				h.log.Error("bad album peer payload", "task_id", peers[i].ID, "error", perr)
				continue
			}
			msgs = append(msgs, *pm)
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	}

	outcomes, err := h.engine.Process(ctx, msgs)
	if err != nil {
		return err
	}

	var failures []error
	for _, out := range outcomes {
		if out.Action == model.ActionError {
			failures = append(failures, fmt.Errorf("rule %d: %w", out.RuleID, out.Err))
		}
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}

	for i := range peers {
		if cerr := h.queue.Complete(ctx, peers[i].ID); cerr != nil {
			h.log.Error("complete album peer", "task_id", peers[i].ID, "error", cerr)
		}
	}
	return nil
}

func containsTask(tasks []model.Task, id int64) bool {
	for i := range tasks {
		if tasks[i].ID == id {
			return true
		}
	}
	return false
}
