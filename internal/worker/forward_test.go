package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"tgrelay/internal/model"
	"tgrelay/internal/rules"
)

type fakeGroupQueue struct {
	peers     []model.Task
	completed []int64
}

func (q *fakeGroupQueue) FetchGroupTasks(_ context.Context, _, _ int64, _ time.Duration) ([]model.Task, error) {
	return q.peers, nil
}

func (q *fakeGroupQueue) Complete(_ context.Context, id int64) error {
	q.completed = append(q.completed, id)
	return nil
}

type fakeProcessor struct {
	got      []model.Message
	outcomes []rules.Outcome
	err      error
}

func (p *fakeProcessor) Process(_ context.Context, msgs []model.Message) ([]rules.Outcome, error) {
	p.got = msgs
	return p.outcomes, p.err
}

func mustPayload(t *testing.T, m model.Message) []byte {
	t.Helper()
	data, err := EncodeMessage(&m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func newForwardHandler(q GroupQueue, p Processor) *ForwardHandler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewForwardHandler(q, p, 30*time.Second, log)
}

func TestHandleSingleMessage(t *testing.T) {
	q := &fakeGroupQueue{}
	p := &fakeProcessor{}
	h := newForwardHandler(q, p)

	task := &model.Task{ID: 1, Type: TaskProcessMessage, Payload: mustPayload(t, model.Message{ChatID: 100, ID: 7, Text: "hi"})}
	if err := h.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(p.got) != 1 || p.got[0].ID != 7 {
		t.Errorf("processed = %+v", p.got)
	}
}

func TestHandleAlbumMergesPeersSorted(t *testing.T) {
	q := &fakeGroupQueue{peers: []model.Task{
		{ID: 11, GroupID: 555, Payload: mustPayload(t, model.Message{ChatID: 100, ID: 3})},
		{ID: 12, GroupID: 555, Payload: mustPayload(t, model.Message{ChatID: 100, ID: 1})},
	}}
	p := &fakeProcessor{}
	h := newForwardHandler(q, p)

	task := &model.Task{ID: 10, GroupID: 555, Payload: mustPayload(t, model.Message{ChatID: 100, ID: 2})}
	if err := h.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(p.got) != 3 {
		t.Fatalf("processed %d messages, want 3", len(p.got))
	}
	for i, wantID := range []int64{1, 2, 3} {
		if p.got[i].ID != wantID {
			t.Errorf("msgs[%d].ID = %d, want %d", i, p.got[i].ID, wantID)
		}
	}
	if len(q.completed) != 2 {
		t.Errorf("completed peers = %v, want both", q.completed)
	}
}

func TestHandleAlbumMergesBatchAndPendingPeers(t *testing.T) {
	// One peer arrives pre-leased on the task, one is still pending in the
	// queue, and the queue echoes a batch peer back; the duplicate must
	// not be evaluated or completed twice.
	q := &fakeGroupQueue{peers: []model.Task{
		{ID: 13, GroupID: 555, Payload: mustPayload(t, model.Message{ChatID: 100, ID: 4})},
		{ID: 11, GroupID: 555, Payload: mustPayload(t, model.Message{ChatID: 100, ID: 3})},
	}}
	p := &fakeProcessor{}
	h := newForwardHandler(q, p)

	task := &model.Task{
		ID:      10,
		GroupID: 555,
		Payload: mustPayload(t, model.Message{ChatID: 100, ID: 2}),
		Peers: []model.Task{
			{ID: 11, GroupID: 555, Payload: mustPayload(t, model.Message{ChatID: 100, ID: 3})},
			{ID: 12, GroupID: 555, Payload: mustPayload(t, model.Message{ChatID: 100, ID: 1})},
		},
	}
	if err := h.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(p.got) != 4 {
		t.Fatalf("processed %d messages, want 4", len(p.got))
	}
	for i, wantID := range []int64{1, 2, 3, 4} {
		if p.got[i].ID != wantID {
			t.Errorf("msgs[%d].ID = %d, want %d", i, p.got[i].ID, wantID)
		}
	}
	wantDone := []int64{11, 12, 13}
	if len(q.completed) != len(wantDone) {
		t.Fatalf("completed = %v, want %v", q.completed, wantDone)
	}
	for i, id := range wantDone {
		if q.completed[i] != id {
			t.Errorf("completed[%d] = %d, want %d", i, q.completed[i], id)
		}
	}
}

func TestHandleErrorOutcomeLeavesPeersLeased(t *testing.T) {
	q := &fakeGroupQueue{peers: []model.Task{
		{ID: 11, GroupID: 5, Payload: mustPayload(t, model.Message{ChatID: 100, ID: 2})},
	}}
	p := &fakeProcessor{outcomes: []rules.Outcome{
		{RuleID: 1, Action: model.ActionError, Err: errors.New("transform blew up")},
	}}
	h := newForwardHandler(q, p)

	task := &model.Task{ID: 10, GroupID: 5, Payload: mustPayload(t, model.Message{ChatID: 100, ID: 1})}
	if err := h.Handle(context.Background(), task); err == nil {
		t.Fatal("expected error outcome to surface")
	}
	if len(q.completed) != 0 {
		t.Errorf("peers completed despite failure: %v", q.completed)
	}
}

func TestHandleBadPayloadIsPermanent(t *testing.T) {
	h := newForwardHandler(&fakeGroupQueue{}, &fakeProcessor{})

	err := h.Handle(context.Background(), &model.Task{ID: 1, Payload: []byte("{broken")})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if Retryable(err) {
		t.Error("payload decode failure must not be retried")
	}
}
