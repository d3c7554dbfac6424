package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.clock = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return h
}

func decodeFrames(t *testing.T, frames [][]byte) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, len(frames))
	for _, f := range frames {
		var env Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("unmarshal frame %s: %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

func TestSingleEventKeepsItsTopic(t *testing.T) {
	h := newTestHub(t)
	h.Broadcast("queue.status", map[string]any{"pending": float64(3)})

	got := decodeFrames(t, h.drain())
	want := []Envelope{{
		Type:    "queue.status",
		Payload: map[string]any{"pending": float64(3)},
		Time:    time.Unix(1700000000, 0).UTC(),
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestBurstMergesIntoBatch(t *testing.T) {
	h := newTestHub(t)
	h.Broadcast("rule.fired", "a")
	h.Broadcast("rule.fired", "b")
	h.Broadcast("rule.fired", "c")

	got := decodeFrames(t, h.drain())
	if len(got) != 1 {
		t.Fatalf("frames = %d, want 1", len(got))
	}
	env := got[0]
	if env.Type != "batch" || env.Topic != "rule.fired" {
		t.Errorf("envelope = %+v", env)
	}
	if diff := cmp.Diff([]any{"a", "b", "c"}, env.Items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestTopicsFlushInFirstSeenOrder(t *testing.T) {
	h := newTestHub(t)
	h.Broadcast("b", 1)
	h.Broadcast("a", 2)
	h.Broadcast("b", 3)

	got := decodeFrames(t, h.drain())
	if len(got) != 2 {
		t.Fatalf("frames = %d, want 2", len(got))
	}
	if got[0].Topic != "b" || got[1].Type != "a" {
		t.Errorf("order = [%s %s]", got[0].Topic, got[1].Type)
	}
}

func TestDrainResetsPending(t *testing.T) {
	h := newTestHub(t)
	h.Broadcast("x", 1)
	h.drain()
	if frames := h.drain(); len(frames) != 0 {
		t.Errorf("second drain returned %d frames", len(frames))
	}
}

func TestSlowClientDropped(t *testing.T) {
	h := newTestHub(t)
	c := &client{send: make(chan []byte, 1), remote: "test"}
	h.clients[c] = struct{}{}

	h.fanOut([]byte("one"))
	h.fanOut([]byte("two")) // buffer full, client must go

	if h.Clients() != 0 {
		t.Fatalf("clients = %d, want 0", h.Clients())
	}
	if _, ok := <-c.send; !ok {
		t.Fatal("send channel drained before close")
	}
	if _, ok := <-c.send; ok {
		t.Fatal("send channel not closed")
	}
}

func TestEndToEndDelivery(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	h.Broadcast("heartbeat", map[string]any{"ok": true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != "heartbeat" {
		t.Errorf("type = %q", env.Type)
	}
}
