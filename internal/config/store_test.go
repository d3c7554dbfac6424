package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"tgrelay/internal/model"
	"tgrelay/internal/storage"
)

type memDurable struct {
	entries map[string]*model.ConfigEntry
}

func (m *memDurable) GetConfigEntry(_ context.Context, key string) (*model.ConfigEntry, error) {
	e, ok := m.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (m *memDurable) SetConfigEntry(_ context.Context, e *model.ConfigEntry) error {
	if m.entries == nil {
		m.entries = map[string]*model.ConfigEntry{}
	}
	m.entries[e.Key] = e
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, durable Durable, defaults string) *Store {
	t.Helper()
	path := ""
	if defaults != "" {
		path = filepath.Join(t.TempDir(), "defaults.json")
		if err := os.WriteFile(path, []byte(defaults), 0o600); err != nil {
			t.Fatalf("write defaults: %v", err)
		}
	}
	s, err := NewStore(durable, path, discard())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestResolutionOrder(t *testing.T) {
	ctx := context.Background()
	durable := &memDurable{entries: map[string]*model.ConfigEntry{
		"worker.max": {Key: "worker.max", Value: "20", Type: "integer"},
	}}
	s := newTestStore(t, durable, `{"worker.max": 7, "buffer.debounce": 3.5}`)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"durable wins over file", s.GetInt(ctx, "worker.max", 10), 20},
		{"file wins over default", s.GetString(ctx, "buffer.debounce", "0"), "3.5"},
		{"static default when absent", s.GetInt(ctx, "missing.key", 42), 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestEnvFallback(t *testing.T) {
	ctx := context.Background()
	t.Setenv("QUEUE_MAX_PENDING", "1234")
	s := newTestStore(t, &memDurable{}, "")

	if got := s.GetInt(ctx, "queue.max_pending", 1); got != 1234 {
		t.Errorf("env fallback = %d, want 1234", got)
	}
}

func TestSetWritesThroughAndNotifies(t *testing.T) {
	ctx := context.Background()
	durable := &memDurable{}
	s := newTestStore(t, durable, "")

	var gotKey, gotVal string
	s.OnChange(func(key, value string) { gotKey, gotVal = key, value })

	if err := s.Set(ctx, "dedup.record_policy", "lenient", "string"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if gotKey != "dedup.record_policy" || gotVal != "lenient" {
		t.Errorf("subscriber saw (%q, %q)", gotKey, gotVal)
	}
	if durable.entries["dedup.record_policy"].Value != "lenient" {
		t.Error("value not persisted to durable store")
	}
	if got := s.GetString(ctx, "dedup.record_policy", ""); got != "lenient" {
		t.Errorf("cache read = %q, want lenient", got)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1", true}, {"true", true}, {"YES", true}, {"On", true},
		{"0", false}, {"false", false}, {"off", false}, {"", false}, {"maybe", false},
	}
	for _, tt := range tests {
		if got := ParseBool(tt.in); got != tt.want {
			t.Errorf("ParseBool(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("TELEGRAM_API_ID", "")
	t.Setenv("TELEGRAM_API_HASH", "h")
	t.Setenv("TELEGRAM_BOT_TOKEN", "t")
	t.Setenv("TELEGRAM_PHONE", "+100")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without TELEGRAM_API_ID")
	}

	t.Setenv("TELEGRAM_API_ID", "12345")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIID != 12345 || cfg.BotToken != "t" {
		t.Errorf("cfg = %+v", cfg)
	}
}
