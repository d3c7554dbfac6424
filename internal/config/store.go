package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"tgrelay/internal/model"
	"tgrelay/internal/storage"
)

// Durable is the persistence surface the store overlays.
type Durable interface {
	GetConfigEntry(ctx context.Context, key string) (*model.ConfigEntry, error)
	SetConfigEntry(ctx context.Context, e *model.ConfigEntry) error
}

// Store resolves typed configuration values through a fixed chain:
// in-memory cache, durable store, JSON defaults file, environment
// variable, static default. Writes go to the durable store and refresh
// the cache; subscribers are notified on every change.
type Store struct {
	durable Durable
	file    map[string]any
	cache   *xsync.Map[string, string]
	log     *slog.Logger

	subMu sync.Mutex
	subs  []func(key string, value string)
}

// NewStore creates a Store. The defaults file is optional; a missing file
// is not an error.
func NewStore(durable Durable, defaultsPath string, log *slog.Logger) (*Store, error) {
	fileVals := map[string]any{}
	if defaultsPath != "" {
		data, err := os.ReadFile(defaultsPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No defaults file shipped; every layer below still works.
		case err != nil:
			return nil, fmt.Errorf("read defaults file: %w", err)
		default:
			if err := json.Unmarshal(data, &fileVals); err != nil {
				return nil, fmt.Errorf("parse defaults file: %w", err)
			}
		}
	}
	return &Store{
		durable: durable,
		file:    fileVals,
		cache:   xsync.NewMap[string, string](),
		log:     log,
	}, nil
}

// OnChange registers a subscriber invoked with (key, new value) after
// every successful Set.
func (s *Store) OnChange(fn func(key, value string)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, fn)
}

// GetString resolves a string value.
func (s *Store) GetString(ctx context.Context, key, def string) string {
	if v, ok := s.resolve(ctx, key); ok {
		return v
	}
	return def
}

// GetInt resolves an integer value.
func (s *Store) GetInt(ctx context.Context, key string, def int) int {
	v, ok := s.resolve(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		s.log.Warn("config value is not an integer", "key", key, "value", v)
		return def
	}
	return n
}

// GetBool resolves a boolean value. Accepts 1|true|yes|on in any case.
func (s *Store) GetBool(ctx context.Context, key string, def bool) bool {
	v, ok := s.resolve(ctx, key)
	if !ok {
		return def
	}
	return ParseBool(v)
}

// GetJSON resolves a value and unmarshals it into out. Returns false when
// the key is absent or the payload does not parse.
func (s *Store) GetJSON(ctx context.Context, key string, out any) bool {
	v, ok := s.resolve(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		s.log.Warn("config value is not valid json", "key", key, "error", err)
		return false
	}
	return true
}

// Set writes a value to the durable store, refreshes the cache and fires
// subscribers. typ is one of string, integer, boolean, json.
func (s *Store) Set(ctx context.Context, key, value, typ string) error {
	entry := &model.ConfigEntry{Key: key, Value: value, Type: typ}
	if err := s.durable.SetConfigEntry(ctx, entry); err != nil {
		return fmt.Errorf("persist config %s: %w", key, err)
	}
	s.cache.Store(key, value)

	s.subMu.Lock()
	subs := make([]func(string, string), len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(key, value)
	}
	return nil
}

// Invalidate drops a cached value so the next read hits the durable store.
func (s *Store) Invalidate(key string) {
	s.cache.Delete(key)
}

func (s *Store) resolve(ctx context.Context, key string) (string, bool) {
	if v, ok := s.cache.Load(key); ok {
		return v, true
	}
	if s.durable != nil {
		entry, err := s.durable.GetConfigEntry(ctx, key)
		switch {
		case err == nil:
			s.cache.Store(key, entry.Value)
			return entry.Value, true
		case !errors.Is(err, storage.ErrNotFound):
			s.log.Warn("config store read failed", "key", key, "error", err)
		}
	}
	if raw, ok := s.file[key]; ok {
		v := fileValue(raw)
		s.cache.Store(key, v)
		return v, true
	}
	if v, ok := os.LookupEnv(envName(key)); ok {
		return v, true
	}
	return "", false
}

// ParseBool reports whether s spells a true value: 1, true, yes or on,
// case-insensitive.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// envName maps a dotted config key to its environment variable form,
// e.g. queue.max_pending -> QUEUE_MAX_PENDING.
func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

func fileValue(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}
