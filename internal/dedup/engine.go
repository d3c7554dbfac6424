// Package dedup decides whether a candidate message should be suppressed
// because an equivalent was forwarded recently. Signatures are content
// hashes over normalized text and perceptual hashes over media, held in a
// bounded in-memory cache backed by the durable signature table.
package dedup

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"tgrelay/internal/model"
)

// RecordPolicy controls when signatures become visible to Check.
type RecordPolicy string

// Record policies. Strict records just before the send, so a crash
// mid-delivery errs toward suppressing a possible duplicate; lenient
// records only after a confirmed send, so a crash may re-deliver.
const (
	PolicyStrict  RecordPolicy = "strict"
	PolicyLenient RecordPolicy = "lenient"
)

// Store is the durable signature surface.
type Store interface {
	FindSignature(ctx context.Context, ruleID int64, sigs []string) (string, bool, error)
	SaveSignatures(ctx context.Context, ruleID int64, sigs []string, fileRef string) error
	DeleteSignatures(ctx context.Context, ruleID int64, sigs []string) error
	PurgeSignatures(ctx context.Context, olderThan time.Time) (int, error)
}

// Stats summarizes engine activity.
type Stats struct {
	Hits      int64
	Misses    int64
	CacheSize int
}

// Engine is the deduplication engine.
type Engine struct {
	store  Store
	cache  otter.Cache[string, struct{}]
	policy RecordPolicy
	ttl    time.Duration
	log    *slog.Logger

	hits   *xsync.Counter
	misses *xsync.Counter
}

// New creates an Engine with a bounded TTL cache in front of the store.
func New(store Store, capacity int, ttl time.Duration, policy RecordPolicy, log *slog.Logger) (*Engine, error) {
	if capacity <= 0 {
		capacity = 10_000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cache, err := otter.MustBuilder[string, struct{}](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build dedup cache: %w", err)
	}
	if policy != PolicyLenient {
		policy = PolicyStrict
	}
	return &Engine{
		store:  store,
		cache:  cache,
		policy: policy,
		ttl:    ttl,
		log:    log,
		hits:   xsync.NewCounter(),
		misses: xsync.NewCounter(),
	}, nil
}

// Policy returns the active record policy.
func (e *Engine) Policy() RecordPolicy { return e.policy }

// KeysFor derives every applicable dedup key for a message.
func (e *Engine) KeysFor(msg *model.Message) []string {
	var keys []string
	if text := msg.BestText(); text != "" {
		keys = append(keys, ContentHash(text))
	}
	switch msg.Media {
	case model.MediaNone:
	case model.MediaImage:
		if len(msg.PhotoData) > 0 {
			if sig, err := PhotoSignature(msg.PhotoData); err == nil {
				keys = append(keys, sig)
			} else if msg.FileUniqueID != "" {
				keys = append(keys, FileSignature(msg.FileUniqueID))
			}
		} else if msg.FileUniqueID != "" {
			keys = append(keys, FileSignature(msg.FileUniqueID))
		}
	case model.MediaVideo:
		if len(msg.PhotoData) > 0 {
			keys = append(keys, SampleSignature(msg.PhotoData))
		} else if msg.FileUniqueID != "" {
			keys = append(keys, FileSignature(msg.FileUniqueID))
		}
	default:
		if msg.FileUniqueID != "" {
			keys = append(keys, FileSignature(msg.FileUniqueID))
		}
	}
	return keys
}

// Check reports whether any of the keys was recorded recently for the
// rule. Returns the matched key. A miss records nothing.
func (e *Engine) Check(ctx context.Context, ruleID int64, keys []string) (string, bool, error) {
	for _, key := range keys {
		if _, ok := e.cache.Get(cacheKey(ruleID, key)); ok {
			e.hits.Inc()
			return key, true, nil
		}
	}
	matched, ok, err := e.store.FindSignature(ctx, ruleID, keys)
	if err != nil {
		return "", false, fmt.Errorf("dedup check: %w", err)
	}
	if ok {
		e.cache.Set(cacheKey(ruleID, matched), struct{}{})
		e.hits.Inc()
		return matched, true, nil
	}
	e.misses.Inc()
	return "", false, nil
}

// Record persists the keys for the rule and warms the cache.
func (e *Engine) Record(ctx context.Context, ruleID int64, keys []string, fileRef string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := e.store.SaveSignatures(ctx, ruleID, keys, fileRef); err != nil {
		return fmt.Errorf("dedup record: %w", err)
	}
	for _, key := range keys {
		e.cache.Set(cacheKey(ruleID, key), struct{}{})
	}
	return nil
}

// Forget removes keys recorded ahead of a send that then failed
// permanently, so the ghost signatures do not suppress the same content
// arriving again from another source.
func (e *Engine) Forget(ctx context.Context, ruleID int64, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := e.store.DeleteSignatures(ctx, ruleID, keys); err != nil {
		return fmt.Errorf("dedup forget: %w", err)
	}
	for _, key := range keys {
		e.cache.Delete(cacheKey(ruleID, key))
	}
	return nil
}

// Purge drops signatures older than the TTL from the durable store.
func (e *Engine) Purge(ctx context.Context) (int, error) {
	return e.store.PurgeSignatures(ctx, time.Now().UTC().Add(-e.ttl))
}

// Stats returns hit/miss counters and the current cache size.
func (e *Engine) Stats() Stats {
	return Stats{
		Hits:      e.hits.Value(),
		Misses:    e.misses.Value(),
		CacheSize: e.cache.Size(),
	}
}

// Close releases the cache.
func (e *Engine) Close() {
	e.cache.Close()
}

// ContentHash hashes the normalized text: lowercased with runs of
// whitespace collapsed, so trivial reformatting still collides.
func ContentHash(text string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := xxh3.Hash128([]byte(norm)).Bytes()
	return "text:" + hex.EncodeToString(sum[:])
}

// PhotoSignature is the perceptual signature of an encoded photo.
func PhotoSignature(data []byte) (string, error) {
	h, err := DHash(data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("img:%016x", h), nil
}

// SampleSignature hashes three spread samples of a large file, a cheap
// stand-in for per-frame hashes on videos.
func SampleSignature(data []byte) string {
	const window = 64 * 1024
	h := xxh3.New()
	n := len(data)
	for _, offset := range []int{0, n / 2, n - window} {
		if offset < 0 {
			offset = 0
		}
		end := offset + window
		if end > n {
			end = n
		}
		_, _ = h.Write(data[offset:end])
	}
	sum := h.Sum128().Bytes()
	return "vid:" + hex.EncodeToString(sum[:])
}

// FileSignature keys a document by its Telegram file unique id.
func FileSignature(uniqueID string) string {
	return "file:" + uniqueID
}

func cacheKey(ruleID int64, sig string) string {
	return fmt.Sprintf("%d:%s", ruleID, sig)
}
