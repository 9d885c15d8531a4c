// Package cache memoizes derived per-member results in a KV store.
//
// Freshness is decided by a generation counter rather than wall-clock
// windows: every formula change bumps the global generation, and an entry
// is only served when it was computed under the current one.
package cache

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	resultPrefix        = "derived_result_"
	generationKeyPrefix = "derived_result_generation_"
	timestampKeyPrefix  = "derived_result_timestamp_"

	GenerationKey       = "formula_generation"
	FormulaUpdatedAtKey = "formula_updated_at"
)

// Kind namespaces cached values, one per formula.
type Kind string

const (
	KindSHU Kind = "shu"
	KindTHR Kind = "thr"
)

func resultKey(kind Kind, memberID string) string {
	return resultPrefix + string(kind) + "_" + memberID
}

func generationKey(kind Kind, memberID string) string {
	return generationKeyPrefix + string(kind) + "_" + memberID
}

func timestampKey(kind Kind, memberID string) string {
	return timestampKeyPrefix + string(kind) + "_" + memberID
}

// Entry is a cached result together with the generation it was computed in.
type Entry struct {
	Value      decimal.Decimal
	Generation int64
	ComputedAt time.Time
}

// Cache reads and writes derived results. Storage failures are logged and
// turn into misses so callers fall back to recomputing.
type Cache struct {
	kv  KV
	now func() time.Time
}

func New(kv KV) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

// WithClock replaces the time source used for timestamps.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Generation returns the current global generation; 0 before the first
// formula change.
func (c *Cache) Generation(ctx context.Context) (int64, error) {
	raw, ok, err := c.kv.Get(ctx, GenerationKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	if !ok {
		return 0, nil
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt generation %q: %w", raw, err)
	}
	return gen, nil
}

// Lookup returns the entry for memberID if it is fresh.
func (c *Cache) Lookup(ctx context.Context, kind Kind, memberID string) (*Entry, bool) {
	current, err := c.Generation(ctx)
	if err != nil {
		log.Printf("cache: %v; recomputing %s for member %s", err, kind, memberID)
		return nil, false
	}
	entry, err := c.read(ctx, kind, memberID)
	if err != nil {
		log.Printf("cache: failed to read %s for member %s: %v", kind, memberID, err)
		return nil, false
	}
	if entry == nil || entry.Generation != current {
		return nil, false
	}
	return entry, true
}

func (c *Cache) read(ctx context.Context, kind Kind, memberID string) (*Entry, error) {
	rawValue, ok, err := c.kv.Get(ctx, resultKey(kind, memberID))
	if err != nil || !ok {
		return nil, err
	}
	rawGen, ok, err := c.kv.Get(ctx, generationKey(kind, memberID))
	if err != nil || !ok {
		return nil, err
	}

	value, err := decimal.NewFromString(rawValue)
	if err != nil {
		return nil, fmt.Errorf("corrupt value %q: %w", rawValue, err)
	}
	gen, err := strconv.ParseInt(rawGen, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt generation %q: %w", rawGen, err)
	}

	entry := &Entry{Value: value, Generation: gen}
	if rawTS, ok, err := c.kv.Get(ctx, timestampKey(kind, memberID)); err == nil && ok {
		if nanos, err := strconv.ParseInt(rawTS, 10, 64); err == nil {
			entry.ComputedAt = time.Unix(0, nanos).UTC()
		}
	}
	return entry, nil
}

// Store records value for memberID as computed under generation gen. The
// generation is written last so a partial write reads as a miss.
func (c *Cache) Store(ctx context.Context, kind Kind, memberID string, value decimal.Decimal, gen int64) {
	writes := []struct{ key, value string }{
		{resultKey(kind, memberID), value.String()},
		{timestampKey(kind, memberID), strconv.FormatInt(c.now().UnixNano(), 10)},
		{generationKey(kind, memberID), strconv.FormatInt(gen, 10)},
	}
	for _, w := range writes {
		if err := c.kv.Set(ctx, w.key, w.value); err != nil {
			log.Printf("cache: failed to store %s for member %s: %v", kind, memberID, err)
			return
		}
	}
}

// Invalidate clears every member entry, bumps the generation and records
// when the formula changed. It returns the new generation.
func (c *Cache) Invalidate(ctx context.Context) (int64, error) {
	if err := c.kv.DeletePrefix(ctx, resultPrefix); err != nil {
		log.Printf("cache: failed to clear entries: %v", err)
	}

	current, err := c.Generation(ctx)
	if err != nil {
		log.Printf("cache: %v; restarting from generation 0", err)
		current = 0
	}
	next := current + 1
	if err := c.kv.Set(ctx, GenerationKey, strconv.FormatInt(next, 10)); err != nil {
		return 0, fmt.Errorf("failed to bump generation: %w", err)
	}
	if err := c.kv.Set(ctx, FormulaUpdatedAtKey, c.now().UTC().Format(time.RFC3339Nano)); err != nil {
		log.Printf("cache: failed to record formula update time: %v", err)
	}
	return next, nil
}

// Forget drops the entries of one member, e.g. after its ledger changed.
func (c *Cache) Forget(ctx context.Context, memberID string) {
	for _, kind := range []Kind{KindSHU, KindTHR} {
		for _, key := range []string{resultKey(kind, memberID), generationKey(kind, memberID), timestampKey(kind, memberID)} {
			if err := c.kv.Delete(ctx, key); err != nil {
				log.Printf("cache: failed to forget %s: %v", key, err)
			}
		}
	}
}

// Reset drops every cached entry without touching the generation.
func (c *Cache) Reset(ctx context.Context) error {
	if err := c.kv.DeletePrefix(ctx, resultPrefix); err != nil {
		return fmt.Errorf("failed to reset cache: %w", err)
	}
	return nil
}

// FormulaUpdatedAt returns when the formula last changed.
func (c *Cache) FormulaUpdatedAt(ctx context.Context) (time.Time, bool) {
	raw, ok, err := c.kv.Get(ctx, FormulaUpdatedAtKey)
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
