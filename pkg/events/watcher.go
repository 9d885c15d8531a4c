package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/koperasi/shuengine/pkg/models"
)

// DefaultPollInterval is how often shared storage is checked for changes
// made by other processes.
const DefaultPollInterval = 5 * time.Second

// GenerationSource exposes the persisted formula generation.
type GenerationSource interface {
	Generation(ctx context.Context) (int64, error)
}

// Watcher turns generation bumps written to shared storage by other
// processes into formula_changed events on the local bus.
type Watcher struct {
	source GenerationSource
	bus    *Bus
	now    func() time.Time

	mu   sync.Mutex
	seen int64
}

func NewWatcher(source GenerationSource, bus *Bus) *Watcher {
	return &Watcher{source: source, bus: bus, now: time.Now, seen: -1}
}

// Acknowledge marks gen as already announced, so a change published
// locally is not announced a second time.
func (w *Watcher) Acknowledge(gen int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen > w.seen {
		w.seen = gen
	}
}

// Poll checks storage once and reports whether an event was published.
// The first poll only records the starting generation.
func (w *Watcher) Poll(ctx context.Context) bool {
	gen, err := w.source.Generation(ctx)
	if err != nil {
		log.Printf("watcher: failed to read generation: %v", err)
		return false
	}

	w.mu.Lock()
	first := w.seen < 0
	changed := gen > w.seen
	if changed {
		w.seen = gen
	}
	w.mu.Unlock()

	if first || !changed {
		return false
	}
	w.bus.Publish(models.Event{
		Type:       models.EventFormulaChanged,
		Origin:     models.OriginStorage,
		Generation: gen,
		Timestamp:  w.now(),
	})
	return true
}

// Run polls every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}
