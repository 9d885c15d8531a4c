package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/koperasi/shuengine/pkg/calculator"
	"github.com/koperasi/shuengine/pkg/events"
	"github.com/koperasi/shuengine/pkg/models"
	"github.com/shopspring/decimal"
)

// View keeps one member's amount current. It re-derives the value through
// the ledger on formula_changed, on calculations_refreshed for its member,
// and, while Run is active, on every poll interval so ledger writes made by
// other processes are picked up too.
type View struct {
	ledger   *Ledger
	memberID string
	kind     calculator.Kind

	mu          sync.Mutex
	value       decimal.Decimal
	refreshes   int
	unsubscribe func()
}

// Watch opens a view of memberID's kind amount.
func (l *Ledger) Watch(ctx context.Context, memberID string, kind calculator.Kind) *View {
	v := &View{ledger: l, memberID: memberID, kind: kind}
	v.value = l.Calculate(ctx, memberID, kind)
	v.unsubscribe = l.bus.Subscribe(func(ev models.Event) {
		if !v.concerns(ev) {
			return
		}
		v.refresh(context.Background())
	})
	return v
}

func (v *View) concerns(ev models.Event) bool {
	switch ev.Type {
	case models.EventFormulaChanged:
		return true
	case models.EventCalculationsRefreshed:
		return ev.MemberID != "" && ev.MemberID == v.memberID
	}
	return false
}

func (v *View) refresh(ctx context.Context) {
	value := v.ledger.Calculate(ctx, v.memberID, v.kind)
	v.mu.Lock()
	v.value = value
	v.refreshes++
	v.mu.Unlock()
}

// Poll re-derives the value once and reports whether it changed.
func (v *View) Poll(ctx context.Context) bool {
	value := v.ledger.Calculate(ctx, v.memberID, v.kind)
	v.mu.Lock()
	defer v.mu.Unlock()
	if value.Equal(v.value) {
		return false
	}
	v.value = value
	v.refreshes++
	return true
}

// Run polls every interval until ctx is done.
func (v *View) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = events.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Poll(ctx)
		}
	}
}

func (v *View) Value() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Refreshes counts recomputations that were triggered by notifications or
// that changed the value during a poll.
func (v *View) Refreshes() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.refreshes
}

func (v *View) Close() {
	v.unsubscribe()
}
