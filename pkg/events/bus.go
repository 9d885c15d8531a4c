// Package events carries formula-change notifications to every open view.
// Views re-derive their own values when notified; no values are pushed.
package events

import (
	"sync"

	"github.com/koperasi/shuengine/pkg/models"
)

type Handler func(models.Event)

// Bus is an in-process publish/subscribe channel. Delivery is synchronous
// and in subscription order.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	order    []int
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish delivers ev to every current subscriber.
func (b *Bus) Publish(ev models.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, id := range b.order {
		if h, ok := b.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
