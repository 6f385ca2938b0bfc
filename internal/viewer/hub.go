package viewer

import (
	"sync"

	"github.com/petervdpas/callkit/internal/viewer/routes"
)

// Hub fans call events out to every open /api/call/events stream. The last
// event of each name is replayed to new subscribers so a UI that connects
// mid-call draws the current screen straight away.
type Hub struct {
	mu   sync.Mutex
	subs map[chan routes.Event]struct{}
	last map[string]routes.Event
	// names in first-seen order, for a stable replay
	order []string
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[chan routes.Event]struct{}),
		last: make(map[string]routes.Event),
	}
}

// Publish sends an event to all subscribers without blocking. Slow
// subscribers miss events.
func (h *Hub) Publish(name string, data any) {
	ev := routes.Event{Name: name, Data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, seen := h.last[name]; !seen {
		h.order = append(h.order, name)
	}
	h.last[name] = ev
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Forget drops the replayed state for name.
func (h *Hub) Forget(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.last[name]; !ok {
		return
	}
	delete(h.last, name)
	for i, n := range h.order {
		if n == name {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

func (h *Hub) Subscribe() (<-chan routes.Event, func()) {
	ch := make(chan routes.Event, 64)

	h.mu.Lock()
	for _, name := range h.order {
		ch <- h.last[name]
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}
