package broker

import (
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/levelq/internal/dispatcher"
)

// hub fans dispatcher events out to subscribers. A subscriber that does not
// keep up loses events; publishers never block.
type hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan dispatcher.Event
	next    uint64
	dropped atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]chan dispatcher.Event)}
}

func (h *hub) subscribe(buf int) (<-chan dispatcher.Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan dispatcher.Event, buf)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

func (h *hub) publish(e dispatcher.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// closeAll closes every subscriber channel.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
