package server

import (
	"sync"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

// eventHub fans the events of one run out to SSE subscribers. It keeps the
// last size events so a late subscriber can catch up.
type eventHub struct {
	mu      sync.Mutex
	size    int
	history []research.Event
	subs    map[chan research.Event]struct{}
	closed  bool
	dropped int
}

func newEventHub(size int) *eventHub {
	if size <= 0 {
		size = 256
	}
	return &eventHub{size: size, subs: make(map[chan research.Event]struct{})}
}

// publish never blocks: a subscriber whose buffer is full misses the event.
func (h *eventHub) publish(ev research.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.history = append(h.history, ev)
	if len(h.history) > h.size {
		h.history = h.history[len(h.history)-h.size:]
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// subscribe returns the buffered history and a channel for what follows.
// The channel is closed when the run ends or cancel is called.
func (h *eventHub) subscribe() ([]research.Event, <-chan research.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	replay := append([]research.Event(nil), h.history...)
	ch := make(chan research.Event, h.size)
	if h.closed {
		close(ch)
		return replay, ch, func() {}
	}
	h.subs[ch] = struct{}{}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
	return replay, ch, cancel
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

func (h *eventHub) droppedEvents() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
