package store

import "sync"

// ChangeKind tells watchers what produced a new read-model version
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeSeed   ChangeKind = "seed"
)

// Change is sent to watchers after every write that altered the store
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Version uint64     `json:"version"`
	ID      int64      `json:"id,omitempty"`
	Count   int        `json:"count"`
}

// hub fans changes out to watchers. A watcher whose buffer is full misses
// the change; it can always catch up by reading the read model.
type hub struct {
	mu        sync.RWMutex
	listeners map[uint64]chan Change
	nextID    uint64
}

func newHub() *hub {
	return &hub{listeners: make(map[uint64]chan Change)}
}

func (h *hub) register(buffer int) (uint64, <-chan Change) {
	if buffer <= 0 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Change, buffer)
	h.listeners[id] = ch
	return id, ch
}

func (h *hub) unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(ch)
	}
}

func (h *hub) broadcast(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- c:
		default:
		}
	}
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
