package durable

import "sync"

// Hub tracks the open handles of one process per database location so that
// an opener performing a schema upgrade can tell the others to close. Build
// one per process and pass it to every opener; a nil Hub disables
// coordination.
type Hub struct {
	mu      sync.Mutex
	handles map[string]map[*Handle]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{handles: make(map[string]map[*Handle]struct{})}
}

func (h *Hub) register(location string, handle *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.handles[location]
	if !ok {
		set = make(map[*Handle]struct{})
		h.handles[location] = set
	}
	set[handle] = struct{}{}
}

func (h *Hub) unregister(location string, handle *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.handles[location]; ok {
		delete(set, handle)
		if len(set) == 0 {
			delete(h.handles, location)
		}
	}
}

// versionChange notifies every handle at location opened against a schema
// older than version. Each notified handle closes itself. It returns the
// number of handles notified.
func (h *Hub) versionChange(location string, version int) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	var stale []*Handle
	for handle := range h.handles[location] {
		if handle.Version() < version {
			stale = append(stale, handle)
		}
	}
	h.mu.Unlock()
	// closing unregisters, so it must happen outside the hub lock
	for _, handle := range stale {
		handle.onVersionChange(version)
	}
	return len(stale)
}

// OpenHandles reports how many registered handles are open at location.
func (h *Hub) OpenHandles(location string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handles[location])
}
