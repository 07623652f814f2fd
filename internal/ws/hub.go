package ws

import (
	"sync"
)

// Hub is the process-wide broadcast registry: listing id -> viewers. It is
// created at startup and closed at shutdown; nothing else writes to viewer
// connections on a listing's behalf.
type Hub struct {
	mu      sync.RWMutex
	viewers map[string]map[*viewerConn]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{viewers: make(map[string]map[*viewerConn]struct{})}
}

// Join adds v to its listing. Joining twice is a no-op; joining a closed hub
// closes v.
func (h *Hub) Join(v *viewerConn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		v.close()
		return
	}
	set, ok := h.viewers[v.listingID]
	if !ok {
		set = make(map[*viewerConn]struct{})
		h.viewers[v.listingID] = set
	}
	set[v] = struct{}{}
	h.mu.Unlock()
}

// Leave removes and closes v.
func (h *Hub) Leave(v *viewerConn) {
	h.mu.Lock()
	if set, ok := h.viewers[v.listingID]; ok {
		delete(set, v)
		if len(set) == 0 {
			delete(h.viewers, v.listingID)
		}
	}
	h.mu.Unlock()
	v.close()
}

// Publish delivers frame to every connection currently viewing listingID and
// drops the ones that fail. Late joiners do not get it; they start from the
// join snapshot.
func (h *Hub) Publish(listingID string, frame []byte) {
	h.mu.RLock()
	targets := make([]*viewerConn, 0, len(h.viewers[listingID]))
	for v := range h.viewers[listingID] {
		targets = append(targets, v)
	}
	h.mu.RUnlock()

	for _, v := range targets {
		if err := v.send(frame); err != nil {
			h.Leave(v)
		}
	}
}

// Viewers counts connections on a listing.
func (h *Hub) Viewers(listingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers[listingID])
}

// Close disconnects every viewer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	all := h.viewers
	h.viewers = make(map[string]map[*viewerConn]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for v := range set {
			v.close()
		}
	}
}
