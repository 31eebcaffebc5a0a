package service

import "sync"

// Hub fans out "issue changed" signals to in-process watchers. Signals carry
// only the new version; watchers re-read the issue from the store, so a
// dropped signal costs at most one poll interval.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan int64]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan int64]struct{})}
}

// Subscribe registers a watcher for issueID. The returned cancel func must be
// called once the watcher is done.
func (h *Hub) Subscribe(issueID string) (<-chan int64, func()) {
	ch := make(chan int64, 1)
	h.mu.Lock()
	if h.subs[issueID] == nil {
		h.subs[issueID] = make(map[chan int64]struct{})
	}
	h.subs[issueID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[issueID], ch)
			if len(h.subs[issueID]) == 0 {
				delete(h.subs, issueID)
			}
			h.mu.Unlock()
		})
	}
}

// Publish signals every watcher of issueID without blocking. A watcher that
// has not consumed its previous signal keeps the older one.
func (h *Hub) Publish(issueID string, version int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[issueID] {
		select {
		case ch <- version:
		default:
		}
	}
}

// Watchers returns the number of active watchers of issueID.
func (h *Hub) Watchers(issueID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[issueID])
}
