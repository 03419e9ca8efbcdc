package stream

import (
	"context"
	"sync"
	"time"
)

// Change announces that the restriction slot of one workspace was written.
// It carries no payload: receivers re-read the store.
type Change struct {
	WorkspaceID string    `json:"workspace_id"`
	At          time.Time `json:"at"`
	// Origin names the writer, e.g. "api", "sweeper" or "pg_notify".
	Origin string `json:"origin"`
}

// Hub fans out changes to the subscribers of each workspace.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Change
	next int
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Change)}
}

// Subscribe registers a subscriber for workspaceID and returns a channel which
// will receive its changes. The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context, workspaceID string) <-chan Change {
	ch := make(chan Change, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[workspaceID] == nil {
		h.subs[workspaceID] = make(map[int]chan Change)
	}
	h.subs[workspaceID][id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[workspaceID], id)
		if len(h.subs[workspaceID]) == 0 {
			delete(h.subs, workspaceID)
		}
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fans the change out to every subscriber of its workspace.
func (h *Hub) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[c.WorkspaceID] {
		select {
		case ch <- c:
		default:
			// A full buffer already holds a pending re-read for this subscriber.
		}
	}
}

// Subscribers reports the number of live subscriptions for workspaceID.
func (h *Hub) Subscribers(workspaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[workspaceID])
}
