package restriction

import (
	"context"
	"sort"
	"sync"
	"time"

	"staffportal.org/internal/ids"
)

// Store persists the single current restriction slot per workspace.
type Store interface {
	// Get returns ErrNotFound when the workspace has no record.
	Get(ctx context.Context, workspaceID string) (*Restriction, error)
	// Merge applies p to the slot atomically and returns the stored record.
	Merge(ctx context.Context, workspaceID string, p Patch) (Restriction, error)
	// Delete removes the record. It returns ErrNotFound when nothing was stored.
	Delete(ctx context.Context, workspaceID string) error
	// Expired lists workspaces whose record expired at or before now.
	Expired(ctx context.Context, now time.Time) ([]string, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	slots map[string]Restriction
}

func NewInMemory() *InMemory {
	return &InMemory{slots: make(map[string]Restriction)}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Get(ctx context.Context, workspaceID string) (*Restriction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.slots[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	r = r.clone()
	return &r, nil
}

func (s *InMemory) Merge(ctx context.Context, workspaceID string, p Patch) (Restriction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur *Restriction
	if r, ok := s.slots[workspaceID]; ok {
		cur = &r
	}
	next := p.apply(workspaceID, cur, func() string { return ids.Prefixed("rst") })
	s.slots[workspaceID] = next
	return next.clone(), nil
}

func (s *InMemory) Delete(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[workspaceID]; !ok {
		return ErrNotFound
	}
	delete(s.slots, workspaceID)
	return nil
}

func (s *InMemory) Expired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, r := range s.slots {
		if r.Expired(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
