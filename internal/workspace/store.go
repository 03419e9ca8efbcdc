package workspace

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"staffportal.org/internal/ids"
)

// Store describes persistence operations required by access control.
type Store interface {
	Find(ctx context.Context, id string) (Workspace, error)
	// Recent returns at most limit workspaces, newest first.
	Recent(ctx context.Context, limit int) ([]Workspace, error)
	// ListForPrincipal returns workspaces the principal owns or is listed in.
	ListForPrincipal(ctx context.Context, principalID string) ([]Workspace, error)
	// Grant adds principalID to the workspace members and the workspace to the
	// principal's list. Both are set unions: repeating a grant is a no-op.
	Grant(ctx context.Context, workspaceID, principalID string) error
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
	principals map[string][]string // principal id -> workspace ids
	now        func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		workspaces: make(map[string]*Workspace),
		principals: make(map[string][]string),
		now:        time.Now,
	}
}

var _ Store = (*InMemory)(nil)

// Create stores ws, assigning an id and creation time when missing.
func (s *InMemory) Create(ctx context.Context, ws Workspace) (Workspace, error) {
	if strings.TrimSpace(ws.OwnerID) == "" {
		return Workspace{}, ErrInvalidInput
	}
	if ws.ID == "" {
		ws.ID = ids.New()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = s.now().UTC()
	}
	ws = ws.clone()
	ws.Members = dedupe(ws.Members)
	ws.AllowedRanks = dedupeInts(ws.AllowedRanks)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.ID] = &ws
	for _, m := range ws.Members {
		s.principals[m] = union(s.principals[m], ws.ID)
	}
	return ws.clone(), nil
}

// MarkDeleted soft-deletes a workspace.
func (s *InMemory) MarkDeleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return ErrNotFound
	}
	ws.IsDeleted = true
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return Workspace{}, ErrNotFound
	}
	return ws.clone(), nil
}

func (s *InMemory) Recent(ctx context.Context, limit int) ([]Workspace, error) {
	s.mu.RLock()
	out := make([]Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, ws.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) ListForPrincipal(ctx context.Context, principalID string) ([]Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Workspace
	for _, ws := range s.workspaces {
		if ws.OwnerID == principalID || ws.HasMember(principalID) {
			out = append(out, ws.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PrincipalWorkspaces returns the principal's workspace list.
func (s *InMemory) PrincipalWorkspaces(principalID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.principals[principalID])
}

func (s *InMemory) Grant(ctx context.Context, workspaceID, principalID string) error {
	if principalID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return ErrNotFound
	}
	ws.Members = union(ws.Members, principalID)
	s.principals[principalID] = union(s.principals[principalID], workspaceID)
	return nil
}

func union(set []string, v string) []string {
	if slices.Contains(set, v) {
		return set
	}
	return append(set, v)
}

func dedupe(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = union(out, v)
		}
	}
	return out
}

func dedupeInts(in []int) []int {
	var out []int
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
