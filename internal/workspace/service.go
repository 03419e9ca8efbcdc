package workspace

import (
	"context"
	"errors"

	"staffportal.org/internal/obs"
)

// Launcher starts a detached eligibility pass for a principal.
type Launcher interface {
	Launch(p Principal)
}

// Service loads workspaces and applies the Resolver on every page view.
type Service struct {
	store      Store
	resolver   *Resolver
	reconciler Launcher
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithReconciler launches an eligibility pass after each successful access check.
func WithReconciler(l Launcher) ServiceOption {
	return func(s *Service) { s.reconciler = l }
}

func NewService(store Store, resolver *Resolver, opts ...ServiceOption) *Service {
	if resolver == nil {
		resolver = NewResolver()
	}
	s := &Service{store: store, resolver: resolver}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Access pairs a decision with the workspace it was made for. Workspace is
// zero when the decision is Denied.
type Access struct {
	Decision  Decision  `json:"decision"`
	Workspace Workspace `json:"workspace"`
}

// AuthorizeByID loads the workspace and authorizes p. Store failures surface as
// Denied, never as an error to render.
func (s *Service) AuthorizeByID(ctx context.Context, p Principal, workspaceID string) Access {
	ws, err := s.store.Find(ctx, workspaceID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.Error("workspace load failed", map[string]any{
				"workspace_id": workspaceID,
				"principal_id": p.ID,
				"error":        err,
			})
		}
		obs.ObserveDecision(Denied.String())
		return Access{Decision: Denied}
	}
	decision := s.resolver.Authorize(ctx, p, ws)
	if !decision.Allowed() {
		return Access{Decision: Denied}
	}
	s.launch(p)
	return Access{Decision: decision, Workspace: ws}
}

// Dashboard lists every workspace p may open, newest first.
func (s *Service) Dashboard(ctx context.Context, p Principal) ([]Access, error) {
	list, err := s.store.ListForPrincipal(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	out := make([]Access, 0, len(list))
	for _, ws := range list {
		if d, _ := decide(p, ws); d.Allowed() {
			out = append(out, Access{Decision: d, Workspace: ws})
		}
	}
	s.launch(p)
	return out, nil
}

// WorkspaceName resolves a display name, falling back to the id.
func (s *Service) WorkspaceName(ctx context.Context, workspaceID string) (string, error) {
	ws, err := s.store.Find(ctx, workspaceID)
	if err != nil {
		return workspaceID, err
	}
	if ws.Name == "" {
		return workspaceID, nil
	}
	return ws.Name, nil
}

func (s *Service) launch(p Principal) {
	if s.reconciler != nil && p.CanCheckRank() {
		s.reconciler.Launch(p)
	}
}
