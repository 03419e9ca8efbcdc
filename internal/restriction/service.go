package restriction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"staffportal.org/internal/audit"
	"staffportal.org/internal/auth"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/stream"
)

// Service is the entry point for reading and writing restrictions. Every
// write is announced on the hub so live subscriptions re-read the slot.
type Service struct {
	store Store
	hub   *stream.Hub
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, hub *stream.Hub, opts ...ServiceOption) *Service {
	if hub == nil {
		hub = stream.New()
	}
	s := &Service{store: store, hub: hub, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the change hub writes are published on.
func (s *Service) Hub() *stream.Hub { return s.hub }

// Get returns the effective restriction of a workspace, or nil when there is
// none. Absent, inactive and expired records all read as nil.
func (s *Service) Get(ctx context.Context, workspaceID string) (*Restriction, error) {
	r, err := s.store.Get(ctx, workspaceID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load restriction: %w", err)
	}
	if !r.Effective(s.now()) {
		return nil, nil
	}
	return r, nil
}

// Put overwrites the current slot with in. Fields left nil keep their stored
// value, except an expiry that has already passed: without a new duration
// the re-applied restriction has no expiry. A duration sets expiresAt from
// now. Put activates the slot unless in.Active says otherwise.
func (s *Service) Put(ctx context.Context, workspaceID string, in Input) (Restriction, error) {
	if workspaceID == "" {
		return Restriction{}, fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	patch := Patch{AppliedAt: now, Reason: in.Reason, Duration: in.Duration, Active: in.Active, StaleBefore: now}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		patch.AppliedBy = p.ID
	}
	if in.Features != nil {
		features := make([]Feature, 0, len(in.Features))
		for _, f := range in.Features {
			if !f.Valid() {
				return Restriction{}, fmt.Errorf("%w: %q", ErrInvalidFeature, f)
			}
			if !slices.Contains(features, f) {
				features = append(features, f)
			}
		}
		patch.Features = &features
	}
	if in.Duration != nil {
		expires := now.Add(ParseDuration(*in.Duration))
		patch.ExpiresAt = &expires
	}
	if patch.Active == nil {
		active := true
		patch.Active = &active
	}

	stored, err := s.store.Merge(ctx, workspaceID, patch)
	if err != nil {
		return Restriction{}, fmt.Errorf("store restriction: %w", err)
	}
	s.publish(workspaceID, now, "api")
	obs.ObserveRestrictionEvent("applied")
	fields := map[string]any{
		"features":  stored.Features,
		"reason":    stored.Reason,
		"is_active": stored.Active,
	}
	if stored.ExpiresAt != nil {
		fields["expires_at"] = stored.ExpiresAt.Format(time.RFC3339)
	}
	_ = audit.Record(ctx, audit.RestrictionApplied, workspaceID, fields)
	return stored, nil
}

// Clear removes the workspace's restriction. Clearing an absent record is a
// no-op and publishes nothing.
func (s *Service) Clear(ctx context.Context, workspaceID string) error {
	removed, err := s.remove(ctx, workspaceID, "api")
	if err != nil || !removed {
		return err
	}
	obs.ObserveRestrictionEvent("lifted")
	_ = audit.Record(ctx, audit.RestrictionLifted, workspaceID, nil)
	return nil
}

// SweepExpired clears every record whose expiry has passed and returns how
// many were removed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.store.Expired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list expired restrictions: %w", err)
	}
	n := 0
	for _, id := range expired {
		removed, err := s.remove(ctx, id, "sweeper")
		if err != nil {
			obs.Warn("expire restriction failed", map[string]any{"workspace_id": id, "error": err})
			continue
		}
		if removed {
			n++
			obs.ObserveRestrictionEvent("expired")
			_ = audit.Record(ctx, audit.RestrictionExpired, id, nil)
		}
	}
	return n, nil
}

func (s *Service) remove(ctx context.Context, workspaceID, origin string) (bool, error) {
	err := s.store.Delete(ctx, workspaceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete restriction: %w", err)
	}
	s.publish(workspaceID, s.now().UTC(), origin)
	return true, nil
}

func (s *Service) publish(workspaceID string, at time.Time, origin string) {
	s.hub.Publish(stream.Change{WorkspaceID: workspaceID, At: at, Origin: origin})
}
