package workspace

import (
	"context"
	"time"

	"staffportal.org/internal/obs"
	"staffportal.org/internal/roster"
)

const defaultObserveTimeout = 5 * time.Second

// RankLookup answers a principal's current rank in one group. A nil entry with
// a nil error means "not in the group"; an error means "unknown".
type RankLookup interface {
	GetRank(ctx context.Context, externalID string, groupID int64) (*roster.Entry, error)
}

// Resolver decides workspace access. Precedence is fixed:
//
//  1. deleted workspace: Denied, even for the owner
//  2. owner: Owner, no further checks
//  3. explicit member: Member ("membership overrides rank")
//  4. everyone else: Denied; rank-only eligibility is granted by the reconciler
//
// Authorize never performs network I/O on the caller's goroutine.
type Resolver struct {
	ranks          func() RankLookup
	observeTimeout time.Duration
	observed       func(Principal, Workspace, RankObservation)
}

// RankObservation is the result of the observability-only rank check.
type RankObservation struct {
	Entry   *roster.Entry
	Err     error
	Matches bool
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithRankObservation enables the detached rank check for explicit members.
// newLookup is called once per check so every check gets its own cache scope.
func WithRankObservation(newLookup func() RankLookup) ResolverOption {
	return func(r *Resolver) { r.ranks = newLookup }
}

// WithObservationHook is called after each detached rank check completes.
func WithObservationHook(fn func(Principal, Workspace, RankObservation)) ResolverOption {
	return func(r *Resolver) { r.observed = fn }
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{observeTimeout: defaultObserveTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authorize returns Owner, Member or Denied for p on ws.
func (r *Resolver) Authorize(ctx context.Context, p Principal, ws Workspace) Decision {
	decision, reason := decide(p, ws)
	obs.ObserveDecision(decision.String())
	if decision == Denied {
		obs.Info("workspace access denied", map[string]any{
			"workspace_id": ws.ID,
			"principal_id": p.ID,
			"reason":       reason,
		})
		return decision
	}
	if decision == Member && r.ranks != nil && p.CanCheckRank() {
		r.observeRank(ctx, p, ws)
	}
	return decision
}

func decide(p Principal, ws Workspace) (Decision, string) {
	switch {
	case ws.ID == "":
		return Denied, "not_found"
	case ws.IsDeleted:
		return Denied, "deleted"
	case p.ID == "":
		return Denied, "anonymous"
	case p.ID == ws.OwnerID:
		return Owner, ""
	case ws.HasMember(p.ID):
		return Member, ""
	default:
		return Denied, "not_member"
	}
}

// observeRank logs a member whose current rank no longer qualifies. It runs
// detached and its outcome never feeds back into the decision.
func (r *Resolver) observeRank(ctx context.Context, p Principal, ws Workspace) {
	lookup := r.ranks()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.observeTimeout)
	go func() {
		defer cancel()
		entry, err := lookup.GetRank(ctx, p.ExternalAccountID, ws.GroupID)
		o := RankObservation{Entry: entry, Err: err}
		fields := map[string]any{
			"workspace_id": ws.ID,
			"principal_id": p.ID,
			"group_id":     ws.GroupID,
		}
		switch {
		case err != nil:
			fields["error"] = err
			obs.Warn("member rank unknown", fields)
		case entry == nil:
			obs.Info("member not in workspace group", fields)
		case !ws.AllowsRank(entry.RankID):
			fields["rank_id"] = entry.RankID
			obs.Info("member rank not in allowed ranks", fields)
		default:
			o.Matches = true
		}
		if r.observed != nil {
			r.observed(p, ws, o)
		}
	}()
}
