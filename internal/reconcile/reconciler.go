package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"staffportal.org/internal/audit"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/roster"
	"staffportal.org/internal/workspace"
)

const (
	DefaultWindow  = 20
	DefaultDelay   = 1500 * time.Millisecond
	DefaultTimeout = 30 * time.Second
	DefaultWorkers = 4
)

// ErrUnverified is returned for principals without a verified external account.
var ErrUnverified = errors.New("reconcile: external account not verified")

// Store is the slice of the workspace store the reconciler needs.
type Store interface {
	Recent(ctx context.Context, limit int) ([]workspace.Workspace, error)
	Grant(ctx context.Context, workspaceID, principalID string) error
}

// RosterFetcher returns a principal's group roster.
type RosterFetcher interface {
	GetRoster(ctx context.Context, externalID string) ([]roster.Entry, error)
}

// Report summarizes one pass.
type Report struct {
	Candidates int
	Granted    []string
	Failed     []string
}

// Reconciler grants membership wherever a principal's current rank newly
// qualifies. It scans a bounded window of the most recently created
// workspaces, so older workspaces are only reached through explicit invites.
type Reconciler struct {
	store    Store
	newScope func() RosterFetcher
	window   int
	delay    time.Duration
	timeout  time.Duration
	workers  int

	mu       sync.Mutex
	inflight map[string]struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures Reconciler behavior.
type Option func(*Reconciler)

func WithWindow(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.window = n
		}
	}
}

// WithDelay sets how long Launch waits before starting a pass.
func WithDelay(d time.Duration) Option {
	return func(r *Reconciler) {
		if d >= 0 {
			r.delay = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithWorkers(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.workers = n
		}
	}
}

// New constructs a Reconciler. newScope is called once per pass so each pass
// owns its roster cache.
func New(store Store, newScope func() RosterFetcher, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		newScope: newScope,
		window:   DefaultWindow,
		delay:    DefaultDelay,
		timeout:  DefaultTimeout,
		workers:  DefaultWorkers,
		inflight: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile runs one pass for p. It is idempotent: workspaces p already
// belongs to are skipped and grants are set unions. A single failed grant is
// logged and does not abort the others. An unknown roster grants nothing.
func (r *Reconciler) Reconcile(ctx context.Context, p workspace.Principal) (Report, error) {
	var report Report
	if !p.CanCheckRank() {
		return report, ErrUnverified
	}
	entries, err := r.newScope().GetRoster(ctx, p.ExternalAccountID)
	if err != nil {
		return report, fmt.Errorf("fetch roster: %w", err)
	}
	if len(entries) == 0 {
		return report, nil
	}
	candidates, err := r.store.Recent(ctx, r.window)
	if err != nil {
		return report, fmt.Errorf("load candidate workspaces: %w", err)
	}
	report.Candidates = len(candidates)

	var matched []workspace.Workspace
	for _, ws := range candidates {
		if eligible(p, ws, entries) {
			matched = append(matched, ws)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, ws := range matched {
		g.Go(func() error {
			err := r.store.Grant(gctx, ws.ID, p.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				obs.ObserveGrant("failed")
				obs.Warn("membership grant failed", map[string]any{
					"workspace_id": ws.ID,
					"principal_id": p.ID,
					"error":        err,
				})
				report.Failed = append(report.Failed, ws.ID)
				return nil
			}
			obs.ObserveGrant("granted")
			report.Granted = append(report.Granted, ws.ID)
			_ = audit.Record(ctx, audit.MembershipGranted, ws.ID, map[string]any{
				"member_id": p.ID,
				"group_id":  ws.GroupID,
			})
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

func eligible(p workspace.Principal, ws workspace.Workspace, entries []roster.Entry) bool {
	if ws.IsDeleted || ws.OwnerID == p.ID || ws.HasMember(p.ID) {
		return false
	}
	for _, e := range entries {
		if e.GroupID == ws.GroupID && ws.AllowsRank(e.RankID) {
			return true
		}
	}
	return false
}

// Launch starts a detached pass for p after the configured delay. A pass
// already pending or running for the same principal absorbs the call.
func (r *Reconciler) Launch(p workspace.Principal) {
	if !p.CanCheckRank() {
		return
	}
	r.mu.Lock()
	if _, busy := r.inflight[p.ID]; busy {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stop:
		r.mu.Unlock()
		return
	default:
	}
	r.inflight[p.ID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, p.ID)
			r.mu.Unlock()
		}()

		timer := time.NewTimer(r.delay)
		defer timer.Stop()
		select {
		case <-r.stop:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		go func() {
			select {
			case <-r.stop:
				cancel()
			case <-ctx.Done():
			}
		}()

		report, err := r.Reconcile(ctx, p)
		fields := map[string]any{
			"principal_id": p.ID,
			"candidates":   report.Candidates,
			"granted":      len(report.Granted),
			"failed":       len(report.Failed),
		}
		if err != nil {
			fields["error"] = err
			obs.Warn("reconcile pass skipped", fields)
			return
		}
		if len(report.Granted) > 0 || len(report.Failed) > 0 {
			obs.Info("reconcile pass finished", fields)
		}
	}()
}

// Close cancels pending passes and waits for running ones to return.
func (r *Reconciler) Close() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		close(r.stop)
		r.mu.Unlock()
	})
	r.wg.Wait()
}
