package restriction

import (
	"context"
	"encoding/json"
	"time"

	"staffportal.org/internal/ids"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/stream"
)

// refreshRetry delays the next expiry check after a failed read.
var refreshRetry = time.Second

// EventKind distinguishes the first observation from real changes.
type EventKind int

const (
	Initial EventKind = iota
	Changed
	Lifted
)

func (k EventKind) String() string {
	switch k {
	case Initial:
		return "initial"
	case Changed:
		return "changed"
	case Lifted:
		return "lifted"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is one delivery to a subscriber. Restriction is nil when the
// workspace is unrestricted. Previous holds the value delivered before it.
type Event struct {
	Kind          EventKind    `json:"kind"`
	WorkspaceID   string       `json:"workspace_id"`
	WorkspaceName string       `json:"workspace_name"`
	Restriction   *Restriction `json:"restriction"`
	Previous      *Restriction `json:"-"`
}

// Notice is the applied/lifted side-channel payload for banners and toasts.
type Notice struct {
	Kind          string    `json:"kind"`
	WorkspaceName string    `json:"workspace_name"`
	Features      []Feature `json:"features"`
	Reason        string    `json:"reason"`
	Duration      string    `json:"duration"`
}

// Notice converts a change into a notice. Initial events produce none.
func (e Event) Notice() (Notice, bool) {
	switch e.Kind {
	case Changed:
		if e.Restriction == nil {
			return Notice{}, false
		}
		return Notice{
			Kind:          "applied",
			WorkspaceName: e.WorkspaceName,
			Features:      e.Restriction.Features,
			Reason:        e.Restriction.Reason,
			Duration:      e.Restriction.Duration,
		}, true
	case Lifted:
		n := Notice{Kind: "lifted", WorkspaceName: e.WorkspaceName}
		if e.Previous != nil {
			n.Features = e.Previous.Features
			n.Reason = e.Previous.Reason
			n.Duration = e.Previous.Duration
		}
		return n, true
	default:
		return Notice{}, false
	}
}

// NameResolver supplies display names for notices.
type NameResolver interface {
	WorkspaceName(ctx context.Context, workspaceID string) (string, error)
}

// Propagator pushes restriction changes to subscribers.
type Propagator struct {
	svc   *Service
	names NameResolver
}

func NewPropagator(svc *Service, names NameResolver) *Propagator {
	return &Propagator{svc: svc, names: names}
}

// Subscription is a live subscription to one workspace.
type Subscription struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Unsubscribe stops delivery and waits for any in-flight callback. No
// callback fires after it returns. It must not be called from inside the
// callback.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// Done is closed once delivery has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe delivers the current value of workspaceID to fn as an Initial
// event, then one event per content change. Callbacks for one subscription
// run one at a time on a dedicated goroutine. Delivery stops when ctx ends or
// Unsubscribe is called.
func (p *Propagator) Subscribe(ctx context.Context, workspaceID string, fn func(Event)) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	// Subscribe before the first read so no write between the two is missed.
	changes := p.svc.Hub().Subscribe(ctx, workspaceID)
	current, err := p.svc.Get(ctx, workspaceID)
	if err != nil {
		cancel()
		return nil, err
	}
	sub := &Subscription{ID: ids.Prefixed("sub"), cancel: cancel, done: make(chan struct{})}
	w := &watcher{
		p:           p,
		workspaceID: workspaceID,
		fn:          fn,
		last:        current,
		lastKey:     contentKey(current),
	}
	go func() {
		defer close(sub.done)
		w.run(ctx, changes)
	}()
	return sub, nil
}

type watcher struct {
	p           *Propagator
	workspaceID string
	fn          func(Event)
	last        *Restriction
	lastKey     string
	expiry      *time.Timer
}

func (w *watcher) run(ctx context.Context, changes <-chan stream.Change) {
	defer w.disarm()
	w.fn(Event{
		Kind:          Initial,
		WorkspaceID:   w.workspaceID,
		WorkspaceName: w.name(ctx),
		Restriction:   w.last,
	})
	w.arm()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-w.expiryC():
		}
		if ctx.Err() != nil {
			return
		}
		w.refresh(ctx)
	}
}

func (w *watcher) refresh(ctx context.Context) {
	next, err := w.p.svc.Get(ctx, w.workspaceID)
	if err != nil {
		if ctx.Err() == nil {
			obs.Warn("restriction refresh failed", map[string]any{"workspace_id": w.workspaceID, "error": err})
		}
		w.armAfter(refreshRetry)
		return
	}
	key := contentKey(next)
	if key == w.lastKey {
		w.arm()
		return
	}
	kind := Changed
	if next == nil {
		kind = Lifted
	}
	prev := w.last
	w.last, w.lastKey = next, key
	w.arm()
	w.fn(Event{
		Kind:          kind,
		WorkspaceID:   w.workspaceID,
		WorkspaceName: w.name(ctx),
		Restriction:   next,
		Previous:      prev,
	})
}

func (w *watcher) name(ctx context.Context) string {
	if w.p.names == nil {
		return w.workspaceID
	}
	name, err := w.p.names.WorkspaceName(ctx, w.workspaceID)
	if err != nil || name == "" {
		return w.workspaceID
	}
	return name
}

// arm schedules a refresh at the current value's expiry.
func (w *watcher) arm() { w.armAfter(0) }

// armAfter is arm with a floor on the delay, used to retry failed reads.
func (w *watcher) armAfter(floor time.Duration) {
	w.disarm()
	if w.last == nil || w.last.ExpiresAt == nil {
		return
	}
	d := w.last.ExpiresAt.Sub(w.p.svc.now())
	if d < floor {
		d = floor
	}
	w.expiry = time.NewTimer(d)
}

func (w *watcher) disarm() {
	if w.expiry != nil {
		w.expiry.Stop()
		w.expiry = nil
	}
}

func (w *watcher) expiryC() <-chan time.Time {
	if w.expiry == nil {
		return nil
	}
	return w.expiry.C
}

func contentKey(r *Restriction) string {
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(data)
}
