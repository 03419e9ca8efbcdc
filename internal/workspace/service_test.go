package workspace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingLauncher struct {
	mu       sync.Mutex
	launched []string
}

func (l *recordingLauncher) Launch(p Principal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, p.ID)
}

type failingStore struct{ Store }

func (failingStore) Find(ctx context.Context, id string) (Workspace, error) {
	return Workspace{}, errors.New("connection reset")
}

func seed(t *testing.T) *InMemory {
	t.Helper()
	store := NewInMemory()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, ws := range []Workspace{
		{ID: "W1", Name: "Cafe Staff", GroupID: 7, OwnerID: "U1", Members: []string{"U1"}, AllowedRanks: []int{100}},
		{ID: "W2", Name: "Old", GroupID: 7, OwnerID: "U2", Members: []string{"U2", "U1"}, IsDeleted: true},
		{ID: "W3", Name: "Airline", GroupID: 9, OwnerID: "U3", Members: []string{"U3", "U1", "U1"}},
	} {
		ws.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if _, err := store.Create(ctx, ws); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	return store
}

func TestAuthorizeByIDLaunchesReconcilerOnSuccess(t *testing.T) {
	launcher := &recordingLauncher{}
	svc := NewService(seed(t), NewResolver(), WithReconciler(launcher))

	got := svc.AuthorizeByID(context.Background(), verified("U1"), "W1")
	if got.Decision != Owner || got.Workspace.Name != "Cafe Staff" {
		t.Fatalf("unexpected access %+v", got)
	}
	denied := svc.AuthorizeByID(context.Background(), verified("U9"), "W1")
	if denied.Decision != Denied || denied.Workspace.ID != "" {
		t.Fatalf("denied access leaked workspace: %+v", denied)
	}
	if len(launcher.launched) != 1 || launcher.launched[0] != "U1" {
		t.Fatalf("expected exactly one launch after success, got %v", launcher.launched)
	}
}

func TestAuthorizeByIDDeniesOnMissingOrBrokenStore(t *testing.T) {
	svc := NewService(seed(t), nil)
	if got := svc.AuthorizeByID(context.Background(), verified("U1"), "nope"); got.Decision != Denied {
		t.Fatalf("missing workspace got %v", got.Decision)
	}
	broken := NewService(failingStore{}, nil)
	if got := broken.AuthorizeByID(context.Background(), verified("U1"), "W1"); got.Decision != Denied {
		t.Fatalf("store failure got %v", got.Decision)
	}
}

func TestDashboardSkipsDeletedWorkspaces(t *testing.T) {
	svc := NewService(seed(t), nil)
	list, err := svc.Dashboard(context.Background(), verified("U1"))
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 workspaces, got %d", len(list))
	}
	if list[0].Workspace.ID != "W3" || list[0].Decision != Member {
		t.Fatalf("expected newest first, got %+v", list[0])
	}
	if list[1].Workspace.ID != "W1" || list[1].Decision != Owner {
		t.Fatalf("unexpected second entry %+v", list[1])
	}
}

func TestGrantIsIdempotent(t *testing.T) {
	store := seed(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := store.Grant(ctx, "W1", "U2"); err != nil {
			t.Fatalf("Grant: %v", err)
		}
	}
	ws, _ := store.Find(ctx, "W1")
	if len(ws.Members) != 2 {
		t.Fatalf("expected members [U1 U2], got %v", ws.Members)
	}
	if got := store.PrincipalWorkspaces("U2"); len(got) != 2 {
		t.Fatalf("expected principal list [W2 W1], got %v", got)
	}
	if err := store.Grant(ctx, "missing", "U2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDedupesMembers(t *testing.T) {
	store := seed(t)
	ws, _ := store.Find(context.Background(), "W3")
	if len(ws.Members) != 2 {
		t.Fatalf("expected duplicate member collapsed, got %v", ws.Members)
	}
}

func TestRecentWindow(t *testing.T) {
	store := seed(t)
	got, err := store.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "W3" || got[1].ID != "W2" {
		t.Fatalf("unexpected window %v", got)
	}
}

func TestWorkspaceName(t *testing.T) {
	svc := NewService(seed(t), nil)
	if name, err := svc.WorkspaceName(context.Background(), "W1"); err != nil || name != "Cafe Staff" {
		t.Fatalf("unexpected name %q %v", name, err)
	}
	if name, err := svc.WorkspaceName(context.Background(), "gone"); err == nil || name != "gone" {
		t.Fatalf("expected id fallback with error, got %q %v", name, err)
	}
}
