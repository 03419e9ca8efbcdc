package restriction

import (
	"context"
	"errors"
	"testing"
	"time"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/workspace"
)

func strPtr(s string) *string { return &s }

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newTestService() (*Service, *InMemory, *fixedClock) {
	clock := &fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := NewInMemory()
	return NewService(store, nil, WithClock(clock.Now)), store, clock
}

func TestPutMergesAndClearLifts(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := auth.ContextWithPrincipal(context.Background(), workspace.Principal{ID: "U1"})

	first, err := svc.Put(ctx, "W1", Input{
		Features: []Feature{Automation, Automation, Announcements},
		Reason:   strPtr("audit"),
		Duration: strPtr("2 weeks"),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(first.Features) != 2 || first.AppliedBy != "U1" || !first.Active {
		t.Fatalf("unexpected record %+v", first)
	}
	if want := clock.now.Add(14 * 24 * time.Hour); first.ExpiresAt == nil || !first.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", first.ExpiresAt, want)
	}

	second, err := svc.Put(ctx, "W1", Input{Features: []Feature{TimeTracking}})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if second.Reason != "audit" || second.Duration != "2 weeks" || second.ID != first.ID {
		t.Fatalf("unspecified fields not retained: %+v", second)
	}

	if err := svc.Clear(ctx, "W1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := svc.Get(ctx, "W1")
	if err != nil || got != nil {
		t.Fatalf("expected no restriction after clear, got %+v %v", got, err)
	}
	for _, path := range []string{"/workspace/W1/automation", "/workspace/W1/time-tracking", "/workspace/W1"} {
		if IsRestricted(path, got) {
			t.Fatalf("%s restricted after clear", path)
		}
	}
	if err := svc.Clear(ctx, "W1"); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestPutRejectsUnknownFeature(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Put(context.Background(), "W1", Input{Features: []Feature{"billing"}})
	if !errors.Is(err, ErrInvalidFeature) {
		t.Fatalf("expected ErrInvalidFeature, got %v", err)
	}
	if _, err := svc.Put(context.Background(), "", Input{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGetEnforcesExpiryLazily(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := context.Background()
	if _, err := svc.Put(ctx, "W1", Input{Features: []Feature{Automation}, Duration: strPtr("1 day")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if r, _ := svc.Get(ctx, "W1"); r == nil {
		t.Fatalf("expected active restriction")
	}
	clock.now = clock.now.Add(24 * time.Hour)
	if r, _ := svc.Get(ctx, "W1"); r != nil {
		t.Fatalf("expired restriction still returned: %+v", r)
	}
}

func TestPutWithLongDurationStaysEnforced(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := context.Background()
	for _, d := range []string{"200000 days", "999999 weeks"} {
		stored, err := svc.Put(ctx, "W1", Input{Features: []Feature{Automation}, Duration: strPtr(d)})
		if err != nil {
			t.Fatalf("Put(%q): %v", d, err)
		}
		if stored.ExpiresAt == nil || !stored.ExpiresAt.After(clock.now) {
			t.Fatalf("Put(%q) stored expiry %v in the past", d, stored.ExpiresAt)
		}
		r, err := svc.Get(ctx, "W1")
		if err != nil || !IsRestricted("/workspace/W1/automation", r) {
			t.Fatalf("Put(%q) not enforced: %+v %v", d, r, err)
		}
	}
}

func TestReapplyAfterExpiryDropsStaleExpiry(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := context.Background()
	if _, err := svc.Put(ctx, "W1", Input{Features: []Feature{Automation}, Duration: strPtr("1 day")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	clock.now = clock.now.Add(48 * time.Hour)

	stored, err := svc.Put(ctx, "W1", Input{Features: []Feature{Announcements}, Reason: strPtr("again")})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if stored.ExpiresAt != nil || stored.Duration != "" {
		t.Fatalf("stale expiry kept: %+v", stored)
	}
	r, err := svc.Get(ctx, "W1")
	if err != nil || r == nil {
		t.Fatalf("re-applied restriction not effective: %+v %v", r, err)
	}
	if !IsRestricted("/workspace/W1/announcements", r) {
		t.Fatalf("announcements should be restricted: %+v", r)
	}

	// A live expiry is still retained when no duration is given.
	if _, err := svc.Put(ctx, "W2", Input{Features: []Feature{Automation}, Duration: strPtr("3 days")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	clock.now = clock.now.Add(24 * time.Hour)
	kept, err := svc.Put(ctx, "W2", Input{Reason: strPtr("still")})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if kept.ExpiresAt == nil || kept.Duration != "3 days" {
		t.Fatalf("live expiry dropped: %+v", kept)
	}
}

func TestInactiveReadsAsNone(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	off := false
	if _, err := svc.Put(ctx, "W1", Input{Features: []Feature{Automation}, Active: &off}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if r, _ := svc.Get(ctx, "W1"); r != nil {
		t.Fatalf("inactive restriction returned: %+v", r)
	}
}

func TestSweepExpired(t *testing.T) {
	svc, store, clock := newTestService()
	ctx := context.Background()
	_, _ = svc.Put(ctx, "W1", Input{Features: []Feature{Automation}, Duration: strPtr("1 day")})
	_, _ = svc.Put(ctx, "W2", Input{Features: []Feature{Automation}, Duration: strPtr("1 month")})
	_, _ = svc.Put(ctx, "W3", Input{Features: []Feature{Automation}})

	clock.now = clock.now.Add(48 * time.Hour)
	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired record, got %d", n)
	}
	if _, err := store.Get(ctx, "W1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record still stored: %v", err)
	}
	for _, id := range []string{"W2", "W3"} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Fatalf("%s removed: %v", id, err)
		}
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := NewSweeper(svc, "not a schedule"); err == nil {
		t.Fatalf("expected schedule error")
	}
	s, err := NewSweeper(svc, "@every 1h")
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
