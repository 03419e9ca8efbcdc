package roster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const rolesBody = `{"data":[
	{"group":{"id":7,"name":"Cafe"},"role":{"id":70,"name":"Barista","rank":100}},
	{"group":{"id":9,"name":"Airline"},"role":{"id":90,"name":"Pilot","rank":200}}
]}`

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func newRosterServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/v2/users/555/groups/roles" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if idx := int(n) - 1; idx < len(statuses) && statuses[idx] != http.StatusOK {
			w.WriteHeader(statuses[idx])
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, rolesBody)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetchParsesRoles(t *testing.T) {
	srv, calls := newRosterServer(t)
	c := NewClient(WithBaseURL(srv.URL))

	entries, err := c.Fetch(context.Background(), "555")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].GroupID != 7 || entries[0].RankID != 100 || entries[0].RankName != "Barista" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
	if *calls != 1 {
		t.Fatalf("expected one call, got %d", *calls)
	}
}

func TestFetchRetriesTransientWithBackoff(t *testing.T) {
	srv, calls := newRosterServer(t, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusOK)
	sleeps := &recordedSleeps{}
	c := NewClient(WithBaseURL(srv.URL), WithSleeper(sleeps.sleep))

	entries, err := c.Fetch(context.Background(), "555")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected roster after retries, got %v", entries)
	}
	if *calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", *calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeps.delays) != len(want) || sleeps.delays[0] != want[0] || sleeps.delays[1] != want[1] {
		t.Fatalf("unexpected backoff %v, want %v", sleeps.delays, want)
	}
}

func TestFetchGivesUpAfterThreeAttempts(t *testing.T) {
	srv, calls := newRosterServer(t, 503, 503, 503, 503)
	sleeps := &recordedSleeps{}
	c := NewClient(WithBaseURL(srv.URL), WithSleeper(sleeps.sleep))

	entries, err := c.Fetch(context.Background(), "555")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if entries != nil {
		t.Fatalf("expected empty roster, got %v", entries)
	}
	if *calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", *calls)
	}
}

func TestFetchFailsFastOnClientError(t *testing.T) {
	srv, calls := newRosterServer(t, http.StatusBadRequest)
	c := NewClient(WithBaseURL(srv.URL), WithSleeper((&recordedSleeps{}).sleep))

	_, err := c.Fetch(context.Background(), "555")
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
	if *calls != 1 {
		t.Fatalf("expected no retry, got %d calls", *calls)
	}
}

func TestFetchTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := NewClient(WithBaseURL(srv.URL), WithTimeout(50*time.Millisecond), WithRetry(2, 0))
	start := time.Now()
	_, err := c.Fetch(context.Background(), "555")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("fetch did not honour the per-request timeout")
	}
}

func TestFetchRejectsEmptyID(t *testing.T) {
	c := NewClient()
	if _, err := c.Fetch(context.Background(), "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
