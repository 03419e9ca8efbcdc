package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("rst_")
	if !strings.HasPrefix(id, "rst_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if strings.Count(id, "_") != 1 {
		t.Fatalf("prefix separator duplicated: %s", id)
	}
	if id != strings.ToLower(id) {
		t.Fatalf("expected lower-case id: %s", id)
	}
	if bare := Prefixed(""); strings.Contains(bare, "_") {
		t.Fatalf("unexpected separator without prefix: %s", bare)
	}
}
