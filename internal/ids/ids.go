package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return newAt(time.Now())
}

// Prefixed returns a sortable identifier tagged with a short kind prefix,
// e.g. "rst_01J9..." for restriction records.
func Prefixed(prefix string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "_")
	id := strings.ToLower(newAt(time.Now()))
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func newAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
