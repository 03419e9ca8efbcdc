package roster

import (
	"context"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const defaultScopeSize = 64

// Fetcher is the uncached roster source a Scope reads through.
type Fetcher interface {
	Fetch(ctx context.Context, externalID string) ([]Entry, error)
}

type cachedRoster struct {
	entries []Entry
	err     error
}

// Scope memoizes roster lookups for the lifetime of one page load or one
// reconciliation pass. Failures are memoized too, so a principal whose roster
// is unknown costs at most one retry cycle per scope.
type Scope struct {
	source Fetcher
	cache  *lru.Cache[string, cachedRoster]
	group  singleflight.Group
}

// NewScope creates an empty scope over source holding at most size principals.
func NewScope(source Fetcher, size int) *Scope {
	if size <= 0 {
		size = defaultScopeSize
	}
	cache, err := lru.New[string, cachedRoster](size)
	if err != nil {
		// only reachable with size <= 0
		panic(err)
	}
	return &Scope{source: source, cache: cache}
}

// GetRoster returns the principal's groups. A nil roster with an error means
// "unknown": callers keep access already granted and refuse new rank grants.
func (s *Scope) GetRoster(ctx context.Context, externalID string) ([]Entry, error) {
	if hit, ok := s.cache.Get(externalID); ok {
		return slices.Clone(hit.entries), hit.err
	}
	v, _, _ := s.group.Do(externalID, func() (any, error) {
		if hit, ok := s.cache.Get(externalID); ok {
			return hit, nil
		}
		entries, err := s.source.Fetch(ctx, externalID)
		res := cachedRoster{entries: entries, err: err}
		if ctx.Err() == nil {
			s.cache.Add(externalID, res)
		}
		return res, nil
	})
	res := v.(cachedRoster)
	return slices.Clone(res.entries), res.err
}

// GetRank returns the principal's entry for groupID, or nil when the principal
// is not in the group. The error is non-nil only when the roster is unknown.
func (s *Scope) GetRank(ctx context.Context, externalID string, groupID int64) (*Entry, error) {
	entries, err := s.GetRoster(ctx, externalID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].GroupID == groupID {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

// Len reports how many principals are cached.
func (s *Scope) Len() int { return s.cache.Len() }
