package workspace

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound     = errors.New("workspace: not found")
	ErrInvalidInput = errors.New("workspace: invalid input")
)

// Principal is a verified dashboard user. Rank-based checks need a verified
// external account.
type Principal struct {
	ID                      string `json:"id"`
	ExternalAccountID       string `json:"external_account_id,omitempty"`
	ExternalAccountVerified bool   `json:"external_account_verified"`
}

// CanCheckRank reports whether the principal's group rank can be looked up.
func (p Principal) CanCheckRank() bool {
	return p.ExternalAccountVerified && p.ExternalAccountID != ""
}

// Workspace is a tenant bound to one external group.
// Members is authoritative; AllowedRanks only matters for non-members.
type Workspace struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	GroupID      int64     `json:"group_id"`
	OwnerID      string    `json:"owner_id"`
	Members      []string  `json:"members"`
	AllowedRanks []int     `json:"allowed_ranks"`
	IsDeleted    bool      `json:"is_deleted"`
	CreatedAt    time.Time `json:"created_at"`
}

func (w Workspace) HasMember(principalID string) bool {
	return principalID != "" && slices.Contains(w.Members, principalID)
}

func (w Workspace) AllowsRank(rank int) bool {
	return slices.Contains(w.AllowedRanks, rank)
}

// clone detaches the slices so callers cannot mutate store state.
func (w Workspace) clone() Workspace {
	w.Members = slices.Clone(w.Members)
	w.AllowedRanks = slices.Clone(w.AllowedRanks)
	return w
}

// Decision is the outcome of authorizing a principal for a workspace.
type Decision int

const (
	Denied Decision = iota
	Member
	Owner
)

func (d Decision) String() string {
	switch d {
	case Owner:
		return "owner"
	case Member:
		return "member"
	default:
		return "denied"
	}
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool { return d != Denied }

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// DeniedCauses is the generic explanation shown on denial. It deliberately
// never narrows down which cause applied.
var DeniedCauses = []string{
	"the workspace does not exist",
	"the workspace has been deleted",
	"you are not a member of this workspace",
	"your group rank is not allowed in this workspace",
}
