package restriction

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound       = errors.New("restriction: not found")
	ErrInvalidFeature = errors.New("restriction: unknown feature")
	ErrInvalidInput   = errors.New("restriction: invalid input")
)

// Feature is one administratively restrictable area of a workspace.
type Feature string

const (
	InactivityNotice Feature = "inactivityNotice"
	TimeTracking     Feature = "timeTracking"
	Automation       Feature = "automation"
	Announcements    Feature = "announcements"
	MemberManagement Feature = "memberManagement"
)

// Features lists the closed set of restrictable features.
var Features = []Feature{InactivityNotice, TimeTracking, Automation, Announcements, MemberManagement}

// Valid reports whether f belongs to the closed feature set.
func (f Feature) Valid() bool { return slices.Contains(Features, f) }

// Restriction is the single current restriction record of a workspace.
type Restriction struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Features    []Feature  `json:"features"`
	Reason      string     `json:"reason"`
	Duration    string     `json:"duration,omitempty"`
	AppliedBy   string     `json:"applied_by,omitempty"`
	AppliedAt   time.Time  `json:"applied_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Active      bool       `json:"is_active"`
}

// Has reports whether f is listed.
func (r *Restriction) Has(f Feature) bool {
	return r != nil && slices.Contains(r.Features, f)
}

// Expired reports whether the record has an expiry at or before now.
func (r *Restriction) Expired(now time.Time) bool {
	return r != nil && r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Effective reports whether the record restricts anything at now.
func (r *Restriction) Effective(now time.Time) bool {
	return r != nil && r.Active && !r.Expired(now)
}

func (r Restriction) clone() Restriction {
	r.Features = slices.Clone(r.Features)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		r.ExpiresAt = &t
	}
	return r
}

// Patch is a partial write to the current slot. Nil fields keep the stored
// value; on a fresh slot they take the zero value.
type Patch struct {
	Features  *[]Feature
	Reason    *string
	Duration  *string
	ExpiresAt *time.Time
	Active    *bool
	AppliedBy string
	AppliedAt time.Time

	// StaleBefore drops a stored expiry at or before it, along with its
	// duration text, when the patch sets no new expiry.
	StaleBefore time.Time
}

// apply merges p into cur. cur may be nil for a fresh slot.
func (p Patch) apply(workspaceID string, cur *Restriction, newID func() string) Restriction {
	var next Restriction
	if cur != nil {
		next = cur.clone()
	} else {
		next = Restriction{ID: newID(), WorkspaceID: workspaceID, Active: true}
	}
	if p.Features != nil {
		next.Features = slices.Clone(*p.Features)
	}
	if p.Reason != nil {
		next.Reason = *p.Reason
	}
	if p.Duration != nil {
		next.Duration = *p.Duration
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		next.ExpiresAt = &t
	} else if !p.StaleBefore.IsZero() && next.Expired(p.StaleBefore) {
		next.ExpiresAt = nil
		if p.Duration == nil {
			next.Duration = ""
		}
	}
	if p.Active != nil {
		next.Active = *p.Active
	}
	if p.AppliedBy != "" {
		next.AppliedBy = p.AppliedBy
	}
	if !p.AppliedAt.IsZero() {
		next.AppliedAt = p.AppliedAt
	}
	return next
}

// Input is an administrator's Put request. Nil fields are retained.
type Input struct {
	Features []Feature `json:"features,omitempty"`
	Reason   *string   `json:"reason,omitempty"`
	Duration *string   `json:"duration,omitempty"`
	Active   *bool     `json:"is_active,omitempty"`
}
