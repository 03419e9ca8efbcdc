package restriction

import "strings"

// pathFeatures maps the route segment under /workspace/{id}/ to its feature.
var pathFeatures = map[string]Feature{
	"inactivity":    InactivityNotice,
	"time-tracking": TimeTracking,
	"automation":    Automation,
	"announcements": Announcements,
	"members":       MemberManagement,
}

// FeatureForPath returns the feature guarding path, if any.
func FeatureForPath(path string) (Feature, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 3 || segs[0] != "workspace" || segs[1] == "" {
		return "", false
	}
	// The workspace root is never restrictable.
	if segs[len(segs)-1] == segs[1] {
		return "", false
	}
	rest := strings.Join(segs[2:], "/")
	for seg, f := range pathFeatures {
		if rest == seg || strings.HasPrefix(rest, seg+"/") {
			return f, true
		}
	}
	return "", false
}

// IsRestricted reports whether path is disabled by r. A nil or inactive
// restriction restricts nothing, and unknown paths are never restricted.
func IsRestricted(path string, r *Restriction) bool {
	if r == nil || !r.Active {
		return false
	}
	f, ok := FeatureForPath(path)
	return ok && r.Has(f)
}
