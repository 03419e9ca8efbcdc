package restriction

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	day             = 24 * time.Hour
	DefaultDuration = 7 * day
	// MaxDuration caps parsed durations at one hundred years.
	MaxDuration = 36500 * day
)

var (
	unitPattern    = regexp.MustCompile(`(?i)(\d+)\s*(day|week|month)s?`)
	leadingInteger = regexp.MustCompile(`^\s*(\d+)`)
)

// ParseDuration reads free text such as "7 days", "2 weeks" or "1 month".
// Unrecognized text falls back to a leading integer as days, then to seven
// days. A month is thirty days. Results are capped at MaxDuration. It never
// fails.
func ParseDuration(text string) time.Duration {
	if m := unitPattern.FindStringSubmatch(text); m != nil {
		if n, ok := count(m[1]); ok {
			switch strings.ToLower(m[2]) {
			case "week":
				return days(n, 7)
			case "month":
				return days(n, 30)
			default:
				return days(n, 1)
			}
		}
	}
	if m := leadingInteger.FindStringSubmatch(text); m != nil {
		if n, ok := count(m[1]); ok {
			return days(n, 1)
		}
	}
	return DefaultDuration
}

// count parses a positive decimal. Values too large for int64 saturate.
func count(digits string) (int64, bool) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return int64(MaxDuration / day), true
		}
		return 0, false
	}
	return n, n > 0
}

func days(n, unit int64) time.Duration {
	if n > int64(MaxDuration/day)/unit {
		return MaxDuration
	}
	return time.Duration(n*unit) * day
}
