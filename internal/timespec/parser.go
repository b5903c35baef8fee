package timespec

import (
	"fmt"
	"time"
)

// Parse parses a time specification relative to now.
// Supports two formats:
//   - Go duration format: "1h", "30m", "1h30m", "2h45m30s"
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//
// Durations are subtracted from now, so "1h" means "1 hour ago".
func Parse(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("invalid time specification: %s (duration must not be negative)", spec)
		}
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// Age converts a --before specification into the minimum age a finished job
// must have to match. A timestamp in the future is rejected.
func Age(spec string, now time.Time) (time.Duration, error) {
	t, err := Parse(spec, now)
	if err != nil {
		return 0, err
	}
	if t.After(now) {
		return 0, fmt.Errorf("invalid time specification: %s is in the future", spec)
	}
	return now.Sub(t), nil
}
